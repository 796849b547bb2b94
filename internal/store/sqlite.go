package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadflow/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'queued',
	report     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS stage_results (
	run_id           TEXT NOT NULL REFERENCES runs(id),
	work_unit_id     TEXT NOT NULL,
	stage_id         TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error_class TEXT,
	last_error       TEXT,
	skip_reason      TEXT,
	payload_ref      TEXT,
	started_at       DATETIME,
	ended_at         DATETIME,
	PRIMARY KEY (run_id, work_unit_id, stage_id)
);

CREATE TABLE IF NOT EXISTS spend_ledger (
	id           TEXT PRIMARY KEY,
	run_id       TEXT,
	service      TEXT NOT NULL,
	operation    TEXT NOT NULL,
	amount_usd   REAL NOT NULL,
	work_unit_id TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	data        TEXT NOT NULL,
	merged_into TEXT NOT NULL DEFAULT '',
	revision    INTEGER NOT NULL DEFAULT 0,
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	run_id      TEXT,
	operation   TEXT NOT NULL,
	survivor_id TEXT NOT NULL,
	loser_id    TEXT,
	before      TEXT NOT NULL,
	after       TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_stage_results_run_id ON stage_results(run_id);
CREATE INDEX IF NOT EXISTS idx_spend_ledger_run_id ON spend_ledger(run_id);
CREATE INDEX IF NOT EXISTS idx_spend_ledger_service ON spend_ledger(service);
CREATE INDEX IF NOT EXISTS idx_records_merged_into ON records(merged_into);
CREATE INDEX IF NOT EXISTS idx_audit_log_run_id ON audit_log(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = model.RunStatusQueued
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		run.ID, string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, report, created_at, updated_at FROM runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, report, created_at, updated_at FROM runs ORDER BY created_at DESC LIMIT 100`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) UpdateRunReport(ctx context.Context, id string, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET report = ?, updated_at = ? WHERE id = ?`,
		string(reportJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run report %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) UpsertStageResult(ctx context.Context, sr *model.StageResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_results
			(run_id, work_unit_id, stage_id, status, attempts, last_error_class, last_error, skip_reason, payload_ref, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, work_unit_id, stage_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error_class = excluded.last_error_class,
			last_error = excluded.last_error,
			skip_reason = excluded.skip_reason,
			payload_ref = excluded.payload_ref,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`,
		sr.RunID, sr.WorkUnitID, string(sr.StageID), string(sr.Status), sr.Attempts,
		sr.LastErrorClass, sr.LastError, string(sr.SkipReason), sr.PayloadRef,
		sr.StartedAt, sr.EndedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert stage result %s/%s/%s", sr.RunID, sr.WorkUnitID, sr.StageID)
}

func (s *SQLiteStore) ListStageResults(ctx context.Context, runID string) ([]*model.StageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, work_unit_id, stage_id, status, attempts, last_error_class, last_error, skip_reason, payload_ref, started_at, ended_at
		 FROM stage_results WHERE run_id = ?`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stage results")
	}
	defer rows.Close()

	var out []*model.StageResult
	for rows.Next() {
		var sr model.StageResult
		var class, lastErr, skip, payload sql.NullString
		var started, ended sql.NullTime
		err := rows.Scan(&sr.RunID, &sr.WorkUnitID, &sr.StageID, &sr.Status, &sr.Attempts,
			&class, &lastErr, &skip, &payload, &started, &ended)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage result")
		}
		sr.LastErrorClass = class.String
		sr.LastError = lastErr.String
		sr.SkipReason = model.SkipReason(skip.String)
		sr.PayloadRef = payload.String
		if started.Valid {
			t := started.Time
			sr.StartedAt = &t
		}
		if ended.Valid {
			t := ended.Time
			sr.EndedAt = &t
		}
		out = append(out, &sr)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stage results iterate")
}

func (s *SQLiteStore) DeleteStageResults(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stage_results WHERE run_id = ?`, runID)
	return eris.Wrapf(err, "sqlite: delete stage results for run %s", runID)
}

func (s *SQLiteStore) AppendLedgerEntry(ctx context.Context, entry model.SpendLedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spend_ledger (id, run_id, service, operation, amount_usd, work_unit_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RunID, entry.Service, entry.Operation, entry.AmountUSD, entry.WorkUnitID, entry.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append ledger entry")
}

func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, runID string) ([]model.SpendLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, service, operation, amount_usd, work_unit_id, created_at
		 FROM spend_ledger WHERE run_id = ? ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ledger entries")
	}
	defer rows.Close()

	var out []model.SpendLedgerEntry
	for rows.Next() {
		var e model.SpendLedgerEntry
		var runID, unitID sql.NullString
		if err := rows.Scan(&e.ID, &runID, &e.Service, &e.Operation, &e.AmountUSD, &unitID, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		e.RunID = runID.String
		e.WorkUnitID = unitID.String
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list ledger entries iterate")
}

func (s *SQLiteStore) UpsertRecord(ctx context.Context, r *model.BusinessRecord) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record")
	}

	// Guarded update first: a plain stage write must never overwrite a
	// record another worker merged in the meantime.
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET data = ?, merged_into = ?, revision = revision + 1, updated_at = ?
		 WHERE id = ? AND revision = ?`,
		string(data), r.MergedInto, r.UpdatedAt, r.ID, r.Revision,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", r.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: update record rows affected")
	}
	if n == 1 {
		r.Revision++
		return nil
	}

	// No row at the caller's revision: either the record is new, or a
	// concurrent writer got there first.
	res, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, data, merged_into, revision, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, string(data), r.MergedInto, r.Revision, r.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert record %s", r.ID)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: insert record rows affected")
	}
	if n == 1 {
		return nil
	}
	return eris.Wrapf(ErrRevisionConflict, "record %s revision %d", r.ID, r.Revision)
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.BusinessRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data, merged_into, revision FROM records WHERE id = ?`, id,
	)
	return scanRecord(row)
}

func (s *SQLiteStore) ListRecords(ctx context.Context) ([]*model.BusinessRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, merged_into, revision FROM records ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var out []*model.BusinessRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

// ApplyMerge writes both records and the audit row in one transaction.
// Each UPDATE is guarded by the caller's revision; zero rows affected
// means a concurrent writer got there first.
func (s *SQLiteStore) ApplyMerge(ctx context.Context, survivor, loser *model.BusinessRecord, audit *model.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin merge tx")
	}
	defer tx.Rollback()

	for _, r := range []*model.BusinessRecord{survivor, loser} {
		if err := updateRecordTx(ctx, tx, r); err != nil {
			return err
		}
	}
	if err := insertAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit merge tx")
	}

	survivor.Revision++
	loser.Revision++
	return nil
}

func (s *SQLiteStore) RestoreRecords(ctx context.Context, records []*model.BusinessRecord, audit *model.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin restore tx")
	}
	defer tx.Rollback()

	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal record")
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE records SET data = ?, merged_into = ?, revision = revision + 1, updated_at = ? WHERE id = ?`,
			string(data), r.MergedInto, r.UpdatedAt, r.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: restore record %s", r.ID)
		}
		if err := checkRowsAffected(res, "record", r.ID); err != nil {
			return err
		}
	}
	if err := insertAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit restore tx")
}

func (s *SQLiteStore) GetAudit(ctx context.Context, id string) (*model.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, operation, survivor_id, loser_id, before, after, created_at
		 FROM audit_log WHERE id = ?`, id,
	)
	return scanAudit(row)
}

func (s *SQLiteStore) ListAudits(ctx context.Context, runID string) ([]*model.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, operation, survivor_id, loser_id, before, after, created_at
		 FROM audit_log WHERE run_id = ? ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audits")
	}
	defer rows.Close()

	var out []*model.AuditRecord
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audits iterate")
}

// helpers

func updateRecordTx(ctx context.Context, tx *sql.Tx, r *model.BusinessRecord) error {
	next := r.Clone()
	next.Revision = r.Revision + 1
	data, err := json.Marshal(next)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET data = ?, merged_into = ?, revision = ?, updated_at = ? WHERE id = ? AND revision = ?`,
		string(data), next.MergedInto, next.Revision, next.UpdatedAt, r.ID, r.Revision,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", r.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRevisionConflict, "record %s revision %d", r.ID, r.Revision)
	}
	return nil
}

func insertAuditTx(ctx context.Context, tx *sql.Tx, a *model.AuditRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (id, run_id, operation, survivor_id, loser_id, before, after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.Operation, a.SurvivorID, a.LoserID, string(a.Before), string(a.After), a.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert audit")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var reportJSON sql.NullString

	err := row.Scan(&r.ID, &r.Status, &reportJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if reportJSON.Valid {
		r.Report = &model.RunReport{}
		if err := json.Unmarshal([]byte(reportJSON.String), r.Report); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal report")
		}
	}
	return &r, nil
}

// scanRecord decodes the JSON column; merged_into and revision columns
// are authoritative over whatever the JSON carried.
func scanRecord(row scannable) (*model.BusinessRecord, error) {
	var data, mergedInto string
	var revision int64

	err := row.Scan(&data, &mergedInto, &revision)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan record")
	}

	var r model.BusinessRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal record")
	}
	r.MergedInto = mergedInto
	r.Revision = revision
	return &r, nil
}

func scanAudit(row scannable) (*model.AuditRecord, error) {
	var a model.AuditRecord
	var runID, loserID sql.NullString
	var before, after string

	err := row.Scan(&a.ID, &runID, &a.Operation, &a.SurvivorID, &loserID, &before, &after, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan audit")
	}
	a.RunID = runID.String
	a.LoserID = loserID.String
	a.Before = json.RawMessage(before)
	a.After = json.RawMessage(after)
	return &a, nil
}
