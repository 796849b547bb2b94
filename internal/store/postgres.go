package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/db"
	"github.com/sells-group/leadflow/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"upsert_stage_result": `INSERT INTO stage_results
		(run_id, work_unit_id, stage_id, status, attempts, last_error_class, last_error, skip_reason, payload_ref, started_at, ended_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	 ON CONFLICT (run_id, work_unit_id, stage_id) DO UPDATE SET
		status = EXCLUDED.status,
		attempts = EXCLUDED.attempts,
		last_error_class = EXCLUDED.last_error_class,
		last_error = EXCLUDED.last_error,
		skip_reason = EXCLUDED.skip_reason,
		payload_ref = EXCLUDED.payload_ref,
		started_at = EXCLUDED.started_at,
		ended_at = EXCLUDED.ended_at`,
	"append_ledger": `INSERT INTO spend_ledger (id, run_id, service, operation, amount_usd, work_unit_id, created_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"get_record": `SELECT data, merged_into, revision FROM records WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status     TEXT NOT NULL DEFAULT 'queued',
	report     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	started_at       TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	PRIMARY KEY (run_id, work_unit_id, stage_id)
);

CREATE TABLE IF NOT EXISTS spend_ledger (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id       TEXT,
	service      TEXT NOT NULL,
	operation    TEXT NOT NULL,
	amount_usd   DOUBLE PRECISION NOT NULL,
	work_unit_id TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	data        JSONB NOT NULL,
	merged_into TEXT NOT NULL DEFAULT '',
	revision    BIGINT NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	run_id      TEXT,
	operation   TEXT NOT NULL,
	survivor_id TEXT NOT NULL,
	loser_id    TEXT,
	before      JSONB NOT NULL,
	after       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_stage_results_run_id ON stage_results(run_id);
CREATE INDEX IF NOT EXISTS idx_spend_ledger_run_id ON spend_ledger(run_id);
CREATE INDEX IF NOT EXISTS idx_spend_ledger_service ON spend_ledger(service);
CREATE INDEX IF NOT EXISTS idx_records_merged_into ON records(merged_into);
CREATE INDEX IF NOT EXISTS idx_audit_log_run_id ON audit_log(run_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		run.ID, string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, report, created_at, updated_at FROM runs WHERE id = $1`, id,
	)
	return scanRunPg(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]*model.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, report, created_at, updated_at FROM runs ORDER BY created_at DESC LIMIT 100`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRunPg(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateRunReport(ctx context.Context, id string, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET report = $1, updated_at = $2 WHERE id = $3`,
		reportJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run report %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

func (s *PostgresStore) UpsertStageResult(ctx context.Context, sr *model.StageResult) error {
	_, err := s.pool.Exec(ctx, preparedStatements["upsert_stage_result"],
		sr.RunID, sr.WorkUnitID, string(sr.StageID), string(sr.Status), sr.Attempts,
		sr.LastErrorClass, sr.LastError, string(sr.SkipReason), sr.PayloadRef,
		sr.StartedAt, sr.EndedAt,
	)
	return eris.Wrapf(err, "postgres: upsert stage result %s/%s/%s", sr.RunID, sr.WorkUnitID, sr.StageID)
}

func (s *PostgresStore) ListStageResults(ctx context.Context, runID string) ([]*model.StageResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, work_unit_id, stage_id, status, attempts, last_error_class, last_error, skip_reason, payload_ref, started_at, ended_at
		 FROM stage_results WHERE run_id = $1`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stage results")
	}
	defer rows.Close()

	var out []*model.StageResult
	for rows.Next() {
		var sr model.StageResult
		var class, lastErr, skip, payload sql.NullString
		err := rows.Scan(&sr.RunID, &sr.WorkUnitID, &sr.StageID, &sr.Status, &sr.Attempts,
			&class, &lastErr, &skip, &payload, &sr.StartedAt, &sr.EndedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage result")
		}
		sr.LastErrorClass = class.String
		sr.LastError = lastErr.String
		sr.SkipReason = model.SkipReason(skip.String)
		sr.PayloadRef = payload.String
		out = append(out, &sr)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stage results iterate")
}

func (s *PostgresStore) DeleteStageResults(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM stage_results WHERE run_id = $1`, runID)
	return eris.Wrapf(err, "postgres: delete stage results for run %s", runID)
}

func (s *PostgresStore) AppendLedgerEntry(ctx context.Context, entry model.SpendLedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, preparedStatements["append_ledger"],
		entry.ID, entry.RunID, entry.Service, entry.Operation, entry.AmountUSD, entry.WorkUnitID, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append ledger entry")
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, runID string) ([]model.SpendLedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, service, operation, amount_usd, work_unit_id, created_at
		 FROM spend_ledger WHERE run_id = $1 ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ledger entries")
	}
	defer rows.Close()

	var out []model.SpendLedgerEntry
	for rows.Next() {
		var e model.SpendLedgerEntry
		var runID, unitID sql.NullString
		if err := rows.Scan(&e.ID, &runID, &e.Service, &e.Operation, &e.AmountUSD, &unitID, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		e.RunID = runID.String
		e.WorkUnitID = unitID.String
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list ledger entries iterate")
}

func (s *PostgresStore) UpsertRecord(ctx context.Context, r *model.BusinessRecord) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record")
	}

	// Guarded update first: a plain stage write must never overwrite a
	// record another worker merged in the meantime.
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET data = $1, merged_into = $2, revision = revision + 1, updated_at = $3
		 WHERE id = $4 AND revision = $5`,
		data, r.MergedInto, r.UpdatedAt, r.ID, r.Revision,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", r.ID)
	}
	if tag.RowsAffected() == 1 {
		r.Revision++
		return nil
	}

	// No row at the caller's revision: either the record is new, or a
	// concurrent writer got there first.
	tag, err = s.pool.Exec(ctx,
		`INSERT INTO records (id, data, merged_into, revision, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, data, r.MergedInto, r.Revision, r.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert record %s", r.ID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return eris.Wrapf(ErrRevisionConflict, "record %s revision %d", r.ID, r.Revision)
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.BusinessRecord, error) {
	row := s.pool.QueryRow(ctx, preparedStatements["get_record"], id)
	return scanRecordPg(row)
}

func (s *PostgresStore) ListRecords(ctx context.Context) ([]*model.BusinessRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data, merged_into, revision FROM records ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []*model.BusinessRecord
	for rows.Next() {
		r, err := scanRecordPg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) ApplyMerge(ctx context.Context, survivor, loser *model.BusinessRecord, audit *model.AuditRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin merge tx")
	}
	defer tx.Rollback(ctx)

	for _, r := range []*model.BusinessRecord{survivor, loser} {
		next := r.Clone()
		next.Revision = r.Revision + 1
		data, err := json.Marshal(next)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal record")
		}
		tag, err := tx.Exec(ctx,
			`UPDATE records SET data = $1, merged_into = $2, revision = $3, updated_at = $4 WHERE id = $5 AND revision = $6`,
			data, next.MergedInto, next.Revision, next.UpdatedAt, r.ID, r.Revision,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update record %s", r.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrRevisionConflict, "record %s revision %d", r.ID, r.Revision)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO audit_log (id, run_id, operation, survivor_id, loser_id, before, after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		audit.ID, audit.RunID, audit.Operation, audit.SurvivorID, audit.LoserID,
		[]byte(audit.Before), []byte(audit.After), audit.CreatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert audit")
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit merge tx")
	}

	survivor.Revision++
	loser.Revision++
	return nil
}

func (s *PostgresStore) RestoreRecords(ctx context.Context, records []*model.BusinessRecord, audit *model.AuditRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin restore tx")
	}
	defer tx.Rollback(ctx)

	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal record")
		}
		tag, err := tx.Exec(ctx,
			`UPDATE records SET data = $1, merged_into = $2, revision = revision + 1, updated_at = $3 WHERE id = $4`,
			data, r.MergedInto, r.UpdatedAt, r.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: restore record %s", r.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "record %s", r.ID)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO audit_log (id, run_id, operation, survivor_id, loser_id, before, after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		audit.ID, audit.RunID, audit.Operation, audit.SurvivorID, audit.LoserID,
		[]byte(audit.Before), []byte(audit.After), audit.CreatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert audit")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit restore tx")
}

func (s *PostgresStore) GetAudit(ctx context.Context, id string) (*model.AuditRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, run_id, operation, survivor_id, loser_id, before, after, created_at
		 FROM audit_log WHERE id = $1`, id,
	)
	return scanAuditPg(row)
}

func (s *PostgresStore) ListAudits(ctx context.Context, runID string) ([]*model.AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, operation, survivor_id, loser_id, before, after, created_at
		 FROM audit_log WHERE run_id = $1 ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audits")
	}
	defer rows.Close()

	var out []*model.AuditRecord
	for rows.Next() {
		a, err := scanAuditPg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audits iterate")
}

// helpers

func scanRunPg(row scannable) (*model.Run, error) {
	var r model.Run
	var reportJSON []byte

	err := row.Scan(&r.ID, &r.Status, &reportJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	if len(reportJSON) > 0 {
		r.Report = &model.RunReport{}
		if err := json.Unmarshal(reportJSON, r.Report); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal report")
		}
	}
	return &r, nil
}

func scanRecordPg(row scannable) (*model.BusinessRecord, error) {
	var data []byte
	var mergedInto string
	var revision int64

	err := row.Scan(&data, &mergedInto, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan record")
	}

	var r model.BusinessRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal record")
	}
	r.MergedInto = mergedInto
	r.Revision = revision
	return &r, nil
}

func scanAuditPg(row scannable) (*model.AuditRecord, error) {
	var a model.AuditRecord
	var runID, loserID sql.NullString
	var before, after []byte

	err := row.Scan(&a.ID, &runID, &a.Operation, &a.SurvivorID, &loserID, &before, &after, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan audit")
	}
	a.RunID = runID.String
	a.LoserID = loserID.String
	a.Before = json.RawMessage(before)
	a.After = json.RawMessage(after)
	return &a, nil
}
