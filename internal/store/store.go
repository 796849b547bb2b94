package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/model"
)

// ErrRevisionConflict is returned by ApplyMerge when a record's revision
// no longer matches the caller's copy. The preservation wrapper reloads
// and retries once; a second conflict is fatal.
var ErrRevisionConflict = eris.New("store: revision conflict")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// Store is the persistence surface for runs, stage results, the spend
// ledger, business records and the audit log. Implementations: SQLite for
// local runs, Postgres for shared deployments.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context) ([]*model.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error
	UpdateRunReport(ctx context.Context, id string, report *model.RunReport) error

	// UpsertStageResult writes the current state of one (run, unit, stage)
	// cell. The orchestrator persists every transition, so a resumed run
	// sees exactly the terminal results of the interrupted one.
	UpsertStageResult(ctx context.Context, sr *model.StageResult) error
	ListStageResults(ctx context.Context, runID string) ([]*model.StageResult, error)

	// DeleteStageResults clears a run's stage results so the run can be
	// reprocessed from scratch. The spend ledger is never cleared.
	DeleteStageResults(ctx context.Context, runID string) error

	// AppendLedgerEntry appends one spend entry. Entries are never updated
	// or deleted.
	AppendLedgerEntry(ctx context.Context, entry model.SpendLedgerEntry) error
	ListLedgerEntries(ctx context.Context, runID string) ([]model.SpendLedgerEntry, error)

	// UpsertRecord inserts a new record, or updates an existing one when
	// the caller's revision matches the persisted row (bumping both). A
	// stale revision returns ErrRevisionConflict without writing, so a
	// worker holding an outdated copy can never clobber a concurrent
	// merge's tombstone or absorbed fields.
	UpsertRecord(ctx context.Context, r *model.BusinessRecord) error
	GetRecord(ctx context.Context, id string) (*model.BusinessRecord, error)
	ListRecords(ctx context.Context) ([]*model.BusinessRecord, error)

	// ApplyMerge persists survivor, loser and the audit record in one
	// transaction, guarded by an optimistic revision check on both
	// records. On success the in-memory revisions are bumped to match.
	ApplyMerge(ctx context.Context, survivor, loser *model.BusinessRecord, audit *model.AuditRecord) error

	// RestoreRecords writes back earlier snapshots of the given records
	// (no revision check; a revert wins) together with its audit record.
	RestoreRecords(ctx context.Context, records []*model.BusinessRecord, audit *model.AuditRecord) error

	GetAudit(ctx context.Context, id string) (*model.AuditRecord, error)
	ListAudits(ctx context.Context, runID string) ([]*model.AuditRecord, error)
}
