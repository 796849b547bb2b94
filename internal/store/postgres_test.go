package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, status, report, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs("running", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), "missing", model.RunStatusRunning)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendLedgerEntry(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO spend_ledger`).
		WithArgs(pgxmock.AnyArg(), "run-1", "enrich", "enrich", 0.012, "u1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AppendLedgerEntry(context.Background(), model.SpendLedgerEntry{
		RunID:      "run-1",
		Service:    "enrich",
		Operation:  "enrich",
		AmountUSD:  0.012,
		WorkUnitID: "u1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyMerge_RevisionConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	survivor := &model.BusinessRecord{ID: "s", Name: "A", Revision: 2}
	loser := &model.BusinessRecord{ID: "l", Name: "B", Revision: 1}
	audit := &model.AuditRecord{ID: "a1", Operation: model.AuditOpMerge,
		SurvivorID: "s", LoserID: "l",
		Before: []byte(`[]`), After: []byte(`[]`), CreatedAt: time.Now().UTC()}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE records SET data = \$1`).
		WithArgs(pgxmock.AnyArg(), "", int64(3), pgxmock.AnyArg(), "s", int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.ApplyMerge(context.Background(), survivor, loser, audit)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrRevisionConflict))
	assert.Equal(t, int64(2), survivor.Revision, "in-memory revision untouched on failure")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyMerge_Commits(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	survivor := &model.BusinessRecord{ID: "s", Name: "A"}
	loser := &model.BusinessRecord{ID: "l", Name: "B", MergedInto: "s"}
	audit := &model.AuditRecord{ID: "a1", Operation: model.AuditOpMerge,
		SurvivorID: "s", LoserID: "l",
		Before: []byte(`[]`), After: []byte(`[]`), CreatedAt: time.Now().UTC()}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE records SET data = \$1`).
		WithArgs(pgxmock.AnyArg(), "", int64(1), pgxmock.AnyArg(), "s", int64(0)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE records SET data = \$1`).
		WithArgs(pgxmock.AnyArg(), "s", int64(1), pgxmock.AnyArg(), "l", int64(0)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs("a1", "", model.AuditOpMerge, "s", "l", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.ApplyMerge(context.Background(), survivor, loser, audit))
	assert.Equal(t, int64(1), survivor.Revision)
	assert.Equal(t, int64(1), loser.Revision)
	assert.NoError(t, mock.ExpectationsWereMet())
}
