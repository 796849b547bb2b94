package preserve

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/internal/store"
)

// memStore is an in-memory RecordStore with optimistic revision checks,
// plus a switch to force conflicts.
type memStore struct {
	records        map[string]*model.BusinessRecord
	audits         map[string]*model.AuditRecord
	conflictsLeft  int
	applyMergeCnt  int
	restoreCallCnt int
}

func newMemStore(records ...*model.BusinessRecord) *memStore {
	m := &memStore{
		records: make(map[string]*model.BusinessRecord),
		audits:  make(map[string]*model.AuditRecord),
	}
	for _, r := range records {
		m.records[r.ID] = r.Clone()
	}
	return m
}

func (m *memStore) GetRecord(ctx context.Context, id string) (*model.BusinessRecord, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *memStore) ApplyMerge(ctx context.Context, survivor, loser *model.BusinessRecord, audit *model.AuditRecord) error {
	m.applyMergeCnt++
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return store.ErrRevisionConflict
	}
	for _, r := range []*model.BusinessRecord{survivor, loser} {
		cur, ok := m.records[r.ID]
		if !ok {
			return store.ErrNotFound
		}
		if cur.Revision != r.Revision {
			return store.ErrRevisionConflict
		}
	}
	for _, r := range []*model.BusinessRecord{survivor, loser} {
		r.Revision++
		m.records[r.ID] = r.Clone()
	}
	m.audits[audit.ID] = audit
	return nil
}

func (m *memStore) RestoreRecords(ctx context.Context, records []*model.BusinessRecord, audit *model.AuditRecord) error {
	m.restoreCallCnt++
	for _, r := range records {
		r.Revision++
		m.records[r.ID] = r.Clone()
	}
	m.audits[audit.ID] = audit
	return nil
}

func (m *memStore) GetAudit(ctx context.Context, id string) (*model.AuditRecord, error) {
	a, ok := m.audits[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func mergeInto(s, l *model.BusinessRecord) error {
	if s.Email == "" {
		s.Email = l.Email
	}
	l.MergedInto = s.ID
	return nil
}

func TestMerge_SnapshotsAndApplies(t *testing.T) {
	survivor := &model.BusinessRecord{ID: "s", Name: "Joe's Pizza", Revision: 3}
	loser := &model.BusinessRecord{ID: "l", Name: "Joes Pizza LLC", Email: "joe@example.com", Revision: 1}
	ms := newMemStore(survivor, loser)
	w := NewWrapper(ms)

	audit, err := w.Merge(context.Background(), "run-1", survivor, loser, mergeInto)
	require.NoError(t, err)
	require.NotNil(t, audit)

	assert.Equal(t, model.AuditOpMerge, audit.Operation)
	assert.Equal(t, "s", audit.SurvivorID)
	assert.Equal(t, "l", audit.LoserID)

	// The before snapshot holds the pre-merge state.
	var before []*model.BusinessRecord
	require.NoError(t, json.Unmarshal(audit.Before, &before))
	require.Len(t, before, 2)
	assert.Empty(t, before[0].Email)
	assert.Empty(t, before[1].MergedInto)

	// Live records reflect the persisted result, revisions bumped.
	assert.Equal(t, "joe@example.com", survivor.Email)
	assert.Equal(t, "s", loser.MergedInto)
	assert.Equal(t, int64(4), survivor.Revision)
	assert.Equal(t, int64(2), loser.Revision)
}

func TestMerge_MutationErrorLeavesRecordsUntouched(t *testing.T) {
	survivor := &model.BusinessRecord{ID: "s", Name: "A"}
	loser := &model.BusinessRecord{ID: "l", Name: "B"}
	ms := newMemStore(survivor, loser)
	w := NewWrapper(ms)

	_, err := w.Merge(context.Background(), "run-1", survivor, loser,
		func(s, l *model.BusinessRecord) error {
			s.Name = "mutated"
			return eris.New("boom")
		})
	require.Error(t, err)
	assert.Equal(t, "A", survivor.Name, "mutation ran on a clone only")
	assert.Zero(t, ms.applyMergeCnt, "nothing persisted")
}

func TestMerge_RetriesOnceOnRevisionConflict(t *testing.T) {
	survivor := &model.BusinessRecord{ID: "s", Name: "A", Revision: 7}
	loser := &model.BusinessRecord{ID: "l", Name: "B", Email: "b@example.com", Revision: 2}
	ms := newMemStore(survivor, loser)
	ms.conflictsLeft = 1
	w := NewWrapper(ms)

	// Caller's copies are stale relative to the store.
	staleSurvivor := survivor.Clone()
	staleSurvivor.Revision = 5

	audit, err := w.Merge(context.Background(), "run-1", staleSurvivor, loser, mergeInto)
	require.NoError(t, err)
	require.NotNil(t, audit)

	assert.Equal(t, 2, ms.applyMergeCnt)
	// Reload picked up the store's revision before the second attempt.
	assert.Equal(t, int64(8), staleSurvivor.Revision)
	assert.Equal(t, "s", loser.MergedInto)
}

func TestMerge_SecondConflictIsFatal(t *testing.T) {
	survivor := &model.BusinessRecord{ID: "s", Name: "A"}
	loser := &model.BusinessRecord{ID: "l", Name: "B"}
	ms := newMemStore(survivor, loser)
	ms.conflictsLeft = 2
	w := NewWrapper(ms)

	_, err := w.Merge(context.Background(), "run-1", survivor, loser, mergeInto)
	require.Error(t, err)

	cls := resilience.Classify(err)
	assert.Equal(t, resilience.ClassFatal, cls.Class)
	assert.Equal(t, resilience.ReasonConflict, cls.Reason)
	assert.Equal(t, 2, ms.applyMergeCnt, "exactly one retry")
}

func TestRevert_ReplaysBeforeSnapshot(t *testing.T) {
	survivor := &model.BusinessRecord{ID: "s", Name: "Joe's Pizza", Revision: 1}
	loser := &model.BusinessRecord{ID: "l", Name: "Joes Pizza LLC", Email: "joe@example.com", Revision: 1}
	ms := newMemStore(survivor, loser)
	w := NewWrapper(ms)

	audit, err := w.Merge(context.Background(), "run-1", survivor, loser, mergeInto)
	require.NoError(t, err)
	require.Equal(t, "s", loser.MergedInto)

	revert, err := w.Revert(context.Background(), audit.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AuditOpRevert, revert.Operation)
	assert.NotEqual(t, audit.ID, revert.ID)

	restored, err := ms.GetRecord(context.Background(), "l")
	require.NoError(t, err)
	assert.Empty(t, restored.MergedInto, "loser is live again")

	restoredS, err := ms.GetRecord(context.Background(), "s")
	require.NoError(t, err)
	assert.Empty(t, restoredS.Email, "absorbed field removed")

	// The revert audit swaps the snapshots, so it can itself be reverted.
	assert.JSONEq(t, string(audit.Before), string(revert.After))
}

func TestRevert_UnknownAudit(t *testing.T) {
	w := NewWrapper(newMemStore())
	_, err := w.Revert(context.Background(), "missing")
	assert.Error(t, err)
}
