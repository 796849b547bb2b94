// Package preserve wraps destructive record mutations with snapshot and
// audit handling: every merge stores full before/after state, and a bad
// merge is reversed by replaying its Before snapshot.
package preserve

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/internal/store"
)

// RecordStore is the subset of the store the wrapper needs.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (*model.BusinessRecord, error)
	ApplyMerge(ctx context.Context, survivor, loser *model.BusinessRecord, audit *model.AuditRecord) error
	RestoreRecords(ctx context.Context, records []*model.BusinessRecord, audit *model.AuditRecord) error
	GetAudit(ctx context.Context, id string) (*model.AuditRecord, error)
}

// Wrapper applies merges through clone-mutate-persist: the mutation runs
// on copies, the store write is revision-checked, and only a successful
// write updates the caller's records.
type Wrapper struct {
	store RecordStore
	now   func() time.Time
}

// NewWrapper creates a Wrapper over the given store.
func NewWrapper(s RecordStore) *Wrapper {
	return &Wrapper{store: s, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (w *Wrapper) WithNow(now func() time.Time) *Wrapper {
	w.now = now
	return w
}

// Merge applies a merge mutation to survivor and loser with full
// preservation. On a revision conflict both records are reloaded and the
// mutation is reapplied once; a second conflict aborts with a fatal
// conflict classification so the stage is not retried blindly.
func (w *Wrapper) Merge(ctx context.Context, runID string, survivor, loser *model.BusinessRecord,
	apply func(survivor, loser *model.BusinessRecord) error) (*model.AuditRecord, error) {

	audit, err := w.tryMerge(ctx, runID, survivor, loser, apply)
	if err == nil || !eris.Is(err, store.ErrRevisionConflict) {
		return audit, err
	}

	zap.L().Warn("preserve: revision conflict, reloading and retrying merge",
		zap.String("survivor", survivor.ID),
		zap.String("loser", loser.ID),
	)

	for _, rec := range []*model.BusinessRecord{survivor, loser} {
		fresh, gerr := w.store.GetRecord(ctx, rec.ID)
		if gerr != nil {
			return nil, eris.Wrapf(gerr, "preserve: reload record %s", rec.ID)
		}
		*rec = *fresh
	}

	audit, err = w.tryMerge(ctx, runID, survivor, loser, apply)
	if err != nil && eris.Is(err, store.ErrRevisionConflict) {
		return nil, resilience.NewFatalError(
			eris.Wrapf(err, "preserve: merge %s/%s conflicted twice", survivor.ID, loser.ID),
			resilience.ReasonConflict,
		)
	}
	return audit, err
}

func (w *Wrapper) tryMerge(ctx context.Context, runID string, survivor, loser *model.BusinessRecord,
	apply func(survivor, loser *model.BusinessRecord) error) (*model.AuditRecord, error) {

	before, err := snapshot(survivor, loser)
	if err != nil {
		return nil, err
	}

	s, l := survivor.Clone(), loser.Clone()
	if err := apply(s, l); err != nil {
		return nil, eris.Wrap(err, "preserve: apply merge mutation")
	}

	now := w.now().UTC()
	s.UpdatedAt, l.UpdatedAt = now, now

	after, err := snapshot(s, l)
	if err != nil {
		return nil, err
	}

	audit := &model.AuditRecord{
		ID:         uuid.New().String(),
		RunID:      runID,
		Operation:  model.AuditOpMerge,
		SurvivorID: s.ID,
		LoserID:    l.ID,
		Before:     before,
		After:      after,
		CreatedAt:  now,
	}

	if err := w.store.ApplyMerge(ctx, s, l, audit); err != nil {
		return nil, err
	}

	// Only a persisted merge becomes visible to the caller.
	*survivor, *loser = *s, *l
	return audit, nil
}

// Revert replays the Before snapshot of an earlier audit record, undoing
// its mutation. The revert itself is audited, so it can be reverted too.
func (w *Wrapper) Revert(ctx context.Context, auditID string) (*model.AuditRecord, error) {
	audit, err := w.store.GetAudit(ctx, auditID)
	if err != nil {
		return nil, eris.Wrapf(err, "preserve: load audit %s", auditID)
	}

	var records []*model.BusinessRecord
	if err := json.Unmarshal(audit.Before, &records); err != nil {
		return nil, eris.Wrapf(err, "preserve: decode snapshot of audit %s", auditID)
	}

	now := w.now().UTC()
	for _, r := range records {
		r.UpdatedAt = now
	}

	revert := &model.AuditRecord{
		ID:         uuid.New().String(),
		RunID:      audit.RunID,
		Operation:  model.AuditOpRevert,
		SurvivorID: audit.SurvivorID,
		LoserID:    audit.LoserID,
		Before:     audit.After,
		After:      audit.Before,
		CreatedAt:  now,
	}

	if err := w.store.RestoreRecords(ctx, records, revert); err != nil {
		return nil, eris.Wrapf(err, "preserve: restore records for audit %s", auditID)
	}

	zap.L().Info("preserve: reverted merge",
		zap.String("audit_id", auditID),
		zap.String("revert_audit_id", revert.ID),
		zap.Int("records", len(records)),
	)
	return revert, nil
}

func snapshot(records ...*model.BusinessRecord) (json.RawMessage, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return nil, eris.Wrap(err, "preserve: marshal snapshot")
	}
	return data, nil
}
