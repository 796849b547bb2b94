package dedupe

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
)

// Survivor picks the golden record of a pair: higher completeness wins,
// ties go to the older record.
func Survivor(a, b *model.BusinessRecord) (survivor, loser *model.BusinessRecord) {
	ca, cb := a.Completeness(), b.Completeness()
	if ca > cb {
		return a, b
	}
	if cb > ca {
		return b, a
	}
	if b.CreatedAt.Before(a.CreatedAt) {
		return b, a
	}
	return a, b
}

// absorb copies the loser's unique data onto the survivor: high-value
// fields the survivor is missing (with the loser's provenance) and any
// source ids the survivor lacks. Conflicting values keep the survivor's
// version.
func absorb(survivor, loser *model.BusinessRecord) {
	for _, key := range model.HighValueFields() {
		if survivor.Field(key) != "" || loser.Field(key) == "" {
			continue
		}
		source := loser.Provenance[key]
		if source == "" {
			source = "merge:" + loser.ID
		}
		survivor.SetField(key, loser.Field(key), source)
	}

	for sys, id := range loser.SourceIDs {
		if _, ok := survivor.SourceIDs[sys]; ok {
			continue
		}
		if survivor.SourceIDs == nil {
			survivor.SourceIDs = make(map[string]string)
		}
		survivor.SourceIDs[sys] = id
	}
}

func (e *Engine) merge(ctx context.Context, runID string, pair Pair) (*model.MergeDecision, error) {
	if e.preserver == nil {
		return nil, eris.New("dedupe: no preserver configured")
	}

	survivor, loser := Survivor(pair.A, pair.B)

	audit, err := e.preserver.Merge(ctx, runID, survivor, loser,
		func(s, l *model.BusinessRecord) error {
			absorb(s, l)
			l.MergedInto = s.ID
			s.CompletenessScore = s.Completeness()
			return nil
		})
	if err != nil {
		return nil, eris.Wrapf(err, "dedupe: merge %s into %s", loser.ID, survivor.ID)
	}

	zap.L().Info("dedupe: merged",
		zap.String("survivor", survivor.ID),
		zap.String("loser", loser.ID),
		zap.Float64("score", pair.Score),
		zap.String("decision", string(pair.Decision)),
	)

	return &model.MergeDecision{
		SurvivorID: survivor.ID,
		LoserID:    loser.ID,
		Score:      pair.Score,
		Decision:   string(pair.Decision),
		AuditID:    audit.ID,
		Before:     audit.Before,
		After:      audit.After,
	}, nil
}
