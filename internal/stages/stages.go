// Package stages holds the built-in stage executors: ingest, enrich,
// dedupe, score, personalize and deliver. Each executor handles one work
// unit at a time; the orchestrator owns scheduling, retries and budget
// admission.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/dedupe"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/orchestrator"
	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/internal/store"
)

// RecordStore is the persistence surface the executors need.
type RecordStore interface {
	UpsertRecord(ctx context.Context, r *model.BusinessRecord) error
	GetRecord(ctx context.Context, id string) (*model.BusinessRecord, error)
	ListRecords(ctx context.Context) ([]*model.BusinessRecord, error)
}

// persist applies mutate to the unit and writes it. On a revision
// conflict the persisted state wins: the unit is reloaded, and if it
// lost a merge in the meantime the stage write is dropped so the
// tombstone survives. Otherwise mutate is reapplied on the fresh copy
// and the write retried once.
func persist(ctx context.Context, st RecordStore, unit *model.BusinessRecord, mutate func(*model.BusinessRecord)) error {
	mutate(unit)
	err := st.UpsertRecord(ctx, unit)
	if err == nil || !eris.Is(err, store.ErrRevisionConflict) {
		return err
	}

	cur, gerr := st.GetRecord(ctx, unit.ID)
	if gerr != nil {
		return eris.Wrapf(gerr, "stages: reload %s after revision conflict", unit.ID)
	}
	*unit = *cur
	if unit.Merged() {
		return nil
	}
	mutate(unit)
	return st.UpsertRecord(ctx, unit)
}

// Ingest validates and persists the raw record. A unit without a name is
// rejected outright; nothing downstream can work with it.
func Ingest(st RecordStore) orchestrator.StageExecutor {
	return orchestrator.ExecutorFunc(func(ctx context.Context, unit *model.BusinessRecord) (string, error) {
		if strings.TrimSpace(unit.Name) == "" {
			return "", resilience.NewFatalError(
				eris.Errorf("stages: record %s has no name", unit.ID),
				resilience.ReasonInvalidInput,
			)
		}
		err := persist(ctx, st, unit, func(r *model.BusinessRecord) {
			if r.CreatedAt.IsZero() {
				r.CreatedAt = time.Now().UTC()
			}
			r.UpdatedAt = time.Now().UTC()
			r.CompletenessScore = r.Completeness()
		})
		if err != nil {
			return "", eris.Wrapf(err, "stages: ingest %s", unit.ID)
		}
		if unit.Merged() {
			return "merged:" + unit.MergedInto, nil
		}
		return "record:" + unit.ID, nil
	})
}

// Enrich canonicalizes contact fields in place, tagging each change with
// enrich provenance.
func Enrich(st RecordStore) orchestrator.StageExecutor {
	return orchestrator.ExecutorFunc(func(ctx context.Context, unit *model.BusinessRecord) (string, error) {
		changed := 0
		err := persist(ctx, st, unit, func(r *model.BusinessRecord) {
			changed = 0
			set := func(key, value string) {
				if value != "" && value != r.Field(key) {
					r.SetField(key, value, "enrich")
					changed++
				}
			}

			set("name", strings.Join(strings.Fields(r.Name), " "))
			set("phone", dedupe.NormalizePhone(r.Phone))
			set("email", strings.ToLower(strings.TrimSpace(r.Email)))
			set("website", canonicalWebsite(r.Website))
			set("state", strings.ToUpper(strings.TrimSpace(r.State)))
			set("zip_code", strings.TrimSpace(r.ZipCode))

			r.CompletenessScore = r.Completeness()
			r.UpdatedAt = time.Now().UTC()
		})
		if err != nil {
			return "", eris.Wrapf(err, "stages: enrich %s", unit.ID)
		}
		if unit.Merged() {
			return "merged:" + unit.MergedInto, nil
		}
		return fmt.Sprintf("enriched:%d", changed), nil
	})
}

func canonicalWebsite(raw string) string {
	w := strings.ToLower(strings.TrimSpace(raw))
	if w == "" {
		return ""
	}
	if !strings.Contains(w, "://") {
		w = "https://" + w
	}
	return strings.TrimSuffix(w, "/")
}

// Deduper matches each unit against the stored record pool and merges
// duplicates through the dedupe engine. It collects the run's merge
// decisions for the report.
type Deduper struct {
	engine *dedupe.Engine
	st     RecordStore
	runID  string

	mu        sync.Mutex
	decisions []model.MergeDecision
}

// NewDeduper creates the dedupe stage executor for one run.
func NewDeduper(engine *dedupe.Engine, st RecordStore, runID string) *Deduper {
	return &Deduper{engine: engine, st: st, runID: runID}
}

// Execute resolves one unit against the pool. A unit that loses a merge
// keeps flowing through later stages as a tombstone; they no-op on it.
func (d *Deduper) Execute(ctx context.Context, unit *model.BusinessRecord) (string, error) {
	pool, err := d.st.ListRecords(ctx)
	if err != nil {
		return "", eris.Wrapf(err, "stages: dedupe load pool for %s", unit.ID)
	}

	res, err := d.engine.Resolve(ctx, d.runID, unit, pool)
	if err != nil {
		return "", err
	}

	if len(res.Merges) > 0 {
		d.mu.Lock()
		d.decisions = append(d.decisions, res.Merges...)
		d.mu.Unlock()
	}

	if unit.Merged() {
		return "merged:" + unit.MergedInto, nil
	}
	return fmt.Sprintf("pairs:%d merges:%d", len(res.Pairs), len(res.Merges)), nil
}

// MergeDecisions returns the decisions taken so far, for the run report.
func (d *Deduper) MergeDecisions() []model.MergeDecision {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.MergeDecision, len(d.decisions))
	copy(out, d.decisions)
	return out
}

// Score recomputes the completeness score and persists it. Merge losers
// are left untouched.
func Score(st RecordStore) orchestrator.StageExecutor {
	return orchestrator.ExecutorFunc(func(ctx context.Context, unit *model.BusinessRecord) (string, error) {
		if unit.Merged() {
			return "merged:" + unit.MergedInto, nil
		}
		err := persist(ctx, st, unit, func(r *model.BusinessRecord) {
			r.CompletenessScore = r.Completeness()
			r.UpdatedAt = time.Now().UTC()
		})
		if err != nil {
			return "", eris.Wrapf(err, "stages: score %s", unit.ID)
		}
		if unit.Merged() {
			return "merged:" + unit.MergedInto, nil
		}
		return fmt.Sprintf("score:%d", unit.CompletenessScore), nil
	})
}

// Personalize drafts a one-line outreach opener from whatever contact
// fields the record has. The text itself is the stage payload.
func Personalize() orchestrator.StageExecutor {
	return orchestrator.ExecutorFunc(func(ctx context.Context, unit *model.BusinessRecord) (string, error) {
		if unit.Merged() {
			return "merged:" + unit.MergedInto, nil
		}

		var sb strings.Builder
		sb.WriteString("Hi " + unit.Name)
		if unit.City != "" {
			sb.WriteString(" in " + unit.City)
			if unit.State != "" {
				sb.WriteString(", " + unit.State)
			}
		}
		sb.WriteString(" - ")
		if unit.Website != "" {
			sb.WriteString("we came across " + unit.Website + " and ")
		}
		sb.WriteString("we'd love to talk about growing your lead flow.")
		return sb.String(), nil
	})
}

// Deliver writes the finished record to the run's output directory and
// returns the file path.
func Deliver(outputDir, runID string) orchestrator.StageExecutor {
	return orchestrator.ExecutorFunc(func(ctx context.Context, unit *model.BusinessRecord) (string, error) {
		if unit.Merged() {
			return "merged:" + unit.MergedInto, nil
		}

		dir := filepath.Join(outputDir, runID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", eris.Wrapf(err, "stages: create output dir %s", dir)
		}

		data, err := json.MarshalIndent(unit, "", "  ")
		if err != nil {
			return "", eris.Wrapf(err, "stages: marshal record %s", unit.ID)
		}

		path := filepath.Join(dir, unit.ID+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", eris.Wrapf(err, "stages: write %s", path)
		}
		return path, nil
	})
}
