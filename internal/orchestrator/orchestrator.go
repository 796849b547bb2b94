// Package orchestrator schedules pipeline stages over work units: it
// resolves the dependency frontier per unit, gates cost-incurring stages
// through the budget, retries transient failures and records every
// transition so an interrupted run can resume.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadflow/internal/budget"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/registry"
	"github.com/sells-group/leadflow/internal/resilience"
)

// StageExecutor runs one stage for one work unit. The returned payload
// ref points at the stage's output (a file, a record id, a summary).
type StageExecutor interface {
	Execute(ctx context.Context, unit *model.BusinessRecord) (payloadRef string, err error)
}

// ExecutorFunc adapts a function to StageExecutor.
type ExecutorFunc func(ctx context.Context, unit *model.BusinessRecord) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, unit *model.BusinessRecord) (string, error) {
	return f(ctx, unit)
}

// MergeReporter is implemented by executors that take merge decisions
// (the dedupe stage); the run report collects them.
type MergeReporter interface {
	MergeDecisions() []model.MergeDecision
}

// RunStore is the persistence surface the orchestrator needs.
type RunStore interface {
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error
	UpdateRunReport(ctx context.Context, id string, report *model.RunReport) error
	UpsertStageResult(ctx context.Context, sr *model.StageResult) error
	ListStageResults(ctx context.Context, runID string) ([]*model.StageResult, error)
	ListLedgerEntries(ctx context.Context, runID string) ([]model.SpendLedgerEntry, error)
}

// CostEstimator prices a stage call before execution.
type CostEstimator interface {
	Estimate(service, operation string) float64
}

// Config tunes orchestrator behavior.
type Config struct {
	// Workers bounds concurrent work units. Default 4.
	Workers int
	// DefaultStageTimeout bounds a single attempt when the stage declares
	// no timeout of its own. Default 60s.
	DefaultStageTimeout time.Duration
	// Retry is the per-stage retry policy.
	Retry resilience.RetryConfig
}

// Orchestrator drives a run to completion.
type Orchestrator struct {
	registry  *registry.Registry
	store     RunStore
	gate      *budget.Gate
	estimator CostEstimator
	executors map[model.StageID]StageExecutor
	cfg       Config
}

// New creates an Orchestrator.
func New(reg *registry.Registry, st RunStore, gate *budget.Gate, est CostEstimator,
	executors map[model.StageID]StageExecutor, cfg Config) *Orchestrator {

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DefaultStageTimeout <= 0 {
		cfg.DefaultStageTimeout = 60 * time.Second
	}
	return &Orchestrator{
		registry:  reg,
		store:     st,
		gate:      gate,
		estimator: est,
		executors: executors,
		cfg:       cfg,
	}
}

// Run executes the pipeline over the given work units. Cancelling ctx
// stops scheduling new stages; stages already running finish and are
// recorded, and everything still pending is skipped as run_cancelled.
// Run never returns an error for individual stage failures; those live
// in the report.
func (o *Orchestrator) Run(ctx context.Context, runID string, units []*model.BusinessRecord) (*model.RunReport, error) {
	if err := o.registry.Validate(); err != nil {
		return nil, err
	}

	// Persistence must survive run cancellation.
	persistCtx := context.WithoutCancel(ctx)

	prior, err := o.store.ListStageResults(persistCtx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load stage results for run %s", runID)
	}
	byUnit := indexResults(prior)

	// A resumed run's earlier spend counts against the current windows.
	entries, err := o.store.ListLedgerEntries(persistCtx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load ledger for run %s", runID)
	}
	if len(entries) > 0 {
		o.gate.Seed(entries)
	}

	if err := o.store.UpdateRunStatus(persistCtx, runID, model.RunStatusRunning); err != nil {
		return nil, err
	}

	startedAt := time.Now().UTC()
	zap.L().Info("run started",
		zap.String("run_id", runID),
		zap.Int("work_units", len(units)),
		zap.Int("workers", o.cfg.Workers),
		zap.Bool("resumed", len(prior) > 0),
	)

	var mu sync.Mutex
	allResults := make([]*model.StageResult, 0, len(units)*6)

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for _, unit := range units {
		g.Go(func() error {
			results := byUnit[unit.ID]
			if results == nil {
				results = make(map[model.StageID]*model.StageResult)
			}
			o.runUnit(ctx, runID, unit, results)

			mu.Lock()
			for _, sr := range results {
				allResults = append(allResults, sr)
			}
			mu.Unlock()
			// Unit outcomes are data, not control flow: one unit failing
			// must not stop its siblings.
			return nil
		})
	}
	_ = g.Wait()

	report := o.buildReport(runID, len(units), allResults, ctx.Err() != nil, startedAt)

	if err := o.store.UpdateRunReport(persistCtx, runID, report); err != nil {
		return report, eris.Wrapf(err, "orchestrator: persist report for run %s", runID)
	}
	if err := o.store.UpdateRunStatus(persistCtx, runID, model.RunStatusComplete); err != nil {
		return report, err
	}

	zap.L().Info("run finished",
		zap.String("run_id", runID),
		zap.Bool("cancelled", report.Cancelled),
		zap.Int("failures", len(report.Failures)),
		zap.Float64("total_spend_usd", report.TotalSpendUSD),
	)
	return report, nil
}

// runUnit drives one work unit until no stage can make progress.
func (o *Orchestrator) runUnit(ctx context.Context, runID string, unit *model.BusinessRecord,
	results map[model.StageID]*model.StageResult) {

	persistCtx := context.WithoutCancel(ctx)

	// An interrupted attempt left Running state behind; it re-executes.
	for _, sr := range results {
		if sr.Status == model.StageRunning {
			sr.Status = model.StagePending
			o.persist(persistCtx, sr)
		}
	}

	for {
		if ctx.Err() != nil {
			o.skipRemaining(persistCtx, runID, unit.ID, results, model.SkipRunCancelled)
			return
		}

		progressed := o.cascadeFailures(persistCtx, runID, unit.ID, results)

		frontier := o.registry.Ready(results)
		if len(frontier) == 0 {
			if !progressed {
				return
			}
			continue
		}

		for _, stage := range frontier {
			if ctx.Err() != nil {
				break
			}
			o.runStage(ctx, runID, unit, stage, results)
		}
	}
}

// cascadeFailures skips pending stages whose dependencies can never be
// satisfied: a failed dependency, or one already skipped because of a
// failure. Scaling-gate and cancellation skips do not block dependents.
func (o *Orchestrator) cascadeFailures(persistCtx context.Context, runID, unitID string,
	results map[model.StageID]*model.StageResult) bool {

	blocked := func(dep model.StageID) bool {
		res, ok := results[dep]
		if !ok {
			return false
		}
		if res.Status == model.StageFailed {
			return true
		}
		return res.Status == model.StageSkipped && res.SkipReason == model.SkipDependencyFailed
	}

	progressed := false
	for _, stage := range o.registry.Stages() {
		if res, ok := results[stage.ID]; ok && res.Status != model.StagePending {
			continue
		}
		for _, dep := range stage.DependsOn {
			if !blocked(dep) {
				continue
			}
			sr := o.ensureResult(runID, unitID, stage.ID, results)
			o.markSkipped(persistCtx, sr, model.SkipDependencyFailed)
			progressed = true
			break
		}
	}
	return progressed
}

func (o *Orchestrator) runStage(ctx context.Context, runID string, unit *model.BusinessRecord,
	stage registry.Stage, results map[model.StageID]*model.StageResult) {

	persistCtx := context.WithoutCancel(ctx)
	sr := o.ensureResult(runID, unit.ID, stage.ID, results)

	exec, ok := o.executors[stage.ID]
	if !ok {
		o.markFailed(persistCtx, sr, resilience.NewFatalError(
			eris.Errorf("orchestrator: no executor for stage %s", stage.ID),
			resilience.ReasonInvalidInput,
		))
		return
	}

	var reservationID string
	if stage.CostIncurring {
		estimate := o.estimator.Estimate(stage.Service, string(stage.ID))
		decision, resID := o.gate.Admit(stage.Service, estimate)
		switch decision {
		case budget.DenyHard:
			o.markFailed(persistCtx, sr, resilience.NewFatalError(
				eris.Errorf("orchestrator: budget ceiling reached for service %s", stage.Service),
				resilience.ReasonBudgetExceeded,
			))
			return
		case budget.AllowEssentialOnly:
			if !stage.Essential {
				o.gate.Release(resID)
				o.markSkipped(persistCtx, sr, model.SkipScalingGate)
				return
			}
			reservationID = resID
		case budget.Allow:
			reservationID = resID
		}
	}

	now := time.Now().UTC()
	sr.Status = model.StageRunning
	sr.StartedAt = &now
	o.persist(persistCtx, sr)

	timeout := stage.AttemptTimeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultStageTimeout
	}

	retryCfg := o.cfg.Retry
	baseAttempts := sr.Attempts
	retryCfg.OnAttempt = func(attempt int) { sr.Attempts = baseAttempts + attempt }
	retryCfg.OnRetry = resilience.ExhaustionLogger(string(stage.ID), unit.ID, retryCfg.MaxAttempts)

	// The current attempt runs to completion even when the run is
	// cancelled, but no fresh attempt starts and no backoff is slept.
	retryCfg.ShouldRetry = func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		return resilience.IsRetryable(err)
	}

	// An in-flight stage finishes even when the run is cancelled; only
	// the per-attempt timeout bounds it.
	execCtx := context.WithoutCancel(ctx)

	var payloadRef string
	err := resilience.Do(execCtx, retryCfg, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ref, execErr := exec.Execute(attemptCtx, unit)
		if execErr == nil {
			payloadRef = ref
		}
		return execErr
	})

	if err != nil {
		if reservationID != "" {
			o.gate.Release(reservationID)
		}
		o.markFailed(persistCtx, sr, err)
		return
	}

	if reservationID != "" {
		if _, cerr := o.gate.Commit(persistCtx, reservationID, model.SpendLedgerEntry{
			RunID:      runID,
			Service:    stage.Service,
			Operation:  string(stage.ID),
			WorkUnitID: unit.ID,
		}); cerr != nil {
			zap.L().Error("orchestrator: spend commit failed",
				zap.String("run_id", runID),
				zap.String("stage", string(stage.ID)),
				zap.Error(cerr),
			)
		}
	}

	sr.Status = model.StageCompleted
	sr.PayloadRef = payloadRef
	ended := time.Now().UTC()
	sr.EndedAt = &ended
	o.persist(persistCtx, sr)
}

// skipRemaining marks every non-terminal stage of the unit skipped.
func (o *Orchestrator) skipRemaining(persistCtx context.Context, runID, unitID string,
	results map[model.StageID]*model.StageResult, reason model.SkipReason) {

	for _, stage := range o.registry.Stages() {
		if res, ok := results[stage.ID]; ok && res.Status.Terminal() {
			continue
		}
		sr := o.ensureResult(runID, unitID, stage.ID, results)
		o.markSkipped(persistCtx, sr, reason)
	}
}

func (o *Orchestrator) ensureResult(runID, unitID string, stageID model.StageID,
	results map[model.StageID]*model.StageResult) *model.StageResult {

	if sr, ok := results[stageID]; ok {
		return sr
	}
	sr := &model.StageResult{
		RunID:      runID,
		WorkUnitID: unitID,
		StageID:    stageID,
		Status:     model.StagePending,
	}
	results[stageID] = sr
	return sr
}

func (o *Orchestrator) markFailed(persistCtx context.Context, sr *model.StageResult, err error) {
	sr.Status = model.StageFailed
	sr.LastError = err.Error()
	sr.LastErrorClass = resilience.Classify(err).String()
	ended := time.Now().UTC()
	sr.EndedAt = &ended
	o.persist(persistCtx, sr)

	zap.L().Warn("stage failed",
		zap.String("run_id", sr.RunID),
		zap.String("work_unit", sr.WorkUnitID),
		zap.String("stage", string(sr.StageID)),
		zap.Int("attempts", sr.Attempts),
		zap.String("class", sr.LastErrorClass),
		zap.Error(err),
	)
}

func (o *Orchestrator) markSkipped(persistCtx context.Context, sr *model.StageResult, reason model.SkipReason) {
	sr.Status = model.StageSkipped
	sr.SkipReason = reason
	ended := time.Now().UTC()
	sr.EndedAt = &ended
	o.persist(persistCtx, sr)
}

func (o *Orchestrator) persist(persistCtx context.Context, sr *model.StageResult) {
	if err := o.store.UpsertStageResult(persistCtx, sr); err != nil {
		// The in-memory state stays authoritative for this process; the
		// next transition retries the write.
		zap.L().Error("orchestrator: persist stage result failed",
			zap.String("run_id", sr.RunID),
			zap.String("work_unit", sr.WorkUnitID),
			zap.String("stage", string(sr.StageID)),
			zap.Error(err),
		)
	}
}

func indexResults(results []*model.StageResult) map[string]map[model.StageID]*model.StageResult {
	out := make(map[string]map[model.StageID]*model.StageResult)
	for _, sr := range results {
		unit := out[sr.WorkUnitID]
		if unit == nil {
			unit = make(map[model.StageID]*model.StageResult)
			out[sr.WorkUnitID] = unit
		}
		unit[sr.StageID] = sr
	}
	return out
}
