package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/budget"
	"github.com/sells-group/leadflow/internal/cost"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/registry"
	"github.com/sells-group/leadflow/internal/resilience"
)

type memRunStore struct {
	mu      sync.Mutex
	results map[string]*model.StageResult
	prior   []*model.StageResult
	ledger  []model.SpendLedgerEntry
	report  *model.RunReport
	status  []model.RunStatus
}

func newMemRunStore() *memRunStore {
	return &memRunStore{results: make(map[string]*model.StageResult)}
}

func (m *memRunStore) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = append(m.status, status)
	return nil
}

func (m *memRunStore) UpdateRunReport(ctx context.Context, id string, report *model.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.report = report
	return nil
}

func (m *memRunStore) UpsertStageResult(ctx context.Context, sr *model.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sr
	m.results[sr.WorkUnitID+"/"+string(sr.StageID)] = &cp
	return nil
}

func (m *memRunStore) ListStageResults(ctx context.Context, runID string) ([]*model.StageResult, error) {
	return m.prior, nil
}

func (m *memRunStore) ListLedgerEntries(ctx context.Context, runID string) ([]model.SpendLedgerEntry, error) {
	return m.ledger, nil
}

func (m *memRunStore) persisted(unitID string, stage model.StageID) *model.StageResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[unitID+"/"+string(stage)]
}

// recordingExec appends the stage id to a shared trace and succeeds.
func recordingExec(stage model.StageID, trace *[]model.StageID, mu *sync.Mutex) StageExecutor {
	return ExecutorFunc(func(ctx context.Context, unit *model.BusinessRecord) (string, error) {
		mu.Lock()
		*trace = append(*trace, stage)
		mu.Unlock()
		return "ok:" + string(stage), nil
	})
}

func allStagesRecording(trace *[]model.StageID, mu *sync.Mutex) map[model.StageID]StageExecutor {
	execs := make(map[model.StageID]StageExecutor)
	for _, id := range []model.StageID{
		model.StageIngest, model.StageEnrich, model.StageDedupe,
		model.StageScore, model.StagePersonalize, model.StageDeliver,
	} {
		execs[id] = recordingExec(id, trace, mu)
	}
	return execs
}

func openGate(t *testing.T) *budget.Gate {
	t.Helper()
	g, err := budget.New(budget.Limits{}, nil)
	require.NoError(t, err)
	return g
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		JitterFraction: 0,
	}
}

func TestRun_DependencyOrderHolds(t *testing.T) {
	var mu sync.Mutex
	var trace []model.StageID
	st := newMemRunStore()

	o := New(registry.Default(), st, openGate(t), cost.NewEstimator(cost.DefaultRates()),
		allStagesRecording(&trace, &mu), Config{Workers: 1, Retry: fastRetry()})

	unit := &model.BusinessRecord{ID: "u1", Name: "Acme"}
	report, err := o.Run(context.Background(), "run-1", []*model.BusinessRecord{unit})
	require.NoError(t, err)

	want := []model.StageID{
		model.StageIngest, model.StageEnrich, model.StageDedupe,
		model.StageScore, model.StagePersonalize, model.StageDeliver,
	}
	assert.Equal(t, want, trace)
	assert.Equal(t, 6, report.StageCounts[model.StageCompleted])
	assert.False(t, report.Cancelled)
	assert.Empty(t, report.Failures)

	sr := st.persisted("u1", model.StageDeliver)
	require.NotNil(t, sr)
	assert.Equal(t, "ok:deliver", sr.PayloadRef)
}

func TestRun_FatalFailureCascadesToDependents(t *testing.T) {
	var mu sync.Mutex
	var trace []model.StageID
	st := newMemRunStore()

	execs := allStagesRecording(&trace, &mu)
	execs[model.StageEnrich] = ExecutorFunc(func(ctx context.Context, unit *model.BusinessRecord) (string, error) {
		return "", resilience.NewFatalError(eris.New("bad address payload"), resilience.ReasonInvalidInput)
	})

	o := New(registry.Default(), st, openGate(t), cost.NewEstimator(cost.DefaultRates()),
		execs, Config{Workers: 1, Retry: fastRetry()})

	unit := &model.BusinessRecord{ID: "u1", Name: "Acme"}
	report, err := o.Run(context.Background(), "run-1", []*model.BusinessRecord{unit})
	require.NoError(t, err)

	assert.Equal(t, []model.StageID{model.StageIngest}, trace, "nothing after the failure executes")
	assert.Equal(t, 1, report.StageCounts[model.StageCompleted])
	assert.Equal(t, 1, report.StageCounts[model.StageFailed])
	assert.Equal(t, 4, report.StageCounts[model.StageSkipped])

	require.Len(t, report.Failures, 1)
	assert.Equal(t, model.StageEnrich, report.Failures[0].StageID)
	assert.Equal(t, "fatal:invalid_input", report.Failures[0].ErrorClass)
	assert.Equal(t, 1, report.Failures[0].Attempts, "fatal errors are not retried")

	for _, stage := range []model.StageID{model.StageDedupe, model.StageScore, model.StagePersonalize, model.StageDeliver} {
		sr := st.persisted("u1", stage)
		require.NotNil(t, sr, "stage %s", stage)
		assert.Equal(t, model.StageSkipped, sr.Status)
		assert.Equal(t, model.SkipDependencyFailed, sr.SkipReason)
	}
}

func TestRun_TransientErrorsRetryThenSucceed(t *testing.T) {
	var mu sync.Mutex
	var trace []model.StageID
	st := newMemRunStore()

	calls := 0
	execs := allStagesRecording(&trace, &mu)
	execs[model.StageEnrich] = ExecutorFunc(func(ctx context.Context, unit *model.BusinessRecord) (string, error) {
		calls++
		if calls < 3 {
			return "", resilience.NewTransientError(eris.New("upstream 503"), 503)
		}
		return "enriched", nil
	})

	o := New(registry.Default(), st, openGate(t), cost.NewEstimator(cost.DefaultRates()),
		execs, Config{Workers: 1, Retry: fastRetry()})

	unit := &model.BusinessRecord{ID: "u1", Name: "Acme"}
	report, err := o.Run(context.Background(), "run-1", []*model.BusinessRecord{unit})
	require.NoError(t, err)

	assert.Equal(t, 6, report.StageCounts[model.StageCompleted])
	sr := st.persisted("u1", model.StageEnrich)
	require.NotNil(t, sr)
	assert.Equal(t, 3, sr.Attempts)
	assert.Equal(t, "enriched", sr.PayloadRef)
}

func TestRun_BudgetDenyHardFailsStageAndCascades(t *testing.T) {
	var mu sync.Mutex
	var trace []model.StageID
	st := newMemRunStore()

	// Enrich estimates 0.012/call against a ceiling already too small.
	gate, err := budget.New(budget.Limits{
		Services: map[string]budget.Ceiling{"enrich": {DailyUSD: 0.001}},
	}, nil)
	require.NoError(t, err)

	o := New(registry.Default(), st, gate, cost.NewEstimator(cost.DefaultRates()),
		allStagesRecording(&trace, &mu), Config{Workers: 1, Retry: fastRetry()})

	unit := &model.BusinessRecord{ID: "u1", Name: "Acme"}
	report, rerr := o.Run(context.Background(), "run-1", []*model.BusinessRecord{unit})
	require.NoError(t, rerr)

	sr := st.persisted("u1", model.StageEnrich)
	require.NotNil(t, sr)
	assert.Equal(t, model.StageFailed, sr.Status)
	assert.Equal(t, "fatal:budget_exceeded", sr.LastErrorClass)

	assert.Equal(t, 4, report.StageCounts[model.StageSkipped])
	assert.Zero(t, report.TotalSpendUSD, "denied call spends nothing")
}

func TestRun_ScalingGateSkipsNonEssentialButPipelineContinues(t *testing.T) {
	var mu sync.Mutex
	var trace []model.StageID
	st := newMemRunStore()

	// Earlier spend in this run sits at 90% of the 1.0 global ceiling, so
	// every new cost-incurring call trips the 0.8 scaling gate while the
	// essential free stages keep running.
	st.ledger = []model.SpendLedgerEntry{
		{ID: "e1", RunID: "run-1", Service: "enrich", Operation: "enrich",
			AmountUSD: 0.9, CreatedAt: time.Now().UTC()},
	}
	gate, err := budget.New(budget.Limits{
		Global: budget.Ceiling{DailyUSD: 1.0},
	}, nil)
	require.NoError(t, err)

	o := New(registry.Default(), st, gate, cost.NewEstimator(cost.DefaultRates()),
		allStagesRecording(&trace, &mu), Config{Workers: 1, Retry: fastRetry()})

	unit := &model.BusinessRecord{ID: "u1", Name: "Acme"}
	report, rerr := o.Run(context.Background(), "run-1", []*model.BusinessRecord{unit})
	require.NoError(t, rerr)

	for _, stage := range []model.StageID{model.StageEnrich, model.StageScore, model.StagePersonalize} {
		sr := st.persisted("u1", stage)
		require.NotNil(t, sr, "stage %s", stage)
		assert.Equal(t, model.StageSkipped, sr.Status)
		assert.Equal(t, model.SkipScalingGate, sr.SkipReason)
	}

	// Essential stages still ran despite skipped ancestors.
	for _, stage := range []model.StageID{model.StageIngest, model.StageDedupe, model.StageDeliver} {
		sr := st.persisted("u1", stage)
		require.NotNil(t, sr, "stage %s", stage)
		assert.Equal(t, model.StageCompleted, sr.Status)
	}

	assert.InDelta(t, 0.9, report.TotalSpendUSD, 1e-9, "no new spend past the gate")
	assert.InDelta(t, 0.9, report.SpendByService["enrich"], 1e-9)
}

func TestRun_CancellationSkipsPendingButRecordsInFlight(t *testing.T) {
	var mu sync.Mutex
	var trace []model.StageID
	st := newMemRunStore()

	ctx, cancel := context.WithCancel(context.Background())

	execs := allStagesRecording(&trace, &mu)
	// Cancel while enrich is in flight; it must still complete and be
	// recorded, and everything after it must be skipped.
	execs[model.StageEnrich] = ExecutorFunc(func(c context.Context, unit *model.BusinessRecord) (string, error) {
		cancel()
		return "enriched", nil
	})

	o := New(registry.Default(), st, openGate(t), cost.NewEstimator(cost.DefaultRates()),
		execs, Config{Workers: 1, Retry: fastRetry()})

	unit := &model.BusinessRecord{ID: "u1", Name: "Acme"}
	report, err := o.Run(ctx, "run-1", []*model.BusinessRecord{unit})
	require.NoError(t, err)

	assert.True(t, report.Cancelled)

	enrich := st.persisted("u1", model.StageEnrich)
	require.NotNil(t, enrich)
	assert.Equal(t, model.StageCompleted, enrich.Status, "in-flight stage finishes")

	for _, stage := range []model.StageID{model.StageDedupe, model.StageScore, model.StagePersonalize, model.StageDeliver} {
		sr := st.persisted("u1", stage)
		require.NotNil(t, sr, "stage %s", stage)
		assert.Equal(t, model.StageSkipped, sr.Status)
		assert.Equal(t, model.SkipRunCancelled, sr.SkipReason)
	}
}

func TestRun_CancellationStopsRetries(t *testing.T) {
	var mu sync.Mutex
	var trace []model.StageID
	st := newMemRunStore()

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	execs := allStagesRecording(&trace, &mu)
	// The attempt cancels the run and fails transiently. Without the
	// cancellation check the retry loop would sleep and try twice more.
	execs[model.StageEnrich] = ExecutorFunc(func(c context.Context, unit *model.BusinessRecord) (string, error) {
		calls++
		cancel()
		return "", resilience.NewTransientError(eris.New("upstream 503"), 503)
	})

	o := New(registry.Default(), st, openGate(t), cost.NewEstimator(cost.DefaultRates()),
		execs, Config{Workers: 1, Retry: fastRetry()})

	unit := &model.BusinessRecord{ID: "u1", Name: "Acme"}
	report, err := o.Run(ctx, "run-1", []*model.BusinessRecord{unit})
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Equal(t, 1, calls, "no fresh attempts after cancellation")

	sr := st.persisted("u1", model.StageEnrich)
	require.NotNil(t, sr)
	assert.Equal(t, model.StageFailed, sr.Status)
	assert.Equal(t, 1, sr.Attempts)
}

func TestRun_ResumeSkipsCompletedStages(t *testing.T) {
	var mu sync.Mutex
	var trace []model.StageID
	st := newMemRunStore()
	st.prior = []*model.StageResult{
		{RunID: "run-1", WorkUnitID: "u1", StageID: model.StageIngest, Status: model.StageCompleted},
		{RunID: "run-1", WorkUnitID: "u1", StageID: model.StageEnrich, Status: model.StageRunning, Attempts: 2},
	}

	execs := allStagesRecording(&trace, &mu)
	execs[model.StageIngest] = ExecutorFunc(func(ctx context.Context, unit *model.BusinessRecord) (string, error) {
		t.Error("completed stage must not re-execute on resume")
		return "", nil
	})

	o := New(registry.Default(), st, openGate(t), cost.NewEstimator(cost.DefaultRates()),
		execs, Config{Workers: 1, Retry: fastRetry()})

	unit := &model.BusinessRecord{ID: "u1", Name: "Acme"}
	report, err := o.Run(context.Background(), "run-1", []*model.BusinessRecord{unit})
	require.NoError(t, err)

	assert.Equal(t, []model.StageID{
		model.StageEnrich, model.StageDedupe, model.StageScore,
		model.StagePersonalize, model.StageDeliver,
	}, trace, "interrupted Running stage re-executes, completed one does not")

	enrich := st.persisted("u1", model.StageEnrich)
	require.NotNil(t, enrich)
	assert.Equal(t, 3, enrich.Attempts, "attempt count carries across the resume")
	assert.Equal(t, 6, report.StageCounts[model.StageCompleted])
}

func TestRun_UnitsFailIndependently(t *testing.T) {
	var mu sync.Mutex
	var trace []model.StageID
	st := newMemRunStore()

	execs := allStagesRecording(&trace, &mu)
	execs[model.StageEnrich] = ExecutorFunc(func(ctx context.Context, unit *model.BusinessRecord) (string, error) {
		if unit.ID == "bad" {
			return "", resilience.NewFatalError(eris.New("poison unit"), resilience.ReasonInvalidInput)
		}
		return "enriched", nil
	})

	o := New(registry.Default(), st, openGate(t), cost.NewEstimator(cost.DefaultRates()),
		execs, Config{Workers: 2, Retry: fastRetry()})

	units := []*model.BusinessRecord{
		{ID: "bad", Name: "Poison"},
		{ID: "good", Name: "Fine"},
	}
	report, err := o.Run(context.Background(), "run-1", units)
	require.NoError(t, err)

	good := st.persisted("good", model.StageDeliver)
	require.NotNil(t, good)
	assert.Equal(t, model.StageCompleted, good.Status)

	bad := st.persisted("bad", model.StageEnrich)
	require.NotNil(t, bad)
	assert.Equal(t, model.StageFailed, bad.Status)
	assert.Len(t, report.Failures, 1)
}

func TestRun_MissingExecutorIsFatal(t *testing.T) {
	st := newMemRunStore()
	o := New(registry.Default(), st, openGate(t), cost.NewEstimator(cost.DefaultRates()),
		map[model.StageID]StageExecutor{}, Config{Workers: 1, Retry: fastRetry()})

	unit := &model.BusinessRecord{ID: "u1", Name: "Acme"}
	report, err := o.Run(context.Background(), "run-1", []*model.BusinessRecord{unit})
	require.NoError(t, err)

	sr := st.persisted("u1", model.StageIngest)
	require.NotNil(t, sr)
	assert.Equal(t, model.StageFailed, sr.Status)
	assert.Equal(t, 5, report.StageCounts[model.StageSkipped])
}
