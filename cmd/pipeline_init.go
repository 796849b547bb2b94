package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/budget"
	"github.com/sells-group/leadflow/internal/config"
	"github.com/sells-group/leadflow/internal/cost"
	"github.com/sells-group/leadflow/internal/dedupe"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/orchestrator"
	"github.com/sells-group/leadflow/internal/preserve"
	"github.com/sells-group/leadflow/internal/registry"
	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/internal/stages"
	"github.com/sells-group/leadflow/internal/store"
	"github.com/sells-group/leadflow/pkg/adjudicate"
)

// pipelineEnv holds the store, budget gate and dedupe machinery shared by
// the run/resume/serve commands.
type pipelineEnv struct {
	Store     store.Store
	Registry  *registry.Registry
	Gate      *budget.Gate
	Estimator *cost.Estimator
	Engine    *dedupe.Engine
	Wrapper   *preserve.Wrapper
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.Path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline sets up the store, rate table, budget gate and dedupe
// engine. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rates := cost.DefaultRates()
	if cfg.Pricing.RatesPath != "" {
		rates, err = cost.LoadRates(cfg.Pricing.RatesPath)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load rates")
		}
	}

	gate, err := budget.New(cfg.Budget, st)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init budget gate")
	}

	var judge dedupe.Adjudicator
	if cfg.Anthropic.Key != "" {
		judge = adjudicate.NewLLMJudge(
			adjudicate.NewAnthropicMessenger(cfg.Anthropic.Key, cfg.Anthropic.Model),
			cfg.Anthropic.RequestsPerSec,
		)
		zap.L().Info("llm adjudicator enabled", zap.String("model", cfg.Anthropic.Model))
	} else {
		zap.L().Warn("LEADFLOW_ANTHROPIC_KEY not set, ambiguous dedupe pairs stay unmerged")
		judge = adjudicate.RejectAll{}
	}

	wrapper := preserve.NewWrapper(st)

	return &pipelineEnv{
		Store:     st,
		Registry:  registry.Default(),
		Gate:      gate,
		Estimator: cost.NewEstimator(rates),
		Engine:    dedupe.NewEngine(cfg.Dedupe, judge, wrapper),
		Wrapper:   wrapper,
	}, nil
}

// newOrchestrator wires the per-run stage executors and builds the
// orchestrator for one run.
func (pe *pipelineEnv) newOrchestrator(runID string) *orchestrator.Orchestrator {
	executors := map[model.StageID]orchestrator.StageExecutor{
		model.StageIngest:      stages.Ingest(pe.Store),
		model.StageEnrich:      stages.Enrich(pe.Store),
		model.StageDedupe:      stages.NewDeduper(pe.Engine, pe.Store, runID),
		model.StageScore:       stages.Score(pe.Store),
		model.StagePersonalize: stages.Personalize(),
		model.StageDeliver:     stages.Deliver(cfg.Deliver.OutputDir, runID),
	}
	return orchestrator.New(pe.Registry, pe.Store, pe.Gate, pe.Estimator, executors, orchestrator.Config{
		Workers:             cfg.Orchestrator.Workers,
		DefaultStageTimeout: time.Duration(cfg.Orchestrator.StageTimeoutSecs) * time.Second,
		Retry:               retryConfig(cfg.Retry),
	})
}

func retryConfig(rc config.RetryConfig) resilience.RetryConfig {
	out := resilience.DefaultRetryConfig()
	if rc.MaxAttempts > 0 {
		out.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialBackoffMS > 0 {
		out.InitialBackoff = time.Duration(rc.InitialBackoffMS) * time.Millisecond
	}
	if rc.MaxBackoffMS > 0 {
		out.MaxBackoff = time.Duration(rc.MaxBackoffMS) * time.Millisecond
	}
	return out
}
