package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/store"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted run from its persisted stage results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		runID := args[0]

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Store.GetRun(ctx, runID); err != nil {
			return eris.Wrapf(err, "resume: load run %s", runID)
		}

		results, err := env.Store.ListStageResults(ctx, runID)
		if err != nil {
			return eris.Wrapf(err, "resume: load stage results for %s", runID)
		}
		if len(results) == 0 {
			return eris.Errorf("resume: run %s has no stage results to resume from", runID)
		}

		units, err := loadWorkUnits(ctx, env.Store, results)
		if err != nil {
			return err
		}
		if len(units) == 0 {
			return eris.Errorf("resume: no work unit records recoverable for run %s", runID)
		}

		zap.L().Info("resuming run",
			zap.String("run_id", runID),
			zap.Int("work_units", len(units)),
			zap.Int("stage_results", len(results)),
		)

		report, err := env.newOrchestrator(runID).Run(ctx, runID, units)
		if err != nil {
			return eris.Wrap(err, "pipeline resume")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// loadWorkUnits recovers the run's work units from its stage results. A
// unit whose ingest never persisted a record cannot be recovered; it is
// dropped with a warning.
func loadWorkUnits(ctx context.Context, st store.Store, results []*model.StageResult) ([]*model.BusinessRecord, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, sr := range results {
		if !seen[sr.WorkUnitID] {
			seen[sr.WorkUnitID] = true
			ids = append(ids, sr.WorkUnitID)
		}
	}
	sort.Strings(ids)

	var units []*model.BusinessRecord
	for _, id := range ids {
		rec, err := st.GetRecord(ctx, id)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				zap.L().Warn("work unit record missing, dropping from resume", zap.String("work_unit", id))
				continue
			}
			return nil, eris.Wrapf(err, "resume: load record %s", id)
		}
		units = append(units, rec)
	}
	return units, nil
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
