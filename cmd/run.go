package main

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
)

var runInput string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the pipeline over a CSV of lead records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		units, err := readLeadsCSV(runInput)
		if err != nil {
			return err
		}
		if len(units) == 0 {
			return eris.Errorf("run: no records in %s", runInput)
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run := &model.Run{}
		if err := env.Store.CreateRun(ctx, run); err != nil {
			return eris.Wrap(err, "create run")
		}

		zap.L().Info("run created",
			zap.String("run_id", run.ID),
			zap.String("input", runInput),
			zap.Int("work_units", len(units)),
		)

		report, err := env.newOrchestrator(run.ID).Run(ctx, run.ID, units)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// readLeadsCSV loads work units from a CSV file. The header names map
// onto record fields; an optional id column keeps caller-stable ids, and
// unknown columns are ignored. Field provenance is tagged with the file
// name. Rows are not validated here; the ingest stage rejects unusable
// records per unit instead of failing the whole file.
func readLeadsCSV(path string) ([]*model.BusinessRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "run: open input %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, eris.Wrapf(err, "run: read header of %s", path)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.ToLower(strings.TrimSpace(h))
	}

	source := "csv:" + filepath.Base(path)
	var out []*model.BusinessRecord
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "run: read %s", path)
		}

		rec := &model.BusinessRecord{ID: uuid.NewString()}
		for i, col := range cols {
			if i >= len(row) {
				break
			}
			val := strings.TrimSpace(row[i])
			if val == "" {
				continue
			}
			if col == "id" {
				rec.ID = val
				continue
			}
			rec.SetField(col, val, source)
		}
		out = append(out, rec)
	}
	return out, nil
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "CSV file of lead records (required)")
	_ = runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}
