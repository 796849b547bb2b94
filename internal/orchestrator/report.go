package orchestrator

import (
	"sort"
	"time"

	"github.com/sells-group/leadflow/internal/model"
)

// buildReport derives the run summary from stage results and the budget
// gate's ledger. Spend totals are always sums over ledger entries.
func (o *Orchestrator) buildReport(runID string, workUnits int, results []*model.StageResult,
	cancelled bool, startedAt time.Time) *model.RunReport {

	report := &model.RunReport{
		RunID:       runID,
		WorkUnits:   workUnits,
		StageCounts: make(map[model.StageStatus]int),
		Cancelled:   cancelled,
		StartedAt:   startedAt,
		EndedAt:     time.Now().UTC(),
	}

	for _, sr := range results {
		report.StageCounts[sr.Status]++
		if sr.Status == model.StageFailed {
			report.Failures = append(report.Failures, model.StageFailure{
				WorkUnitID: sr.WorkUnitID,
				StageID:    sr.StageID,
				Attempts:   sr.Attempts,
				ErrorClass: sr.LastErrorClass,
				Error:      sr.LastError,
			})
		}
	}
	sort.Slice(report.Failures, func(i, j int) bool {
		if report.Failures[i].WorkUnitID != report.Failures[j].WorkUnitID {
			return report.Failures[i].WorkUnitID < report.Failures[j].WorkUnitID
		}
		return report.Failures[i].StageID < report.Failures[j].StageID
	})

	if o.gate != nil {
		report.SpendByService = o.gate.SpendByService()
		report.TotalSpendUSD = o.gate.TotalSpend()
	}

	for _, exec := range o.executors {
		if mr, ok := exec.(MergeReporter); ok {
			report.MergeDecisions = append(report.MergeDecisions, mr.MergeDecisions()...)
		}
	}
	return report
}
