package model

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
)

// Run is one execution of the pipeline over a set of work units. There is
// no partial-success state; per-unit outcomes live in StageResults.
type Run struct {
	ID        string     `json:"id"`
	Status    RunStatus  `json:"status"`
	Report    *RunReport `json:"report,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunReport is the structured per-run summary exposed to the CLI and
// dashboard collaborators.
type RunReport struct {
	RunID          string                  `json:"run_id"`
	WorkUnits      int                     `json:"work_units"`
	StageCounts    map[StageStatus]int     `json:"stage_counts"`
	SpendByService map[string]float64      `json:"spend_by_service,omitempty"`
	TotalSpendUSD  float64                 `json:"total_spend_usd"`
	MergeDecisions []MergeDecision         `json:"merge_decisions,omitempty"`
	Failures       []StageFailure          `json:"failures,omitempty"`
	Cancelled      bool                    `json:"cancelled,omitempty"`
	StartedAt      time.Time               `json:"started_at"`
	EndedAt        time.Time               `json:"ended_at"`
}

// StageFailure captures full context for a fatally failed stage.
type StageFailure struct {
	WorkUnitID string  `json:"work_unit_id"`
	StageID    StageID `json:"stage_id"`
	Attempts   int     `json:"attempts"`
	ErrorClass string  `json:"error_class"`
	Error      string  `json:"error"`
}

// MergeDecision summarizes one dedupe merge, including the audit snapshots
// needed to reverse it.
type MergeDecision struct {
	SurvivorID string          `json:"survivor_id"`
	LoserID    string          `json:"loser_id"`
	Score      float64         `json:"score"`
	Decision   string          `json:"decision"` // auto_merge or tie_break_merge
	AuditID    string          `json:"audit_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
}
