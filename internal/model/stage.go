package model

import "time"

// StageID identifies a pipeline stage.
type StageID string

// Built-in stage identities, in pipeline order.
const (
	StageIngest      StageID = "ingest"
	StageEnrich      StageID = "enrich"
	StageDedupe      StageID = "dedupe"
	StageScore       StageID = "score"
	StagePersonalize StageID = "personalize"
	StageDeliver     StageID = "deliver"
)

// StageStatus is the lifecycle state of a stage for one work unit.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Terminal reports whether the status can no longer change.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageSkipped
}

// SkipReason explains why a stage was skipped rather than executed.
type SkipReason string

const (
	SkipDependencyFailed SkipReason = "dependency_failed"
	SkipScalingGate      SkipReason = "scaling_gate_active"
	SkipRunCancelled     SkipReason = "run_cancelled"
)

// StageResult is the per-(work unit, stage) outcome. Created when the
// stage is first scheduled; mutated only by the orchestrator; immutable
// once Terminal.
type StageResult struct {
	RunID      string      `json:"run_id"`
	WorkUnitID string      `json:"work_unit_id"`
	StageID    StageID     `json:"stage_id"`
	Status     StageStatus `json:"status"`
	Attempts   int         `json:"attempts"`

	// LastErrorClass is "retryable" or "fatal" plus the classified
	// reason (e.g. "fatal:budget_exceeded"); empty on success.
	LastErrorClass string `json:"last_error_class,omitempty"`
	LastError      string `json:"last_error,omitempty"`

	SkipReason SkipReason `json:"skip_reason,omitempty"`
	PayloadRef string     `json:"payload_ref,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
