package model

import (
	"encoding/json"
	"time"
)

// Audit operation types.
const (
	AuditOpMerge  = "merge"
	AuditOpRevert = "revert"
)

// AuditRecord holds the full before/after state of a multi-field record
// mutation. Replaying Before is the sole recovery path for a bad merge;
// there is no separate rollback API.
type AuditRecord struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id,omitempty"`
	Operation  string          `json:"operation"`
	SurvivorID string          `json:"survivor_id"`
	LoserID    string          `json:"loser_id,omitempty"`
	Before     json.RawMessage `json:"before"`
	After      json.RawMessage `json:"after"`
	CreatedAt  time.Time       `json:"created_at"`
}
