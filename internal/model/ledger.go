package model

import "time"

// SpendLedgerEntry records one metered external call. The ledger is
// append-only within a run; totals are always derived by summing entries,
// never held as standalone mutable state.
type SpendLedgerEntry struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id,omitempty"`
	Service    string    `json:"service"`
	Operation  string    `json:"operation"`
	AmountUSD  float64   `json:"amount_usd"`
	WorkUnitID string    `json:"work_unit_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
