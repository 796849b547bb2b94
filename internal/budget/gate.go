package budget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	// Allow admits the call unconditionally.
	Allow Decision = iota
	// DenyHard means a hard ceiling would be breached; the caller must
	// not proceed and must classify the failure as budget_exceeded.
	DenyHard
	// AllowEssentialOnly means the scaling gate is active: only stages
	// flagged essential may proceed.
	AllowEssentialOnly
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyHard:
		return "deny_hard"
	case AllowEssentialOnly:
		return "allow_essential_only"
	default:
		return "unknown"
	}
}

// Ceiling holds hard spend limits for one scope. Zero means unlimited.
type Ceiling struct {
	DailyUSD   float64 `yaml:"daily_usd" mapstructure:"daily_usd"`
	MonthlyUSD float64 `yaml:"monthly_usd" mapstructure:"monthly_usd"`
}

// Limits is the full budget configuration: per-service and global hard
// ceilings plus the scaling-gate fraction of each hard limit. Read-only
// during a run.
type Limits struct {
	Global   Ceiling            `yaml:"global" mapstructure:"global"`
	Services map[string]Ceiling `yaml:"services" mapstructure:"services"`

	// ScalingGateFraction places the soft threshold at this fraction of
	// every hard ceiling. Default 0.8.
	ScalingGateFraction float64 `yaml:"scaling_gate_fraction" mapstructure:"scaling_gate_fraction"`

	// Timezone is the IANA zone whose midnight rolls the daily and
	// monthly windows over. Default UTC.
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

// Ledger persists committed spend entries. The gate appends synchronously
// with the call, never batched.
type Ledger interface {
	AppendLedgerEntry(ctx context.Context, entry model.SpendLedgerEntry) error
}

type reservation struct {
	service string
	amount  float64
}

// Gate tracks cumulative spend per service and globally and admits or
// rejects metered calls. The check-then-reserve sequence runs under one
// mutex, so concurrent workers can never jointly pass a check only one
// should have passed; recorded spend overshoots a ceiling by at most one
// in-flight estimate.
type Gate struct {
	mu           sync.Mutex
	limits       Limits
	loc          *time.Location
	entries      []model.SpendLedgerEntry
	reservations map[string]reservation
	ledger       Ledger
	now          func() time.Time
}

// New creates a Gate. ledger may be nil for dry runs; entries then live
// only in memory.
func New(limits Limits, ledger Ledger) (*Gate, error) {
	if limits.ScalingGateFraction <= 0 || limits.ScalingGateFraction > 1 {
		limits.ScalingGateFraction = 0.8
	}
	tz := limits.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, eris.Wrapf(err, "budget: load timezone %s", tz)
	}
	return &Gate{
		limits:       limits,
		loc:          loc,
		reservations: make(map[string]reservation),
		ledger:       ledger,
		now:          time.Now,
	}, nil
}

// WithNow sets a fixed clock for testing.
func (g *Gate) WithNow(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Seed loads previously persisted ledger entries, used when resuming a
// run so window totals include earlier spend.
func (g *Gate) Seed(entries []model.SpendLedgerEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = append(g.entries, entries...)
}

// Admit checks whether a metered call with the given estimated cost may
// proceed. Allow and AllowEssentialOnly place a reservation that must be
// resolved with Commit or Release; DenyHard places none.
func (g *Gate) Admit(service string, estimate float64) (Decision, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().In(g.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, g.loc)

	svcDay, svcMonth := g.windowTotalsLocked(service, dayStart, monthStart)
	allDay, allMonth := g.windowTotalsLocked("", dayStart, monthStart)

	type check struct {
		spent float64
		hard  float64
	}
	svcCeiling := g.limits.Services[service]
	checks := []check{
		{svcDay, svcCeiling.DailyUSD},
		{svcMonth, svcCeiling.MonthlyUSD},
		{allDay, g.limits.Global.DailyUSD},
		{allMonth, g.limits.Global.MonthlyUSD},
	}

	for _, c := range checks {
		if c.hard > 0 && c.spent+estimate > c.hard {
			return DenyHard, ""
		}
	}

	decision := Allow
	for _, c := range checks {
		if c.hard > 0 && c.spent+estimate > c.hard*g.limits.ScalingGateFraction {
			decision = AllowEssentialOnly
			break
		}
	}

	id := uuid.New().String()
	g.reservations[id] = reservation{service: service, amount: estimate}
	return decision, id
}

// Commit converts a reservation into a ledger entry, appending it to the
// in-memory ledger and the persistent one before returning, so concurrent
// admission checks always see up-to-date totals.
func (g *Gate) Commit(ctx context.Context, reservationID string, entry model.SpendLedgerEntry) (model.SpendLedgerEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.reservations[reservationID]
	if !ok {
		return model.SpendLedgerEntry{}, eris.Errorf("budget: unknown reservation %s", reservationID)
	}
	delete(g.reservations, reservationID)

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Service == "" {
		entry.Service = res.service
	}
	if entry.AmountUSD == 0 {
		entry.AmountUSD = res.amount
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = g.now().UTC()
	}

	g.entries = append(g.entries, entry)
	if g.ledger != nil {
		if err := g.ledger.AppendLedgerEntry(ctx, entry); err != nil {
			// The entry stays counted in memory even if persistence
			// failed; undercounting spend is the worse failure mode.
			zap.L().Error("budget: ledger append failed",
				zap.String("service", entry.Service),
				zap.Float64("amount_usd", entry.AmountUSD),
				zap.Error(err),
			)
			return entry, eris.Wrap(err, "budget: append ledger entry")
		}
	}
	return entry, nil
}

// Release drops a reservation whose call failed without spending.
func (g *Gate) Release(reservationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.reservations, reservationID)
}

// SpendByService returns committed spend per service in the current daily
// window. Entries outside the window are excluded from totals but kept
// for reporting.
func (g *Gate) SpendByService() map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().In(g.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.loc)

	out := make(map[string]float64)
	for _, e := range g.entries {
		if e.CreatedAt.In(g.loc).Before(dayStart) {
			continue
		}
		out[e.Service] += e.AmountUSD
	}
	return out
}

// TotalSpend returns all committed spend across every window.
func (g *Gate) TotalSpend() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	var total float64
	for _, e := range g.entries {
		total += e.AmountUSD
	}
	return total
}

// windowTotalsLocked sums committed entries plus open reservations for a
// service ("" = all services) in the daily and monthly windows. Callers
// hold g.mu.
func (g *Gate) windowTotalsLocked(service string, dayStart, monthStart time.Time) (day, month float64) {
	for _, e := range g.entries {
		if service != "" && e.Service != service {
			continue
		}
		at := e.CreatedAt.In(g.loc)
		if !at.Before(monthStart) {
			month += e.AmountUSD
		}
		if !at.Before(dayStart) {
			day += e.AmountUSD
		}
	}
	for _, r := range g.reservations {
		if service != "" && r.service != service {
			continue
		}
		day += r.amount
		month += r.amount
	}
	return day, month
}
