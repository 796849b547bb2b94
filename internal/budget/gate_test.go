package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/model"
)

func newTestGate(t *testing.T, limits Limits) *Gate {
	t.Helper()
	g, err := New(limits, nil)
	require.NoError(t, err)
	return g
}

func commit(t *testing.T, g *Gate, resID, service string, amount float64) {
	t.Helper()
	_, err := g.Commit(context.Background(), resID, model.SpendLedgerEntry{
		Service:   service,
		Operation: "test",
		AmountUSD: amount,
	})
	require.NoError(t, err)
}

func TestAdmit_UnlimitedWhenNoCeilings(t *testing.T) {
	g := newTestGate(t, Limits{})
	dec, resID := g.Admit("enrich", 1000)
	assert.Equal(t, Allow, dec)
	assert.NotEmpty(t, resID)
}

func TestAdmit_DenyHardAtServiceDailyCeiling(t *testing.T) {
	g := newTestGate(t, Limits{
		Services: map[string]Ceiling{"enrich": {DailyUSD: 10}},
	})

	dec, resID := g.Admit("enrich", 9.0)
	require.Equal(t, Allow, dec)
	commit(t, g, resID, "enrich", 9.0)

	// 9 spent; 2 more would breach the 10 ceiling.
	dec, resID = g.Admit("enrich", 2.0)
	assert.Equal(t, DenyHard, dec)
	assert.Empty(t, resID)

	// But a different service is unaffected.
	dec, _ = g.Admit("score", 2.0)
	assert.Equal(t, Allow, dec)
}

func TestAdmit_GlobalCeilingCoversAllServices(t *testing.T) {
	g := newTestGate(t, Limits{Global: Ceiling{DailyUSD: 10}})

	dec, resID := g.Admit("enrich", 6.0)
	require.Equal(t, Allow, dec)
	commit(t, g, resID, "enrich", 6.0)

	dec, _ = g.Admit("score", 5.0)
	assert.Equal(t, DenyHard, dec)
}

func TestAdmit_ScalingGateBelowHardCeiling(t *testing.T) {
	g := newTestGate(t, Limits{
		Services:            map[string]Ceiling{"enrich": {DailyUSD: 100}},
		ScalingGateFraction: 0.8,
	})

	dec, resID := g.Admit("enrich", 79.0)
	require.Equal(t, Allow, dec)
	commit(t, g, resID, "enrich", 79.0)

	// 79 + 5 = 84 > 80 soft threshold but under the 100 hard ceiling.
	dec, resID = g.Admit("enrich", 5.0)
	assert.Equal(t, AllowEssentialOnly, dec)
	assert.NotEmpty(t, resID)
	g.Release(resID)
}

func TestAdmit_ReservationsCountBeforeCommit(t *testing.T) {
	g := newTestGate(t, Limits{
		Services: map[string]Ceiling{"enrich": {DailyUSD: 10}},
	})

	// Reserve 8 without committing; the next check must still see it.
	dec, resID := g.Admit("enrich", 8.0)
	require.Equal(t, Allow, dec)

	dec, _ = g.Admit("enrich", 4.0)
	assert.Equal(t, DenyHard, dec)

	// Releasing the reservation frees the headroom again.
	g.Release(resID)
	dec, resID = g.Admit("enrich", 4.0)
	assert.Equal(t, Allow, dec)
	g.Release(resID)
}

// Concurrent workers hammering the gate must never jointly commit past
// the hard ceiling.
func TestAdmit_ConcurrentWorkersBoundedByCeiling(t *testing.T) {
	g := newTestGate(t, Limits{
		Services: map[string]Ceiling{"enrich": {DailyUSD: 50}},
	})

	const workers = 32
	const perCall = 1.0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				dec, resID := g.Admit("enrich", perCall)
				if dec == DenyHard {
					continue
				}
				commit(t, g, resID, "enrich", perCall)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, g.TotalSpend(), 50.0)
}

func TestWindows_DailyRolloverExcludesYesterday(t *testing.T) {
	g := newTestGate(t, Limits{
		Services: map[string]Ceiling{"enrich": {DailyUSD: 10}},
		Timezone: "America/Chicago",
	})

	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	day1 := time.Date(2026, 3, 9, 23, 0, 0, 0, loc)
	g.WithNow(func() time.Time { return day1 })

	dec, resID := g.Admit("enrich", 9.0)
	require.Equal(t, Allow, dec)
	commit(t, g, resID, "enrich", 9.0)

	dec, _ = g.Admit("enrich", 5.0)
	require.Equal(t, DenyHard, dec)

	// One hour later it is the next local day; yesterday's spend no
	// longer counts against the daily ceiling.
	day2 := day1.Add(2 * time.Hour)
	g.WithNow(func() time.Time { return day2 })

	dec, resID = g.Admit("enrich", 5.0)
	assert.Equal(t, Allow, dec)
	g.Release(resID)

	// But the entry is retained for reporting.
	assert.InDelta(t, 9.0, g.TotalSpend(), 1e-9)
}

func TestWindows_MonthlyCeilingOutlivesDailyRollover(t *testing.T) {
	g := newTestGate(t, Limits{
		Services: map[string]Ceiling{"enrich": {MonthlyUSD: 10}},
	})

	day1 := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	g.WithNow(func() time.Time { return day1 })

	dec, resID := g.Admit("enrich", 9.0)
	require.Equal(t, Allow, dec)
	commit(t, g, resID, "enrich", 9.0)

	// Next day, same month: monthly total still applies.
	g.WithNow(func() time.Time { return day1.AddDate(0, 0, 1) })
	dec, _ = g.Admit("enrich", 5.0)
	assert.Equal(t, DenyHard, dec)

	// Next month: fresh window.
	g.WithNow(func() time.Time { return day1.AddDate(0, 1, 0) })
	dec, resID = g.Admit("enrich", 5.0)
	assert.Equal(t, Allow, dec)
	g.Release(resID)
}

func TestSeed_ResumedSpendCounts(t *testing.T) {
	g := newTestGate(t, Limits{
		Services: map[string]Ceiling{"enrich": {DailyUSD: 10}},
	})
	g.Seed([]model.SpendLedgerEntry{
		{ID: "e1", Service: "enrich", AmountUSD: 8, CreatedAt: time.Now().UTC()},
	})

	dec, _ := g.Admit("enrich", 4.0)
	assert.Equal(t, DenyHard, dec)
}

func TestCommit_UnknownReservation(t *testing.T) {
	g := newTestGate(t, Limits{})
	_, err := g.Commit(context.Background(), "nope", model.SpendLedgerEntry{})
	assert.Error(t, err)
}

func TestSpendByService(t *testing.T) {
	g := newTestGate(t, Limits{})

	dec, resID := g.Admit("enrich", 1.5)
	require.Equal(t, Allow, dec)
	commit(t, g, resID, "enrich", 1.5)

	dec, resID = g.Admit("score", 0.5)
	require.Equal(t, Allow, dec)
	commit(t, g, resID, "score", 0.5)

	spend := g.SpendByService()
	assert.InDelta(t, 1.5, spend["enrich"], 1e-9)
	assert.InDelta(t, 0.5, spend["score"], 1e-9)
}

func TestNew_BadTimezone(t *testing.T) {
	_, err := New(Limits{Timezone: "Mars/Olympus"}, nil)
	assert.Error(t, err)
}
