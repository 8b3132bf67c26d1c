package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/coinsight/meterd/internal/costs"
	"github.com/coinsight/meterd/internal/ledger"
	"github.com/coinsight/meterd/internal/limits"
	"github.com/coinsight/meterd/internal/reconcile"
)

var errStoreDown = errors.New("connection refused")

// failingLedger fails every operation, simulating an unreachable store.
type failingLedger struct{}

func (failingLedger) Append(ctx context.Context, rec *ledger.Record) error { return errStoreDown }
func (failingLedger) SumCost(ctx context.Context, userID string, since, until time.Time) (float64, error) {
	return 0, errStoreDown
}
func (failingLedger) CountRequests(ctx context.Context, userID string, since, until time.Time) (int64, error) {
	return 0, errStoreDown
}
func (failingLedger) TopUsers(ctx context.Context, since, until time.Time, limit int) ([]ledger.UserCost, error) {
	return nil, errStoreDown
}
func (failingLedger) ServiceTotals(ctx context.Context, userID string, since, until time.Time) ([]ledger.ServiceTotal, error) {
	return nil, errStoreDown
}
func (failingLedger) OverallStats(ctx context.Context, since, until time.Time) (*ledger.Stats, error) {
	return nil, errStoreDown
}

func testDefaults() limits.Defaults {
	return limits.Defaults{MonthlyLimit: 10.0, DailyLimit: 2.0, HourlyRequests: 20}
}

func newTestEnforcer(led ledger.Store, lims limits.Store, journal reconcile.Journal) *Enforcer {
	est := costs.NewEstimator(map[string]float64{"groq": 0.20})
	opts := Options{
		AlertThreshold: 0.8,
		AdminUserIDs:   map[string]struct{}{"admin-1": {}},
	}
	tracer := noop.NewTracerProvider().Tracer("test")
	return NewEnforcer(led, lims, est, journal, opts, tracer, zap.NewNop())
}

func setup() (*Enforcer, *ledger.MemoryStore, *limits.MemoryStore, *reconcile.MemoryJournal) {
	led := ledger.NewMemoryStore()
	lims := limits.NewMemoryStore(testDefaults())
	journal := reconcile.NewMemoryJournal()
	return newTestEnforcer(led, lims, journal), led, lims, journal
}

func fixClock(e *Enforcer, at time.Time) func(time.Time) {
	current := at
	e.now = func() time.Time { return current }
	return func(t time.Time) { current = t }
}

func TestCheckAndReserve_NewUserAdmits(t *testing.T) {
	e, _, _, _ := setup()

	d, err := e.CheckAndReserve(context.Background(), "fresh-user", "groq")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Warnings)
}

func TestCheckAndReserve_HourlyCeilingAndReset(t *testing.T) {
	e, _, _, _ := setup()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	advance := fixClock(e, t0)

	// 20 zero-cost chart requests exhaust the hourly ceiling
	for i := 0; i < 20; i++ {
		advance(t0.Add(time.Duration(i) * time.Second))
		d, err := e.CheckAndReserve(ctx, "u1", "chart")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
		require.NoError(t, e.RecordUsage(ctx, "u1", "chart", 0, 0, "chart", nil))
	}

	// the 21st request of any service is denied
	advance(t0.Add(time.Minute))
	d, err := e.CheckAndReserve(ctx, "u1", "groq")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Equal(t, 20.0, d.Used)
	assert.Equal(t, 20.0, d.Limit)
	assert.Equal(t, t0.Add(61*time.Minute), d.ResetAt)

	// once the burst exits the trailing 60-minute window, admission resumes
	advance(t0.Add(61 * time.Minute))
	d, err = e.CheckAndReserve(ctx, "u1", "groq")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckAndReserve_DailyBoundaryIsInclusive(t *testing.T) {
	e, _, _, _ := setup()
	ctx := context.Background()
	advance := fixClock(e, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	// 10000 tokens at $0.20/1K = exactly the $2.00 daily default
	require.NoError(t, e.RecordUsage(ctx, "u1", "groq", 10000, 0, "analysis", nil))
	advance(time.Date(2026, 3, 10, 12, 0, 1, 0, time.UTC))

	d, err := e.CheckAndReserve(ctx, "u1", "groq")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyLimitExceeded, d.Reason)
	assert.InDelta(t, 2.0, d.Used, 1e-9)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), d.ResetAt)
}

func TestCheckAndReserve_JustBelowDailyLimitAdmitsWithWarning(t *testing.T) {
	e, _, _, _ := setup()
	ctx := context.Background()
	advance := fixClock(e, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	// $1.60 of the $2.00 daily budget: 80% threshold crossed
	require.NoError(t, e.RecordUsage(ctx, "u1", "groq", 8000, 0, "analysis", nil))
	advance(time.Date(2026, 3, 10, 12, 0, 1, 0, time.UTC))

	d, err := e.CheckAndReserve(ctx, "u1", "groq")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.Len(t, d.Warnings, 1)
	assert.Equal(t, "daily", d.Warnings[0].Budget)
	assert.InDelta(t, 0.8, d.Warnings[0].Fraction, 1e-9)
}

func TestCheckAndReserve_NoWarningBelowThreshold(t *testing.T) {
	e, _, _, _ := setup()
	ctx := context.Background()
	advance := fixClock(e, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	require.NoError(t, e.RecordUsage(ctx, "u1", "groq", 1000, 0, "analysis", nil)) // $0.20
	advance(time.Date(2026, 3, 10, 12, 0, 1, 0, time.UTC))

	d, err := e.CheckAndReserve(ctx, "u1", "groq")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Warnings)
}

func TestCheckAndReserve_MonthlyLimit(t *testing.T) {
	e, _, lims, _ := setup()
	ctx := context.Background()
	advance := fixClock(e, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	// raise the daily ceiling so the monthly one binds first
	daily := 100.0
	_, err := lims.SetLimits(ctx, "u1", limits.Override{DailyLimit: &daily})
	require.NoError(t, err)

	// $10.00: 50000 tokens at $0.20/1K hits the monthly default exactly
	require.NoError(t, e.RecordUsage(ctx, "u1", "groq", 50000, 0, "analysis", nil))
	advance(time.Date(2026, 3, 10, 12, 0, 1, 0, time.UTC))

	d, err := e.CheckAndReserve(ctx, "u1", "groq")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMonthlyLimitExceeded, d.Reason)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), d.ResetAt)
}

func TestCheckAndReserve_SpendResetsAtUTCBoundaries(t *testing.T) {
	e, _, _, _ := setup()
	ctx := context.Background()
	advance := fixClock(e, time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC))

	require.NoError(t, e.RecordUsage(ctx, "u1", "groq", 10000, 0, "analysis", nil)) // $2.00
	advance(time.Date(2026, 3, 31, 23, 0, 1, 0, time.UTC))

	d, err := e.CheckAndReserve(ctx, "u1", "groq")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// past UTC midnight the March spend no longer counts against April
	advance(time.Date(2026, 4, 1, 0, 30, 0, 0, time.UTC))
	d, err = e.CheckAndReserve(ctx, "u1", "groq")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckAndReserve_UnmeteredServiceSkipsSpendChecks(t *testing.T) {
	e, _, _, _ := setup()
	ctx := context.Background()
	advance := fixClock(e, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	// exhaust the daily budget
	require.NoError(t, e.RecordUsage(ctx, "u1", "groq", 10000, 0, "analysis", nil))
	advance(time.Date(2026, 3, 10, 12, 0, 1, 0, time.UTC))

	dGroq, err := e.CheckAndReserve(ctx, "u1", "groq")
	require.NoError(t, err)
	assert.False(t, dGroq.Allowed)

	// chart rendering is free and stays available
	dChart, err := e.CheckAndReserve(ctx, "u1", "chart")
	require.NoError(t, err)
	assert.True(t, dChart.Allowed)
}

func TestCheckAndReserve_AdminBypassesEnforcement(t *testing.T) {
	e, _, _, _ := setup()
	ctx := context.Background()
	fixClock(e, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	require.NoError(t, e.RecordUsage(ctx, "admin-1", "groq", 50000, 0, "analysis", nil))

	d, err := e.CheckAndReserve(ctx, "admin-1", "groq")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckAndReserve_FailsClosedOnStorageError(t *testing.T) {
	lims := limits.NewMemoryStore(testDefaults())
	e := newTestEnforcer(failingLedger{}, lims, reconcile.NewMemoryJournal())

	d, err := e.CheckAndReserve(context.Background(), "u1", "groq")
	assert.Nil(t, d)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestRecordUsage_AppendsCostFixedAtWriteTime(t *testing.T) {
	e, led, _, _ := setup()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fixClock(e, t0)

	require.NoError(t, e.RecordUsage(ctx, "u1", "groq", 1500, 500, "analysis",
		map[string]string{"symbol": "BTC"}))

	total, err := led.SumCost(ctx, "u1", t0.Add(-time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 0.40, total, 1e-9) // 2000 tokens at $0.20/1K

	count, err := led.CountRequests(ctx, "u1", t0.Add(-time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRecordUsage_FailureJournalsForReconciliation(t *testing.T) {
	lims := limits.NewMemoryStore(testDefaults())
	journal := reconcile.NewMemoryJournal()
	e := newTestEnforcer(failingLedger{}, lims, journal)

	err := e.RecordUsage(context.Background(), "u1", "groq", 1000, 0, "analysis", nil)
	assert.ErrorIs(t, err, ErrRecordWriteFailed)

	entries := journal.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "groq", entries[0].Service)
	assert.InDelta(t, 0.20, entries[0].EstimatedCost, 1e-9)
	assert.Equal(t, errStoreDown.Error(), entries[0].Reason)
}

func TestGetUserSummary(t *testing.T) {
	e, _, _, _ := setup()
	ctx := context.Background()
	advance := fixClock(e, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	require.NoError(t, e.RecordUsage(ctx, "u1", "groq", 4000, 0, "analysis", nil)) // $0.80
	require.NoError(t, e.RecordUsage(ctx, "u1", "chart", 0, 0, "chart", nil))
	advance(time.Date(2026, 3, 10, 12, 0, 1, 0, time.UTC))

	s, err := e.GetUserSummary(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.80, s.MonthSpend, 1e-9)
	assert.InDelta(t, 0.80, s.DaySpend, 1e-9)
	assert.Equal(t, int64(2), s.HourCount)
	assert.Equal(t, 10.0, s.MonthLimit)
	assert.Equal(t, 2.0, s.DayLimit)
	assert.Equal(t, 20, s.HourLimit)

	// reads are idempotent
	again, err := e.GetUserSummary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, s, again)
}

func TestSequentialEnforcementIsExactOnRead(t *testing.T) {
	e, _, lims, _ := setup()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	advance := fixClock(e, t0)

	hourly := 5
	_, err := lims.SetLimits(ctx, "u1", limits.Override{HourlyRequests: &hourly})
	require.NoError(t, err)

	admitted := 0
	for i := 0; i < 10; i++ {
		advance(t0.Add(time.Duration(i) * time.Second))
		d, err := e.CheckAndReserve(ctx, "u1", "chart")
		require.NoError(t, err)
		if d.Allowed {
			admitted++
			require.NoError(t, e.RecordUsage(ctx, "u1", "chart", 0, 0, "chart", nil))
		}
	}
	assert.Equal(t, 5, admitted)
}

// The check-then-act gap is an accepted soft-budget property: concurrent
// in-flight requests for one user may collectively admit past the limit,
// bounded by the number of racers, and the ledger catches up on the next
// check. This test pins that bound and the catch-up behaviour.
func TestConcurrentOvershootIsBoundedByInFlightRequests(t *testing.T) {
	e, _, lims, _ := setup()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	advance := fixClock(e, t0)

	hourly := 5
	_, err := lims.SetLimits(ctx, "u1", limits.Override{HourlyRequests: &hourly})
	require.NoError(t, err)

	const racers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.CheckAndReserve(ctx, "u1", "chart")
			if err != nil || !d.Allowed {
				return
			}
			_ = e.RecordUsage(ctx, "u1", "chart", 0, 0, "chart", nil)
			mu.Lock()
			admitted++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, admitted, 5)
	assert.LessOrEqual(t, admitted, racers)

	// once everything is recorded, the next check sees the full count
	advance(t0.Add(time.Second))
	d, err := e.CheckAndReserve(ctx, "u1", "chart")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCrossUserIsolation(t *testing.T) {
	e, _, _, _ := setup()
	ctx := context.Background()
	advance := fixClock(e, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	// u1 exhausts the daily budget; u2 is unaffected
	require.NoError(t, e.RecordUsage(ctx, "u1", "groq", 10000, 0, "analysis", nil))
	advance(time.Date(2026, 3, 10, 12, 0, 1, 0, time.UTC))

	d1, err := e.CheckAndReserve(ctx, "u1", "groq")
	require.NoError(t, err)
	assert.False(t, d1.Allowed)

	d2, err := e.CheckAndReserve(ctx, "u2", "groq")
	require.NoError(t, err)
	assert.True(t, d2.Allowed)
}
