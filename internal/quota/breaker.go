package quota

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coinsight/meterd/internal/ledger"
)

// guardedStore wraps the ledger behind a circuit breaker so a flapping
// store fails fast instead of stalling every quota check. An open breaker
// surfaces as a storage error, which the enforcer treats as fail-closed.
type guardedStore struct {
	inner ledger.Store
	cb    *gobreaker.CircuitBreaker
}

func newGuardedStore(inner ledger.Store) *guardedStore {
	settings := gobreaker.Settings{
		Name:        "usage-ledger",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &guardedStore{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *guardedStore) Append(ctx context.Context, rec *ledger.Record) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.inner.Append(ctx, rec)
	})
	return err
}

func (g *guardedStore) SumCost(ctx context.Context, userID string, since, until time.Time) (float64, error) {
	result, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.SumCost(ctx, userID, since, until)
	})
	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

func (g *guardedStore) CountRequests(ctx context.Context, userID string, since, until time.Time) (int64, error) {
	result, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.CountRequests(ctx, userID, since, until)
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

func (g *guardedStore) TopUsers(ctx context.Context, since, until time.Time, limit int) ([]ledger.UserCost, error) {
	result, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.TopUsers(ctx, since, until, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]ledger.UserCost), nil
}

func (g *guardedStore) ServiceTotals(ctx context.Context, userID string, since, until time.Time) ([]ledger.ServiceTotal, error) {
	result, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.ServiceTotals(ctx, userID, since, until)
	})
	if err != nil {
		return nil, err
	}
	return result.([]ledger.ServiceTotal), nil
}

func (g *guardedStore) OverallStats(ctx context.Context, since, until time.Time) (*ledger.Stats, error) {
	result, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.OverallStats(ctx, since, until)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ledger.Stats), nil
}
