// Package report provides read-only aggregation over the usage ledger for
// admin tooling. Nothing here mutates stored state.
package report

import (
	"context"
	"time"

	"github.com/coinsight/meterd/internal/ledger"
)

const (
	defaultDays  = 30
	defaultLimit = 10
)

type Reporter struct {
	ledger ledger.Store
	now    func() time.Time
}

func NewReporter(led ledger.Store) *Reporter {
	return &Reporter{
		ledger: led,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// TopUsers returns the heaviest spenders over the trailing period,
// descending by cost with ties broken by user id.
func (r *Reporter) TopUsers(ctx context.Context, days, limit int) ([]ledger.UserCost, error) {
	if days <= 0 {
		days = defaultDays
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	now := r.now()
	return r.ledger.TopUsers(ctx, now.AddDate(0, 0, -days), now, limit)
}

// OverallStats summarises usage across all users over the trailing period.
func (r *Reporter) OverallStats(ctx context.Context, days int) (*ledger.Stats, error) {
	if days <= 0 {
		days = defaultDays
	}
	now := r.now()
	return r.ledger.OverallStats(ctx, now.AddDate(0, 0, -days), now)
}

// UserBreakdown returns one user's per-service totals over the trailing
// period.
func (r *Reporter) UserBreakdown(ctx context.Context, userID string, days int) ([]ledger.ServiceTotal, error) {
	if days <= 0 {
		days = defaultDays
	}
	now := r.now()
	return r.ledger.ServiceTotals(ctx, userID, now.AddDate(0, 0, -days), now)
}
