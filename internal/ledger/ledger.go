package ledger

import (
	"context"
	"time"
)

// Record is one chargeable API call made on behalf of a user. Records are
// append-only: once written they are never mutated or deleted, and the cost
// fixed at write time is never recomputed.
type Record struct {
	ID            string
	UserID        string
	Timestamp     time.Time // UTC
	Service       string
	TokensUsed    int
	EstimatedCost float64
	RequestType   string
	Metadata      map[string]string
}

// UserCost pairs a user with their total estimated cost over some interval.
type UserCost struct {
	UserID    string
	TotalCost float64
}

// ServiceTotal aggregates one user's usage of a single service.
type ServiceTotal struct {
	Service  string
	Tokens   int64
	Cost     float64
	Requests int64
}

// Stats summarises all usage across users for an interval.
type Stats struct {
	UniqueUsers       int64
	TotalRequests     int64
	TotalCost         float64
	AvgCostPerRequest float64
}

// Store is the durable append-only usage ledger. All interval queries use
// half-open [since, until) ranges on the record timestamp.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	SumCost(ctx context.Context, userID string, since, until time.Time) (float64, error)
	CountRequests(ctx context.Context, userID string, since, until time.Time) (int64, error)
	// TopUsers returns users ordered by total cost descending, ties broken
	// by user_id ascending.
	TopUsers(ctx context.Context, since, until time.Time, limit int) ([]UserCost, error)
	ServiceTotals(ctx context.Context, userID string, since, until time.Time) ([]ServiceTotal, error)
	OverallStats(ctx context.Context, since, until time.Time) (*Stats, error)
}
