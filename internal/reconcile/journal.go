// Package reconcile holds usage events whose ledger append failed after the
// chargeable action already happened. These events must not be retried
// automatically (no idempotency key exists, a blind retry could
// double-count); instead they are journaled for operator reconciliation.
package reconcile

import (
	"context"
	"sync"
	"time"
)

// FailedUsage is a usage event that could not be persisted to the ledger.
type FailedUsage struct {
	UserID        string            `json:"user_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Service       string            `json:"service"`
	TokensUsed    int               `json:"tokens_used"`
	EstimatedCost float64           `json:"estimated_cost"`
	RequestType   string            `json:"request_type"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	FailedAt      time.Time         `json:"failed_at"`
	Reason        string            `json:"reason"`
}

// Journal accepts failed usage events. Implementations never drain entries
// on their own; reconciliation is an explicit operator action.
type Journal interface {
	Push(ctx context.Context, f *FailedUsage) error
}

// MemoryJournal keeps entries in memory, for tests and DSN-less runs.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []FailedUsage
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Push(ctx context.Context, f *FailedUsage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, *f)
	return nil
}

// Entries returns a copy of all journaled events.
func (j *MemoryJournal) Entries() []FailedUsage {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]FailedUsage, len(j.entries))
	copy(out, j.entries)
	return out
}
