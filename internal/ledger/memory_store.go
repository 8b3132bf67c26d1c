package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used in tests and DSN-less development
// runs. It provides the same [since, until) interval semantics as the
// Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	s.records = append(s.records, *rec)
	return nil
}

func (s *MemoryStore) SumCost(ctx context.Context, userID string, since, until time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, r := range s.records {
		if r.UserID == userID && inRange(r.Timestamp, since, until) {
			total += r.EstimatedCost
		}
	}
	return total, nil
}

func (s *MemoryStore) CountRequests(ctx context.Context, userID string, since, until time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, r := range s.records {
		if r.UserID == userID && inRange(r.Timestamp, since, until) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) TopUsers(ctx context.Context, since, until time.Time, limit int) ([]UserCost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]float64)
	for _, r := range s.records {
		if inRange(r.Timestamp, since, until) {
			totals[r.UserID] += r.EstimatedCost
		}
	}

	users := make([]UserCost, 0, len(totals))
	for id, cost := range totals {
		users = append(users, UserCost{UserID: id, TotalCost: cost})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].TotalCost != users[j].TotalCost {
			return users[i].TotalCost > users[j].TotalCost
		}
		return users[i].UserID < users[j].UserID
	})

	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (s *MemoryStore) ServiceTotals(ctx context.Context, userID string, since, until time.Time) ([]ServiceTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]*ServiceTotal)
	for _, r := range s.records {
		if r.UserID != userID || !inRange(r.Timestamp, since, until) {
			continue
		}
		t, ok := totals[r.Service]
		if !ok {
			t = &ServiceTotal{Service: r.Service}
			totals[r.Service] = t
		}
		t.Tokens += int64(r.TokensUsed)
		t.Cost += r.EstimatedCost
		t.Requests++
	}

	out := make([]ServiceTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

func (s *MemoryStore) OverallStats(ctx context.Context, since, until time.Time) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make(map[string]struct{})
	var st Stats
	for _, r := range s.records {
		if !inRange(r.Timestamp, since, until) {
			continue
		}
		users[r.UserID] = struct{}{}
		st.TotalRequests++
		st.TotalCost += r.EstimatedCost
	}
	st.UniqueUsers = int64(len(users))
	if st.TotalRequests > 0 {
		st.AvgCostPerRequest = st.TotalCost / float64(st.TotalRequests)
	}
	return &st, nil
}

func inRange(ts, since, until time.Time) bool {
	return !ts.Before(since) && ts.Before(until)
}
