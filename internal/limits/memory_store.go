package limits

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and DSN-less development.
type MemoryStore struct {
	mu        sync.RWMutex
	defaults  Defaults
	overrides map[string]UserLimits
}

func NewMemoryStore(defaults Defaults) *MemoryStore {
	return &MemoryStore{
		defaults:  defaults,
		overrides: make(map[string]UserLimits),
	}
}

func (s *MemoryStore) GetLimits(ctx context.Context, userID string) (*UserLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if l, ok := s.overrides[userID]; ok {
		return &l, nil
	}

	now := time.Now().UTC()
	return &UserLimits{
		UserID:         userID,
		MonthlyLimit:   s.defaults.MonthlyLimit,
		DailyLimit:     s.defaults.DailyLimit,
		HourlyRequests: s.defaults.HourlyRequests,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *MemoryStore) SetLimits(ctx context.Context, userID string, o Override) (*UserLimits, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	l, ok := s.overrides[userID]
	if !ok {
		l = UserLimits{
			UserID:         userID,
			MonthlyLimit:   s.defaults.MonthlyLimit,
			DailyLimit:     s.defaults.DailyLimit,
			HourlyRequests: s.defaults.HourlyRequests,
			CreatedAt:      now,
		}
	}
	if o.MonthlyLimit != nil {
		l.MonthlyLimit = *o.MonthlyLimit
	}
	if o.DailyLimit != nil {
		l.DailyLimit = *o.DailyLimit
	}
	if o.HourlyRequests != nil {
		l.HourlyRequests = *o.HourlyRequests
	}
	l.UpdatedAt = now
	s.overrides[userID] = l

	return &l, nil
}
