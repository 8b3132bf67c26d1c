package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheTTL = 5 * time.Minute

// CachedStore is a redis read-through cache in front of another Store.
// Limits change rarely (only via admin override), so stale reads of up to
// cacheTTL are acceptable for GetLimits; SetLimits invalidates eagerly.
type CachedStore struct {
	inner Store
	cache *redis.Client
	log   *zap.Logger
}

func NewCachedStore(inner Store, cache *redis.Client, log *zap.Logger) Store {
	return &CachedStore{inner: inner, cache: cache, log: log}
}

func cacheKey(userID string) string {
	return fmt.Sprintf("limits:user:%s", userID)
}

func (s *CachedStore) GetLimits(ctx context.Context, userID string) (*UserLimits, error) {
	key := cacheKey(userID)

	var cached UserLimits
	err := s.cache.Get(ctx, key).Scan(&cached)
	if err == nil {
		return &cached, nil
	}
	if err != redis.Nil {
		s.log.Warn("limits cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	l, err := s.inner.GetLimits(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, key, l, cacheTTL).Err(); err != nil {
		s.log.Warn("limits cache write failed", zap.String("user_id", userID), zap.Error(err))
	}

	return l, nil
}

func (s *CachedStore) SetLimits(ctx context.Context, userID string, o Override) (*UserLimits, error) {
	l, err := s.inner.SetLimits(ctx, userID, o)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Del(ctx, cacheKey(userID)).Err(); err != nil {
		s.log.Warn("limits cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}

	return l, nil
}
