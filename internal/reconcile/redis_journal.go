package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const journalKey = "reconcile:failed_usage"

// RedisJournal pushes failed usage events onto a redis list so they survive
// process restarts and can be inspected with plain redis tooling.
type RedisJournal struct {
	rdb *redis.Client
}

func NewRedisJournal(rdb *redis.Client) *RedisJournal {
	return &RedisJournal{rdb: rdb}
}

func (j *RedisJournal) Push(ctx context.Context, f *FailedUsage) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal failed usage: %w", err)
	}

	if err := j.rdb.LPush(ctx, journalKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to journal failed usage: %w", err)
	}

	return nil
}
