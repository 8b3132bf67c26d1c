// Package seeder bootstraps the database schema. It runs only when
// RUN_MIGRATE=true, mirroring how the tables would be created by a proper
// migration tool in a managed deployment.
package seeder

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		service TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		request_type TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_user_timestamp
		ON usage_records (user_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_timestamp
		ON usage_records (timestamp)`,
	`CREATE TABLE IF NOT EXISTS user_limits (
		user_id TEXT PRIMARY KEY,
		monthly_limit DOUBLE PRECISION NOT NULL,
		daily_limit DOUBLE PRECISION NOT NULL,
		hourly_requests INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema. Statements are idempotent, so re-running on
// an existing database is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger) error {
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	log.Info("database schema ready")
	return nil
}
