package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	query := `
		INSERT INTO usage_records (id, user_id, timestamp, service, tokens_used, estimated_cost, request_type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.UserID, rec.Timestamp, rec.Service,
		rec.TokensUsed, rec.EstimatedCost, rec.RequestType, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}

	return nil
}

func (s *PostgresStore) SumCost(ctx context.Context, userID string, since, until time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(estimated_cost), 0)
		FROM usage_records
		WHERE user_id = $1 AND timestamp >= $2 AND timestamp < $3
	`
	var total float64
	err := s.db.QueryRow(ctx, query, userID, since, until).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost: %w", err)
	}

	return total, nil
}

func (s *PostgresStore) CountRequests(ctx context.Context, userID string, since, until time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM usage_records
		WHERE user_id = $1 AND timestamp >= $2 AND timestamp < $3
	`
	var count int64
	err := s.db.QueryRow(ctx, query, userID, since, until).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}

	return count, nil
}

func (s *PostgresStore) TopUsers(ctx context.Context, since, until time.Time, limit int) ([]UserCost, error) {
	query := `
		SELECT user_id, SUM(estimated_cost) AS total_cost
		FROM usage_records
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY user_id
		ORDER BY total_cost DESC, user_id ASC
		LIMIT $3
	`
	rows, err := s.db.Query(ctx, query, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top users: %w", err)
	}
	defer rows.Close()

	var users []UserCost
	for rows.Next() {
		var u UserCost
		if err := rows.Scan(&u.UserID, &u.TotalCost); err != nil {
			return nil, fmt.Errorf("failed to scan top user: %w", err)
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating top users: %w", err)
	}

	return users, nil
}

func (s *PostgresStore) ServiceTotals(ctx context.Context, userID string, since, until time.Time) ([]ServiceTotal, error) {
	query := `
		SELECT service, COALESCE(SUM(tokens_used), 0), COALESCE(SUM(estimated_cost), 0), COUNT(*)
		FROM usage_records
		WHERE user_id = $1 AND timestamp >= $2 AND timestamp < $3
		GROUP BY service
		ORDER BY service ASC
	`
	rows, err := s.db.Query(ctx, query, userID, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to query service totals: %w", err)
	}
	defer rows.Close()

	var totals []ServiceTotal
	for rows.Next() {
		var t ServiceTotal
		if err := rows.Scan(&t.Service, &t.Tokens, &t.Cost, &t.Requests); err != nil {
			return nil, fmt.Errorf("failed to scan service total: %w", err)
		}
		totals = append(totals, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating service totals: %w", err)
	}

	return totals, nil
}

func (s *PostgresStore) OverallStats(ctx context.Context, since, until time.Time) (*Stats, error) {
	query := `
		SELECT
			COUNT(DISTINCT user_id),
			COUNT(*),
			COALESCE(SUM(estimated_cost), 0),
			COALESCE(AVG(estimated_cost), 0)
		FROM usage_records
		WHERE timestamp >= $1 AND timestamp < $2
	`
	var st Stats
	err := s.db.QueryRow(ctx, query, since, until).Scan(
		&st.UniqueUsers, &st.TotalRequests, &st.TotalCost, &st.AvgCostPerRequest,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get overall stats: %w", err)
	}

	return &st, nil
}
