package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db       DB
	defaults Defaults
}

func NewPostgresStore(db DB, defaults Defaults) Store {
	return &PostgresStore{db: db, defaults: defaults}
}

func (s *PostgresStore) GetLimits(ctx context.Context, userID string) (*UserLimits, error) {
	query := `
		SELECT user_id, monthly_limit, daily_limit, hourly_requests, created_at, updated_at
		FROM user_limits
		WHERE user_id = $1
	`

	var l UserLimits
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&l.UserID, &l.MonthlyLimit, &l.DailyLimit, &l.HourlyRequests, &l.CreatedAt, &l.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.defaultLimits(userID), nil
		}
		return nil, fmt.Errorf("failed to get user limits: %w", err)
	}

	return &l, nil
}

func (s *PostgresStore) SetLimits(ctx context.Context, userID string, o Override) (*UserLimits, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	// Fill unset fields from the current effective limits so the upsert
	// never regresses a field the admin did not name.
	current, err := s.GetLimits(ctx, userID)
	if err != nil {
		return nil, err
	}
	if o.MonthlyLimit != nil {
		current.MonthlyLimit = *o.MonthlyLimit
	}
	if o.DailyLimit != nil {
		current.DailyLimit = *o.DailyLimit
	}
	if o.HourlyRequests != nil {
		current.HourlyRequests = *o.HourlyRequests
	}

	query := `
		INSERT INTO user_limits (user_id, monthly_limit, daily_limit, hourly_requests, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			monthly_limit = EXCLUDED.monthly_limit,
			daily_limit = EXCLUDED.daily_limit,
			hourly_requests = EXCLUDED.hourly_requests,
			updated_at = NOW()
		RETURNING user_id, monthly_limit, daily_limit, hourly_requests, created_at, updated_at
	`

	var l UserLimits
	err = s.db.QueryRow(ctx, query,
		userID, current.MonthlyLimit, current.DailyLimit, current.HourlyRequests,
	).Scan(&l.UserID, &l.MonthlyLimit, &l.DailyLimit, &l.HourlyRequests, &l.CreatedAt, &l.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to set user limits: %w", err)
	}

	return &l, nil
}

func (s *PostgresStore) defaultLimits(userID string) *UserLimits {
	now := time.Now().UTC()
	return &UserLimits{
		UserID:         userID,
		MonthlyLimit:   s.defaults.MonthlyLimit,
		DailyLimit:     s.defaults.DailyLimit,
		HourlyRequests: s.defaults.HourlyRequests,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
