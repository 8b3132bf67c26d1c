package limits

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidOverride is returned when an administrative override carries a
// negative or otherwise nonsensical limit. State is never mutated in that
// case.
var ErrInvalidOverride = errors.New("invalid limit override")

// UserLimits are the effective ceilings for one user. A row only exists in
// the store once an admin override has been applied; until then the
// process-wide defaults apply.
type UserLimits struct {
	UserID         string    `json:"user_id"`
	MonthlyLimit   float64   `json:"monthly_limit"`   // USD
	DailyLimit     float64   `json:"daily_limit"`     // USD
	HourlyRequests int       `json:"hourly_requests"` // trailing 60-minute window
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (l *UserLimits) MarshalBinary() ([]byte, error) {
	return json.Marshal(l)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (l *UserLimits) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, l)
}

// Defaults are the process-wide limits, read once from config at startup
// and immutable for the process lifetime.
type Defaults struct {
	MonthlyLimit   float64
	DailyLimit     float64
	HourlyRequests int
}

// Override carries the fields of an administrative limit update. Nil fields
// retain the prior (or default) value.
type Override struct {
	MonthlyLimit   *float64
	DailyLimit     *float64
	HourlyRequests *int
}

// Validate rejects negative values before any state is touched.
func (o Override) Validate() error {
	if o.MonthlyLimit != nil && *o.MonthlyLimit < 0 {
		return ErrInvalidOverride
	}
	if o.DailyLimit != nil && *o.DailyLimit < 0 {
		return ErrInvalidOverride
	}
	if o.HourlyRequests != nil && *o.HourlyRequests < 0 {
		return ErrInvalidOverride
	}
	return nil
}

type Store interface {
	// GetLimits returns the override row if present, else the defaults.
	// It never fails with a not-found condition.
	GetLimits(ctx context.Context, userID string) (*UserLimits, error)
	// SetLimits upserts an override row. Unset fields keep their prior
	// (or default) values; created_at is preserved across updates.
	SetLimits(ctx context.Context, userID string, o Override) (*UserLimits, error)
}
