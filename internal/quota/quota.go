// Package quota answers the "may this request proceed?" question against a
// user's rolling hourly/daily/monthly budgets, and records completed usage
// to the ledger.
//
// Enforcement is check-then-act: CheckAndReserve reads current consumption
// and RecordUsage appends afterwards, with nothing reserved in between.
// A per-user mutex serialises each operation for one user while different
// users proceed fully in parallel. The gap between a check and its matching
// record is accepted as a soft budget: concurrent in-flight requests for
// one user may collectively admit past the limit, bounded by their number,
// and the ledger catches up on the next check. The caller performs the
// chargeable action between the two calls, so closing the gap would mean
// holding a lock across an expensive downstream request.
package quota

import (
	"errors"
	"time"
)

var (
	// ErrStorageUnavailable means the durable store could not be reached.
	// Checks fail closed on it; callers should present a retry-later
	// message, not a quota message.
	ErrStorageUnavailable = errors.New("usage storage unavailable")

	// ErrRecordWriteFailed means a completed chargeable action could not
	// be persisted. The event is journaled for reconciliation and must
	// not be blindly retried.
	ErrRecordWriteFailed = errors.New("usage record write failed")
)

type DenyReason string

const (
	ReasonRateLimited          DenyReason = "RATE_LIMITED"
	ReasonDailyLimitExceeded   DenyReason = "DAILY_LIMIT_EXCEEDED"
	ReasonMonthlyLimitExceeded DenyReason = "MONTHLY_LIMIT_EXCEEDED"
)

// Warning is attached to an admitted decision when consumption crosses the
// alert threshold of a budget. It never changes the decision.
type Warning struct {
	Budget   string  `json:"budget"` // "daily" or "monthly"
	Used     float64 `json:"used"`
	Limit    float64 `json:"limit"`
	Fraction float64 `json:"fraction"`
}

// Decision is the outcome of CheckAndReserve. Denials are values, not
// errors. Used and Limit hold dollars for spend denials and request counts
// for rate denials.
type Decision struct {
	Allowed  bool       `json:"allowed"`
	Reason   DenyReason `json:"reason,omitempty"`
	Used     float64    `json:"used,omitempty"`
	Limit    float64    `json:"limit,omitempty"`
	ResetAt  time.Time  `json:"reset_at,omitzero"`
	Warnings []Warning  `json:"warnings,omitempty"`
}

// Summary is the self-service "my usage" view for one user.
type Summary struct {
	UserID     string  `json:"user_id"`
	MonthSpend float64 `json:"month_spend"`
	MonthLimit float64 `json:"month_limit"`
	DaySpend   float64 `json:"day_spend"`
	DayLimit   float64 `json:"day_limit"`
	HourCount  int64   `json:"hour_count"`
	HourLimit  int     `json:"hour_limit"`
}

// Calendar boundaries are UTC, consistent with ledger timestamps.

func startOfDayUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfMonthUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
