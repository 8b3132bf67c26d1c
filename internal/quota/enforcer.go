package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/coinsight/meterd/internal/costs"
	"github.com/coinsight/meterd/internal/ledger"
	"github.com/coinsight/meterd/internal/limits"
	"github.com/coinsight/meterd/internal/metrics"
	"github.com/coinsight/meterd/internal/reconcile"
)

type Options struct {
	// AlertThreshold is the fraction of a day/month budget at which an
	// admitted decision carries a warning.
	AlertThreshold float64
	// AdminUserIDs are exempt from enforcement. Their usage is still
	// recorded.
	AdminUserIDs map[string]struct{}
}

type Enforcer struct {
	ledger    ledger.Store // breaker-guarded
	limits    limits.Store
	estimator *costs.Estimator
	journal   reconcile.Journal
	opts      Options
	tracer    trace.Tracer
	log       *zap.Logger

	// one mutex per user id, serialising check/record for that user
	locks sync.Map

	now func() time.Time
}

func NewEnforcer(led ledger.Store, lim limits.Store, est *costs.Estimator, journal reconcile.Journal, opts Options, tracer trace.Tracer, log *zap.Logger) *Enforcer {
	return &Enforcer{
		ledger:    newGuardedStore(led),
		limits:    lim,
		estimator: est,
		journal:   journal,
		opts:      opts,
		tracer:    tracer,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (e *Enforcer) userLock(userID string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CheckAndReserve decides whether a prospective call for a service may
// proceed. Precedence: hourly request ceiling, then daily spend, then
// monthly spend; first match denies. Unmetered services skip the spend
// checks but still count toward the hourly ceiling. Nothing is reserved:
// the caller performs the action and then calls RecordUsage.
func (e *Enforcer) CheckAndReserve(ctx context.Context, userID, service string) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "quota.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("service", service),
	)

	if _, admin := e.opts.AdminUserIDs[userID]; admin {
		metrics.ObserveDecision("admitted")
		return &Decision{Allowed: true}, nil
	}

	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	lims, err := e.limits.GetLimits(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	now := e.now()

	hourCount, err := e.ledger.CountRequests(ctx, userID, now.Add(-time.Hour), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if hourCount >= int64(lims.HourlyRequests) {
		return e.deny(ReasonRateLimited, float64(hourCount), float64(lims.HourlyRequests), now.Add(time.Hour)), nil
	}

	if !e.estimator.Metered(service) {
		metrics.ObserveDecision("admitted")
		return &Decision{Allowed: true}, nil
	}

	daySpend, err := e.ledger.SumCost(ctx, userID, startOfDayUTC(now), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if daySpend >= lims.DailyLimit {
		return e.deny(ReasonDailyLimitExceeded, daySpend, lims.DailyLimit, startOfDayUTC(now).AddDate(0, 0, 1)), nil
	}

	monthSpend, err := e.ledger.SumCost(ctx, userID, startOfMonthUTC(now), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if monthSpend >= lims.MonthlyLimit {
		return e.deny(ReasonMonthlyLimitExceeded, monthSpend, lims.MonthlyLimit, startOfMonthUTC(now).AddDate(0, 1, 0)), nil
	}

	decision := &Decision{Allowed: true}
	decision.Warnings = appendWarning(decision.Warnings, "daily", daySpend, lims.DailyLimit, e.opts.AlertThreshold)
	decision.Warnings = appendWarning(decision.Warnings, "monthly", monthSpend, lims.MonthlyLimit, e.opts.AlertThreshold)

	metrics.ObserveDecision("admitted")
	return decision, nil
}

// RecordUsage appends one completed chargeable action to the ledger. It
// must be called exactly once, after the action succeeds. On a write
// failure the event is journaled for reconciliation and ErrRecordWriteFailed
// is returned; the caller must not retry.
func (e *Enforcer) RecordUsage(ctx context.Context, userID, service string, promptTokens, completionTokens int, requestType string, metadata map[string]string) error {
	ctx, span := e.tracer.Start(ctx, "quota.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("service", service),
	)

	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}

	cost := e.estimator.Estimate(service, promptTokens, completionTokens)
	rec := ledger.Record{
		UserID:        userID,
		Timestamp:     e.now(),
		Service:       service,
		TokensUsed:    promptTokens + completionTokens,
		EstimatedCost: cost,
		RequestType:   requestType,
		Metadata:      metadata,
	}

	if err := e.ledger.Append(ctx, &rec); err != nil {
		metrics.ObserveRecordFailure()
		e.log.Error("usage record write failed, journaling for reconciliation",
			zap.String("user_id", userID),
			zap.String("service", service),
			zap.Float64("estimated_cost", cost),
			zap.Error(err),
		)

		failed := &reconcile.FailedUsage{
			UserID:        rec.UserID,
			Timestamp:     rec.Timestamp,
			Service:       rec.Service,
			TokensUsed:    rec.TokensUsed,
			EstimatedCost: rec.EstimatedCost,
			RequestType:   rec.RequestType,
			Metadata:      rec.Metadata,
			FailedAt:      e.now(),
			Reason:        err.Error(),
		}
		if jerr := e.journal.Push(ctx, failed); jerr != nil {
			e.log.Error("reconciliation journal push failed, usage event lost",
				zap.String("user_id", userID),
				zap.Error(jerr),
			)
		}

		return fmt.Errorf("%w: %v", ErrRecordWriteFailed, err)
	}

	metrics.ObserveRecordedUsage(service, cost)
	e.log.Debug("usage recorded",
		zap.String("user_id", userID),
		zap.String("service", service),
		zap.Int("tokens", rec.TokensUsed),
		zap.Float64("estimated_cost", cost),
	)

	return nil
}

// GetUserSummary reports current consumption against the effective limits.
func (e *Enforcer) GetUserSummary(ctx context.Context, userID string) (*Summary, error) {
	ctx, span := e.tracer.Start(ctx, "quota.summary")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	lims, err := e.limits.GetLimits(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	now := e.now()

	monthSpend, err := e.ledger.SumCost(ctx, userID, startOfMonthUTC(now), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	daySpend, err := e.ledger.SumCost(ctx, userID, startOfDayUTC(now), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	hourCount, err := e.ledger.CountRequests(ctx, userID, now.Add(-time.Hour), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return &Summary{
		UserID:     userID,
		MonthSpend: monthSpend,
		MonthLimit: lims.MonthlyLimit,
		DaySpend:   daySpend,
		DayLimit:   lims.DailyLimit,
		HourCount:  hourCount,
		HourLimit:  lims.HourlyRequests,
	}, nil
}

func (e *Enforcer) deny(reason DenyReason, used, limit float64, resetAt time.Time) *Decision {
	metrics.ObserveDecision(string(reason))
	return &Decision{
		Allowed: false,
		Reason:  reason,
		Used:    used,
		Limit:   limit,
		ResetAt: resetAt,
	}
}

func appendWarning(warnings []Warning, budget string, used, limit, threshold float64) []Warning {
	if limit <= 0 {
		return warnings
	}
	fraction := used / limit
	if fraction >= threshold {
		warnings = append(warnings, Warning{
			Budget:   budget,
			Used:     used,
			Limit:    limit,
			Fraction: fraction,
		})
	}
	return warnings
}
