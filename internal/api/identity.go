package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coinsight/meterd/pkg/ratelimit"
)

type contextKey string

const (
	actorIDKey   contextKey = "actor_id"
	requestIDKey contextKey = "request_id"
)

// Identity tags every request with a request id and extracts the calling
// identity from X-Actor-ID. The collaborators (bot backend, CLI) are
// trusted to assert the identity; this service only checks it against the
// admin allow-list where required.
func Identity() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			if actor := r.Header.Get("X-Actor-ID"); actor != "" {
				ctx = context.WithValue(ctx, actorIDKey, actor)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminOnly rejects requests whose actor is not on the admin allow-list.
func AdminOnly(admins map[string]struct{}) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := GetActorID(r.Context())
			if actor == "" {
				writeError(w, http.StatusUnauthorized, "missing X-Actor-ID header")
				return
			}
			if _, ok := admins[actor]; !ok {
				writeError(w, http.StatusForbidden, "admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Throttle applies the transport-level per-actor request throttle.
func Throttle(limiter *ratelimit.Limiter, log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := GetActorID(r.Context())
			if actor == "" {
				actor = "anonymous"
			}

			allowed, err := limiter.Allow(r.Context(), actor)
			if err != nil {
				// The throttle is advisory; quota enforcement still
				// guards the budget, so let the request through.
				log.Warn("throttle check failed", zap.String("actor", actor), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Helpers to extract from context
func GetActorID(ctx context.Context) string {
	if id, ok := ctx.Value(actorIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorIDKey, actorID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
