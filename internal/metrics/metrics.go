package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	quotaDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "quota_decisions_total",
			Help:      "Quota check decisions by outcome",
		},
		[]string{"outcome"},
	)

	usageRecordedCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "usage_recorded_cost_usd_total",
			Help:      "Estimated cost recorded to the ledger, by service",
		},
		[]string{"service"},
	)

	usageRecordFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "usage_record_failures_total",
			Help:      "Usage events that failed to persist and were journaled",
		},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meterd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(quotaDecisionsTotal)
	prometheus.MustRegister(usageRecordedCost)
	prometheus.MustRegister(usageRecordFailures)
	prometheus.MustRegister(httpRequestDuration)
}

// ObserveDecision counts one quota decision. Outcome is "admitted" or the
// denial reason.
func ObserveDecision(outcome string) {
	quotaDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRecordedUsage counts cost successfully appended to the ledger.
func ObserveRecordedUsage(service string, cost float64) {
	usageRecordedCost.WithLabelValues(service).Add(cost)
}

// ObserveRecordFailure counts a failed-and-journaled usage event.
func ObserveRecordFailure() {
	usageRecordFailures.Inc()
}

// Middleware records HTTP request duration per chi route pattern.
func Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			path := chi.RouteContext(r.Context()).RoutePattern()
			if path == "" {
				path = "unknown"
			}
			httpRequestDuration.WithLabelValues(
				r.Method, path, strconv.Itoa(ww.status),
			).Observe(time.Since(start).Seconds())
		})
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}
