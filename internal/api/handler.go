package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/coinsight/meterd/internal/limits"
	"github.com/coinsight/meterd/internal/quota"
	"github.com/coinsight/meterd/internal/report"
)

type Handler struct {
	enforcer *quota.Enforcer
	limits   limits.Store
	reporter *report.Reporter
	log      *zap.Logger
}

func NewHandler(enforcer *quota.Enforcer, lims limits.Store, reporter *report.Reporter, log *zap.Logger) *Handler {
	return &Handler{
		enforcer: enforcer,
		limits:   lims,
		reporter: reporter,
		log:      log,
	}
}

type checkRequest struct {
	UserID  string `json:"user_id"`
	Service string `json:"service"`
}

type checkResponse struct {
	*quota.Decision
	Message string `json:"message,omitempty"`
}

// HandleCheck answers whether a prospective call may proceed. Denials are
// 200 responses carrying the decision; only storage trouble is an error
// status.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Service == "" {
		writeError(w, http.StatusBadRequest, "user_id and service are required")
		return
	}

	decision, err := h.enforcer.CheckAndReserve(r.Context(), req.UserID, req.Service)
	if err != nil {
		if errors.Is(err, quota.ErrStorageUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "usage storage unavailable, try again later")
			return
		}
		h.log.Error("quota check failed", zap.String("user_id", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{
		Decision: decision,
		Message:  friendlyMessage(decision),
	})
}

type recordRequest struct {
	UserID           string            `json:"user_id"`
	Service          string            `json:"service"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	RequestType      string            `json:"request_type"`
	Metadata         map[string]string `json:"metadata"`
}

// HandleRecord persists one completed chargeable action.
func (h *Handler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Service == "" {
		writeError(w, http.StatusBadRequest, "user_id and service are required")
		return
	}

	err := h.enforcer.RecordUsage(r.Context(), req.UserID, req.Service,
		req.PromptTokens, req.CompletionTokens, req.RequestType, req.Metadata)
	if err != nil {
		if errors.Is(err, quota.ErrRecordWriteFailed) {
			writeError(w, http.StatusInternalServerError, "usage record write failed, flagged for reconciliation")
			return
		}
		h.log.Error("record usage failed", zap.String("user_id", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

// HandleSummary serves the self-service "my usage" view.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userID is required")
		return
	}

	summary, err := h.enforcer.GetUserSummary(r.Context(), userID)
	if err != nil {
		if errors.Is(err, quota.ErrStorageUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "usage storage unavailable, try again later")
			return
		}
		h.log.Error("summary failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// HandleBreakdown serves one user's per-service totals.
func (h *Handler) HandleBreakdown(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userID is required")
		return
	}

	totals, err := h.reporter.UserBreakdown(r.Context(), userID, queryInt(r, "days", 30))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"services": totals,
	})
}

type setLimitsRequest struct {
	MonthlyLimit   *float64 `json:"monthly_limit"`
	DailyLimit     *float64 `json:"daily_limit"`
	HourlyRequests *int     `json:"hourly_requests"`
}

// HandleSetLimits applies an administrative limit override. The admin
// identity check happens in middleware before this runs.
func (h *Handler) HandleSetLimits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userID is required")
		return
	}

	var req setLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.limits.SetLimits(r.Context(), userID, limits.Override{
		MonthlyLimit:   req.MonthlyLimit,
		DailyLimit:     req.DailyLimit,
		HourlyRequests: req.HourlyRequests,
	})
	if err != nil {
		if errors.Is(err, limits.ErrInvalidOverride) {
			writeError(w, http.StatusBadRequest, "limits must be non-negative")
			return
		}
		h.log.Error("set limits failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.log.Info("limits updated",
		zap.String("user_id", userID),
		zap.String("admin", GetActorID(r.Context())),
	)
	writeJSON(w, http.StatusOK, updated)
}

// HandleTopUsers serves the heaviest spenders over a trailing period.
func (h *Handler) HandleTopUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.reporter.TopUsers(r.Context(), queryInt(r, "days", 30), queryInt(r, "limit", 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// HandleStats serves overall usage statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	stats, err := h.reporter.OverallStats(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"period_days":          days,
		"unique_users":         stats.UniqueUsers,
		"total_requests":       stats.TotalRequests,
		"total_cost_usd":       stats.TotalCost,
		"avg_cost_per_request": stats.AvgCostPerRequest,
	})
}

func friendlyMessage(d *quota.Decision) string {
	if !d.Allowed {
		reset := d.ResetAt.UTC().Format(time.RFC3339)
		switch d.Reason {
		case quota.ReasonRateLimited:
			return fmt.Sprintf("hourly request limit of %.0f reached, resets by %s", d.Limit, reset)
		case quota.ReasonDailyLimitExceeded:
			return fmt.Sprintf("daily budget of $%.2f reached, resets at %s", d.Limit, reset)
		case quota.ReasonMonthlyLimitExceeded:
			return fmt.Sprintf("monthly budget of $%.2f reached, resets at %s", d.Limit, reset)
		}
		return "request denied"
	}
	if len(d.Warnings) > 0 {
		w := d.Warnings[0]
		return fmt.Sprintf("approaching your %s budget: $%.2f of $%.2f used", w.Budget, w.Used, w.Limit)
	}
	return ""
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
