package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate-ai/tollgate/internal/middleware"
	"github.com/tollgate-ai/tollgate/internal/services/budget"
	"github.com/tollgate-ai/tollgate/internal/services/modelrouter"
)

// MetricsHandler serves the JSON metrics endpoints. The Prometheus
// endpoint is wired separately through promhttp.
type MetricsHandler struct {
	db     *gorm.DB
	budget *budget.Service
	router *modelrouter.Router
	logger *zap.Logger
}

func NewMetricsHandler(db *gorm.DB, budgetSvc *budget.Service, router *modelrouter.Router, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{db: db, budget: budgetSvc, router: router, logger: logger}
}

// Summary reports gateway-wide totals plus the per-model routing state.
func (h *MetricsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	var totals struct {
		TotalRequests int64
		TotalTokens   int64
		TotalCost     decimal.Decimal
		AvgLatencyMs  float64
	}
	err := h.db.WithContext(r.Context()).Raw(`
		SELECT COUNT(*) AS total_requests,
		       COALESCE(SUM(total_tokens), 0) AS total_tokens,
		       COALESCE(SUM(cost_usd), 0) AS total_cost,
		       COALESCE(AVG(latency_ms), 0) AS avg_latency_ms
		FROM token_usage`).Scan(&totals).Error
	if err != nil {
		h.logger.Error("Metrics summary query failed", zap.Error(err))
		middleware.SendError(w, http.StatusInternalServerError, "Failed to compute summary", "api_error")
		return
	}

	summary := map[string]any{
		"total_requests": totals.TotalRequests,
		"total_tokens":   totals.TotalTokens,
		"total_cost_usd": totals.TotalCost,
		"avg_latency_ms": totals.AvgLatencyMs,
		"models":         h.router.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// Usage reports rollups for the trailing day, week, or month.
func (h *MetricsHandler) Usage(w http.ResponseWriter, r *http.Request) {
	period := chi.URLParam(r, "period")
	switch period {
	case "day", "week", "month":
	default:
		middleware.SendError(w, http.StatusBadRequest, "period must be day, week, or month", "invalid_request_error")
		return
	}

	summary, err := h.budget.GetUsageByPeriod(r.Context(), period)
	if err != nil {
		h.logger.Error("Usage query failed", zap.Error(err))
		middleware.SendError(w, http.StatusInternalServerError, "Failed to compute usage", "api_error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}
