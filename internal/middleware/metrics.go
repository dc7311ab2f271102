package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tollgate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	activeRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_active_requests",
			Help: "Number of requests currently in flight",
		},
	)

	llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_llm_requests_total",
			Help: "Total number of upstream LLM requests",
		},
		[]string{"model", "provider", "status"},
	)

	llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tollgate_llm_request_duration_seconds",
			Help:    "Upstream LLM request latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"model", "provider"},
	)

	llmTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_llm_tokens_total",
			Help: "Total tokens processed, by direction",
		},
		[]string{"model", "provider", "type"}, // type: prompt, completion
	)

	requestCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_request_cost_usd_total",
			Help: "Accumulated settled cost in US dollars",
		},
		[]string{"model", "provider"},
	)

	budgetRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_budget_rejections_total",
			Help: "Requests rejected for insufficient budget",
		},
		[]string{"tenant"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// Metrics records request counters and latency histograms per route.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		activeRequests.Inc()
		defer activeRequests.Dec()

		ww := newResponseRecorder(w)
		next.ServeHTTP(ww, r)

		endpoint := routePattern(r)
		status := strconv.Itoa(ww.Status())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, endpoint, status).Observe(time.Since(start).Seconds())

		if ww.Status() == http.StatusTooManyRequests {
			rateLimitRejections.Inc()
		}
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// RecordLLMRequest tracks one upstream call.
func RecordLLMRequest(model, provider string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	llmRequestsTotal.WithLabelValues(model, provider, status).Inc()
	if success {
		llmRequestDuration.WithLabelValues(model, provider).Observe(duration.Seconds())
	}
}

// RecordTokens tracks settled token usage.
func RecordTokens(model, provider string, promptTokens, completionTokens int) {
	llmTokensTotal.WithLabelValues(model, provider, "prompt").Add(float64(promptTokens))
	llmTokensTotal.WithLabelValues(model, provider, "completion").Add(float64(completionTokens))
}

// RecordCost tracks settled spend.
func RecordCost(model, provider string, costUSD float64) {
	requestCostTotal.WithLabelValues(model, provider).Add(costUSD)
}

// RecordBudgetRejection tracks a 402.
func RecordBudgetRejection(tenant string) {
	budgetRejections.WithLabelValues(tenant).Inc()
}
