package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tollgate-ai/tollgate/internal/database"
	"github.com/tollgate-ai/tollgate/internal/services/modelrouter"
	"github.com/tollgate-ai/tollgate/internal/services/vectorstore"
)

// HealthHandler serves the liveness and readiness endpoints. None of them
// require authentication.
type HealthHandler struct {
	redis   *redis.Client
	vectors *vectorstore.Store
	router  *modelrouter.Router
	started time.Time
}

func NewHealthHandler(redisClient *redis.Client, vectors *vectorstore.Store, router *modelrouter.Router) *HealthHandler {
	return &HealthHandler{
		redis:   redisClient,
		vectors: vectors,
		router:  router,
		started: time.Now(),
	}
}

type healthResponse struct {
	Status   string                   `json:"status"`
	Services map[string]serviceHealth `json:"services"`
}

type serviceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:   "ok",
		Services: make(map[string]serviceHealth),
	}

	if database.IsHealthy() {
		response.Services["database"] = serviceHealth{Status: "healthy"}
	} else {
		response.Services["database"] = serviceHealth{Status: "unhealthy", Message: "Database connection failed"}
		response.Status = "degraded"
	}

	if h.redis.Ping(r.Context()).Err() == nil {
		response.Services["redis"] = serviceHealth{Status: "healthy"}
	} else {
		response.Services["redis"] = serviceHealth{Status: "unhealthy", Message: "Redis connection failed"}
		response.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !database.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "error": "Database not ready"})
		return
	}
	if err := h.redis.Ping(r.Context()).Err(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "error": "Redis not ready"})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (h *HealthHandler) Detailed(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:   "ok",
		Services: make(map[string]serviceHealth),
	}

	if database.IsHealthy() {
		response.Services["database"] = serviceHealth{Status: "healthy"}
	} else {
		response.Services["database"] = serviceHealth{Status: "unhealthy"}
		response.Status = "degraded"
	}

	if h.redis.Ping(r.Context()).Err() == nil {
		response.Services["redis"] = serviceHealth{Status: "healthy"}
	} else {
		response.Services["redis"] = serviceHealth{Status: "unhealthy"}
		response.Status = "degraded"
	}

	if h.vectors != nil {
		if h.vectors.IsHealthy(r.Context()) {
			response.Services["vector_store"] = serviceHealth{Status: "healthy"}
		} else {
			response.Services["vector_store"] = serviceHealth{Status: "unhealthy"}
			response.Status = "degraded"
		}
	}

	for name, provider := range h.router.Providers() {
		if provider.IsHealthy() {
			response.Services["provider:"+name] = serviceHealth{Status: "healthy"}
		} else {
			response.Services["provider:"+name] = serviceHealth{Status: "unhealthy"}
			response.Status = "degraded"
		}
	}

	detail := struct {
		healthResponse
		Uptime string `json:"uptime"`
		Models int    `json:"models"`
	}{
		healthResponse: response,
		Uptime:         time.Since(h.started).Round(time.Second).String(),
		Models:         len(h.router.ListModels()),
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(detail)
}

func (h *HealthHandler) Providers(w http.ResponseWriter, r *http.Request) {
	type providerHealth struct {
		Name    string `json:"name"`
		Type    string `json:"type"`
		Healthy bool   `json:"healthy"`
		Models  int    `json:"models"`
	}

	var out []providerHealth
	for name, provider := range h.router.Providers() {
		out = append(out, providerHealth{
			Name:    name,
			Type:    provider.GetType(),
			Healthy: provider.IsHealthy(),
			Models:  len(provider.ListModels()),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"providers": out})
}
