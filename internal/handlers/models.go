package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tollgate-ai/tollgate/internal/middleware"
	"github.com/tollgate-ai/tollgate/internal/services/modelrouter"
	"github.com/tollgate-ai/tollgate/internal/services/providers"
)

// ModelsHandler serves the model catalog endpoints.
type ModelsHandler struct {
	router *modelrouter.Router
}

func NewModelsHandler(router *modelrouter.Router) *ModelsHandler {
	return &ModelsHandler{router: router}
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

type modelEntry struct {
	ID              string  `json:"id"`
	Object          string  `json:"object"`
	OwnedBy         string  `json:"owned_by"`
	MaxTokens       int     `json:"max_tokens"`
	ContextLength   int     `json:"context_length"`
	CostPer1KTokens float64 `json:"cost_per_1k_tokens"`
	CapabilityScore float64 `json:"capability_score"`
	Streaming       bool    `json:"supports_streaming"`
	Tools           bool    `json:"supports_tools"`
}

func toModelEntry(info providers.ModelInfo) modelEntry {
	return modelEntry{
		ID:              info.ID,
		Object:          "model",
		OwnedBy:         info.Provider,
		MaxTokens:       info.MaxTokens,
		ContextLength:   info.ContextLength,
		CostPer1KTokens: info.CostPer1KTokens,
		CapabilityScore: info.CapabilityScore,
		Streaming:       info.SupportsStreaming,
		Tools:           info.SupportsTools,
	}
}

func (h *ModelsHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	infos := h.router.ListModels()
	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(infos))}
	for _, info := range infos {
		list.Data = append(list.Data, toModelEntry(info))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func (h *ModelsHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := h.router.GetModel(id)
	if !ok {
		middleware.SendError(w, http.StatusNotFound, "Model not found: "+id, "model_not_found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toModelEntry(info))
}
