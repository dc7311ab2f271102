package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/middleware"
	"github.com/tollgate-ai/tollgate/internal/services/budget"
	"github.com/tollgate-ai/tollgate/internal/services/modelrouter"
	"github.com/tollgate-ai/tollgate/internal/services/pipeline"
	"github.com/tollgate-ai/tollgate/internal/services/providers"
)

// ChatHandler serves POST /v1/chat/completions.
type ChatHandler struct {
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

func NewChatHandler(p *pipeline.Pipeline, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{pipeline: p, logger: logger}
}

func (h *ChatHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.SendError(w, http.StatusUnprocessableEntity, "Invalid request body: "+err.Error(), "invalid_request_error")
		return
	}

	if err := validateRequest(&req); err != nil {
		middleware.SendError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, &req)
		return
	}

	response, err := h.pipeline.Execute(r.Context(), &req)
	if err != nil {
		h.sendPipelineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (h *ChatHandler) streamCompletion(w http.ResponseWriter, r *http.Request, req *pipeline.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.SendError(w, http.StatusInternalServerError, "Streaming unsupported by connection", "api_error")
		return
	}

	events, err := h.pipeline.ExecuteStream(r.Context(), req)
	if err != nil {
		h.sendPipelineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.writeStream(w, flusher, events)
}

// writeStream relays pipeline events as SSE frames. An upstream failure
// becomes a structured error frame and suppresses the [DONE] sentinel,
// so a truncated stream is distinguishable from a completed one.
func (h *ChatHandler) writeStream(w http.ResponseWriter, flusher http.Flusher, events <-chan pipeline.StreamEvent) {
	for event := range events {
		switch {
		case event.Chunk != nil:
			writeSSE(w, flusher, event.Chunk)
		case event.Final != nil:
			writeSSE(w, flusher, event.Final)
		case event.Err != nil:
			h.logger.Warn("Stream terminated early", zap.Error(event.Err))
			writeSSE(w, flusher, streamErrorPayload(event.Err))
			for range events {
			}
			return
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func streamErrorPayload(err error) map[string]map[string]string {
	errType := "api_error"
	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		errType = "provider_error"
	}
	return map[string]map[string]string{
		"error": {"message": err.Error(), "type": errType},
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func (h *ChatHandler) sendPipelineError(w http.ResponseWriter, err error) {
	var provErr *providers.ProviderError

	switch {
	case errors.Is(err, budget.ErrInsufficientBudget):
		middleware.SendError(w, http.StatusPaymentRequired, err.Error(), "insufficient_budget")
	case errors.Is(err, modelrouter.ErrModelNotFound):
		middleware.SendError(w, http.StatusNotFound, err.Error(), "model_not_found")
	case errors.Is(err, modelrouter.ErrNoFeasibleModel):
		middleware.SendError(w, http.StatusServiceUnavailable, err.Error(), "no_available_models")
	case errors.Is(err, pipeline.ErrStreamingDisabled):
		middleware.SendError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
	case errors.As(err, &provErr):
		h.logger.Error("Provider error", zap.Error(err))
		middleware.SendError(w, http.StatusServiceUnavailable, "Upstream provider error", "provider_error")
	default:
		h.logger.Error("Completion failed", zap.Error(err))
		middleware.SendError(w, http.StatusInternalServerError, "Internal server error", "api_error")
	}
}

func validateRequest(req *pipeline.Request) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	if req.UserID == "" || req.TenantID == "" {
		return fmt.Errorf("user_id and tenant_id are required")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return fmt.Errorf("top_p must be between 0 and 1")
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	for i, msg := range req.Messages {
		switch msg.Role {
		case "system", "user", "assistant", "tool":
		default:
			return fmt.Errorf("messages[%d]: invalid role %q", i, msg.Role)
		}
	}
	return nil
}
