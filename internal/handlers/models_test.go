package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/services/flags"
	"github.com/tollgate-ai/tollgate/internal/services/modelrouter"
	"github.com/tollgate-ai/tollgate/internal/services/providers"
)

// staticProvider exposes a fixed model list for catalog tests.
type staticProvider struct {
	name   string
	models []providers.ModelInfo
}

func (p *staticProvider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	return nil, &providers.ProviderError{Provider: p.name, StatusCode: 500, Message: "not implemented"}
}

func (p *staticProvider) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamResponse, error) {
	return nil, &providers.ProviderError{Provider: p.name, StatusCode: 500, Message: "not implemented"}
}

func (p *staticProvider) GetName() string { return p.name }
func (p *staticProvider) GetType() string { return "openai" }
func (p *staticProvider) IsHealthy() bool { return true }

func (p *staticProvider) SupportsModel(model string) bool {
	for _, m := range p.models {
		if m.ID == model {
			return true
		}
	}
	return false
}

func (p *staticProvider) ListModels() []providers.ModelInfo     { return p.models }
func (p *staticProvider) HealthCheck(ctx context.Context) error { return nil }

func newCatalogRouter(t *testing.T) *modelrouter.Router {
	t.Helper()
	provider := &staticProvider{
		name: "primary",
		models: []providers.ModelInfo{
			{
				ID:                "gpt-4",
				MaxTokens:         8192,
				ContextLength:     128000,
				CostPer1KTokens:   0.03,
				CapabilityScore:   0.95,
				SupportsStreaming: true,
				SupportsTools:     true,
			},
			{
				ID:                "gpt-3.5-turbo",
				MaxTokens:         4096,
				ContextLength:     16000,
				CostPer1KTokens:   0.002,
				CapabilityScore:   0.7,
				SupportsStreaming: true,
			},
		},
	}
	return modelrouter.New(map[string]providers.Provider{"primary": provider}, modelrouter.StrategyBalanced, zap.NewNop())
}

func TestListModels(t *testing.T) {
	h := NewModelsHandler(newCatalogRouter(t))

	req := httptest.NewRequest("GET", "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ListModels(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var list modelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)

	// Catalog order is deterministic.
	assert.Equal(t, "gpt-3.5-turbo", list.Data[0].ID)
	assert.Equal(t, "gpt-4", list.Data[1].ID)
	assert.Equal(t, "model", list.Data[1].Object)
	assert.Equal(t, "primary", list.Data[1].OwnedBy)
	assert.Equal(t, 0.03, list.Data[1].CostPer1KTokens)
	assert.True(t, list.Data[1].Tools)
}

func TestGetModel(t *testing.T) {
	h := NewModelsHandler(newCatalogRouter(t))

	r := chi.NewRouter()
	r.Get("/v1/models/{id}", h.GetModel)

	t.Run("known model", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/models/gpt-4", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var entry modelEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
		assert.Equal(t, "gpt-4", entry.ID)
		assert.Equal(t, 8192, entry.MaxTokens)
	})

	t.Run("unknown model", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/models/nope", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		_, errType := decodeError(t, rec)
		assert.Equal(t, "model_not_found", errType)
	})
}

func TestFlagsHandler(t *testing.T) {
	store := flags.NewStore(map[string]bool{
		flags.StreamingEnabled: true,
		flags.SemanticCache:    false,
	}, zap.NewNop())
	h := NewFlagsHandler(store)

	t.Run("list", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/admin/flags", nil)
		rec := httptest.NewRecorder()
		h.List(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Flags []flags.FlagState `json:"flags"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Len(t, body.Flags, 2)
	})

	t.Run("toggle", func(t *testing.T) {
		body := `{"name":"` + flags.SemanticCache + `"}`
		req := httptest.NewRequest("POST", "/admin/flags/toggle", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Toggle(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var state flags.FlagState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
		assert.True(t, state.Enabled)
		assert.True(t, store.IsEnabled(flags.SemanticCache))
	})

	t.Run("unknown flag", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/admin/flags/toggle", strings.NewReader(`{"name":"made_up"}`))
		rec := httptest.NewRecorder()
		h.Toggle(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		_, errType := decodeError(t, rec)
		assert.Equal(t, "flag_not_found", errType)
	})

	t.Run("missing name", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/admin/flags/toggle", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		h.Toggle(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
