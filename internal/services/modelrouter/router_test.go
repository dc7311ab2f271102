package modelrouter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/services/providers"
)

// fakeProvider is a scriptable Provider for routing tests.
type fakeProvider struct {
	name    string
	models  []providers.ModelInfo
	healthy bool

	response  *providers.ChatResponse
	err       error
	chunks    []providers.StreamResponse
	streamErr error
}

func (f *fakeProvider) ChatCompletion(ctx context.Context, request *providers.ChatRequest) (*providers.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.response != nil {
		return f.response, nil
	}
	return &providers.ChatResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  request.Model,
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: "assistant", Content: "ok"},
			FinishReason: "stop",
		}},
		Usage: providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeProvider) ChatCompletionStream(ctx context.Context, request *providers.ChatRequest) (<-chan providers.StreamResponse, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan providers.StreamResponse, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) GetName() string  { return f.name }
func (f *fakeProvider) GetType() string  { return "fake" }
func (f *fakeProvider) IsHealthy() bool  { return f.healthy }
func (f *fakeProvider) SupportsModel(model string) bool {
	for _, m := range f.models {
		if m.ID == model {
			return true
		}
	}
	return false
}
func (f *fakeProvider) ListModels() []providers.ModelInfo   { return f.models }
func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func cheapModel() providers.ModelInfo {
	return providers.ModelInfo{
		ID:                "cheap-1",
		Name:              "Cheap One",
		MaxTokens:         4096,
		ContextLength:     16000,
		CostPer1KTokens:   0.002,
		SupportsStreaming: true,
		SupportsTools:     false,
		CapabilityScore:   0.6,
	}
}

func strongModel() providers.ModelInfo {
	return providers.ModelInfo{
		ID:                "strong-1",
		Name:              "Strong One",
		MaxTokens:         8192,
		ContextLength:     128000,
		CostPer1KTokens:   0.03,
		SupportsStreaming: true,
		SupportsTools:     true,
		CapabilityScore:   0.95,
	}
}

func newTestRouter(t *testing.T, provs map[string]providers.Provider) *Router {
	t.Helper()
	return New(provs, StrategyBalanced, zap.NewNop())
}

func simpleRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "Hello there"}},
	}
}

func TestParseStrategy(t *testing.T) {
	assert.Equal(t, StrategyCost, ParseStrategy("cost", StrategyBalanced))
	assert.Equal(t, StrategyPerformance, ParseStrategy("performance", StrategyBalanced))
	assert.Equal(t, StrategyBalanced, ParseStrategy("balanced", StrategyCost))
	assert.Equal(t, StrategyAvailability, ParseStrategy("availability", StrategyBalanced))
	assert.Equal(t, StrategyBalanced, ParseStrategy("", StrategyBalanced))
	assert.Equal(t, StrategyCost, ParseStrategy("bogus", StrategyCost))
}

func TestNew_RegistryKeysUseConfiguredProviderName(t *testing.T) {
	p := &fakeProvider{name: "primary", models: []providers.ModelInfo{cheapModel()}, healthy: true}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	info, ok := r.GetModel("primary:cheap-1")
	require.True(t, ok)
	assert.Equal(t, "primary", info.Provider)
	assert.Equal(t, "cheap-1", info.ID)

	// Bare model ID lookups resolve too.
	info, ok = r.GetModel("cheap-1")
	require.True(t, ok)
	assert.Equal(t, "cheap-1", info.ID)

	_, ok = r.GetModel("missing")
	assert.False(t, ok)
}

func TestSelectOptimal_ModelNotFound(t *testing.T) {
	p := &fakeProvider{name: "primary", models: []providers.ModelInfo{cheapModel()}, healthy: true}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	req := simpleRequest()
	req.Model = "does-not-exist"
	_, _, err := r.SelectOptimal(req, StrategyBalanced)
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestSelectOptimal_NoFeasibleModel(t *testing.T) {
	p := &fakeProvider{name: "primary", models: []providers.ModelInfo{cheapModel()}, healthy: false}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	_, _, err := r.SelectOptimal(simpleRequest(), StrategyBalanced)
	assert.ErrorIs(t, err, ErrNoFeasibleModel)
}

func TestFilterAvailable_CapabilityConstraints(t *testing.T) {
	p := &fakeProvider{
		name:    "primary",
		models:  []providers.ModelInfo{cheapModel(), strongModel()},
		healthy: true,
	}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	t.Run("tools require tool support", func(t *testing.T) {
		req := simpleRequest()
		req.Tools = []providers.Tool{{Type: "function", Function: providers.Function{Name: "lookup"}}}
		key, _, err := r.SelectOptimal(req, StrategyBalanced)
		require.NoError(t, err)
		assert.Equal(t, "primary:strong-1", key)
	})

	t.Run("max_tokens above the model cap excludes it", func(t *testing.T) {
		maxTokens := 6000
		req := simpleRequest()
		req.MaxTokens = &maxTokens
		key, _, err := r.SelectOptimal(req, StrategyBalanced)
		require.NoError(t, err)
		assert.Equal(t, "primary:strong-1", key)
	})

	t.Run("long conversations exceed small context windows", func(t *testing.T) {
		req := simpleRequest()
		for i := 0; i < 200; i++ {
			req.Messages = append(req.Messages, providers.Message{Role: "user", Content: "more"})
		}
		key, _, err := r.SelectOptimal(req, StrategyBalanced)
		require.NoError(t, err)
		assert.Equal(t, "primary:strong-1", key)
	})

	t.Run("infeasible everywhere", func(t *testing.T) {
		maxTokens := 100000
		req := simpleRequest()
		req.MaxTokens = &maxTokens
		_, _, err := r.SelectOptimal(req, StrategyBalanced)
		assert.ErrorIs(t, err, ErrNoFeasibleModel)
	})
}

func TestFilterAvailable_SkipsOpenBreaker(t *testing.T) {
	p := &fakeProvider{
		name:    "primary",
		models:  []providers.ModelInfo{cheapModel(), strongModel()},
		healthy: true,
	}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	r.mu.Lock()
	r.breakers["primary:cheap-1"] = true
	r.mu.Unlock()

	key, _, err := r.SelectOptimal(simpleRequest(), StrategyCost)
	require.NoError(t, err)
	assert.Equal(t, "primary:strong-1", key)
}

func TestFilterAvailable_SkipsOverloadedModel(t *testing.T) {
	p := &fakeProvider{
		name:    "primary",
		models:  []providers.ModelInfo{cheapModel(), strongModel()},
		healthy: true,
	}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	r.mu.Lock()
	r.load["primary:cheap-1"] = &loadMetrics{currentRequests: 95, maxConcurrent: 100}
	r.mu.Unlock()

	key, _, err := r.SelectOptimal(simpleRequest(), StrategyCost)
	require.NoError(t, err)
	assert.Equal(t, "primary:strong-1", key)
}

func TestSelectOptimal_CostStrategyPrefersCheaper(t *testing.T) {
	p := &fakeProvider{
		name:    "primary",
		models:  []providers.ModelInfo{cheapModel(), strongModel()},
		healthy: true,
	}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	// A prompt large enough that the cost gap outweighs the capability gap.
	long := strings.Repeat("x", 8000)
	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "user", Content: long},
			{Role: "assistant", Content: long},
			{Role: "user", Content: long},
		},
	}

	key, _, err := r.SelectOptimal(req, StrategyCost)
	require.NoError(t, err)
	assert.Equal(t, "primary:cheap-1", key)
}

func TestSelectOptimal_PerformanceStrategyUsesHistory(t *testing.T) {
	p := &fakeProvider{
		name:    "primary",
		models:  []providers.ModelInfo{cheapModel(), strongModel()},
		healthy: true,
	}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	// The cheap model has a terrible track record.
	for i := 0; i < 9; i++ {
		r.recordFailure("primary:cheap-1", 5*time.Second)
	}
	r.recordSuccess("primary:cheap-1", 5*time.Second, 100)
	for i := 0; i < 10; i++ {
		r.recordSuccess("primary:strong-1", 200*time.Millisecond, 100)
	}

	key, _, err := r.SelectOptimal(simpleRequest(), StrategyPerformance)
	require.NoError(t, err)
	assert.Equal(t, "primary:strong-1", key)
}

func TestCircuitBreaker_TripBoundary(t *testing.T) {
	p := &fakeProvider{name: "primary", models: []providers.ModelInfo{cheapModel()}, healthy: true}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})
	key := "primary:cheap-1"

	// 5 failures out of 10: rate exactly 0.5 does not trip.
	for i := 0; i < 5; i++ {
		r.recordSuccess(key, time.Second, 100)
	}
	for i := 0; i < 5; i++ {
		r.recordFailure(key, time.Second)
	}
	r.mu.Lock()
	open := r.breakers[key]
	r.mu.Unlock()
	assert.False(t, open)

	// One more failure pushes the rate over 0.5.
	r.recordFailure(key, time.Second)
	r.mu.Lock()
	open = r.breakers[key]
	r.mu.Unlock()
	assert.True(t, open)
}

func TestCircuitBreaker_NeedsMinimumTraffic(t *testing.T) {
	p := &fakeProvider{name: "primary", models: []providers.ModelInfo{cheapModel()}, healthy: true}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})
	key := "primary:cheap-1"

	// 9 straight failures: rate 1.0 but under the 10-request floor.
	for i := 0; i < 9; i++ {
		r.recordFailure(key, time.Second)
	}
	r.mu.Lock()
	open := r.breakers[key]
	r.mu.Unlock()
	assert.False(t, open)

	r.recordFailure(key, time.Second)
	r.mu.Lock()
	open = r.breakers[key]
	r.mu.Unlock()
	assert.True(t, open)
}

func TestCircuitBreaker_SuccessCloses(t *testing.T) {
	p := &fakeProvider{name: "primary", models: []providers.ModelInfo{cheapModel()}, healthy: true}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})
	key := "primary:cheap-1"

	for i := 0; i < 10; i++ {
		r.recordFailure(key, time.Second)
	}
	r.mu.Lock()
	assert.True(t, r.breakers[key])
	r.mu.Unlock()

	r.recordSuccess(key, time.Second, 100)
	r.mu.Lock()
	assert.False(t, r.breakers[key])
	r.mu.Unlock()
}

func TestEMA_SeedsWithFirstSample(t *testing.T) {
	assert.Equal(t, 2*time.Second, ema(0, 2*time.Second))

	// Subsequent samples blend at alpha 0.1.
	blended := ema(1*time.Second, 2*time.Second)
	assert.Equal(t, time.Duration(0.1*float64(2*time.Second)+0.9*float64(time.Second)), blended)
}

func TestLoadMetrics(t *testing.T) {
	l := &loadMetrics{currentRequests: 50, maxConcurrent: 100}
	assert.Equal(t, 0.5, l.factor())
	assert.False(t, l.isOverloaded())

	l.currentRequests = 91
	assert.True(t, l.isOverloaded())

	zero := &loadMetrics{}
	assert.Equal(t, 1.0, zero.factor())
}

func TestExecute_RecordsOutcome(t *testing.T) {
	p := &fakeProvider{name: "primary", models: []providers.ModelInfo{cheapModel()}, healthy: true}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	resp, err := r.Execute(context.Background(), "primary:cheap-1", simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Message.Content)

	r.mu.Lock()
	m := r.perf["primary:cheap-1"]
	load := r.load["primary:cheap-1"]
	r.mu.Unlock()
	require.NotNil(t, m)
	assert.Equal(t, 1, m.totalRequests)
	assert.Equal(t, 1, m.successfulRequests)
	assert.Equal(t, 0, load.currentRequests)
}

func TestExecute_FailureRecorded(t *testing.T) {
	p := &fakeProvider{
		name:    "primary",
		models:  []providers.ModelInfo{cheapModel()},
		healthy: true,
		err:     errors.New("upstream exploded"),
	}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	_, err := r.Execute(context.Background(), "primary:cheap-1", simpleRequest())
	require.Error(t, err)

	r.mu.Lock()
	m := r.perf["primary:cheap-1"]
	r.mu.Unlock()
	require.NotNil(t, m)
	assert.Equal(t, 1, m.failedRequests)
}

func TestExecute_UnknownModel(t *testing.T) {
	p := &fakeProvider{name: "primary", models: []providers.ModelInfo{cheapModel()}, healthy: true}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	_, err := r.Execute(context.Background(), "primary:nope", simpleRequest())
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestExecuteStream_SuccessOnFinishChunk(t *testing.T) {
	p := &fakeProvider{
		name:    "primary",
		models:  []providers.ModelInfo{cheapModel()},
		healthy: true,
		chunks: []providers.StreamResponse{
			{Choices: []providers.StreamChoice{{Delta: providers.Message{Content: "Hel"}}}},
			{Choices: []providers.StreamChoice{{Delta: providers.Message{Content: "lo"}}}},
			{Choices: []providers.StreamChoice{{FinishReason: "stop"}}},
		},
	}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	stream, err := r.ExecuteStream(context.Background(), "primary:cheap-1", simpleRequest())
	require.NoError(t, err)

	count := 0
	for range stream {
		count++
	}
	assert.Equal(t, 3, count)

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		m, ok := r.perf["primary:cheap-1"]
		return ok && m.successfulRequests == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExecuteStream_TruncatedStreamNotCountedAsSuccess(t *testing.T) {
	p := &fakeProvider{
		name:    "primary",
		models:  []providers.ModelInfo{cheapModel()},
		healthy: true,
		chunks: []providers.StreamResponse{
			{Choices: []providers.StreamChoice{{Delta: providers.Message{Content: "Hel"}}}},
		},
	}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	stream, err := r.ExecuteStream(context.Background(), "primary:cheap-1", simpleRequest())
	require.NoError(t, err)
	for range stream {
	}

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		l, ok := r.load["primary:cheap-1"]
		return ok && l.currentRequests == 0
	}, time.Second, 10*time.Millisecond)

	r.mu.Lock()
	m := r.perf["primary:cheap-1"]
	r.mu.Unlock()
	if m != nil {
		assert.Equal(t, 0, m.successfulRequests)
	}
}

func TestExecuteStream_OpenFailureRecorded(t *testing.T) {
	p := &fakeProvider{
		name:      "primary",
		models:    []providers.ModelInfo{cheapModel()},
		healthy:   true,
		streamErr: errors.New("connection refused"),
	}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	_, err := r.ExecuteStream(context.Background(), "primary:cheap-1", simpleRequest())
	require.Error(t, err)

	r.mu.Lock()
	m := r.perf["primary:cheap-1"]
	load := r.load["primary:cheap-1"]
	r.mu.Unlock()
	require.NotNil(t, m)
	assert.Equal(t, 1, m.failedRequests)
	assert.Equal(t, 0, load.currentRequests)
}

func TestListModels_SortedByKey(t *testing.T) {
	p1 := &fakeProvider{name: "alpha", models: []providers.ModelInfo{strongModel()}, healthy: true}
	p2 := &fakeProvider{name: "beta", models: []providers.ModelInfo{cheapModel()}, healthy: true}
	r := newTestRouter(t, map[string]providers.Provider{"alpha": p1, "beta": p2})

	models := r.ListModels()
	require.Len(t, models, 2)
	assert.Equal(t, "alpha:strong-1", models[0].Key())
	assert.Equal(t, "beta:cheap-1", models[1].Key())
}

func TestStats_Snapshot(t *testing.T) {
	p := &fakeProvider{name: "primary", models: []providers.ModelInfo{cheapModel()}, healthy: true}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	r.recordSuccess("primary:cheap-1", 100*time.Millisecond, 200)
	r.recordFailure("primary:cheap-1", 300*time.Millisecond)

	stats := r.Stats()
	s, ok := stats["primary:cheap-1"]
	require.True(t, ok)
	assert.Equal(t, "cheap-1", s.ModelInfo.ID)
	assert.Equal(t, "primary", s.ModelInfo.Provider)
	assert.Equal(t, 2, s.Performance.TotalRequests)
	assert.Equal(t, 0.5, s.Performance.SuccessRate)
	assert.False(t, s.CircuitBreakerOpen)
}

func TestSelectionScore_ClampedToUnitInterval(t *testing.T) {
	p := &fakeProvider{name: "primary", models: []providers.ModelInfo{cheapModel()}, healthy: true}
	r := newTestRouter(t, map[string]providers.Provider{"primary": p})

	r.mu.Lock()
	defer r.mu.Unlock()
	score := r.selectionScore("primary:cheap-1", cheapModel(), simpleRequest(), StrategyBalanced)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestEstimateTokens(t *testing.T) {
	req := &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "12345678"}}, // 8 chars -> 2 tokens
	}
	assert.Equal(t, 2+500, estimateTokens(req))

	maxTokens := 100
	req.MaxTokens = &maxTokens
	assert.Equal(t, 2+100, estimateTokens(req))
}
