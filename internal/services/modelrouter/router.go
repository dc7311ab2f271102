package modelrouter

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/services/providers"
)

var (
	ErrNoFeasibleModel = errors.New("no available models for request")
	ErrModelNotFound   = errors.New("model not found")
)

// Strategy selects the weight vector applied to the scoring factors.
type Strategy string

const (
	StrategyCost         Strategy = "cost"
	StrategyPerformance  Strategy = "performance"
	StrategyBalanced     Strategy = "balanced"
	StrategyAvailability Strategy = "availability"
)

// ParseStrategy maps a request string onto a known strategy, falling back
// to the supplied default.
func ParseStrategy(s string, fallback Strategy) Strategy {
	switch Strategy(s) {
	case StrategyCost, StrategyPerformance, StrategyBalanced, StrategyAvailability:
		return Strategy(s)
	default:
		return fallback
	}
}

// Router owns the model registry and all routing state: performance
// metrics, load tracking, and circuit breakers, each keyed by
// "{provider}:{model_id}".
type Router struct {
	mu sync.Mutex

	providers map[string]providers.Provider
	models    map[string]providers.ModelInfo

	perf     map[string]*performanceMetrics
	load     map[string]*loadMetrics
	breakers map[string]bool

	defaultStrategy Strategy
	logger          *zap.Logger
	stopCh          chan struct{}
	stopOnce        sync.Once
}

func New(provs map[string]providers.Provider, defaultStrategy Strategy, logger *zap.Logger) *Router {
	r := &Router{
		providers:       provs,
		models:          make(map[string]providers.ModelInfo),
		perf:            make(map[string]*performanceMetrics),
		load:            make(map[string]*loadMetrics),
		breakers:        make(map[string]bool),
		defaultStrategy: defaultStrategy,
		logger:          logger,
		stopCh:          make(chan struct{}),
	}

	for name, p := range provs {
		for _, m := range p.ListModels() {
			// Registry keys are prefixed with the configured provider
			// name so lookups resolve back to the right adapter.
			m.Provider = name
			r.models[m.Key()] = m
		}
	}

	return r
}

// Start launches the background metric reset and circuit breaker loops.
func (r *Router) Start() {
	go r.metricsUpdater()
	go r.breakerMonitor()
}

func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// SelectOptimal filters the registry down to feasible candidates, scores
// each under the requested strategy, and returns the winner's key.
func (r *Router) SelectOptimal(request *providers.ChatRequest, strategy Strategy) (string, providers.ModelInfo, error) {
	if strategy == "" {
		strategy = r.defaultStrategy
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.filterAvailable(request)
	if len(candidates) == 0 {
		if request.Model != "" && !r.modelKnown(request.Model) {
			return "", providers.ModelInfo{}, ErrModelNotFound
		}
		return "", providers.ModelInfo{}, ErrNoFeasibleModel
	}

	type scored struct {
		key   string
		info  providers.ModelInfo
		score float64
	}
	scoredModels := make([]scored, 0, len(candidates))
	for key, info := range candidates {
		scoredModels = append(scoredModels, scored{key, info, r.selectionScore(key, info, request, strategy)})
	}
	sort.Slice(scoredModels, func(i, j int) bool {
		if scoredModels[i].score != scoredModels[j].score {
			return scoredModels[i].score > scoredModels[j].score
		}
		return scoredModels[i].key < scoredModels[j].key
	})

	best := scoredModels[0]
	r.logger.Debug("Selected model",
		zap.String("model", best.key),
		zap.Float64("score", best.score),
		zap.String("strategy", string(strategy)))

	return best.key, best.info, nil
}

// Execute runs a non-streaming completion on the selected model, tracking
// load and recording the outcome in the routing metrics.
func (r *Router) Execute(ctx context.Context, modelKey string, request *providers.ChatRequest) (*providers.ChatResponse, error) {
	provider, modelID, err := r.resolve(modelKey)
	if err != nil {
		return nil, err
	}

	r.enterModel(modelKey)
	defer r.leaveModel(modelKey)

	start := time.Now()
	req := *request
	req.Model = modelID

	response, err := provider.ChatCompletion(ctx, &req)
	if err != nil {
		r.recordFailure(modelKey, time.Since(start))
		return nil, err
	}

	r.recordSuccess(modelKey, time.Since(start), response.Usage.TotalTokens)
	return response, nil
}

// ExecuteStream opens a streaming completion. The returned channel mirrors
// the provider stream; load is released and a success recorded when it
// drains. A failed open records a failure immediately.
func (r *Router) ExecuteStream(ctx context.Context, modelKey string, request *providers.ChatRequest) (<-chan providers.StreamResponse, error) {
	provider, modelID, err := r.resolve(modelKey)
	if err != nil {
		return nil, err
	}

	r.enterModel(modelKey)

	start := time.Now()
	req := *request
	req.Model = modelID

	upstream, err := provider.ChatCompletionStream(ctx, &req)
	if err != nil {
		r.recordFailure(modelKey, time.Since(start))
		r.leaveModel(modelKey)
		return nil, err
	}

	out := make(chan providers.StreamResponse, 100)
	go func() {
		defer close(out)
		defer r.leaveModel(modelKey)
		tokens := 0
		finished := false
		for chunk := range upstream {
			for _, c := range chunk.Choices {
				tokens += len(c.Delta.Content) / 4
				if c.FinishReason != "" {
					finished = true
				}
			}
			out <- chunk
		}
		// A stream that dies before its finish chunk is the caller's
		// failure to report.
		if finished {
			r.recordSuccess(modelKey, time.Since(start), tokens)
		}
	}()

	return out, nil
}

// RecordFailure lets callers report a failure detected outside Execute,
// such as a stream that died before its finish chunk.
func (r *Router) RecordFailure(modelKey string, elapsed time.Duration) {
	r.recordFailure(modelKey, elapsed)
}

// GetModel returns the registry entry for a key or bare model ID.
func (r *Router) GetModel(model string) (providers.ModelInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.models[model]; ok {
		return info, true
	}
	for _, info := range r.models {
		if info.ID == model {
			return info, true
		}
	}
	return providers.ModelInfo{}, false
}

// ListModels returns every registered model.
func (r *Router) ListModels() []providers.ModelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]providers.ModelInfo, 0, len(r.models))
	for _, info := range r.models {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Providers returns the adapter registry for health reporting.
func (r *Router) Providers() map[string]providers.Provider {
	return r.providers
}

func (r *Router) resolve(modelKey string) (providers.Provider, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.models[modelKey]
	if !ok {
		return nil, "", ErrModelNotFound
	}
	providerName := strings.SplitN(modelKey, ":", 2)[0]
	provider, ok := r.providers[providerName]
	if !ok {
		return nil, "", ErrModelNotFound
	}
	return provider, info.ID, nil
}

func (r *Router) modelKnown(model string) bool {
	if _, ok := r.models[model]; ok {
		return true
	}
	for _, info := range r.models {
		if info.ID == model {
			return true
		}
	}
	return false
}
