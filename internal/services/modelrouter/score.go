package modelrouter

import (
	"github.com/tollgate-ai/tollgate/internal/services/providers"
)

// filterAvailable drops models that cannot serve the request: open
// breaker, overloaded, capability mismatch, or missing/unhealthy
// provider. Caller holds r.mu.
func (r *Router) filterAvailable(request *providers.ChatRequest) map[string]providers.ModelInfo {
	candidates := make(map[string]providers.ModelInfo)

	for key, info := range r.models {
		if request.Model != "" && request.Model != key && request.Model != info.ID {
			continue
		}
		if r.breakers[key] {
			continue
		}
		if load, ok := r.load[key]; ok && load.isOverloaded() {
			continue
		}
		if !modelSupports(info, request) {
			continue
		}
		provider, ok := r.providers[providerName(key)]
		if !ok || !provider.IsHealthy() {
			continue
		}
		candidates[key] = info
	}

	return candidates
}

func modelSupports(info providers.ModelInfo, request *providers.ChatRequest) bool {
	if request.MaxTokens != nil && *request.MaxTokens > info.MaxTokens {
		return false
	}
	// Rough context estimate of 100 tokens per message.
	if len(request.Messages)*100 > info.ContextLength {
		return false
	}
	if len(request.Tools) > 0 && !info.SupportsTools {
		return false
	}
	if request.Stream && !info.SupportsStreaming {
		return false
	}
	return true
}

// selectionScore combines five factors under the strategy's weight
// vector: capability, performance, cost, load headroom, availability.
// Caller holds r.mu.
func (r *Router) selectionScore(key string, info providers.ModelInfo, request *providers.ChatRequest, strategy Strategy) float64 {
	baseScore := info.CapabilityScore

	perf := r.perf[key]
	performanceFactor := performanceFactorOf(perf)

	costFactor := costFactorOf(info, request)

	loadFactor := 1.0
	if load, ok := r.load[key]; ok {
		loadFactor = 1.0 - load.factor()
	}

	availabilityFactor := 1.0
	if r.breakers[key] {
		availabilityFactor = 0.0
	}

	var weights [5]float64
	switch strategy {
	case StrategyCost:
		weights = [5]float64{0.2, 0.1, 0.6, 0.05, 0.05}
	case StrategyPerformance:
		weights = [5]float64{0.3, 0.5, 0.1, 0.05, 0.05}
	case StrategyAvailability:
		weights = [5]float64{0.2, 0.2, 0.2, 0.3, 0.1}
	default: // balanced
		weights = [5]float64{0.3, 0.25, 0.25, 0.15, 0.05}
	}

	factors := [5]float64{baseScore, performanceFactor, costFactor, loadFactor, availabilityFactor}
	score := 0.0
	for i := range weights {
		score += weights[i] * factors[i]
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// performanceFactorOf blends success rate (70%) and normalized latency
// (30%). Models without traffic score a neutral 0.5.
func performanceFactorOf(m *performanceMetrics) float64 {
	if m == nil || m.totalRequests == 0 {
		return 0.5
	}

	successComponent := m.successRate() * 0.7

	latencyComponent := 1.0 - m.avgLatency.Seconds()/10.0
	if latencyComponent < 0 {
		latencyComponent = 0
	}
	latencyComponent *= 0.3

	return successComponent + latencyComponent
}

// costFactorOf normalizes the estimated request cost against $1: cheaper
// requests score closer to 1.
func costFactorOf(info providers.ModelInfo, request *providers.ChatRequest) float64 {
	estimatedTokens := estimateTokens(request)
	estimatedCost := float64(estimatedTokens) / 1000.0 * info.CostPer1KTokens

	factor := 1.0 - estimatedCost/1.0
	if factor < 0 {
		return 0
	}
	return factor
}

func estimateTokens(request *providers.ChatRequest) int {
	totalChars := 0
	for _, msg := range request.Messages {
		totalChars += len(msg.Content)
	}
	estimated := totalChars / 4

	if request.MaxTokens != nil {
		estimated += *request.MaxTokens
	} else {
		estimated += 500
	}
	return estimated
}
