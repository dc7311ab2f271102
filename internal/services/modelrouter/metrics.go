package modelrouter

import (
	"strings"
	"time"

	"go.uber.org/zap"
)

// emaAlpha is the smoothing factor for latency and throughput averages.
const emaAlpha = 0.1

type performanceMetrics struct {
	totalRequests      int
	successfulRequests int
	failedRequests     int
	avgLatency         time.Duration
	avgTokensPerSecond float64
	lastUpdated        time.Time
}

func (m *performanceMetrics) successRate() float64 {
	if m.totalRequests == 0 {
		return 0
	}
	return float64(m.successfulRequests) / float64(m.totalRequests)
}

func (m *performanceMetrics) failureRate() float64 {
	return 1.0 - m.successRate()
}

type loadMetrics struct {
	currentRequests int
	maxConcurrent   int
	lastRequestTime time.Time
}

func (l *loadMetrics) factor() float64 {
	if l.maxConcurrent == 0 {
		return 1.0
	}
	return float64(l.currentRequests) / float64(l.maxConcurrent)
}

func (l *loadMetrics) isOverloaded() bool {
	return l.factor() > 0.9
}

func (r *Router) enterModel(modelKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	load := r.loadLocked(modelKey)
	load.currentRequests++
	load.lastRequestTime = time.Now()
}

func (r *Router) leaveModel(modelKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	load := r.loadLocked(modelKey)
	if load.currentRequests > 0 {
		load.currentRequests--
	}
}

func (r *Router) recordSuccess(modelKey string, elapsed time.Duration, totalTokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.perfLocked(modelKey)
	m.totalRequests++
	m.successfulRequests++
	m.avgLatency = ema(m.avgLatency, elapsed)

	if totalTokens > 0 && elapsed > 0 {
		tps := float64(totalTokens) / elapsed.Seconds()
		if m.avgTokensPerSecond == 0 {
			m.avgTokensPerSecond = tps
		} else {
			m.avgTokensPerSecond = emaAlpha*tps + (1-emaAlpha)*m.avgTokensPerSecond
		}
	}
	m.lastUpdated = time.Now()

	// A success closes the breaker outright.
	r.breakers[modelKey] = false
}

func (r *Router) recordFailure(modelKey string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.perfLocked(modelKey)
	m.totalRequests++
	m.failedRequests++
	m.avgLatency = ema(m.avgLatency, elapsed)
	m.lastUpdated = time.Now()

	if m.failureRate() > 0.5 && m.totalRequests >= 10 {
		r.breakers[modelKey] = true
		r.logger.Warn("Circuit breaker tripped",
			zap.String("model", modelKey),
			zap.Float64("failure_rate", m.failureRate()),
			zap.Int("total_requests", m.totalRequests))
	}
}

func ema(current, sample time.Duration) time.Duration {
	if current == 0 {
		return sample
	}
	return time.Duration(emaAlpha*float64(sample) + (1-emaAlpha)*float64(current))
}

func (r *Router) perfLocked(modelKey string) *performanceMetrics {
	m, ok := r.perf[modelKey]
	if !ok {
		m = &performanceMetrics{}
		r.perf[modelKey] = m
	}
	return m
}

func (r *Router) loadLocked(modelKey string) *loadMetrics {
	l, ok := r.load[modelKey]
	if !ok {
		l = &loadMetrics{maxConcurrent: 100}
		r.load[modelKey] = l
	}
	return l
}

// metricsUpdater resets the counters of models that have been idle for an
// hour, so stale history does not dominate future routing.
func (r *Router) metricsUpdater() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for key, m := range r.perf {
				if m.totalRequests > 0 && now.Sub(m.lastUpdated) > time.Hour {
					r.perf[key] = &performanceMetrics{}
				}
			}
			r.mu.Unlock()
		case <-r.stopCh:
			return
		}
	}
}

// breakerMonitor closes breakers whose models have been quiet for ten
// minutes, giving them another chance at traffic.
func (r *Router) breakerMonitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for key, open := range r.breakers {
				if !open {
					continue
				}
				if m, ok := r.perf[key]; ok && now.Sub(m.lastUpdated) > 10*time.Minute {
					r.breakers[key] = false
					r.logger.Info("Circuit breaker reset", zap.String("model", key))
				}
			}
			r.mu.Unlock()
		case <-r.stopCh:
			return
		}
	}
}

// ModelStats is a point-in-time snapshot of one model's routing state.
type ModelStats struct {
	ModelInfo struct {
		ID              string  `json:"id"`
		Provider        string  `json:"provider"`
		MaxTokens       int     `json:"max_tokens"`
		CostPer1KTokens float64 `json:"cost_per_1k_tokens"`
	} `json:"model_info"`
	Performance struct {
		TotalRequests      int     `json:"total_requests"`
		SuccessRate        float64 `json:"success_rate"`
		AvgLatencyMs       int64   `json:"avg_latency_ms"`
		AvgTokensPerSecond float64 `json:"avg_tokens_per_second"`
	} `json:"performance"`
	Load struct {
		CurrentRequests int     `json:"current_requests"`
		LoadFactor      float64 `json:"load_factor"`
		IsOverloaded    bool    `json:"is_overloaded"`
	} `json:"load"`
	CircuitBreakerOpen bool `json:"circuit_breaker_open"`
}

// Stats snapshots the routing state for every registered model.
func (r *Router) Stats() map[string]ModelStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]ModelStats, len(r.models))
	for key, info := range r.models {
		var s ModelStats
		s.ModelInfo.ID = info.ID
		s.ModelInfo.Provider = providerName(key)
		s.ModelInfo.MaxTokens = info.MaxTokens
		s.ModelInfo.CostPer1KTokens = info.CostPer1KTokens

		if m, ok := r.perf[key]; ok {
			s.Performance.TotalRequests = m.totalRequests
			s.Performance.SuccessRate = m.successRate()
			s.Performance.AvgLatencyMs = m.avgLatency.Milliseconds()
			s.Performance.AvgTokensPerSecond = m.avgTokensPerSecond
		}
		if l, ok := r.load[key]; ok {
			s.Load.CurrentRequests = l.currentRequests
			s.Load.LoadFactor = l.factor()
			s.Load.IsOverloaded = l.isOverloaded()
		}
		s.CircuitBreakerOpen = r.breakers[key]
		stats[key] = s
	}
	return stats
}

func providerName(modelKey string) string {
	return strings.SplitN(modelKey, ":", 2)[0]
}
