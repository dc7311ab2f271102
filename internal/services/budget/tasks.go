package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/models"
)

// cacheReloadLoop drops the in-memory budget cache on an interval so
// changes made out of band (CLI, resets) become visible. Outstanding
// reservation totals are carried over.
func (s *Service) cacheReloadLoop() {
	interval := s.cfg.CacheReload
	if interval == 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reloadCache()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) reloadCache() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.cache))
	reserved := make(map[string]decimal.Decimal, len(s.cache))
	for key, cached := range s.cache {
		keys = append(keys, key)
		reserved[key] = cached.reserved
	}
	s.cache = make(map[string]*cachedBudget)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var budgets []models.TokenBudget
	if err := s.db.WithContext(ctx).Find(&budgets).Error; err != nil {
		s.logger.Error("Budget cache reload failed", zap.Error(err))
		return
	}

	now := time.Now()
	s.mu.Lock()
	for _, b := range budgets {
		key := cacheKey(b.TenantID, b.UserID)
		entry := &cachedBudget{budget: b, reserved: decimal.Zero, loadedAt: now}
		if r, ok := reserved[key]; ok {
			entry.reserved = r
		}
		s.cache[key] = entry
	}
	s.mu.Unlock()

	s.logger.Debug("Budget cache reloaded", zap.Int("budgets", len(budgets)), zap.Int("previous", len(keys)))
}

// resetLoop zeroes daily counters after midnight and monthly counters on
// the first of the month. The lifetime total is never reset.
func (s *Service) resetLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runResets()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) runResets() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	daily := s.db.WithContext(ctx).Exec(`
		UPDATE token_budgets
		SET used_daily = 0, last_daily_reset = NOW(), updated_at = NOW()
		WHERE last_daily_reset < CURRENT_DATE`)
	if daily.Error != nil {
		s.logger.Error("Daily budget reset failed", zap.Error(daily.Error))
	} else if daily.RowsAffected > 0 {
		s.logger.Info("Daily budgets reset", zap.Int64("budgets", daily.RowsAffected))
	}

	monthly := s.db.WithContext(ctx).Exec(`
		UPDATE token_budgets
		SET used_monthly = 0, last_monthly_reset = NOW(), updated_at = NOW()
		WHERE last_monthly_reset < DATE_TRUNC('month', CURRENT_DATE)`)
	if monthly.Error != nil {
		s.logger.Error("Monthly budget reset failed", zap.Error(monthly.Error))
	} else if monthly.RowsAffected > 0 {
		s.logger.Info("Monthly budgets reset", zap.Int64("budgets", monthly.RowsAffected))
	}

	if daily.RowsAffected > 0 || monthly.RowsAffected > 0 {
		s.reloadCache()
	}
}

// aggregationLoop rolls recent token_usage into per-day aggregates. The
// two-day window means late settlements are folded in on the next pass.
func (s *Service) aggregationLoop() {
	interval := s.cfg.AggregateInterval
	if interval == 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.aggregateUsage()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) aggregateUsage() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO usage_aggregates (id, created_at, updated_at, day, tenant_id, user_id, model, requests, total_tokens, total_cost)
		SELECT gen_random_uuid(), NOW(), NOW(),
		       DATE(created_at), tenant_id, user_id, model,
		       COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM token_usage
		WHERE created_at >= NOW() - INTERVAL '2 days'
		GROUP BY DATE(created_at), tenant_id, user_id, model
		ON CONFLICT (day, tenant_id, user_id, model) DO UPDATE SET
		    requests = EXCLUDED.requests,
		    total_tokens = EXCLUDED.total_tokens,
		    total_cost = EXCLUDED.total_cost,
		    updated_at = NOW()`).Error
	if err != nil {
		s.logger.Error("Usage aggregation failed", zap.Error(err))
		return
	}
	s.logger.Debug("Usage aggregation completed")
}

// UserStats summarizes one user's recent usage.
type UserStats struct {
	Period            string          `json:"period"`
	TotalRequests     int64           `json:"total_requests"`
	TotalTokens       int64           `json:"total_tokens"`
	TotalCostUSD      decimal.Decimal `json:"total_cost_usd"`
	AvgCostPerRequest decimal.Decimal `json:"avg_cost_per_request"`
	UniqueModels      int64           `json:"unique_models"`
}

// GetUsageStatistics reports a user's usage over the trailing day, week,
// or month.
func (s *Service) GetUsageStatistics(ctx context.Context, tenantID, userID, period string) (UserStats, error) {
	var interval string
	switch period {
	case "week":
		interval = "7 days"
	case "month":
		interval = "30 days"
	default:
		period = "day"
		interval = "1 day"
	}

	var row struct {
		TotalRequests int64
		TotalTokens   int64
		TotalCost     decimal.Decimal
		AvgCost       decimal.Decimal
		UniqueModels  int64
	}
	err := s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) AS total_requests,
		       COALESCE(SUM(total_tokens), 0) AS total_tokens,
		       COALESCE(SUM(cost_usd), 0) AS total_cost,
		       COALESCE(AVG(cost_usd), 0) AS avg_cost,
		       COUNT(DISTINCT model) AS unique_models
		FROM token_usage
		WHERE tenant_id = ? AND user_id = ?
		  AND created_at >= NOW() - INTERVAL '`+interval+`'`,
		tenantID, userID).Scan(&row).Error
	if err != nil {
		return UserStats{}, err
	}

	return UserStats{
		Period:            period,
		TotalRequests:     row.TotalRequests,
		TotalTokens:       row.TotalTokens,
		TotalCostUSD:      row.TotalCost,
		AvgCostPerRequest: row.AvgCost,
		UniqueModels:      row.UniqueModels,
	}, nil
}

// GetUsageByPeriod rolls up gateway-wide usage from the aggregates table
// for the /metrics/usage endpoints.
func (s *Service) GetUsageByPeriod(ctx context.Context, period string) (models.UsageSummary, error) {
	var days int
	switch period {
	case "week":
		days = 7
	case "month":
		days = 30
	default:
		period = "day"
		days = 1
	}
	since := time.Now().AddDate(0, 0, -days)

	summary := models.UsageSummary{Period: period, TotalCost: decimal.Zero}

	var totals struct {
		Requests    int64
		TotalTokens int64
		TotalCost   decimal.Decimal
	}
	err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(requests), 0) AS requests,
		       COALESCE(SUM(total_tokens), 0) AS total_tokens,
		       COALESCE(SUM(total_cost), 0) AS total_cost
		FROM usage_aggregates
		WHERE day >= ?`, since).Scan(&totals).Error
	if err != nil {
		return summary, err
	}
	summary.Requests = totals.Requests
	summary.TotalTokens = totals.TotalTokens
	summary.TotalCost = totals.TotalCost

	var byModel []models.ModelUsage
	err = s.db.WithContext(ctx).Raw(`
		SELECT model,
		       COALESCE(SUM(requests), 0) AS requests,
		       COALESCE(SUM(total_tokens), 0) AS total_tokens,
		       COALESCE(SUM(total_cost), 0) AS total_cost
		FROM usage_aggregates
		WHERE day >= ?
		GROUP BY model
		ORDER BY total_cost DESC`, since).Scan(&byModel).Error
	if err != nil {
		return summary, err
	}
	summary.ByModel = byModel

	return summary, nil
}
