package budget

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/models"
)

// alertThresholds are the spend percentages that trigger an alert, in
// ascending order.
var alertThresholds = []int{50, 80, 90, 95, 100}

func alertLevel(threshold int) string {
	switch {
	case threshold < 90:
		return models.AlertLevelWarning
	case threshold < 100:
		return models.AlertLevelLimitReached
	default:
		return models.AlertLevelExceeded
	}
}

// checkAlerts compares spend percentages before and after a settlement
// and records, per period, only the highest threshold the settlement
// crossed. Utilization of the lifetime total drives the primary alert;
// the daily and monthly caps get their own period alerts.
func (s *Service) checkAlerts(ctx context.Context, before, after *models.TokenBudget) {
	s.checkPeriodAlert(ctx, after, "total", before.TotalUsagePercent(), after.TotalUsagePercent())
	s.checkPeriodAlert(ctx, after, "daily", before.DailyUsagePercent(), after.DailyUsagePercent())
	s.checkPeriodAlert(ctx, after, "monthly", before.MonthlyUsagePercent(), after.MonthlyUsagePercent())
}

func (s *Service) checkPeriodAlert(ctx context.Context, budget *models.TokenBudget, period string, pctBefore, pctAfter float64) {
	crossed := -1
	for _, threshold := range alertThresholds {
		t := float64(threshold)
		if pctBefore < t && pctAfter >= t {
			crossed = threshold
		}
	}
	if crossed < 0 {
		return
	}

	alert := models.BudgetAlert{
		TenantID:  budget.TenantID,
		UserID:    budget.UserID,
		Level:     alertLevel(crossed),
		Period:    period,
		Threshold: crossed,
		UsagePct:  pctAfter,
		Message: fmt.Sprintf("%s budget at %.1f%% for user %s (threshold %d%%)",
			period, pctAfter, budget.UserID, crossed),
		SentAt: time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(&alert).Error; err != nil {
		s.logger.Error("Failed to store budget alert", zap.Error(err))
	}

	s.logger.Warn("Budget alert",
		zap.String("tenant_id", budget.TenantID),
		zap.String("user_id", budget.UserID),
		zap.String("period", period),
		zap.String("level", alert.Level),
		zap.Int("threshold", crossed),
		zap.Float64("usage_pct", pctAfter))
}
