package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenBudget tracks one user's spend inside one tenant. TotalBudget is
// the lifetime allowance: it never resets, and UsedBudget only grows.
// The daily and monthly caps are secondary guards; a zero cap means the
// period is uncapped. All money columns are fixed-point decimals; the
// budget manager never touches floats on the settlement path.
type TokenBudget struct {
	BaseModel
	TenantID string `gorm:"not null;uniqueIndex:idx_budget_tenant_user" json:"tenant_id"`
	UserID   string `gorm:"not null;uniqueIndex:idx_budget_tenant_user" json:"user_id"`

	TotalBudget decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"total_budget"`
	UsedBudget  decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"used_budget"`

	DailyLimit   decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"daily_limit"`
	MonthlyLimit decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"monthly_limit"`
	UsedDaily    decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"used_daily"`
	UsedMonthly  decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"used_monthly"`

	LastDailyReset   time.Time `json:"last_daily_reset"`
	LastMonthlyReset time.Time `json:"last_monthly_reset"`
}

func (TokenBudget) TableName() string {
	return "token_budgets"
}

// Remaining is the lifetime allowance left: total minus settled spend.
func (b *TokenBudget) Remaining() decimal.Decimal {
	return b.TotalBudget.Sub(b.UsedBudget)
}

func (b *TokenBudget) RemainingDaily() decimal.Decimal {
	return b.DailyLimit.Sub(b.UsedDaily)
}

func (b *TokenBudget) RemainingMonthly() decimal.Decimal {
	return b.MonthlyLimit.Sub(b.UsedMonthly)
}

// TotalUsagePercent returns lifetime spend against the total budget as a
// percentage.
func (b *TokenBudget) TotalUsagePercent() float64 {
	if b.TotalBudget.IsZero() {
		return 0
	}
	pct, _ := b.UsedBudget.Div(b.TotalBudget).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// DailyUsagePercent returns spend against the daily cap as a percentage.
func (b *TokenBudget) DailyUsagePercent() float64 {
	if b.DailyLimit.IsZero() {
		return 0
	}
	pct, _ := b.UsedDaily.Div(b.DailyLimit).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

func (b *TokenBudget) MonthlyUsagePercent() float64 {
	if b.MonthlyLimit.IsZero() {
		return 0
	}
	pct, _ := b.UsedMonthly.Div(b.MonthlyLimit).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// NeedsDailyReset reports whether the budget was last reset before the
// current calendar day.
func (b *TokenBudget) NeedsDailyReset(now time.Time) bool {
	last := b.LastDailyReset
	return last.Year() != now.Year() || last.YearDay() != now.YearDay()
}

func (b *TokenBudget) NeedsMonthlyReset(now time.Time) bool {
	last := b.LastMonthlyReset
	return last.Year() != now.Year() || last.Month() != now.Month()
}
