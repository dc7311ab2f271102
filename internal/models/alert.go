package models

import "time"

// Alert levels, ordered by severity.
const (
	AlertLevelWarning      = "warning"
	AlertLevelLimitReached = "limit_reached"
	AlertLevelExceeded     = "exceeded"
)

// BudgetAlert records a crossed spend threshold. Only the highest
// threshold crossed by a single settlement is recorded.
type BudgetAlert struct {
	BaseModel
	TenantID string `gorm:"not null;index" json:"tenant_id"`
	UserID   string `gorm:"not null;index" json:"user_id"`

	Level     string    `gorm:"not null" json:"level"`
	Period    string    `gorm:"not null" json:"period"`
	Threshold int       `gorm:"not null" json:"threshold"`
	UsagePct  float64   `json:"usage_pct"`
	Message   string    `json:"message"`
	SentAt    time.Time `json:"sent_at"`
}

func (BudgetAlert) TableName() string {
	return "budget_alerts"
}
