package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TokenUsage is one settled request. RequestID is the idempotency key:
// settling the same request twice inserts once and the second attempt is
// dropped on the unique index.
type TokenUsage struct {
	BaseModel
	RequestID string `gorm:"not null;uniqueIndex" json:"request_id"`
	TenantID  string `gorm:"not null;index:idx_usage_tenant_user" json:"tenant_id"`
	UserID    string `gorm:"not null;index:idx_usage_tenant_user" json:"user_id"`
	Model     string `gorm:"not null;index" json:"model"`
	Provider  string `gorm:"index" json:"provider"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	CostUSD   decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"cost_usd"`
	LatencyMs int64           `json:"latency_ms"`

	Metadata datatypes.JSON `json:"metadata,omitempty"`
}

func (TokenUsage) TableName() string {
	return "token_usage"
}

// UsageAggregate is a per-day rollup of token_usage, maintained by the
// hourly aggregation task and served by the usage metrics endpoints.
type UsageAggregate struct {
	BaseModel
	Day      time.Time `gorm:"type:date;not null;uniqueIndex:idx_aggregate_key" json:"day"`
	TenantID string    `gorm:"not null;uniqueIndex:idx_aggregate_key" json:"tenant_id"`
	UserID   string    `gorm:"not null;uniqueIndex:idx_aggregate_key" json:"user_id"`
	Model    string    `gorm:"not null;uniqueIndex:idx_aggregate_key" json:"model"`

	Requests    int64           `json:"requests"`
	TotalTokens int64           `json:"total_tokens"`
	TotalCost   decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"total_cost"`
}

func (UsageAggregate) TableName() string {
	return "usage_aggregates"
}

// UsageSummary backs the /metrics/usage endpoints.
type UsageSummary struct {
	Period      string          `json:"period"`
	Requests    int64           `json:"requests"`
	TotalTokens int64           `json:"total_tokens"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	ByModel     []ModelUsage    `json:"by_model"`
}

type ModelUsage struct {
	Model       string          `json:"model"`
	Requests    int64           `json:"requests"`
	TotalTokens int64           `json:"total_tokens"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}
