package budget

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tollgate-ai/tollgate/internal/services/providers"
)

// charsPerToken is the rough prompt-size heuristic used before the
// provider reports real usage.
const charsPerToken = 4

// defaultCompletionTokens is assumed when the request does not cap
// max_tokens.
const defaultCompletionTokens = 500

// Estimate is the pre-flight cost projection a reservation is based on.
type Estimate struct {
	PromptTokens     int
	CompletionTokens int
	Cost             decimal.Decimal
}

// CostCalculation is the settled cost of real token usage.
type CostCalculation struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          decimal.Decimal
	Model            string
	Provider         string
}

// EstimateCost projects the cost of a request before execution: message
// characters plus per-message formatting overhead plus serialized tool
// definitions, at four characters per token, with the completion side
// taken from max_tokens or the default.
func (s *Service) EstimateCost(request *providers.ChatRequest, model string) Estimate {
	promptTokens := estimatePromptTokens(request)

	completionTokens := defaultCompletionTokens
	if request.MaxTokens != nil {
		completionTokens = *request.MaxTokens
	}

	calc := s.CalculateCost(model, "", providers.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	})

	return Estimate{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             calc.CostUSD,
	}
}

// CalculateCost prices real usage. Completion tokens carry a model
// multiplier (gpt-4 output is 2x, claude-3-opus 3x); the result is
// rounded half-up to 6 fractional digits, 1 micro-dollar resolution.
func (s *Service) CalculateCost(model, provider string, usage providers.Usage) CostCalculation {
	costPer1K := s.costPer1K(model)

	completionMultiplier := decimal.NewFromInt(1)
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "gpt-4"):
		completionMultiplier = decimal.NewFromInt(2)
	case strings.Contains(lower, "claude-3-opus"):
		completionMultiplier = decimal.NewFromInt(3)
	}

	thousand := decimal.NewFromInt(1000)
	promptCost := decimal.NewFromInt(int64(usage.PromptTokens)).Mul(costPer1K).Div(thousand)
	completionCost := decimal.NewFromInt(int64(usage.CompletionTokens)).Mul(costPer1K).Mul(completionMultiplier).Div(thousand)

	total := promptCost.Add(completionCost).Round(6)

	return CostCalculation{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		CostUSD:          total,
		Model:            model,
		Provider:         provider,
	}
}

func (s *Service) costPer1K(model string) decimal.Decimal {
	if price, ok := s.cfg.CostPer1KTokens[model]; ok {
		return decimal.NewFromFloat(price)
	}
	// Fallback pricing for unknown models.
	return decimal.NewFromFloat(0.002)
}

func estimatePromptTokens(request *providers.ChatRequest) int {
	totalChars := 0
	for _, msg := range request.Messages {
		totalChars += len(msg.Content)
		totalChars += len(msg.Name)
	}

	// Formatting overhead per message.
	totalChars += len(request.Messages) * 10

	for _, tool := range request.Tools {
		if data, err := json.Marshal(tool); err == nil {
			totalChars += len(data)
		}
	}

	return totalChars / charsPerToken
}
