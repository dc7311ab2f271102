package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/middleware"
	"github.com/tollgate-ai/tollgate/internal/services/budget"
	"github.com/tollgate-ai/tollgate/internal/services/contextengine"
	"github.com/tollgate-ai/tollgate/internal/services/flags"
	"github.com/tollgate-ai/tollgate/internal/services/modelrouter"
	"github.com/tollgate-ai/tollgate/internal/services/providers"
	"github.com/tollgate-ai/tollgate/internal/services/tools"
)

// ErrStreamingDisabled is returned when a stream is requested while the
// streaming feature flag is off.
var ErrStreamingDisabled = errors.New("streaming is disabled")

// Request is one gateway completion request: the OpenAI-compatible body
// plus the identity and context fields the gateway adds on top.
type Request struct {
	providers.ChatRequest
	UserID          string            `json:"user_id"`
	TenantID        string            `json:"tenant_id"`
	SessionID       string            `json:"session_id"`
	ContextID       string            `json:"context_id,omitempty"`
	TaskType        string            `json:"task_type,omitempty"`
	Strategy        string            `json:"optimization_strategy,omitempty"`
	BudgetLimit     *float64          `json:"budget_limit,omitempty"`
	UserPreferences map[string]string `json:"user_preferences,omitempty"`
}

// Response is the non-streaming gateway response: the provider response
// plus settlement metadata.
type Response struct {
	providers.ChatResponse
	CostUSD     decimal.Decimal `json:"cost_usd"`
	ExecutionID string          `json:"execution_id"`
	LatencyMs   int64           `json:"latency_ms"`
	Cached      bool            `json:"cached"`
}

// Pipeline drives a completion request through its contractual stages:
// model selection, cost estimation, budget reservation, context
// injection, execution, and settlement. After a successful reservation
// exactly one of settle or release runs.
type Pipeline struct {
	router *modelrouter.Router
	budget *budget.Service
	engine *contextengine.Engine
	tools  *tools.Client
	flags  *flags.Store
	logger *zap.Logger

	defaultStrategy modelrouter.Strategy
}

func New(router *modelrouter.Router, budgetSvc *budget.Service, engine *contextengine.Engine, toolsClient *tools.Client, flagStore *flags.Store, defaultStrategy modelrouter.Strategy, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		router:          router,
		budget:          budgetSvc,
		engine:          engine,
		tools:           toolsClient,
		flags:           flagStore,
		logger:          logger,
		defaultStrategy: defaultStrategy,
	}
}

// Execute serves a non-streaming completion.
func (p *Pipeline) Execute(ctx context.Context, req *Request) (*Response, error) {
	executionID := uuid.New().String()
	start := time.Now()

	strategy := modelrouter.ParseStrategy(req.Strategy, p.defaultStrategy)
	modelKey, info, err := p.router.SelectOptimal(&req.ChatRequest, strategy)
	if err != nil {
		return nil, err
	}
	providerName := providerOf(modelKey)

	estimate := p.budget.EstimateCost(&req.ChatRequest, info.ID)
	if err := p.checkRequestCap(req, estimate.Cost); err != nil {
		return nil, err
	}

	if err := p.budget.Reserve(ctx, req.TenantID, req.UserID, executionID, estimate.Cost); err != nil {
		if errors.Is(err, budget.ErrInsufficientBudget) {
			middleware.RecordBudgetRejection(req.TenantID)
		}
		return nil, err
	}

	settled := false
	defer func() {
		if !settled {
			p.budget.Release(context.WithoutCancel(ctx), req.TenantID, req.UserID, executionID)
		}
	}()

	p.injectContext(ctx, req)

	originalMessages := req.Messages

	response, err := p.router.Execute(ctx, modelKey, &req.ChatRequest)
	elapsed := time.Since(start)
	if err != nil {
		middleware.RecordLLMRequest(info.ID, providerName, elapsed, false)
		return nil, err
	}
	middleware.RecordLLMRequest(info.ID, providerName, elapsed, true)

	cost := p.budget.CalculateCost(info.ID, providerName, response.Usage)

	// Settlement is the last step that can affect budget state; once it
	// starts the reservation must not also be released.
	settled = true
	if err := p.budget.Settle(ctx, budget.SettleParams{
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		RequestID: executionID,
		Model:     info.ID,
		Provider:  providerName,
		Usage:     response.Usage,
		Cost:      cost.CostUSD,
		LatencyMs: elapsed.Milliseconds(),
	}); err != nil {
		p.logger.Error("Settlement failed",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}

	middleware.RecordTokens(info.ID, providerName, response.Usage.PromptTokens, response.Usage.CompletionTokens)
	middleware.RecordCost(info.ID, providerName, cost.CostUSD.InexactFloat64())

	p.persistMemory(req, originalMessages, response)

	return &Response{
		ChatResponse: *response,
		CostUSD:      cost.CostUSD,
		ExecutionID:  executionID,
		LatencyMs:    elapsed.Milliseconds(),
	}, nil
}

// checkRequestCap enforces an optional per-request spending cap.
func (p *Pipeline) checkRequestCap(req *Request, estimated decimal.Decimal) error {
	if req.BudgetLimit == nil {
		return nil
	}
	limit := decimal.NewFromFloat(*req.BudgetLimit)
	if estimated.GreaterThan(limit) {
		return fmt.Errorf("%w: estimated cost $%s exceeds request cap $%s",
			budget.ErrInsufficientBudget, estimated.StringFixed(6), limit.StringFixed(6))
	}
	return nil
}

// injectContext runs the context engine and folds its output into the
// request: one system message carries the instructions, the knowledge
// block rides on the last user message, and engineered tools are adopted
// only when the request brought none. Engine failures leave the request
// untouched.
func (p *Pipeline) injectContext(ctx context.Context, req *Request) {
	if p.engine == nil || req.ContextID == "" {
		return
	}

	engineered, err := p.engine.EngineerContext(ctx, contextengine.Request{
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		TaskType:        req.TaskType,
		Query:           lastUserContent(req.Messages),
		UserPreferences: req.UserPreferences,
		AvailableTools:  p.availableTools(ctx),
	})
	if err != nil {
		p.logger.Warn("Context engineering failed", zap.Error(err))
		return
	}

	if engineered.SystemInstructions != "" {
		req.Messages = setSystemMessage(req.Messages, engineered.SystemInstructions)
	}
	if engineered.Knowledge != "" {
		req.Messages = appendToLastUser(req.Messages,
			"\n\nRelevant context:\n"+engineered.Knowledge)
	}
	if len(req.Tools) == 0 && len(engineered.Tools) > 0 && p.flags.IsEnabled(flags.ToolInjection) {
		req.Tools = engineered.Tools
	}
}

func (p *Pipeline) availableTools(ctx context.Context) []string {
	if p.tools == nil || !p.flags.IsEnabled(flags.ToolInjection) || !p.tools.IsConnected() {
		return nil
	}
	return p.tools.ToolNames(ctx)
}

// persistMemory stores the exchange for future context, off the request
// path.
func (p *Pipeline) persistMemory(req *Request, originalMessages []providers.Message, response *providers.ChatResponse) {
	if p.engine == nil || req.SessionID == "" {
		return
	}

	toStore := make([]providers.Message, 0, len(originalMessages)+1)
	toStore = append(toStore, originalMessages...)
	if len(response.Choices) > 0 {
		toStore = append(toStore, response.Choices[0].Message)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.engine.StoreConversationMemory(ctx, req.UserID, req.SessionID, toStore)
	}()
}

// setSystemMessage replaces the first system message, or prepends one,
// keeping the conversation at a single system message.
func setSystemMessage(messages []providers.Message, content string) []providers.Message {
	for i, msg := range messages {
		if msg.Role == "system" {
			out := make([]providers.Message, len(messages))
			copy(out, messages)
			out[i].Content = content
			return out
		}
	}
	out := make([]providers.Message, 0, len(messages)+1)
	out = append(out, providers.Message{Role: "system", Content: content})
	return append(out, messages...)
}

// appendToLastUser attaches text to the final user message.
func appendToLastUser(messages []providers.Message, suffix string) []providers.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			out := make([]providers.Message, len(messages))
			copy(out, messages)
			out[i].Content += suffix
			return out
		}
	}
	return messages
}

func lastUserContent(messages []providers.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func providerOf(modelKey string) string {
	return strings.SplitN(modelKey, ":", 2)[0]
}
