package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/middleware"
	"github.com/tollgate-ai/tollgate/internal/services/budget"
	"github.com/tollgate-ai/tollgate/internal/services/flags"
	"github.com/tollgate-ai/tollgate/internal/services/modelrouter"
	"github.com/tollgate-ai/tollgate/internal/services/providers"
)

// StreamEvent is one frame of a streaming completion. Exactly one field
// is set: content chunks first, then the final usage frame on success.
type StreamEvent struct {
	Chunk *providers.StreamResponse
	Final *StreamFinal
	Err   error
}

// StreamFinal is the usage and cost frame emitted after the last content
// chunk, before the stream terminator.
type StreamFinal struct {
	ID          string          `json:"id"`
	Object      string          `json:"object"`
	Model       string          `json:"model"`
	Usage       providers.Usage `json:"usage"`
	CostUSD     decimal.Decimal `json:"cost_usd"`
	ExecutionID string          `json:"execution_id"`
	LatencyMs   int64           `json:"latency_ms"`
}

// ExecuteStream serves a streaming completion. Token accounting is
// approximate: the prompt side uses the pre-flight estimate, the
// completion side counts streamed characters at four per token. A stream
// that ends without a finish chunk counts as a model failure and refunds
// the reservation.
func (p *Pipeline) ExecuteStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if !p.flags.IsEnabled(flags.StreamingEnabled) {
		return nil, ErrStreamingDisabled
	}

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

	p.injectContext(ctx, req)
	originalMessages := req.Messages

	req.Stream = true
	upstream, err := p.router.ExecuteStream(ctx, modelKey, &req.ChatRequest)
	if err != nil {
		p.budget.Release(context.WithoutCancel(ctx), req.TenantID, req.UserID, executionID)
		middleware.RecordLLMRequest(info.ID, providerName, time.Since(start), false)
		return nil, err
	}

	events := make(chan StreamEvent, 100)
	go p.consumeStream(ctx, streamState{
		executionID:      executionID,
		modelKey:         modelKey,
		modelID:          info.ID,
		provider:         providerName,
		req:              req,
		originalMessages: originalMessages,
		promptTokens:     estimate.PromptTokens,
		start:            start,
	}, upstream, events)

	return events, nil
}

type streamState struct {
	executionID      string
	modelKey         string
	modelID          string
	provider         string
	req              *Request
	originalMessages []providers.Message
	promptTokens     int
	start            time.Time
}

func (p *Pipeline) consumeStream(ctx context.Context, st streamState, upstream <-chan providers.StreamResponse, events chan<- StreamEvent) {
	defer close(events)

	var (
		completionChars int
		assistantText   string
		finished        bool
	)

	for chunk := range upstream {
		c := chunk
		for _, choice := range c.Choices {
			completionChars += len(choice.Delta.Content)
			assistantText += choice.Delta.Content
			if choice.FinishReason != "" {
				finished = true
			}
		}
		select {
		case events <- StreamEvent{Chunk: &c}:
		case <-ctx.Done():
			// Client went away; drain upstream so the provider
			// goroutine can finish, then refund.
			for range upstream {
			}
			p.abortStream(st)
			return
		}
	}

	elapsed := time.Since(st.start)
	if !finished {
		p.abortStream(st)
		events <- StreamEvent{Err: errors.New("stream ended before completion")}
		return
	}

	usage := providers.Usage{
		PromptTokens:     st.promptTokens,
		CompletionTokens: completionChars / 4,
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	cost := p.budget.CalculateCost(st.modelID, st.provider, usage)

	if err := p.budget.Settle(context.WithoutCancel(ctx), budget.SettleParams{
		TenantID:  st.req.TenantID,
		UserID:    st.req.UserID,
		RequestID: st.executionID,
		Model:     st.modelID,
		Provider:  st.provider,
		Usage:     usage,
		Cost:      cost.CostUSD,
		LatencyMs: elapsed.Milliseconds(),
	}); err != nil {
		p.logger.Error("Stream settlement failed",
			zap.String("execution_id", st.executionID),
			zap.Error(err))
	}

	middleware.RecordLLMRequest(st.modelID, st.provider, elapsed, true)
	middleware.RecordTokens(st.modelID, st.provider, usage.PromptTokens, usage.CompletionTokens)
	middleware.RecordCost(st.modelID, st.provider, cost.CostUSD.InexactFloat64())

	if st.req.SessionID != "" && assistantText != "" {
		reply := &providers.ChatResponse{
			Choices: []providers.Choice{{
				Message: providers.Message{Role: "assistant", Content: assistantText},
			}},
		}
		p.persistMemory(st.req, st.originalMessages, reply)
	}

	events <- StreamEvent{Final: &StreamFinal{
		ID:          st.executionID,
		Object:      "chat.completion.usage",
		Model:       st.modelID,
		Usage:       usage,
		CostUSD:     cost.CostUSD,
		ExecutionID: st.executionID,
		LatencyMs:   elapsed.Milliseconds(),
	}}
}

// abortStream handles a stream that died before its finish chunk: the
// model takes a failure mark and the reservation is refunded.
func (p *Pipeline) abortStream(st streamState) {
	elapsed := time.Since(st.start)
	p.router.RecordFailure(st.modelKey, elapsed)
	middleware.RecordLLMRequest(st.modelID, st.provider, elapsed, false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.budget.Release(ctx, st.req.TenantID, st.req.UserID, st.executionID)
}
