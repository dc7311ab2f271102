package providers

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/tollgate-ai/tollgate/internal/services/retry"
)

type Provider interface {
	ChatCompletion(ctx context.Context, request *ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, request *ChatRequest) (<-chan StreamResponse, error)

	GetName() string
	GetType() string
	IsHealthy() bool
	SupportsModel(model string) bool
	ListModels() []ModelInfo

	HealthCheck(ctx context.Context) error
}

// ModelInfo describes one model a provider can serve. The router scores
// candidates on these static attributes plus live performance data.
type ModelInfo struct {
	ID                string  `json:"id"`
	Provider          string  `json:"provider"`
	Name              string  `json:"name"`
	Description       string  `json:"description,omitempty"`
	MaxTokens         int     `json:"max_tokens"`
	ContextLength     int     `json:"context_length"`
	CostPer1KTokens   float64 `json:"cost_per_1k_tokens"`
	SupportsStreaming bool    `json:"supports_streaming"`
	SupportsTools     bool    `json:"supports_tools"`
	CapabilityScore   float64 `json:"capability_score"`
}

// Key returns the registry key in "{provider}:{model_id}" form.
func (m ModelInfo) Key() string {
	return m.Provider + ":" + m.ID
}

// Request/response types matching the OpenAI wire format.

type ChatRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	User             string    `json:"user,omitempty"`
	Tools            []Tool    `json:"tools,omitempty"`
	ToolChoice       any       `json:"tool_choice,omitempty"`
}

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type Function struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message,omitempty"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type StreamResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

type StreamChoice struct {
	Index        int     `json:"index"`
	Delta        Message `json:"delta"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    any    `json:"code,omitempty"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// ProviderError is returned by adapters for non-2xx upstream responses.
// StatusCode drives the retry classification.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: upstream error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryableError reports whether a provider call may be retried.
// Only transport failures and upstream 5xx qualify; a 400-class response
// will fail identically on every attempt.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// BaseProvider carries the per-provider state shared by every adapter:
// identity, model catalog, health flag, the upstream rate gate, and the
// retry policy.
type BaseProvider struct {
	name   string
	typ    string
	models []ModelInfo

	mu      sync.RWMutex
	healthy bool

	gate     *rateGate
	retryCfg *retry.Config
}

func NewBaseProvider(name, typ string, models []ModelInfo, rateLimit, maxRetries int) *BaseProvider {
	return &BaseProvider{
		name:     name,
		typ:      typ,
		models:   models,
		healthy:  true,
		gate:     newRateGate(rateLimit),
		retryCfg: retry.ProviderConfig(maxRetries),
	}
}

func (p *BaseProvider) GetName() string {
	return p.name
}

func (p *BaseProvider) GetType() string {
	return p.typ
}

func (p *BaseProvider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

func (p *BaseProvider) SetHealthy(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

func (p *BaseProvider) SupportsModel(model string) bool {
	for _, m := range p.models {
		if m.ID == model {
			return true
		}
	}
	return false
}

func (p *BaseProvider) ListModels() []ModelInfo {
	out := make([]ModelInfo, len(p.models))
	copy(out, p.models)
	return out
}

// call runs fn under the rate gate with the provider retry policy.
func (p *BaseProvider) call(ctx context.Context, fn retry.RetryableFunc) error {
	if err := p.gate.acquire(ctx); err != nil {
		return err
	}
	defer p.gate.release()
	return retry.Do(ctx, p.retryCfg, fn, IsRetryableError)
}

func GenerateID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 29)
	if _, err := rand.Read(b); err == nil {
		for i := range b {
			b[i] = charset[int(b[i])%len(charset)]
		}
	}
	return "chatcmpl-" + string(b)
}
