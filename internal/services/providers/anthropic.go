package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tollgate-ai/tollgate/internal/config"
)

var anthropicModels = []ModelInfo{
	{
		ID:                "claude-3-opus",
		Provider:          "anthropic",
		Name:              "Claude 3 Opus",
		Description:       "Most capable Claude model for complex reasoning",
		MaxTokens:         4096,
		ContextLength:     200000,
		CostPer1KTokens:   0.015,
		SupportsStreaming: true,
		SupportsTools:     true,
		CapabilityScore:   0.95,
	},
	{
		ID:                "claude-3-sonnet",
		Provider:          "anthropic",
		Name:              "Claude 3 Sonnet",
		Description:       "Balanced Claude model for general work",
		MaxTokens:         4096,
		ContextLength:     200000,
		CostPer1KTokens:   0.003,
		SupportsStreaming: true,
		SupportsTools:     true,
		CapabilityScore:   0.85,
	},
	{
		ID:                "claude-3-haiku",
		Provider:          "anthropic",
		Name:              "Claude 3 Haiku",
		Description:       "Fast, inexpensive Claude model",
		MaxTokens:         4096,
		ContextLength:     200000,
		CostPer1KTokens:   0.00025,
		SupportsStreaming: true,
		SupportsTools:     false,
		CapabilityScore:   0.7,
	},
}

type AnthropicProvider struct {
	*BaseProvider
	apiKey  string
	baseURL string
	client  *http.Client
}

// Anthropic wire types. The Messages API takes the system prompt as a
// top-level field rather than a message in the list.

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewAnthropicProvider(cfg config.ProviderConfig) *AnthropicProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &AnthropicProvider{
		BaseProvider: NewBaseProvider(cfg.Name, "anthropic", anthropicModels, cfg.RateLimit, cfg.MaxRetries),
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
	}
}

func (p *AnthropicProvider) ChatCompletion(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	var chatResp *ChatResponse
	err := p.call(ctx, func(ctx context.Context) error {
		resp, err := p.doChatCompletion(ctx, request)
		if err != nil {
			return err
		}
		chatResp = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chatResp, nil
}

func (p *AnthropicProvider) doChatCompletion(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(p.adaptRequest(request, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := p.doRequest(ctx, body, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.upstreamError(resp.StatusCode, respBody)
	}

	var ar anthropicResponse
	if err := json.Unmarshal(respBody, &ar); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var content strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &ChatResponse{
		ID:      ar.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   request.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: content.String()},
			FinishReason: convertStopReason(ar.StopReason),
		}},
		Usage: Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
	}, nil
}

func (p *AnthropicProvider) ChatCompletionStream(ctx context.Context, request *ChatRequest) (<-chan StreamResponse, error) {
	body, err := json.Marshal(p.adaptRequest(request, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := p.gate.acquire(ctx); err != nil {
		return nil, err
	}

	resp, err := p.doRequest(ctx, body, "text/event-stream")
	if err != nil {
		p.gate.release()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		p.gate.release()
		return nil, p.upstreamError(resp.StatusCode, respBody)
	}

	streamChan := make(chan StreamResponse, 100)
	id := GenerateID()
	created := time.Now().Unix()

	go func() {
		defer close(streamChan)
		defer p.gate.release()
		defer func() { _ = resp.Body.Close() }()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "content_block_delta":
				streamChan <- StreamResponse{
					ID:      id,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   request.Model,
					Choices: []StreamChoice{{
						Delta: Message{Role: "assistant", Content: event.Delta.Text},
					}},
				}
			case "message_delta":
				if event.Delta.StopReason != "" {
					streamChan <- StreamResponse{
						ID:      id,
						Object:  "chat.completion.chunk",
						Created: created,
						Model:   request.Model,
						Choices: []StreamChoice{{
							FinishReason: convertStopReason(event.Delta.StopReason),
						}},
					}
				}
			case "message_stop":
				return
			}
		}
	}()

	return streamChan, nil
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	// Anthropic has no models listing endpoint; a minimal completion
	// against the cheapest model verifies credentials and reachability.
	one := 1
	_, err := p.doChatCompletion(ctx, &ChatRequest{
		Model:     "claude-3-haiku",
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: &one,
	})
	if err != nil {
		p.SetHealthy(false)
		return fmt.Errorf("health check failed: %w", err)
	}
	p.SetHealthy(true)
	return nil
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body []byte, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return resp, nil
}

// adaptRequest converts OpenAI-format messages to the Anthropic Messages
// API shape: system messages are lifted into the top-level system field.
func (p *AnthropicProvider) adaptRequest(request *ChatRequest, stream bool) *anthropicRequest {
	ar := &anthropicRequest{
		Model:       request.Model,
		Temperature: request.Temperature,
		TopP:        request.TopP,
		Stream:      stream,
		MaxTokens:   4096,
	}
	if request.MaxTokens != nil {
		ar.MaxTokens = *request.MaxTokens
	}

	for _, msg := range request.Messages {
		if msg.Role == "system" {
			if ar.System != "" {
				ar.System += "\n" + msg.Content
			} else {
				ar.System = msg.Content
			}
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	return ar
}

func (p *AnthropicProvider) upstreamError(status int, body []byte) error {
	var ae anthropicError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Error.Message != "" {
		return &ProviderError{Provider: p.GetName(), StatusCode: status, Message: ae.Error.Message}
	}
	return &ProviderError{Provider: p.GetName(), StatusCode: status, Message: string(body)}
}

func convertStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "":
		return ""
	default:
		return reason
	}
}
