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

var openAIModels = []ModelInfo{
	{
		ID:                "gpt-3.5-turbo",
		Provider:          "openai",
		Name:              "GPT-3.5 Turbo",
		Description:       "Fast, capable model for most tasks",
		MaxTokens:         4096,
		ContextLength:     16385,
		CostPer1KTokens:   0.002,
		SupportsStreaming: true,
		SupportsTools:     true,
		CapabilityScore:   0.7,
	},
	{
		ID:                "gpt-4",
		Provider:          "openai",
		Name:              "GPT-4",
		Description:       "Most capable model for complex tasks",
		MaxTokens:         8192,
		ContextLength:     8192,
		CostPer1KTokens:   0.03,
		SupportsStreaming: true,
		SupportsTools:     true,
		CapabilityScore:   0.9,
	},
	{
		ID:                "gpt-4-turbo-preview",
		Provider:          "openai",
		Name:              "GPT-4 Turbo",
		Description:       "Latest GPT-4 model with improved performance",
		MaxTokens:         4096,
		ContextLength:     128000,
		CostPer1KTokens:   0.01,
		SupportsStreaming: true,
		SupportsTools:     true,
		CapabilityScore:   0.95,
	},
}

type OpenAIProvider struct {
	*BaseProvider
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewOpenAIProvider(cfg config.ProviderConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(cfg.Name, "openai", openAIModels, cfg.RateLimit, cfg.MaxRetries),
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIProvider) ChatCompletion(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
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

func (p *OpenAIProvider) doChatCompletion(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.upstreamError(resp.StatusCode, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &chatResp, nil
}

func (p *OpenAIProvider) ChatCompletionStream(ctx context.Context, request *ChatRequest) (<-chan StreamResponse, error) {
	request.Stream = true

	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	if err := p.gate.acquire(ctx); err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.gate.release()
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		p.gate.release()
		return nil, p.upstreamError(resp.StatusCode, body)
	}

	streamChan := make(chan StreamResponse, 100)
	go func() {
		defer close(streamChan)
		defer p.gate.release()
		defer func() { _ = resp.Body.Close() }()
		parseSSEStream(resp.Body, streamChan)
	}()

	return streamChan, nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		p.SetHealthy(false)
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		p.SetHealthy(false)
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	p.SetHealthy(true)
	return nil
}

func (p *OpenAIProvider) upstreamError(status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &ProviderError{Provider: p.GetName(), StatusCode: status, Message: errResp.Error.Message}
	}
	return &ProviderError{Provider: p.GetName(), StatusCode: status, Message: string(body)}
}

// parseSSEStream reads an OpenAI-format SSE body and forwards each decoded
// chunk. Malformed data lines are skipped; "[DONE]" terminates the stream.
func parseSSEStream(body io.Reader, streamChan chan<- StreamResponse) {
	reader := bufio.NewReader(body)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var streamResp StreamResponse
		if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
			continue
		}
		streamChan <- streamResp
	}
}
