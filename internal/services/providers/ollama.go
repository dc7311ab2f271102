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

var ollamaModels = []ModelInfo{
	{
		ID:                "mistral",
		Provider:          "ollama",
		Name:              "Mistral (ollama)",
		Description:       "Local Mistral model via Ollama",
		MaxTokens:         8192,
		ContextLength:     32768,
		CostPer1KTokens:   0,
		SupportsStreaming: true,
		SupportsTools:     false,
		CapabilityScore:   0.8,
	},
}

// OllamaProvider talks to a local Ollama server. Chat history is flattened
// into a single prompt for the generate endpoint.
type OllamaProvider struct {
	*BaseProvider
	baseURL string
	client  *http.Client
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func NewOllamaProvider(cfg config.ProviderConfig) *OllamaProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &OllamaProvider{
		BaseProvider: NewBaseProvider(cfg.Name, "ollama", ollamaModels, cfg.RateLimit, cfg.MaxRetries),
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
	}
}

func (p *OllamaProvider) ChatCompletion(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	var chatResp *ChatResponse
	err := p.call(ctx, func(ctx context.Context) error {
		resp, err := p.doGenerate(ctx, request)
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

func (p *OllamaProvider) doGenerate(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(p.adaptRequest(request, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/generate", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: p.GetName(), StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var or ollamaResponse
	if err := json.Unmarshal(respBody, &or); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &ChatResponse{
		ID:      GenerateID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   request.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: or.Response},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     or.PromptEvalCount,
			CompletionTokens: or.EvalCount,
			TotalTokens:      or.PromptEvalCount + or.EvalCount,
		},
	}, nil
}

func (p *OllamaProvider) ChatCompletionStream(ctx context.Context, request *ChatRequest) (<-chan StreamResponse, error) {
	body, err := json.Marshal(p.adaptRequest(request, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/generate", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := p.gate.acquire(ctx); err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.gate.release()
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		p.gate.release()
		return nil, &ProviderError{Provider: p.GetName(), StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	streamChan := make(chan StreamResponse, 100)
	id := GenerateID()
	created := time.Now().Unix()

	go func() {
		defer close(streamChan)
		defer p.gate.release()
		defer func() { _ = resp.Body.Close() }()

		// Ollama streams newline-delimited JSON objects.
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var or ollamaResponse
			if err := json.Unmarshal(scanner.Bytes(), &or); err != nil {
				continue
			}

			chunk := StreamResponse{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   request.Model,
				Choices: []StreamChoice{{
					Delta: Message{Role: "assistant", Content: or.Response},
				}},
			}
			if or.Done {
				chunk.Choices[0].FinishReason = "stop"
				streamChan <- chunk
				return
			}
			streamChan <- chunk
		}
	}()

	return streamChan, nil
}

func (p *OllamaProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

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

func (p *OllamaProvider) adaptRequest(request *ChatRequest, stream bool) *ollamaRequest {
	var prompt strings.Builder
	for _, msg := range request.Messages {
		switch msg.Role {
		case "system":
			prompt.WriteString("[system] ")
		case "assistant":
			prompt.WriteString("[assistant] ")
		default:
			prompt.WriteString("[user] ")
		}
		prompt.WriteString(msg.Content)
		prompt.WriteString("\n")
	}

	options := map[string]any{}
	if request.Temperature != nil {
		options["temperature"] = *request.Temperature
	}
	if request.TopP != nil {
		options["top_p"] = *request.TopP
	}
	if request.MaxTokens != nil {
		options["num_predict"] = *request.MaxTokens
	}

	return &ollamaRequest{
		Model:   request.Model,
		Prompt:  prompt.String(),
		Stream:  stream,
		Options: options,
	}
}
