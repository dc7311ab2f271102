package providers

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/config"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"upstream 500", &ProviderError{Provider: "openai", StatusCode: 500, Message: "boom"}, true},
		{"upstream 502", &ProviderError{Provider: "openai", StatusCode: 502, Message: "bad gateway"}, true},
		{"upstream 503", &ProviderError{Provider: "openai", StatusCode: 503, Message: "overloaded"}, true},
		{"upstream 429 is not retried", &ProviderError{Provider: "openai", StatusCode: 429, Message: "slow down"}, false},
		{"upstream 400", &ProviderError{Provider: "openai", StatusCode: 400, Message: "bad request"}, false},
		{"upstream 401", &ProviderError{Provider: "openai", StatusCode: 401, Message: "bad key"}, false},
		{"transport timeout", &net.DNSError{Err: "timeout", IsTimeout: true}, true},
		{"plain error", errors.New("something else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryableError(tt.err))
		})
	}
}

func TestIsRetryableError_WrappedProviderError(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), &ProviderError{Provider: "openai", StatusCode: 503})
	assert.True(t, IsRetryableError(wrapped))
}

func TestProviderError_Message(t *testing.T) {
	err := &ProviderError{Provider: "openai", StatusCode: 503, Message: "overloaded"}
	assert.Contains(t, err.Error(), "openai")
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "overloaded")
}

func TestGenerateID(t *testing.T) {
	id := GenerateID()
	assert.True(t, strings.HasPrefix(id, "chatcmpl-"))
	assert.Len(t, id, len("chatcmpl-")+29)
	assert.NotEqual(t, id, GenerateID())
}

func TestBaseProvider_Identity(t *testing.T) {
	p := NewBaseProvider("primary", "openai", openAIModels, 60, 3)

	assert.Equal(t, "primary", p.GetName())
	assert.Equal(t, "openai", p.GetType())
	assert.True(t, p.IsHealthy())

	p.SetHealthy(false)
	assert.False(t, p.IsHealthy())
}

func TestBaseProvider_SupportsModel(t *testing.T) {
	p := NewBaseProvider("primary", "openai", openAIModels, 60, 3)

	assert.True(t, p.SupportsModel("gpt-4"))
	assert.False(t, p.SupportsModel("claude-3-opus"))
}

func TestBaseProvider_ListModelsReturnsCopy(t *testing.T) {
	p := NewBaseProvider("primary", "openai", openAIModels, 60, 3)

	models := p.ListModels()
	require.NotEmpty(t, models)
	models[0].ID = "mutated"

	assert.NotEqual(t, "mutated", p.ListModels()[0].ID)
}

func TestModelInfoKey(t *testing.T) {
	m := ModelInfo{ID: "gpt-4", Provider: "primary"}
	assert.Equal(t, "primary:gpt-4", m.Key())
}

func TestParseSSEStream(t *testing.T) {
	body := strings.NewReader(
		"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n" +
			"\n" +
			": keepalive comment\n" +
			"data: not json at all\n" +
			"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n" +
			"data: [DONE]\n" +
			"data: {\"id\":\"after-done\"}\n")

	ch := make(chan StreamResponse, 10)
	parseSSEStream(body, ch)
	close(ch)

	var chunks []StreamResponse
	for c := range ch {
		chunks = append(chunks, c)
	}

	require.Len(t, chunks, 2)
	assert.Equal(t, "Hel", chunks[0].Choices[0].Delta.Content)
	assert.Equal(t, "lo", chunks[1].Choices[0].Delta.Content)
	assert.Equal(t, "stop", chunks[1].Choices[0].FinishReason)
}

func TestRateGate_BoundsConcurrency(t *testing.T) {
	// Two slots with no spacing, to isolate the semaphore behavior.
	g := &rateGate{sem: make(chan struct{}, 2)}
	ctx := context.Background()

	require.NoError(t, g.acquire(ctx))
	require.NoError(t, g.acquire(ctx))

	// Both slots held: a third acquire must block until release.
	ctx3, cancel3 := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel3()
	err := g.acquire(ctx3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	g.release()

	require.NoError(t, g.acquire(ctx))
	g.release()
	g.release()
}

func TestRateGate_ZeroLimitDefaults(t *testing.T) {
	g := newRateGate(0)
	assert.Equal(t, 60, cap(g.sem))
	assert.Equal(t, time.Second, g.minInterval)
}

func TestRateGate_MinimumSpacing(t *testing.T) {
	// 1200 requests per minute = 50ms spacing.
	g := newRateGate(1200)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, g.acquire(ctx))
	g.release()
	require.NoError(t, g.acquire(ctx))
	g.release()
	require.NoError(t, g.acquire(ctx))
	g.release()

	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestConvertStopReason(t *testing.T) {
	assert.Equal(t, "stop", convertStopReason("end_turn"))
	assert.Equal(t, "stop", convertStopReason("stop_sequence"))
	assert.Equal(t, "length", convertStopReason("max_tokens"))
	assert.Equal(t, "", convertStopReason(""))
	assert.Equal(t, "tool_use", convertStopReason("tool_use"))
}

func TestAnthropicAdaptRequest(t *testing.T) {
	p := NewAnthropicProvider(config.ProviderConfig{Name: "anthropic"})

	temp := 0.7
	req := &ChatRequest{
		Model:       "claude-3-sonnet",
		Temperature: &temp,
		Messages: []Message{
			{Role: "system", Content: "Be terse."},
			{Role: "user", Content: "Hi"},
			{Role: "system", Content: "And polite."},
			{Role: "assistant", Content: "Hello"},
		},
	}

	ar := p.adaptRequest(req, true)

	assert.Equal(t, "Be terse.\nAnd polite.", ar.System)
	require.Len(t, ar.Messages, 2)
	assert.Equal(t, "user", ar.Messages[0].Role)
	assert.Equal(t, "assistant", ar.Messages[1].Role)
	assert.True(t, ar.Stream)
	assert.Equal(t, 4096, ar.MaxTokens)
	assert.Equal(t, &temp, ar.Temperature)

	maxTokens := 1024
	req.MaxTokens = &maxTokens
	assert.Equal(t, 1024, p.adaptRequest(req, false).MaxTokens)
}

func TestOllamaAdaptRequest(t *testing.T) {
	p := NewOllamaProvider(config.ProviderConfig{Name: "local"})

	temp := 0.2
	topP := 0.9
	maxTokens := 256
	req := &ChatRequest{
		Model:       "mistral",
		Temperature: &temp,
		TopP:        &topP,
		MaxTokens:   &maxTokens,
		Messages: []Message{
			{Role: "system", Content: "Be terse."},
			{Role: "user", Content: "Hi"},
			{Role: "assistant", Content: "Hello"},
		},
	}

	or := p.adaptRequest(req, false)

	assert.Equal(t, "[system] Be terse.\n[user] Hi\n[assistant] Hello\n", or.Prompt)
	assert.Equal(t, "mistral", or.Model)
	assert.False(t, or.Stream)
	assert.Equal(t, 0.2, or.Options["temperature"])
	assert.Equal(t, 0.9, or.Options["top_p"])
	assert.Equal(t, 256, or.Options["num_predict"])
}

func TestBuild(t *testing.T) {
	logger := zap.NewNop()

	t.Run("disabled providers are skipped", func(t *testing.T) {
		provs, err := Build([]config.ProviderConfig{
			{Name: "primary", Type: "openai", Enabled: false},
		}, logger)
		require.NoError(t, err)
		assert.Empty(t, provs)
	})

	t.Run("all known types", func(t *testing.T) {
		provs, err := Build([]config.ProviderConfig{
			{Name: "oai", Type: "openai", Enabled: true},
			{Name: "claude", Type: "anthropic", Enabled: true},
			{Name: "local", Type: "ollama", Enabled: true},
		}, logger)
		require.NoError(t, err)
		require.Len(t, provs, 3)
		assert.Equal(t, "openai", provs["oai"].GetType())
		assert.Equal(t, "anthropic", provs["claude"].GetType())
		assert.Equal(t, "ollama", provs["local"].GetType())
	})

	t.Run("unknown type is a config error", func(t *testing.T) {
		_, err := Build([]config.ProviderConfig{
			{Name: "x", Type: "bedrock", Enabled: true},
		}, logger)
		assert.Error(t, err)
	})

	t.Run("duplicate names rejected", func(t *testing.T) {
		_, err := Build([]config.ProviderConfig{
			{Name: "primary", Type: "openai", Enabled: true},
			{Name: "primary", Type: "anthropic", Enabled: true},
		}, logger)
		assert.Error(t, err)
	})
}
