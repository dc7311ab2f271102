package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/services/budget"
	"github.com/tollgate-ai/tollgate/internal/services/flags"
	"github.com/tollgate-ai/tollgate/internal/services/providers"

	"github.com/shopspring/decimal"
)

func TestCheckRequestCap(t *testing.T) {
	p := &Pipeline{}

	t.Run("no cap set", func(t *testing.T) {
		err := p.checkRequestCap(&Request{}, decimal.NewFromFloat(100))
		assert.NoError(t, err)
	})

	t.Run("estimate under cap", func(t *testing.T) {
		limit := 0.5
		err := p.checkRequestCap(&Request{BudgetLimit: &limit}, decimal.NewFromFloat(0.4))
		assert.NoError(t, err)
	})

	t.Run("estimate at cap", func(t *testing.T) {
		limit := 0.5
		err := p.checkRequestCap(&Request{BudgetLimit: &limit}, decimal.NewFromFloat(0.5))
		assert.NoError(t, err)
	})

	t.Run("estimate over cap", func(t *testing.T) {
		limit := 0.5
		err := p.checkRequestCap(&Request{BudgetLimit: &limit}, decimal.NewFromFloat(0.6))
		assert.ErrorIs(t, err, budget.ErrInsufficientBudget)
	})
}

func TestSetSystemMessage(t *testing.T) {
	t.Run("replaces existing system message", func(t *testing.T) {
		in := []providers.Message{
			{Role: "system", Content: "old"},
			{Role: "user", Content: "hi"},
		}
		out := setSystemMessage(in, "new")

		require.Len(t, out, 2)
		assert.Equal(t, "new", out[0].Content)
		assert.Equal(t, "hi", out[1].Content)
		// Input untouched.
		assert.Equal(t, "old", in[0].Content)
	})

	t.Run("replaces only the first of several", func(t *testing.T) {
		in := []providers.Message{
			{Role: "system", Content: "first"},
			{Role: "system", Content: "second"},
		}
		out := setSystemMessage(in, "new")
		assert.Equal(t, "new", out[0].Content)
		assert.Equal(t, "second", out[1].Content)
	})

	t.Run("prepends when absent", func(t *testing.T) {
		in := []providers.Message{{Role: "user", Content: "hi"}}
		out := setSystemMessage(in, "sys")

		require.Len(t, out, 2)
		assert.Equal(t, "system", out[0].Role)
		assert.Equal(t, "sys", out[0].Content)
		assert.Equal(t, "user", out[1].Role)
	})
}

func TestAppendToLastUser(t *testing.T) {
	t.Run("appends to the final user message", func(t *testing.T) {
		in := []providers.Message{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "reply"},
			{Role: "user", Content: "second"},
		}
		out := appendToLastUser(in, "+ctx")

		assert.Equal(t, "first", out[0].Content)
		assert.Equal(t, "second+ctx", out[2].Content)
		assert.Equal(t, "second", in[2].Content)
	})

	t.Run("no user message", func(t *testing.T) {
		in := []providers.Message{{Role: "system", Content: "sys"}}
		out := appendToLastUser(in, "+ctx")
		assert.Equal(t, in, out)
	})
}

func TestLastUserContent(t *testing.T) {
	messages := []providers.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "latest"},
	}
	assert.Equal(t, "latest", lastUserContent(messages))
	assert.Equal(t, "", lastUserContent([]providers.Message{{Role: "assistant", Content: "x"}}))
	assert.Equal(t, "", lastUserContent(nil))
}

func TestProviderOf(t *testing.T) {
	assert.Equal(t, "primary", providerOf("primary:gpt-4"))
	assert.Equal(t, "local", providerOf("local:mistral:7b"))
	assert.Equal(t, "bare", providerOf("bare"))
}

func TestExecuteStream_DisabledByFlag(t *testing.T) {
	store := flags.NewStore(map[string]bool{flags.StreamingEnabled: false}, zap.NewNop())
	p := New(nil, nil, nil, nil, store, "balanced", zap.NewNop())

	_, err := p.ExecuteStream(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrStreamingDisabled)
}

func TestInjectContext_NoOpWithoutEngineOrContextID(t *testing.T) {
	p := New(nil, nil, nil, nil, flags.NewStore(nil, zap.NewNop()), "balanced", zap.NewNop())

	req := &Request{}
	req.Messages = []providers.Message{{Role: "user", Content: "hi"}}
	p.injectContext(context.Background(), req)

	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hi", req.Messages[0].Content)
}
