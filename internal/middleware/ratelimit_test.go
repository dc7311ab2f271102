package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/config"
)

func newRateLimiter(t *testing.T, limit int) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rl := NewRateLimiter(client, config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: limit,
	}, zap.NewNop())
	return rl, mr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(rl *RateLimiter, identity *Identity) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	if identity != nil {
		ctx := context.WithValue(req.Context(), identityContextKey, *identity)
		req = req.WithContext(ctx)
	}
	rec := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_UnderLimit(t *testing.T) {
	rl, _ := newRateLimiter(t, 5)
	identity := &Identity{UserID: "alice"}

	rec := doRequest(rl, identity)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_OverLimit(t *testing.T) {
	rl, _ := newRateLimiter(t, 3)
	identity := &Identity{UserID: "alice"}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, doRequest(rl, identity).Code)
	}

	rec := doRequest(rl, identity)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
}

func TestRateLimit_PerUserIsolation(t *testing.T) {
	rl, _ := newRateLimiter(t, 1)

	assert.Equal(t, http.StatusOK, doRequest(rl, &Identity{UserID: "alice"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(rl, &Identity{UserID: "alice"}).Code)

	// A different user gets their own window.
	assert.Equal(t, http.StatusOK, doRequest(rl, &Identity{UserID: "bob"}).Code)
}

func TestRateLimit_JWTOverride(t *testing.T) {
	rl, _ := newRateLimiter(t, 600)
	identity := &Identity{UserID: "alice", RateLimit: 2}

	assert.Equal(t, http.StatusOK, doRequest(rl, identity).Code)
	assert.Equal(t, http.StatusOK, doRequest(rl, identity).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(rl, identity).Code)
}

func TestRateLimit_AnonymousFallsBackToRemoteAddr(t *testing.T) {
	rl, _ := newRateLimiter(t, 1)

	assert.Equal(t, http.StatusOK, doRequest(rl, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(rl, nil).Code)
}

func TestRateLimit_Disabled(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rl := NewRateLimiter(client, config.RateLimitConfig{Enabled: false, RequestsPerMinute: 1}, zap.NewNop())

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, doRequest(rl, &Identity{UserID: "alice"}).Code)
	}
}

func TestRateLimit_FailsOpenWhenRedisDown(t *testing.T) {
	rl, mr := newRateLimiter(t, 1)
	mr.Close()

	assert.Equal(t, http.StatusOK, doRequest(rl, &Identity{UserID: "alice"}).Code)
	assert.Equal(t, http.StatusOK, doRequest(rl, &Identity{UserID: "alice"}).Code)
}

func TestRateLimit_WindowExpiry(t *testing.T) {
	rl, mr := newRateLimiter(t, 1)
	identity := &Identity{UserID: "alice"}

	assert.Equal(t, http.StatusOK, doRequest(rl, identity).Code)

	// The window key expires after a minute.
	mr.FastForward(61 * time.Second)
	assert.Equal(t, http.StatusOK, doRequest(rl, identity).Code)
}

func TestNewRateLimiter_DefaultLimit(t *testing.T) {
	rl := NewRateLimiter(nil, config.RateLimitConfig{Enabled: true}, zap.NewNop())
	assert.Equal(t, 600, rl.defaultLimit)
}
