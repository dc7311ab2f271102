package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/config"
)

const rateLimitWindow = time.Minute

// RateLimiter enforces a fixed-window per-user request limit backed by
// Redis, so the limit holds across gateway replicas. JWT callers can
// carry a per-user override in their rate_limit claim.
type RateLimiter struct {
	redis        *redis.Client
	logger       *zap.Logger
	enabled      bool
	defaultLimit int
}

func NewRateLimiter(redisClient *redis.Client, cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	limit := cfg.RequestsPerMinute
	if limit <= 0 {
		limit = 600
	}
	return &RateLimiter{
		redis:        redisClient,
		logger:       logger,
		enabled:      cfg.Enabled,
		defaultLimit: limit,
	}
}

func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		identity, _ := GetIdentity(r.Context())
		subject := identity.UserID
		if subject == "" {
			subject = r.RemoteAddr
		}

		limit := rl.defaultLimit
		if identity.RateLimit > 0 {
			limit = identity.RateLimit
		}

		window := time.Now().Unix() / int64(rateLimitWindow.Seconds())
		key := fmt.Sprintf("rate_limit:%s:%d", subject, window)

		count, err := rl.redis.Incr(r.Context(), key).Result()
		if err != nil {
			// Redis being down should not take requests with it.
			rl.logger.Warn("Rate limit check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			rl.redis.Expire(r.Context(), key, rateLimitWindow)
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		resetAt := (window + 1) * int64(rateLimitWindow.Seconds())

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if count > int64(limit) {
			retryAfter := resetAt - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			SendError(w, http.StatusTooManyRequests, "Rate limit exceeded", "rate_limit_error")
			return
		}

		next.ServeHTTP(w, r)
	})
}
