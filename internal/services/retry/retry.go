package retry

import (
	"context"
	"time"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (including initial)
	InitialDelay time.Duration // Initial delay between retries
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Backoff multiplier
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// ProviderConfig is the policy used for upstream provider calls: delays of
// 1s, 2s, 4s, ... between attempts.
func ProviderConfig(maxRetries int) *Config {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Config{
		MaxAttempts:  maxRetries + 1,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// IsRetryable decides whether an error should trigger another attempt.
type IsRetryable func(error) bool

// Do executes fn, retrying on errors the classifier accepts. The last
// error is returned when attempts are exhausted.
func Do(ctx context.Context, config *Config, fn RetryableFunc, isRetryable IsRetryable) error {
	if config == nil {
		config = DefaultConfig()
	}
	if isRetryable == nil {
		isRetryable = func(error) bool { return false }
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		if attempt > 0 {
			delay = time.Duration(float64(delay) * config.Multiplier)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}
