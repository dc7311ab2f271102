package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 3, config.MaxAttempts)
	assert.Equal(t, 1*time.Second, config.InitialDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.Multiplier)
}

func TestProviderConfig(t *testing.T) {
	config := ProviderConfig(3)
	assert.Equal(t, 4, config.MaxAttempts) // initial attempt + 3 retries

	config = ProviderConfig(0)
	assert.Equal(t, 4, config.MaxAttempts) // falls back to 3 retries

	config = ProviderConfig(-5)
	assert.Equal(t, 4, config.MaxAttempts)
}

func alwaysRetryable(error) bool { return true }

func TestDo_Success(t *testing.T) {
	ctx := context.Background()
	config := &Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	callCount := 0
	fn := func(ctx context.Context) error {
		callCount++
		return nil
	}

	err := Do(ctx, config, fn, alwaysRetryable)

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestDo_EventualSuccess(t *testing.T) {
	ctx := context.Background()
	config := &Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	callCount := 0
	fn := func(ctx context.Context) error {
		callCount++
		if callCount < 2 {
			return errors.New("connection timeout")
		}
		return nil
	}

	err := Do(ctx, config, fn, alwaysRetryable)

	assert.NoError(t, err)
	assert.Equal(t, 2, callCount)
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	ctx := context.Background()
	config := &Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	callCount := 0
	expectedErr := errors.New("persistent timeout")
	fn := func(ctx context.Context) error {
		callCount++
		return expectedErr
	}

	err := Do(ctx, config, fn, alwaysRetryable)

	assert.Error(t, err)
	assert.Equal(t, expectedErr, err)
	assert.Equal(t, 3, callCount)
}

func TestDo_NonRetryableError(t *testing.T) {
	ctx := context.Background()
	config := &Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	callCount := 0
	expectedErr := errors.New("400 Bad Request")
	fn := func(ctx context.Context) error {
		callCount++
		return expectedErr
	}

	err := Do(ctx, config, fn, func(error) bool { return false })

	assert.Error(t, err)
	assert.Equal(t, expectedErr, err)
	assert.Equal(t, 1, callCount) // Should not retry
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}

	callCount := 0
	fn := func(ctx context.Context) error {
		callCount++
		if callCount == 1 {
			go func() {
				time.Sleep(50 * time.Millisecond)
				cancel()
			}()
		}
		return errors.New("connection timeout")
	}

	err := Do(ctx, config, fn, alwaysRetryable)

	assert.Error(t, err)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 1, callCount) // Should only call once before cancellation
}

func TestDo_WithNilConfig(t *testing.T) {
	ctx := context.Background()

	callCount := 0
	fn := func(ctx context.Context) error {
		callCount++
		return nil
	}

	err := Do(ctx, nil, fn, alwaysRetryable)

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestDo_WithNilIsRetryable(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()

	callCount := 0
	expectedErr := errors.New("connection timeout")
	fn := func(ctx context.Context) error {
		callCount++
		return expectedErr
	}

	// Nil classifier means nothing is retryable.
	err := Do(ctx, config, fn, nil)

	assert.Equal(t, expectedErr, err)
	assert.Equal(t, 1, callCount)
}

func TestDo_ExponentialBackoff(t *testing.T) {
	ctx := context.Background()
	config := &Config{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	callTimes := make([]time.Time, 0)
	fn := func(ctx context.Context) error {
		callTimes = append(callTimes, time.Now())
		return errors.New("connection timeout")
	}

	start := time.Now()
	err := Do(ctx, config, fn, alwaysRetryable)

	assert.Error(t, err)
	require.Len(t, callTimes, 4)

	// First call is immediate.
	assert.WithinDuration(t, start, callTimes[0], 5*time.Millisecond)

	// Second call after InitialDelay (10ms).
	actualDelay1 := callTimes[1].Sub(callTimes[0])
	assert.InDelta(t, (10 * time.Millisecond).Nanoseconds(), actualDelay1.Nanoseconds(), float64(8*time.Millisecond.Nanoseconds()))

	// Third call after 20ms (10ms * 2.0).
	actualDelay2 := callTimes[2].Sub(callTimes[1])
	assert.InDelta(t, (20 * time.Millisecond).Nanoseconds(), actualDelay2.Nanoseconds(), float64(8*time.Millisecond.Nanoseconds()))
}

func TestDo_DelayCappedAtMaxDelay(t *testing.T) {
	ctx := context.Background()
	config := &Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     15 * time.Millisecond,
		Multiplier:   4.0,
	}

	callTimes := make([]time.Time, 0)
	fn := func(ctx context.Context) error {
		callTimes = append(callTimes, time.Now())
		return errors.New("connection timeout")
	}

	Do(ctx, config, fn, alwaysRetryable)

	require.Len(t, callTimes, 5)
	for i := 2; i < len(callTimes); i++ {
		delay := callTimes[i].Sub(callTimes[i-1])
		assert.Less(t, delay, 40*time.Millisecond, "delay %d should be capped near MaxDelay", i)
	}
}

func TestDo_EdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("zero max attempts", func(t *testing.T) {
		config := &Config{MaxAttempts: 0}
		callCount := 0
		fn := func(ctx context.Context) error {
			callCount++
			return errors.New("error")
		}

		err := Do(ctx, config, fn, alwaysRetryable)
		assert.NoError(t, err) // No attempts means no error
		assert.Equal(t, 0, callCount)
	})

	t.Run("one max attempt", func(t *testing.T) {
		config := &Config{MaxAttempts: 1}
		callCount := 0
		fn := func(ctx context.Context) error {
			callCount++
			return errors.New("timeout")
		}

		err := Do(ctx, config, fn, alwaysRetryable)
		assert.Error(t, err)
		assert.Equal(t, 1, callCount)
	})

	t.Run("zero initial delay", func(t *testing.T) {
		config := &Config{
			MaxAttempts:  2,
			InitialDelay: 0,
			MaxDelay:     1 * time.Second,
			Multiplier:   2.0,
		}

		callTimes := make([]time.Time, 0)
		fn := func(ctx context.Context) error {
			callTimes = append(callTimes, time.Now())
			return errors.New("timeout")
		}

		Do(ctx, config, fn, alwaysRetryable)

		require.Len(t, callTimes, 2)
		delay := callTimes[1].Sub(callTimes[0])
		assert.True(t, delay < 10*time.Millisecond)
	})
}

func TestDo_ConcurrentSafety(t *testing.T) {
	ctx := context.Background()
	config := &Config{
		MaxAttempts:  2,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}

	const numGoroutines = 100
	results := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			fn := func(ctx context.Context) error {
				if id%2 == 0 {
					return nil
				}
				return errors.New("timeout")
			}

			results <- Do(ctx, config, fn, alwaysRetryable)
		}(i)
	}

	successes := 0
	failures := 0
	for i := 0; i < numGoroutines; i++ {
		if err := <-results; err == nil {
			successes++
		} else {
			failures++
		}
	}

	assert.Equal(t, 50, successes)
	assert.Equal(t, 50, failures)
}

func BenchmarkDo_Success(b *testing.B) {
	ctx := context.Background()
	config := DefaultConfig()
	fn := func(ctx context.Context) error {
		return nil
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Do(ctx, config, fn, alwaysRetryable)
	}
}
