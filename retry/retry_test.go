package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig keeps test retries in the microsecond range.
func fastConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetryableError(t *testing.T) {
	base := errors.New("test error")
	retryableErr := NewRetryableError(base, true)

	assert.Equal(t, "test error", retryableErr.Error())
	assert.True(t, retryableErr.IsRetryable())
	assert.ErrorIs(t, retryableErr, base)

	nonRetryableErr := NewRetryableError(base, false)
	assert.False(t, nonRetryableErr.IsRetryable())
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, config.InitialDelay)
	assert.Equal(t, 10*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.BackoffFactor)
	assert.Equal(t, 30*time.Second, config.Timeout)
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	err := r.Do("noop", func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	err := r.Do("flaky", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	r := New(fastConfig())

	terminal := NewRetryableError(errors.New("bad request"), false)
	calls := 0
	err := r.Do("terminal", func() error {
		calls++
		return terminal
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, terminal, err)
}

func TestDoExhaustsRetries(t *testing.T) {
	r := New(fastConfig())

	base := errors.New("still down")
	calls := 0
	err := r.Do("down", func() error {
		calls++
		return base
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "failed after 4 attempts")
	assert.ErrorIs(t, err, base)
}

func TestDoWithContextCancelled(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = 50 * time.Millisecond
	r := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.DoWithContext(ctx, "cancelled", func(context.Context) error {
		calls++
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoWithContextOverallTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.InitialDelay = 50 * time.Millisecond
	r := New(cfg)

	err := r.DoWithContext(context.Background(), "slow", func(context.Context) error {
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCalculateDelayBounds(t *testing.T) {
	r := New(Config{
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      40 * time.Millisecond,
		BackoffFactor: 2.0,
	})

	assert.Equal(t, 10*time.Millisecond, r.calculateDelay(0))
	assert.Equal(t, 20*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 40*time.Millisecond, r.calculateDelay(2))
	// Capped at MaxDelay from here on.
	assert.Equal(t, 40*time.Millisecond, r.calculateDelay(5))
}

func TestCalculateDelayJitterStaysPositive(t *testing.T) {
	r := New(Config{
		InitialDelay:        time.Millisecond,
		MaxDelay:            time.Second,
		BackoffFactor:       2.0,
		RandomizationFactor: 0.5,
	})

	for attempt := 0; attempt < 8; attempt++ {
		d := r.calculateDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestIsRetryableNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp 127.0.0.1:8000: connect: connection refused"), true},
		{"io timeout", errors.New("read tcp: i/o timeout"), true},
		{"service unavailable", errors.New("unexpected status 503 Service Unavailable"), true},
		{"too many requests", errors.New("unexpected status 429 Too Many Requests"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"not found", errors.New("unexpected status 404 Not Found"), false},
		{"validation", errors.New("sensor_type is required"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableNetworkError(tt.err))
		})
	}
}

func TestWrapNetworkError(t *testing.T) {
	assert.NoError(t, WrapNetworkError(nil))

	wrapped := WrapNetworkError(errors.New("connection reset by peer"))
	var re *RetryableError
	require.ErrorAs(t, wrapped, &re)
	assert.True(t, re.IsRetryable())

	wrapped = WrapNetworkError(errors.New("bad payload"))
	require.ErrorAs(t, wrapped, &re)
	assert.False(t, re.IsRetryable())
}
