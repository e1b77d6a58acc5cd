// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package retry provides bounded exponential backoff with jitter for
// outbound calls, used by the client SDK. The server never retries report
// delivery; a failed dispatch is final.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"anomaly-sentinel/logger"
)

// RetryableError marks an error as retryable or terminal.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r *RetryableError) Error() string {
	return r.Err.Error()
}

// Unwrap exposes the wrapped error to errors.Is and errors.As.
func (r *RetryableError) Unwrap() error {
	return r.Err
}

// IsRetryable returns true if the error can be retried.
func (r *RetryableError) IsRetryable() bool {
	return r.Retryable
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(err error, retryable bool) *RetryableError {
	return &RetryableError{Err: err, Retryable: retryable}
}

// Config holds retry configuration.
type Config struct {
	MaxRetries          int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	BackoffFactor       float64
	RandomizationFactor float64
	Timeout             time.Duration
}

// DefaultConfig returns a default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		InitialDelay:        100 * time.Millisecond,
		MaxDelay:            10 * time.Second,
		BackoffFactor:       2.0,
		RandomizationFactor: 0.1,
		Timeout:             30 * time.Second,
	}
}

// RetryFunc is a function that can be retried.
type RetryFunc func() error

// RetryFuncWithContext is a function that can be retried with context.
type RetryFuncWithContext func(ctx context.Context) error

// Retryer handles retry logic with exponential backoff.
type Retryer struct {
	config Config
}

// New creates a new Retryer.
func New(config Config) *Retryer {
	return &Retryer{config: config}
}

// Do executes the function with retry logic.
func (r *Retryer) Do(operation string, fn RetryFunc) error {
	return r.DoWithContext(context.Background(), operation, func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes the function with retry logic and context. The
// whole attempt sequence shares one deadline when Config.Timeout is set.
func (r *Retryer) DoWithContext(ctx context.Context, operation string, fn RetryFuncWithContext) error {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Operation %s succeeded after %d retries", operation, attempt)
			}
			return nil
		}
		lastErr = err

		if retryableErr, ok := err.(*RetryableError); ok && !retryableErr.IsRetryable() {
			logger.Warn("Operation %s failed with non-retryable error: %v", operation, err)
			return err
		}

		if attempt >= r.config.MaxRetries {
			logger.Error("Operation %s failed after %d attempts: %v", operation, attempt+1, err)
			break
		}

		delay := r.calculateDelay(attempt)
		logger.Debug("Operation %s failed (attempt %d/%d), retrying in %v: %v",
			operation, attempt+1, r.config.MaxRetries+1, delay, err)

		select {
		case <-ctx.Done():
			logger.Warn("Operation %s canceled during retry attempt %d", operation, attempt+1)
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", operation, r.config.MaxRetries+1, lastErr)
}

// calculateDelay applies exponential backoff with jitter to the delay for
// the given attempt.
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt)))

	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}

	if r.config.RandomizationFactor > 0 {
		jitter := float64(delay) * r.config.RandomizationFactor * (rand.Float64()*2 - 1)
		delay = time.Duration(float64(delay) + jitter)
	}

	if delay < time.Millisecond {
		delay = time.Millisecond
	}

	return delay
}

// IsRetryableNetworkError determines if a transport-level error should be
// retried.
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"context deadline exceeded",
		"temporary failure",
		"too many requests",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout",
		"EOF",
		"i/o timeout",
	}

	for _, pattern := range retryablePatterns {
		if contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// contains checks if a string contains a substring (case-insensitive).
func contains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// WrapNetworkError wraps a transport error as retryable or non-retryable.
func WrapNetworkError(err error) error {
	if err == nil {
		return nil
	}

	return NewRetryableError(err, IsRetryableNetworkError(err))
}
