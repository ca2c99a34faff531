// Package retry repeats an operation with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/score-agent/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	// Operation names the retried call in log lines
	Operation    string
	MaxAttempts  int           // including the first
	InitialDelay time.Duration // before the second attempt
	MaxDelay     time.Duration
	Multiplier   float64

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// Clock drives the backoff sleeps. Nil uses the real clock.
	Clock clock.Clock
}

// DefaultRetryConfig waits 1s, 2s, 4s between four attempts
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  4,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryResult describes how an operation ended
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// RetryFunc receives the 1-based attempt number
type RetryFunc func(ctx context.Context, attempt int) error

// WithExponentialBackoff calls fn until it succeeds, returns a non-retryable
// error, runs out of attempts or ctx ends
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) *RetryResult {
	clk := config.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	logger := logging.FromContext(ctx)
	if config.Operation != "" {
		logger = logger.WithField("operation", config.Operation)
	}

	start := clk.Now()
	result := &RetryResult{}
	finish := func(err error) *RetryResult {
		result.LastError = err
		result.Success = err == nil
		result.TotalDuration = clk.Since(start)
		return result
	}

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempts", attempt).Info("Succeeded after retry")
			}
			return finish(nil)
		}

		attemptLog := logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": config.MaxAttempts,
		}).WithError(err)

		switch {
		case config.Retryable != nil && !config.Retryable(err):
			attemptLog.Warn("Giving up on non-retryable error")
			return finish(err)
		case attempt >= config.MaxAttempts:
			attemptLog.Error("Giving up after max attempts")
			return finish(err)
		case ctx.Err() != nil:
			return finish(ctx.Err())
		}

		delay := calculateDelay(config, attempt)
		attemptLog.WithField("delay", delay.String()).Warn("Attempt failed, backing off")

		timer := clk.NewTimer(delay)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return finish(ctx.Err())
		}
	}
}

// calculateDelay returns InitialDelay * Multiplier^(attempt-1) capped at MaxDelay
func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	return time.Duration(math.Min(delay, float64(config.MaxDelay)))
}

// Do is WithExponentialBackoff reduced to an error that wraps the last failure
func Do(ctx context.Context, config *RetryConfig, fn RetryFunc) error {
	result := WithExponentialBackoff(ctx, config, fn)
	if result.Success {
		return nil
	}
	return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
}
