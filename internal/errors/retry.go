package errors

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/AeyeOps/sitesync/internal/logging"
)

// RetryConfig configures retry behavior. MaxAttempts counts total attempts,
// not retries: MaxAttempts=3 means the operation runs at most three times.
type RetryConfig struct {
	MaxAttempts  int           // Total attempts including the first (default: 3)
	BaseDelay    time.Duration // Base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration // Maximum delay between attempts (default: 60s)
	Multiplier   float64       // Backoff growth factor (default: 2)
	JitterFactor float64       // Jitter factor for randomization (default: 0.25 = ±25%)
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.25,
	}
}

func (c RetryConfig) attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

func (c RetryConfig) multiplier() float64 {
	if c.Multiplier <= 0 {
		return 2
	}
	return c.Multiplier
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Retry executes a function with exponential backoff retry logic. Only
// transient errors are retried; the first permanent error is returned as is.
func Retry(ctx context.Context, config RetryConfig, logger logging.Logger, fn RetryableFunc) error {
	_, err := RetryWithResult(ctx, config, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult executes a function that returns a result with retry logic.
// It makes at most config.MaxAttempts calls. When every attempt fails with a
// transient error it returns an *ExhaustedError wrapping the last failure.
// Context cancellation aborts the loop with ctx.Err().
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)

	var lastErr error
	var zeroValue T

	attempts := config.attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return zeroValue, ctx.Err()
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("succeeded on attempt %d/%d", attempt, attempts)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("attempt %d/%d failed: %v", attempt, attempts, err)

		if !IsTransient(err) {
			return zeroValue, err
		}

		// No sleep after the last attempt.
		if attempt == attempts {
			break
		}

		delay := calculateBackoff(attempt, config)
		logger.Debug("waiting %v before attempt %d/%d", delay, attempt+1, attempts)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zeroValue, ctx.Err()
		}
	}

	logger.Warn("all %d attempt(s) exhausted: %v", attempts, lastErr)
	return zeroValue, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// calculateBackoff returns the delay after the nth completed attempt
// (1-based): BaseDelay * Multiplier^(n-1), capped at MaxDelay, with jitter.
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	growth := math.Pow(config.multiplier(), float64(attempt-1))
	delay := time.Duration(float64(config.BaseDelay) * growth)

	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		jitterAmount := (rand.Float64()*2 - 1) * jitter
		delay = time.Duration(float64(delay) + jitterAmount)

		if delay < 0 {
			delay = config.BaseDelay
		}
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return delay
}
