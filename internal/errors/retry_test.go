package errors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastRetryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  maxAttempts,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		JitterFactor: 0,
	}
}

func TestRetryWithResultSucceedsFirstTry(t *testing.T) {
	calls := 0
	result, err := RetryWithResult(context.Background(), fastRetryConfig(3), nil, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 1, calls)
}

func TestRetryWithResultRecoversAfterTransient(t *testing.T) {
	calls := 0
	result, err := RetryWithResult(context.Background(), fastRetryConfig(3), nil, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Transientf("temporary failure %d", calls)
		}
		return 42, nil
	})

	require.NoError(t, err)
	require.Equal(t, 42, result)
	require.Equal(t, 3, calls)
}

func TestRetryWithResultMakesExactlyMaxAttempts(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), fastRetryConfig(2), nil, func(ctx context.Context) (string, error) {
		calls++
		return "", Transientf("still down")
	})

	require.Error(t, err)
	require.Equal(t, 2, calls)
	require.True(t, IsExhausted(err))
	require.True(t, IsTransient(err))

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, exhausted.Attempts)
	require.Contains(t, err.Error(), "still down")
}

func TestRetryWithResultStopsOnPermanent(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), fastRetryConfig(5), nil, func(ctx context.Context) (string, error) {
		calls++
		return "", Permanentf("HTTP 404 fetching https://example.com")
	})

	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.False(t, IsExhausted(err))
	require.True(t, IsPermanent(err))
}

func TestRetryWithResultCoercesZeroAttempts(t *testing.T) {
	for _, maxAttempts := range []int{0, -1} {
		calls := 0
		_, err := RetryWithResult(context.Background(), fastRetryConfig(maxAttempts), nil, func(ctx context.Context) (string, error) {
			calls++
			return "", Transientf("down")
		})

		require.Error(t, err)
		require.Equal(t, 1, calls)

		var exhausted *ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		require.Equal(t, 1, exhausted.Attempts)
	}
}

func TestRetryWithResultHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := RetryWithResult(ctx, fastRetryConfig(10), nil, func(ctx context.Context) (string, error) {
		calls++
		cancel()
		return "", Transientf("down")
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestRetryNoResult(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), nil, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return Transientf("blip")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestCalculateBackoffGrowsAndClamps(t *testing.T) {
	config := RetryConfig{
		BaseDelay:    time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		JitterFactor: 0,
	}

	require.Equal(t, time.Second, calculateBackoff(1, config))
	require.Equal(t, 2*time.Second, calculateBackoff(2, config))
	require.Equal(t, 4*time.Second, calculateBackoff(3, config))
	require.Equal(t, 10*time.Second, calculateBackoff(10, config))
}

func TestCalculateBackoffJitterStaysInRange(t *testing.T) {
	config := RetryConfig{
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		JitterFactor: 0.25,
	}

	for i := 0; i < 50; i++ {
		delay := calculateBackoff(2, config)
		require.GreaterOrEqual(t, delay, 1500*time.Millisecond)
		require.LessOrEqual(t, delay, 2500*time.Millisecond)
	}
}
