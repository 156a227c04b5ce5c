package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func retryTestConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.MaxTransientRetries = 2
	cfg.RemoteTimeout = time.Second
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	return cfg
}

func TestRetryRemote_HonoursRetryAfter(t *testing.T) {
	var waits []time.Duration
	calls := 0

	res, err := retryRemote(context.Background(), retryTestConfig(), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewThrottledError("throttled", nil).WithDetail(DetailRetryAfter, 30*time.Millisecond)
		}
		return "ok", nil
	}, func(err error, wait time.Duration) {
		assert.True(t, IsThrottled(err))
		waits = append(waits, wait)
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, []time.Duration{30 * time.Millisecond}, waits)
}

func TestRetryRemote_ExhaustedThrottleKeepsError(t *testing.T) {
	calls := 0
	_, err := retryRemote(context.Background(), retryTestConfig(), func(ctx context.Context) (int, error) {
		calls++
		return 0, NewThrottledError("throttled", nil).WithDetail(DetailRetryAfter, time.Millisecond)
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsThrottled(err))
	assert.NotNil(t, AsEngineError(err))
	var tw *throttleWait
	assert.False(t, errors.As(err, &tw))
}

func TestRetryRemote_RejectionNotRetried(t *testing.T) {
	calls := 0
	_, err := retryRemote(context.Background(), retryTestConfig(), func(ctx context.Context) (int, error) {
		calls++
		return 0, NewRejection("File Size", "invalid")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsRejection(err))
}

func TestRetryAfterHint(t *testing.T) {
	_, ok := RetryAfterHint(NewThrottledError("throttled", nil))
	assert.False(t, ok)

	_, ok = RetryAfterHint(NewTransientError("down", nil).WithDetail(DetailRetryAfter, time.Second))
	assert.False(t, ok, "only throttled errors carry a hint")

	wait, ok := RetryAfterHint(NewThrottledError("throttled", nil).WithDetail(DetailRetryAfter, time.Hour))
	assert.True(t, ok)
	assert.Equal(t, maxRetryAfter, wait)
}
