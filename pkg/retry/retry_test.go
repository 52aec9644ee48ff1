package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_Success(t *testing.T) {
	var calls int32
	err := Do(context.Background(), fastConfig(3), func() error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return errors.New("lost reply")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	cause := errors.New("lost reply")
	var calls int32
	err := Do(context.Background(), fastConfig(3), func() error {
		atomic.AddInt32(&calls, 1)
		return cause
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int32(3), calls)
}

func TestRetry_NonRetryable(t *testing.T) {
	var calls int32
	err := Do(context.Background(), fastConfig(5), func() error {
		atomic.AddInt32(&calls, 1)
		return NonRetryable(errors.New("bad address"))
	})
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, int32(1), calls)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(5), func() error {
		return errors.New("lost reply")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func() error { return nil })
	assert.Error(t, err)

	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error { return nil })
	assert.Error(t, err)
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int32
	_ = Do(context.Background(), Config{InitialDelay: time.Millisecond}, func() error {
		atomic.AddInt32(&calls, 1)
		return errors.New("fail")
	})
	assert.Equal(t, int32(1), calls)
}

func TestRetry_WithResult(t *testing.T) {
	var calls int
	got, err := DoWithResult(context.Background(), fastConfig(3), func() ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("timeout")
		}
		return []byte{1, 2, 3}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestTransferConfig(t *testing.T) {
	cfg := Transfer()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.False(t, cfg.AddJitter)
	assert.LessOrEqual(t, cfg.InitialDelay, cfg.MaxDelay)
}
