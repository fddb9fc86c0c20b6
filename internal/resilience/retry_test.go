package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  3,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	p := NewRetryPolicy("connect", testRetryConfig(), zap.NewNop())

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(1), p.Metrics().Successes)
}

func TestRetryReturnsLastErrorWhenExhausted(t *testing.T) {
	p := NewRetryPolicy("connect", testRetryConfig(), zap.NewNop())

	boom := errors.New("still down")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(1), p.Metrics().Failures)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	p := NewRetryPolicy("connect", testRetryConfig(), zap.NewNop())

	fatal := errors.New("bad credentials")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return NewRetryableError(fatal, false)
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	config := testRetryConfig()
	config.InitialDelay = 50 * time.Millisecond
	p := NewRetryPolicy("connect", config, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func(ctx context.Context) error {
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryHonorsMaxDuration(t *testing.T) {
	config := RetryConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  1000,
		Multiplier:   1.0,
		MaxDuration:  20 * time.Millisecond,
	}
	p := NewRetryPolicy("connect", config, zap.NewNop())

	err := p.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, ErrMaxDurationReached)
}

func TestRetryDelayGrowsAndStaysCapped(t *testing.T) {
	config := RetryConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		MaxAttempts:  10,
		Multiplier:   2.0,
		Jitter:       false,
	}
	p := NewRetryPolicy("connect", config, zap.NewNop())

	assert.Equal(t, 10*time.Millisecond, p.nextDelay(0))
	assert.Equal(t, 20*time.Millisecond, p.nextDelay(1))
	assert.Equal(t, 40*time.Millisecond, p.nextDelay(2))
	assert.Equal(t, 40*time.Millisecond, p.nextDelay(5))
}

func TestRetryJitterStaysWithinBounds(t *testing.T) {
	config := RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		MaxAttempts:  10,
		Multiplier:   1.0,
		Jitter:       true,
	}
	p := NewRetryPolicy("connect", config, zap.NewNop())

	for i := 0; i < 50; i++ {
		d := p.nextDelay(0)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}
