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

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  3,
		ResetTimeout:      20 * time.Millisecond,
		HalfOpenSuccesses: 2,
		HalfOpenMaxCalls:  2,
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("store", testBreakerConfig(), zap.NewNop())

	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.AllowRequest())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.AllowRequest())
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("store", testBreakerConfig(), zap.NewNop())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker("store", testBreakerConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())
	require.False(t, cb.AllowRequest())

	time.Sleep(25 * time.Millisecond)

	// First call after the timeout is the probe.
	assert.True(t, cb.AllowRequest())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// One more probe allowed, then the breaker holds.
	assert.True(t, cb.AllowRequest())
	assert.False(t, cb.AllowRequest())
}

func TestCircuitBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	cb := NewCircuitBreaker("store", testBreakerConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)
	require.True(t, cb.AllowRequest())

	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker("store", testBreakerConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)
	require.True(t, cb.AllowRequest())
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.AllowRequest())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker("store", testBreakerConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.AllowRequest())
	assert.Equal(t, CircuitBreakerMetrics{}, cb.Metrics())
}

func TestCircuitBreakerExecute(t *testing.T) {
	cb := NewCircuitBreaker("store", testBreakerConfig(), zap.NewNop())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
	}

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)

	metrics := cb.Metrics()
	assert.Equal(t, uint64(3), metrics.Failures)
	assert.Equal(t, uint64(1), metrics.Rejected)
}
