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

func newTestManager() *Manager {
	return NewManager("store",
		WithLogger(zap.NewNop()),
		WithCircuitBreaker(NewCircuitBreaker("store", CircuitBreakerConfig{
			FailureThreshold:  2,
			ResetTimeout:      20 * time.Millisecond,
			HalfOpenSuccesses: 1,
			HalfOpenMaxCalls:  1,
		}, zap.NewNop())),
		WithBulkhead(NewBulkhead("store", BulkheadConfig{
			MaxConcurrent:  2,
			AcquireTimeout: 10 * time.Millisecond,
		}, zap.NewNop())),
	)
}

func TestManagerExecutePassesThroughSuccess(t *testing.T) {
	m := newTestManager()

	called := false
	err := m.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, CircuitClosed, m.CircuitState())
}

func TestManagerExecutePropagatesOperationError(t *testing.T) {
	m := newTestManager()
	boom := errors.New("write failed")

	err := m.Execute(context.Background(), func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestManagerExecuteRejectsWhenCircuitOpens(t *testing.T) {
	m := newTestManager()
	boom := errors.New("write failed")

	for i := 0; i < 2; i++ {
		_ = m.Execute(context.Background(), func(ctx context.Context) error {
			return boom
		})
	}
	require.Equal(t, CircuitOpen, m.CircuitState())

	calls := 0
	err := m.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, 0, calls)
}

func TestManagerExecuteRecoversThroughHalfOpen(t *testing.T) {
	m := newTestManager()
	boom := errors.New("write failed")

	for i := 0; i < 2; i++ {
		_ = m.Execute(context.Background(), func(ctx context.Context) error {
			return boom
		})
	}
	require.Equal(t, CircuitOpen, m.CircuitState())

	time.Sleep(25 * time.Millisecond)

	err := m.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, m.CircuitState())
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager("store", WithLogger(zap.NewNop()))

	require.NotNil(t, m.CircuitBreaker())
	require.NotNil(t, m.Bulkhead())
	assert.Equal(t, CircuitClosed, m.CircuitState())
}
