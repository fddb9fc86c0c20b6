// Package resilience guards the telemetry hub's external dependencies.
//
// The store and the MQTT broker are the two things that fail in the
// field, so the package implements the three patterns the server wraps
// around them:
//
// - Circuit breaker: stops hammering a store that keeps erroring
// - Bulkhead: caps concurrent writes so a slow store cannot pile up goroutines
// - Retry: exponential backoff with jitter for connect-time failures
//
// Manager combines the breaker and bulkhead into a single guard for the
// hot write path; RetryPolicy is used on its own for startup and
// reconnect loops.
package resilience

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var (
	// ErrCircuitBreakerOpen is returned when the circuit breaker rejects a call
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// ErrBulkheadFull is returned when no bulkhead slot became available
	ErrBulkheadFull = errors.New("bulkhead is full")

	// ErrMaxRetriesReached is returned when the retry budget is exhausted
	ErrMaxRetriesReached = errors.New("maximum retries reached")

	// ErrMaxDurationReached is returned when the total retry duration is exhausted
	ErrMaxDurationReached = errors.New("maximum retry duration reached")
)

// RetryableError lets an operation mark an error as permanent so the
// retry policy stops early instead of burning the remaining attempts.
type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	err       error
	retryable bool
}

func (e *retryableError) Error() string     { return e.err.Error() }
func (e *retryableError) Unwrap() error     { return e.err }
func (e *retryableError) IsRetryable() bool { return e.retryable }

// NewRetryableError wraps err with an explicit retryable flag.
func NewRetryableError(err error, retryable bool) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err, retryable: retryable}
}

// Manager combines a circuit breaker and a bulkhead into one guard for
// a named dependency.
type Manager struct {
	name     string
	breaker  *CircuitBreaker
	bulkhead *Bulkhead
	logger   *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used by the manager and any components it
// creates itself.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithCircuitBreaker replaces the default circuit breaker.
func WithCircuitBreaker(cb *CircuitBreaker) ManagerOption {
	return func(m *Manager) {
		m.breaker = cb
	}
}

// WithBulkhead replaces the default bulkhead.
func WithBulkhead(b *Bulkhead) ManagerOption {
	return func(m *Manager) {
		m.bulkhead = b
	}
}

// NewManager creates a guard for the named dependency with default
// breaker and bulkhead settings unless options replace them.
func NewManager(name string, opts ...ManagerOption) *Manager {
	m := &Manager{name: name}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger, _ = zap.NewProduction()
	}
	if m.breaker == nil {
		m.breaker = NewCircuitBreaker(name, DefaultCircuitBreakerConfig(), m.logger)
	}
	if m.bulkhead == nil {
		m.bulkhead = NewBulkhead(name, DefaultBulkheadConfig(), m.logger)
	}
	return m
}

// Execute runs op behind the circuit breaker and bulkhead. The breaker
// is consulted first so an open circuit never consumes a bulkhead slot.
func (m *Manager) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !m.breaker.AllowRequest() {
		m.breaker.RecordRejected()
		m.logger.Warn("Request rejected by open circuit",
			zap.String("name", m.name))
		return ErrCircuitBreakerOpen
	}

	if !m.bulkhead.Acquire(ctx) {
		return ErrBulkheadFull
	}
	defer m.bulkhead.Release()

	if err := op(ctx); err != nil {
		m.breaker.RecordFailure()
		return err
	}
	m.breaker.RecordSuccess()
	return nil
}

// CircuitState reports the breaker state for health introspection.
func (m *Manager) CircuitState() CircuitState {
	return m.breaker.State()
}

// CircuitBreaker returns the underlying breaker.
func (m *Manager) CircuitBreaker() *CircuitBreaker {
	return m.breaker
}

// Bulkhead returns the underlying bulkhead.
func (m *Manager) Bulkhead() *Bulkhead {
	return m.bulkhead
}
