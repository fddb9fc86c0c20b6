package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int32

const (
	// CircuitClosed is normal operation, requests are allowed
	CircuitClosed CircuitState = iota
	// CircuitOpen means the dependency is failing, requests are rejected
	CircuitOpen
	// CircuitHalfOpen allows a few probe requests to test recovery
	CircuitHalfOpen
)

// String returns the state name used in logs and health output.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig defines the thresholds for a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32
	// ResetTimeout is how long the circuit stays open before probing again
	ResetTimeout time.Duration
	// HalfOpenSuccesses is the number of successful probes that closes the circuit
	HalfOpenSuccesses uint32
	// HalfOpenMaxCalls is the number of probes allowed while half-open
	HalfOpenMaxCalls uint32
}

// DefaultCircuitBreakerConfig returns the defaults used for the store guard.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 3,
		HalfOpenMaxCalls:  3,
	}
}

// CircuitBreakerMetrics counts breaker activity since the last reset.
type CircuitBreakerMetrics struct {
	Successes   uint64
	Failures    uint64
	Rejected    uint64
	Transitions uint64
}

// CircuitBreaker implements the closed/open/half-open state machine.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger *zap.Logger

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures uint32
	halfOpenSuccesses   uint32
	halfOpenCalls       uint32
	openedAt            time.Time
	metrics             CircuitBreakerMetrics
}

// NewCircuitBreaker creates a breaker for the named dependency. A nil
// logger falls back to the production zap logger.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  CircuitClosed,
	}
}

// AllowRequest reports whether a request may proceed, transitioning
// from open to half-open once the reset timeout has elapsed.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transition(CircuitHalfOpen)
			cb.halfOpenCalls = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.halfOpenCalls < cb.config.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful call and closes the circuit once
// enough half-open probes have succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.Successes++

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures = 0
	case CircuitHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenSuccesses {
			cb.transition(CircuitClosed)
		}
	}
}

// RecordFailure notes a failed call. Enough consecutive failures open
// the circuit; any failure while half-open reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.Failures++

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// RecordRejected counts a request turned away by an open circuit.
func (cb *CircuitBreaker) RecordRejected() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.metrics.Rejected++
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.metrics
}

// Reset forces the breaker back to closed and clears the counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(CircuitClosed)
	cb.metrics = CircuitBreakerMetrics{}
}

// Execute runs op behind this breaker alone.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !cb.AllowRequest() {
		cb.RecordRejected()
		return ErrCircuitBreakerOpen
	}
	if err := op(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// transition moves to the target state. Callers hold cb.mu.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.metrics.Transitions++

	switch to {
	case CircuitOpen:
		cb.openedAt = time.Now()
	case CircuitHalfOpen:
		cb.halfOpenSuccesses = 0
		cb.halfOpenCalls = 0
	case CircuitClosed:
		cb.consecutiveFailures = 0
		cb.halfOpenSuccesses = 0
		cb.halfOpenCalls = 0
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}
