package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetryConfig defines the backoff schedule for a retry policy.
type RetryConfig struct {
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries
	MaxDelay time.Duration
	// MaxAttempts is the total number of attempts including the first
	MaxAttempts int
	// Multiplier grows the delay after each retry
	Multiplier float64
	// Jitter randomizes each delay between 0.8x and 1.2x
	Jitter bool
	// MaxDuration bounds the total time spent retrying; zero means unbounded
	MaxDuration time.Duration
}

// DefaultRetryConfig returns the defaults used for connect loops.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxAttempts:  4,
		Multiplier:   2.0,
		Jitter:       true,
		MaxDuration:  30 * time.Second,
	}
}

// RetryMetrics counts retry activity.
type RetryMetrics struct {
	// Attempts is the total number of retry attempts across operations
	Attempts uint64
	// Successes is the number of operations that eventually succeeded
	Successes uint64
	// Failures is the number of operations that exhausted their budget
	Failures uint64
	// MaxDelayObserved is the longest delay slept before a retry
	MaxDelayObserved time.Duration
}

// RetryPolicy retries an operation with exponential backoff.
type RetryPolicy struct {
	name   string
	config RetryConfig
	logger *zap.Logger

	mu      sync.Mutex
	metrics RetryMetrics
	rand    *rand.Rand
}

// NewRetryPolicy creates a retry policy for the named dependency. A nil
// logger falls back to the production zap logger.
func NewRetryPolicy(name string, config RetryConfig, logger *zap.Logger) *RetryPolicy {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &RetryPolicy{
		name:   name,
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Metrics returns a snapshot of the retry counters.
func (p *RetryPolicy) Metrics() RetryMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// Do runs op until it succeeds, the attempt budget runs out, the total
// duration is exceeded, or the context is canceled. Errors wrapped with
// NewRetryableError(err, false) abort immediately.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	start := time.Now()
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt >= p.config.MaxAttempts {
			p.recordFailure()
			p.logger.Warn("Retry budget exhausted",
				zap.String("name", p.name),
				zap.Int("attempts", attempt),
				zap.Error(lastErr))
			if lastErr != nil {
				return lastErr
			}
			return ErrMaxRetriesReached
		}

		if p.config.MaxDuration > 0 && time.Since(start) > p.config.MaxDuration {
			p.recordFailure()
			p.logger.Warn("Retry duration exhausted",
				zap.String("name", p.name),
				zap.Duration("max_duration", p.config.MaxDuration),
				zap.Error(lastErr))
			return ErrMaxDurationReached
		}

		err := op(ctx)
		if err == nil {
			p.recordSuccess(attempt)
			return nil
		}

		if re, ok := err.(RetryableError); ok && !re.IsRetryable() {
			p.recordFailure()
			p.logger.Warn("Non-retryable error",
				zap.String("name", p.name),
				zap.Error(err))
			return err
		}

		lastErr = err
		delay := p.nextDelay(attempt)
		p.logger.Debug("Retrying after failure",
			zap.String("name", p.name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			p.recordFailure()
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (p *RetryPolicy) nextDelay(attempt int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := float64(p.config.InitialDelay) * math.Pow(p.config.Multiplier, float64(attempt))
	capped := math.Min(base, float64(p.config.MaxDelay))

	final := capped
	if p.config.Jitter {
		// Random factor between 0.8 and 1.2.
		jitterFactor := 0.8 + p.rand.Float64()*0.4
		final = capped * jitterFactor
	}

	delay := time.Duration(final)
	p.metrics.Attempts++
	if delay > p.metrics.MaxDelayObserved {
		p.metrics.MaxDelayObserved = delay
	}
	return delay
}

func (p *RetryPolicy) recordSuccess(attempt int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.Successes++
	if attempt > 0 {
		p.logger.Debug("Retry succeeded",
			zap.String("name", p.name),
			zap.Int("attempts", attempt+1))
	}
}

func (p *RetryPolicy) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.Failures++
}
