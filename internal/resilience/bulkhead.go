package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// BulkheadConfig defines the concurrency limits for a bulkhead.
type BulkheadConfig struct {
	// MaxConcurrent is the number of calls allowed to run at once
	MaxConcurrent int64
	// AcquireTimeout is how long a call waits for a slot before rejection
	AcquireTimeout time.Duration
}

// DefaultBulkheadConfig returns the defaults used for the store guard.
func DefaultBulkheadConfig() BulkheadConfig {
	return BulkheadConfig{
		MaxConcurrent:  10,
		AcquireTimeout: time.Second,
	}
}

// BulkheadMetrics counts bulkhead activity.
type BulkheadMetrics struct {
	// Accepted is the number of calls that obtained a slot
	Accepted uint64
	// Rejected is the number of calls turned away
	Rejected uint64
	// TimedOut is the subset of rejections caused by the acquire timeout
	TimedOut uint64
	// Active is the number of calls currently holding a slot
	Active int64
	// MaxActiveObserved is the highest concurrency seen
	MaxActiveObserved int64
}

// Bulkhead caps the number of concurrent calls to a dependency using a
// weighted semaphore.
type Bulkhead struct {
	name   string
	config BulkheadConfig
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu      sync.Mutex
	metrics BulkheadMetrics
}

// NewBulkhead creates a bulkhead for the named dependency. A nil logger
// falls back to the production zap logger.
func NewBulkhead(name string, config BulkheadConfig, logger *zap.Logger) *Bulkhead {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	return &Bulkhead{
		name:   name,
		config: config,
		sem:    semaphore.NewWeighted(config.MaxConcurrent),
		logger: logger,
	}
}

// Acquire obtains a slot, waiting up to the acquire timeout. It returns
// false when the bulkhead is full or the context is canceled.
func (b *Bulkhead) Acquire(ctx context.Context) bool {
	acquireCtx, cancel := context.WithTimeout(ctx, b.config.AcquireTimeout)
	defer cancel()

	if err := b.sem.Acquire(acquireCtx, 1); err != nil {
		b.mu.Lock()
		b.metrics.Rejected++
		if errors.Is(err, context.DeadlineExceeded) {
			b.metrics.TimedOut++
		}
		b.mu.Unlock()

		b.logger.Warn("Bulkhead rejected call",
			zap.String("name", b.name),
			zap.Int64("max_concurrent", b.config.MaxConcurrent),
			zap.Error(err))
		return false
	}

	b.mu.Lock()
	b.metrics.Accepted++
	b.metrics.Active++
	if b.metrics.Active > b.metrics.MaxActiveObserved {
		b.metrics.MaxActiveObserved = b.metrics.Active
	}
	b.mu.Unlock()
	return true
}

// Release returns a slot. Every successful Acquire must be paired with
// exactly one Release.
func (b *Bulkhead) Release() {
	b.sem.Release(1)
	b.mu.Lock()
	b.metrics.Active--
	b.mu.Unlock()
}

// Metrics returns a snapshot of the bulkhead counters.
func (b *Bulkhead) Metrics() BulkheadMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Execute runs op while holding a bulkhead slot.
func (b *Bulkhead) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.Acquire(ctx) {
		return ErrBulkheadFull
	}
	defer b.Release()
	return op(ctx)
}
