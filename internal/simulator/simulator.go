// Package simulator feeds synthetic tank telemetry into a running
// deployment so dashboards and downstream consumers have live data
// without real hardware attached.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultInterval is the delay between batches when none is configured.
const DefaultInterval = time.Minute

// sendTimeout bounds a single delivery attempt.
const sendTimeout = 10 * time.Second

// Simulator periodically generates readings and hands them to a
// Transport. Delivery failures are logged and the loop continues.
type Simulator struct {
	gen       *Generator
	transport Transport
	interval  time.Duration
	count     int
	logger    *logrus.Logger
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithInterval sets the delay between batches.
func WithInterval(interval time.Duration) Option {
	return func(s *Simulator) {
		s.interval = interval
	}
}

// WithCount limits how many batches are sent. Zero means run until the
// context is cancelled.
func WithCount(count int) Option {
	return func(s *Simulator) {
		s.count = count
	}
}

// New builds a Simulator around a generator and a transport.
func New(gen *Generator, transport Transport, logger *logrus.Logger, opts ...Option) (*Simulator, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	s := &Simulator{
		gen:       gen,
		transport: transport,
		interval:  DefaultInterval,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", s.interval)
	}
	return s, nil
}

// Run sends the first batch immediately and then one per interval until
// the context is cancelled or the configured count is reached.
// Cancellation is a normal stop, not an error.
func (s *Simulator) Run(ctx context.Context) error {
	readings := s.gen.Generate()
	if len(readings) == 0 {
		return errors.New("no configured fields have baselines")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	sent := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.send(ctx, readings)
		sent++
		if s.count > 0 && sent >= s.count {
			s.logger.WithField("batches", sent).Info("Simulation finished")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			readings = s.gen.Generate()
		}
	}
}

func (s *Simulator) send(ctx context.Context, readings map[string]float64) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := s.transport.Send(sendCtx, readings); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.WithError(err).Error("Failed to deliver readings")
		return
	}
	s.logger.WithField("readings", readings).Info("Delivered readings")
}
