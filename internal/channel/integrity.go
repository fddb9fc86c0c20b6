package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// sweepTimeout bounds a single background integrity sweep.
const sweepTimeout = 30 * time.Second

// IntegrityReport summarizes schema anomalies found in the store.
type IntegrityReport struct {
	// ChannelsMissingFields lists channels whose field list is absent
	ChannelsMissingFields []string
	// LegacyNameChannels counts channel documents still keyed by the
	// pre-rename "name" field
	LegacyNameChannels int64
}

// Clean reports whether the scan found nothing to fix.
func (r *IntegrityReport) Clean() bool {
	return len(r.ChannelsMissingFields) == 0 && r.LegacyNameChannels == 0
}

// CheckIntegrity scans the store for channels with missing field lists
// and documents written by early deployments under the legacy key.
func (m *Manager) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	missing, err := m.store.ChannelsMissingFields(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan channels: %w", err)
	}
	legacy, err := m.store.CountLegacyNameKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count legacy channels: %w", err)
	}
	return &IntegrityReport{
		ChannelsMissingFields: missing,
		LegacyNameChannels:    legacy,
	}, nil
}

// RepairLegacyChannels renames legacy "name" keys to "channel_name" and
// returns how many documents were fixed.
func (m *Manager) RepairLegacyChannels(ctx context.Context) (int64, error) {
	renamed, err := m.store.RenameLegacyNameKey(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to rename legacy channels: %w", err)
	}
	if renamed > 0 {
		m.logger.WithField("count", renamed).Info("Renamed legacy channel documents")
	}
	return renamed, nil
}

// StartMonitoring launches a background sweep that logs integrity
// anomalies every interval. A non-positive interval disables it; a
// second call while running is a no-op.
func (m *Manager) StartMonitoring(interval time.Duration) {
	if interval <= 0 {
		return
	}

	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.monitorCancel = cancel
	m.monitorDone = make(chan struct{})
	go m.monitorLoop(ctx, interval)

	m.logger.WithField("interval", interval).Info("Started integrity monitoring")
}

// StopMonitoring stops the background sweep and waits for it to exit.
func (m *Manager) StopMonitoring() {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorCancel == nil {
		return
	}

	m.monitorCancel()
	<-m.monitorDone
	m.monitorCancel = nil
	m.monitorDone = nil

	m.logger.Info("Stopped integrity monitoring")
}

func (m *Manager) monitorLoop(ctx context.Context, interval time.Duration) {
	defer close(m.monitorDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	report, err := m.CheckIntegrity(sweepCtx)
	if err != nil {
		m.logger.WithError(err).Warn("Integrity sweep failed")
		return
	}
	if report.Clean() {
		m.logger.Debug("Integrity sweep found no anomalies")
		return
	}
	m.logger.WithFields(logrus.Fields{
		"channels_missing_fields": report.ChannelsMissingFields,
		"legacy_name_channels":    report.LegacyNameChannels,
	}).Warn("Integrity sweep found anomalies")
}
