// Package fixtures provides shared helpers for the end-to-end tests.
package fixtures

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/JoeMarian/water-tank/internal/channel"
	"github.com/JoeMarian/water-tank/internal/storage"
)

// TestContext creates a context with the default test timeout.
func TestContext(t *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// TestLogger creates a quiet logger for testing.
func TestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestTempDir creates a temporary directory removed on cleanup.
func TestTempDir(t *testing.T) string {
	tempDir, err := os.MkdirTemp("", "water-tank-test-*")
	require.NoError(t, err)
	t.Cleanup(func() {
		os.RemoveAll(tempDir)
	})
	return tempDir
}

// NewStore opens an in-memory SQLite store wired for cleanup.
func NewStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:", TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

// NewManager builds a channel manager over a fresh in-memory store.
func NewManager(t *testing.T) *channel.Manager {
	t.Helper()
	mgr, err := channel.NewManager(NewStore(t), TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

// CreateChannel registers a channel and returns it with its API key.
func CreateChannel(t *testing.T, mgr *channel.Manager, name string, fields []string) *storage.Channel {
	t.Helper()
	ctx, cancel := TestContext(t)
	defer cancel()

	ch, err := mgr.CreateChannel(ctx, name, fields, nil)
	require.NoError(t, err)
	return ch
}
