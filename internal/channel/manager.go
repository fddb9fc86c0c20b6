// Package channel implements the domain rules for telemetry channels:
// API keys, dynamic field schemas, multi-protocol writes, and history
// queries. Every protocol front end (HTTP, CoAP, MQTT) talks to the
// Manager, never to the store directly.
package channel

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/JoeMarian/water-tank/internal/resilience"
	"github.com/JoeMarian/water-tank/internal/storage"
)

var (
	// ErrInvalidAPIKey is returned when a key does not match the channel
	ErrInvalidAPIKey = errors.New("invalid API key")
	// ErrNoValidFields is returned when a write carries no declared field
	ErrNoValidFields = errors.New("no valid channel fields provided")
	// ErrFieldNotDeclared is returned when an operation names a field the
	// channel does not declare
	ErrFieldNotDeclared = errors.New("field not declared for channel")
)

const (
	apiKeyLength   = 12
	apiKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// DefaultHistoryLimit is used when a history query gives no limit.
	DefaultHistoryLimit = 100
	// MaxHistoryLimit caps history queries.
	MaxHistoryLimit = 1000

	// missingValue marks removed fields in old entries.
	missingValue = "N/A"
)

// Cache is the latest-value cache the manager publishes writes to and
// falls back to when the store cannot serve a latest read.
type Cache interface {
	SetLatest(ctx context.Context, channel string, e *storage.Entry) error
	GetLatest(ctx context.Context, channel string) (*storage.Entry, error)
	Invalidate(ctx context.Context, channel string) error
}

// HistoryOptions narrows a history query. A zero Limit means
// DefaultHistoryLimit; values above MaxHistoryLimit are clamped.
type HistoryOptions struct {
	Field string
	Start *time.Time
	End   *time.Time
	Limit int64
}

// FieldValue is the newest value of a single field.
type FieldValue struct {
	Channel   string
	Field     string
	Value     interface{}
	Timestamp time.Time
}

// Manager owns the channel domain rules.
type Manager struct {
	store  storage.Store
	cache  Cache
	guard  *resilience.Manager
	logger *logrus.Logger

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// NewManager creates a channel manager on top of the given store.
func NewManager(store storage.Store, logger *logrus.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		store:  store,
		logger: logger,
	}, nil
}

// WithCache sets the latest-value cache.
func (m *Manager) WithCache(cache Cache) *Manager {
	m.cache = cache
	return m
}

// WithResilience sets the guard wrapped around store mutations.
func (m *Manager) WithResilience(guard *resilience.Manager) *Manager {
	m.guard = guard
	return m
}

// Close stops background work.
func (m *Manager) Close() error {
	m.StopMonitoring()
	return nil
}

// CreateChannel registers a channel with a fresh API key and writes its
// first entry: declared fields from initialValues as given, or "N/A"
// per field when none were sent.
func (m *Manager) CreateChannel(ctx context.Context, name string, fields []string, initialValues map[string]interface{}) (*storage.Channel, error) {
	key, err := generateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate API key: %w", err)
	}

	ch := storage.Channel{
		Name:   name,
		APIKey: key,
		Fields: fields,
	}
	if err := m.execute(ctx, func(ctx context.Context) error {
		return m.store.CreateChannel(ctx, ch)
	}); err != nil {
		return nil, err
	}

	first := make(map[string]interface{}, len(fields))
	if len(initialValues) > 0 {
		for _, f := range fields {
			if v, ok := initialValues[f]; ok {
				first[f] = v
			}
		}
	} else {
		for _, f := range fields {
			first[f] = missingValue
		}
	}

	entry := storage.Entry{
		ID:          uuid.New().String(),
		ChannelName: name,
		Timestamp:   time.Now().UTC(),
		Fields:      first,
	}
	if err := m.execute(ctx, func(ctx context.Context) error {
		return m.store.InsertEntry(ctx, entry)
	}); err != nil {
		return nil, fmt.Errorf("failed to write initial entry: %w", err)
	}
	m.cacheLatest(ctx, &entry)

	m.logger.WithFields(logrus.Fields{
		"channel": name,
		"fields":  fields,
	}).Info("Channel created")
	return &ch, nil
}

// ListChannels returns channel names and field lists, never API keys.
func (m *Manager) ListChannels(ctx context.Context) ([]storage.Channel, error) {
	channels, err := m.store.ListChannels(ctx, storage.DefaultListLimit)
	if err != nil {
		return nil, err
	}
	for i := range channels {
		channels[i].APIKey = ""
	}
	return channels, nil
}

// GetChannel returns the full channel after key verification.
func (m *Manager) GetChannel(ctx context.Context, name, apiKey string) (*storage.Channel, error) {
	return m.Authenticate(ctx, name, apiKey)
}

// Authenticate loads the channel and verifies the API key. Not-found is
// reported before a wrong key so callers can distinguish 404 from 401.
func (m *Manager) Authenticate(ctx context.Context, name, apiKey string) (*storage.Channel, error) {
	ch, err := m.store.GetChannel(ctx, name)
	if err != nil {
		return nil, err
	}
	if ch.APIKey != apiKey {
		return nil, ErrInvalidAPIKey
	}
	return ch, nil
}

// WriteData validates and persists a reading. Undeclared fields are
// dropped with a warning, string values that parse as numbers are
// stored as float64, and at least one declared field must remain.
func (m *Manager) WriteData(ctx context.Context, name, apiKey string, values map[string]interface{}) (*storage.Entry, error) {
	ch, err := m.Authenticate(ctx, name, apiKey)
	if err != nil {
		return nil, err
	}

	cleaned := make(map[string]interface{}, len(values))
	var dropped []string
	for k, v := range values {
		if !slices.Contains(ch.Fields, k) {
			dropped = append(dropped, k)
			continue
		}
		cleaned[k] = coerceValue(v)
	}
	if len(dropped) > 0 {
		m.logger.WithFields(logrus.Fields{
			"channel": name,
			"fields":  dropped,
		}).Warn("Ignoring undeclared fields")
	}
	if len(cleaned) == 0 {
		return nil, ErrNoValidFields
	}

	return m.persistEntry(ctx, name, cleaned)
}

// WriteRaw persists a reading from the MQTT path: declared fields are
// kept exactly as decoded, without numeric coercion, and the entry is
// written even when every field was filtered out (matching how broker
// payloads have always been handled).
func (m *Manager) WriteRaw(ctx context.Context, name string, values map[string]interface{}) (*storage.Entry, error) {
	ch, err := m.store.GetChannel(ctx, name)
	if err != nil {
		return nil, err
	}

	cleaned := make(map[string]interface{}, len(values))
	var dropped []string
	for k, v := range values {
		if !slices.Contains(ch.Fields, k) {
			dropped = append(dropped, k)
			continue
		}
		cleaned[k] = v
	}
	if len(dropped) > 0 {
		m.logger.WithFields(logrus.Fields{
			"channel": name,
			"fields":  dropped,
		}).Warn("Ignoring undeclared fields")
	}

	return m.persistEntry(ctx, name, cleaned)
}

func (m *Manager) persistEntry(ctx context.Context, name string, fields map[string]interface{}) (*storage.Entry, error) {
	entry := storage.Entry{
		ID:          uuid.New().String(),
		ChannelName: name,
		Timestamp:   time.Now().UTC(),
		Fields:      fields,
	}
	if err := m.execute(ctx, func(ctx context.Context) error {
		return m.store.InsertEntry(ctx, entry)
	}); err != nil {
		return nil, err
	}
	m.cacheLatest(ctx, &entry)
	return &entry, nil
}

// History returns entries ascending by timestamp. When Field is set it
// must be declared on the channel, and results carry only that field
// plus the timestamp.
func (m *Manager) History(ctx context.Context, name, apiKey string, opts HistoryOptions) ([]storage.Entry, error) {
	ch, err := m.Authenticate(ctx, name, apiKey)
	if err != nil {
		return nil, err
	}

	fields := ch.Fields
	if opts.Field != "" {
		if !slices.Contains(ch.Fields, opts.Field) {
			return nil, ErrFieldNotDeclared
		}
		fields = []string{opts.Field}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	return m.store.QueryEntries(ctx, name, storage.QueryOptions{
		Fields:    fields,
		StartTime: opts.Start,
		EndTime:   opts.End,
		Limit:     limit,
	})
}

// Latest returns the newest entry, serving the cached copy when the
// store cannot.
func (m *Manager) Latest(ctx context.Context, name, apiKey string) (*storage.Entry, error) {
	if _, err := m.Authenticate(ctx, name, apiKey); err != nil {
		return nil, err
	}
	return m.latestEntry(ctx, name)
}

// LatestField returns the newest value of one declared field.
func (m *Manager) LatestField(ctx context.Context, name, apiKey, field string) (*FieldValue, error) {
	ch, err := m.Authenticate(ctx, name, apiKey)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(ch.Fields, field) {
		return nil, ErrFieldNotDeclared
	}

	entry, err := m.latestEntry(ctx, name)
	if err != nil {
		return nil, err
	}
	v, ok := entry.Fields[field]
	if !ok {
		return nil, storage.ErrNoData
	}
	return &FieldValue{
		Channel:   name,
		Field:     field,
		Value:     v,
		Timestamp: entry.Timestamp,
	}, nil
}

func (m *Manager) latestEntry(ctx context.Context, name string) (*storage.Entry, error) {
	entry, err := m.store.LatestEntry(ctx, name)
	if err == nil {
		return entry, nil
	}
	if errors.Is(err, storage.ErrNoData) {
		return nil, err
	}
	if m.cache != nil {
		if cached, cacheErr := m.cache.GetLatest(ctx, name); cacheErr == nil {
			m.logger.WithError(err).WithField("channel", name).Warn("Serving latest entry from cache")
			return cached, nil
		}
	}
	return nil, err
}

// DeleteChannel removes the channel and every entry it owns.
func (m *Manager) DeleteChannel(ctx context.Context, name, apiKey string) error {
	if _, err := m.Authenticate(ctx, name, apiKey); err != nil {
		return err
	}

	var removed int64
	if err := m.execute(ctx, func(ctx context.Context) error {
		n, err := m.store.DeleteEntries(ctx, name)
		if err != nil {
			return err
		}
		removed = n
		return m.store.DeleteChannel(ctx, name)
	}); err != nil {
		return err
	}
	m.invalidateCache(ctx, name)

	m.logger.WithFields(logrus.Fields{
		"channel": name,
		"entries": removed,
	}).Info("Channel deleted")
	return nil
}

// RemoveField drops a field from the schema and stamps "N/A" over it in
// every stored entry.
func (m *Manager) RemoveField(ctx context.Context, name, apiKey, field string) error {
	ch, err := m.Authenticate(ctx, name, apiKey)
	if err != nil {
		return err
	}
	if !slices.Contains(ch.Fields, field) {
		return ErrFieldNotDeclared
	}

	remaining := make([]string, 0, len(ch.Fields)-1)
	for _, f := range ch.Fields {
		if f != field {
			remaining = append(remaining, f)
		}
	}

	if err := m.execute(ctx, func(ctx context.Context) error {
		if err := m.store.UpdateChannelFields(ctx, name, remaining); err != nil {
			return err
		}
		_, err := m.store.SetFieldValue(ctx, name, field, missingValue)
		return err
	}); err != nil {
		return err
	}
	m.invalidateCache(ctx, name)

	m.logger.WithFields(logrus.Fields{
		"channel": name,
		"field":   field,
	}).Info("Field removed from channel")
	return nil
}

// UpdateFields adds missing fields at the end of the declaration order
// and removes listed ones with the same "N/A" backfill as RemoveField.
// It returns the resulting field list.
func (m *Manager) UpdateFields(ctx context.Context, name, apiKey string, add, remove []string) ([]string, error) {
	ch, err := m.Authenticate(ctx, name, apiKey)
	if err != nil {
		return nil, err
	}

	fields := append([]string(nil), ch.Fields...)
	for _, f := range add {
		if !slices.Contains(fields, f) {
			fields = append(fields, f)
		}
	}

	var removed []string
	for _, f := range remove {
		if i := slices.Index(fields, f); i >= 0 {
			fields = append(fields[:i], fields[i+1:]...)
			removed = append(removed, f)
		}
	}

	if err := m.execute(ctx, func(ctx context.Context) error {
		if err := m.store.UpdateChannelFields(ctx, name, fields); err != nil {
			return err
		}
		for _, f := range removed {
			if _, err := m.store.SetFieldValue(ctx, name, f, missingValue); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	m.invalidateCache(ctx, name)

	m.logger.WithFields(logrus.Fields{
		"channel": name,
		"added":   add,
		"removed": removed,
	}).Info("Channel fields updated")
	return fields, nil
}

// execute runs a store mutation behind the resilience guard when one is
// configured.
func (m *Manager) execute(ctx context.Context, op func(ctx context.Context) error) error {
	if m.guard == nil {
		return op(ctx)
	}
	return m.guard.Execute(ctx, op)
}

func (m *Manager) cacheLatest(ctx context.Context, e *storage.Entry) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SetLatest(ctx, e.ChannelName, e); err != nil {
		m.logger.WithError(err).WithField("channel", e.ChannelName).Warn("Failed to cache latest entry")
	}
}

func (m *Manager) invalidateCache(ctx context.Context, name string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx, name); err != nil {
		m.logger.WithError(err).WithField("channel", name).Warn("Failed to invalidate cached entry")
	}
}

// coerceValue converts numeric strings to float64 the way every write
// path except MQTT has always done. Non-finite parses keep the original
// string since they cannot be represented in JSON responses.
func coerceValue(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return v
	}
	return f
}

func generateAPIKey() (string, error) {
	buf := make([]byte, apiKeyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = apiKeyAlphabet[int(b)%len(apiKeyAlphabet)]
	}
	return string(buf), nil
}
