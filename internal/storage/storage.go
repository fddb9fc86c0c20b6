package storage

import (
	"context"
	"errors"
	"time"
)

// DefaultListLimit caps the number of channels returned by ListChannels.
const DefaultListLimit = 100

var (
	// ErrChannelExists is returned when creating a channel whose name is taken
	ErrChannelExists = errors.New("channel already exists")
	// ErrChannelNotFound is returned when a channel does not exist
	ErrChannelNotFound = errors.New("channel not found")
	// ErrNoData is returned when a query matches no entries
	ErrNoData = errors.New("no data found")
)

// Channel is the stored form of a telemetry channel
type Channel struct {
	Name   string
	APIKey string
	Fields []string
}

// Entry is the stored form of a telemetry record. Fields holds the dynamic
// per-channel values keyed by field name.
type Entry struct {
	ID          string
	ChannelName string
	Timestamp   time.Time
	Fields      map[string]interface{}
}

// QueryOptions narrows an entry query. A nil time bound means unbounded,
// an empty Fields slice means all fields.
type QueryOptions struct {
	Fields     []string
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int64
	Descending bool
}

// Store is the persistence interface for channels and entries. Both the
// MongoDB and SQLite backends implement it.
type Store interface {
	CreateChannel(ctx context.Context, ch Channel) error
	GetChannel(ctx context.Context, name string) (*Channel, error)
	ListChannels(ctx context.Context, limit int64) ([]Channel, error)
	UpdateChannelFields(ctx context.Context, name string, fields []string) error
	DeleteChannel(ctx context.Context, name string) error

	InsertEntry(ctx context.Context, e Entry) error
	QueryEntries(ctx context.Context, channel string, opts QueryOptions) ([]Entry, error)
	LatestEntry(ctx context.Context, channel string) (*Entry, error)
	DeleteEntries(ctx context.Context, channel string) (int64, error)
	SetFieldValue(ctx context.Context, channel, field string, value interface{}) (int64, error)

	ChannelsMissingFields(ctx context.Context) ([]string, error)
	CountLegacyNameKeys(ctx context.Context) (int64, error)
	RenameLegacyNameKey(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
