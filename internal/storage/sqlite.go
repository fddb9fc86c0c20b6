package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore persists channels and entries in a local SQLite database. It
// backs single-node deployments and tests where MongoDB is not available.
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
	dbPath string
}

// NewSQLiteStore opens (or creates) the database under dataDir. Pass
// ":memory:" as dataDir for an in-memory database.
func NewSQLiteStore(dataDir string, logger *logrus.Logger) (*SQLiteStore, error) {
	dbPath := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dbPath = filepath.Join(dataDir, "water-tank.db")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// single connection keeps :memory: databases alive and serializes writes
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"path": dbPath,
	}).Info("SQLite store initialized")

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			channel_name TEXT PRIMARY KEY,
			api_key TEXT NOT NULL,
			fields TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			channel_name TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			fields TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_channel_time
			ON entries(channel_name, timestamp)`,
	}

	for _, schema := range schemas {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}
	return nil
}

// CreateChannel inserts a channel row
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch Channel) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM channels WHERE channel_name = ?", ch.Name).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check channel existence: %w", err)
	}
	if count > 0 {
		return ErrChannelExists
	}

	fieldsJSON, err := json.Marshal(ch.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO channels (channel_name, api_key, fields) VALUES (?, ?, ?)",
		ch.Name, ch.APIKey, string(fieldsJSON))
	if err != nil {
		return fmt.Errorf("failed to insert channel: %w", err)
	}
	return nil
}

// GetChannel returns a channel by name
func (s *SQLiteStore) GetChannel(ctx context.Context, name string) (*Channel, error) {
	var apiKey, fieldsJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT api_key, fields FROM channels WHERE channel_name = ?", name).
		Scan(&apiKey, &fieldsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query channel: %w", err)
	}

	var fields []string
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}

	return &Channel{Name: name, APIKey: apiKey, Fields: fields}, nil
}

// ListChannels returns up to limit channels without their API keys
func (s *SQLiteStore) ListChannels(ctx context.Context, limit int64) ([]Channel, error) {
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT channel_name, fields FROM channels ORDER BY channel_name LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var name, fieldsJSON string
		if err := rows.Scan(&name, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		var fields []string
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
		}
		channels = append(channels, Channel{Name: name, Fields: fields})
	}
	if channels == nil {
		channels = []Channel{}
	}
	return channels, rows.Err()
}

// UpdateChannelFields replaces the field list of a channel
func (s *SQLiteStore) UpdateChannelFields(ctx context.Context, name string, fields []string) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE channels SET fields = ? WHERE channel_name = ?",
		string(fieldsJSON), name)
	if err != nil {
		return fmt.Errorf("failed to update channel fields: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// DeleteChannel removes a channel row
func (s *SQLiteStore) DeleteChannel(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM channels WHERE channel_name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// InsertEntry stores a telemetry record. Field values are kept as a JSON
// document so the schema stays dynamic per channel.
func (s *SQLiteStore) InsertEntry(ctx context.Context, e Entry) error {
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal entry fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO entries (id, channel_name, timestamp, fields) VALUES (?, ?, ?, ?)",
		e.ID, e.ChannelName, e.Timestamp.UTC().UnixNano(), string(fieldsJSON))
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// QueryEntries returns the entries of a channel, oldest first unless
// opts.Descending is set
func (s *SQLiteStore) QueryEntries(ctx context.Context, channel string, opts QueryOptions) ([]Entry, error) {
	query := "SELECT id, timestamp, fields FROM entries WHERE channel_name = ?"
	args := []interface{}{channel}

	if opts.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, opts.StartTime.UTC().UnixNano())
	}
	if opts.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, opts.EndTime.UTC().UnixNano())
	}

	if opts.Descending {
		query += " ORDER BY timestamp DESC"
	} else {
		query += " ORDER BY timestamp ASC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows, channel)
		if err != nil {
			return nil, err
		}
		if len(opts.Fields) > 0 {
			entry.Fields = projectFields(entry.Fields, opts.Fields)
			entry.ID = ""
		}
		entries = append(entries, entry)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, rows.Err()
}

// LatestEntry returns the most recent entry of a channel
func (s *SQLiteStore) LatestEntry(ctx context.Context, channel string) (*Entry, error) {
	entries, err := s.QueryEntries(ctx, channel, QueryOptions{Limit: 1, Descending: true})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoData
	}
	return &entries[0], nil
}

// DeleteEntries removes all entries of a channel and returns the count
func (s *SQLiteStore) DeleteEntries(ctx context.Context, channel string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE channel_name = ?", channel)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	return result.RowsAffected()
}

// SetFieldValue writes value into field on every entry of a channel. The
// fields column is a JSON document, so each row is rewritten in a single
// transaction.
func (s *SQLiteStore) SetFieldValue(ctx context.Context, channel, field string, value interface{}) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT id, fields FROM entries WHERE channel_name = ?", channel)
	if err != nil {
		return 0, fmt.Errorf("failed to query entries: %w", err)
	}

	updates := make(map[string]string)
	for rows.Next() {
		var id, fieldsJSON string
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan entry: %w", err)
		}

		fields := make(map[string]interface{})
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to unmarshal entry fields: %w", err)
		}
		fields[field] = value

		updated, err := json.Marshal(fields)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to marshal entry fields: %w", err)
		}
		updates[id] = string(updated)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for id, fieldsJSON := range updates {
		if _, err := tx.ExecContext(ctx,
			"UPDATE entries SET fields = ? WHERE id = ?", fieldsJSON, id); err != nil {
			return 0, fmt.Errorf("failed to update entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int64(len(updates)), nil
}

// ChannelsMissingFields returns the names of channels whose field list is
// absent or empty
func (s *SQLiteStore) ChannelsMissingFields(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT channel_name FROM channels WHERE fields IS NULL OR fields = '' OR fields = 'null'")
	if err != nil {
		return nil, fmt.Errorf("failed to scan channels: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan channel name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CountLegacyNameKeys always reports zero for SQLite, whose schema has
// always keyed channels by channel_name
func (s *SQLiteStore) CountLegacyNameKeys(ctx context.Context) (int64, error) {
	return 0, nil
}

// RenameLegacyNameKey is a no-op for SQLite, it exists to satisfy Store
func (s *SQLiteStore) RenameLegacyNameKey(ctx context.Context) (int64, error) {
	return 0, nil
}

// Ping verifies the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner, channel string) (Entry, error) {
	var id, fieldsJSON string
	var ts int64
	if err := row.Scan(&id, &ts, &fieldsJSON); err != nil {
		return Entry{}, fmt.Errorf("failed to scan entry: %w", err)
	}

	fields := make(map[string]interface{})
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal entry fields: %w", err)
	}

	return Entry{
		ID:          id,
		ChannelName: channel,
		Timestamp:   time.Unix(0, ts).UTC(),
		Fields:      fields,
	}, nil
}

func projectFields(fields map[string]interface{}, selected []string) map[string]interface{} {
	projected := make(map[string]interface{}, len(selected))
	for _, f := range selected {
		if v, ok := fields[f]; ok {
			projected[f] = v
		}
	}
	return projected
}
