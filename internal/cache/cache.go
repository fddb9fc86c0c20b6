// Package cache keeps the newest entry per channel for fast latest
// reads and live dashboard feeds. Redis backs the cache when an address
// is configured; a process-local map always holds the last value so a
// Redis outage degrades reads instead of failing them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/JoeMarian/water-tank/internal/storage"
	"github.com/JoeMarian/water-tank/pkg/api"
)

const (
	// latestKeyPrefix keys the newest entry per channel
	latestKeyPrefix = "tank:latest:"
	// updateChannelPrefix is the pub/sub channel for live dashboard feeds
	updateChannelPrefix = "tank.updates."
)

// ErrNotCached is returned when no entry is cached for a channel.
var ErrNotCached = errors.New("entry not cached")

// cachedEntry is the JSON shape stored in Redis and published to
// dashboard subscribers.
type cachedEntry struct {
	ID          string                 `json:"_id,omitempty"`
	ChannelName string                 `json:"tank_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Fields      map[string]interface{} `json:"fields"`
}

// LatestCache caches the newest entry per channel.
type LatestCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger

	mu     sync.RWMutex
	memory map[string][]byte

	redisDown atomic.Bool
}

// New creates a cache. An empty addr disables Redis and the in-memory
// map serves alone.
func New(addr, password string, ttl time.Duration, logger *logrus.Logger) *LatestCache {
	if logger == nil {
		logger = logrus.New()
	}
	c := &LatestCache{
		ttl:    ttl,
		logger: logger,
		memory: make(map[string][]byte),
	}
	if addr != "" {
		c.client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		})
	}
	return c
}

// SetLatest stores the entry as the channel's newest value and
// publishes it for live subscribers. Redis failures are logged and the
// memory copy stands in; only encoding failures are returned.
func (c *LatestCache) SetLatest(ctx context.Context, channel string, e *storage.Entry) error {
	payload, err := json.Marshal(cachedEntry{
		ID:          e.ID,
		ChannelName: e.ChannelName,
		Timestamp:   e.Timestamp,
		Fields:      e.Fields,
	})
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	c.mu.Lock()
	c.memory[channel] = payload
	c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	if err := c.client.Set(ctx, latestKeyPrefix+channel, payload, c.ttl).Err(); err != nil {
		c.noteRedisError(err, "failed to cache latest entry", channel)
		return nil
	}
	if err := c.client.Publish(ctx, updateChannelPrefix+channel, payload).Err(); err != nil {
		c.noteRedisError(err, "failed to publish update", channel)
		return nil
	}
	c.noteRedisOK()
	return nil
}

// GetLatest returns the cached newest entry for the channel, preferring
// Redis and falling back to the memory copy. ErrNotCached when neither
// has one.
func (c *LatestCache) GetLatest(ctx context.Context, channel string) (*storage.Entry, error) {
	if c.client != nil {
		payload, err := c.client.Get(ctx, latestKeyPrefix+channel).Bytes()
		switch {
		case err == nil:
			c.noteRedisOK()
			return decodeEntry(payload)
		case errors.Is(err, redis.Nil):
			c.noteRedisOK()
		default:
			c.noteRedisError(err, "failed to read latest entry", channel)
		}
	}

	c.mu.RLock()
	payload, ok := c.memory[channel]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNotCached
	}
	return decodeEntry(payload)
}

// Invalidate drops the cached entry for a channel.
func (c *LatestCache) Invalidate(ctx context.Context, channel string) error {
	c.mu.Lock()
	delete(c.memory, channel)
	c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, latestKeyPrefix+channel).Err(); err != nil {
		c.noteRedisError(err, "failed to invalidate entry", channel)
	}
	return nil
}

// State reports the cache health for the /health endpoint: disabled
// without Redis, degraded while Redis is erroring, up otherwise.
func (c *LatestCache) State() api.ComponentState {
	if c.client == nil {
		return api.ComponentDisabled
	}
	if c.redisDown.Load() {
		return api.ComponentDegraded
	}
	return api.ComponentUp
}

// Ping checks the Redis connection. Always nil without Redis.
func (c *LatestCache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (c *LatestCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *LatestCache) noteRedisError(err error, msg, channel string) {
	c.redisDown.Store(true)
	c.logger.WithError(err).WithField("channel", channel).Warn(msg)
}

func (c *LatestCache) noteRedisOK() {
	c.redisDown.Store(false)
}

func decodeEntry(payload []byte) (*storage.Entry, error) {
	var ce cachedEntry
	if err := json.Unmarshal(payload, &ce); err != nil {
		return nil, fmt.Errorf("failed to decode cached entry: %w", err)
	}
	return &storage.Entry{
		ID:          ce.ID,
		ChannelName: ce.ChannelName,
		Timestamp:   ce.Timestamp,
		Fields:      ce.Fields,
	}, nil
}
