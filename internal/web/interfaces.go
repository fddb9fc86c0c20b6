package web

import (
	"context"

	"github.com/JoeMarian/water-tank/internal/channel"
	"github.com/JoeMarian/water-tank/internal/storage"
	"github.com/JoeMarian/water-tank/pkg/api"
)

// ChannelService defines the channel operations the HTTP layer depends on.
// *channel.Manager satisfies it.
type ChannelService interface {
	CreateChannel(ctx context.Context, name string, fields []string, initialValues map[string]interface{}) (*storage.Channel, error)
	ListChannels(ctx context.Context) ([]storage.Channel, error)
	Authenticate(ctx context.Context, name, apiKey string) (*storage.Channel, error)
	WriteData(ctx context.Context, name, apiKey string, data map[string]interface{}) (*storage.Entry, error)
	History(ctx context.Context, name, apiKey string, opts channel.HistoryOptions) ([]storage.Entry, error)
	Latest(ctx context.Context, name, apiKey string) (*storage.Entry, error)
	LatestField(ctx context.Context, name, apiKey, field string) (*channel.FieldValue, error)
	DeleteChannel(ctx context.Context, name, apiKey string) error
	RemoveField(ctx context.Context, name, apiKey, field string) error
	UpdateFields(ctx context.Context, name, apiKey string, add, remove []string) ([]string, error)
}

// HealthFunc reports the aggregate health of the process and its backends.
type HealthFunc func(ctx context.Context) api.HealthStatus
