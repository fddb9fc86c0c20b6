package integration

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"net/http/httptest"

	"github.com/JoeMarian/water-tank/internal/channel"
	"github.com/JoeMarian/water-tank/internal/coap"
	"github.com/JoeMarian/water-tank/internal/storage"
	"github.com/JoeMarian/water-tank/internal/web"
	"github.com/JoeMarian/water-tank/pkg/api"
	"github.com/JoeMarian/water-tank/pkg/client"
	"github.com/JoeMarian/water-tank/test/fixtures"
)

// TestTelemetryPipeline drives the full stack over one store: channels
// managed through the HTTP API, data written over HTTP and CoAP, reads
// served back through the public client.
func TestTelemetryPipeline(t *testing.T) {
	logger := fixtures.TestLogger()
	mgr := fixtures.NewManager(t)

	webServer := web.NewServer(mgr, logger)
	httpServer := httptest.NewServer(webServer.Handler())
	t.Cleanup(httpServer.Close)

	coapServer, err := coap.NewServer(mgr, logger, coap.WithAddr("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, coapServer.Start())
	t.Cleanup(func() { _ = coapServer.Stop() })

	c := client.NewClient(httpServer.URL)
	ctx, cancel := fixtures.TestContext(t)
	defer cancel()

	var apiKey string

	t.Run("CreateChannel", func(t *testing.T) {
		ch, err := c.CreateChannel(ctx, api.CreateChannelRequest{
			ChannelName: "tank1",
			Fields:      []string{"temperature", "level"},
		})
		require.NoError(t, err)
		require.NotEmpty(t, ch.APIKey)
		assert.Equal(t, []string{"temperature", "level"}, ch.Fields)
		apiKey = ch.APIKey

		_, err = c.CreateChannel(ctx, api.CreateChannelRequest{
			ChannelName: "tank1",
			Fields:      []string{"temperature"},
		})
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	})

	t.Run("ListChannelsHidesKeys", func(t *testing.T) {
		channels, err := c.ListChannels(ctx)
		require.NoError(t, err)
		require.Len(t, channels, 1)
		assert.Equal(t, "tank1", channels[0].ChannelName)
	})

	t.Run("WriteCoercesStrings", func(t *testing.T) {
		_, err := c.WriteData(ctx, "tank1", apiKey, map[string]interface{}{
			"temperature": "21.5",
			"level":       90,
			"ignored":     true,
		})
		require.NoError(t, err)

		entry, err := c.Latest(ctx, "tank1", apiKey)
		require.NoError(t, err)
		assert.Equal(t, "tank1", entry.TankID())
		assert.Equal(t, 21.5, entry["temperature"])
		assert.Equal(t, 90.0, entry["level"])
		assert.NotContains(t, entry, "ignored")
		assert.NotEmpty(t, entry["_id"])
	})

	t.Run("UpdateByQuery", func(t *testing.T) {
		_, err := c.UpdateByQuery(ctx, "tank1", apiKey, map[string]string{
			"temperature": "22.5",
		})
		require.NoError(t, err)

		field, err := c.LatestField(ctx, "tank1", apiKey, "temperature")
		require.NoError(t, err)
		assert.Equal(t, 22.5, field.Value)
	})

	t.Run("WriteOverCoAP", func(t *testing.T) {
		conn, err := udp.Dial(coapServer.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })

		resp, err := conn.Put(ctx, "/channels/tank1/data", message.AppJSON,
			bytes.NewReader([]byte(`{"temperature": 23.75}`)),
			message.Option{ID: message.URIQuery, Value: []byte("api_key=" + apiKey)})
		require.NoError(t, err)
		require.Equal(t, codes.Created, resp.Code())

		field, err := c.LatestField(ctx, "tank1", apiKey, "temperature")
		require.NoError(t, err)
		assert.Equal(t, 23.75, field.Value)
	})

	t.Run("HistoryReturnsAllWrites", func(t *testing.T) {
		entries, err := c.History(ctx, "tank1", apiKey, client.HistoryOptions{})
		require.NoError(t, err)
		// creation placeholder plus the three writes above
		require.Len(t, entries, 4)
		assert.Equal(t, "N/A", entries[0]["temperature"])
		assert.Equal(t, 23.75, entries[3]["temperature"])

		limited, err := c.History(ctx, "tank1", apiKey, client.HistoryOptions{
			Field: "temperature",
			Limit: 2,
		})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		for _, entry := range limited {
			assert.Contains(t, entry, "temperature")
			assert.NotContains(t, entry, "level")
		}
	})

	t.Run("FieldManagement", func(t *testing.T) {
		fields, err := c.UpdateFields(ctx, "tank1", apiKey, api.UpdateFieldsRequest{
			AddFields: []string{"ph"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"temperature", "level", "ph"}, fields)

		require.NoError(t, c.RemoveField(ctx, "tank1", apiKey, "level"))

		ch, err := c.GetChannel(ctx, "tank1", apiKey)
		require.NoError(t, err)
		assert.Equal(t, []string{"temperature", "ph"}, ch.Fields)

		entry, err := c.Latest(ctx, "tank1", apiKey)
		require.NoError(t, err)
		assert.Equal(t, "N/A", entry["level"])
	})

	t.Run("Health", func(t *testing.T) {
		health, err := c.Health(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ok", health.Status)
	})

	t.Run("DeleteChannel", func(t *testing.T) {
		require.NoError(t, c.DeleteChannel(ctx, "tank1", apiKey))

		channels, err := c.ListChannels(ctx)
		require.NoError(t, err)
		assert.Empty(t, channels)

		_, err = c.Latest(ctx, "tank1", apiKey)
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	})
}

// TestPersistenceAcrossReopen writes through one SQLite store handle and
// reads the data back through a second one opened on the same directory.
func TestPersistenceAcrossReopen(t *testing.T) {
	logger := fixtures.TestLogger()
	dir := fixtures.TestTempDir(t)
	ctx, cancel := fixtures.TestContext(t)
	defer cancel()

	store, err := storage.NewSQLiteStore(dir, logger)
	require.NoError(t, err)

	mgr, err := channel.NewManager(store, logger)
	require.NoError(t, err)

	ch, err := mgr.CreateChannel(ctx, "tank1", []string{"level"},
		map[string]interface{}{"level": 42.0})
	require.NoError(t, err)
	require.NoError(t, store.Close(context.Background()))

	reopened, err := storage.NewSQLiteStore(dir, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close(context.Background()) })

	mgr2, err := channel.NewManager(reopened, logger)
	require.NoError(t, err)

	entry, err := mgr2.Latest(ctx, "tank1", ch.APIKey)
	require.NoError(t, err)
	assert.Equal(t, 42.0, entry.Fields["level"])
}
