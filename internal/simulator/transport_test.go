package simulator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeMarian/water-tank/internal/channel"
	coapserver "github.com/JoeMarian/water-tank/internal/coap"
	"github.com/JoeMarian/water-tank/internal/storage"
	"github.com/JoeMarian/water-tank/pkg/api"
	"github.com/JoeMarian/water-tank/pkg/client"
)

func TestHTTPTransportSendsQueryUpdate(t *testing.T) {
	var gotPath string
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.WriteResponse{Message: "ok", Timestamp: "now"})
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, "tank1", "KEY123")
	defer transport.Close()

	err := transport.Send(context.Background(), map[string]float64{"temp": 25.5, "level": 80})
	require.NoError(t, err)

	assert.Equal(t, "/api/channels/tank1/update", gotPath)
	assert.Equal(t, "KEY123", gotQuery.Get("api_key"))
	assert.Equal(t, "25.5", gotQuery.Get("temp"))
	assert.Equal(t, "80", gotQuery.Get("level"))
}

func TestHTTPTransportPropagatesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   "unauthorized",
			"code":    http.StatusUnauthorized,
			"message": "Invalid API key",
		})
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, "tank1", "WRONG")
	defer transport.Close()

	err := transport.Send(context.Background(), map[string]float64{"temp": 25})
	require.Error(t, err)

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func newCoAPFixture(t *testing.T) (string, *channel.Manager, *storage.Channel) {
	t.Helper()
	logger := testLogger()

	store, err := storage.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	mgr, err := channel.NewManager(store, logger)
	require.NoError(t, err)

	srv, err := coapserver.NewServer(mgr, logger, coapserver.WithAddr("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	ch, err := mgr.CreateChannel(context.Background(), "tank1", []string{"temp", "level"}, nil)
	require.NoError(t, err)

	return srv.Addr(), mgr, ch
}

func TestCoAPTransportRoundtrip(t *testing.T) {
	addr, mgr, ch := newCoAPFixture(t)

	transport, err := NewCoAPTransport(addr, "tank1", ch.APIKey)
	require.NoError(t, err)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, transport.Send(ctx, map[string]float64{"temp": 21.34, "level": 88.1}))

	entry, err := mgr.Latest(ctx, "tank1", ch.APIKey)
	require.NoError(t, err)
	assert.Equal(t, 21.34, entry.Fields["temp"])
	assert.Equal(t, 88.1, entry.Fields["level"])
}

func TestCoAPTransportRejectedWrite(t *testing.T) {
	addr, _, _ := newCoAPFixture(t)

	transport, err := NewCoAPTransport(addr, "tank1", "WRONG")
	require.NoError(t, err)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = transport.Send(ctx, map[string]float64{"temp": 25})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestMQTTTransportConnectFailure(t *testing.T) {
	_, err := NewMQTTTransport("tcp://127.0.0.1:1", "tank1")
	assert.Error(t, err)
}

func TestMQTTTransportAgainstBroker(t *testing.T) {
	broker := os.Getenv("WATERTANK_TEST_MQTT_BROKER")
	if broker == "" {
		t.Skip("WATERTANK_TEST_MQTT_BROKER not set")
	}

	received := make(chan []byte, 1)
	sub := paho.NewClient(paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("water-tank-sim-test-sub"))
	token := sub.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	defer sub.Disconnect(250)

	token = sub.Subscribe("tanks/tank9/data", 0, func(_ paho.Client, msg paho.Message) {
		received <- msg.Payload()
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	transport, err := NewMQTTTransport(broker, "tank9")
	require.NoError(t, err)
	defer transport.Close()

	require.NoError(t, transport.Send(context.Background(), map[string]float64{"temp": 25.5}))

	select {
	case payload := <-received:
		var decoded map[string]float64
		require.NoError(t, json.Unmarshal(payload, &decoded))
		assert.Equal(t, 25.5, decoded["temp"])
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}
}
