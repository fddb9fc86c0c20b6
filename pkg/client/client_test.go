package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeMarian/water-tank/pkg/api"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, WithTimeout(5*time.Second))
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestCreateChannel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/channels", r.URL.Path)

		var req api.CreateChannelRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tank1", req.ChannelName)

		writeJSON(t, w, http.StatusCreated, api.Channel{
			ChannelName: req.ChannelName,
			APIKey:      "ABC123DEF456",
			Fields:      req.Fields,
		})
	})

	ch, err := c.CreateChannel(context.Background(), api.CreateChannelRequest{
		ChannelName: "tank1",
		Fields:      []string{"temperature"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ABC123DEF456", ch.APIKey)
}

func TestListChannels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/channels", r.URL.Path)
		writeJSON(t, w, http.StatusOK, []api.ChannelSummary{
			{ChannelName: "tank1", Fields: []string{"temperature"}},
		})
	})

	channels, err := c.ListChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "tank1", channels[0].ChannelName)
}

func TestAPIErrorDecoding(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]interface{}{
			"error":   "not_found",
			"code":    404,
			"message": "Channel not found",
		})
	})

	_, err := c.GetChannel(context.Background(), "ghost", "SOMEKEY12345")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Slug)
	assert.Equal(t, "Channel not found", apiErr.Message)
	assert.Contains(t, apiErr.Error(), "Channel not found")
}

func TestAPIErrorWithOpaqueBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	})

	_, err := c.ListChannels(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestWriteData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/channels/tank1/data", r.URL.Path)
		assert.Equal(t, "GOODKEY12345", r.URL.Query().Get("api_key"))

		var data map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&data))
		assert.Equal(t, 25.5, data["temperature"])

		writeJSON(t, w, http.StatusCreated, api.WriteResponse{
			Message:   "Data written successfully (JSON Body)",
			Timestamp: "2025-03-01T10:00:00Z",
		})
	})

	resp, err := c.WriteData(context.Background(), "tank1", "GOODKEY12345",
		map[string]interface{}{"temperature": 25.5})
	require.NoError(t, err)
	assert.Equal(t, "Data written successfully (JSON Body)", resp.Message)
}

func TestUpdateByQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/channels/tank1/update", r.URL.Path)
		assert.Equal(t, "GOODKEY12345", r.URL.Query().Get("api_key"))
		assert.Equal(t, "25.5", r.URL.Query().Get("temperature"))

		writeJSON(t, w, http.StatusOK, api.WriteResponse{
			Message:   "Data written successfully via query parameters",
			Timestamp: "2025-03-01T10:00:00Z",
		})
	})

	resp, err := c.UpdateByQuery(context.Background(), "tank1", "GOODKEY12345",
		map[string]string{"temperature": "25.5"})
	require.NoError(t, err)
	assert.Equal(t, "Data written successfully via query parameters", resp.Message)
}

func TestHistoryQueryEncoding(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "temperature", q.Get("field_name"))
		assert.Equal(t, "2025-03-01T00:00:00Z", q.Get("start_time"))
		assert.Equal(t, "2025-03-02T00:00:00Z", q.Get("end_time"))
		assert.Equal(t, "50", q.Get("limit"))

		writeJSON(t, w, http.StatusOK, []api.Entry{
			{"timestamp": "2025-03-01T10:00:00Z", "temperature": 25.5},
		})
	})

	entries, err := c.History(context.Background(), "tank1", "GOODKEY12345", HistoryOptions{
		Field: "temperature",
		Start: &start,
		End:   &end,
		Limit: 50,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 25.5, entries[0]["temperature"])
	assert.Equal(t, "2025-03-01T10:00:00Z", entries[0].Timestamp())
}

func TestLatest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/data/tank1/latest", r.URL.Path)
		writeJSON(t, w, http.StatusOK, api.Entry{
			"_id":         "id-1",
			"tank_id":     "tank1",
			"timestamp":   "2025-03-01T10:00:00Z",
			"temperature": 25.5,
		})
	})

	entry, err := c.Latest(context.Background(), "tank1", "GOODKEY12345")
	require.NoError(t, err)
	assert.Equal(t, "tank1", entry.TankID())
	assert.Equal(t, 25.5, entry["temperature"])
}

func TestLatestField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/data/tank1/latest/temperature", r.URL.Path)
		writeJSON(t, w, http.StatusOK, api.FieldValue{
			ChannelName: "tank1",
			Field:       "temperature",
			Value:       25.5,
			Timestamp:   "2025-03-01T10:00:00Z",
		})
	})

	value, err := c.LatestField(context.Background(), "tank1", "GOODKEY12345", "temperature")
	require.NoError(t, err)
	assert.Equal(t, 25.5, value.Value)
}

func TestDeleteChannel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/channels/tank1", r.URL.Path)
		writeJSON(t, w, http.StatusOK, api.MessageResponse{
			Message: "Channel 'tank1' and all related data deleted",
		})
	})

	assert.NoError(t, c.DeleteChannel(context.Background(), "tank1", "GOODKEY12345"))
}

func TestRemoveField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/channels/tank1/fields/humidity", r.URL.Path)
		writeJSON(t, w, http.StatusOK, api.MessageResponse{
			Message: "Field 'humidity' deleted from channel 'tank1' (set to 'N/A' in all data)",
		})
	})

	assert.NoError(t, c.RemoveField(context.Background(), "tank1", "GOODKEY12345", "humidity"))
}

func TestUpdateFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)

		var req api.UpdateFieldsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"ph"}, req.AddFields)

		writeJSON(t, w, http.StatusOK, api.FieldsResponse{
			Message: "Channel fields updated",
			Fields:  []string{"temperature", "ph"},
		})
	})

	fields, err := c.UpdateFields(context.Background(), "tank1", "GOODKEY12345",
		api.UpdateFieldsRequest{AddFields: []string{"ph"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"temperature", "ph"}, fields)
}

func TestHealthDecodesDegradedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(t, w, http.StatusServiceUnavailable, api.HealthStatus{
			Status: "degraded",
			Components: map[string]api.ComponentState{
				"store": api.ComponentDown,
			},
		})
	})

	status, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, api.ComponentDown, status.Components["store"])
}

func TestContextCancellation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(t, w, http.StatusOK, []api.ChannelSummary{})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.ListChannels(ctx)
	assert.Error(t, err)
}

func TestChannelNameEscaping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/channels/tank%201", r.URL.EscapedPath())
		writeJSON(t, w, http.StatusOK, api.Channel{ChannelName: "tank 1"})
	})

	_, err := c.GetChannel(context.Background(), "tank 1", "GOODKEY12345")
	require.NoError(t, err)
}
