package web

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JoeMarian/water-tank/internal/storage"
	"github.com/JoeMarian/water-tank/pkg/api"
)

func TestNewServerDefaults(t *testing.T) {
	srv, _ := newTestServer(t)

	assert.Equal(t, ":8000", srv.Addr())
	assert.NotNil(t, srv.Handler())
}

func TestServerStartStop(t *testing.T) {
	srv, _ := newTestServer(t, WithAddr("127.0.0.1:0"))

	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start(), "second start must be rejected")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, srv.Stop(ctx))
	assert.NoError(t, srv.Stop(ctx), "stopping a stopped server is a no-op")
}

func TestStopWithoutStart(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Stop(ctx))
}

func TestHealthWithoutProbe(t *testing.T) {
	srv, _ := newTestServer(t, WithVersion("1.2.3"))

	w := doRequest(t, srv, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp api.HealthStatus
	decodeJSON(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
}

func TestHealthReportsComponents(t *testing.T) {
	srv, _ := newTestServer(t, WithHealth(func(ctx context.Context) api.HealthStatus {
		return api.HealthStatus{
			Status: "ok",
			Components: map[string]api.ComponentState{
				"store": api.ComponentUp,
				"cache": api.ComponentDisabled,
			},
		}
	}))

	w := doRequest(t, srv, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp api.HealthStatus
	decodeJSON(t, w, &resp)
	assert.Equal(t, api.ComponentUp, resp.Components["store"])
	assert.Equal(t, api.ComponentDisabled, resp.Components["cache"])
}

func TestHealthDegradedReturns503(t *testing.T) {
	srv, _ := newTestServer(t, WithHealth(func(ctx context.Context) api.HealthStatus {
		return api.HealthStatus{
			Status: "degraded",
			Components: map[string]api.ComponentState{
				"store": api.ComponentDown,
			},
		}
	}))

	w := doRequest(t, srv, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDashboardMissingFile(t *testing.T) {
	srv, _ := newTestServer(t, WithStaticDir(t.TempDir()))

	w := doRequest(t, srv, http.MethodGet, "/", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp ErrorResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, "Dashboard file not found.", resp.Message)
}

func TestDashboardServed(t *testing.T) {
	dir := t.TempDir()
	html := "<html><body>Water Tank Dashboard</body></html>"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dashboard.html"), []byte(html), 0o644))

	srv, _ := newTestServer(t, WithStaticDir(dir))

	w := doRequest(t, srv, http.MethodGet, "/", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Water Tank Dashboard")
}

func TestStaticFilesServed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log('tank')"), 0o644))

	srv, _ := newTestServer(t, WithStaticDir(dir))

	w := doRequest(t, srv, http.MethodGet, "/static/app.js", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tank")
}

func TestResponseTimeHeader(t *testing.T) {
	srv, svc := newTestServer(t)
	svc.On("ListChannels", mock.Anything).Return([]storage.Channel{}, nil)

	w := doRequest(t, srv, http.MethodGet, "/api/channels", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Response-Time"))
}
