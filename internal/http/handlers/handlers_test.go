package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/transcodarr/internal/events"
	"github.com/jmylchreest/transcodarr/internal/http/handlers"
	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/internal/transcode"
	"github.com/jmylchreest/transcodarr/pkg/httpclient"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type staticStats transcode.Stats

func (s staticStats) Stats() transcode.Stats { return transcode.Stats(s) }

func healthRouter(h *handlers.HealthHandler) *chi.Mux {
	router := chi.NewRouter()
	cfg := huma.DefaultConfig("Test API", "1.0.0")
	cfg.CreateHooks = nil
	h.Register(humachi.New(router, cfg))
	return router
}

func getHealth(t *testing.T, router http.Handler) handlers.HealthResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	h := handlers.NewHealthHandler("1.2.3").
		WithStore("sqlite", pingFunc(func(context.Context) error { return nil })).
		WithPool(staticStats{Capacity: 4, Running: 1, Clients: map[string]int{"10.0.0.1": 1}}).
		WithClients(httpclient.NewRegistry()).
		WithStagingDir(t.TempDir())

	resp := getHealth(t, healthRouter(h))

	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "sqlite", resp.Store.Backend)
	assert.Equal(t, "ok", resp.Store.Status)
	require.NotNil(t, resp.Jobs)
	assert.Equal(t, 4, resp.Jobs.Capacity)
	assert.Equal(t, 1, resp.Jobs.Running)
	assert.Nil(t, resp.Jobs.Clients, "client addresses are not exposed")
	assert.NotNil(t, resp.CircuitBreakers)
	assert.Positive(t, resp.CPU.Cores)
	require.NotNil(t, resp.Staging)
	assert.NotEmpty(t, resp.Staging.Total)
}

func TestHealth_StoreDown(t *testing.T) {
	h := handlers.NewHealthHandler("dev").
		WithStore("redis", pingFunc(func(context.Context) error { return errors.New("connection refused") }))

	resp := getHealth(t, healthRouter(h))

	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "error", resp.Store.Status)
	assert.Equal(t, "connection refused", resp.Store.Error)
	assert.Nil(t, resp.Jobs)
	assert.Nil(t, resp.Staging)
}

func TestHealth_NoStore(t *testing.T) {
	resp := getHealth(t, healthRouter(handlers.NewHealthHandler("dev")))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "unknown", resp.Store.Status)
}

func TestFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj", "media", "edited"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "proj", "media", "edited", "out.mp4"), []byte("mp4"), 0o644))

	router := chi.NewRouter()
	handlers.RegisterFiles(router, root)

	tests := []struct {
		path string
		want int
		body string
	}{
		{"/files/proj/media/edited/out.mp4", http.StatusOK, "mp4"},
		{"/files/proj/media/edited/", http.StatusNotFound, ""},
		{"/files/proj/", http.StatusNotFound, ""},
		{"/files/missing.mp4", http.StatusNotFound, ""},
		{"/files/../etc/passwd", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func wsServer(t *testing.T, broadcaster *events.Broadcaster) *httptest.Server {
	t.Helper()
	router := chi.NewRouter()
	handlers.NewJobEventsHandler(broadcaster, nil).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/jobs/ws" + query
}

func waitForSubscribers(t *testing.T, b *events.Broadcaster, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.SubscriberCount() >= n }, 5*time.Second, 10*time.Millisecond)
}

func TestJobEventsWebsocket_SingleJob(t *testing.T) {
	broadcaster := events.NewBroadcaster(nil)
	srv := wsServer(t, broadcaster)
	id := models.NewULID().String()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?jobId="+id), nil)
	require.NoError(t, err)
	defer conn.Close()
	waitForSubscribers(t, broadcaster, 1)

	ctx := context.Background()
	broadcaster.Publish(ctx, events.JobEvent{JobID: models.NewULID().String(), Status: models.JobStatusProcessing, Progress: 10})
	broadcaster.Publish(ctx, events.JobEvent{JobID: id, Status: models.JobStatusProcessing, Progress: 60})
	broadcaster.Publish(ctx, events.JobEvent{JobID: id, Status: models.JobStatusComplete, Progress: 100})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev events.JobEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, id, ev.JobID)
	assert.Equal(t, 60, ev.Progress)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.JobStatusComplete, ev.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestJobEventsWebsocket_AllJobs(t *testing.T) {
	broadcaster := events.NewBroadcaster(nil)
	srv := wsServer(t, broadcaster)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()
	waitForSubscribers(t, broadcaster, 1)

	first, second := models.NewULID().String(), models.NewULID().String()
	broadcaster.Publish(context.Background(), events.JobEvent{JobID: first, Status: models.JobStatusFailed})
	broadcaster.Publish(context.Background(), events.JobEvent{JobID: second, Status: models.JobStatusProcessing})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev events.JobEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, first, ev.JobID)
	require.NoError(t, conn.ReadJSON(&ev), "a terminal event does not close an all-jobs stream")
	assert.Equal(t, second, ev.JobID)
}

func TestJobEventsWebsocket_InvalidJobID(t *testing.T) {
	srv := wsServer(t, events.NewBroadcaster(nil))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?jobId=nope"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobEventsWebsocket_UnsubscribesOnDisconnect(t *testing.T) {
	broadcaster := events.NewBroadcaster(nil)
	srv := wsServer(t, broadcaster)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	waitForSubscribers(t, broadcaster, 1)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return broadcaster.SubscriberCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}
