package apiv1

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/pixelcore/internal/pkg/config"
	"github.com/ManuelReschke/pixelcore/internal/pkg/jobqueue"
	"github.com/ManuelReschke/pixelcore/internal/pkg/mediacore"
	"github.com/ManuelReschke/pixelcore/internal/pkg/pipeline"
	"github.com/ManuelReschke/pixelcore/internal/pkg/testutil"
)

func newTestApp(t *testing.T) (*fiber.App, *mediacore.Service) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		App:   config.AppConfig{Env: "test", Host: "127.0.0.1", Port: 8080, LogLevel: "info"},
		Temp:  config.TempConfig{Root: filepath.Join(dir, "tmp"), DefaultTTL: time.Hour},
		Cache: config.CacheConfig{MemoryBytes: 16 << 20, DefaultTTL: time.Hour, Secondary: "none", Fingerprint: "content"},
		Queue: config.QueueConfig{Workers: 1, MaxBacklog: 10, PollInterval: 10 * time.Millisecond},
		Processing: config.ProcessingConfig{
			MaxConcurrent:    2,
			Timeout:          30 * time.Second,
			MaxFileBytes:     20 << 20,
			MaxPixels:        50_000_000,
			DefaultQuality:   85,
			MinQuality:       70,
			SizeThreshold:    0.95,
			ThumbnailSizes:   "150x150,300x300",
			ThumbnailFormat:  "jpeg",
			ThumbnailQuality: 80,
			ThumbnailWorkers: 2,
		},
		Monitor: config.MonitorConfig{BufferSize: 100, StorageHistory: 10},
		Storage: config.StorageConfig{Backend: "local", LocalDir: filepath.Join(dir, "media")},
	}
	svc, err := mediacore.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	app := fiber.New()
	RegisterHandlers(app.Group("/api/v1"), NewAPIServer(svc))
	return app, svc
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestGetPing(t *testing.T) {
	app, _ := newTestApp(t)
	resp, raw := doJSON(t, app, http.MethodGet, "/api/v1/ping", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ping":"pong"}`, string(raw))
}

func TestPostProcess(t *testing.T) {
	app, _ := newTestApp(t)
	src := testutil.WriteJPEG(t, t.TempDir(), "photo.jpg", testutil.Gradient(320, 240), 95)

	resp, raw := doJSON(t, app, http.MethodPost, "/api/v1/process", `{"path":"`+src+`"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(raw))
	var res pipeline.Result
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, pipeline.StatusCompleted, res.Status)
	assert.Len(t, res.Thumbnails, 2)
}

func TestPostProcessErrors(t *testing.T) {
	app, _ := newTestApp(t)
	corrupt := testutil.WriteFile(t, t.TempDir(), "broken.jpg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 1})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed body", `{`, fiber.StatusBadRequest},
		{"missing path", `{}`, fiber.StatusBadRequest},
		{"invalid options", `{"path":"` + corrupt + `","options":{"quality":500}}`, fiber.StatusBadRequest},
		{"corrupt file", `{"path":"` + corrupt + `"}`, fiber.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := doJSON(t, app, http.MethodPost, "/api/v1/process", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(raw))
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	app, svc := newTestApp(t)

	resp, raw := doJSON(t, app, http.MethodPost, "/api/v1/tasks", `{"kind":"metadata","path":"/nowhere.jpg","priority":"high"}`)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode, string(raw))
	var submitted SubmitTaskResponse
	require.NoError(t, json.Unmarshal(raw, &submitted))
	require.NotEmpty(t, submitted.ID)

	resp, raw = doJSON(t, app, http.MethodGet, "/api/v1/tasks/"+submitted.ID, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var view mediacore.TaskView
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.Equal(t, jobqueue.StatusPending, view.Status)
	assert.Equal(t, jobqueue.PriorityHigh, view.Priority)

	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/tasks/stats", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, svc.QueueStats().Pending)

	resp, _ = doJSON(t, app, http.MethodDelete, "/api/v1/tasks/"+submitted.ID, "")
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	resp, _ = doJSON(t, app, http.MethodDelete, "/api/v1/tasks/"+submitted.ID, "")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/tasks/unknown", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestPostTaskValidation(t *testing.T) {
	app, _ := newTestApp(t)
	for _, body := range []string{
		`{"kind":"transcode","path":"/a.jpg"}`,
		`{"path":"/a.jpg","priority":"asap"}`,
		`{"kind":"metadata"}`,
	} {
		resp, raw := doJSON(t, app, http.MethodPost, "/api/v1/tasks", body)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, string(raw))
	}
}

func TestCacheEndpoints(t *testing.T) {
	app, svc := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, svc.CachePut(ctx, "abc_x_1", []byte("v"), time.Minute, "album:7"))

	resp, raw := doJSON(t, app, http.MethodPost, "/api/v1/cache/invalidate", `{"tag":"album:7"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(raw))
	assert.JSONEq(t, `{"removed":1}`, string(raw))

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/cache/invalidate", `{}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, raw = doJSON(t, app, http.MethodGet, "/api/v1/cache/stats", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `"hit_rate"`)
}

func TestMonitorEndpoints(t *testing.T) {
	app, _ := newTestApp(t)

	resp, _ := doJSON(t, app, http.MethodGet, "/api/v1/monitor/stats?window=5m", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/monitor/stats?window=soon", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/monitor/degradation", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/monitor/alerts?since=yesterday", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/temp/usage", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
