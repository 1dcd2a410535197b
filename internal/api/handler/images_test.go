package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/tileflow/internal/api/handler"
	"github.com/kiranshivaraju/tileflow/internal/queue"
	"github.com/kiranshivaraju/tileflow/internal/store"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSender struct{}

func (failingSender) Send(context.Context, []byte) error { return errors.New("redis down") }

type pinger func(ctx context.Context) error

func (p pinger) Ping(ctx context.Context) error { return p(ctx) }

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "tileflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func routes(h *handler.Images) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/images", h.Submit)
	r.Get("/api/v1/images/{imageID}", h.Get)
	r.Get("/api/v1/images/{imageID}/regions", h.Regions)
	r.Get("/api/v1/images/{imageID}/regions/{regionID}/tiles", h.Tiles)
	return r
}

func serve(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func validRequest() map[string]any {
	return map[string]any{
		"image_id":    "img-1",
		"image_url":   "s3://imagery/scene.tif",
		"tile_size":   map[string]int{"width": 512, "height": 512},
		"tile_format": "png",
		"endpoint":    map[string]string{"name": "det", "type": "sync", "url": "http://detector"},
	}
}

func seed(t *testing.T, s *store.SQLiteStore) models.RegionKey {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := s.StartImageJob(ctx, &models.ImageJobRecord{
		ImageID: "img-1", JobID: "job-1", ImageURL: "s3://imagery/scene.tif",
		Status: models.ImageStatusStarted, RegionCount: 2, StartTime: now, ExpireTime: now.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = s.StartRegion(ctx, &models.RegionRecord{
		ImageID: "img-1", RegionID: "r-1", JobID: "job-1", Bounds: models.ImageRegion{Width: 512, Height: 512},
		Status: models.RegionStatusStarting, StartTime: now, LastUpdatedTime: now, ExpireTime: now.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = s.StartTile(ctx, &models.TileRecord{
		TileID: "0-0-512-512", RegionID: "r-1", ImageID: "img-1",
		Bounds: models.ImageRegion{Width: 512, Height: 512}, ExpireTime: now.Add(time.Hour),
	})
	require.NoError(t, err)
	return models.RegionKey{ImageID: "img-1", RegionID: "r-1"}
}

func TestSubmit_QueuesNormalizedRequest(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := routes(handler.NewImages(q, newStore(t)))

	w := serve(h, "POST", "/api/v1/images", validRequest())
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]any)
	assert.NotEmpty(t, data["job_id"], "job id is generated")
	assert.Equal(t, "img-1", data["image_id"])
	assert.Equal(t, "QUEUED", data["status"])

	msg, ok, err := q.Receive(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	var queued models.ImageRequest
	require.NoError(t, json.Unmarshal(msg.Body, &queued))
	assert.Equal(t, data["job_id"], queued.JobID)
	assert.Equal(t, "PNG", queued.TileFormat)
}

func TestSubmit_ValidationError(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := routes(handler.NewImages(q, newStore(t)))

	req := validRequest()
	req["tile_overlap"] = map[string]int{"width": 512, "height": 0}
	w := serve(h, "POST", "/api/v1/images", req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "INVALID_REQUEST", errObj["code"])
	assert.Equal(t, "tile_overlap", errObj["details"].(map[string]any)["field"])
	assert.Equal(t, 0, q.Len())
}

func TestSubmit_RejectsUnknownFieldsAndBadJSON(t *testing.T) {
	h := routes(handler.NewImages(queue.NewMemoryQueue(), newStore(t)))

	req := validRequest()
	req["tile_sise"] = 1
	assert.Equal(t, http.StatusBadRequest, serve(h, "POST", "/api/v1/images", req).Code)

	r := httptest.NewRequest("POST", "/api/v1/images", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmit_QueueUnavailable(t *testing.T) {
	h := routes(handler.NewImages(failingSender{}, newStore(t)))
	w := serve(h, "POST", "/api/v1/images", validRequest())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGet(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	h := routes(handler.NewImages(queue.NewMemoryQueue(), s))

	w := serve(h, "GET", "/api/v1/images/img-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "job-1", data["job_id"])
	assert.Equal(t, "STARTED", data["status"])
	assert.Equal(t, float64(2), data["region_count"])
	assert.Equal(t, false, data["complete"])

	assert.Equal(t, http.StatusNotFound, serve(h, "GET", "/api/v1/images/missing", nil).Code)
}

func TestRegionsAndTiles(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	h := routes(handler.NewImages(queue.NewMemoryQueue(), s))

	w := serve(h, "GET", "/api/v1/images/img-1/regions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["data"].([]any), 1)
	assert.Equal(t, float64(1), body["meta"].(map[string]any)["total"])

	w = serve(h, "GET", "/api/v1/images/img-1/regions/r-1/tiles", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tiles := decode(t, w)["data"].([]any)
	require.Len(t, tiles, 1)
	assert.Equal(t, "0-0-512-512", tiles[0].(map[string]any)["tile_id"])

	assert.Equal(t, http.StatusNotFound, serve(h, "GET", "/api/v1/images/missing/regions", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(h, "GET", "/api/v1/images/img-1/regions/nope/tiles", nil).Code)
}

func TestHealth(t *testing.T) {
	healthy := pinger(func(context.Context) error { return nil })
	down := pinger(func(context.Context) error { return errors.New("down") })

	w := httptest.NewRecorder()
	handler.NewHealthHandler(map[string]handler.Pinger{"database": healthy, "queue": healthy}).
		ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["data"].(map[string]any)["status"])

	w = httptest.NewRecorder()
	handler.NewHealthHandler(map[string]handler.Pinger{"database": healthy, "queue": down}).
		ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	details := decode(t, w)["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "degraded", details["queue"])
	assert.Equal(t, "ok", details["database"])
}
