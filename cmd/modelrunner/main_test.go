package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiranshivaraju/tileflow/internal/api/handler"
	"github.com/kiranshivaraju/tileflow/internal/config"
	"github.com/kiranshivaraju/tileflow/internal/queue"
	"github.com/kiranshivaraju/tileflow/internal/store"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const rawKey = "tf_ops__0123456789abcdef"

func keyEntry(t *testing.T) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return "ops:" + rawKey[:8] + ":" + string(h) + ":submit|read"
}

func TestRunnerOptions(t *testing.T) {
	opts := runnerOptions(config.RunnerConfig{
		RegionWidth: 2048, RegionHeight: 1024, RecordTTL: time.Hour, ReceiveWait: time.Second, MaxAttempts: 3,
	})
	assert.Equal(t, models.Size{Width: 2048, Height: 1024}, opts.RegionSize)
	assert.Equal(t, time.Hour, opts.RecordTTL)
	assert.Equal(t, time.Second, opts.ReceiveWait)
	assert.Equal(t, 3, opts.MaxAttempts)
}

func TestNewAPI_InvalidKeys(t *testing.T) {
	_, err := newAPI(config.AuthConfig{APIKeys: []string{"ops:short:hash:read"}},
		queue.NewMemoryQueue(), nil, queue.NewMemoryCounter(), nil)
	assert.Error(t, err)
}

func TestNewAPI_SubmitAndQuery(t *testing.T) {
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "tileflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	q := queue.NewMemoryQueue()

	router, err := newAPI(config.AuthConfig{APIKeys: []string{keyEntry(t)}, RateLimitPerMin: 10},
		q, s, queue.NewMemoryCounter(), map[string]handler.Pinger{"database": s})
	require.NoError(t, err)

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest("GET", "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, health.Code)

	body, _ := json.Marshal(map[string]any{
		"job_id":    "job-1",
		"image_id":  "img-1",
		"image_url": "s3://imagery/scene.tif",
		"tile_size": map[string]int{"width": 256, "height": 256},
		"endpoint":  map[string]string{"name": "det", "type": "async", "url": "http://detector"},
	})
	req := httptest.NewRequest("POST", "/api/v1/images", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))

	// Nothing has processed the request yet.
	req = httptest.NewRequest("GET", "/api/v1/images/img-1", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	now := time.Now().UTC()
	_, err = s.StartImageJob(context.Background(), &models.ImageJobRecord{
		ImageID: "img-1", JobID: "job-1", ImageURL: "s3://imagery/scene.tif",
		Status: models.ImageStatusStarted, RegionCount: 1, StartTime: now, ExpireTime: now.Add(time.Hour),
	})
	require.NoError(t, err)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
