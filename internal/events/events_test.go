package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/kiranshivaraju/tileflow/internal/events"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, models.StatusEvent) error {
	return errors.New("broker down")
}

func sampleEvent() models.StatusEvent {
	return models.StatusEvent{
		Kind:       models.EventRegion,
		ID:         "0-0-100-100-abcd1234",
		ImageID:    "img-1",
		JobID:      "job-1",
		Status:     string(models.RegionStatusPartial),
		DurationMS: 1234,
		Timestamp:  time.Now().UTC(),
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := events.NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "status event", line["msg"])
	assert.Equal(t, "region", line["kind"])
	assert.Equal(t, "PARTIAL", line["status"])
	assert.Equal(t, float64(1234), line["duration_ms"])
}

func TestMulti_JoinsErrorsAndKeepsPublishing(t *testing.T) {
	rec := &events.Recorder{}
	m := events.Multi{failingPublisher{}, rec}

	err := m.Publish(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, rec.Events(""), 1)
}

func TestRecorder_FiltersByKind(t *testing.T) {
	rec := &events.Recorder{}
	ctx := context.Background()
	_ = rec.Publish(ctx, sampleEvent())
	tile := sampleEvent()
	tile.Kind = models.EventTile
	_ = rec.Publish(ctx, tile)

	assert.Len(t, rec.Events(models.EventRegion), 1)
	assert.Len(t, rec.Events(models.EventTile), 1)
	assert.Len(t, rec.Events(""), 2)
}
