// Package events publishes terminal image, region and tile transitions.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Publisher emits status events. Publishing is best-effort: callers log errors
// and never fail a unit of work because an event could not be delivered.
type Publisher interface {
	Publish(ctx context.Context, event models.StatusEvent) error
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e models.StatusEvent) error {
	p.logger.InfoContext(ctx, "status event",
		"kind", e.Kind,
		"id", e.ID,
		"image_id", e.ImageID,
		"job_id", e.JobID,
		"status", e.Status,
		"duration_ms", e.DurationMS,
		"message", e.Message,
	)
	return nil
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e models.StatusEvent) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e models.StatusEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (r *Recorder) Publish(_ context.Context, e models.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns the recorded events of the given kind, or all when kind is empty.
func (r *Recorder) Events(kind models.EventKind) []models.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.StatusEvent
	for _, e := range r.events {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
