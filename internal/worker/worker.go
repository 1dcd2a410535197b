// Package worker runs tiles through detectors. Pools are fixed sets of goroutines
// ranging over a channel; Stop closes the channel and waits for them to drain.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/kiranshivaraju/tileflow/internal/events"
	"github.com/kiranshivaraju/tileflow/internal/features"
	"github.com/kiranshivaraju/tileflow/internal/imagery"
	"github.com/kiranshivaraju/tileflow/internal/staging"
	"github.com/kiranshivaraju/tileflow/internal/store"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/paulmach/orb/geojson"
)

// TileSource produces the encoded pixels of a tile. *imagery.Image implements it.
type TileSource interface {
	Tile(r models.ImageRegion, format string) ([]byte, error)
}

var _ TileSource = (*imagery.Image)(nil)

// TileJob is one tile dispatched by a region handler.
type TileJob struct {
	JobID    string
	ImageID  string
	RegionID string
	TileID   string
	Bounds   models.ImageRegion
	Format   string
	Endpoint models.Endpoint
	Source   TileSource
	// Results receives exactly one TileOutcome for this job. It must be buffered
	// for every tile of the region.
	Results chan<- TileOutcome
}

func (j *TileJob) key() models.TileKey {
	return models.TileKey{TileID: j.TileID, RegionID: j.RegionID}
}

// TileOutcome reports how a tile ended. A failed tile is a value, never a panic.
type TileOutcome struct {
	TileID   string
	Status   models.TileStatus
	Features int
	Err      error
}

// Deps are the collaborators shared by every pool.
type Deps struct {
	Store     store.Store
	Detectors models.DetectorFactory
	Staging   *staging.Store
	Cleaner   *staging.Cleaner
	Events    events.Publisher
	Logger    *slog.Logger
	RecordTTL time.Duration
	Now       func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// startTile creates or fetches the tile record. A terminal record means the tile
// already ran; its outcome is reported again and done is true.
func (d *Deps) startTile(ctx context.Context, job *TileJob) (rec *models.TileRecord, done bool) {
	now := d.now()
	rec, err := d.Store.StartTile(ctx, &models.TileRecord{
		TileID:     job.TileID,
		RegionID:   job.RegionID,
		ImageID:    job.ImageID,
		Bounds:     job.Bounds,
		Status:     models.TileStatusPending,
		StartTime:  now,
		ExpireTime: now.Add(d.RecordTTL),
	})
	if err != nil {
		d.logger().Error("failed to start tile", "image_id", job.ImageID, "region_id", job.RegionID,
			"tile_id", job.TileID, "error", err)
		job.Results <- TileOutcome{TileID: job.TileID, Status: models.TileStatusFailed, Err: fmt.Errorf("start tile: %w", err)}
		return nil, true
	}
	if rec.Status.Terminal() {
		job.Results <- TileOutcome{TileID: job.TileID, Status: rec.Status}
		return rec, true
	}
	return rec, false
}

// writeFeatures converts one tile's detections to image coordinates and upserts them.
func (d *Deps) writeFeatures(ctx context.Context, job *TileJob, fc *geojson.FeatureCollection) (int, error) {
	records := features.Records(features.Tile{
		ImageID:  job.ImageID,
		RegionID: job.RegionID,
		TileID:   job.TileID,
		Bounds:   job.Bounds,
	}, fc, d.now(), d.RecordTTL)
	if len(records) == 0 {
		return 0, nil
	}
	if err := d.Store.UpsertFeatures(ctx, records); err != nil {
		return 0, fmt.Errorf("upsert features: %w", err)
	}
	return len(records), nil
}

// finishTile moves the tile to its terminal status, publishes the transition and
// reports the outcome to the region handler.
func (d *Deps) finishTile(ctx context.Context, job *TileJob, status models.TileStatus, found int, cause error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	outcome := TileOutcome{TileID: job.TileID, Status: status, Features: found, Err: cause}
	log := d.logger().With("image_id", job.ImageID, "region_id", job.RegionID, "tile_id", job.TileID)

	done, err := d.Store.CompleteTile(ctx, job.key(), status, message)
	switch {
	case err != nil:
		log.Error("failed to complete tile", "status", status, "error", err)
		if outcome.Err == nil {
			outcome.Err = fmt.Errorf("complete tile: %w", err)
		}
	case done.Transitioned:
		d.publish(ctx, job, done.Tile)
	case done.Tile != nil && done.Tile.Status != status:
		// Another worker finished the tile first; its status is the one the region counted.
		log.Info("tile already completed", "status", done.Tile.Status, "attempted", status)
		outcome.Status = done.Tile.Status
		if outcome.Status == models.TileStatusSuccess {
			outcome.Err = nil
		}
	}

	if cause != nil {
		log.Warn("tile failed", "error", cause)
	} else {
		log.Debug("tile processed", "status", status, "features", found)
	}
	job.Results <- outcome
}

func (d *Deps) publish(ctx context.Context, job *TileJob, tile *models.TileRecord) {
	if d.Events == nil {
		return
	}
	e := models.StatusEvent{
		Kind:      models.EventTile,
		ID:        tile.TileID,
		ImageID:   tile.ImageID,
		JobID:     job.JobID,
		Status:    string(tile.Status),
		Message:   tile.Message,
		Timestamp: d.now(),
	}
	if tile.EndTime != nil {
		e.DurationMS = tile.EndTime.Sub(tile.StartTime).Milliseconds()
	}
	if err := d.Events.Publish(ctx, e); err != nil {
		d.logger().Warn("failed to publish tile event", "tile_id", tile.TileID, "error", err)
	}
}

// stagingKey is {prefix}/{image_id}/{region_id}/{tile_id}.{ext}.
func (d *Deps) stagingKey(job *TileJob) string {
	return d.Staging.Key(url.PathEscape(job.ImageID), url.PathEscape(job.RegionID),
		job.TileID+"."+imagery.Extension(job.Format))
}

// recoverTile turns a panic while processing job into a failed outcome. It must
// be deferred directly.
func (d *Deps) recoverTile(ctx context.Context, job *TileJob) {
	if r := recover(); r != nil {
		d.failPanic(ctx, job, r)
	}
}

func (d *Deps) failPanic(ctx context.Context, job *TileJob, r any) {
	d.logger().Error("panic processing tile", "tile_id", job.TileID, "panic", r)
	d.finishTile(ctx, job, models.TileStatusFailed, 0, fmt.Errorf("panic: %v", r))
}
