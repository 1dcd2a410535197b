// Package region processes one region of an image: it splits the region into
// tiles, fans them out to the worker pools and rolls the outcomes up into the
// region and image records.
package region

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/tileflow/internal/events"
	"github.com/kiranshivaraju/tileflow/internal/observability"
	"github.com/kiranshivaraju/tileflow/internal/store"
	"github.com/kiranshivaraju/tileflow/internal/worker"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/kiranshivaraju/tileflow/pkg/tiling"
	"go.opentelemetry.io/otel/attribute"
)

// Dispatcher accepts tiles for processing. worker.SyncPool and
// worker.SubmissionPool implement it.
type Dispatcher interface {
	Submit(ctx context.Context, job worker.TileJob) error
}

// Result is the final state of a processed region.
type Result struct {
	Region *models.RegionRecord
	// Job is the image job after this region was counted; nil if it no longer exists.
	Job          *models.ImageJobRecord
	Total        int
	Failed       int
	Transitioned bool
}

func (r *Result) Status() models.RegionStatus {
	return r.Region.Status
}

// Handler runs region requests.
type Handler struct {
	store     store.Store
	sync      Dispatcher
	async     Dispatcher
	events    events.Publisher
	logger    *slog.Logger
	recordTTL time.Duration
	now       func() time.Time
}

func NewHandler(st store.Store, sync, async Dispatcher, pub events.Publisher, logger *slog.Logger, recordTTL time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     st,
		sync:      sync,
		async:     async,
		events:    pub,
		logger:    logger,
		recordTTL: recordTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessRegion runs every tile of req through the detector and records the
// region outcome. Only validation and record-store failures are returned as
// errors; tile failures and panics end in a FAILED or PARTIAL region.
func (h *Handler) ProcessRegion(ctx context.Context, req models.RegionRequest, source worker.TileSource) (res *Result, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := h.logger.With("job_id", req.JobID, "image_id", req.ImageID, "region_id", req.RegionID)

	now := h.now()
	rec, err := h.store.StartRegion(ctx, &models.RegionRecord{
		ImageID:         req.ImageID,
		RegionID:        req.RegionID,
		JobID:           req.JobID,
		Bounds:          req.RegionBounds,
		Status:          models.RegionStatusStarting,
		StartTime:       now,
		LastUpdatedTime: now,
		ExpireTime:      now.Add(h.recordTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("start region %s: %w", req.RegionID, err)
	}
	if rec.Status.Terminal() {
		log.Info("region already complete", "status", rec.Status)
		job, err := h.store.GetImageJob(ctx, req.ImageID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("get image job: %w", err)
		}
		return &Result{Region: rec, Job: job, Total: rec.TotalTiles, Failed: rec.FailedTiles}, nil
	}

	ctx, span := observability.StartSpan(ctx, "region.process",
		attribute.String("image_id", req.ImageID), attribute.String("region_id", req.RegionID))
	defer func() { observability.EndSpan(span, err) }()

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic processing region", "panic", r)
			res, err = h.failRegionRequest(ctx, req, fmt.Errorf("panic: %v", r))
		}
	}()

	total, failed, err := h.runTiles(ctx, req, source)
	if err != nil {
		log.Error("region processing failed", "error", err)
		return h.failRegionRequest(ctx, req, err)
	}

	status := models.RegionOutcome(total, failed)
	message := ""
	if failed > 0 {
		message = fmt.Sprintf("%d of %d tiles failed", failed, total)
	}
	done, err := h.store.CompleteRegion(ctx, req.Key(), status, message)
	if err != nil {
		return nil, fmt.Errorf("complete region %s: %w", req.RegionID, err)
	}
	if done.Transitioned {
		h.publish(ctx, done.Region)
	}

	log.Info("region processed", "status", done.Region.Status, "tiles", total, "failed", failed)
	return &Result{Region: done.Region, Job: done.Job, Total: total, Failed: failed, Transitioned: done.Transitioned}, nil
}

// runTiles dispatches every tile of the region and waits for one outcome each.
// Tiles that could not be dispatched count as failed.
func (h *Handler) runTiles(ctx context.Context, req models.RegionRequest, source worker.TileSource) (total, failed int, err error) {
	tiles, err := tiling.ComputeTiles(req.RegionBounds, req.TileSize, req.TileOverlap)
	if err != nil {
		return 0, 0, err
	}
	if _, err := h.store.MarkRegionInProgress(ctx, req.Key(), len(tiles)); err != nil {
		return 0, 0, fmt.Errorf("mark region in progress: %w", err)
	}

	pool := h.sync
	if req.Endpoint.Async() {
		pool = h.async
	}

	results := make(chan worker.TileOutcome, len(tiles))
	dispatched := 0
	for _, bounds := range tiles {
		job := worker.TileJob{
			JobID:    req.JobID,
			ImageID:  req.ImageID,
			RegionID: req.RegionID,
			TileID:   models.TileID(bounds),
			Bounds:   bounds,
			Format:   req.TileFormat,
			Endpoint: req.Endpoint,
			Source:   source,
			Results:  results,
		}
		if err := pool.Submit(ctx, job); err != nil {
			h.logger.Warn("tile not dispatched", "region_id", req.RegionID, "tile_id", job.TileID, "error", err)
			break
		}
		dispatched++
	}
	failed = len(tiles) - dispatched

	for range dispatched {
		if outcome := <-results; outcome.Status != models.TileStatusSuccess {
			failed++
		}
	}
	return len(tiles), failed, nil
}

// FailRegion records req as FAILED without running it. The runner calls it when
// a region message is given up on so the image job can still complete.
func (h *Handler) FailRegion(ctx context.Context, req models.RegionRequest, cause error) (*Result, error) {
	now := h.now()
	_, err := h.store.StartRegion(ctx, &models.RegionRecord{
		ImageID:         req.ImageID,
		RegionID:        req.RegionID,
		JobID:           req.JobID,
		Bounds:          req.RegionBounds,
		Status:          models.RegionStatusStarting,
		StartTime:       now,
		LastUpdatedTime: now,
		ExpireTime:      now.Add(h.recordTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("start region %s: %w", req.RegionID, err)
	}
	return h.failRegionRequest(ctx, req, cause)
}

// failRegionRequest moves the region to FAILED and counts it as an error on the
// image job.
func (h *Handler) failRegionRequest(ctx context.Context, req models.RegionRequest, cause error) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	done, err := h.store.CompleteRegion(ctx, req.Key(), models.RegionStatusFailed, cause.Error())
	if err != nil {
		return nil, fmt.Errorf("fail region %s: %w (cause: %v)", req.RegionID, err, cause)
	}
	if done.Transitioned {
		h.publish(ctx, done.Region)
	}
	return &Result{
		Region:       done.Region,
		Job:          done.Job,
		Total:        done.Region.TotalTiles,
		Failed:       done.Region.TotalTiles - done.Region.SucceededTiles,
		Transitioned: done.Transitioned,
	}, nil
}

func (h *Handler) publish(ctx context.Context, region *models.RegionRecord) {
	if h.events == nil {
		return
	}
	e := models.StatusEvent{
		Kind:      models.EventRegion,
		ID:        region.RegionID,
		ImageID:   region.ImageID,
		JobID:     region.JobID,
		Status:    string(region.Status),
		Message:   region.Message,
		Timestamp: h.now(),
	}
	if region.EndTime != nil {
		e.DurationMS = region.EndTime.Sub(region.StartTime).Milliseconds()
	}
	if err := h.events.Publish(ctx, e); err != nil {
		h.logger.Warn("failed to publish region event", "region_id", region.RegionID, "error", err)
	}
}
