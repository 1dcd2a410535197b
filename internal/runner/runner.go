// Package runner drains the image and region work-item queues and drives each
// item through the region handler until its image job is finalized.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"path"
	"time"

	"github.com/kiranshivaraju/tileflow/internal/events"
	"github.com/kiranshivaraju/tileflow/internal/features"
	"github.com/kiranshivaraju/tileflow/internal/imagery"
	"github.com/kiranshivaraju/tileflow/internal/observability"
	"github.com/kiranshivaraju/tileflow/internal/queue"
	"github.com/kiranshivaraju/tileflow/internal/region"
	"github.com/kiranshivaraju/tileflow/internal/staging"
	"github.com/kiranshivaraju/tileflow/internal/store"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/kiranshivaraju/tileflow/pkg/tiling"
	"go.opentelemetry.io/otel/attribute"
)

// ErrRetryable marks a dispatch failure that should put the work item back on
// its queue. Every other error fails the item for good.
var ErrRetryable = errors.New("retryable dispatch error")

func retryable(err error) error {
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// Opener opens the source image of a request. *imagery.Loader implements it.
type Opener interface {
	Open(ctx context.Context, url string) (*imagery.Image, error)
}

type Options struct {
	// RegionSize is used when a request does not set its own.
	RegionSize  models.Size
	RecordTTL   time.Duration
	ReceiveWait time.Duration
	// MaxAttempts bounds deliveries of a retryable item; zero means unbounded.
	MaxAttempts int
}

// Deps are the collaborators of a ModelRunner.
type Deps struct {
	Images  queue.Queue
	Regions queue.Queue
	Store   store.Store
	Handler *region.Handler
	Opener  Opener
	// Staging writes image outputs. It may be nil when no request asks for outputs.
	Staging *staging.Store
	Events  events.Publisher
	Logger  *slog.Logger
}

// ModelRunner handles one work item at a time. Region messages are drained
// before new images are started.
type ModelRunner struct {
	deps Deps
	opts Options
	now  func() time.Time
}

func New(deps Deps, opts Options) *ModelRunner {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &ModelRunner{
		deps: deps,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Run processes work items until ctx is cancelled. The item in hand when that
// happens is finished first.
func (r *ModelRunner) Run(ctx context.Context) error {
	r.deps.Logger.Info("model runner started")
	for ctx.Err() == nil {
		if _, err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			r.deps.Logger.Error("receive failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	r.deps.Logger.Info("model runner stopped")
	return nil
}

// RunOnce handles at most one work item. The bool reports whether one was received.
func (r *ModelRunner) RunOnce(ctx context.Context) (bool, error) {
	msg, ok, err := r.deps.Regions.Receive(ctx, 0)
	if err != nil {
		return false, err
	}
	if ok {
		r.dispatch(ctx, r.deps.Regions, msg, r.handleRegion, r.giveUpRegion)
		return true, nil
	}

	msg, ok, err = r.deps.Images.Receive(ctx, r.opts.ReceiveWait)
	if err != nil || !ok {
		return false, err
	}
	r.dispatch(ctx, r.deps.Images, msg, r.handleImage, r.giveUpImage)
	return true, nil
}

type handleFunc func(ctx context.Context, body []byte) error

type giveUpFunc func(ctx context.Context, body []byte, cause error)

// dispatch runs handle and settles msg: acked on success, returned on a
// retryable error with attempts left, dead-lettered otherwise.
func (r *ModelRunner) dispatch(ctx context.Context, q queue.Queue, msg *queue.Message, handle handleFunc, giveUp giveUpFunc) {
	ctx = context.WithoutCancel(ctx)
	log := r.deps.Logger.With("message_id", msg.ID, "attempts", msg.Attempts)

	err := handle(ctx, msg.Body)
	switch {
	case err == nil:
		if aerr := q.Ack(ctx, msg); aerr != nil {
			log.Error("ack failed", "error", aerr)
		}
	case errors.Is(err, ErrRetryable) && (r.opts.MaxAttempts == 0 || msg.Attempts+1 < r.opts.MaxAttempts):
		log.Warn("work item will be retried", "error", err)
		if rerr := q.Return(ctx, msg); rerr != nil {
			log.Error("return failed", "error", rerr)
		}
	default:
		log.Error("work item failed", "error", err)
		giveUp(ctx, msg.Body, err)
		if derr := q.DeadLetter(ctx, msg, err.Error()); derr != nil {
			log.Error("dead-letter failed", "error", derr)
		}
	}
}

func decodeImageRequest(body []byte) (*models.ImageRequest, error) {
	var req models.ImageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, models.NewValidationError("body", fmt.Sprintf("invalid image request: %v", err))
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func decodeRegionRequest(body []byte) (*models.RegionRequest, error) {
	var req models.RegionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, models.NewValidationError("body", fmt.Sprintf("invalid region request: %v", err))
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// handleImage starts an image job: it computes the regions, enqueues all but
// the first and processes the first one here.
func (r *ModelRunner) handleImage(ctx context.Context, body []byte) (err error) {
	req, err := decodeImageRequest(body)
	if err != nil {
		return err
	}
	log := r.deps.Logger.With("job_id", req.JobID, "image_id", req.ImageID)

	existing, err := r.deps.Store.GetImageJob(ctx, req.ImageID)
	switch {
	case err == nil && existing.Status.Terminal():
		log.Info("image job already complete", "status", existing.Status)
		return nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return retryable(fmt.Errorf("get image job: %w", err))
	}

	ctx, span := observability.StartSpan(ctx, "image.start",
		attribute.String("job_id", req.JobID), attribute.String("image_id", req.ImageID))
	defer func() { observability.EndSpan(span, err) }()

	img, err := r.deps.Opener.Open(ctx, req.ImageURL)
	if err != nil {
		return classifyOpen(err)
	}

	bounds, err := tiling.ProcessingBounds(img.Width(), img.Height(), req.ROI)
	if err != nil {
		return err
	}
	var regions []models.ImageRegion
	if bounds != nil {
		regions, err = tiling.ComputeRegions(*bounds, r.regionSize(req), req.TileOverlap)
		if err != nil {
			return err
		}
	}

	now := r.now()
	job, err := r.deps.Store.StartImageJob(ctx, &models.ImageJobRecord{
		ImageID:     req.ImageID,
		JobID:       req.JobID,
		ImageURL:    req.ImageURL,
		Status:      models.ImageStatusStarted,
		RegionCount: len(regions),
		StartTime:   now,
		ExpireTime:  now.Add(r.opts.RecordTTL),
	})
	if err != nil {
		return retryable(fmt.Errorf("start image job: %w", err))
	}
	if job.Status.Terminal() {
		return nil
	}

	requests, err := r.pendingRegions(ctx, req, regions)
	if err != nil {
		return retryable(err)
	}
	log.Info("image job started", "width", img.Width(), "height", img.Height(),
		"regions", len(regions), "pending", len(requests))

	if len(requests) == 0 {
		job, err := r.deps.Store.GetImageJob(ctx, req.ImageID)
		if err != nil {
			return retryable(fmt.Errorf("get image job: %w", err))
		}
		if job.Complete() {
			return r.finalize(ctx, job, req.Outputs)
		}
		return nil
	}

	for _, rr := range requests[1:] {
		b, err := json.Marshal(rr)
		if err != nil {
			return fmt.Errorf("encode region request: %w", err)
		}
		if err := r.deps.Regions.Send(ctx, b); err != nil {
			return retryable(fmt.Errorf("enqueue region %s: %w", rr.RegionID, err))
		}
	}
	return r.processRegion(ctx, requests[0], img)
}

// pendingRegions builds the region requests that have not reached a terminal
// status. On a first delivery that is all of them; on a redelivery it includes
// regions that were started but never completed.
func (r *ModelRunner) pendingRegions(ctx context.Context, req *models.ImageRequest, regions []models.ImageRegion) ([]models.RegionRequest, error) {
	started, err := r.deps.Store.ListRegions(ctx, req.ImageID)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	finished := make(map[string]bool, len(started))
	for _, s := range started {
		finished[s.RegionID] = s.Status.Terminal()
	}

	out := make([]models.RegionRequest, 0, len(regions))
	for _, bounds := range regions {
		rr := models.NewRegionRequest(req, bounds)
		if !finished[rr.RegionID] {
			out = append(out, rr)
		}
	}
	return out, nil
}

func (r *ModelRunner) regionSize(req *models.ImageRequest) models.Size {
	if req.RegionSize != nil {
		return *req.RegionSize
	}
	return r.opts.RegionSize
}

func (r *ModelRunner) handleRegion(ctx context.Context, body []byte) error {
	req, err := decodeRegionRequest(body)
	if err != nil {
		return err
	}
	img, err := r.deps.Opener.Open(ctx, req.ImageURL)
	if err != nil {
		return classifyOpen(err)
	}
	return r.processRegion(ctx, *req, img)
}

func (r *ModelRunner) processRegion(ctx context.Context, req models.RegionRequest, img *imagery.Image) error {
	res, err := r.deps.Handler.ProcessRegion(ctx, req, img)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			return err
		}
		return retryable(err)
	}
	if res.Job != nil && res.Job.Complete() {
		return r.finalize(ctx, res.Job, req.Outputs)
	}
	return nil
}

// classifyOpen separates images that can never be read from fetch failures
// that may clear up.
func classifyOpen(err error) error {
	switch {
	case errors.Is(err, imagery.ErrUnsupportedSource),
		errors.Is(err, imagery.ErrUnsupportedFormat),
		errors.Is(err, image.ErrFormat),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, staging.ErrPermanent),
		errors.Is(err, staging.ErrMissingKey),
		errors.Is(err, staging.ErrInvalidURI):
		return fmt.Errorf("open image: %w", err)
	default:
		return retryable(fmt.Errorf("open image: %w", err))
	}
}

// giveUpImage records a FAILED job for a request that could not be started so
// its status can still be queried. Undecodable requests leave no state.
func (r *ModelRunner) giveUpImage(ctx context.Context, body []byte, cause error) {
	req, err := decodeImageRequest(body)
	if err != nil {
		return
	}
	now := r.now()
	_, err = r.deps.Store.StartImageJob(ctx, &models.ImageJobRecord{
		ImageID:    req.ImageID,
		JobID:      req.JobID,
		ImageURL:   req.ImageURL,
		Status:     models.ImageStatusStarted,
		StartTime:  now,
		ExpireTime: now.Add(r.opts.RecordTTL),
	})
	if err != nil {
		r.deps.Logger.Error("failed to record image job", "image_id", req.ImageID, "error", err)
		return
	}
	r.endJob(ctx, req.ImageID, models.ImageStatusFailed, cause.Error())
}

// giveUpRegion fails the region so the image job still reaches its region count.
func (r *ModelRunner) giveUpRegion(ctx context.Context, body []byte, cause error) {
	req, err := decodeRegionRequest(body)
	if err != nil {
		return
	}
	res, err := r.deps.Handler.FailRegion(ctx, *req, cause)
	if err != nil {
		r.deps.Logger.Error("failed to fail region", "region_id", req.RegionID, "error", err)
		return
	}
	if res.Job != nil && res.Job.Complete() {
		if err := r.finalize(ctx, res.Job, req.Outputs); err != nil {
			r.deps.Logger.Error("failed to finalize image job", "image_id", req.ImageID, "error", err)
		}
	}
}

// finalize writes the outputs of a complete job and moves it to its final
// status. Concurrent callers may both write outputs; only one transitions the job.
func (r *ModelRunner) finalize(ctx context.Context, job *models.ImageJobRecord, outputs []models.OutputDestination) error {
	if job.Status.Terminal() {
		return nil
	}
	r.writeOutputs(ctx, job, outputs)
	if !r.endJob(ctx, job.ImageID, job.Outcome(), "") {
		return retryable(fmt.Errorf("end image job %s", job.ImageID))
	}
	return nil
}

// endJob reports false only when the record store could not be updated.
func (r *ModelRunner) endJob(ctx context.Context, imageID string, status models.ImageStatus, message string) bool {
	job, transitioned, err := r.deps.Store.EndImageJob(ctx, imageID, status)
	if err != nil {
		r.deps.Logger.Error("failed to end image job", "image_id", imageID, "status", status, "error", err)
		return false
	}
	if !transitioned {
		return true
	}

	r.deps.Logger.Info("image job complete", "image_id", imageID, "job_id", job.JobID, "status", job.Status,
		"region_success", job.RegionSuccess, "region_error", job.RegionError)
	if r.deps.Events == nil {
		return true
	}
	e := models.StatusEvent{
		Kind:      models.EventImage,
		ID:        job.ImageID,
		ImageID:   job.ImageID,
		JobID:     job.JobID,
		Status:    string(job.Status),
		Message:   message,
		Timestamp: r.now(),
	}
	if job.ProcessingDurationMS != nil {
		e.DurationMS = *job.ProcessingDurationMS
	}
	if err := r.deps.Events.Publish(ctx, e); err != nil {
		r.deps.Logger.Warn("failed to publish image event", "image_id", imageID, "error", err)
	}
	return true
}

// OutputURI is where an output destination receives the features of a job.
func OutputURI(out models.OutputDestination, jobID string) string {
	return "s3://" + out.Bucket + "/" + path.Join(out.Prefix, jobID+".geojson")
}

// writeOutputs is best-effort: a destination that cannot be written is logged
// and does not change the job outcome.
func (r *ModelRunner) writeOutputs(ctx context.Context, job *models.ImageJobRecord, outputs []models.OutputDestination) {
	if len(outputs) == 0 {
		return
	}
	log := r.deps.Logger.With("image_id", job.ImageID, "job_id", job.JobID)
	if r.deps.Staging == nil {
		log.Warn("no object store configured, skipping outputs")
		return
	}

	records, err := r.deps.Store.ListFeatures(ctx, job.ImageID)
	if err != nil {
		log.Error("failed to list features", "error", err)
		return
	}
	data, err := features.Collection(records).MarshalJSON()
	if err != nil {
		log.Error("failed to encode features", "error", err)
		return
	}

	for _, out := range outputs {
		uri := OutputURI(out, job.JobID)
		if err := r.deps.Staging.UploadURI(ctx, data, uri); err != nil {
			log.Error("failed to write output", "uri", uri, "error", err)
			continue
		}
		log.Info("output written", "uri", uri, "features", len(records))
	}
}
