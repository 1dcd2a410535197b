package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kiranshivaraju/tileflow/internal/observability"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/paulmach/orb/geojson"
	"go.opentelemetry.io/otel/attribute"
)

var ErrNoOutputLocation = errors.New("no output location")

// PollJob is a submitted tile waiting for its inference to finish.
type PollJob struct {
	Tile          TileJob
	Submission    models.Submission
	InputLocation string
}

// SubmissionPool stages tile payloads and submits them to async detectors. Every
// accepted submission is handed to the PollingPool.
type SubmissionPool struct {
	deps    *Deps
	polling *PollingPool
	workers int
	tiles   chan TileJob

	wg       sync.WaitGroup
	stopOnce sync.Once
	failed   atomic.Int64
}

func NewSubmissionPool(deps *Deps, polling *PollingPool, workers int) *SubmissionPool {
	return &SubmissionPool{
		deps:    deps,
		polling: polling,
		workers: max(workers, 1),
		tiles:   make(chan TileJob, workers),
	}
}

func (p *SubmissionPool) Start(ctx context.Context) {
	for range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.tiles {
				p.process(ctx, job)
			}
		}()
	}
}

// Submit queues job. It must not be called after Stop.
func (p *SubmissionPool) Submit(ctx context.Context, job TileJob) error {
	select {
	case p.tiles <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPoolStopped, ctx.Err())
	}
}

// Stop drains the submission channel. Stop the PollingPool afterwards.
func (p *SubmissionPool) Stop() {
	p.stopOnce.Do(func() { close(p.tiles) })
	p.wg.Wait()
}

func (p *SubmissionPool) Failed() int64 { return p.failed.Load() }

func (p *SubmissionPool) process(ctx context.Context, job TileJob) {
	handedOff := false
	defer func() {
		if r := recover(); r != nil {
			if handedOff {
				p.deps.logger().Error("panic after tile was handed to polling", "tile_id", job.TileID, "panic", r)
				return
			}
			p.deps.failPanic(ctx, &job, r)
		}
	}()

	rec, done := p.deps.startTile(ctx, &job)
	if done {
		return
	}

	// A tile that was submitted before a restart resumes polling.
	if rec.InferenceID != nil {
		handedOff = true
		p.polling.enqueue(ctx, PollJob{
			Tile: job,
			Submission: models.Submission{
				InferenceID:     *rec.InferenceID,
				OutputLocation:  rec.OutputLocation,
				FailureLocation: rec.FailureLocation,
			},
			InputLocation: p.deps.Staging.URI(p.deps.stagingKey(&job)),
		})
		return
	}

	ctx, span := observability.StartSpan(ctx, "tile.submit",
		attribute.String("image_id", job.ImageID), attribute.String("tile_id", job.TileID))
	poll, err := p.submit(ctx, &job)
	observability.EndSpan(span, err)

	if err != nil {
		p.failed.Add(1)
		if poll.InputLocation != "" {
			p.deps.Cleaner.Cleanup(ctx, poll.InputLocation)
		}
		p.deps.finishTile(ctx, &job, models.TileStatusFailed, 0, err)
		return
	}
	handedOff = true
	p.polling.enqueue(ctx, poll)
}

func (p *SubmissionPool) submit(ctx context.Context, job *TileJob) (PollJob, error) {
	poll := PollJob{Tile: *job}
	if err := p.deps.Store.MarkTileInProgress(ctx, job.key()); err != nil {
		return poll, err
	}
	payload, err := job.Source.Tile(job.Bounds, job.Format)
	if err != nil {
		return poll, fmt.Errorf("read tile: %w", err)
	}
	poll.InputLocation, err = p.deps.Staging.Upload(ctx, payload, p.deps.stagingKey(job))
	if err != nil {
		return poll, fmt.Errorf("stage tile: %w", err)
	}

	detector, err := p.deps.Detectors.Async(job.Endpoint)
	if err != nil {
		return poll, fmt.Errorf("build detector: %w", err)
	}
	poll.Submission, err = detector.Submit(ctx, poll.InputLocation)
	if err != nil {
		return poll, fmt.Errorf("detector %s: submit: %w", detector.Name(), err)
	}
	if _, err := p.deps.Store.SetTileInference(ctx, job.key(), poll.Submission); err != nil {
		return poll, fmt.Errorf("record inference: %w", err)
	}
	return poll, nil
}

// PollingPool waits for submitted inferences and collects their results.
type PollingPool struct {
	deps    *Deps
	poller  *Poller
	workers int
	jobs    chan PollJob

	wg        sync.WaitGroup
	stopOnce  sync.Once
	failed    atomic.Int64
	timedOut  atomic.Int64
	succeeded atomic.Int64
}

func NewPollingPool(deps *Deps, poller *Poller, workers int) *PollingPool {
	return &PollingPool{
		deps:    deps,
		poller:  poller,
		workers: max(workers, 1),
		jobs:    make(chan PollJob, workers),
	}
}

func (p *PollingPool) Start(ctx context.Context) {
	for range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				p.process(ctx, job)
			}
		}()
	}
}

// enqueue blocks until a polling worker accepts job. If ctx ends first the tile
// is failed so its region still receives an outcome.
func (p *PollingPool) enqueue(ctx context.Context, job PollJob) {
	select {
	case p.jobs <- job:
	case <-ctx.Done():
		p.deps.finishTile(context.WithoutCancel(ctx), &job.Tile, models.TileStatusFailed, 0,
			fmt.Errorf("%w: %w", ErrPoolStopped, ctx.Err()))
	}
}

func (p *PollingPool) Stop() {
	p.stopOnce.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

func (p *PollingPool) Succeeded() int64 { return p.succeeded.Load() }
func (p *PollingPool) Failed() int64    { return p.failed.Load() }
func (p *PollingPool) TimedOut() int64  { return p.timedOut.Load() }

func (p *PollingPool) process(ctx context.Context, job PollJob) {
	defer p.deps.recoverTile(ctx, &job.Tile)

	ctx, span := observability.StartSpan(ctx, "tile.poll",
		attribute.String("image_id", job.Tile.ImageID), attribute.String("tile_id", job.Tile.TileID),
		attribute.String("inference_id", job.Submission.InferenceID))
	found, err := p.collect(ctx, &job)
	observability.EndSpan(span, err)

	sub := job.Submission
	if err != nil {
		p.failed.Add(1)
		if errors.Is(err, ErrAsyncTimeout) {
			p.timedOut.Add(1)
		}
		p.deps.Cleaner.Cleanup(ctx, job.InputLocation, sub.OutputLocation, sub.FailureLocation)
		p.deps.finishTile(ctx, &job.Tile, models.TileStatusFailed, 0, err)
		return
	}
	p.succeeded.Add(1)
	p.deps.Cleaner.Cleanup(ctx, job.InputLocation, sub.OutputLocation, sub.FailureLocation)
	p.deps.finishTile(ctx, &job.Tile, models.TileStatusSuccess, found, nil)
}

// collect waits for the inference and writes its features. The output location
// reported by the final status wins over the one returned at submission.
func (p *PollingPool) collect(ctx context.Context, job *PollJob) (int, error) {
	detector, err := p.deps.Detectors.Async(job.Tile.Endpoint)
	if err != nil {
		return 0, fmt.Errorf("build detector: %w", err)
	}

	key := job.Tile.key()
	status, err := p.poller.Wait(ctx, detector, job.Submission.InferenceID, func(error) {
		if _, err := p.deps.Store.IncrementTileRetry(ctx, key); err != nil {
			p.deps.logger().Warn("failed to count tile retry", "tile_id", key.TileID, "error", err)
		}
	})
	if err != nil {
		return 0, err
	}

	if status.State == models.AsyncFailed {
		reason := status.FailureReason
		if reason == "" {
			reason = "no failure reason reported"
		}
		return 0, fmt.Errorf("inference %s failed: %s", job.Submission.InferenceID, reason)
	}

	output := status.OutputLocation
	if output == "" {
		output = job.Submission.OutputLocation
	}
	if output == "" {
		return 0, fmt.Errorf("inference %s: %w", job.Submission.InferenceID, ErrNoOutputLocation)
	}
	job.Submission.OutputLocation = output

	data, err := p.deps.Staging.Download(ctx, output)
	if err != nil {
		return 0, fmt.Errorf("download result: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return 0, fmt.Errorf("parse result %s: %w", output, err)
	}
	return p.deps.writeFeatures(ctx, &job.Tile, fc)
}
