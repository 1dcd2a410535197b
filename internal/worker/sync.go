package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kiranshivaraju/tileflow/internal/observability"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"go.opentelemetry.io/otel/attribute"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// SyncPool sends tiles to synchronous detectors.
type SyncPool struct {
	deps    *Deps
	workers int
	tiles   chan TileJob

	wg        sync.WaitGroup
	stopOnce  sync.Once
	processed atomic.Int64
	failed    atomic.Int64
}

func NewSyncPool(deps *Deps, workers int) *SyncPool {
	return &SyncPool{
		deps:    deps,
		workers: max(workers, 1),
		tiles:   make(chan TileJob, workers),
	}
}

// Start launches the workers. They run until Stop is called.
func (p *SyncPool) Start(ctx context.Context) {
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

// Submit queues job, blocking while every worker is busy. It must not be called
// after Stop.
func (p *SyncPool) Submit(ctx context.Context, job TileJob) error {
	select {
	case p.tiles <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPoolStopped, ctx.Err())
	}
}

// Stop closes the tile channel and waits for queued tiles to finish.
func (p *SyncPool) Stop() {
	p.stopOnce.Do(func() { close(p.tiles) })
	p.wg.Wait()
}

// Processed and Failed count tiles handled by this pool since it started.
func (p *SyncPool) Processed() int64 { return p.processed.Load() }
func (p *SyncPool) Failed() int64    { return p.failed.Load() }

func (p *SyncPool) process(ctx context.Context, job TileJob) {
	defer p.processed.Add(1)
	defer p.deps.recoverTile(ctx, &job)

	if _, done := p.deps.startTile(ctx, &job); done {
		return
	}

	ctx, span := observability.StartSpan(ctx, "tile.sync",
		attribute.String("image_id", job.ImageID), attribute.String("tile_id", job.TileID))
	found, err := p.detect(ctx, &job)
	observability.EndSpan(span, err)

	if err != nil {
		p.failed.Add(1)
		p.deps.finishTile(ctx, &job, models.TileStatusFailed, 0, err)
		return
	}
	p.deps.finishTile(ctx, &job, models.TileStatusSuccess, found, nil)
}

func (p *SyncPool) detect(ctx context.Context, job *TileJob) (int, error) {
	if err := p.deps.Store.MarkTileInProgress(ctx, job.key()); err != nil {
		return 0, err
	}
	payload, err := job.Source.Tile(job.Bounds, job.Format)
	if err != nil {
		return 0, fmt.Errorf("read tile: %w", err)
	}
	detector, err := p.deps.Detectors.Sync(job.Endpoint)
	if err != nil {
		return 0, fmt.Errorf("build detector: %w", err)
	}
	fc, err := detector.FindFeatures(ctx, payload)
	if err != nil {
		return 0, fmt.Errorf("detector %s: %w", detector.Name(), err)
	}
	return p.deps.writeFeatures(ctx, job, fc)
}
