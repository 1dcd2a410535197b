package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/tileflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// ErrConflict is returned when a write would overwrite a value that may only be set once.
var ErrConflict = errors.New("conflicting update")

// JobStore tracks image jobs. Region counters are only changed by RegionStore.CompleteRegion.
type JobStore interface {
	// StartImageJob creates the record or returns the existing one unchanged.
	StartImageJob(ctx context.Context, job *models.ImageJobRecord) (*models.ImageJobRecord, error)
	GetImageJob(ctx context.Context, imageID string) (*models.ImageJobRecord, error)
	// EndImageJob moves the job to a terminal status. The bool reports whether this
	// call performed the transition; a job that is already terminal is returned as-is.
	EndImageJob(ctx context.Context, imageID string, status models.ImageStatus) (*models.ImageJobRecord, bool, error)
}

// RegionStore tracks regions within an image job.
type RegionStore interface {
	// StartRegion creates the region in STARTING or returns the existing record
	// without resetting its counters.
	StartRegion(ctx context.Context, region *models.RegionRecord) (*models.RegionRecord, error)
	// MarkRegionInProgress records the tile total. A terminal region is returned unchanged.
	MarkRegionInProgress(ctx context.Context, key models.RegionKey, totalTiles int) (*models.RegionRecord, error)
	// CompleteRegion performs the terminal transition and, in the same transaction,
	// increments region_success (SUCCESS) or region_error (PARTIAL, FAILED) on the job.
	// Repeated calls return the stored state without touching the job.
	CompleteRegion(ctx context.Context, key models.RegionKey, status models.RegionStatus, message string) (*RegionCompletion, error)
	GetRegion(ctx context.Context, key models.RegionKey) (*models.RegionRecord, error)
	ListRegions(ctx context.Context, imageID string) ([]*models.RegionRecord, error)
}

// TileStore tracks tiles within a region.
type TileStore interface {
	StartTile(ctx context.Context, tile *models.TileRecord) (*models.TileRecord, error)
	MarkTileInProgress(ctx context.Context, key models.TileKey) error
	// SetTileInference stores the async submission handle. It succeeds at most once per
	// tile; repeating it with the same inference id is a no-op and a different id is ErrConflict.
	SetTileInference(ctx context.Context, key models.TileKey, sub models.Submission) (*models.TileRecord, error)
	IncrementTileRetry(ctx context.Context, key models.TileKey) (int, error)
	// CompleteTile performs the terminal transition and, in the same transaction,
	// increments succeeded_tiles or failed_tiles on the region.
	CompleteTile(ctx context.Context, key models.TileKey, status models.TileStatus, message string) (*TileCompletion, error)
	GetTile(ctx context.Context, key models.TileKey) (*models.TileRecord, error)
	ListTiles(ctx context.Context, imageID, regionID string) ([]*models.TileRecord, error)
}

// FeatureStore holds detected features keyed by (image_id, fingerprint).
type FeatureStore interface {
	// UpsertFeatures inserts new features and adds the hits of already known ones.
	UpsertFeatures(ctx context.Context, features []*models.FeatureRecord) error
	ListFeatures(ctx context.Context, imageID string) ([]*models.FeatureRecord, error)
}

// Store is the data access interface. All record state goes through here.
type Store interface {
	Ping(ctx context.Context) error
	JobStore
	RegionStore
	TileStore
	FeatureStore
	// DeleteExpired removes every record whose expire_time is before now and
	// returns the number of rows deleted.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RegionCompletion is the result of RegionStore.CompleteRegion. Job is nil when the
// parent job record no longer exists.
type RegionCompletion struct {
	Region       *models.RegionRecord
	Job          *models.ImageJobRecord
	Transitioned bool
}

// TileCompletion is the result of TileStore.CompleteTile.
type TileCompletion struct {
	Tile         *models.TileRecord
	Region       *models.RegionRecord
	Transitioned bool
}

const (
	jobColumns = `image_id, job_id, image_url, status, region_count, region_success, region_error,
		start_time, end_time, expire_time, processing_duration_ms`
	regionColumns = `image_id, region_id, job_id, bound_row, bound_col, bound_width, bound_height,
		status, total_tiles, succeeded_tiles, failed_tiles, start_time, end_time, last_updated_time,
		expire_time, message`
	tileColumns = `tile_id, region_id, image_id, bound_row, bound_col, bound_width, bound_height,
		tile_status, inference_id, output_location, failure_location, retry_count, start_time, end_time,
		expire_time, message`
	featureColumns = `image_id, fingerprint, region_id, tile_id, feature, hits, created_at, expire_time`

	terminalRegionStatuses = `('SUCCESS', 'PARTIAL', 'FAILED')`
	terminalTileStatuses   = `('SUCCESS', 'FAILED')`
)

// expiringTables are swept by DeleteExpired, children first.
var expiringTables = []string{"features", "tiles", "regions", "image_jobs"}

// rowScanner is satisfied by single rows and row iterators of both backends.
type rowScanner interface {
	Scan(dest ...any) error
}

func durationMS(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}

func imageCounterColumn(status models.RegionStatus) string {
	if status == models.RegionStatusSuccess {
		return "region_success"
	}
	return "region_error"
}

func tileCounterColumn(status models.TileStatus) string {
	if status == models.TileStatusSuccess {
		return "succeeded_tiles"
	}
	return "failed_tiles"
}

// sameInference resolves a SetTileInference that matched no row: repeating the
// stored inference id is accepted, anything else conflicts.
func sameInference(current *models.TileRecord, sub models.Submission) (*models.TileRecord, error) {
	if current.InferenceID != nil && *current.InferenceID == sub.InferenceID {
		return current, nil
	}
	return nil, fmt.Errorf("tile %s already has inference or is terminal: %w", current.TileID, ErrConflict)
}
