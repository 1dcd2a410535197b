package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/paulmach/orb/geojson"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Image jobs ---

func (s *PostgresStore) StartImageJob(ctx context.Context, job *models.ImageJobRecord) (*models.ImageJobRecord, error) {
	start := job.StartTime
	if start.IsZero() {
		start = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO image_jobs (image_id, job_id, image_url, status, region_count, start_time, expire_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (image_id) DO NOTHING`,
		job.ImageID, job.JobID, job.ImageURL, models.ImageStatusStarted, job.RegionCount, start, job.ExpireTime)
	if err != nil {
		return nil, fmt.Errorf("start image job: %w", err)
	}
	return s.GetImageJob(ctx, job.ImageID)
}

func (s *PostgresStore) GetImageJob(ctx context.Context, imageID string) (*models.ImageJobRecord, error) {
	job, err := scanPGJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM image_jobs WHERE image_id = $1`, imageID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) EndImageJob(ctx context.Context, imageID string, status models.ImageStatus) (*models.ImageJobRecord, bool, error) {
	if !status.Terminal() {
		return nil, false, fmt.Errorf("end image job: %s is not a terminal status", status)
	}

	var job *models.ImageJobRecord
	transitioned := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanPGJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM image_jobs WHERE image_id = $1 FOR UPDATE`, imageID))
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			job = current
			return nil
		}

		end := s.now()
		job, err = scanPGJob(tx.QueryRow(ctx,
			`UPDATE image_jobs SET status = $2, end_time = $3, processing_duration_ms = $4
			 WHERE image_id = $1 RETURNING `+jobColumns,
			imageID, status, end, durationMS(current.StartTime, end)))
		if err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("end image job: %w", err)
	}
	return job, transitioned, nil
}

// --- Regions ---

func (s *PostgresStore) StartRegion(ctx context.Context, region *models.RegionRecord) (*models.RegionRecord, error) {
	now := s.now()
	var out *models.RegionRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := region.Bounds
		if _, err := tx.Exec(ctx,
			`INSERT INTO regions (image_id, region_id, job_id, bound_row, bound_col, bound_width, bound_height,
			                      status, start_time, last_updated_time, expire_time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10)
			 ON CONFLICT (image_id, region_id) DO NOTHING`,
			region.ImageID, region.RegionID, region.JobID, b.Row, b.Col, b.Width, b.Height,
			models.RegionStatusStarting, now, region.ExpireTime); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE image_jobs SET status = $2 WHERE image_id = $1 AND status = $3`,
			region.ImageID, models.ImageStatusInProgress, models.ImageStatusStarted); err != nil {
			return err
		}

		var err error
		out, err = scanPGRegion(tx.QueryRow(ctx,
			`SELECT `+regionColumns+` FROM regions WHERE image_id = $1 AND region_id = $2`,
			region.ImageID, region.RegionID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("start region: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkRegionInProgress(ctx context.Context, key models.RegionKey, totalTiles int) (*models.RegionRecord, error) {
	region, err := scanPGRegion(s.pool.QueryRow(ctx,
		`UPDATE regions SET status = $3, total_tiles = $4, last_updated_time = $5
		 WHERE image_id = $1 AND region_id = $2 AND status IN ($6, $3)
		 RETURNING `+regionColumns,
		key.ImageID, key.RegionID, models.RegionStatusInProgress, totalTiles, s.now(), models.RegionStatusStarting))
	if errors.Is(err, ErrNotFound) {
		return s.GetRegion(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("mark region in progress: %w", err)
	}
	return region, nil
}

func (s *PostgresStore) CompleteRegion(ctx context.Context, key models.RegionKey, status models.RegionStatus, message string) (*RegionCompletion, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("complete region: %s is not a terminal status", status)
	}

	out := &RegionCompletion{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		region, err := scanPGRegion(tx.QueryRow(ctx,
			`UPDATE regions SET status = $3, message = $4, end_time = $5, last_updated_time = $5
			 WHERE image_id = $1 AND region_id = $2 AND status NOT IN `+terminalRegionStatuses+`
			 RETURNING `+regionColumns,
			key.ImageID, key.RegionID, status, message, s.now()))
		if errors.Is(err, ErrNotFound) {
			// Already terminal: report the stored state and leave the job untouched.
			if out.Region, err = scanPGRegion(tx.QueryRow(ctx,
				`SELECT `+regionColumns+` FROM regions WHERE image_id = $1 AND region_id = $2`,
				key.ImageID, key.RegionID)); err != nil {
				return err
			}
			out.Job, err = scanPGJob(tx.QueryRow(ctx,
				`SELECT `+jobColumns+` FROM image_jobs WHERE image_id = $1`, key.ImageID))
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if err != nil {
			return err
		}
		out.Region = region
		out.Transitioned = true

		col := imageCounterColumn(status)
		out.Job, err = scanPGJob(tx.QueryRow(ctx,
			`UPDATE image_jobs SET `+col+` = `+col+` + 1 WHERE image_id = $1 RETURNING `+jobColumns,
			key.ImageID))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if isPGError(err, pgerrcode.CheckViolation) {
		return nil, fmt.Errorf("complete region %s: %w", key.RegionID, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("complete region: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetRegion(ctx context.Context, key models.RegionKey) (*models.RegionRecord, error) {
	region, err := scanPGRegion(s.pool.QueryRow(ctx,
		`SELECT `+regionColumns+` FROM regions WHERE image_id = $1 AND region_id = $2`,
		key.ImageID, key.RegionID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get region: %w", err)
	}
	return region, nil
}

func (s *PostgresStore) ListRegions(ctx context.Context, imageID string) ([]*models.RegionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+regionColumns+` FROM regions WHERE image_id = $1 ORDER BY bound_row, bound_col`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()

	regions := []*models.RegionRecord{}
	for rows.Next() {
		r, err := scanPGRegion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		regions = append(regions, r)
	}
	return regions, rows.Err()
}

// --- Tiles ---

func (s *PostgresStore) StartTile(ctx context.Context, tile *models.TileRecord) (*models.TileRecord, error) {
	b := tile.Bounds
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tiles (tile_id, region_id, image_id, bound_row, bound_col, bound_width, bound_height,
		                    tile_status, start_time, expire_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tile_id, region_id) DO NOTHING`,
		tile.TileID, tile.RegionID, tile.ImageID, b.Row, b.Col, b.Width, b.Height,
		models.TileStatusPending, s.now(), tile.ExpireTime)
	if err != nil {
		return nil, fmt.Errorf("start tile: %w", err)
	}
	return s.GetTile(ctx, tile.Key())
}

func (s *PostgresStore) MarkTileInProgress(ctx context.Context, key models.TileKey) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tiles SET tile_status = $3 WHERE tile_id = $1 AND region_id = $2 AND tile_status = $4`,
		key.TileID, key.RegionID, models.TileStatusInProgress, models.TileStatusPending)
	if err != nil {
		return fmt.Errorf("mark tile in progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTileInference(ctx context.Context, key models.TileKey, sub models.Submission) (*models.TileRecord, error) {
	tile, err := scanPGTile(s.pool.QueryRow(ctx,
		`UPDATE tiles SET inference_id = $3, output_location = $4, failure_location = $5, tile_status = $6
		 WHERE tile_id = $1 AND region_id = $2 AND inference_id IS NULL AND tile_status NOT IN `+terminalTileStatuses+`
		 RETURNING `+tileColumns,
		key.TileID, key.RegionID, sub.InferenceID, sub.OutputLocation, sub.FailureLocation, models.TileStatusInProgress))
	if errors.Is(err, ErrNotFound) {
		current, err := s.GetTile(ctx, key)
		if err != nil {
			return nil, err
		}
		return sameInference(current, sub)
	}
	if err != nil {
		return nil, fmt.Errorf("set tile inference: %w", err)
	}
	return tile, nil
}

func (s *PostgresStore) IncrementTileRetry(ctx context.Context, key models.TileKey) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE tiles SET retry_count = retry_count + 1 WHERE tile_id = $1 AND region_id = $2 RETURNING retry_count`,
		key.TileID, key.RegionID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment tile retry: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CompleteTile(ctx context.Context, key models.TileKey, status models.TileStatus, message string) (*TileCompletion, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("complete tile: %s is not a terminal status", status)
	}

	out := &TileCompletion{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		now := s.now()
		tile, err := scanPGTile(tx.QueryRow(ctx,
			`UPDATE tiles SET tile_status = $3, message = $4, end_time = $5
			 WHERE tile_id = $1 AND region_id = $2 AND tile_status NOT IN `+terminalTileStatuses+`
			 RETURNING `+tileColumns,
			key.TileID, key.RegionID, status, message, now))
		if errors.Is(err, ErrNotFound) {
			if out.Tile, err = scanPGTile(tx.QueryRow(ctx,
				`SELECT `+tileColumns+` FROM tiles WHERE tile_id = $1 AND region_id = $2`,
				key.TileID, key.RegionID)); err != nil {
				return err
			}
			out.Region, err = scanPGRegion(tx.QueryRow(ctx,
				`SELECT `+regionColumns+` FROM regions WHERE image_id = $1 AND region_id = $2`,
				out.Tile.ImageID, key.RegionID))
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if err != nil {
			return err
		}
		out.Tile = tile
		out.Transitioned = true

		col := tileCounterColumn(status)
		out.Region, err = scanPGRegion(tx.QueryRow(ctx,
			`UPDATE regions SET `+col+` = `+col+` + 1, last_updated_time = $3
			 WHERE image_id = $1 AND region_id = $2 RETURNING `+regionColumns,
			tile.ImageID, key.RegionID, now))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("complete tile: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetTile(ctx context.Context, key models.TileKey) (*models.TileRecord, error) {
	tile, err := scanPGTile(s.pool.QueryRow(ctx,
		`SELECT `+tileColumns+` FROM tiles WHERE tile_id = $1 AND region_id = $2`, key.TileID, key.RegionID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tile: %w", err)
	}
	return tile, nil
}

func (s *PostgresStore) ListTiles(ctx context.Context, imageID, regionID string) ([]*models.TileRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tileColumns+` FROM tiles WHERE image_id = $1 AND region_id = $2 ORDER BY bound_row, bound_col`,
		imageID, regionID)
	if err != nil {
		return nil, fmt.Errorf("list tiles: %w", err)
	}
	defer rows.Close()

	tiles := []*models.TileRecord{}
	for rows.Next() {
		t, err := scanPGTile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tile: %w", err)
		}
		tiles = append(tiles, t)
	}
	return tiles, rows.Err()
}

// --- Features ---

func (s *PostgresStore) UpsertFeatures(ctx context.Context, features []*models.FeatureRecord) error {
	if len(features) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, f := range features {
			body, err := json.Marshal(f.Feature)
			if err != nil {
				return fmt.Errorf("encode feature %s: %w", f.Fingerprint, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO features (image_id, fingerprint, region_id, tile_id, feature, hits, created_at, expire_time)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (image_id, fingerprint) DO UPDATE SET
				   hits = features.hits + EXCLUDED.hits`,
				f.ImageID, f.Fingerprint, f.RegionID, f.TileID, body, max(f.Hits, 1), s.now(), f.ExpireTime); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert features: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFeatures(ctx context.Context, imageID string) ([]*models.FeatureRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+featureColumns+` FROM features WHERE image_id = $1 ORDER BY created_at, fingerprint`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	features := []*models.FeatureRecord{}
	for rows.Next() {
		var (
			f    models.FeatureRecord
			body []byte
		)
		if err := rows.Scan(&f.ImageID, &f.Fingerprint, &f.RegionID, &f.TileID, &body,
			&f.Hits, &f.CreatedAt, &f.ExpireTime); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		if f.Feature, err = geojson.UnmarshalFeature(body); err != nil {
			return nil, fmt.Errorf("decode feature %s: %w", f.Fingerprint, err)
		}
		features = append(features, &f)
	}
	return features, rows.Err()
}

// --- Expiry ---

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range expiringTables {
			tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE expire_time < $1`, now)
			if err != nil {
				return fmt.Errorf("%s: %w", table, err)
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return total, nil
}

// --- Scanning ---

func scanPGJob(row rowScanner) (*models.ImageJobRecord, error) {
	var j models.ImageJobRecord
	err := row.Scan(&j.ImageID, &j.JobID, &j.ImageURL, &j.Status, &j.RegionCount, &j.RegionSuccess,
		&j.RegionError, &j.StartTime, &j.EndTime, &j.ExpireTime, &j.ProcessingDurationMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanPGRegion(row rowScanner) (*models.RegionRecord, error) {
	var r models.RegionRecord
	err := row.Scan(&r.ImageID, &r.RegionID, &r.JobID, &r.Bounds.Row, &r.Bounds.Col, &r.Bounds.Width,
		&r.Bounds.Height, &r.Status, &r.TotalTiles, &r.SucceededTiles, &r.FailedTiles, &r.StartTime,
		&r.EndTime, &r.LastUpdatedTime, &r.ExpireTime, &r.Message)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanPGTile(row rowScanner) (*models.TileRecord, error) {
	var t models.TileRecord
	err := row.Scan(&t.TileID, &t.RegionID, &t.ImageID, &t.Bounds.Row, &t.Bounds.Col, &t.Bounds.Width,
		&t.Bounds.Height, &t.Status, &t.InferenceID, &t.OutputLocation, &t.FailureLocation, &t.RetryCount,
		&t.StartTime, &t.EndTime, &t.ExpireTime, &t.Message)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isPGError reports whether err carries the given Postgres error code.
func isPGError(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
