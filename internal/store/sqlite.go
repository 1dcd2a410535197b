package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/paulmach/orb/geojson"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements the Store interface on a single SQLite file. It serves
// single-node deployments and tests; counters use the same col = col + 1 updates
// inside transactions as the Postgres backend.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and runs pending migrations.
// Pass ":memory:" for an in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// One connection avoids "database is locked" between writers in this process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run sqlite migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Image jobs ---

func (s *SQLiteStore) StartImageJob(ctx context.Context, job *models.ImageJobRecord) (*models.ImageJobRecord, error) {
	start := job.StartTime
	if start.IsZero() {
		start = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO image_jobs (image_id, job_id, image_url, status, region_count, start_time, expire_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (image_id) DO NOTHING`,
		job.ImageID, job.JobID, job.ImageURL, string(models.ImageStatusStarted), job.RegionCount,
		start.UnixMilli(), job.ExpireTime.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("start image job: %w", err)
	}
	return s.GetImageJob(ctx, job.ImageID)
}

func (s *SQLiteStore) GetImageJob(ctx context.Context, imageID string) (*models.ImageJobRecord, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM image_jobs WHERE image_id = ?`, imageID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) EndImageJob(ctx context.Context, imageID string, status models.ImageStatus) (*models.ImageJobRecord, bool, error) {
	if !status.Terminal() {
		return nil, false, fmt.Errorf("end image job: %s is not a terminal status", status)
	}

	var job *models.ImageJobRecord
	transitioned := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanSQLiteJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM image_jobs WHERE image_id = ?`, imageID))
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			job = current
			return nil
		}

		end := s.now()
		job, err = scanSQLiteJob(tx.QueryRowContext(ctx,
			`UPDATE image_jobs SET status = ?, end_time = ?, processing_duration_ms = ?
			 WHERE image_id = ? RETURNING `+jobColumns,
			string(status), end.UnixMilli(), durationMS(current.StartTime, end), imageID))
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

func (s *SQLiteStore) StartRegion(ctx context.Context, region *models.RegionRecord) (*models.RegionRecord, error) {
	now := s.now().UnixMilli()
	var out *models.RegionRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b := region.Bounds
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO regions (image_id, region_id, job_id, bound_row, bound_col, bound_width, bound_height,
			                      status, start_time, last_updated_time, expire_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (image_id, region_id) DO NOTHING`,
			region.ImageID, region.RegionID, region.JobID, b.Row, b.Col, b.Width, b.Height,
			string(models.RegionStatusStarting), now, now, region.ExpireTime.UnixMilli()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE image_jobs SET status = ? WHERE image_id = ? AND status = ?`,
			string(models.ImageStatusInProgress), region.ImageID, string(models.ImageStatusStarted)); err != nil {
			return err
		}

		var err error
		out, err = scanSQLiteRegion(tx.QueryRowContext(ctx,
			`SELECT `+regionColumns+` FROM regions WHERE image_id = ? AND region_id = ?`,
			region.ImageID, region.RegionID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("start region: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) MarkRegionInProgress(ctx context.Context, key models.RegionKey, totalTiles int) (*models.RegionRecord, error) {
	region, err := scanSQLiteRegion(s.db.QueryRowContext(ctx,
		`UPDATE regions SET status = ?, total_tiles = ?, last_updated_time = ?
		 WHERE image_id = ? AND region_id = ? AND status IN (?, ?)
		 RETURNING `+regionColumns,
		string(models.RegionStatusInProgress), totalTiles, s.now().UnixMilli(), key.ImageID, key.RegionID,
		string(models.RegionStatusStarting), string(models.RegionStatusInProgress)))
	if errors.Is(err, ErrNotFound) {
		return s.GetRegion(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("mark region in progress: %w", err)
	}
	return region, nil
}

func (s *SQLiteStore) CompleteRegion(ctx context.Context, key models.RegionKey, status models.RegionStatus, message string) (*RegionCompletion, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("complete region: %s is not a terminal status", status)
	}

	out := &RegionCompletion{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		region, err := scanSQLiteRegion(tx.QueryRowContext(ctx,
			`UPDATE regions SET status = ?, message = ?, end_time = ?, last_updated_time = ?
			 WHERE image_id = ? AND region_id = ? AND status NOT IN `+terminalRegionStatuses+`
			 RETURNING `+regionColumns,
			string(status), message, now, now, key.ImageID, key.RegionID))
		if errors.Is(err, ErrNotFound) {
			if out.Region, err = scanSQLiteRegion(tx.QueryRowContext(ctx,
				`SELECT `+regionColumns+` FROM regions WHERE image_id = ? AND region_id = ?`,
				key.ImageID, key.RegionID)); err != nil {
				return err
			}
			out.Job, err = scanSQLiteJob(tx.QueryRowContext(ctx,
				`SELECT `+jobColumns+` FROM image_jobs WHERE image_id = ?`, key.ImageID))
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
		out.Job, err = scanSQLiteJob(tx.QueryRowContext(ctx,
			`UPDATE image_jobs SET `+col+` = `+col+` + 1 WHERE image_id = ? RETURNING `+jobColumns,
			key.ImageID))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if isSQLiteError(err, sqlite3.SQLITE_CONSTRAINT) {
		return nil, fmt.Errorf("complete region %s: %w", key.RegionID, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("complete region: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetRegion(ctx context.Context, key models.RegionKey) (*models.RegionRecord, error) {
	region, err := scanSQLiteRegion(s.db.QueryRowContext(ctx,
		`SELECT `+regionColumns+` FROM regions WHERE image_id = ? AND region_id = ?`, key.ImageID, key.RegionID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get region: %w", err)
	}
	return region, nil
}

func (s *SQLiteStore) ListRegions(ctx context.Context, imageID string) ([]*models.RegionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+regionColumns+` FROM regions WHERE image_id = ? ORDER BY bound_row, bound_col`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()

	regions := []*models.RegionRecord{}
	for rows.Next() {
		r, err := scanSQLiteRegion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		regions = append(regions, r)
	}
	return regions, rows.Err()
}

// --- Tiles ---

func (s *SQLiteStore) StartTile(ctx context.Context, tile *models.TileRecord) (*models.TileRecord, error) {
	b := tile.Bounds
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tiles (tile_id, region_id, image_id, bound_row, bound_col, bound_width, bound_height,
		                    tile_status, start_time, expire_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tile_id, region_id) DO NOTHING`,
		tile.TileID, tile.RegionID, tile.ImageID, b.Row, b.Col, b.Width, b.Height,
		string(models.TileStatusPending), s.now().UnixMilli(), tile.ExpireTime.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("start tile: %w", err)
	}
	return s.GetTile(ctx, tile.Key())
}

func (s *SQLiteStore) MarkTileInProgress(ctx context.Context, key models.TileKey) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tiles SET tile_status = ? WHERE tile_id = ? AND region_id = ? AND tile_status = ?`,
		string(models.TileStatusInProgress), key.TileID, key.RegionID, string(models.TileStatusPending))
	if err != nil {
		return fmt.Errorf("mark tile in progress: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetTileInference(ctx context.Context, key models.TileKey, sub models.Submission) (*models.TileRecord, error) {
	tile, err := scanSQLiteTile(s.db.QueryRowContext(ctx,
		`UPDATE tiles SET inference_id = ?, output_location = ?, failure_location = ?, tile_status = ?
		 WHERE tile_id = ? AND region_id = ? AND inference_id IS NULL AND tile_status NOT IN `+terminalTileStatuses+`
		 RETURNING `+tileColumns,
		sub.InferenceID, sub.OutputLocation, sub.FailureLocation, string(models.TileStatusInProgress),
		key.TileID, key.RegionID))
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

func (s *SQLiteStore) IncrementTileRetry(ctx context.Context, key models.TileKey) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE tiles SET retry_count = retry_count + 1 WHERE tile_id = ? AND region_id = ? RETURNING retry_count`,
		key.TileID, key.RegionID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment tile retry: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) CompleteTile(ctx context.Context, key models.TileKey, status models.TileStatus, message string) (*TileCompletion, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("complete tile: %s is not a terminal status", status)
	}

	out := &TileCompletion{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		tile, err := scanSQLiteTile(tx.QueryRowContext(ctx,
			`UPDATE tiles SET tile_status = ?, message = ?, end_time = ?
			 WHERE tile_id = ? AND region_id = ? AND tile_status NOT IN `+terminalTileStatuses+`
			 RETURNING `+tileColumns,
			string(status), message, now, key.TileID, key.RegionID))
		if errors.Is(err, ErrNotFound) {
			if out.Tile, err = scanSQLiteTile(tx.QueryRowContext(ctx,
				`SELECT `+tileColumns+` FROM tiles WHERE tile_id = ? AND region_id = ?`,
				key.TileID, key.RegionID)); err != nil {
				return err
			}
			out.Region, err = scanSQLiteRegion(tx.QueryRowContext(ctx,
				`SELECT `+regionColumns+` FROM regions WHERE image_id = ? AND region_id = ?`,
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
		out.Region, err = scanSQLiteRegion(tx.QueryRowContext(ctx,
			`UPDATE regions SET `+col+` = `+col+` + 1, last_updated_time = ?
			 WHERE image_id = ? AND region_id = ? RETURNING `+regionColumns,
			now, tile.ImageID, key.RegionID))
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

func (s *SQLiteStore) GetTile(ctx context.Context, key models.TileKey) (*models.TileRecord, error) {
	tile, err := scanSQLiteTile(s.db.QueryRowContext(ctx,
		`SELECT `+tileColumns+` FROM tiles WHERE tile_id = ? AND region_id = ?`, key.TileID, key.RegionID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tile: %w", err)
	}
	return tile, nil
}

func (s *SQLiteStore) ListTiles(ctx context.Context, imageID, regionID string) ([]*models.TileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tileColumns+` FROM tiles WHERE image_id = ? AND region_id = ? ORDER BY bound_row, bound_col`,
		imageID, regionID)
	if err != nil {
		return nil, fmt.Errorf("list tiles: %w", err)
	}
	defer rows.Close()

	tiles := []*models.TileRecord{}
	for rows.Next() {
		t, err := scanSQLiteTile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tile: %w", err)
		}
		tiles = append(tiles, t)
	}
	return tiles, rows.Err()
}

// --- Features ---

func (s *SQLiteStore) UpsertFeatures(ctx context.Context, features []*models.FeatureRecord) error {
	if len(features) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range features {
			body, err := json.Marshal(f.Feature)
			if err != nil {
				return fmt.Errorf("encode feature %s: %w", f.Fingerprint, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO features (image_id, fingerprint, region_id, tile_id, feature, hits, created_at, expire_time)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (image_id, fingerprint) DO UPDATE SET
				   hits = features.hits + excluded.hits`,
				f.ImageID, f.Fingerprint, f.RegionID, f.TileID, string(body), max(f.Hits, 1),
				s.now().UnixMilli(), f.ExpireTime.UnixMilli()); err != nil {
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

func (s *SQLiteStore) ListFeatures(ctx context.Context, imageID string) ([]*models.FeatureRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+featureColumns+` FROM features WHERE image_id = ? ORDER BY created_at, fingerprint`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	features := []*models.FeatureRecord{}
	for rows.Next() {
		var (
			f                 models.FeatureRecord
			body              string
			created, expireMS int64
		)
		if err := rows.Scan(&f.ImageID, &f.Fingerprint, &f.RegionID, &f.TileID, &body,
			&f.Hits, &created, &expireMS); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		if f.Feature, err = geojson.UnmarshalFeature([]byte(body)); err != nil {
			return nil, fmt.Errorf("decode feature %s: %w", f.Fingerprint, err)
		}
		f.CreatedAt = fromMillis(created)
		f.ExpireTime = fromMillis(expireMS)
		features = append(features, &f)
	}
	return features, rows.Err()
}

// --- Expiry ---

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range expiringTables {
			res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE expire_time < ?`, now.UnixMilli())
			if err != nil {
				return fmt.Errorf("%s: %w", table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return total, nil
}

// --- Scanning ---

func scanSQLiteJob(row rowScanner) (*models.ImageJobRecord, error) {
	var (
		j                  models.ImageJobRecord
		start, expire      int64
		end, durationMilli sql.NullInt64
	)
	err := row.Scan(&j.ImageID, &j.JobID, &j.ImageURL, &j.Status, &j.RegionCount, &j.RegionSuccess,
		&j.RegionError, &start, &end, &expire, &durationMilli)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.StartTime = fromMillis(start)
	j.EndTime = fromNullMillis(end)
	j.ExpireTime = fromMillis(expire)
	if durationMilli.Valid {
		d := durationMilli.Int64
		j.ProcessingDurationMS = &d
	}
	return &j, nil
}

func scanSQLiteRegion(row rowScanner) (*models.RegionRecord, error) {
	var (
		r                      models.RegionRecord
		start, updated, expire int64
		end                    sql.NullInt64
	)
	err := row.Scan(&r.ImageID, &r.RegionID, &r.JobID, &r.Bounds.Row, &r.Bounds.Col, &r.Bounds.Width,
		&r.Bounds.Height, &r.Status, &r.TotalTiles, &r.SucceededTiles, &r.FailedTiles, &start,
		&end, &updated, &expire, &r.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.StartTime = fromMillis(start)
	r.EndTime = fromNullMillis(end)
	r.LastUpdatedTime = fromMillis(updated)
	r.ExpireTime = fromMillis(expire)
	return &r, nil
}

func scanSQLiteTile(row rowScanner) (*models.TileRecord, error) {
	var (
		t             models.TileRecord
		inferenceID   sql.NullString
		start, expire int64
		end           sql.NullInt64
	)
	err := row.Scan(&t.TileID, &t.RegionID, &t.ImageID, &t.Bounds.Row, &t.Bounds.Col, &t.Bounds.Width,
		&t.Bounds.Height, &t.Status, &inferenceID, &t.OutputLocation, &t.FailureLocation, &t.RetryCount,
		&start, &end, &expire, &t.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if inferenceID.Valid {
		id := inferenceID.String
		t.InferenceID = &id
	}
	t.StartTime = fromMillis(start)
	t.EndTime = fromNullMillis(end)
	t.ExpireTime = fromMillis(expire)
	return &t, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

// isSQLiteError reports whether err carries the given primary SQLite result code.
func isSQLiteError(err error, code int) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == code
	}
	return false
}
