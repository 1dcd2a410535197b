package models

import "time"

type TileStatus string

const (
	TileStatusPending    TileStatus = "PENDING"
	TileStatusInProgress TileStatus = "IN_PROGRESS"
	TileStatusSuccess    TileStatus = "SUCCESS"
	TileStatusFailed     TileStatus = "FAILED"
)

func (s TileStatus) Terminal() bool {
	return s == TileStatusSuccess || s == TileStatusFailed
}

// TileKey identifies a tile record.
type TileKey struct {
	TileID   string
	RegionID string
}

// TileRecord tracks one tile. InferenceID is written at most once; the status
// becomes terminal at most once.
type TileRecord struct {
	TileID          string      `db:"tile_id"          json:"tile_id"`
	RegionID        string      `db:"region_id"        json:"region_id"`
	ImageID         string      `db:"image_id"         json:"image_id"`
	Bounds          ImageRegion `db:"-"                json:"bounds"`
	Status          TileStatus  `db:"tile_status"      json:"tile_status"`
	InferenceID     *string     `db:"inference_id"     json:"inference_id,omitempty"`
	OutputLocation  string      `db:"output_location"  json:"output_location,omitempty"`
	FailureLocation string      `db:"failure_location" json:"failure_location,omitempty"`
	RetryCount      int         `db:"retry_count"      json:"retry_count"`
	StartTime       time.Time   `db:"start_time"       json:"start_time"`
	EndTime         *time.Time  `db:"end_time"         json:"end_time,omitempty"`
	ExpireTime      time.Time   `db:"expire_time"      json:"expire_time"`
	Message         string      `db:"message"          json:"message,omitempty"`
}

func (t *TileRecord) Key() TileKey {
	return TileKey{TileID: t.TileID, RegionID: t.RegionID}
}

// TileID is derived from the tile's pixel bounds; unique within a region.
func TileID(bounds ImageRegion) string {
	return bounds.Key()
}
