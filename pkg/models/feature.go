package models

import (
	"time"

	"github.com/paulmach/orb/geojson"
)

// FeatureRecord is a detected feature in image pixel coordinates. Tiles overlap,
// so the same object can be reported more than once; Hits counts the reports.
type FeatureRecord struct {
	ImageID     string           `db:"image_id"    json:"image_id"`
	Fingerprint string           `db:"fingerprint" json:"fingerprint"`
	RegionID    string           `db:"region_id"   json:"region_id"`
	TileID      string           `db:"tile_id"     json:"tile_id"`
	Feature     *geojson.Feature `db:"feature"     json:"feature"`
	Hits        int              `db:"hits"        json:"hits"`
	CreatedAt   time.Time        `db:"created_at"  json:"created_at"`
	ExpireTime  time.Time        `db:"expire_time" json:"expire_time"`
}
