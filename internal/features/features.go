// Package features turns detector output into deduplicated image-space feature records.
package features

import (
	"crypto/sha256"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

// classKeys are the properties a detector may use to name what it found, in
// order of preference.
var classKeys = []string{"class", "label", "category", "feature_types"}

// ToImage shifts tile-relative pixel geometries (x = column, y = row) into image
// coordinates by the tile origin. Features without geometry are dropped. The
// collection is modified in place.
func ToImage(fc *geojson.FeatureCollection, tile models.ImageRegion) []*geojson.Feature {
	if fc == nil {
		return nil
	}
	dx, dy := float64(tile.Col), float64(tile.Row)
	shift := func(p orb.Point) orb.Point {
		return orb.Point{p[0] + dx, p[1] + dy}
	}

	out := make([]*geojson.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		f.Geometry = project.Geometry(f.Geometry, shift)
		out = append(out, f)
	}
	return out
}

// Class returns the normalized class name of f, or "" when it has none.
func Class(f *geojson.Feature) string {
	for _, key := range classKeys {
		if v, ok := f.Properties[key]; ok {
			return NormalizeClass(fmt.Sprint(v))
		}
	}
	return ""
}

func NormalizeClass(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Fingerprint computes a stable SHA-256 fingerprint from the class and the
// bounding box rounded to whole pixels. Detections of one object from two
// overlapping tiles share a fingerprint.
func Fingerprint(f *geojson.Feature) string {
	b := f.Geometry.Bound()
	key := fmt.Sprintf("%s|%d,%d,%d,%d", Class(f),
		round(b.Min[0]), round(b.Min[1]), round(b.Max[0]), round(b.Max[1]))
	hash := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", hash)
}

func round(v float64) int64 {
	return int64(math.Round(v))
}

// Score returns the detector confidence of f, or 0.
func Score(f *geojson.Feature) float64 {
	for _, key := range []string{"score", "confidence"} {
		if v, ok := f.Properties[key].(float64); ok {
			return v
		}
	}
	return 0
}

// Tile identifies the tile a batch of detections came from.
type Tile struct {
	ImageID  string
	RegionID string
	TileID   string
	Bounds   models.ImageRegion
}

// Records converts one tile's detector output into feature records in image
// coordinates, collapsing duplicates by fingerprint. A duplicate adds a hit and
// the highest scoring geometry is kept. Returns an empty slice for empty input.
func Records(tile Tile, fc *geojson.FeatureCollection, now time.Time, ttl time.Duration) []*models.FeatureRecord {
	detected := ToImage(fc, tile.Bounds)
	if len(detected) == 0 {
		return []*models.FeatureRecord{}
	}

	groups := make(map[string]*models.FeatureRecord)
	for _, f := range detected {
		fp := Fingerprint(f)
		rec, exists := groups[fp]
		if !exists {
			groups[fp] = &models.FeatureRecord{
				ImageID:     tile.ImageID,
				Fingerprint: fp,
				RegionID:    tile.RegionID,
				TileID:      tile.TileID,
				Feature:     f,
				Hits:        1,
				CreatedAt:   now,
				ExpireTime:  now.Add(ttl),
			}
			continue
		}
		rec.Hits++
		if Score(f) > Score(rec.Feature) {
			rec.Feature = f
		}
	}

	records := make([]*models.FeatureRecord, 0, len(groups))
	for _, rec := range groups {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Fingerprint < records[j].Fingerprint
	})
	return records
}

// Collection assembles stored records into the FeatureCollection written to
// outputs. Each feature carries its fingerprint, hit count and source tile.
func Collection(records []*models.FeatureRecord) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, rec := range records {
		if rec.Feature == nil {
			continue
		}
		f := geojson.NewFeature(rec.Feature.Geometry)
		for k, v := range rec.Feature.Properties {
			f.Properties[k] = v
		}
		f.ID = rec.Fingerprint
		f.Properties["image_id"] = rec.ImageID
		f.Properties["region_id"] = rec.RegionID
		f.Properties["tile_id"] = rec.TileID
		f.Properties["hits"] = rec.Hits
		fc.Append(f)
	}
	return fc
}
