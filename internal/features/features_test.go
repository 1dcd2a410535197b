package features

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(x0, y0, x1, y1 float64, class string, score float64) *geojson.Feature {
	f := geojson.NewFeature(orb.Polygon{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}})
	f.Properties["class"] = class
	f.Properties["score"] = score
	return f
}

func collection(fs ...*geojson.Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range fs {
		fc.Append(f)
	}
	return fc
}

// --- ToImage tests ---

func TestToImage_ShiftsByTileOrigin(t *testing.T) {
	fc := collection(
		box(0, 0, 10, 10, "car", 0.9),
		geojson.NewFeature(orb.Point{3, 4}),
	)
	out := ToImage(fc, models.ImageRegion{Row: 100, Col: 200, Width: 512, Height: 512})
	require.Len(t, out, 2)

	assert.Equal(t, orb.Bound{Min: orb.Point{200, 100}, Max: orb.Point{210, 110}}, out[0].Geometry.Bound())
	assert.Equal(t, orb.Point{203, 104}, out[1].Geometry)
}

func TestToImage_DropsFeaturesWithoutGeometry(t *testing.T) {
	fc := collection(&geojson.Feature{Type: "Feature", Properties: geojson.Properties{}})
	assert.Empty(t, ToImage(fc, models.ImageRegion{Width: 1, Height: 1}))
	assert.Nil(t, ToImage(nil, models.ImageRegion{}))
}

// --- Fingerprint tests ---

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name string
		a, b *geojson.Feature
		same bool
	}{
		{
			name: "identical boxes",
			a:    box(0, 0, 10, 10, "car", 0.9),
			b:    box(0, 0, 10, 10, "car", 0.5),
			same: true,
		},
		{
			name: "sub-pixel jitter rounds away",
			a:    box(0.2, 0.1, 10.3, 9.8, "car", 0.9),
			b:    box(0, 0, 10, 10, "car", 0.9),
			same: true,
		},
		{
			name: "class is case and space insensitive",
			a:    box(0, 0, 10, 10, "Parked  Car", 0.9),
			b:    box(0, 0, 10, 10, "parked car", 0.9),
			same: true,
		},
		{
			name: "different class",
			a:    box(0, 0, 10, 10, "car", 0.9),
			b:    box(0, 0, 10, 10, "truck", 0.9),
		},
		{
			name: "different position",
			a:    box(0, 0, 10, 10, "car", 0.9),
			b:    box(5, 0, 15, 10, "car", 0.9),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa, fb := Fingerprint(tt.a), Fingerprint(tt.b)
			assert.Len(t, fa, 64)
			if tt.same {
				assert.Equal(t, fa, fb)
			} else {
				assert.NotEqual(t, fa, fb)
			}
		})
	}
}

func TestClass(t *testing.T) {
	f := geojson.NewFeature(orb.Point{0, 0})
	assert.Equal(t, "", Class(f))
	f.Properties["label"] = " Building "
	assert.Equal(t, "building", Class(f))
	f.Properties["class"] = "Roof"
	assert.Equal(t, "roof", Class(f))
}

// --- Records tests ---

func TestRecords_CollapsesDuplicates(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tile := Tile{ImageID: "img", RegionID: "r1", TileID: "0-0-512-512",
		Bounds: models.ImageRegion{Width: 512, Height: 512}}

	recs := Records(tile, collection(
		box(0, 0, 10, 10, "car", 0.5),
		box(0, 0, 10, 10, "car", 0.8),
		box(50, 50, 60, 60, "car", 0.7),
	), now, time.Hour)

	require.Len(t, recs, 2)
	hits := map[int]int{}
	for _, r := range recs {
		hits[r.Hits]++
		assert.Equal(t, "img", r.ImageID)
		assert.Equal(t, "r1", r.RegionID)
		assert.Equal(t, now.Add(time.Hour), r.ExpireTime)
		if r.Hits == 2 {
			assert.Equal(t, 0.8, Score(r.Feature), "highest score wins")
		}
	}
	assert.Equal(t, map[int]int{1: 1, 2: 1}, hits)
}

func TestRecords_OverlappingTilesShareFingerprints(t *testing.T) {
	now := time.Now()
	left := Tile{ImageID: "img", TileID: "a", Bounds: models.ImageRegion{Col: 0, Width: 100, Height: 100}}
	right := Tile{ImageID: "img", TileID: "b", Bounds: models.ImageRegion{Col: 80, Width: 100, Height: 100}}

	// The same object at image column 85..95 seen by both tiles.
	a := Records(left, collection(box(85, 10, 95, 20, "car", 0.9)), now, time.Hour)
	b := Records(right, collection(box(5, 10, 15, 20, "car", 0.9)), now, time.Hour)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].Fingerprint, b[0].Fingerprint)
}

func TestRecords_EmptyInput(t *testing.T) {
	recs := Records(Tile{}, geojson.NewFeatureCollection(), time.Now(), time.Hour)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

// --- Collection tests ---

func TestCollection(t *testing.T) {
	recs := []*models.FeatureRecord{
		{ImageID: "img", Fingerprint: "fp1", RegionID: "r", TileID: "t", Feature: box(0, 0, 1, 1, "car", 0.9), Hits: 3},
		{ImageID: "img", Fingerprint: "fp2"},
	}
	fc := Collection(recs)
	require.Len(t, fc.Features, 1)
	f := fc.Features[0]
	assert.Equal(t, "fp1", f.ID)
	assert.Equal(t, 3, f.Properties["hits"])
	assert.Equal(t, "car", f.Properties["class"])
	assert.Equal(t, "t", f.Properties["tile_id"])
}
