// Package tiling computes the region and tile grids that an image is split into.
// All functions are pure.
package tiling

import (
	"errors"
	"fmt"
	"math"

	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/encoding/wkt"
)

var ErrInvalidGrid = errors.New("invalid grid parameters")

// ComputeRegions splits bounds into regions of regionSize. Adjacent regions
// overlap by the tile overlap so tiles straddling a region seam are not lost.
func ComputeRegions(bounds models.ImageRegion, regionSize, overlap models.Size) ([]models.ImageRegion, error) {
	if err := checkGrid(regionSize, overlap); err != nil {
		return nil, err
	}
	return grid(bounds, regionSize, overlap), nil
}

// ComputeTiles splits a region into tiles of tileSize overlapping by overlap on
// both axes. Tiles on the last row/column are clipped to the region rather than
// padded, so they may be smaller than tileSize.
func ComputeTiles(region models.ImageRegion, tileSize, overlap models.Size) ([]models.ImageRegion, error) {
	if err := checkGrid(tileSize, overlap); err != nil {
		return nil, err
	}
	return grid(region, tileSize, overlap), nil
}

func checkGrid(size, overlap models.Size) error {
	if size.Width <= 0 || size.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d must be positive", ErrInvalidGrid, size.Width, size.Height)
	}
	if overlap.Width < 0 || overlap.Height < 0 || overlap.Width >= size.Width || overlap.Height >= size.Height {
		return fmt.Errorf("%w: overlap %dx%d must be in [0, size)", ErrInvalidGrid, overlap.Width, overlap.Height)
	}
	return nil
}

func grid(bounds models.ImageRegion, size, overlap models.Size) []models.ImageRegion {
	if bounds.Empty() {
		return nil
	}
	strideY := size.Height - overlap.Height
	strideX := size.Width - overlap.Width

	var out []models.ImageRegion
	for row := bounds.Row; ; row += strideY {
		h := min(size.Height, bounds.EndRow()-row)
		for col := bounds.Col; ; col += strideX {
			w := min(size.Width, bounds.EndCol()-col)
			out = append(out, models.ImageRegion{Row: row, Col: col, Width: w, Height: h})
			if col+size.Width >= bounds.EndCol() {
				break
			}
		}
		if row+size.Height >= bounds.EndRow() {
			break
		}
	}
	return out
}

// ProcessingBounds returns the part of a width x height image that should be
// processed. With no ROI that is the full image. With an ROI (WKT polygon in
// pixel coordinates, x = column, y = row) it is the integer bounding box of
// ROI ∩ image, or nil when the two do not intersect.
func ProcessingBounds(width, height int, roi string) (*models.ImageRegion, error) {
	full := models.ImageRegion{Width: width, Height: height}
	if full.Empty() {
		return nil, nil
	}
	if roi == "" {
		return &full, nil
	}

	geom, err := wkt.Unmarshal(roi)
	if err != nil {
		return nil, models.NewValidationError("roi", fmt.Sprintf("roi is not valid WKT: %v", err))
	}
	switch geom.(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return nil, models.NewValidationError("roi", fmt.Sprintf("roi must be a polygon, got %s", geom.GeoJSONType()))
	}

	imageBound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{float64(width), float64(height)}}
	if !geom.Bound().Intersects(imageBound) {
		return nil, nil
	}
	clipped := clip.Geometry(imageBound, geom)
	if clipped == nil {
		return nil, nil
	}

	b := clipped.Bound()
	minCol := int(math.Floor(b.Min[0]))
	minRow := int(math.Floor(b.Min[1]))
	maxCol := min(int(math.Ceil(b.Max[0])), width)
	maxRow := min(int(math.Ceil(b.Max[1])), height)
	out := models.ImageRegion{
		Row:    max(minRow, 0),
		Col:    max(minCol, 0),
		Width:  maxCol - max(minCol, 0),
		Height: maxRow - max(minRow, 0),
	}
	if out.Empty() {
		return nil, nil
	}
	return &out, nil
}
