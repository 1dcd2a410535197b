package models

import "fmt"

// ImageRegion is a pixel rectangle within an image: origin ((row, col)) and
// extent ((width, height)). Regions and tiles are both expressed this way.
type ImageRegion struct {
	Row    int `json:"row"`
	Col    int `json:"col"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Size is a pixel width/height pair used for tile sizes and overlaps.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the region covers no pixels.
func (r ImageRegion) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// EndRow is the exclusive last row.
func (r ImageRegion) EndRow() int { return r.Row + r.Height }

// EndCol is the exclusive last column.
func (r ImageRegion) EndCol() int { return r.Col + r.Width }

// Contains reports whether o lies entirely inside r.
func (r ImageRegion) Contains(o ImageRegion) bool {
	return o.Row >= r.Row && o.Col >= r.Col && o.EndRow() <= r.EndRow() && o.EndCol() <= r.EndCol()
}

// Key is a compact, stable identifier for the bounds.
func (r ImageRegion) Key() string {
	return fmt.Sprintf("%d-%d-%d-%d", r.Row, r.Col, r.Width, r.Height)
}

func (r ImageRegion) String() string {
	return fmt.Sprintf("((%d, %d), (%d, %d))", r.Row, r.Col, r.Width, r.Height)
}
