package models

import (
	"fmt"
	"strings"
)

type EndpointType string

const (
	EndpointSync  EndpointType = "sync"
	EndpointAsync EndpointType = "async"
)

// Endpoint describes the inference backend a request targets.
type Endpoint struct {
	Name string       `json:"name"`
	Type EndpointType `json:"type"`
	URL  string       `json:"url"`
}

// Async reports whether the endpoint uses the submit-then-poll protocol.
func (e Endpoint) Async() bool { return e.Type == EndpointAsync }

type OutputType string

const (
	// OutputS3 writes the aggregated FeatureCollection to an object store.
	OutputS3 OutputType = "s3"
)

// OutputDestination is where the aggregated features of a finished image go.
type OutputDestination struct {
	Type   OutputType `json:"type"`
	Bucket string     `json:"bucket"`
	Prefix string     `json:"prefix,omitempty"`
}

var validTileFormats = map[string]bool{
	"PNG":  true,
	"JPEG": true,
	"TIFF": true,
}

// ImageRequest is the work-item message that starts an image job.
type ImageRequest struct {
	JobID       string              `json:"job_id"`
	ImageID     string              `json:"image_id,omitempty"`
	ImageURL    string              `json:"image_url"`
	TileSize    Size                `json:"tile_size"`
	TileOverlap Size                `json:"tile_overlap"`
	TileFormat  string              `json:"tile_format"`
	RegionSize  *Size               `json:"region_size,omitempty"`
	Endpoint    Endpoint            `json:"endpoint"`
	Outputs     []OutputDestination `json:"outputs,omitempty"`
	ROI         string              `json:"roi,omitempty"`
}

// Normalize fills defaults that can be derived from other fields.
func (r *ImageRequest) Normalize() {
	r.TileFormat = strings.ToUpper(strings.TrimSpace(r.TileFormat))
	if r.TileFormat == "" {
		r.TileFormat = "PNG"
	}
	if r.ImageID == "" && r.JobID != "" && r.ImageURL != "" {
		r.ImageID = r.JobID + ":" + r.ImageURL
	}
}

// Validate checks the request shape. It returns a *ValidationError.
func (r *ImageRequest) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return NewValidationError("job_id", "job_id is required")
	}
	if strings.TrimSpace(r.ImageID) == "" {
		return NewValidationError("image_id", "image_id is required")
	}
	if strings.TrimSpace(r.ImageURL) == "" {
		return NewValidationError("image_url", "image_url is required")
	}
	if err := validateTiling(r.TileSize, r.TileOverlap, r.TileFormat); err != nil {
		return err
	}
	if r.RegionSize != nil && (r.RegionSize.Width < r.TileSize.Width || r.RegionSize.Height < r.TileSize.Height) {
		return NewValidationError("region_size", "region_size must be at least tile_size on both axes")
	}
	if err := validateEndpoint(r.Endpoint); err != nil {
		return err
	}
	for i, out := range r.Outputs {
		if out.Type != OutputS3 {
			return NewValidationError(fmt.Sprintf("outputs[%d].type", i), fmt.Sprintf("unsupported output type %q", out.Type))
		}
		if out.Bucket == "" {
			return NewValidationError(fmt.Sprintf("outputs[%d].bucket", i), "bucket is required")
		}
	}
	return nil
}

// RegionRequest is the work item for one region of an image.
type RegionRequest struct {
	JobID        string      `json:"job_id"`
	ImageID      string      `json:"image_id"`
	ImageURL     string      `json:"image_url"`
	RegionID     string      `json:"region_id"`
	RegionBounds ImageRegion `json:"region_bounds"`
	TileSize     Size        `json:"tile_size"`
	TileOverlap  Size        `json:"tile_overlap"`
	TileFormat   string      `json:"tile_format"`
	Endpoint     Endpoint    `json:"endpoint"`

	// Outputs travel with every region so whichever runner completes the image can write them.
	Outputs []OutputDestination `json:"outputs,omitempty"`
}

// NewRegionRequest derives the request for one region of an image request.
func NewRegionRequest(img *ImageRequest, bounds ImageRegion) RegionRequest {
	return RegionRequest{
		JobID:        img.JobID,
		ImageID:      img.ImageID,
		ImageURL:     img.ImageURL,
		RegionID:     NewRegionID(img.JobID, bounds),
		RegionBounds: bounds,
		TileSize:     img.TileSize,
		TileOverlap:  img.TileOverlap,
		TileFormat:   img.TileFormat,
		Endpoint:     img.Endpoint,
		Outputs:      img.Outputs,
	}
}

func (r *RegionRequest) Key() RegionKey {
	return RegionKey{ImageID: r.ImageID, RegionID: r.RegionID}
}

// Validate checks the request shape. It returns a *ValidationError.
func (r *RegionRequest) Validate() error {
	if r.JobID == "" {
		return NewValidationError("job_id", "job_id is required")
	}
	if r.ImageID == "" {
		return NewValidationError("image_id", "image_id is required")
	}
	if r.RegionID == "" {
		return NewValidationError("region_id", "region_id is required")
	}
	if r.RegionBounds.Empty() || r.RegionBounds.Row < 0 || r.RegionBounds.Col < 0 {
		return NewValidationError("region_bounds", fmt.Sprintf("invalid region bounds %s", r.RegionBounds))
	}
	if err := validateTiling(r.TileSize, r.TileOverlap, r.TileFormat); err != nil {
		return err
	}
	return validateEndpoint(r.Endpoint)
}

func validateTiling(size, overlap Size, format string) error {
	if size.Width <= 0 || size.Height <= 0 {
		return NewValidationError("tile_size", "tile_size must be positive")
	}
	if overlap.Width < 0 || overlap.Height < 0 {
		return NewValidationError("tile_overlap", "tile_overlap must not be negative")
	}
	if overlap.Width >= size.Width || overlap.Height >= size.Height {
		return NewValidationError("tile_overlap", "tile_overlap must be smaller than tile_size")
	}
	if !validTileFormats[format] {
		return NewValidationError("tile_format", fmt.Sprintf("tile_format must be one of PNG, JPEG, TIFF; got %q", format))
	}
	return nil
}

func validateEndpoint(e Endpoint) error {
	if e.Name == "" {
		return NewValidationError("endpoint.name", "endpoint name is required")
	}
	if e.Type != EndpointSync && e.Type != EndpointAsync {
		return NewValidationError("endpoint.type", fmt.Sprintf("endpoint type must be sync or async; got %q", e.Type))
	}
	return nil
}
