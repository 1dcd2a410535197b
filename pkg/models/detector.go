package models

import (
	"context"

	"github.com/paulmach/orb/geojson"
)

// SyncDetector runs inference on a tile and blocks until features are returned.
// Feature geometries are in tile-relative pixel coordinates (x = column, y = row).
type SyncDetector interface {
	FindFeatures(ctx context.Context, payload []byte) (*geojson.FeatureCollection, error)
	Name() string
}

// AsyncDetector submits a staged tile and reports the inference status on request.
type AsyncDetector interface {
	Submit(ctx context.Context, inputLocation string) (Submission, error)
	Status(ctx context.Context, inferenceID string) (InferenceStatus, error)
	Name() string
}

// DetectorFactory resolves the detector for an endpoint. Chosen once at startup
// and injected into the worker pools.
type DetectorFactory interface {
	Sync(endpoint Endpoint) (SyncDetector, error)
	Async(endpoint Endpoint) (AsyncDetector, error)
}

// Submission is what an async endpoint hands back for a submitted tile.
type Submission struct {
	InferenceID     string `json:"inference_id"`
	OutputLocation  string `json:"output_location"`
	FailureLocation string `json:"failure_location"`
}

type AsyncState string

const (
	AsyncCompleted  AsyncState = "Completed"
	AsyncFailed     AsyncState = "Failed"
	AsyncInProgress AsyncState = "InProgress"
	AsyncPending    AsyncState = "Pending"
)

// InferenceStatus is one poll response from an async endpoint.
type InferenceStatus struct {
	State          AsyncState `json:"status"`
	OutputLocation string     `json:"output_location,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
}
