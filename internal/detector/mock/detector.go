// Package mock provides func-field detectors for tests and dry runs.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// SyncDetector satisfies models.SyncDetector.
type SyncDetector struct {
	Name_            string
	FindFeaturesFunc func(ctx context.Context, payload []byte) (*geojson.FeatureCollection, error)
}

func (m *SyncDetector) Name() string { return m.Name_ }

func (m *SyncDetector) FindFeatures(ctx context.Context, payload []byte) (*geojson.FeatureCollection, error) {
	if m.FindFeaturesFunc != nil {
		return m.FindFeaturesFunc(ctx, payload)
	}
	return geojson.NewFeatureCollection(), nil
}

// AsyncDetector satisfies models.AsyncDetector.
type AsyncDetector struct {
	Name_      string
	SubmitFunc func(ctx context.Context, inputLocation string) (models.Submission, error)
	StatusFunc func(ctx context.Context, inferenceID string) (models.InferenceStatus, error)
}

func (m *AsyncDetector) Name() string { return m.Name_ }

func (m *AsyncDetector) Submit(ctx context.Context, inputLocation string) (models.Submission, error) {
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, inputLocation)
	}
	return models.Submission{InferenceID: uuid.NewString()}, nil
}

func (m *AsyncDetector) Status(ctx context.Context, inferenceID string) (models.InferenceStatus, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, inferenceID)
	}
	return models.InferenceStatus{State: models.AsyncPending}, nil
}

// Factory hands out the same detectors for every endpoint.
type Factory struct {
	SyncDetector  *SyncDetector
	AsyncDetector *AsyncDetector
}

func (f *Factory) Sync(_ models.Endpoint) (models.SyncDetector, error) {
	if f.SyncDetector == nil {
		return nil, fmt.Errorf("mock factory has no sync detector")
	}
	return f.SyncDetector, nil
}

func (f *Factory) Async(_ models.Endpoint) (models.AsyncDetector, error) {
	if f.AsyncDetector == nil {
		return nil, fmt.Errorf("mock factory has no async detector")
	}
	return f.AsyncDetector, nil
}

// OutputWriter stores an inference result at an s3:// URI.
type OutputWriter func(ctx context.Context, data []byte, uri string) error

// BoxFeatures returns a collection with one 10x10 pixel box in tile coordinates.
func BoxFeatures() *geojson.FeatureCollection {
	f := geojson.NewFeature(orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}})
	f.Properties["class"] = "mock"
	f.Properties["score"] = 0.9
	fc := geojson.NewFeatureCollection()
	fc.Append(f)
	return fc
}

// NewFactory returns a Factory whose detectors report BoxFeatures for every tile.
// Async results are written next to the input through write and complete on the
// first status check.
func NewFactory(write OutputWriter) *Factory {
	var mu sync.Mutex
	outputs := make(map[string]string)

	return &Factory{
		SyncDetector: &SyncDetector{
			Name_: "mock",
			FindFeaturesFunc: func(_ context.Context, _ []byte) (*geojson.FeatureCollection, error) {
				return BoxFeatures(), nil
			},
		},
		AsyncDetector: &AsyncDetector{
			Name_: "mock",
			SubmitFunc: func(ctx context.Context, inputLocation string) (models.Submission, error) {
				data, err := BoxFeatures().MarshalJSON()
				if err != nil {
					return models.Submission{}, err
				}
				sub := models.Submission{
					InferenceID:     uuid.NewString(),
					OutputLocation:  inputLocation + ".out.geojson",
					FailureLocation: inputLocation + ".failure.json",
				}
				if err := write(ctx, data, sub.OutputLocation); err != nil {
					return models.Submission{}, err
				}
				mu.Lock()
				outputs[sub.InferenceID] = sub.OutputLocation
				mu.Unlock()
				return sub, nil
			},
			StatusFunc: func(_ context.Context, inferenceID string) (models.InferenceStatus, error) {
				mu.Lock()
				out, ok := outputs[inferenceID]
				delete(outputs, inferenceID)
				mu.Unlock()
				if !ok {
					return models.InferenceStatus{State: models.AsyncFailed, FailureReason: "unknown inference"}, nil
				}
				return models.InferenceStatus{State: models.AsyncCompleted, OutputLocation: out}, nil
			},
		},
	}
}

// NewFailingFactory returns a Factory whose detectors always return err.
func NewFailingFactory(err error) *Factory {
	return &Factory{
		SyncDetector: &SyncDetector{
			Name_: "mock-failing",
			FindFeaturesFunc: func(_ context.Context, _ []byte) (*geojson.FeatureCollection, error) {
				return nil, err
			},
		},
		AsyncDetector: &AsyncDetector{
			Name_: "mock-failing",
			SubmitFunc: func(_ context.Context, _ string) (models.Submission, error) {
				return models.Submission{}, err
			},
			StatusFunc: func(_ context.Context, _ string) (models.InferenceStatus, error) {
				return models.InferenceStatus{}, err
			},
		},
	}
}

var (
	_ models.SyncDetector    = (*SyncDetector)(nil)
	_ models.AsyncDetector   = (*AsyncDetector)(nil)
	_ models.DetectorFactory = (*Factory)(nil)
)
