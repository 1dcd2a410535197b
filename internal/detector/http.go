package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/paulmach/orb/geojson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 64 << 20

// HTTPSync implements models.SyncDetector by POSTing the encoded tile to the
// endpoint URL and reading a GeoJSON FeatureCollection back.
type HTTPSync struct {
	endpoint models.Endpoint
	client   *http.Client
}

func NewHTTPSync(endpoint models.Endpoint, client *http.Client) *HTTPSync {
	return &HTTPSync{endpoint: endpoint, client: client}
}

func (d *HTTPSync) Name() string { return d.endpoint.Name }

func (d *HTTPSync) FindFeatures(ctx context.Context, payload []byte) (*geojson.FeatureCollection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/geo+json")

	body, err := do(d.client, req)
	if err != nil {
		return nil, err
	}

	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return fc, nil
}

// HTTPAsync implements models.AsyncDetector against an endpoint that accepts
// POST {url}/inferences and reports progress at GET {url}/inferences/{id}.
type HTTPAsync struct {
	endpoint models.Endpoint
	client   *http.Client
}

func NewHTTPAsync(endpoint models.Endpoint, client *http.Client) *HTTPAsync {
	return &HTTPAsync{endpoint: endpoint, client: client}
}

func (d *HTTPAsync) Name() string { return d.endpoint.Name }

type submitRequest struct {
	InputLocation string `json:"input_location"`
}

func (d *HTTPAsync) Submit(ctx context.Context, inputLocation string) (models.Submission, error) {
	payload, err := json.Marshal(submitRequest{InputLocation: inputLocation})
	if err != nil {
		return models.Submission{}, fmt.Errorf("encoding submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.inferencesURL(), bytes.NewReader(payload))
	if err != nil {
		return models.Submission{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := do(d.client, req)
	if err != nil {
		return models.Submission{}, err
	}

	var sub models.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		return models.Submission{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if sub.InferenceID == "" {
		return models.Submission{}, fmt.Errorf("%w: missing inference_id", ErrInvalidResponse)
	}
	return sub, nil
}

func (d *HTTPAsync) Status(ctx context.Context, inferenceID string) (models.InferenceStatus, error) {
	u := d.inferencesURL() + "/" + url.PathEscape(inferenceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.InferenceStatus{}, fmt.Errorf("building request: %w", err)
	}

	body, err := do(d.client, req)
	if err != nil {
		return models.InferenceStatus{}, err
	}

	var status models.InferenceStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return models.InferenceStatus{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	switch status.State {
	case models.AsyncCompleted, models.AsyncFailed, models.AsyncInProgress, models.AsyncPending:
	default:
		return models.InferenceStatus{}, fmt.Errorf("%w: unknown status %q", ErrInvalidResponse, status.State)
	}
	return status, nil
}

func (d *HTTPAsync) inferencesURL() string {
	return strings.TrimRight(d.endpoint.URL, "/") + "/inferences"
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode, body)
	}
	return body, nil
}

// HTTPFactory builds HTTP detectors that share one client.
type HTTPFactory struct {
	client *http.Client
}

func NewHTTPFactory(timeout time.Duration) *HTTPFactory {
	return &HTTPFactory{client: &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
}

func (f *HTTPFactory) Sync(endpoint models.Endpoint) (models.SyncDetector, error) {
	if err := checkEndpoint(endpoint); err != nil {
		return nil, err
	}
	return NewHTTPSync(endpoint, f.client), nil
}

func (f *HTTPFactory) Async(endpoint models.Endpoint) (models.AsyncDetector, error) {
	if err := checkEndpoint(endpoint); err != nil {
		return nil, err
	}
	return NewHTTPAsync(endpoint, f.client), nil
}

func checkEndpoint(endpoint models.Endpoint) error {
	u, err := url.Parse(endpoint.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: endpoint %q has invalid url %q", ErrPermanent, endpoint.Name, endpoint.URL)
	}
	return nil
}

var (
	_ models.SyncDetector    = (*HTTPSync)(nil)
	_ models.AsyncDetector   = (*HTTPAsync)(nil)
	_ models.DetectorFactory = (*HTTPFactory)(nil)
)
