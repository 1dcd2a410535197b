package detector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

func detectorServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func endpoint(url string, typ models.EndpointType) models.Endpoint {
	return models.Endpoint{Name: "buildings", Type: typ, URL: url}
}

const oneFeature = `{"type":"FeatureCollection","features":[
	{"type":"Feature","geometry":{"type":"Point","coordinates":[5,7]},"properties":{"class":"car"}}]}`

// --- sync ---

func TestHTTPSync_FindFeatures(t *testing.T) {
	ts := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte("png-bytes"), body)
		w.Write([]byte(oneFeature))
	})

	d, err := NewHTTPFactory(5 * time.Second).Sync(endpoint(ts.URL, models.EndpointSync))
	require.NoError(t, err)
	assert.Equal(t, "buildings", d.Name())

	fc, err := d.FindFeatures(context.Background(), []byte("png-bytes"))
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "car", fc.Features[0].Properties.MustString("class"))
}

func TestHTTPSync_InvalidBody(t *testing.T) {
	ts := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})
	d := NewHTTPSync(endpoint(ts.URL, models.EndpointSync), ts.Client())

	_, err := d.FindFeatures(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestHTTPSync_StatusClassification(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusServiceUnavailable, ErrTransient},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusRequestTimeout, ErrTransient},
		{http.StatusBadRequest, ErrPermanent},
		{http.StatusNotFound, ErrPermanent},
		{http.StatusForbidden, ErrPermanent},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			ts := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			})
			d := NewHTTPSync(endpoint(ts.URL, models.EndpointSync), ts.Client())
			_, err := d.FindFeatures(context.Background(), nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPSync_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	d := NewHTTPSync(endpoint(url, models.EndpointSync), &http.Client{Timeout: time.Second})
	_, err := d.FindFeatures(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestHTTPSync_CancelledContext(t *testing.T) {
	ts := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	d := NewHTTPSync(endpoint(ts.URL, models.EndpointSync), ts.Client())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.FindFeatures(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTransient))
}

// --- async ---

func TestHTTPAsync_SubmitAndStatus(t *testing.T) {
	ts := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/inferences":
			var req submitRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "s3://staging/in.png", req.InputLocation)
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(models.Submission{
				InferenceID:     "inf-1",
				OutputLocation:  "s3://staging/out.json",
				FailureLocation: "s3://staging/fail.json",
			})
		case r.Method == http.MethodGet && r.URL.Path == "/inferences/inf-1":
			w.Write([]byte(`{"status":"Completed","output_location":"s3://staging/out.json"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	d, err := NewHTTPFactory(5 * time.Second).Async(endpoint(ts.URL+"/", models.EndpointAsync))
	require.NoError(t, err)

	sub, err := d.Submit(context.Background(), "s3://staging/in.png")
	require.NoError(t, err)
	assert.Equal(t, "inf-1", sub.InferenceID)
	assert.Equal(t, "s3://staging/fail.json", sub.FailureLocation)

	status, err := d.Status(context.Background(), sub.InferenceID)
	require.NoError(t, err)
	assert.Equal(t, models.AsyncCompleted, status.State)
	assert.Equal(t, "s3://staging/out.json", status.OutputLocation)
}

func TestHTTPAsync_SubmitWithoutInferenceID(t *testing.T) {
	ts := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"output_location":"s3://b/k"}`))
	})
	d := NewHTTPAsync(endpoint(ts.URL, models.EndpointAsync), ts.Client())

	_, err := d.Submit(context.Background(), "s3://b/in")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestHTTPAsync_UnknownStatus(t *testing.T) {
	ts := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"Exploded"}`))
	})
	d := NewHTTPAsync(endpoint(ts.URL, models.EndpointAsync), ts.Client())

	_, err := d.Status(context.Background(), "inf-1")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestHTTPAsync_StatusNotFoundIsPermanent(t *testing.T) {
	ts := detectorServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	d := NewHTTPAsync(endpoint(ts.URL, models.EndpointAsync), ts.Client())

	_, err := d.Status(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestHTTPFactory_InvalidURL(t *testing.T) {
	f := NewHTTPFactory(time.Second)
	for _, u := range []string{"", "ftp://host/x", "http://", "::bad"} {
		_, err := f.Sync(endpoint(u, models.EndpointSync))
		assert.ErrorIs(t, err, ErrPermanent, u)
		_, err = f.Async(endpoint(u, models.EndpointAsync))
		assert.ErrorIs(t, err, ErrPermanent, u)
	}
}
