// Package handler implements the HTTP endpoints of the model runner API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tileflow/internal/api/middleware"
	"github.com/kiranshivaraju/tileflow/internal/api/response"
	"github.com/kiranshivaraju/tileflow/internal/store"
	"github.com/kiranshivaraju/tileflow/pkg/models"
)

const maxRequestBytes = 1 << 20

// Sender enqueues image requests. queue.Queue implements it.
type Sender interface {
	Send(ctx context.Context, body []byte) error
}

// Records is the read side of the record store used by the API.
type Records interface {
	GetImageJob(ctx context.Context, imageID string) (*models.ImageJobRecord, error)
	GetRegion(ctx context.Context, key models.RegionKey) (*models.RegionRecord, error)
	ListRegions(ctx context.Context, imageID string) ([]*models.RegionRecord, error)
	ListTiles(ctx context.Context, imageID, regionID string) ([]*models.TileRecord, error)
}

// Submission is the body of a 202 response to POST /api/v1/images.
type Submission struct {
	JobID   string `json:"job_id"`
	ImageID string `json:"image_id"`
	Status  string `json:"status"`
}

// ImageStatus is an image job together with whether every region has reported.
type ImageStatus struct {
	*models.ImageJobRecord
	Complete bool `json:"complete"`
}

type Images struct {
	queue   Sender
	records Records
}

func NewImages(q Sender, records Records) *Images {
	return &Images{queue: q, records: records}
}

// Submit handles POST /api/v1/images: it validates the request and puts it on
// the image queue. A missing job_id is generated.
func (h *Images) Submit(w http.ResponseWriter, r *http.Request) {
	var req models.ImageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, verr.Message,
				map[string]string{"field": verr.Field})
			return
		}
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Failed to encode request", nil)
		return
	}
	if err := h.queue.Send(r.Context(), body); err != nil {
		slog.Error("failed to enqueue image request", "job_id", req.JobID, "error", err)
		response.Error(w, http.StatusServiceUnavailable, response.CodeUnavailable, "Image queue unavailable", nil)
		return
	}

	name, _ := mw.GetKeyName(r)
	slog.Info("image request queued", "job_id", req.JobID, "image_id", req.ImageID, "key", name)
	response.Accepted(w, Submission{JobID: req.JobID, ImageID: req.ImageID, Status: "QUEUED"})
}

// Get handles GET /api/v1/images/{imageID}.
func (h *Images) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.records.GetImageJob(r.Context(), chi.URLParam(r, "imageID"))
	if err != nil {
		writeStoreError(w, err, "image job")
		return
	}
	response.JSON(w, ImageStatus{ImageJobRecord: job, Complete: job.Complete()})
}

// Regions handles GET /api/v1/images/{imageID}/regions.
func (h *Images) Regions(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageID")
	if _, err := h.records.GetImageJob(r.Context(), imageID); err != nil {
		writeStoreError(w, err, "image job")
		return
	}
	regions, err := h.records.ListRegions(r.Context(), imageID)
	if err != nil {
		writeStoreError(w, err, "regions")
		return
	}
	response.List(w, regions)
}

// Tiles handles GET /api/v1/images/{imageID}/regions/{regionID}/tiles.
func (h *Images) Tiles(w http.ResponseWriter, r *http.Request) {
	key := models.RegionKey{ImageID: chi.URLParam(r, "imageID"), RegionID: chi.URLParam(r, "regionID")}
	if _, err := h.records.GetRegion(r.Context(), key); err != nil {
		writeStoreError(w, err, "region")
		return
	}
	tiles, err := h.records.ListTiles(r.Context(), key.ImageID, key.RegionID)
	if err != nil {
		writeStoreError(w, err, "tiles")
		return
	}
	response.List(w, tiles)
}

func writeStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, what+" not found", nil)
		return
	}
	slog.Error("record store error", "resource", what, "error", err)
	response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Failed to read "+what, nil)
}
