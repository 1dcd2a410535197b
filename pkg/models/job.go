package models

import "time"

type ImageStatus string

const (
	ImageStatusStarted    ImageStatus = "STARTED"
	ImageStatusInProgress ImageStatus = "IN_PROGRESS"
	ImageStatusSuccess    ImageStatus = "SUCCESS"
	ImageStatusPartial    ImageStatus = "PARTIAL"
	ImageStatusFailed     ImageStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s ImageStatus) Terminal() bool {
	return s == ImageStatusSuccess || s == ImageStatusPartial || s == ImageStatusFailed
}

// ImageJobRecord tracks one image-processing request. RegionSuccess and
// RegionError are only ever changed by atomic increments in the record store;
// the job is complete once their sum reaches RegionCount.
type ImageJobRecord struct {
	ImageID              string      `db:"image_id"               json:"image_id"`
	JobID                string      `db:"job_id"                 json:"job_id"`
	ImageURL             string      `db:"image_url"              json:"image_url"`
	Status               ImageStatus `db:"status"                 json:"status"`
	RegionCount          int         `db:"region_count"           json:"region_count"`
	RegionSuccess        int         `db:"region_success"         json:"region_success"`
	RegionError          int         `db:"region_error"           json:"region_error"`
	StartTime            time.Time   `db:"start_time"             json:"start_time"`
	EndTime              *time.Time  `db:"end_time"               json:"end_time,omitempty"`
	ExpireTime           time.Time   `db:"expire_time"            json:"expire_time"`
	ProcessingDurationMS *int64      `db:"processing_duration_ms" json:"processing_duration_ms,omitempty"`
}

// Complete reports whether every region has reported an outcome.
func (j *ImageJobRecord) Complete() bool {
	return j.RegionSuccess+j.RegionError >= j.RegionCount
}

// Outcome derives the final image status from the region counters.
func (j *ImageJobRecord) Outcome() ImageStatus {
	switch {
	case j.RegionError == 0:
		return ImageStatusSuccess
	case j.RegionSuccess == 0:
		return ImageStatusFailed
	default:
		return ImageStatusPartial
	}
}
