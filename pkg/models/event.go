package models

import "time"

type EventKind string

const (
	EventImage  EventKind = "image"
	EventRegion EventKind = "region"
	EventTile   EventKind = "tile"
)

// StatusEvent is emitted for every terminal image, region or tile transition.
type StatusEvent struct {
	Kind       EventKind `json:"kind"`
	ID         string    `json:"id"`
	ImageID    string    `json:"image_id"`
	JobID      string    `json:"job_id,omitempty"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
