package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RegionStatus string

const (
	RegionStatusStarting   RegionStatus = "STARTING"
	RegionStatusInProgress RegionStatus = "IN_PROGRESS"
	RegionStatusSuccess    RegionStatus = "SUCCESS"
	RegionStatusPartial    RegionStatus = "PARTIAL"
	RegionStatusFailed     RegionStatus = "FAILED"
)

// Terminal reports whether the status is final. Terminal regions are never revisited.
func (s RegionStatus) Terminal() bool {
	return s == RegionStatusSuccess || s == RegionStatusPartial || s == RegionStatusFailed
}

// RegionOutcome maps tile totals to the terminal region status:
// no failures is SUCCESS, all failed is FAILED, anything in between is PARTIAL.
func RegionOutcome(total, failed int) RegionStatus {
	switch {
	case failed <= 0:
		return RegionStatusSuccess
	case failed >= total:
		return RegionStatusFailed
	default:
		return RegionStatusPartial
	}
}

// RegionKey identifies a region record.
type RegionKey struct {
	ImageID  string
	RegionID string
}

// RegionRecord tracks one region of an image.
type RegionRecord struct {
	ImageID         string       `db:"image_id"          json:"image_id"`
	RegionID        string       `db:"region_id"         json:"region_id"`
	JobID           string       `db:"job_id"            json:"job_id"`
	Bounds          ImageRegion  `db:"-"                 json:"bounds"`
	Status          RegionStatus `db:"status"            json:"status"`
	TotalTiles      int          `db:"total_tiles"       json:"total_tiles"`
	SucceededTiles  int          `db:"succeeded_tiles"   json:"succeeded_tiles"`
	FailedTiles     int          `db:"failed_tiles"      json:"failed_tiles"`
	StartTime       time.Time    `db:"start_time"        json:"start_time"`
	EndTime         *time.Time   `db:"end_time"          json:"end_time,omitempty"`
	LastUpdatedTime time.Time    `db:"last_updated_time" json:"last_updated_time"`
	ExpireTime      time.Time    `db:"expire_time"       json:"expire_time"`
	Message         string       `db:"message"           json:"message,omitempty"`
}

func (r *RegionRecord) Key() RegionKey {
	return RegionKey{ImageID: r.ImageID, RegionID: r.RegionID}
}

// NewRegionID builds a region id from the pixel bounds plus a token derived from
// the job. A redelivered image request yields the same ids; another job over the
// same image does not.
func NewRegionID(jobID string, bounds ImageRegion) string {
	token := uuid.NewSHA1(uuid.NameSpaceOID, []byte(jobID+"|"+bounds.Key()))
	return fmt.Sprintf("%s-%s", bounds.Key(), token.String()[:8])
}
