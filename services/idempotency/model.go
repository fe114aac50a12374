package idempotency

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Record is the stored state of one idempotency key. Version changes on every
// write and is used for compare-and-set by the stores.
type Record struct {
	Key         string         `gorm:"column:idempotency_key;primaryKey;size:191" json:"key"`
	Status      Status         `gorm:"column:status;size:16;not null" json:"status"`
	Fingerprint string         `gorm:"column:fingerprint;size:64" json:"fingerprint,omitempty"`
	Result      datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	Version     int64          `gorm:"column:version;not null;default:1" json:"version"`
	LockedUntil time.Time      `gorm:"column:locked_until" json:"locked_until"`
	ExpiresAt   time.Time      `gorm:"column:expires_at;index" json:"expires_at"`
	CreatedAt   time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Record) TableName() string {
	return "idempotency_records"
}

func (r *Record) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// stale reports whether an in-progress owner stopped renewing its claim.
func (r *Record) stale(now time.Time) bool {
	return r.Status == StatusInProgress && !now.Before(r.LockedUntil)
}
