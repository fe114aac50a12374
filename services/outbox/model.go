package outbox

import (
	"time"

	"gorm.io/datatypes"
)

type EventType string

const (
	TypeEscrowHold        EventType = "ESCROW_HOLD"
	TypeCompletionRelease EventType = "COMPLETION_RELEASE"
	TypeBountyRefunded    EventType = "BOUNTY_REFUNDED"
	TypeRefundRetry       EventType = "REFUND_RETRY"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

type RetryMetadata struct {
	LastError      string     `json:"last_error,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
}

// Event is a durable intent to call the payment gateway, written in the same
// transaction as the state change that requires it.
type Event struct {
	ID             string                            `gorm:"column:id;primaryKey;size:32" json:"id"`
	Type           EventType                         `gorm:"column:type;size:32;not null" json:"type"`
	AggregateID    string                            `gorm:"column:aggregate_id;size:32;index" json:"aggregate_id"`
	DedupeKey      string                            `gorm:"column:dedupe_key;size:191;uniqueIndex;not null" json:"dedupe_key"`
	Payload        datatypes.JSON                    `gorm:"column:payload;not null" json:"payload"`
	Status         Status                            `gorm:"column:status;size:16;not null;index:idx_outbox_poll,priority:1" json:"status"`
	RetryCount     int                               `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	RetryMetadata  datatypes.JSONType[RetryMetadata] `gorm:"column:retry_metadata" json:"retry_metadata"`
	NextEligibleAt time.Time                         `gorm:"column:next_eligible_at;index:idx_outbox_poll,priority:2" json:"next_eligible_at"`
	LockedBy       *string                           `gorm:"column:locked_by;size:64" json:"locked_by,omitempty"`
	LockedAt       *time.Time                        `gorm:"column:locked_at" json:"locked_at,omitempty"`
	CreatedAt      time.Time                         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time                         `gorm:"column:updated_at" json:"updated_at"`
	ProcessedAt    *time.Time                        `gorm:"column:processed_at" json:"processed_at,omitempty"`
}

func (Event) TableName() string {
	return "outbox_events"
}
