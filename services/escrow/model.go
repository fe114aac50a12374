package escrow

import "time"

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Settlement names the gateway settlement requested for a bounty and not yet
// landed.
type Settlement string

const (
	SettlementNone    Settlement = ""
	SettlementRelease Settlement = "release"
	SettlementRefund  Settlement = "refund"
)

type Bounty struct {
	ID                   string     `gorm:"column:id;primaryKey;size:32" json:"id"`
	Code                 string     `gorm:"column:code;size:32;uniqueIndex" json:"code"`
	PosterID             string     `gorm:"column:poster_id;size:64;not null;index" json:"poster_id"`
	HunterID             *string    `gorm:"column:hunter_id;size:64" json:"hunter_id,omitempty"`
	Amount               int64      `gorm:"column:amount;not null" json:"amount"`
	Status               Status     `gorm:"column:status;size:16;not null;index" json:"status"`
	PaymentHoldReference *string    `gorm:"column:payment_hold_reference;size:128" json:"payment_hold_reference,omitempty"`
	EscrowRound          int        `gorm:"column:escrow_round;not null;default:0" json:"escrow_round"`
	Settlement           Settlement `gorm:"column:settlement;size:16;not null" json:"settlement,omitempty"`
	CreatedAt            time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Bounty) TableName() string {
	return "bounties"
}

func (b *Bounty) hunter() string {
	if b.HunterID == nil {
		return ""
	}
	return *b.HunterID
}

func (b *Bounty) holdReference() string {
	if b.PaymentHoldReference == nil {
		return ""
	}
	return *b.PaymentHoldReference
}
