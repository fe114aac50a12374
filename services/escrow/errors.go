package escrow

import "errors"

var (
	ErrBountyNotFound       = errors.New("bounty not found")
	ErrHoldNotReady         = errors.New("payment hold is not ready yet")
	ErrAlreadySettled       = errors.New("bounty is already settled")
	ErrSettlementInProgress = errors.New("another settlement is in progress")
	ErrInvalidTransition    = errors.New("invalid bounty transition")
	ErrNotRefundable        = errors.New("outbox event cannot be retried as a refund")
)
