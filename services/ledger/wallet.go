package ledger

import (
	"context"
	"strconv"

	"bountypay/pkg/errutil"
	"bountypay/services/idempotency"
)

type DepositParams struct {
	UserID      string
	Amount      int64
	ExternalRef string
}

// Deposit credits a wallet once per external charge reference.
func (s *Service) Deposit(ctx context.Context, p DepositParams) (*WalletTransaction, error) {
	if p.ExternalRef == "" {
		return nil, errutil.BadRequest("external_reference is required", nil)
	}

	key := idempotency.DepositKey(p.UserID, p.ExternalRef)
	return idempotency.WithIdempotency(ctx, s.guard, key, func(ctx context.Context) (*WalletTransaction, error) {
		return s.RecordTransaction(ctx, RecordParams{
			UserID:      p.UserID,
			Type:        TypeDeposit,
			Amount:      p.Amount,
			ExternalRef: p.ExternalRef,
			Description: "wallet deposit",
		})
	}, idempotency.WithFingerprint(idempotency.Fingerprint(p.UserID, strconv.FormatInt(p.Amount, 10))))
}

type WithdrawParams struct {
	UserID           string
	Amount           int64
	DestinationLast4 string
	// IdempotencyKey is required to make two identical withdrawals on purpose.
	IdempotencyKey string
}

// Withdraw debits a wallet. Without a caller key, retries of the same
// user, amount and destination collapse into one withdrawal.
func (s *Service) Withdraw(ctx context.Context, p WithdrawParams) (*WalletTransaction, error) {
	if len(p.DestinationLast4) != 4 {
		return nil, errutil.BadRequest("destination_last4 must have 4 characters", nil)
	}

	key := p.IdempotencyKey
	if key == "" {
		key = idempotency.WithdrawalKey(p.UserID, p.Amount, p.DestinationLast4)
	} else {
		key = idempotency.DeriveKey(idempotency.KindWithdrawal, p.UserID, key)
	}

	fp := idempotency.Fingerprint(p.UserID, strconv.FormatInt(p.Amount, 10), p.DestinationLast4)
	return idempotency.WithIdempotency(ctx, s.guard, key, func(ctx context.Context) (*WalletTransaction, error) {
		return s.RecordTransaction(ctx, RecordParams{
			UserID:      p.UserID,
			Type:        TypeWithdrawal,
			Amount:      p.Amount,
			Description: "withdrawal to ****" + p.DestinationLast4,
		})
	}, idempotency.WithFingerprint(fp))
}
