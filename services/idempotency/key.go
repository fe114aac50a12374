package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	KindEscrow     = "escrow"
	KindRelease    = "release"
	KindRefund     = "refund"
	KindWithdrawal = "withdrawal"
	KindDeposit    = "deposit"
)

// DeriveKey joins an operation kind and its stable attributes into a key.
// Identical inputs always yield the same key; never pass timestamps or random
// values for operations that are idempotent per business key.
func DeriveKey(kind string, attrs ...string) string {
	parts := make([]string, 0, len(attrs)+1)
	parts = append(parts, kind)
	parts = append(parts, attrs...)
	return strings.Join(parts, ":")
}

// EscrowKey is escrow:{bountyId}:{posterId}. A bounty re-accepted after a
// rejected hold gets a new round suffix so the gateway does not replay the rejection.
func EscrowKey(bountyID, posterID string, round int) string {
	if round > 0 {
		return DeriveKey(KindEscrow, bountyID, posterID, "r"+strconv.Itoa(round))
	}
	return DeriveKey(KindEscrow, bountyID, posterID)
}

func ReleaseKey(bountyID, hunterID string) string {
	return DeriveKey(KindRelease, bountyID, hunterID)
}

// RefundKey follows the round suffix of EscrowKey: each round's hold is
// refunded under its own key.
func RefundKey(bountyID, posterID string, round int) string {
	if round > 0 {
		return DeriveKey(KindRefund, bountyID, posterID, "r"+strconv.Itoa(round))
	}
	return DeriveKey(KindRefund, bountyID, posterID)
}

// WithdrawalKey is withdrawal:{userId}:{amount with 2 decimals}:{destinationLast4}.
// Two intentional withdrawals of the same amount need a caller supplied key.
func WithdrawalKey(userID string, amountMinor int64, destinationLast4 string) string {
	return DeriveKey(KindWithdrawal, userID, decimal.New(amountMinor, -2).StringFixed(2), destinationLast4)
}

func DepositKey(userID, externalRef string) string {
	return DeriveKey(KindDeposit, userID, externalRef)
}

// Fingerprint hashes the request attributes stored next to a key, so a key
// reused for a different request can be told apart.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
