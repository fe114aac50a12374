package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type TransactionType string

const (
	TypeDeposit      TransactionType = "deposit"
	TypeWithdrawal   TransactionType = "withdrawal"
	TypeBountyPosted TransactionType = "bounty_posted"
	TypeEscrow       TransactionType = "escrow"
	TypeRelease      TransactionType = "release"
	TypeRefund       TransactionType = "refund"
	TypePlatformFee  TransactionType = "platform_fee"
)

const genesisHash = "GENESIS"

var (
	inflowTypes  = []string{string(TypeDeposit), string(TypeRelease), string(TypeRefund)}
	outflowTypes = []string{string(TypeWithdrawal), string(TypeEscrow), string(TypeBountyPosted)}
)

func (t TransactionType) String() string {
	return string(t)
}

func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypeBountyPosted, TypeEscrow, TypeRelease, TypeRefund, TypePlatformFee:
		return true
	default:
		return false
	}
}

func (t TransactionType) IsInflow() bool {
	return t == TypeDeposit || t == TypeRelease || t == TypeRefund
}

func (t TransactionType) IsOutflow() bool {
	return t == TypeWithdrawal || t == TypeEscrow || t == TypeBountyPosted
}

// IsSettlement reports whether at most one row of this type may exist per bounty.
func (t TransactionType) IsSettlement() bool {
	return t == TypeEscrow || t == TypeRelease || t == TypeRefund
}

// WalletTransaction is an immutable ledger row. Each user's rows form a hash
// chain through PreviousHash.
type WalletTransaction struct {
	ID                string          `gorm:"column:id;primaryKey;size:32" json:"id"`
	UserID            string          `gorm:"column:user_id;size:64;not null;index:idx_wallet_tx_user_created,priority:1" json:"user_id"`
	Type              TransactionType `gorm:"column:type;size:32;not null" json:"type"`
	Amount            int64           `gorm:"column:amount;not null" json:"amount"`
	BountyID          *string         `gorm:"column:bounty_id;size:32;index" json:"bounty_id,omitempty"`
	ExternalReference *string         `gorm:"column:external_reference;size:128" json:"external_reference,omitempty"`
	SettlementKey     *string         `gorm:"column:settlement_key;size:96;uniqueIndex" json:"-"`
	Description       string          `gorm:"column:description;size:255" json:"description,omitempty"`
	Metadata          datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	PreviousHash      string          `gorm:"column:previous_hash;size:64" json:"previous_hash"`
	Hash              string          `gorm:"column:hash;size:64" json:"hash"`
	CreatedAt         time.Time       `gorm:"column:created_at;index:idx_wallet_tx_user_created,priority:2" json:"created_at"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transactions"
}

// Wallet is the per-user head of the chain. Locking it serialises writers for
// one user. CachedBalance is informational; balances are always recomputed.
type Wallet struct {
	UserID        string    `gorm:"column:user_id;primaryKey;size:64" json:"user_id"`
	HeadHash      string    `gorm:"column:head_hash;size:64" json:"head_hash"`
	EntryCount    int64     `gorm:"column:entry_count;not null;default:0" json:"entry_count"`
	CachedBalance int64     `gorm:"column:cached_balance;not null;default:0" json:"cached_balance"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallets"
}

type RecordParams struct {
	UserID      string
	Type        TransactionType
	Amount      int64
	BountyID    string
	ExternalRef string
	// Round scopes settlement uniqueness to one escrow round of a bounty.
	Round       int
	Description string
	Metadata    datatypes.JSON
}

func (p RecordParams) settlementKey() *string {
	if !p.Type.IsSettlement() {
		return nil
	}
	key := fmt.Sprintf("%s:%s:%d", p.Type, p.BountyID, p.Round)
	return &key
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func NewWalletTransaction(id string, p RecordParams, createdAt time.Time, previousHash string) *WalletTransaction {
	entry := &WalletTransaction{
		ID:                id,
		UserID:            p.UserID,
		Type:              p.Type,
		Amount:            p.Amount,
		BountyID:          optional(p.BountyID),
		ExternalReference: optional(p.ExternalRef),
		SettlementKey:     p.settlementKey(),
		Description:       p.Description,
		Metadata:          p.Metadata,
		PreviousHash:      previousHash,
		CreatedAt:         createdAt,
	}
	entry.Hash = entry.GenerateHash()
	return entry
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (m *WalletTransaction) HashFields() map[string]string {
	return map[string]string{
		"id":                 m.ID,
		"user_id":            m.UserID,
		"type":               m.Type.String(),
		"amount":             fmt.Sprintf("%d", m.Amount),
		"bounty_id":          deref(m.BountyID),
		"external_reference": deref(m.ExternalReference),
		"created_at":         m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":      m.PreviousHash,
	}
}

func (m *WalletTransaction) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// signed returns the balance effect of the entry.
func (m *WalletTransaction) signed() int64 {
	switch {
	case m.Type.IsInflow():
		return m.Amount
	case m.Type.IsOutflow():
		return -m.Amount
	default:
		return 0
	}
}
