package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bountypay/pkg/db"
	"bountypay/pkg/db/option"
	"bountypay/pkg/db/pagination"
	"bountypay/pkg/errutil"
	"bountypay/pkg/logger"
	"bountypay/pkg/repository"
	"bountypay/services/idempotency"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	guard *idempotency.Guard
	now   func() time.Time

	ledger repository.Repository[WalletTransaction]
	wallet repository.Repository[Wallet]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Guard *idempotency.Guard
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		guard: p.Guard,
		now:   func() time.Time { return time.Now().UTC() },

		ledger: repository.ProvideStore[WalletTransaction](p.DB),
		wallet: repository.ProvideStore[Wallet](p.DB),
	}
}

// RecordTransaction appends one entry in its own database transaction.
// See RecordTransactionTx for the error contract.
func (s *Service) RecordTransaction(ctx context.Context, p RecordParams) (*WalletTransaction, error) {
	var entry *WalletTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.RecordTransactionTx(ctx, tx, p)
		return err
	})
	if errors.Is(err, ErrDuplicateTransaction) {
		return entry, err
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RecordTransactionTx appends one entry inside tx. It fails with
// ErrInsufficientFunds when an outflow would take the balance below zero, and
// with ErrDuplicateTransaction (returning the existing row) when the bounty
// already has a settlement of that type; callers treat the latter as success.
// tx stays usable after a duplicate.
func (s *Service) RecordTransactionTx(ctx context.Context, tx *gorm.DB, p RecordParams) (*WalletTransaction, error) {
	log := logger.FromContext(ctx).With(
		zap.String("user_id", p.UserID),
		zap.String("type", p.Type.String()),
		zap.Int64("amount", p.Amount),
		zap.String("bounty_id", p.BountyID),
	)

	if err := validate(p); err != nil {
		return nil, err
	}

	wallet, err := s.lockWallet(ctx, tx, p.UserID)
	if err != nil {
		log.Error("failed to lock wallet", zap.Error(err))
		return nil, err
	}

	ledgerTx := s.ledger.WithTrx(tx)
	if key := p.settlementKey(); key != nil {
		existing, err := ledgerTx.FindOne(ctx, &WalletTransaction{SettlementKey: key})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			log.Info("settlement already recorded", zap.String("transaction_id", existing.ID))
			return existing, errutil.Conflict("transaction already recorded", ErrDuplicateTransaction)
		}
	}

	if p.Type.IsOutflow() {
		balance, err := s.sumBalance(ctx, tx, p.UserID)
		if err != nil {
			return nil, err
		}
		if balance < p.Amount {
			log.Warn("insufficient funds", zap.Int64("balance", balance))
			return nil, errutil.UnprocessableEntity("insufficient funds", ErrInsufficientFunds,
				errutil.WithDetails(errutil.Detail{Field: "amount", Message: fmt.Sprintf("available balance is %d", balance)}))
		}
	}

	previousHash := wallet.HeadHash
	if previousHash == "" {
		previousHash = genesisHash
	}
	entry := NewWalletTransaction(s.node.Generate().String(), p, s.now().Truncate(time.Millisecond), previousHash)

	// Savepoint, so a unique violation does not abort the caller's transaction.
	err = tx.Transaction(func(sp *gorm.DB) error {
		return s.ledger.WithTrx(sp).Create(ctx, entry)
	})
	if db.IsUniqueViolation(err) {
		existing, ferr := ledgerTx.FindOne(ctx, &WalletTransaction{SettlementKey: entry.SettlementKey})
		if ferr != nil {
			return nil, ferr
		}
		return existing, errutil.Conflict("transaction already recorded", ErrDuplicateTransaction)
	}
	if err != nil {
		log.Error("failed to insert wallet transaction", zap.Error(err))
		return nil, err
	}

	if err := s.wallet.WithTrx(tx).UpdateWhere(ctx, &Wallet{UserID: p.UserID}, map[string]any{
		"head_hash":      entry.Hash,
		"entry_count":    gorm.Expr("entry_count + 1"),
		"cached_balance": gorm.Expr("cached_balance + ?", entry.signed()),
		"updated_at":     s.now(),
	}); err != nil {
		return nil, err
	}

	log.Info("wallet transaction recorded", zap.String("transaction_id", entry.ID))
	return entry, nil
}

func validate(p RecordParams) error {
	if p.UserID == "" {
		return errutil.BadRequest("user_id is required", nil)
	}
	if !p.Type.Valid() {
		return errutil.BadRequest("unknown transaction type", ErrUnknownType)
	}
	if p.Amount <= 0 {
		return errutil.BadRequest("amount must be positive", ErrInvalidAmount)
	}
	if p.Type.IsSettlement() && p.BountyID == "" {
		return errutil.BadRequest("bounty_id is required for settlement transactions", nil)
	}
	return nil
}

// lockWallet creates the wallet row on first use and locks it for the rest of tx.
func (s *Service) lockWallet(ctx context.Context, tx *gorm.DB, userID string) (*Wallet, error) {
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Wallet{UserID: userID, HeadHash: genesisHash}).Error; err != nil {
		return nil, err
	}

	wallet, err := s.wallet.WithTrx(tx).FindOne(ctx, &Wallet{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, fmt.Errorf("wallet %s missing after create", userID)
	}
	return wallet, nil
}

type balanceRow struct {
	Inflow  int64
	Outflow int64
}

func (s *Service) sumBalance(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	var row balanceRow
	err := tx.WithContext(ctx).Model(&WalletTransaction{}).
		Select("COALESCE(SUM(CASE WHEN type IN ? THEN amount ELSE 0 END), 0) AS inflow, "+
			"COALESCE(SUM(CASE WHEN type IN ? THEN amount ELSE 0 END), 0) AS outflow", inflowTypes, outflowTypes).
		Where("user_id = ?", userID).
		Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.Inflow - row.Outflow, nil
}

// GetBalance recomputes the balance from every transaction of the user.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	balance, err := s.sumBalance(ctx, s.db, userID)
	if err != nil {
		logger.FromContext(ctx).Error("failed to compute balance", zap.String("user_id", userID), zap.Error(err))
		return 0, err
	}
	return balance, nil
}

// NetDebited is what the user paid into a bounty and has not been refunded yet.
func (s *Service) NetDebited(ctx context.Context, tx *gorm.DB, userID, bountyID string) (int64, error) {
	var row balanceRow
	err := tx.WithContext(ctx).Model(&WalletTransaction{}).
		Select("COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS inflow, "+
			"COALESCE(SUM(CASE WHEN type IN ? THEN amount ELSE 0 END), 0) AS outflow",
			string(TypeRefund), []string{string(TypeEscrow), string(TypeBountyPosted)}).
		Where("user_id = ? AND bounty_id = ?", userID, bountyID).
		Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.Outflow - row.Inflow, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, page pagination.Pagination) ([]*WalletTransaction, *pagination.PageInfo, error) {
	if page.Limit <= 0 {
		page.Limit = 20
	}

	entries, err := s.ledger.Find(ctx, &WalletTransaction{UserID: userID}, option.ApplyPagination(page))
	if err != nil {
		return nil, nil, err
	}

	entries, info := pagination.Page(entries, page.Limit, func(e *WalletTransaction) string { return e.ID })
	return entries, info, nil
}

// ListByBounty returns the entries of a bounty in insertion order.
func (s *Service) ListByBounty(ctx context.Context, bountyID string) ([]*WalletTransaction, error) {
	return s.ledger.Find(ctx, &WalletTransaction{BountyID: &bountyID}, option.WithSortBy(option.QuerySortBy{OrderBy: "asc"}))
}

type ChainReport struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt string `json:"broken_at,omitempty"`
	HeadHash string `json:"head_hash"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain walks the user's hash chain from the genesis entry and
// recomputes every hash.
func (s *Service) VerifyChain(ctx context.Context, userID string) (*ChainReport, error) {
	entries, err := s.ledger.Find(ctx, &WalletTransaction{UserID: userID})
	if err != nil {
		return nil, err
	}

	byPrev := make(map[string]*WalletTransaction, len(entries))
	for _, e := range entries {
		if _, dup := byPrev[e.PreviousHash]; dup {
			return &ChainReport{Entries: len(entries), BrokenAt: e.ID, Reason: "fork"}, nil
		}
		byPrev[e.PreviousHash] = e
	}

	report := &ChainReport{Valid: true, Entries: len(entries), HeadHash: genesisHash}
	cur := genesisHash
	for walked := 0; walked < len(entries); walked++ {
		e, ok := byPrev[cur]
		if !ok {
			return &ChainReport{Entries: len(entries), BrokenAt: cur, Reason: "missing link"}, nil
		}
		if e.GenerateHash() != e.Hash {
			return &ChainReport{Entries: len(entries), BrokenAt: e.ID, Reason: "hash mismatch"}, nil
		}
		cur = e.Hash
	}
	report.HeadHash = cur

	return report, nil
}

type ReconcileResult struct {
	UserID   string `json:"user_id"`
	Cached   int64  `json:"cached"`
	Computed int64  `json:"computed"`
	Drift    int64  `json:"drift"`
}

// Reconcile compares the cached balance with the recomputed one and corrects
// the cache when they differ.
func (s *Service) Reconcile(ctx context.Context, userID string) (*ReconcileResult, error) {
	var out *ReconcileResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}

		computed, err := s.sumBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		out = &ReconcileResult{UserID: userID, Cached: wallet.CachedBalance, Computed: computed, Drift: wallet.CachedBalance - computed}
		if out.Drift == 0 {
			return nil
		}

		logger.FromContext(ctx).Warn("wallet balance cache drifted",
			zap.String("user_id", userID),
			zap.Int64("cached", wallet.CachedBalance),
			zap.Int64("computed", computed),
		)
		return s.wallet.WithTrx(tx).UpdateWhere(ctx, &Wallet{UserID: userID}, map[string]any{
			"cached_balance": computed,
			"updated_at":     s.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PlatformFees sums the platform_fee entries of an account.
func (s *Service) PlatformFees(ctx context.Context, platformUserID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&WalletTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND type = ?", platformUserID, string(TypePlatformFee)).
		Scan(&total).Error
	return total, err
}
