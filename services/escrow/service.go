package escrow

import (
	"context"
	"errors"
	"time"

	"bountypay/pkg/db/option"
	"bountypay/pkg/db/pagination"
	"bountypay/pkg/errutil"
	"bountypay/pkg/logger"
	"bountypay/pkg/rediskey"
	"bountypay/pkg/repository"
	"bountypay/pkg/sequence"
	"bountypay/services/ledger"
	"bountypay/services/outbox"

	"github.com/bsm/redislock"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lockTTL = 10 * time.Second

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   *ledger.Service
	outbox   *outbox.Writer
	events   *outbox.Store
	codes    sequence.Generator
	locker   *redislock.Client
	bounties repository.Repository[Bounty]
	now      func() time.Time
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Ledger *ledger.Service
	Outbox *outbox.Writer
	Events *outbox.Store
	Codes  sequence.Generator `optional:"true"`
	Locker *redislock.Client  `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		ledger:   p.Ledger,
		outbox:   p.Outbox,
		events:   p.Events,
		codes:    p.Codes,
		locker:   p.Locker,
		bounties: repository.ProvideStore[Bounty](p.DB),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// withLock serialises transitions of one bounty across replicas when Redis is
// available. The row lock taken inside fn stays the source of truth, so a lock
// failure only costs contention.
func (s *Service) withLock(ctx context.Context, bountyID string, fn func() error) error {
	if s.locker == nil {
		return fn()
	}

	lock, err := s.locker.Obtain(ctx, rediskey.BuildBountyLockKey(bountyID), lockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
	})
	if err != nil {
		logger.FromContext(ctx).Warn("bounty lock unavailable, relying on row lock",
			zap.String("bounty_id", bountyID), zap.Error(err))
		return fn()
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			logger.FromContext(ctx).Warn("failed to release bounty lock", zap.String("bounty_id", bountyID), zap.Error(err))
		}
	}()
	return fn()
}

func (s *Service) lockBounty(ctx context.Context, tx *gorm.DB, bountyID string) (*Bounty, error) {
	b, err := s.bounties.WithTrx(tx).FindOne(ctx, &Bounty{ID: bountyID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errutil.NotFound("bounty not found", ErrBountyNotFound)
	}
	return b, nil
}

func (s *Service) update(ctx context.Context, tx *gorm.DB, b *Bounty, values map[string]any) error {
	values["updated_at"] = s.now()
	return s.bounties.WithTrx(tx).UpdateWhere(ctx, &Bounty{ID: b.ID}, values)
}

type PostParams struct {
	PosterID string `json:"poster_id" binding:"required"`
	Amount   int64  `json:"amount" binding:"required,gt=0"`
}

// Post debits the poster and opens the bounty in one transaction.
func (s *Service) Post(ctx context.Context, p PostParams) (*Bounty, error) {
	if p.PosterID == "" {
		return nil, errutil.BadRequest("poster_id is required", nil)
	}
	if p.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be positive", ledger.ErrInvalidAmount)
	}

	id := s.node.Generate().String()
	code := "BNT-" + id
	if s.codes != nil {
		c, err := s.codes.NextBountyCode(ctx)
		if err != nil {
			logger.FromContext(ctx).Warn("bounty code generator unavailable", zap.Error(err))
		} else {
			code = c
		}
	}

	b := &Bounty{
		ID:       id,
		Code:     code,
		PosterID: p.PosterID,
		Amount:   p.Amount,
		Status:   StatusOpen,
	}

	log := logger.FromContext(ctx).With(zap.String("bounty_id", id), zap.String("poster_id", p.PosterID))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.RecordTransactionTx(ctx, tx, ledger.RecordParams{
			UserID:      p.PosterID,
			Type:        ledger.TypeBountyPosted,
			Amount:      p.Amount,
			BountyID:    id,
			Description: "bounty " + code + " posted",
		}); err != nil {
			return err
		}
		return s.bounties.WithTrx(tx).Create(ctx, b)
	})
	if err != nil {
		log.Warn("failed to post bounty", zap.Error(err))
		return nil, err
	}

	log.Info("bounty posted", zap.Int64("amount", p.Amount), zap.String("code", code))
	return b, nil
}

// Accept assigns the hunter, escrows the amount and enqueues the gateway hold.
// A replay by the same hunter returns the bounty unchanged.
func (s *Service) Accept(ctx context.Context, bountyID, hunterID string) (*Bounty, error) {
	if hunterID == "" {
		return nil, errutil.BadRequest("hunter_id is required", nil)
	}

	log := logger.FromContext(ctx).With(zap.String("bounty_id", bountyID), zap.String("hunter_id", hunterID))

	var out *Bounty
	err := s.withLock(ctx, bountyID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			b, err := s.lockBounty(ctx, tx, bountyID)
			if err != nil {
				return err
			}

			if b.PosterID == hunterID {
				return errutil.BadRequest("poster cannot accept own bounty", ErrInvalidTransition)
			}
			if b.Status == StatusInProgress && b.hunter() == hunterID {
				log.Info("accept replayed", zap.Int("round", b.EscrowRound))
				out = b
				return nil
			}
			if b.Status != StatusOpen {
				return errutil.Conflict("bounty cannot be accepted in status "+string(b.Status), ErrInvalidTransition)
			}

			_, err = s.ledger.RecordTransactionTx(ctx, tx, ledger.RecordParams{
				UserID:      b.PosterID,
				Type:        ledger.TypeEscrow,
				Amount:      b.Amount,
				BountyID:    b.ID,
				Round:       b.EscrowRound,
				Description: "escrow for bounty " + b.Code,
			})
			if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
				return err
			}

			if err := s.update(ctx, tx, b, map[string]any{
				"status":    StatusInProgress,
				"hunter_id": hunterID,
			}); err != nil {
				return err
			}
			b.Status = StatusInProgress
			b.HunterID = &hunterID

			if _, err := s.outbox.Enqueue(ctx, tx, outbox.EscrowHold{
				BountyID: b.ID,
				PosterID: b.PosterID,
				Amount:   b.Amount,
				Round:    b.EscrowRound,
			}); err != nil {
				return err
			}

			out = b
			return nil
		})
	})
	if err != nil {
		log.Warn("failed to accept bounty", zap.Error(err))
		return nil, err
	}

	log.Info("bounty accepted", zap.String("status", string(out.Status)))
	return out, nil
}

// Complete requests the release of the held funds to the hunter. The bounty
// becomes completed when the relay lands the release.
func (s *Service) Complete(ctx context.Context, bountyID string) (*Bounty, error) {
	log := logger.FromContext(ctx).With(zap.String("bounty_id", bountyID))

	var out *Bounty
	err := s.withLock(ctx, bountyID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			b, err := s.lockBounty(ctx, tx, bountyID)
			if err != nil {
				return err
			}

			switch {
			case b.Status.Terminal():
				return errutil.Conflict("bounty is already "+string(b.Status), ErrAlreadySettled)
			case b.Settlement == SettlementRelease:
				out = b
				return nil
			case b.Settlement == SettlementRefund:
				return errutil.Conflict("bounty refund is in progress", ErrSettlementInProgress)
			case b.Status != StatusInProgress:
				return errutil.Conflict("bounty cannot be completed in status "+string(b.Status), ErrInvalidTransition)
			case b.PaymentHoldReference == nil:
				return errutil.Conflict("payment hold is not ready yet", ErrHoldNotReady)
			}

			if _, err := s.outbox.Enqueue(ctx, tx, outbox.CompletionRelease{
				BountyID:      b.ID,
				HunterID:      b.hunter(),
				Amount:        b.Amount,
				HoldReference: b.holdReference(),
				Round:         b.EscrowRound,
			}); err != nil {
				return err
			}

			if err := s.update(ctx, tx, b, map[string]any{"settlement": SettlementRelease}); err != nil {
				return err
			}
			b.Settlement = SettlementRelease
			out = b
			return nil
		})
	})
	if err != nil {
		log.Warn("failed to complete bounty", zap.Error(err))
		return nil, err
	}

	log.Info("bounty completion requested")
	return out, nil
}

// Cancel refunds the poster. Without a gateway hold the refund is immediate;
// with one it is requested from the relay.
func (s *Service) Cancel(ctx context.Context, bountyID string) (*Bounty, error) {
	log := logger.FromContext(ctx).With(zap.String("bounty_id", bountyID))

	var out *Bounty
	err := s.withLock(ctx, bountyID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			b, err := s.lockBounty(ctx, tx, bountyID)
			if err != nil {
				return err
			}

			switch {
			case b.Status.Terminal():
				return errutil.Conflict("bounty is already "+string(b.Status), ErrAlreadySettled)
			case b.Settlement == SettlementRefund:
				out = b
				return nil
			case b.Settlement == SettlementRelease:
				return errutil.Conflict("bounty release is in progress", ErrSettlementInProgress)
			}

			if b.PaymentHoldReference == nil {
				if err := s.refundLocked(ctx, tx, b, b.EscrowRound); err != nil {
					return err
				}
				if err := s.update(ctx, tx, b, map[string]any{"status": StatusCancelled}); err != nil {
					return err
				}
				b.Status = StatusCancelled
				out = b
				return nil
			}

			if _, err := s.outbox.Enqueue(ctx, tx, outbox.BountyRefunded{
				BountyID:      b.ID,
				PosterID:      b.PosterID,
				HoldReference: b.holdReference(),
				Round:         b.EscrowRound,
			}); err != nil {
				return err
			}
			if err := s.update(ctx, tx, b, map[string]any{"settlement": SettlementRefund}); err != nil {
				return err
			}
			b.Settlement = SettlementRefund
			out = b
			return nil
		})
	})
	if err != nil {
		log.Warn("failed to cancel bounty", zap.Error(err))
		return nil, err
	}

	log.Info("bounty cancel requested", zap.String("status", string(out.Status)))
	return out, nil
}

// refundLocked returns to the poster whatever is still debited for b. The
// refund is recorded at most once per round.
func (s *Service) refundLocked(ctx context.Context, tx *gorm.DB, b *Bounty, round int) error {
	net, err := s.ledger.NetDebited(ctx, tx, b.PosterID, b.ID)
	if err != nil {
		return err
	}
	if net <= 0 {
		return nil
	}

	_, err = s.ledger.RecordTransactionTx(ctx, tx, ledger.RecordParams{
		UserID:      b.PosterID,
		Type:        ledger.TypeRefund,
		Amount:      net,
		BountyID:    b.ID,
		Round:       round,
		Description: "refund for bounty " + b.Code,
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		return nil
	}
	return err
}

func (s *Service) Get(ctx context.Context, bountyID string) (*Bounty, error) {
	b, err := s.bounties.FindOne(ctx, &Bounty{ID: bountyID})
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errutil.NotFound("bounty not found", ErrBountyNotFound)
	}
	return b, nil
}

type ListParams struct {
	PosterID string `form:"poster_id"`
	HunterID string `form:"hunter_id"`
	Status   Status `form:"status"`
	pagination.Pagination
}

func (s *Service) List(ctx context.Context, p ListParams) ([]*Bounty, *pagination.PageInfo, error) {
	if p.Limit <= 0 {
		p.Limit = 20
	}

	query := &Bounty{PosterID: p.PosterID, Status: p.Status}
	if p.HunterID != "" {
		query.HunterID = &p.HunterID
	}

	bounties, err := s.bounties.Find(ctx, query, option.ApplyPagination(p.Pagination))
	if err != nil {
		return nil, nil, err
	}
	bounties, info := pagination.Page(bounties, p.Limit, func(b *Bounty) string { return b.ID })
	return bounties, info, nil
}

// RetryRefund re-drives a refund whose outbox event ended failed. The new
// event is deduplicated per original event.
func (s *Service) RetryRefund(ctx context.Context, eventID string) (*outbox.Event, error) {
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != outbox.StatusFailed {
		return nil, errutil.Conflict("only failed events can be retried", ErrNotRefundable)
	}

	payload, err := outbox.Decode(ev)
	if err != nil {
		return nil, errutil.UnprocessableEntity("outbox payload is unreadable", err)
	}

	var retry outbox.RefundRetry
	switch p := payload.(type) {
	case outbox.BountyRefunded:
		retry = outbox.RefundRetry{BountyID: p.BountyID, PosterID: p.PosterID, HoldReference: p.HoldReference, Round: p.Round}
	case outbox.RefundRetry:
		retry = p
	default:
		return nil, errutil.Conflict("event "+string(ev.Type)+" is not a refund", ErrNotRefundable)
	}
	retry.OriginalEventID = ev.ID

	log := logger.FromContext(ctx).With(zap.String("event_id", eventID), zap.String("bounty_id", retry.BountyID))

	var out *outbox.Event
	err = s.withLock(ctx, retry.BountyID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			b, err := s.lockBounty(ctx, tx, retry.BountyID)
			if err != nil {
				return err
			}
			if b.Status.Terminal() {
				return errutil.Conflict("bounty is already "+string(b.Status), ErrAlreadySettled)
			}

			out, err = s.outbox.Enqueue(ctx, tx, retry)
			return err
		})
	})
	if err != nil {
		log.Warn("failed to retry refund", zap.Error(err))
		return nil, err
	}

	log.Info("refund retry enqueued", zap.String("retry_event_id", out.ID))
	return out, nil
}
