package escrow

import (
	"context"
	"errors"
	"time"

	"bountypay/pkg/config"
	"bountypay/pkg/logger"
	"bountypay/services/gateway"
	"bountypay/services/idempotency"
	"bountypay/services/ledger"
	"bountypay/services/outbox"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Fee is amount × rate rounded half away from zero.
func Fee(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// Handlers settles outbox events against the payment gateway. Gateway calls
// run outside database transactions and behind the idempotency guard; the
// ledger and bounty updates that follow are one transaction each.
type Handlers struct {
	svc            *Service
	gateway        gateway.Client
	guard          *idempotency.Guard
	feeRate        decimal.Decimal
	platformUserID string
	timeout        time.Duration
}

type HandlersParams struct {
	fx.In
	Config  *config.Config
	Service *Service
	Gateway gateway.Client
	Guard   *idempotency.Guard
}

func NewHandlers(p HandlersParams) (*Handlers, error) {
	rate, err := decimal.NewFromString(p.Config.Escrow.FeeRate)
	if err != nil {
		return nil, err
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, errors.New("escrow fee rate must be in [0, 1)")
	}
	return &Handlers{
		svc:            p.Service,
		gateway:        p.Gateway,
		guard:          p.Guard,
		feeRate:        rate,
		platformUserID: p.Config.Escrow.PlatformUserID,
		timeout:        p.Config.Gateway.Timeout,
	}, nil
}

var _ outbox.Handler = (*Handlers)(nil)

// gatewayContext bounds one gateway call by GATEWAY.TIMEOUT whatever the
// client implementation. An expired deadline is a transient failure.
func (h *Handlers) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

func (h *Handlers) HandleEscrowHold(ctx context.Context, ev *outbox.Event, p outbox.EscrowHold) error {
	log := logger.FromContext(ctx).With(zap.String("event_id", ev.ID), zap.String("bounty_id", p.BountyID), zap.Int("round", p.Round))

	b, err := h.svc.Get(ctx, p.BountyID)
	if err != nil {
		return permanentIfMissing(err)
	}

	key := idempotency.EscrowKey(p.BountyID, p.PosterID, p.Round)
	createHold := func(ctx context.Context) (string, error) {
		return idempotency.WithIdempotency(ctx, h.guard, key, func(ctx context.Context) (string, error) {
			ctx, cancel := h.gatewayContext(ctx)
			defer cancel()
			return h.gateway.CreateHold(ctx, p.Amount, key)
		})
	}

	if b.Status != StatusInProgress || b.EscrowRound != p.Round {
		// An earlier attempt may have placed a hold whose response was lost.
		// Replaying the key surfaces it so it can be voided.
		if b.Status == StatusCancelled && b.EscrowRound == p.Round && ev.RetryCount > 0 {
			holdRef, err := createHold(ctx)
			if err != nil {
				return err
			}
			log.Warn("voiding hold of a cancelled bounty", zap.String("hold_reference", holdRef))
			return h.svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return h.voidHold(ctx, tx, b, holdRef, p.Round)
			})
		}
		log.Info("escrow hold no longer needed", zap.String("status", string(b.Status)), zap.Int("current_round", b.EscrowRound))
		return nil
	}
	if b.PaymentHoldReference != nil {
		return nil
	}

	holdRef, err := createHold(ctx)
	if gateway.IsRejected(err) {
		log.Warn("escrow hold rejected, compensating", zap.Error(err))
		if cerr := h.compensateHold(ctx, p); cerr != nil {
			return cerr
		}
		return outbox.Compensated(err)
	}
	if err != nil {
		return err
	}

	return h.svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := h.svc.lockBounty(ctx, tx, p.BountyID)
		if err != nil {
			return err
		}

		if b.Status == StatusInProgress && b.EscrowRound == p.Round && b.Settlement == SettlementNone {
			if err := h.svc.update(ctx, tx, b, map[string]any{"payment_hold_reference": holdRef}); err != nil {
				return err
			}
			log.Info("payment hold attached", zap.String("hold_reference", holdRef))
			return nil
		}

		log.Warn("payment hold landed on a bounty that moved on, voiding",
			zap.String("status", string(b.Status)), zap.String("hold_reference", holdRef))
		return h.voidHold(ctx, tx, b, holdRef, p.Round)
	})
}

// voidHold asks the relay to release a hold nothing will capture.
func (h *Handlers) voidHold(ctx context.Context, tx *gorm.DB, b *Bounty, holdRef string, round int) error {
	_, err := h.svc.outbox.Enqueue(ctx, tx, outbox.BountyRefunded{
		BountyID:      b.ID,
		PosterID:      b.PosterID,
		HoldReference: holdRef,
		Round:         round,
	})
	return err
}

// compensateHold undoes an accepted escrow whose hold was refused: the escrow
// amount goes back to the poster and the bounty reopens in a new round.
func (h *Handlers) compensateHold(ctx context.Context, p outbox.EscrowHold) error {
	return h.svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := h.svc.lockBounty(ctx, tx, p.BountyID)
		if err != nil {
			return err
		}
		if b.Status != StatusInProgress || b.EscrowRound != p.Round {
			return nil
		}

		_, err = h.svc.ledger.RecordTransactionTx(ctx, tx, ledger.RecordParams{
			UserID:      p.PosterID,
			Type:        ledger.TypeRefund,
			Amount:      p.Amount,
			BountyID:    p.BountyID,
			Round:       p.Round,
			Description: "escrow returned after rejected hold",
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
			return err
		}

		return h.svc.update(ctx, tx, b, map[string]any{
			"status":       StatusOpen,
			"hunter_id":    nil,
			"escrow_round": b.EscrowRound + 1,
		})
	})
}

func (h *Handlers) HandleCompletionRelease(ctx context.Context, ev *outbox.Event, p outbox.CompletionRelease) error {
	log := logger.FromContext(ctx).With(zap.String("event_id", ev.ID), zap.String("bounty_id", p.BountyID))

	b, err := h.svc.Get(ctx, p.BountyID)
	if err != nil {
		return permanentIfMissing(err)
	}
	if b.Status == StatusCompleted {
		return nil
	}

	fee := Fee(p.Amount, h.feeRate)
	payout := p.Amount - fee

	key := idempotency.ReleaseKey(p.BountyID, p.HunterID)
	transferRef, err := idempotency.WithIdempotency(ctx, h.guard, key, func(ctx context.Context) (string, error) {
		ctx, cancel := h.gatewayContext(ctx)
		defer cancel()
		return h.gateway.CaptureAndTransfer(ctx, p.HoldReference, p.HunterID, payout, fee, key)
	})
	if err != nil {
		return err
	}

	err = h.svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := h.svc.lockBounty(ctx, tx, p.BountyID)
		if err != nil {
			return err
		}

		_, err = h.svc.ledger.RecordTransactionTx(ctx, tx, ledger.RecordParams{
			UserID:      p.HunterID,
			Type:        ledger.TypeRelease,
			Amount:      payout,
			BountyID:    p.BountyID,
			ExternalRef: transferRef,
			Round:       p.Round,
			Description: "payout for bounty " + b.Code,
		})
		switch {
		case errors.Is(err, ledger.ErrDuplicateTransaction):
			// Fee, release and surplus are written together; nothing left to record.
		case err != nil:
			return err
		default:
			if fee > 0 {
				if _, err := h.svc.ledger.RecordTransactionTx(ctx, tx, ledger.RecordParams{
					UserID:      h.platformUserID,
					Type:        ledger.TypePlatformFee,
					Amount:      fee,
					BountyID:    p.BountyID,
					ExternalRef: transferRef,
					Description: "platform fee for bounty " + b.Code,
				}); err != nil {
					return err
				}
			}
			if err := h.returnSurplus(ctx, tx, b, p); err != nil {
				return err
			}
		}

		return h.svc.update(ctx, tx, b, map[string]any{
			"status":     StatusCompleted,
			"settlement": SettlementNone,
		})
	})
	if err != nil {
		return err
	}

	log.Info("bounty released", zap.Int64("payout", payout), zap.Int64("fee", fee), zap.String("transfer_reference", transferRef))
	return nil
}

// returnSurplus refunds the poster whatever is debited for the bounty beyond
// the released amount. Posting and escrow both debit the poster, so a settled
// bounty would otherwise cost twice its amount.
func (h *Handlers) returnSurplus(ctx context.Context, tx *gorm.DB, b *Bounty, p outbox.CompletionRelease) error {
	net, err := h.svc.ledger.NetDebited(ctx, tx, b.PosterID, b.ID)
	if err != nil {
		return err
	}
	surplus := net - p.Amount
	if surplus <= 0 {
		return nil
	}

	_, err = h.svc.ledger.RecordTransactionTx(ctx, tx, ledger.RecordParams{
		UserID:      b.PosterID,
		Type:        ledger.TypeRefund,
		Amount:      surplus,
		BountyID:    b.ID,
		Round:       p.Round,
		Description: "posting commitment returned for bounty " + b.Code,
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		return nil
	}
	return err
}

func (h *Handlers) HandleBountyRefunded(ctx context.Context, ev *outbox.Event, p outbox.BountyRefunded) error {
	return h.refund(ctx, ev, p.BountyID, p.PosterID, p.HoldReference, p.Round)
}

func (h *Handlers) HandleRefundRetry(ctx context.Context, ev *outbox.Event, p outbox.RefundRetry) error {
	return h.refund(ctx, ev, p.BountyID, p.PosterID, p.HoldReference, p.Round)
}

func (h *Handlers) refund(ctx context.Context, ev *outbox.Event, bountyID, posterID, holdRef string, round int) error {
	log := logger.FromContext(ctx).With(zap.String("event_id", ev.ID), zap.String("bounty_id", bountyID))

	if _, err := h.svc.Get(ctx, bountyID); err != nil {
		return permanentIfMissing(err)
	}

	key := idempotency.RefundKey(bountyID, posterID, round)
	refundRef, err := idempotency.WithIdempotency(ctx, h.guard, key, func(ctx context.Context) (string, error) {
		ctx, cancel := h.gatewayContext(ctx)
		defer cancel()
		return h.gateway.Refund(ctx, holdRef, key)
	})
	if err != nil {
		return err
	}

	err = h.svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := h.svc.lockBounty(ctx, tx, bountyID)
		if err != nil {
			return err
		}
		if b.EscrowRound != round || b.Status == StatusCompleted {
			// Only a stray hold of an earlier round was voided.
			log.Warn("refund does not settle the current round", zap.Int("round", round), zap.Int("current_round", b.EscrowRound))
			return nil
		}
		if err := h.svc.refundLocked(ctx, tx, b, round); err != nil {
			return err
		}
		return h.svc.update(ctx, tx, b, map[string]any{
			"status":     StatusCancelled,
			"settlement": SettlementNone,
		})
	})
	if err != nil {
		return err
	}

	log.Info("bounty refunded", zap.String("refund_reference", refundRef))
	return nil
}

func permanentIfMissing(err error) error {
	if errors.Is(err, ErrBountyNotFound) {
		return outbox.Permanent(err)
	}
	return err
}
