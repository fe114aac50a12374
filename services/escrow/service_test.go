package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bountypay/pkg/config"
	"bountypay/services/gateway"
	"bountypay/services/idempotency"
	"bountypay/services/ledger"
	"bountypay/services/outbox"
	"bountypay/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type alertRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (a *alertRecorder) EventFailed(_ context.Context, ev *outbox.Event, _ error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, ev.ID)
	return nil
}

func (a *alertRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids)
}

type env struct {
	t      *testing.T
	db     *gorm.DB
	ledger *ledger.Service
	guard  *idempotency.Guard
	svc    *Service
	gw     *gateway.Sandbox
	relay  *outbox.Relay
	alerts *alertRecorder

	mu  sync.Mutex
	now time.Time
	t0  time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.Wallet{}, &ledger.WalletTransaction{},
		&idempotency.Record{}, &outbox.Event{}, &Bounty{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	e := &env{
		t:      t,
		db:     db,
		gw:     gateway.NewSandbox(),
		alerts: &alertRecorder{},
		t0:     time.Now().UTC().Truncate(time.Second),
	}
	e.now = e.t0

	guard := idempotency.NewGuard(idempotency.NewGormStore(db), idempotency.Options{})
	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Guard: guard})
	svc := NewService(ServiceParams{
		DB:     db,
		Node:   node,
		Ledger: ledgerSvc,
		Outbox: outbox.NewWriter(node).WithClock(e.clock),
		Events: outbox.NewStore(db),
	})
	e.guard, e.ledger, e.svc = guard, ledgerSvc, svc

	cfg := &config.Config{}
	cfg.Escrow.FeeRate = "0.05"
	cfg.Escrow.PlatformUserID = "platform"

	handlers, err := NewHandlers(HandlersParams{Config: cfg, Service: svc, Gateway: e.gw, Guard: guard})
	require.NoError(t, err)

	e.relay = outbox.NewRelay(db, handlers, e.alerts, guard, outbox.Options{
		BatchSize:   10,
		Workers:     2,
		MaxRetries:  3,
		LockTimeout: time.Minute,
	}).WithClock(e.clock)
	return e
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// runAt processes the outbox as if d had elapsed since the test started.
func (e *env) runAt(d time.Duration) int {
	e.t.Helper()
	e.mu.Lock()
	e.now = e.t0.Add(d)
	e.mu.Unlock()

	n, err := e.relay.ProcessOnce(context.Background())
	require.NoError(e.t, err)
	return n
}

func (e *env) deposit(user string, amount int64) {
	e.t.Helper()
	_, err := e.ledger.Deposit(context.Background(), ledger.DepositParams{
		UserID:      user,
		Amount:      amount,
		ExternalRef: fmt.Sprintf("ch_%s_%d", user, amount),
	})
	require.NoError(e.t, err)
}

func (e *env) balance(user string) int64 {
	e.t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), user)
	require.NoError(e.t, err)
	return b
}

func (e *env) bounty(id string) *Bounty {
	e.t.Helper()
	b, err := e.svc.Get(context.Background(), id)
	require.NoError(e.t, err)
	return b
}

func (e *env) entries(bountyID string, typ ledger.TransactionType) []*ledger.WalletTransaction {
	e.t.Helper()
	all, err := e.ledger.ListByBounty(context.Background(), bountyID)
	require.NoError(e.t, err)

	var out []*ledger.WalletTransaction
	for _, tx := range all {
		if tx.Type == typ {
			out = append(out, tx)
		}
	}
	return out
}

func (e *env) events(bountyID string, typ outbox.EventType) []*outbox.Event {
	e.t.Helper()
	var out []*outbox.Event
	require.NoError(e.t, e.db.Where("aggregate_id = ? AND type = ?", bountyID, typ).Order("id").Find(&out).Error)
	return out
}

// accepted posts a bounty and has the hunter accept it.
func (e *env) accepted(poster, hunter string, amount int64) *Bounty {
	e.t.Helper()
	ctx := context.Background()
	b, err := e.svc.Post(ctx, PostParams{PosterID: poster, Amount: amount})
	require.NoError(e.t, err)
	b, err = e.svc.Accept(ctx, b.ID, hunter)
	require.NoError(e.t, err)
	return b
}

// held is accepted plus a processed escrow hold.
func (e *env) held(poster, hunter string, amount int64) *Bounty {
	e.t.Helper()
	b := e.accepted(poster, hunter, amount)
	require.Equal(e.t, 1, e.runAt(0))
	b = e.bounty(b.ID)
	require.NotNil(e.t, b.PaymentHoldReference)
	return b
}

func TestHappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)

	// Posting debits the poster.
	b, err := e.svc.Post(ctx, PostParams{PosterID: "poster", Amount: 100})
	require.NoError(t, err)
	require.Equal(t, StatusOpen, b.Status)
	require.NotEmpty(t, b.Code)
	require.Equal(t, int64(100), e.balance("poster"))
	require.Len(t, e.entries(b.ID, ledger.TypeBountyPosted), 1)

	// Accepting escrows and enqueues the hold.
	b, err = e.svc.Accept(ctx, b.ID, "hunter")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, b.Status)
	require.Equal(t, "hunter", *b.HunterID)
	require.Zero(t, e.balance("hunter"))
	require.Zero(t, e.balance("poster"))
	require.Len(t, e.entries(b.ID, ledger.TypeEscrow), 1)
	holds := e.events(b.ID, outbox.TypeEscrowHold)
	require.Len(t, holds, 1)
	require.Equal(t, outbox.StatusPending, holds[0].Status)

	// The relay places the hold.
	require.Equal(t, 1, e.runAt(0))
	b = e.bounty(b.ID)
	require.NotNil(t, b.PaymentHoldReference)
	require.Equal(t, outbox.StatusCompleted, e.events(b.ID, outbox.TypeEscrowHold)[0].Status)

	// Completion releases the funds minus the platform fee.
	b, err = e.svc.Complete(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, b.Status)
	require.Equal(t, SettlementRelease, b.Settlement)

	require.Equal(t, 1, e.runAt(time.Second))
	b = e.bounty(b.ID)
	require.Equal(t, StatusCompleted, b.Status)
	require.Equal(t, SettlementNone, b.Settlement)

	releases := e.entries(b.ID, ledger.TypeRelease)
	require.Len(t, releases, 1)
	require.Equal(t, int64(95), releases[0].Amount)
	require.Equal(t, "hunter", releases[0].UserID)
	require.Equal(t, int64(95), e.balance("hunter"))

	fees := e.entries(b.ID, ledger.TypePlatformFee)
	require.Len(t, fees, 1)
	require.Equal(t, int64(5), fees[0].Amount)
	require.Equal(t, "platform", fees[0].UserID)

	// The poster paid exactly the bounty amount.
	require.Equal(t, int64(100), e.balance("poster"))
	surplus := e.entries(b.ID, ledger.TypeRefund)
	require.Len(t, surplus, 1)
	require.Equal(t, int64(100), surplus[0].Amount)

	total, err := e.ledger.PlatformFees(ctx, "platform")
	require.NoError(t, err)
	require.Equal(t, int64(5), total)
	require.Equal(t, int64(200), e.balance("poster")+e.balance("hunter")+total)

	hold, ok := e.gw.Hold(*b.PaymentHoldReference)
	require.True(t, ok)
	require.Equal(t, gateway.HoldCaptured, hold.State)
	require.Equal(t, int64(95), hold.Payout)
	require.Equal(t, int64(5), hold.Fee)

	_, err = e.svc.Complete(ctx, b.ID)
	require.ErrorIs(t, err, ErrAlreadySettled)
	_, err = e.svc.Cancel(ctx, b.ID)
	require.ErrorIs(t, err, ErrAlreadySettled)
}

func TestPostWithoutFundsWritesNothing(t *testing.T) {
	e := newEnv(t)
	e.deposit("poster", 50)

	_, err := e.svc.Post(context.Background(), PostParams{PosterID: "poster", Amount: 100})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var count int64
	require.NoError(t, e.db.Model(&Bounty{}).Count(&count).Error)
	require.Zero(t, count)
	require.Equal(t, int64(50), e.balance("poster"))
}

func TestAcceptWithoutFundsLeavesBountyOpen(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 100)

	b, err := e.svc.Post(ctx, PostParams{PosterID: "poster", Amount: 100})
	require.NoError(t, err)

	_, err = e.svc.Accept(ctx, b.ID, "hunter")
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Equal(t, StatusOpen, e.bounty(b.ID).Status)
	require.Empty(t, e.events(b.ID, outbox.TypeEscrowHold))
}

func TestAcceptReplayIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)

	first := e.accepted("poster", "hunter", 100)
	replay, err := e.svc.Accept(ctx, first.ID, "hunter")
	require.NoError(t, err)
	require.Equal(t, first.ID, replay.ID)
	require.Equal(t, StatusInProgress, replay.Status)

	require.Len(t, e.entries(first.ID, ledger.TypeEscrow), 1)
	require.Len(t, e.events(first.ID, outbox.TypeEscrowHold), 1)
	require.Zero(t, e.balance("poster"))
}

func TestAcceptRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 500)

	b := e.accepted("poster", "hunter", 100)

	_, err := e.svc.Accept(ctx, b.ID, "other")
	require.ErrorIs(t, err, ErrInvalidTransition)

	open, err := e.svc.Post(ctx, PostParams{PosterID: "poster", Amount: 100})
	require.NoError(t, err)
	_, err = e.svc.Accept(ctx, open.ID, "poster")
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = e.svc.Accept(ctx, "missing", "hunter")
	require.ErrorIs(t, err, ErrBountyNotFound)
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)

	b, err := e.svc.Post(ctx, PostParams{PosterID: "poster", Amount: 100})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Accept(ctx, b.ID, fmt.Sprintf("hunter-%d", i))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Len(t, e.entries(b.ID, ledger.TypeEscrow), 1)
	require.Len(t, e.events(b.ID, outbox.TypeEscrowHold), 1)
}

func TestCompleteAndCancelRaceSettlesOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)
	b := e.held("poster", "hunter", 100)

	const attempts = 5
	var (
		wg                       sync.WaitGroup
		mu                       sync.Mutex
		completes, cancels       int
		completeErrs, cancelErrs []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := e.svc.Complete(ctx, b.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				completes++
			} else {
				completeErrs = append(completeErrs, err)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := e.svc.Cancel(ctx, b.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				cancels++
			} else {
				cancelErrs = append(cancelErrs, err)
			}
		}()
	}
	wg.Wait()

	// Whichever transition locked the bounty first wins every replay; the
	// other side is told a settlement is in flight.
	losers := append(completeErrs, cancelErrs...)
	require.Len(t, losers, attempts)
	for _, err := range losers {
		require.ErrorIs(t, err, ErrSettlementInProgress)
	}
	require.True(t, completes == attempts || cancels == attempts, "completes=%d cancels=%d", completes, cancels)

	releaseEvents := e.events(b.ID, outbox.TypeCompletionRelease)
	refundEvents := e.events(b.ID, outbox.TypeBountyRefunded)
	require.Equal(t, 1, len(releaseEvents)+len(refundEvents))

	require.Equal(t, 1, e.runAt(time.Second))
	require.Zero(t, e.runAt(time.Hour))

	releases := e.entries(b.ID, ledger.TypeRelease)
	refunds := e.entries(b.ID, ledger.TypeRefund)
	require.LessOrEqual(t, len(releases), 1)
	require.Len(t, refunds, 1)

	fees, err := e.ledger.PlatformFees(ctx, "platform")
	require.NoError(t, err)
	require.Equal(t, int64(200), e.balance("poster")+e.balance("hunter")+fees)

	got := e.bounty(b.ID)
	if completes == attempts {
		require.Equal(t, StatusCompleted, got.Status)
		require.Len(t, releases, 1)
		require.Equal(t, int64(100), e.balance("poster"))
		require.Equal(t, 1, e.gw.Calls(gateway.OpCapture))
		require.Zero(t, e.gw.Calls(gateway.OpRefund))
	} else {
		require.Equal(t, StatusCancelled, got.Status)
		require.Empty(t, releases)
		require.Equal(t, int64(200), e.balance("poster"))
		require.Equal(t, 1, e.gw.Calls(gateway.OpRefund))
		require.Zero(t, e.gw.Calls(gateway.OpCapture))
	}
}

func TestHoldRetriesReuseGatewayKey(t *testing.T) {
	e := newEnv(t)
	e.deposit("poster", 200)
	b := e.accepted("poster", "hunter", 100)

	// First attempt fails outright, the second reaches the gateway but the
	// response is lost, the third replays the key.
	e.gw.FailNext(gateway.OpCreateHold, gateway.Outage(gateway.OpCreateHold))
	e.gw.LoseResponses(gateway.OpCreateHold, 1)

	require.Equal(t, 1, e.runAt(0))
	require.Zero(t, e.runAt(time.Second))
	require.Equal(t, 1, e.runAt(2*time.Second))
	require.Zero(t, e.runAt(5*time.Second))
	require.Equal(t, 1, e.runAt(6*time.Second))

	ev := e.events(b.ID, outbox.TypeEscrowHold)[0]
	require.Equal(t, outbox.StatusCompleted, ev.Status)
	require.Equal(t, 2, ev.RetryCount)
	require.Equal(t, 3, e.gw.Calls(gateway.OpCreateHold))
	require.Equal(t, 1, e.gw.Holds())
	require.NotNil(t, e.bounty(b.ID).PaymentHoldReference)
}

func TestRejectedHoldReopensBounty(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 300)
	b := e.accepted("poster", "hunter", 100)
	require.Equal(t, int64(100), e.balance("poster"))

	e.gw.FailNext(gateway.OpCreateHold, gateway.Rejection(gateway.OpCreateHold, "card_declined"))
	require.Equal(t, 1, e.runAt(0))

	ev := e.events(b.ID, outbox.TypeEscrowHold)[0]
	require.Equal(t, outbox.StatusFailed, ev.Status)
	require.Zero(t, e.alerts.count())

	b = e.bounty(b.ID)
	require.Equal(t, StatusOpen, b.Status)
	require.Nil(t, b.HunterID)
	require.Equal(t, 1, b.EscrowRound)
	require.Equal(t, int64(200), e.balance("poster"))
	require.Len(t, e.entries(b.ID, ledger.TypeRefund), 1)

	// A new hunter can take the reopened bounty.
	b, err := e.svc.Accept(ctx, b.ID, "hunter-2")
	require.NoError(t, err)
	require.Equal(t, 1, b.EscrowRound)
	require.Len(t, e.entries(b.ID, ledger.TypeEscrow), 2)
	require.Len(t, e.events(b.ID, outbox.TypeEscrowHold), 2)

	require.Equal(t, 1, e.runAt(time.Second))
	require.NotNil(t, e.bounty(b.ID).PaymentHoldReference)
	require.Equal(t, int64(100), e.balance("poster"))
}

func TestCompleteRequiresHold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)
	b := e.accepted("poster", "hunter", 100)

	_, err := e.svc.Complete(ctx, b.ID)
	require.ErrorIs(t, err, ErrHoldNotReady)

	open, err := e.svc.Post(ctx, PostParams{PosterID: "poster", Amount: 50})
	require.Error(t, err)
	require.Nil(t, open)
}

func TestCompleteIsRepeatable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)
	b := e.held("poster", "hunter", 100)

	_, err := e.svc.Complete(ctx, b.ID)
	require.NoError(t, err)
	again, err := e.svc.Complete(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, SettlementRelease, again.Settlement)
	require.Len(t, e.events(b.ID, outbox.TypeCompletionRelease), 1)

	_, err = e.svc.Cancel(ctx, b.ID)
	require.ErrorIs(t, err, ErrSettlementInProgress)
}

func TestCancelOpenBountyRefundsImmediately(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)

	b, err := e.svc.Post(ctx, PostParams{PosterID: "poster", Amount: 100})
	require.NoError(t, err)

	b, err = e.svc.Cancel(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, b.Status)
	require.Equal(t, int64(200), e.balance("poster"))
	require.Zero(t, e.gw.Calls(gateway.OpRefund))

	_, err = e.svc.Cancel(ctx, b.ID)
	require.ErrorIs(t, err, ErrAlreadySettled)
	_, err = e.svc.Accept(ctx, b.ID, "hunter")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelBeforeHoldSkipsGateway(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)
	b := e.accepted("poster", "hunter", 100)

	b, err := e.svc.Cancel(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, b.Status)
	require.Equal(t, int64(200), e.balance("poster"))

	require.Equal(t, 1, e.runAt(0))
	require.Equal(t, outbox.StatusCompleted, e.events(b.ID, outbox.TypeEscrowHold)[0].Status)
	require.Zero(t, e.gw.Calls(gateway.OpCreateHold))
	require.Equal(t, int64(200), e.balance("poster"))
}

func TestCancelWithHoldRefundsThroughGateway(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)
	b := e.held("poster", "hunter", 100)

	b, err := e.svc.Cancel(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, b.Status)
	require.Equal(t, SettlementRefund, b.Settlement)
	require.Zero(t, e.balance("poster"))

	_, err = e.svc.Complete(ctx, b.ID)
	require.ErrorIs(t, err, ErrSettlementInProgress)

	again, err := e.svc.Cancel(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, SettlementRefund, again.Settlement)
	require.Len(t, e.events(b.ID, outbox.TypeBountyRefunded), 1)

	require.Equal(t, 1, e.runAt(time.Second))
	b = e.bounty(b.ID)
	require.Equal(t, StatusCancelled, b.Status)
	require.Equal(t, int64(200), e.balance("poster"))

	hold, ok := e.gw.Hold(*b.PaymentHoldReference)
	require.True(t, ok)
	require.Equal(t, gateway.HoldRefunded, hold.State)
}

func TestRejectedRefundCanBeRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)
	b := e.held("poster", "hunter", 100)

	_, err := e.svc.Cancel(ctx, b.ID)
	require.NoError(t, err)

	e.gw.FailNext(gateway.OpRefund, gateway.Rejection(gateway.OpRefund, "processor_error"))
	require.Equal(t, 1, e.runAt(time.Second))

	failed := e.events(b.ID, outbox.TypeBountyRefunded)[0]
	require.Equal(t, outbox.StatusFailed, failed.Status)
	require.Equal(t, 1, e.alerts.count())
	require.Equal(t, StatusInProgress, e.bounty(b.ID).Status)
	require.Zero(t, e.balance("poster"))

	retry, err := e.svc.RetryRefund(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.TypeRefundRetry, retry.Type)
	require.Equal(t, "REFUND_RETRY:"+failed.ID, retry.DedupeKey)

	same, err := e.svc.RetryRefund(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, retry.ID, same.ID)

	require.Equal(t, 1, e.runAt(2*time.Second))
	require.Equal(t, StatusCancelled, e.bounty(b.ID).Status)
	require.Equal(t, int64(200), e.balance("poster"))
	require.Len(t, e.entries(b.ID, ledger.TypeRefund), 1)

	_, err = e.svc.RetryRefund(ctx, failed.ID)
	require.ErrorIs(t, err, ErrAlreadySettled)
}

func TestRetryRefundRejectsOtherEvents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)
	b := e.held("poster", "hunter", 100)

	hold := e.events(b.ID, outbox.TypeEscrowHold)[0]
	_, err := e.svc.RetryRefund(ctx, hold.ID)
	require.ErrorIs(t, err, ErrNotRefundable)

	_, err = e.svc.RetryRefund(ctx, "missing")
	require.Error(t, err)
}

func TestRejectedReleaseNeedsAttention(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)
	b := e.held("poster", "hunter", 100)

	_, err := e.svc.Complete(ctx, b.ID)
	require.NoError(t, err)

	e.gw.FailNext(gateway.OpCapture, gateway.Rejection(gateway.OpCapture, "hold_expired"))
	require.Equal(t, 1, e.runAt(time.Second))

	require.Equal(t, outbox.StatusFailed, e.events(b.ID, outbox.TypeCompletionRelease)[0].Status)
	require.Equal(t, 1, e.alerts.count())
	require.Equal(t, StatusInProgress, e.bounty(b.ID).Status)
	require.Empty(t, e.entries(b.ID, ledger.TypeRelease))
	require.Zero(t, e.balance("hunter"))
}

func TestLostHoldOfCancelledBountyIsVoided(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 200)
	b := e.accepted("poster", "hunter", 100)

	// The hold is placed at the gateway but the response is lost; the
	// poster cancels before the retry runs.
	e.gw.LoseResponses(gateway.OpCreateHold, 1)
	require.Equal(t, 1, e.runAt(0))

	_, err := e.svc.Cancel(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(200), e.balance("poster"))

	// The retry recovers the hold by key and schedules its release.
	require.Equal(t, 1, e.runAt(2*time.Second))
	require.Equal(t, outbox.StatusCompleted, e.events(b.ID, outbox.TypeEscrowHold)[0].Status)
	voids := e.events(b.ID, outbox.TypeBountyRefunded)
	require.Len(t, voids, 1)

	require.Equal(t, 1, e.runAt(3*time.Second))
	require.Equal(t, 1, e.gw.Holds())
	require.Equal(t, 1, e.gw.Calls(gateway.OpRefund))
	require.Equal(t, StatusCancelled, e.bounty(b.ID).Status)
	require.Nil(t, e.bounty(b.ID).PaymentHoldReference)
	require.Equal(t, int64(200), e.balance("poster"))
	require.Len(t, e.entries(b.ID, ledger.TypeRefund), 1)
}

func TestFee(t *testing.T) {
	rate := mustRate(t, "0.05")
	require.Equal(t, int64(5), Fee(100, rate))
	require.Equal(t, int64(1), Fee(10, rate))
	require.Equal(t, int64(1), Fee(29, rate))
	require.Equal(t, int64(2), Fee(30, rate))
	require.Zero(t, Fee(9, rate))
	require.Zero(t, Fee(100, mustRate(t, "0")))
}

func TestNewHandlersValidatesRate(t *testing.T) {
	cfg := &config.Config{}
	cfg.Escrow.FeeRate = "1.5"
	_, err := NewHandlers(HandlersParams{Config: cfg})
	require.Error(t, err)

	cfg.Escrow.FeeRate = "abc"
	_, err = NewHandlers(HandlersParams{Config: cfg})
	require.Error(t, err)
}

func TestListBounties(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 1000)

	for i := 0; i < 3; i++ {
		_, err := e.svc.Post(ctx, PostParams{PosterID: "poster", Amount: 100})
		require.NoError(t, err)
	}
	e.accepted("poster", "hunter", 100)

	all, _, err := e.svc.List(ctx, ListParams{PosterID: "poster"})
	require.NoError(t, err)
	require.Len(t, all, 4)

	open, _, err := e.svc.List(ctx, ListParams{Status: StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 3)

	mine, _, err := e.svc.List(ctx, ListParams{HunterID: "hunter"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
}

func mustRate(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestMissingBounty(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Get(context.Background(), "nope")
	require.True(t, errors.Is(err, ErrBountyNotFound))
}
