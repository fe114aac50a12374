package escrow

import (
	"context"
	"testing"
	"time"

	"bountypay/pkg/config"
	"bountypay/services/gateway"
	"bountypay/services/gateway/mock"
	"bountypay/services/ledger"
	"bountypay/services/outbox"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func mockHandlers(t *testing.T, e *env, gw gateway.Client) *Handlers {
	t.Helper()
	cfg := &config.Config{}
	cfg.Escrow.FeeRate = "0.05"
	cfg.Escrow.PlatformUserID = "platform"

	h, err := NewHandlers(HandlersParams{Config: cfg, Service: e.svc, Gateway: gw, Guard: e.guard})
	require.NoError(t, err)
	return h
}

func TestReleaseCallsGatewayOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 500)
	b := e.held("poster", "hunter", 250)

	_, err := e.svc.Complete(ctx, b.ID)
	require.NoError(t, err)
	ev := e.events(b.ID, outbox.TypeCompletionRelease)[0]
	payload, err := outbox.Decode(ev)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	gw := mock.NewMockClient(ctrl)
	gw.EXPECT().
		CaptureAndTransfer(gomock.Any(), *b.PaymentHoldReference, "hunter", int64(237), int64(13), "release:"+b.ID+":hunter").
		Return("tr_1", nil).
		Times(1)

	h := mockHandlers(t, e, gw)
	p := payload.(outbox.CompletionRelease)
	require.NoError(t, h.HandleCompletionRelease(ctx, ev, p))
	require.NoError(t, h.HandleCompletionRelease(ctx, ev, p))

	releases := e.entries(b.ID, ledger.TypeRelease)
	require.Len(t, releases, 1)
	require.Equal(t, "tr_1", *releases[0].ExternalReference)
	require.Len(t, e.entries(b.ID, ledger.TypePlatformFee), 1)
	require.Equal(t, StatusCompleted, e.bounty(b.ID).Status)
}

func TestReleaseLedgerFailureReplaysStoredTransfer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deposit("poster", 300)
	b := e.held("poster", "hunter", 100)

	_, err := e.svc.Complete(ctx, b.ID)
	require.NoError(t, err)
	ev := e.events(b.ID, outbox.TypeCompletionRelease)[0]
	payload, err := outbox.Decode(ev)
	require.NoError(t, err)
	p := payload.(outbox.CompletionRelease)

	// The transfer succeeds but the bounty row disappears before the ledger
	// write; the next attempt must not call the gateway again.
	ctrl := gomock.NewController(t)
	gw := mock.NewMockClient(ctrl)
	gw.EXPECT().
		CaptureAndTransfer(gomock.Any(), gomock.Any(), "hunter", int64(95), int64(5), gomock.Any()).
		DoAndReturn(func(context.Context, string, string, int64, int64, string) (string, error) {
			return "tr_1", e.db.Exec("UPDATE bounties SET id = ? WHERE id = ?", "moved", b.ID).Error
		}).
		Times(1)

	h := mockHandlers(t, e, gw)

	require.Error(t, h.HandleCompletionRelease(ctx, ev, p))
	require.Empty(t, e.entries(b.ID, ledger.TypeRelease))
	require.NoError(t, e.db.Exec("UPDATE bounties SET id = ? WHERE id = ?", b.ID, "moved").Error)

	require.NoError(t, h.HandleCompletionRelease(ctx, ev, p))
	require.Equal(t, StatusCompleted, e.bounty(b.ID).Status)
	require.Equal(t, int64(95), e.balance("hunter"))
}

func TestHoldTransientErrorIsRetried(t *testing.T) {
	e := newEnv(t)
	e.deposit("poster", 200)
	b := e.accepted("poster", "hunter", 100)
	ev := e.events(b.ID, outbox.TypeEscrowHold)[0]
	payload, err := outbox.Decode(ev)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	gw := mock.NewMockClient(ctrl)
	gomock.InOrder(
		gw.EXPECT().CreateHold(gomock.Any(), int64(100), "escrow:"+b.ID+":poster").Return("", gateway.Outage(gateway.OpCreateHold)),
		gw.EXPECT().CreateHold(gomock.Any(), int64(100), "escrow:"+b.ID+":poster").Return("hold_x", nil),
	)

	h := mockHandlers(t, e, gw)
	err = h.HandleEscrowHold(context.Background(), ev, payload.(outbox.EscrowHold))
	require.True(t, gateway.IsTransient(err))
	require.Nil(t, e.bounty(b.ID).PaymentHoldReference)

	require.NoError(t, h.HandleEscrowHold(context.Background(), ev, payload.(outbox.EscrowHold)))
	require.Equal(t, "hold_x", *e.bounty(b.ID).PaymentHoldReference)
}

func TestGatewayCallsAreBoundedByTimeout(t *testing.T) {
	e := newEnv(t)
	e.deposit("poster", 200)
	b := e.accepted("poster", "hunter", 100)
	ev := e.events(b.ID, outbox.TypeEscrowHold)[0]
	payload, err := outbox.Decode(ev)
	require.NoError(t, err)
	p := payload.(outbox.EscrowHold)

	cfg := &config.Config{}
	cfg.Escrow.FeeRate = "0.05"
	cfg.Escrow.PlatformUserID = "platform"
	cfg.Gateway.Timeout = 20 * time.Millisecond
	h, err := NewHandlers(HandlersParams{Config: cfg, Service: e.svc, Gateway: e.gw, Guard: e.guard})
	require.NoError(t, err)

	e.gw.SetLatency(time.Second)
	start := time.Now()
	err = h.HandleEscrowHold(context.Background(), ev, p)
	require.True(t, gateway.IsTransient(err), "got %v", err)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Nil(t, e.bounty(b.ID).PaymentHoldReference)
	require.Zero(t, e.gw.Holds())

	e.gw.SetLatency(0)
	require.NoError(t, h.HandleEscrowHold(context.Background(), ev, p))
	require.NotNil(t, e.bounty(b.ID).PaymentHoldReference)
	require.Equal(t, 1, e.gw.Holds())
}
