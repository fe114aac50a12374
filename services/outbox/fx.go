package outbox

import (
	"context"

	"bountypay/pkg/config"
	"bountypay/pkg/db"
	"bountypay/pkg/health"
	"bountypay/pkg/taskname"
	"bountypay/services/idempotency"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module provides the writer and the read store; both binaries need them.
var Module = fx.Module("outbox",
	fx.Provide(NewWriter, NewStore, health.AsChecker(NewLagChecker)),
	fx.Invoke(migrate),
)

var HTTP = fx.Module("outbox.http",
	fx.Provide(NewOpsHandler),
	fx.Invoke(func(r *gin.Engine, h *OpsHandler) { h.Register(r) }),
)

// Relayer runs the poll loop for the process lifetime. It needs a Handler
// and the asynq client in the graph.
var Relayer = fx.Module("outbox.relay",
	fx.Provide(
		fx.Annotate(NewTaskAlerter, fx.As(new(Alerter))),
		NewRelayFromConfig,
	),
	fx.Invoke(startRelay, registerAlertHandler),
)

type RelayParams struct {
	fx.In
	Config  *config.Config
	DB      *gorm.DB
	Handler Handler
	Alerter Alerter
	Guard   *idempotency.Guard `optional:"true"`
}

func NewRelayFromConfig(p RelayParams) *Relay {
	var purger Purger
	if p.Guard != nil {
		purger = p.Guard
	}
	return NewRelay(p.DB, p.Handler, p.Alerter, purger, Options{
		PollInterval:  p.Config.Relay.PollInterval,
		BatchSize:     p.Config.Relay.BatchSize,
		Workers:       p.Config.Relay.Workers,
		MaxRetries:    p.Config.Relay.MaxRetries,
		LockTimeout:   p.Config.Relay.LockTimeout,
		PurgeInterval: p.Config.Relay.PurgeInterval,
	})
}

func startRelay(lc fx.Lifecycle, r *Relay) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			r.Start(ctx)
			return nil
		},
		OnStop: r.Stop,
	})
}

func registerAlertHandler(mux *asynq.ServeMux) {
	mux.Handle(taskname.OutboxEventFailed, AlertHandler{})
}

func migrate(cfg *config.Config, gdb *gorm.DB) error {
	return db.AutoMigrate(cfg, gdb, &Event{})
}
