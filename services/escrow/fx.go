package escrow

import (
	"bountypay/pkg/config"
	"bountypay/pkg/db"
	"bountypay/services/outbox"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("escrow",
	fx.Provide(NewService),
	fx.Invoke(migrate),
)

var HTTP = fx.Module("escrow.http",
	fx.Provide(NewHTTPHandler),
	fx.Invoke(func(r *gin.Engine, h *HTTPHandler) { h.Register(r) }),
)

// RelayHandlers provides the outbox handlers the relay dispatches to.
var RelayHandlers = fx.Module("escrow.settlement",
	fx.Provide(
		NewHandlers,
		func(h *Handlers) outbox.Handler { return h },
	),
)

func migrate(cfg *config.Config, gdb *gorm.DB) error {
	return db.AutoMigrate(cfg, gdb, &Bounty{})
}
