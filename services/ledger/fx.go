package ledger

import (
	"bountypay/pkg/config"
	"bountypay/pkg/db"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("ledger.service",
	fx.Provide(NewService),
	fx.Invoke(migrate),
)

var HTTP = fx.Module("ledger.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)

func migrate(cfg *config.Config, gdb *gorm.DB) error {
	return db.AutoMigrate(cfg, gdb, &Wallet{}, &WalletTransaction{})
}
