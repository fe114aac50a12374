package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"bountypay/pkg/config"
	"bountypay/pkg/db"
	"bountypay/pkg/gen"
	"bountypay/pkg/httpapi"
	"bountypay/pkg/logger"
	"bountypay/pkg/otelcol"
	"bountypay/pkg/profiling"
	"bountypay/pkg/redis"
	"bountypay/pkg/sequence"
	"bountypay/pkg/server"
	"bountypay/services/escrow"
	"bountypay/services/idempotency"
	"bountypay/services/ledger"
	"bountypay/services/outbox"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		gen.Module,
		idempotency.Module,
		ledger.Module,
		outbox.Module,
		escrow.Module,
		httpapi.Module,
		ledger.HTTP,
		outbox.HTTP,
		escrow.HTTP,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
