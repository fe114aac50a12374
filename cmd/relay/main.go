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
	"bountypay/pkg/task"
	"bountypay/services/escrow"
	"bountypay/services/gateway"
	"bountypay/services/idempotency"
	"bountypay/services/ledger"
	"bountypay/services/outbox"
)

// The relay serves only health and metrics over HTTP, on RELAY.METRICS_ADDR.
func main() {
	opts := []fx.Option{
		config.Module,
		fx.Decorate(metricsListener),
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		gen.Module,
		task.Client,
		task.Server,
		idempotency.Module,
		ledger.Module,
		outbox.Module,
		escrow.Module,
		gateway.Module,
		escrow.RelayHandlers,
		outbox.Relayer,
		httpapi.Module,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

func metricsListener(cfg *config.Config) *config.Config {
	out := *cfg
	out.Server.Addr = cfg.Relay.MetricsAddr
	return &out
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
