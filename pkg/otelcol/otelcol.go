package otelcol

import (
	"context"
	"fmt"
	"time"

	"bountypay/pkg/config"
	"bountypay/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module installs the process tracer provider as the otel global, so the
// otelgorm plugin and package tracers pick it up.
var Module = fx.Module("otelcol",
	fx.Provide(NewTracerProvider),
	fx.Invoke(otel.SetTracerProvider),
)

func NewTracerProvider(lc fx.Lifecycle, cfg *config.Config) (trace.TracerProvider, error) {
	if !cfg.Otel.Enable {
		return noop.NewTracerProvider(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Otel.Exporter {
	case "", "http":
		exporter, err = exporters.NewHTTP(ctx, cfg)
	case "grpc":
		exporter, err = exporters.NewGRPC(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown otel exporter %q", cfg.Otel.Exporter)
	}
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		return nil, err
	}

	tp := ProvideTrace(exporter,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Otel.SampleRatio))),
	)

	zap.L().Info("[Otel] tracing enabled",
		zap.String("exporter", cfg.Otel.Exporter),
		zap.String("endpoint", cfg.Otel.Endpoint),
	)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	return tp, nil
}

func ProvideTrace(exporter sdktrace.SpanExporter, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	if len(opts) == 0 {
		opts = []sdktrace.TracerProviderOption{sdktrace.WithResource(resource.Default())}
	}

	opts = append(opts, sdktrace.WithBatcher(exporter))

	return sdktrace.NewTracerProvider(opts...)
}
