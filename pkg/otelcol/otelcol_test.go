package otelcol

import (
	"testing"

	"bountypay/pkg/config"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/fx/fxtest"
)

func TestNewTracerProviderDisabled(t *testing.T) {
	cfg := &config.Config{}

	tp, err := NewTracerProvider(fxtest.NewLifecycle(t), cfg)
	require.NoError(t, err)
	require.IsType(t, noop.TracerProvider{}, tp)
}

func TestNewTracerProviderUnknownExporter(t *testing.T) {
	cfg := &config.Config{}
	cfg.Otel.Enable = true
	cfg.Otel.Exporter = "zipkin"

	_, err := NewTracerProvider(fxtest.NewLifecycle(t), cfg)
	require.ErrorContains(t, err, "unknown otel exporter")
}

func TestNewTracerProviderHTTP(t *testing.T) {
	cfg := &config.Config{AppName: "bountypay-test"}
	cfg.Otel.Enable = true
	cfg.Otel.Exporter = "http"
	cfg.Otel.Endpoint = "127.0.0.1:4318"
	cfg.Otel.Insecure = true
	cfg.Otel.SampleRatio = 1

	lc := fxtest.NewLifecycle(t)
	tp, err := NewTracerProvider(lc, cfg)
	require.NoError(t, err)

	require.IsType(t, &sdktrace.TracerProvider{}, tp)

	lc.RequireStart().RequireStop()
}
