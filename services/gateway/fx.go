package gateway

import (
	"bountypay/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gateway",
	fx.Provide(New),
)

// New returns the in-memory sandbox when GATEWAY.SANDBOX is set, the HTTP
// client otherwise.
func New(cfg *config.Config) Client {
	if cfg.Gateway.Sandbox {
		zap.L().Warn("[Gateway] using in-memory sandbox")
		return NewSandbox()
	}

	zap.L().Info("[Gateway] http client configured",
		zap.String("base_url", cfg.Gateway.BaseURL),
		zap.Duration("timeout", cfg.Gateway.Timeout),
	)
	return NewHTTPClient(HTTPOptions{
		BaseURL: cfg.Gateway.BaseURL,
		APIKey:  cfg.Gateway.APIKey,
		Timeout: cfg.Gateway.Timeout,
	})
}
