package logger

import (
	"go.uber.org/zap"
)

// New builds the process logger. Production-like environments get JSON
// output, everything else gets the console development encoder.
func New(env string) (*zap.Logger, error) {
	switch env {
	case "prod", "production":
		return zap.NewProduction()
	default:
		cfg := zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
		return cfg.Build()
	}
}
