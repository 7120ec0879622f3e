package bootstrap

import (
	"exit_tracker/internal/core"
	"exit_tracker/pkg/logging"
)

// InitLogger builds the root logger from the system section
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.New(logging.Options{
		Level:      cfg.System.LogLevel,
		Format:     cfg.System.LogFormat,
		OTelBridge: cfg.Telemetry.EnableMetrics,
	})
	if err != nil {
		return nil, err
	}
	return logger.WithField("app", cfg.App.Name), nil
}
