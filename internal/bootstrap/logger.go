package bootstrap

import (
	"jet_trader/internal/core"
	"jet_trader/pkg/logging"
)

// InitLogger builds the engine's root logger from configuration.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}
	return logger.WithField("service", "jet_trader"), nil
}
