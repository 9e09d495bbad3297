package bootstrap

import (
	"mm_backtest/internal/core"
	"mm_backtest/pkg/logging"
)

// InitLogger builds the process logger from configuration and installs it as
// the global logger.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
