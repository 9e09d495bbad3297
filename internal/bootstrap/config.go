package bootstrap

import (
	"fmt"
	"os"

	"mm_backtest/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
// Missing per-security tick files are not checked here: the runner isolates
// those as per-security failures instead of refusing the whole batch.
func checkPreFlight(cfg *Config) error {
	info, err := os.Stat(cfg.Run.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("data_dir not found: %s", cfg.Run.DataDir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("data_dir is not a directory: %s", cfg.Run.DataDir)
	}

	return nil
}
