// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"mm_backtest/internal/strategy"
)

// Config represents the complete configuration structure
type Config struct {
	Run        RunConfig                 `yaml:"run"`
	Log        LogConfig                 `yaml:"log"`
	Telemetry  TelemetryConfig           `yaml:"telemetry"`
	Live       LiveConfig                `yaml:"live"`
	Alerts     AlertsConfig              `yaml:"alerts"`
	Securities map[string]SecurityConfig `yaml:"securities"`
}

// RunConfig contains replay-level settings shared by all securities
type RunConfig struct {
	DataDir             string `yaml:"data_dir"`
	OutputDir           string `yaml:"output_dir"`
	ResultsDB           string `yaml:"results_db"` // empty disables the SQLite store
	Strategy            string `yaml:"strategy"`
	ChunkSize           int    `yaml:"chunk_size"`
	SnapshotIntervalSec int    `yaml:"snapshot_interval_sec"` // <= 0 disables snapshots
	FlattenAtEnd        bool   `yaml:"flatten_at_end"`
	MaxWorkers          int    `yaml:"max_workers"` // <= 0 means one worker per CPU
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
}

// LiveConfig contains live progress streaming settings
type LiveConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AlertsConfig contains batch notification settings. Channels with empty
// credentials are simply not registered.
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// Configured reports whether at least one alert channel is usable.
func (a AlertsConfig) Configured() bool {
	return a.SlackWebhookURL != "" || (a.TelegramBotToken != "" && a.TelegramChatID != "")
}

// SecurityConfig contains the per-security quoting parameters
type SecurityConfig struct {
	QuoteSize                   int64   `yaml:"quote_size"`
	QuoteSizeBid                int64   `yaml:"quote_size_bid"` // optional per-side override
	QuoteSizeAsk                int64   `yaml:"quote_size_ask"`
	MaxPosition                 int64   `yaml:"max_position"`
	MaxNotional                 float64 `yaml:"max_notional"`
	RefillIntervalSec           int     `yaml:"refill_interval_sec"`
	MinLocalCurrencyBeforeQuote float64 `yaml:"min_local_currency_before_quote"`
	StopLossThresholdPct        float64 `yaml:"stop_loss_threshold_pct"`
}

// Strategy converts the YAML shape into the strategy parameter set.
func (sc SecurityConfig) Strategy() strategy.Config {
	return strategy.Config{
		QuoteSize:              sc.QuoteSize,
		QuoteSizeBid:           sc.QuoteSizeBid,
		QuoteSizeAsk:           sc.QuoteSizeAsk,
		MaxPosition:            sc.MaxPosition,
		MaxNotional:            decimal.NewFromFloat(sc.MaxNotional),
		RefillInterval:         time.Duration(sc.RefillIntervalSec) * time.Second,
		MinNotionalBeforeQuote: decimal.NewFromFloat(sc.MinLocalCurrencyBeforeQuote),
		StopLossThresholdPct:   decimal.NewFromFloat(sc.StopLossThresholdPct),
	}
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Variant returns the parsed strategy selector.
func (c *Config) Variant() (strategy.Variant, error) {
	return strategy.ParseVariant(c.Run.Strategy)
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	// Validate run config
	if err := c.validateRunConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate log config
	if err := c.validateLogConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate telemetry config
	if err := c.validateTelemetryConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate live config
	if err := c.validateLiveConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate alerts config
	if err := c.validateAlertsConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate securities
	if err := c.validateSecurities(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateRunConfig() error {
	if c.Run.DataDir == "" {
		return ValidationError{
			Field:   "run.data_dir",
			Message: "data directory is required",
		}
	}
	if c.Run.OutputDir == "" {
		return ValidationError{
			Field:   "run.output_dir",
			Message: "output directory is required",
		}
	}
	if _, err := strategy.ParseVariant(c.Run.Strategy); err != nil {
		return ValidationError{
			Field:   "run.strategy",
			Value:   c.Run.Strategy,
			Message: "must be one of: baseline, price_follow, stop_loss, liquidity_monitor",
		}
	}
	if c.Run.ChunkSize < 0 {
		return ValidationError{
			Field:   "run.chunk_size",
			Value:   c.Run.ChunkSize,
			Message: "must not be negative",
		}
	}
	if c.Run.MaxWorkers < 0 {
		return ValidationError{
			Field:   "run.max_workers",
			Value:   c.Run.MaxWorkers,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateLogConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.Log.Level)) {
		return ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateTelemetryConfig() error {
	if !c.Telemetry.Enabled {
		return nil // Skip validation if disabled
	}

	if c.Telemetry.MetricsPort < 1 || c.Telemetry.MetricsPort > 65535 {
		return ValidationError{
			Field:   "telemetry.metrics_port",
			Value:   c.Telemetry.MetricsPort,
			Message: "must be a valid TCP port",
		}
	}
	return nil
}

func (c *Config) validateLiveConfig() error {
	if !c.Live.Enabled {
		return nil // Skip validation if disabled
	}

	if c.Live.ListenAddr == "" {
		return ValidationError{
			Field:   "live.listen_addr",
			Message: "listen address is required when live streaming is enabled",
		}
	}
	return nil
}

func (c *Config) validateAlertsConfig() error {
	// Telegram needs both halves to deliver anything.
	if (c.Alerts.TelegramBotToken == "") != (c.Alerts.TelegramChatID == "") {
		return ValidationError{
			Field:   "alerts",
			Message: "telegram_bot_token and telegram_chat_id must be set together",
		}
	}
	return nil
}

func (c *Config) validateSecurities() error {
	if len(c.Securities) == 0 {
		return ValidationError{
			Field:   "securities",
			Message: "at least one security must be configured",
		}
	}

	variant, err := strategy.ParseVariant(c.Run.Strategy)
	if err != nil {
		// Already reported by validateRunConfig; per-security checks would
		// only repeat it.
		return nil
	}

	for name, sc := range c.Securities {
		if err := sc.Strategy().Validate(variant); err != nil {
			return ValidationError{
				Field:   fmt.Sprintf("securities.%s", name),
				Message: err.Error(),
			}
		}
	}

	return nil
}

// String returns a YAML representation of the configuration
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			DataDir:             "./data",
			OutputDir:           "./output",
			Strategy:            "price_follow",
			ChunkSize:           50000,
			SnapshotIntervalSec: 60,
			FlattenAtEnd:        true,
		},
		Log: LogConfig{
			Level: "INFO",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			MetricsPort: 9090,
		},
		Live: LiveConfig{
			Enabled:    false,
			ListenAddr: ":8081",
		},
		Securities: map[string]SecurityConfig{
			"600000.XSHG": {
				QuoteSize:                   500,
				MaxPosition:                 100000,
				MaxNotional:                 10000000,
				RefillIntervalSec:           60,
				MinLocalCurrencyBeforeQuote: 5000,
				StopLossThresholdPct:        2.0,
			},
		},
	}
}
