// Package config handles configuration management with validation
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	System      SystemConfig      `yaml:"system"`
	Engine      EngineConfig      `yaml:"engine"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Storage     StorageConfig     `yaml:"storage"`
	Feed        FeedConfig        `yaml:"feed"`
	Alert       AlertConfig       `yaml:"alert"`
	LiveServer  LiveServerConfig  `yaml:"live_server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name string `yaml:"name"`
}

// SystemConfig contains process settings
type SystemConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // console or json
}

// EngineConfig controls tracker behaviour
type EngineConfig struct {
	// BreakEvenOffset is a decimal fraction of entry, e.g. "0.001"
	BreakEvenOffset string `yaml:"break_even_offset"`
	LaneBuffer      int    `yaml:"lane_buffer"`
	RetryIntervalMs int    `yaml:"retry_interval_ms"`
	// PositionsFile holds open envelopes loaded before the feed starts
	PositionsFile string `yaml:"positions_file"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	EvalPoolSize   int `yaml:"eval_pool_size"`
	EvalPoolBuffer int `yaml:"eval_pool_buffer"`
}

// DeliveryConfig controls the persistence dispatcher
type DeliveryConfig struct {
	Workers           int     `yaml:"workers"`
	QueueSize         int     `yaml:"queue_size"`
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms"`
	JitterFactor      float64 `yaml:"jitter_factor"`
	RedriveIntervalMs int     `yaml:"redrive_interval_ms"`
}

// StorageConfig selects the record store
type StorageConfig struct {
	Driver      string `yaml:"driver"` // sqlite, postgres or memory
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN Secret `yaml:"postgres_dsn"`
}

// FeedConfig selects where market events come from
type FeedConfig struct {
	Source    string                 `yaml:"source"` // stdin, file, websocket or none
	Path      string                 `yaml:"path"`
	URL       string                 `yaml:"url"`
	Subscribe map[string]interface{} `yaml:"subscribe"`
	// ReconnectWaitMs applies to the websocket source
	ReconnectWaitMs int `yaml:"reconnect_wait_ms"`
}

// AlertConfig contains alert channel settings
type AlertConfig struct {
	Enabled       bool           `yaml:"enabled"`
	NotifyLegs    bool           `yaml:"notify_legs"`
	SendTimeoutMs int            `yaml:"send_timeout_ms"`
	Telegram      TelegramConfig `yaml:"telegram"`
	Slack         SlackConfig    `yaml:"slack"`
}

// TelegramConfig configures the Telegram channel; empty token disables it
type TelegramConfig struct {
	BotToken Secret `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// SlackConfig configures the Slack channel; empty webhook disables it
type SlackConfig struct {
	WebhookURL Secret `yaml:"webhook_url"`
}

// LiveServerConfig controls the websocket record stream
type LiveServerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	Production     bool     `yaml:"production"`
	MaxConnections int      `yaml:"max_connections"`
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
	StaticDir      string   `yaml:"static_dir"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	// EnableTracing adds stdout trace and OTel log export on top of metrics
	EnableTracing    bool    `yaml:"enable_tracing"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	// HealthGRPCPort serves grpc.health.v1 when non-zero
	HealthGRPCPort          int `yaml:"health_grpc_port"`
	HealthRefreshIntervalMs int `yaml:"health_refresh_interval_ms"`
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

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Keys missing from the file keep their DefaultConfig values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over DefaultConfig and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every section and reports all failures together
func (c *Config) Validate() error {
	var errs []error
	for _, check := range []func() error{
		c.validateSystemConfig,
		c.validateEngineConfig,
		c.validateConcurrencyConfig,
		c.validateDeliveryConfig,
		c.validateStorageConfig,
		c.validateFeedConfig,
		c.validateAlertConfig,
		c.validateLiveServerConfig,
		c.validateTelemetryConfig,
	} {
		if err := check(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if f := strings.ToLower(c.System.LogFormat); f != "console" && f != "json" {
		return ValidationError{Field: "system.log_format", Value: c.System.LogFormat, Message: "must be console or json"}
	}
	return nil
}

func (c *Config) validateEngineConfig() error {
	offset, err := c.BreakEvenOffset()
	if err != nil {
		return ValidationError{Field: "engine.break_even_offset", Value: c.Engine.BreakEvenOffset, Message: "must be a decimal"}
	}
	if offset.IsNegative() || offset.GreaterThanOrEqual(decimal.NewFromFloat(0.1)) {
		return ValidationError{Field: "engine.break_even_offset", Value: c.Engine.BreakEvenOffset, Message: "must be in [0, 0.1)"}
	}
	if c.Engine.LaneBuffer < 1 {
		return ValidationError{Field: "engine.lane_buffer", Value: c.Engine.LaneBuffer, Message: "must be at least 1"}
	}
	if c.Engine.RetryIntervalMs < 1 {
		return ValidationError{Field: "engine.retry_interval_ms", Value: c.Engine.RetryIntervalMs, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateConcurrencyConfig() error {
	if c.Concurrency.EvalPoolSize < 1 || c.Concurrency.EvalPoolSize > 256 {
		return ValidationError{Field: "concurrency.eval_pool_size", Value: c.Concurrency.EvalPoolSize, Message: "must be between 1 and 256"}
	}
	if c.Concurrency.EvalPoolBuffer < 0 {
		return ValidationError{Field: "concurrency.eval_pool_buffer", Value: c.Concurrency.EvalPoolBuffer, Message: "must not be negative"}
	}
	return nil
}

func (c *Config) validateDeliveryConfig() error {
	d := c.Delivery
	switch {
	case d.Workers < 1:
		return ValidationError{Field: "delivery.workers", Value: d.Workers, Message: "must be at least 1"}
	case d.QueueSize < 1:
		return ValidationError{Field: "delivery.queue_size", Value: d.QueueSize, Message: "must be at least 1"}
	case d.MaxAttempts < 1:
		return ValidationError{Field: "delivery.max_attempts", Value: d.MaxAttempts, Message: "must be at least 1"}
	case d.InitialBackoffMs < 1 || d.MaxBackoffMs < d.InitialBackoffMs:
		return ValidationError{Field: "delivery.max_backoff_ms", Value: d.MaxBackoffMs, Message: "backoff bounds must satisfy 0 < initial <= max"}
	case d.JitterFactor < 0 || d.JitterFactor > 1:
		return ValidationError{Field: "delivery.jitter_factor", Value: d.JitterFactor, Message: "must be in [0, 1]"}
	case d.RedriveIntervalMs < 1:
		return ValidationError{Field: "delivery.redrive_interval_ms", Value: d.RedriveIntervalMs, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateStorageConfig() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return ValidationError{Field: "storage.sqlite_path", Message: "required for the sqlite driver"}
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return ValidationError{Field: "storage.postgres_dsn", Message: "required for the postgres driver"}
		}
	default:
		return ValidationError{Field: "storage.driver", Value: c.Storage.Driver, Message: "must be one of: sqlite, postgres, memory"}
	}
	return nil
}

func (c *Config) validateFeedConfig() error {
	switch c.Feed.Source {
	case "none", "stdin":
	case "file":
		if c.Feed.Path == "" {
			return ValidationError{Field: "feed.path", Message: "required for the file source"}
		}
	case "websocket":
		if !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
			return ValidationError{Field: "feed.url", Value: c.Feed.URL, Message: "must be a ws:// or wss:// url"}
		}
	default:
		return ValidationError{Field: "feed.source", Value: c.Feed.Source, Message: "must be one of: stdin, file, websocket, none"}
	}
	return nil
}

func (c *Config) validateAlertConfig() error {
	if !c.Alert.Enabled {
		return nil
	}
	if c.Alert.Telegram.BotToken == "" && c.Alert.Slack.WebhookURL == "" {
		return ValidationError{Field: "alert", Message: "at least one channel must be configured when alerts are enabled"}
	}
	if c.Alert.Telegram.BotToken != "" && c.Alert.Telegram.ChatID == "" {
		return ValidationError{Field: "alert.telegram.chat_id", Message: "required with a bot token"}
	}
	return nil
}

func (c *Config) validateLiveServerConfig() error {
	if !c.LiveServer.Enabled {
		return nil
	}
	if c.LiveServer.Addr == "" {
		return ValidationError{Field: "live_server.addr", Message: "required when the live server is enabled"}
	}
	if len(c.LiveServer.AllowedOrigins) == 0 {
		return ValidationError{Field: "live_server.allowed_origins", Message: "at least one origin is required"}
	}
	if c.LiveServer.Production && contains(c.LiveServer.AllowedOrigins, "*") {
		return ValidationError{Field: "live_server.allowed_origins", Value: "*", Message: "wildcard origin is not allowed in production"}
	}
	return nil
}

func (c *Config) validateTelemetryConfig() error {
	if r := c.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return ValidationError{Field: "telemetry.trace_sample_ratio", Value: r, Message: "must be in [0, 1]"}
	}
	if c.Telemetry.EnableMetrics && (c.Telemetry.MetricsPort < 1 || c.Telemetry.MetricsPort > 65535) {
		return ValidationError{Field: "telemetry.metrics_port", Value: c.Telemetry.MetricsPort, Message: "must be a valid port"}
	}
	if p := c.Telemetry.HealthGRPCPort; p < 0 || p > 65535 {
		return ValidationError{Field: "telemetry.health_grpc_port", Value: p, Message: "must be a valid port or 0"}
	}
	if c.Telemetry.HealthGRPCPort > 0 && c.Telemetry.HealthRefreshIntervalMs <= 0 {
		return ValidationError{Field: "telemetry.health_refresh_interval_ms", Value: c.Telemetry.HealthRefreshIntervalMs, Message: "must be positive"}
	}
	return nil
}

// BreakEvenOffset parses engine.break_even_offset; empty means zero
func (c *Config) BreakEvenOffset() (decimal.Decimal, error) {
	if c.Engine.BreakEvenOffset == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(c.Engine.BreakEvenOffset)
}

// Millis converts a millisecond setting to a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// String returns the configuration as YAML; Secret fields are redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

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

// DefaultConfig returns a configuration that validates as is
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{Name: "exit_tracker"},
		System: SystemConfig{
			LogLevel:  "INFO",
			LogFormat: "console",
		},
		Engine: EngineConfig{
			BreakEvenOffset: "0",
			LaneBuffer:      256,
			RetryIntervalMs: 5000,
		},
		Concurrency: ConcurrencyConfig{
			EvalPoolSize:   8,
			EvalPoolBuffer: 1024,
		},
		Delivery: DeliveryConfig{
			Workers:           4,
			QueueSize:         1024,
			MaxAttempts:       3,
			InitialBackoffMs:  100,
			MaxBackoffMs:      2000,
			JitterFactor:      0.25,
			RedriveIntervalMs: 5000,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "exit_tracker.db",
		},
		Feed: FeedConfig{
			Source:          "stdin",
			ReconnectWaitMs: 5000,
		},
		Alert: AlertConfig{
			SendTimeoutMs: 10000,
		},
		LiveServer: LiveServerConfig{
			Addr:           ":8090",
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxConnections: 1000,
			RateLimit:      10,
			RateBurst:      20,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:             9090,
			EnableMetrics:           true,
			HealthRefreshIntervalMs: 1000,
		},
	}
}
