// Package config provides centralized configuration management for the broker
// daemon. Configuration is layered: defaults, then a JSON or YAML file, then
// BROKER_* environment variables. The merged result is validated as a whole.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-broker-connectors/internal/broker"
	brokererrors "github.com/johnayoung/go-broker-connectors/internal/errors"
	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/johnayoung/go-broker-connectors/internal/ratelimit"
	"github.com/johnayoung/go-broker-connectors/internal/stream"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "BROKER_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name"`
	Version    string `json:"version" yaml:"version"`
	ConfigPath string `json:"-" yaml:"-"`

	Broker   BrokerConfig    `json:"broker" yaml:"broker"`
	Stream   StreamConfig    `json:"stream" yaml:"stream"`
	Accounts []AccountConfig `json:"accounts" yaml:"accounts"`
	Journal  JournalConfig   `json:"journal" yaml:"journal"`
	Relay    RelayConfig     `json:"relay" yaml:"relay"`
	Logging  LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig   `json:"metrics" yaml:"metrics"`
}

// BrokerConfig tunes connectors and the registry
type BrokerConfig struct {
	EventBuffer         int                        `json:"event_buffer" yaml:"event_buffer"`                   // per-connector event channel capacity
	RegistryEventBuffer int                        `json:"registry_event_buffer" yaml:"registry_event_buffer"` // fan-in channel capacity
	DefaultRateLimit    RateLimitConfig            `json:"default_rate_limit" yaml:"default_rate_limit"`
	RateLimits          map[string]RateLimitConfig `json:"rate_limits" yaml:"rate_limits"` // keyed by logical endpoint
}

// RateLimitConfig is one fixed-window admission limit
type RateLimitConfig struct {
	Requests int    `json:"requests" yaml:"requests"`
	Window   string `json:"window" yaml:"window"`
}

// StreamConfig configures market-data WebSockets
type StreamConfig struct {
	HandshakeTimeout string  `json:"handshake_timeout" yaml:"handshake_timeout"`
	PingInterval     string  `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout      string  `json:"read_timeout" yaml:"read_timeout"`
	FramesPerSecond  float64 `json:"frames_per_second" yaml:"frames_per_second"`
	FrameBurst       int     `json:"frame_burst" yaml:"frame_burst"`
}

// AccountConfig binds one connector instance. Secrets are never stored in the
// file; only the names of the environment variables holding them.
type AccountConfig struct {
	ID            string   `json:"id" yaml:"id"`
	Exchange      string   `json:"exchange" yaml:"exchange"`
	APIKeyEnv     string   `json:"api_key_env" yaml:"api_key_env"`
	APISecretEnv  string   `json:"api_secret_env" yaml:"api_secret_env"`
	PassphraseEnv string   `json:"passphrase_env,omitempty" yaml:"passphrase_env,omitempty"`
	Sandbox       bool     `json:"sandbox" yaml:"sandbox"`
	Symbols       []string `json:"symbols" yaml:"symbols"`
}

// JournalConfig selects the journal backend
type JournalConfig struct {
	Type string `json:"type" yaml:"type"` // "memory" or "duckdb"
	Path string `json:"path" yaml:"path"` // database file for duckdb
}

// RelayConfig configures the host-side event relay
type RelayConfig struct {
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	Resubscribe   bool              `json:"resubscribe" yaml:"resubscribe"`
	JournalTicks  bool              `json:"journal_ticks" yaml:"journal_ticks"`
	RetryPolicy   RetryPolicyConfig `json:"retry_policy" yaml:"retry_policy"`
	ShutdownGrace string            `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts  int    `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay string `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     string `json:"max_delay" yaml:"max_delay"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`   // debug, info, warn, error
	Format        string            `json:"format" yaml:"format"` // json, text
	Output        string            `json:"output" yaml:"output"` // stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path"`
	MaxSize       int               `json:"max_size" yaml:"max_size"` // MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"`
	MaxAge        int               `json:"max_age" yaml:"max_age"` // days
	Compress      bool              `json:"compress" yaml:"compress"`
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Port      int    `json:"port" yaml:"port"`
	Path      string `json:"path" yaml:"path"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"accounts", len(config.Accounts),
		"journal_type", config.Journal.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// loadFromFile loads configuration from a JSON or YAML file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if isYAML(cm.configPath) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv applies BROKER_* overrides
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	env := func(name string) string { return os.Getenv(EnvPrefix + name) }

	if val := env("EVENT_BUFFER"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %sEVENT_BUFFER: %w", EnvPrefix, err)
		}
		config.Broker.EventBuffer = n
	}

	if val := env("STREAM_PING_INTERVAL"); val != "" {
		config.Stream.PingInterval = val
	}
	if val := env("STREAM_HANDSHAKE_TIMEOUT"); val != "" {
		config.Stream.HandshakeTimeout = val
	}

	if val := env("JOURNAL_TYPE"); val != "" {
		config.Journal.Type = val
	}
	if val := env("JOURNAL_PATH"); val != "" {
		config.Journal.Path = val
	}

	if val := env("RELAY_ENABLED"); val != "" {
		config.Relay.Enabled = val == "true"
	}

	if val := env("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := env("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := env("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := env("LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}

	if val := env("METRICS_ENABLED"); val != "" {
		config.Metrics.Enabled = val == "true"
	}
	if val := env("METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %sMETRICS_PORT: %w", EnvPrefix, err)
		}
		config.Metrics.Port = port
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	checkDuration := func(field, value string) {
		if value == "" {
			return
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			errors = append(errors, fmt.Sprintf("%s is not a valid duration: %q", field, value))
		}
	}

	if config.Broker.EventBuffer <= 0 {
		errors = append(errors, "broker.event_buffer must be greater than 0")
	}
	if config.Broker.RegistryEventBuffer <= 0 {
		errors = append(errors, "broker.registry_event_buffer must be greater than 0")
	}
	limits := map[string]RateLimitConfig{"default": config.Broker.DefaultRateLimit}
	for endpoint, l := range config.Broker.RateLimits {
		limits[endpoint] = l
	}
	for endpoint, l := range limits {
		if l.Requests <= 0 {
			errors = append(errors, fmt.Sprintf("broker.rate_limits.%s.requests must be greater than 0", endpoint))
		}
		if l.Window == "" {
			errors = append(errors, fmt.Sprintf("broker.rate_limits.%s.window is required", endpoint))
		}
		checkDuration("broker.rate_limits."+endpoint+".window", l.Window)
	}

	checkDuration("stream.handshake_timeout", config.Stream.HandshakeTimeout)
	checkDuration("stream.ping_interval", config.Stream.PingInterval)
	checkDuration("stream.read_timeout", config.Stream.ReadTimeout)
	if config.Stream.FramesPerSecond < 0 {
		errors = append(errors, "stream.frames_per_second cannot be negative")
	}

	seen := make(map[string]bool)
	for i, acct := range config.Accounts {
		field := fmt.Sprintf("accounts[%d]", i)
		if acct.ID == "" {
			errors = append(errors, field+".id is required")
		} else if seen[acct.ID] {
			errors = append(errors, fmt.Sprintf("%s.id %q is duplicated", field, acct.ID))
		}
		seen[acct.ID] = true
		if _, ok := broker.ParseExchangeType(acct.Exchange); !ok {
			errors = append(errors, fmt.Sprintf("%s.exchange %q is not supported", field, acct.Exchange))
		}
		if acct.APIKeyEnv == "" || acct.APISecretEnv == "" {
			errors = append(errors, field+".api_key_env and api_secret_env are required")
		}
	}

	switch config.Journal.Type {
	case "memory":
	case "duckdb":
		if config.Journal.Path == "" {
			errors = append(errors, "journal.path is required for DuckDB journal")
		}
	default:
		errors = append(errors, "journal.type must be one of: memory, duckdb")
	}

	if config.Relay.Enabled && config.Relay.RetryPolicy.MaxAttempts <= 0 {
		errors = append(errors, "relay.retry_policy.max_attempts must be greater than 0")
	}
	checkDuration("relay.retry_policy.initial_delay", config.Relay.RetryPolicy.InitialDelay)
	checkDuration("relay.retry_policy.max_delay", config.Relay.RetryPolicy.MaxDelay)
	checkDuration("relay.shutdown_grace", config.Relay.ShutdownGrace)

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}
	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required when output is file")
	}

	if config.Metrics.Enabled {
		if config.Metrics.Port <= 0 || config.Metrics.Port > 65535 {
			errors = append(errors, "metrics.port must be between 1 and 65535")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig writes the current configuration to the config file in the
// format implied by its extension
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(cm.configPath) {
		data, err = yaml.Marshal(cm.config)
	} else {
		data, err = json.MarshalIndent(cm.config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("configuration saved", "path", cm.configPath)
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "brokerd",
		Version: "1.0.0",
		Broker: BrokerConfig{
			EventBuffer:         256,
			RegistryEventBuffer: 1024,
			DefaultRateLimit:    RateLimitConfig{Requests: 20, Window: "1m"},
			RateLimits: map[string]RateLimitConfig{
				broker.EndpointAccount:   {Requests: 20, Window: "1m"},
				broker.EndpointPositions: {Requests: 20, Window: "1m"},
				broker.EndpointOrder:     {Requests: 10, Window: "1m"},
				broker.EndpointCancel:    {Requests: 10, Window: "1m"},
				broker.EndpointStatus:    {Requests: 30, Window: "1m"},
			},
		},
		Stream: StreamConfig{
			HandshakeTimeout: "10s",
			PingInterval:     "20s",
			ReadTimeout:      "90s",
			FramesPerSecond:  5,
			FrameBurst:       5,
		},
		Accounts: []AccountConfig{},
		Journal: JournalConfig{
			Type: "memory",
			Path: "./data/journal.db",
		},
		Relay: RelayConfig{
			Enabled:      true,
			Resubscribe:  true,
			JournalTicks: true,
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:  5,
				InitialDelay: "1s",
				MaxDelay:     "30s",
			},
			ShutdownGrace: "10s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "brokerd",
			},
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "broker",
		},
	}
}

// parseDuration returns fallback for empty or invalid values; validation has
// already rejected invalid ones
func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Policy converts the configured limits into a limiter policy
func (b BrokerConfig) Policy() ratelimit.Policy {
	policy := ratelimit.Policy{
		Default: ratelimit.Limit{
			Requests: b.DefaultRateLimit.Requests,
			Window:   parseDuration(b.DefaultRateLimit.Window, time.Minute),
		},
		Endpoints: make(map[string]ratelimit.Limit, len(b.RateLimits)),
	}
	for endpoint, l := range b.RateLimits {
		policy.Endpoints[endpoint] = ratelimit.Limit{Requests: l.Requests, Window: parseDuration(l.Window, time.Minute)}
	}
	return policy
}

// StreamSettings converts the stream section; the URL is filled per connector
func (s StreamConfig) StreamSettings() stream.Config {
	return stream.Config{
		HandshakeTimeout: parseDuration(s.HandshakeTimeout, 0),
		PingInterval:     parseDuration(s.PingInterval, 0),
		ReadTimeout:      parseDuration(s.ReadTimeout, 0),
		FramesPerSecond:  s.FramesPerSecond,
		FrameBurst:       s.FrameBurst,
	}
}

// Policy converts the retry section
func (r RetryPolicyConfig) Policy() brokererrors.RetryPolicy {
	return brokererrors.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: parseDuration(r.InitialDelay, 0),
		MaxDelay:     parseDuration(r.MaxDelay, 0),
	}
}

// ShutdownGraceDuration returns the drain deadline used on shutdown
func (r RelayConfig) ShutdownGraceDuration() time.Duration {
	return parseDuration(r.ShutdownGrace, 10*time.Second)
}

// ExchangeType resolves the configured exchange name
func (a AccountConfig) ExchangeType() (broker.ExchangeType, error) {
	t, ok := broker.ParseExchangeType(a.Exchange)
	if !ok {
		return "", brokererrors.Unsupported(a.Exchange)
	}
	return t, nil
}

// Credentials reads the account's key material from the environment
func (a AccountConfig) Credentials(getenv func(string) string) (models.Credentials, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	creds := models.Credentials{
		APIKey:    getenv(a.APIKeyEnv),
		APISecret: getenv(a.APISecretEnv),
		Sandbox:   a.Sandbox,
	}
	if a.PassphraseEnv != "" {
		creds.Passphrase = getenv(a.PassphraseEnv)
	}
	if err := creds.Validate(); err != nil {
		return models.Credentials{}, fmt.Errorf("account %s: %w", a.ID, err)
	}
	return creds, nil
}

// Account returns the account with the given id
func (c *AppConfig) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// String returns the configuration as JSON. Accounts only name environment
// variables, so nothing secret is rendered.
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
