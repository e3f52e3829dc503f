// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Tokens      TokenConfig       `yaml:"tokens"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Exit        ExitConfig        `yaml:"exit"`
	Session     SessionConfig     `yaml:"session"`
	Stream      StreamConfig      `yaml:"stream"`
	Store       StoreConfig       `yaml:"store"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	LiveServer  LiveServerConfig  `yaml:"live_server"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Alerts      AlertConfig       `yaml:"alerts"`

	Accounts  []AccountConfig  `yaml:"accounts"`
	Recorders []RecorderConfig `yaml:"recorders"`
	Traders   []TraderConfig   `yaml:"traders"`
	Contracts []ContractConfig `yaml:"contracts"`
}

// BrokerConfig contains the endpoint families and API pacing limits. Demo and
// live URLs are disjoint; a client is built against exactly one family.
type BrokerConfig struct {
	DemoRestURL string `yaml:"demo_rest_url"`
	DemoWsURL   string `yaml:"demo_ws_url"`
	LiveRestURL string `yaml:"live_rest_url"`
	LiveWsURL   string `yaml:"live_ws_url"`

	HTTPTimeoutSec  int `yaml:"http_timeout_s"`
	APIRpmLimit     int `yaml:"api_rpm_limit"`
	APIBurst        int `yaml:"api_burst"`
	ContractCacheSc int `yaml:"contract_cache_s"`
}

// WebhookConfig contains the signal intake settings
type WebhookConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
	DedupeWindowMs  int    `yaml:"dedupe_window_ms"`
	DedupeRingSize  int    `yaml:"dedupe_ring_size"`
	ReadTimeoutSec  int    `yaml:"read_timeout_s"`
	WriteTimeoutSec int    `yaml:"write_timeout_s"`
}

// ExecutionConfig contains fan-out and bracket maintenance settings
type ExecutionConfig struct {
	BatchSize              int `yaml:"batch_size"`
	BatchDelayMs           int `yaml:"batch_delay_ms"`
	RetryMaxAttempts       int `yaml:"retry_max_attempts"`
	MarketabilityRetryMs   int `yaml:"marketability_retry_ms"`
	OrderStatusProbeWaitMs int `yaml:"order_status_probe_wait_ms"`
	HaltMaxRejects         int `yaml:"halt_max_rejects"` // negative disables the latch
	HaltCooldownSec        int `yaml:"halt_cooldown_s"`  // zero keeps a tripped key halted until reset
}

// TokenConfig contains token refresher timings
type TokenConfig struct {
	RefreshCheckSec     int `yaml:"refresh_check_s"`
	RefreshThresholdSec int `yaml:"refresh_threshold_s"`
}

// ReconcileConfig contains reconciler timings
type ReconcileConfig struct {
	IntervalSec  int `yaml:"interval_s"`
	FullSweepSec int `yaml:"full_sweep_s"`
	TimeoutSec   int `yaml:"timeout_s"`
}

// ExitConfig contains exit state machine timings
type ExitConfig struct {
	FillWaitSec      int `yaml:"fill_wait_s"`
	ConfirmTimeoutMs int `yaml:"confirm_timeout_ms"`
	MaxAttempts      int `yaml:"max_attempts"`
	KillBudgetMs     int `yaml:"kill_budget_ms"`
	KillPollMs       int `yaml:"kill_poll_ms"`
}

// SessionConfig defines the trading session boundary used by per-session
// filters and the daily loss counter.
type SessionConfig struct {
	Timezone string `yaml:"timezone"` // IANA name
	Rollover string `yaml:"rollover"` // "HH:MM" local to Timezone
}

// StreamConfig contains user-event stream settings
type StreamConfig struct {
	ReconnectBaseMs int `yaml:"reconnect_base_ms"`
	ReconnectCapMs  int `yaml:"reconnect_cap_ms"`
	HeartbeatMs     int `yaml:"heartbeat_ms"`
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres or memory
	DSN    string `yaml:"dsn"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// LiveServerConfig contains the dashboard event stream settings
type LiveServerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	// AllowedOrigins whitelists dashboard origins for the WebSocket
	// upgrade. "*" allows any origin and is intended for development.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	FanoutWorkers int `yaml:"fanout_workers"`
	FanoutBuffer  int `yaml:"fanout_buffer"`
	BusBuffer     int `yaml:"bus_buffer"`
}

// AlertConfig contains operator alert settings
type AlertConfig struct {
	WebhookURL       string `yaml:"webhook_url"` // empty disables the webhook channel
	TimeoutSec       int    `yaml:"timeout_s"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"` // empty disables telegram
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// AccountConfig declares one broker account and its credentials
type AccountConfig struct {
	ID          int64  `yaml:"id"`
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"` // demo or live
	Username    string `yaml:"username"`
	Password    Secret `yaml:"password"`
	AppID       string `yaml:"app_id"`
	AppVersion  string `yaml:"app_version"`
	CID         string `yaml:"cid"`
	Secret      Secret `yaml:"secret"`
}

// RecorderConfig declares one signal recorder
type RecorderConfig struct {
	ID           string       `yaml:"id"`
	Name         string       `yaml:"name"`
	WebhookToken Secret       `yaml:"webhook_token"`
	Ticker       string       `yaml:"ticker"`
	StrategyID   string       `yaml:"strategy_id"`
	BaseQty      int          `yaml:"base_qty"`
	AddQty       int          `yaml:"add_qty"`
	TPTicks      int          `yaml:"tp_ticks"`
	SLTicks      int          `yaml:"sl_ticks"`
	SLEnabled    bool         `yaml:"sl_enabled"`
	Enabled      bool         `yaml:"enabled"`
	Filters      FilterConfig `yaml:"filters"`
}

// FilterConfig declares the risk-gate filters of a recorder
type FilterConfig struct {
	Direction       string         `yaml:"direction"` // long, short or empty
	Windows         []WindowConfig `yaml:"windows"`
	CooldownSec     int            `yaml:"cooldown_s"`
	MaxPerSession   int            `yaml:"max_per_session"`
	MaxDailyLossUSD float64        `yaml:"max_daily_loss_usd"`
	MaxContracts    int            `yaml:"max_contracts"`
	DelayN          int            `yaml:"delay_n"`
}

// WindowConfig declares one allowed trading window
type WindowConfig struct {
	Start    string   `yaml:"start"` // "HH:MM"
	End      string   `yaml:"end"`   // "HH:MM"
	Timezone string   `yaml:"timezone"`
	Days     []string `yaml:"days"` // e.g. ["mon","tue"]; empty means all days
}

// TraderConfig subscribes an account to a recorder
type TraderConfig struct {
	ID         string `yaml:"id"`
	RecorderID string `yaml:"recorder_id"`
	AccountID  int64  `yaml:"account_id"`
	Enabled    bool   `yaml:"enabled"`
	BaseQty    int    `yaml:"base_qty"` // zero inherits
	AddQty     int    `yaml:"add_qty"`
	TPTicks    int    `yaml:"tp_ticks"`
	SLTicks    int    `yaml:"sl_ticks"`
	SLMode     string `yaml:"sl_mode"` // "", "enabled", "disabled"
	MaxQty     int    `yaml:"max_qty"`
}

// ContractConfig is a static tick-size fallback for one symbol root
type ContractConfig struct {
	Symbol    string  `yaml:"symbol"`
	TickSize  float64 `yaml:"tick_size"`
	TickValue float64 `yaml:"tick_value"`
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

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.HTTPTimeoutSec == 0 {
		c.Broker.HTTPTimeoutSec = 10
	}
	if c.Broker.APIRpmLimit == 0 {
		c.Broker.APIRpmLimit = 70
	}
	if c.Broker.APIBurst == 0 {
		c.Broker.APIBurst = 10
	}
	if c.Broker.ContractCacheSc == 0 {
		c.Broker.ContractCacheSc = 3600
	}
	if c.Webhook.ListenAddr == "" {
		c.Webhook.ListenAddr = ":8080"
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = 64 * 1024
	}
	if c.Webhook.DedupeWindowMs == 0 {
		c.Webhook.DedupeWindowMs = 2000
	}
	if c.Webhook.DedupeRingSize == 0 {
		c.Webhook.DedupeRingSize = 4096
	}
	if c.Webhook.ReadTimeoutSec == 0 {
		c.Webhook.ReadTimeoutSec = 5
	}
	if c.Webhook.WriteTimeoutSec == 0 {
		c.Webhook.WriteTimeoutSec = 10
	}
	if c.Execution.BatchSize == 0 {
		c.Execution.BatchSize = 25
	}
	if c.Execution.BatchDelayMs == 0 {
		c.Execution.BatchDelayMs = 500
	}
	if c.Execution.RetryMaxAttempts == 0 {
		c.Execution.RetryMaxAttempts = 3
	}
	if c.Execution.MarketabilityRetryMs == 0 {
		c.Execution.MarketabilityRetryMs = 2000
	}
	if c.Execution.OrderStatusProbeWaitMs == 0 {
		c.Execution.OrderStatusProbeWaitMs = 250
	}
	if c.Execution.HaltMaxRejects == 0 {
		c.Execution.HaltMaxRejects = 3
	}
	if c.Tokens.RefreshCheckSec == 0 {
		c.Tokens.RefreshCheckSec = 60
	}
	if c.Tokens.RefreshThresholdSec == 0 {
		c.Tokens.RefreshThresholdSec = 300
	}
	if c.Reconcile.IntervalSec == 0 {
		c.Reconcile.IntervalSec = 60
	}
	if c.Reconcile.FullSweepSec == 0 {
		c.Reconcile.FullSweepSec = 300
	}
	if c.Reconcile.TimeoutSec == 0 {
		c.Reconcile.TimeoutSec = 30
	}
	if c.Exit.FillWaitSec == 0 {
		c.Exit.FillWaitSec = 5
	}
	if c.Exit.ConfirmTimeoutMs == 0 {
		c.Exit.ConfirmTimeoutMs = 3000
	}
	if c.Exit.MaxAttempts == 0 {
		c.Exit.MaxAttempts = 3
	}
	if c.Exit.KillBudgetMs == 0 {
		c.Exit.KillBudgetMs = 750
	}
	if c.Exit.KillPollMs == 0 {
		c.Exit.KillPollMs = 100
	}
	if c.Session.Timezone == "" {
		c.Session.Timezone = "America/Chicago"
	}
	if c.Session.Rollover == "" {
		c.Session.Rollover = "17:00"
	}
	if c.Stream.ReconnectBaseMs == 0 {
		c.Stream.ReconnectBaseMs = 1000
	}
	if c.Stream.ReconnectCapMs == 0 {
		c.Stream.ReconnectCapMs = 30000
	}
	if c.Stream.HeartbeatMs == 0 {
		c.Stream.HeartbeatMs = 2500
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" && c.Store.Driver == "sqlite" {
		c.Store.DSN = "jet_trader.db"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9100
	}
	if c.LiveServer.ListenAddr == "" {
		c.LiveServer.ListenAddr = ":8081"
	}
	if len(c.LiveServer.AllowedOrigins) == 0 {
		c.LiveServer.AllowedOrigins = []string{"*"}
	}
	if c.Concurrency.FanoutWorkers == 0 {
		c.Concurrency.FanoutWorkers = 32
	}
	if c.Concurrency.FanoutBuffer == 0 {
		c.Concurrency.FanoutBuffer = 1024
	}
	if c.Concurrency.BusBuffer == 0 {
		c.Concurrency.BusBuffer = 256
	}
	if c.Alerts.TimeoutSec == 0 {
		c.Alerts.TimeoutSec = 10
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateBroker(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSession(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStore(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateAccounts(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRecorders(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTraders(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateBroker() error {
	envs := map[string]bool{}
	for _, a := range c.Accounts {
		envs[a.Environment] = true
	}
	if envs["demo"] && (c.Broker.DemoRestURL == "" || c.Broker.DemoWsURL == "") {
		return ValidationError{
			Field:   "broker.demo_rest_url",
			Message: "demo endpoints are required when demo accounts are configured",
		}
	}
	if envs["live"] && (c.Broker.LiveRestURL == "" || c.Broker.LiveWsURL == "") {
		return ValidationError{
			Field:   "broker.live_rest_url",
			Message: "live endpoints are required when live accounts are configured",
		}
	}
	if c.Broker.DemoRestURL != "" && c.Broker.DemoRestURL == c.Broker.LiveRestURL {
		return ValidationError{
			Field:   "broker.live_rest_url",
			Value:   c.Broker.LiveRestURL,
			Message: "demo and live REST endpoints must be disjoint",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateSession() error {
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return ValidationError{
			Field:   "session.timezone",
			Value:   c.Session.Timezone,
			Message: "unknown IANA timezone",
		}
	}
	if _, err := time.Parse("15:04", c.Session.Rollover); err != nil {
		return ValidationError{
			Field:   "session.rollover",
			Value:   c.Session.Rollover,
			Message: "must be HH:MM",
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return ValidationError{
				Field:   "store.dsn",
				Message: "postgres driver requires a DSN",
			}
		}
	default:
		return ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: "must be one of: sqlite, postgres, memory",
		}
	}
	return nil
}

func (c *Config) validateAccounts() error {
	seen := map[int64]bool{}
	for i, a := range c.Accounts {
		if a.ID == 0 {
			return ValidationError{
				Field:   fmt.Sprintf("accounts[%d].id", i),
				Message: "account id is required",
			}
		}
		if seen[a.ID] {
			return ValidationError{
				Field:   fmt.Sprintf("accounts[%d].id", i),
				Value:   a.ID,
				Message: "duplicate account id",
			}
		}
		seen[a.ID] = true
		if a.Environment != "demo" && a.Environment != "live" {
			return ValidationError{
				Field:   fmt.Sprintf("accounts[%d].environment", i),
				Value:   a.Environment,
				Message: "must be demo or live",
			}
		}
	}
	return nil
}

func (c *Config) validateRecorders() error {
	seenID := map[string]bool{}
	seenToken := map[string]bool{}
	for i, r := range c.Recorders {
		if r.ID == "" {
			return ValidationError{
				Field:   fmt.Sprintf("recorders[%d].id", i),
				Message: "recorder id is required",
			}
		}
		if seenID[r.ID] {
			return ValidationError{
				Field:   fmt.Sprintf("recorders[%d].id", i),
				Value:   r.ID,
				Message: "duplicate recorder id",
			}
		}
		seenID[r.ID] = true
		if r.WebhookToken == "" {
			return ValidationError{
				Field:   fmt.Sprintf("recorders[%d].webhook_token", i),
				Message: "webhook token is required",
			}
		}
		if seenToken[r.WebhookToken.Reveal()] {
			return ValidationError{
				Field:   fmt.Sprintf("recorders[%d].webhook_token", i),
				Message: "duplicate webhook token",
			}
		}
		seenToken[r.WebhookToken.Reveal()] = true
		if r.Ticker == "" {
			return ValidationError{
				Field:   fmt.Sprintf("recorders[%d].ticker", i),
				Message: "ticker is required",
			}
		}
		if r.BaseQty <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("recorders[%d].base_qty", i),
				Value:   r.BaseQty,
				Message: "base qty must be positive",
			}
		}
		if r.TPTicks <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("recorders[%d].tp_ticks", i),
				Value:   r.TPTicks,
				Message: "tp ticks must be positive",
			}
		}
		if r.SLEnabled && r.SLTicks <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("recorders[%d].sl_ticks", i),
				Value:   r.SLTicks,
				Message: "sl ticks must be positive when sl is enabled",
			}
		}
		if len(r.Filters.Windows) > 2 {
			return ValidationError{
				Field:   fmt.Sprintf("recorders[%d].filters.windows", i),
				Value:   len(r.Filters.Windows),
				Message: "at most two windows are supported",
			}
		}
		if d := r.Filters.Direction; d != "" && d != "long" && d != "short" {
			return ValidationError{
				Field:   fmt.Sprintf("recorders[%d].filters.direction", i),
				Value:   d,
				Message: "must be long, short or empty",
			}
		}
	}
	return nil
}

func (c *Config) validateTraders() error {
	recorders := map[string]bool{}
	for _, r := range c.Recorders {
		recorders[r.ID] = true
	}
	accounts := map[int64]bool{}
	for _, a := range c.Accounts {
		accounts[a.ID] = true
	}
	seen := map[string]bool{}
	for i, t := range c.Traders {
		if t.ID == "" {
			return ValidationError{
				Field:   fmt.Sprintf("traders[%d].id", i),
				Message: "trader id is required",
			}
		}
		if seen[t.ID] {
			return ValidationError{
				Field:   fmt.Sprintf("traders[%d].id", i),
				Value:   t.ID,
				Message: "duplicate trader id",
			}
		}
		seen[t.ID] = true
		if !recorders[t.RecorderID] {
			return ValidationError{
				Field:   fmt.Sprintf("traders[%d].recorder_id", i),
				Value:   t.RecorderID,
				Message: "unknown recorder",
			}
		}
		if !accounts[t.AccountID] {
			return ValidationError{
				Field:   fmt.Sprintf("traders[%d].account_id", i),
				Value:   t.AccountID,
				Message: "unknown account",
			}
		}
		if m := t.SLMode; m != "" && m != "enabled" && m != "disabled" {
			return ValidationError{
				Field:   fmt.Sprintf("traders[%d].sl_mode", i),
				Value:   m,
				Message: "must be enabled, disabled or empty",
			}
		}
	}
	return nil
}

// Duration accessors

func (c *BrokerConfig) HTTPTimeout() time.Duration { return secs(c.HTTPTimeoutSec) }
func (c *BrokerConfig) ContractCacheTTL() time.Duration {
	return secs(c.ContractCacheSc)
}

func (c *WebhookConfig) DedupeWindow() time.Duration { return millis(c.DedupeWindowMs) }
func (c *WebhookConfig) ReadTimeout() time.Duration  { return secs(c.ReadTimeoutSec) }
func (c *WebhookConfig) WriteTimeout() time.Duration { return secs(c.WriteTimeoutSec) }

func (c *ExecutionConfig) BatchDelay() time.Duration   { return millis(c.BatchDelayMs) }
func (c *ExecutionConfig) HaltCooldown() time.Duration { return secs(c.HaltCooldownSec) }
func (c *ExecutionConfig) MarketabilityRetry() time.Duration {
	return millis(c.MarketabilityRetryMs)
}

func (c *TokenConfig) RefreshCheck() time.Duration     { return secs(c.RefreshCheckSec) }
func (c *TokenConfig) RefreshThreshold() time.Duration { return secs(c.RefreshThresholdSec) }

func (c *ReconcileConfig) Interval() time.Duration  { return secs(c.IntervalSec) }
func (c *ReconcileConfig) FullSweep() time.Duration { return secs(c.FullSweepSec) }
func (c *ReconcileConfig) Timeout() time.Duration   { return secs(c.TimeoutSec) }

func (c *ExitConfig) FillWait() time.Duration       { return secs(c.FillWaitSec) }
func (c *ExitConfig) ConfirmTimeout() time.Duration { return millis(c.ConfirmTimeoutMs) }
func (c *ExitConfig) KillBudget() time.Duration     { return millis(c.KillBudgetMs) }
func (c *ExitConfig) KillPoll() time.Duration       { return millis(c.KillPollMs) }

func (c *StreamConfig) ReconnectBase() time.Duration { return millis(c.ReconnectBaseMs) }
func (c *StreamConfig) ReconnectCap() time.Duration  { return millis(c.ReconnectCapMs) }
func (c *StreamConfig) Heartbeat() time.Duration     { return millis(c.HeartbeatMs) }

func (c *AlertConfig) Timeout() time.Duration { return secs(c.TimeoutSec) }

func secs(n int) time.Duration   { return time.Duration(n) * time.Second }
func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// String returns a string representation of the configuration (with sensitive data masked)
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
	cfg := &Config{
		Broker: BrokerConfig{
			DemoRestURL: "https://demo.broker.test/v1",
			DemoWsURL:   "wss://demo.broker.test/v1/websocket",
			LiveRestURL: "https://live.broker.test/v1",
			LiveWsURL:   "wss://live.broker.test/v1/websocket",
		},
		Store: StoreConfig{Driver: "memory"},
		Accounts: []AccountConfig{
			{ID: 101, Name: "demo-1", Environment: "demo", Username: "demo_user", Password: "pw"},
		},
		Recorders: []RecorderConfig{
			{
				ID:           "rec-mnq",
				Name:         "MNQ scalper",
				WebhookToken: "tok-rec-mnq",
				Ticker:       "MNQZ5",
				StrategyID:   "S1",
				BaseQty:      2,
				AddQty:       1,
				TPTicks:      40,
				SLTicks:      80,
				SLEnabled:    true,
				Enabled:      true,
			},
		},
		Traders: []TraderConfig{
			{ID: "trd-1", RecorderID: "rec-mnq", AccountID: 101, Enabled: true},
		},
		Contracts: []ContractConfig{
			{Symbol: "MNQ", TickSize: 0.25, TickValue: 0.5},
			{Symbol: "MES", TickSize: 0.25, TickValue: 1.25},
		},
	}
	cfg.applyDefaults()
	return cfg
}
