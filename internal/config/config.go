// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of the bot execution core.
type Config struct {
	App       AppConfig                 `yaml:"app"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Engine    EngineConfig              `yaml:"engine"`
	Circuit   CircuitConfig             `yaml:"circuit_breaker"`
	Risk      RiskConfig                `yaml:"risk"`
	Timing    TimingConfig              `yaml:"timing"`
	Notify    NotifyConfig              `yaml:"notify"`
	Metrics   MetricsConfig             `yaml:"metrics"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	DatabasePath string `yaml:"database_path"`
	RedisURL     string `yaml:"redis_url"` // empty selects the in-memory KV
	LogLevel     string `yaml:"log_level"`
}

// ExchangeConfig contains per-venue credentials and endpoints.
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	Testnet   bool   `yaml:"testnet"`
	BaseURL   string `yaml:"base_url"` // optional override
}

// EngineConfig contains tick pipeline and supervisor settings.
type EngineConfig struct {
	TickIntervalSeconds       float64 `yaml:"tick_interval_seconds"`
	SupervisorIntervalSeconds int     `yaml:"supervisor_interval_seconds"`
	MaxSubmitRetries          int     `yaml:"max_submit_retries"`
	RetryBackoffMS            int     `yaml:"retry_backoff_ms"`
	RetryBackoffCapMS         int     `yaml:"retry_backoff_cap_ms"`
	FillPoolWorkers           int     `yaml:"fill_pool_workers"`
	FillPoolCapacity          int     `yaml:"fill_pool_capacity"`
	ReconcileCron             string  `yaml:"reconcile_cron"`
}

// CircuitConfig contains circuit breaker thresholds.
type CircuitConfig struct {
	MaxOrdersPerMinute       int64   `yaml:"max_orders_per_minute"`
	MaxLossPercentPerHour    float64 `yaml:"max_loss_percent_per_hour"`
	MaxPriceDeviationPercent float64 `yaml:"max_price_deviation_percent"`
	CooldownSeconds          int     `yaml:"cooldown_seconds"`
	HalfOpenOrders           int     `yaml:"half_open_orders"`
}

// RiskConfig contains drawdown and capital deployment thresholds.
type RiskConfig struct {
	DailyStopPercent           float64   `yaml:"daily_stop_percent"`
	WeeklyStopPercent          float64   `yaml:"weekly_stop_percent"`
	MonthlyStopPercent         float64   `yaml:"monthly_stop_percent"`
	DailyPauseHours            int       `yaml:"daily_pause_hours"`
	TwoStepWaitMinutes         int       `yaml:"two_step_wait_minutes"`
	TrailingPercent            float64   `yaml:"trailing_percent"`
	TrailingWaitMinutes        int       `yaml:"trailing_wait_minutes"`
	ActiveCapitalPercent       float64   `yaml:"active_capital_percent"`
	ReserveCapitalPercent      float64   `yaml:"reserve_capital_percent"`
	ReinforcementLevelsPercent []float64 `yaml:"reinforcement_levels_percent"`
}

// TimingConfig contains external-call and WebSocket timing settings.
type TimingConfig struct {
	ExchangeCallTimeoutSeconds int `yaml:"exchange_call_timeout_seconds"`
	WSReconnectBaseSeconds     int `yaml:"ws_reconnect_base_seconds"`
	WSReconnectCapSeconds      int `yaml:"ws_reconnect_cap_seconds"`
	WSMaxReconnectAttempts     int `yaml:"ws_max_reconnect_attempts"`
	ListenKeyKeepaliveMinutes  int `yaml:"listen_key_keepalive_minutes"`
}

// NotifyConfig selects the outbound notifier channels.
type NotifyConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ValidationError reports a single invalid configuration field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads a YAML config file with ${ENV} expansion, applies defaults and
// validates.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration with every knob at its documented default.
func Default() *Config {
	return &Config{
		App: AppConfig{
			DatabasePath: "botcore.db",
			LogLevel:     "INFO",
		},
		Engine: EngineConfig{
			TickIntervalSeconds:       1,
			SupervisorIntervalSeconds: 5,
			MaxSubmitRetries:          3,
			RetryBackoffMS:            500,
			RetryBackoffCapMS:         10000,
			FillPoolWorkers:           4,
			FillPoolCapacity:          256,
			ReconcileCron:             "@every 5m",
		},
		Circuit: CircuitConfig{
			MaxOrdersPerMinute:       50,
			MaxLossPercentPerHour:    5.0,
			MaxPriceDeviationPercent: 10.0,
			CooldownSeconds:          300,
			HalfOpenOrders:           3,
		},
		Risk: RiskConfig{
			DailyStopPercent:           4,
			WeeklyStopPercent:          10,
			MonthlyStopPercent:         20,
			DailyPauseHours:            24,
			TwoStepWaitMinutes:         30,
			TrailingPercent:            3,
			TrailingWaitMinutes:        30,
			ActiveCapitalPercent:       60,
			ReserveCapitalPercent:      40,
			ReinforcementLevelsPercent: []float64{8, 15},
		},
		Timing: TimingConfig{
			ExchangeCallTimeoutSeconds: 10,
			WSReconnectBaseSeconds:     1,
			WSReconnectCapSeconds:      60,
			WSMaxReconnectAttempts:     10,
			ListenKeyKeepaliveMinutes:  30,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9100,
		},
	}
}

// applyDefaults backfills zero values a partial YAML file may leave behind.
func (c *Config) applyDefaults() {
	d := Default()
	if c.App.LogLevel == "" {
		c.App.LogLevel = d.App.LogLevel
	}
	if c.App.DatabasePath == "" {
		c.App.DatabasePath = d.App.DatabasePath
	}
	if c.Engine.TickIntervalSeconds <= 0 {
		c.Engine.TickIntervalSeconds = d.Engine.TickIntervalSeconds
	}
	if c.Engine.SupervisorIntervalSeconds <= 0 {
		c.Engine.SupervisorIntervalSeconds = d.Engine.SupervisorIntervalSeconds
	}
	if c.Engine.MaxSubmitRetries <= 0 {
		c.Engine.MaxSubmitRetries = d.Engine.MaxSubmitRetries
	}
	if c.Engine.RetryBackoffMS <= 0 {
		c.Engine.RetryBackoffMS = d.Engine.RetryBackoffMS
	}
	if c.Engine.RetryBackoffCapMS <= 0 {
		c.Engine.RetryBackoffCapMS = d.Engine.RetryBackoffCapMS
	}
	if c.Engine.FillPoolWorkers <= 0 {
		c.Engine.FillPoolWorkers = d.Engine.FillPoolWorkers
	}
	if c.Engine.FillPoolCapacity <= 0 {
		c.Engine.FillPoolCapacity = d.Engine.FillPoolCapacity
	}
	if c.Engine.ReconcileCron == "" {
		c.Engine.ReconcileCron = d.Engine.ReconcileCron
	}
	if c.Circuit.MaxOrdersPerMinute <= 0 {
		c.Circuit.MaxOrdersPerMinute = d.Circuit.MaxOrdersPerMinute
	}
	if c.Circuit.MaxLossPercentPerHour <= 0 {
		c.Circuit.MaxLossPercentPerHour = d.Circuit.MaxLossPercentPerHour
	}
	if c.Circuit.MaxPriceDeviationPercent <= 0 {
		c.Circuit.MaxPriceDeviationPercent = d.Circuit.MaxPriceDeviationPercent
	}
	if c.Circuit.CooldownSeconds <= 0 {
		c.Circuit.CooldownSeconds = d.Circuit.CooldownSeconds
	}
	if c.Circuit.HalfOpenOrders <= 0 {
		c.Circuit.HalfOpenOrders = d.Circuit.HalfOpenOrders
	}
	if c.Risk.DailyStopPercent <= 0 {
		c.Risk.DailyStopPercent = d.Risk.DailyStopPercent
	}
	if c.Risk.WeeklyStopPercent <= 0 {
		c.Risk.WeeklyStopPercent = d.Risk.WeeklyStopPercent
	}
	if c.Risk.MonthlyStopPercent <= 0 {
		c.Risk.MonthlyStopPercent = d.Risk.MonthlyStopPercent
	}
	if c.Risk.DailyPauseHours <= 0 {
		c.Risk.DailyPauseHours = d.Risk.DailyPauseHours
	}
	if c.Risk.TwoStepWaitMinutes <= 0 {
		c.Risk.TwoStepWaitMinutes = d.Risk.TwoStepWaitMinutes
	}
	if c.Risk.TrailingPercent <= 0 {
		c.Risk.TrailingPercent = d.Risk.TrailingPercent
	}
	if c.Risk.TrailingWaitMinutes <= 0 {
		c.Risk.TrailingWaitMinutes = d.Risk.TrailingWaitMinutes
	}
	if c.Risk.ActiveCapitalPercent <= 0 {
		c.Risk.ActiveCapitalPercent = d.Risk.ActiveCapitalPercent
	}
	if c.Risk.ReserveCapitalPercent <= 0 {
		c.Risk.ReserveCapitalPercent = d.Risk.ReserveCapitalPercent
	}
	if len(c.Risk.ReinforcementLevelsPercent) == 0 {
		c.Risk.ReinforcementLevelsPercent = d.Risk.ReinforcementLevelsPercent
	}
	if c.Timing.ExchangeCallTimeoutSeconds <= 0 {
		c.Timing.ExchangeCallTimeoutSeconds = d.Timing.ExchangeCallTimeoutSeconds
	}
	if c.Timing.WSReconnectBaseSeconds <= 0 {
		c.Timing.WSReconnectBaseSeconds = d.Timing.WSReconnectBaseSeconds
	}
	if c.Timing.WSReconnectCapSeconds <= 0 {
		c.Timing.WSReconnectCapSeconds = d.Timing.WSReconnectCapSeconds
	}
	if c.Timing.WSMaxReconnectAttempts <= 0 {
		c.Timing.WSMaxReconnectAttempts = d.Timing.WSMaxReconnectAttempts
	}
	if c.Timing.ListenKeyKeepaliveMinutes <= 0 {
		c.Timing.ListenKeyKeepaliveMinutes = d.Timing.ListenKeyKeepaliveMinutes
	}
	if c.Metrics.Port <= 0 {
		c.Metrics.Port = d.Metrics.Port
	}
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		errs = append(errs, ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}.Error())
	}

	for name, ex := range c.Exchanges {
		if ex.APIKey == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_key", name),
				Message: "API key is required",
			}.Error())
		}
		if ex.SecretKey == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.secret_key", name),
				Message: "secret key is required",
			}.Error())
		}
	}

	if c.Circuit.MaxPriceDeviationPercent > 100 {
		errs = append(errs, ValidationError{
			Field:   "circuit_breaker.max_price_deviation_percent",
			Value:   c.Circuit.MaxPriceDeviationPercent,
			Message: "must be at most 100",
		}.Error())
	}

	if c.Risk.ActiveCapitalPercent+c.Risk.ReserveCapitalPercent > 100 {
		errs = append(errs, ValidationError{
			Field:   "risk.active_capital_percent",
			Value:   c.Risk.ActiveCapitalPercent,
			Message: "active + reserve capital must not exceed 100%",
		}.Error())
	}

	for i, lvl := range c.Risk.ReinforcementLevelsPercent {
		if lvl <= 0 || lvl >= 100 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("risk.reinforcement_levels_percent[%d]", i),
				Value:   lvl,
				Message: "must be in (0, 100)",
			}.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// TickInterval returns the engine tick interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Engine.TickIntervalSeconds * float64(time.Second))
}

// SupervisorInterval returns the supervisor poll interval as a duration.
func (c *Config) SupervisorInterval() time.Duration {
	return time.Duration(c.Engine.SupervisorIntervalSeconds) * time.Second
}

// CallTimeout returns the per-call exchange timeout as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Timing.ExchangeCallTimeoutSeconds) * time.Second
}

// String returns the configuration with sensitive data masked.
func (c *Config) String() string {
	cp := *c
	cp.Exchanges = make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		ex.APIKey = maskString(ex.APIKey)
		ex.SecretKey = maskString(ex.SecretKey)
		cp.Exchanges[name] = ex
	}
	cp.Notify.TelegramBotToken = maskString(cp.Notify.TelegramBotToken)
	cp.Notify.SlackWebhookURL = maskString(cp.Notify.SlackWebhookURL)

	data, _ := yaml.Marshal(cp)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
