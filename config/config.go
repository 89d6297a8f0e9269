// Package config defines all configuration for the bot execution engine.
// Values come from an optional config file (default: configs/engine.yaml)
// with environment variables taking precedence, so the engine can run from
// env alone in containerized deployments.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level engine configuration.
type Config struct {
	DatabaseConfig     DatabaseConfig     `mapstructure:"database"`
	RedisConfig        RedisConfig        `mapstructure:"redis"`
	ObjectStoreConfig  ObjectStoreConfig  `mapstructure:"object_store"`
	SchedulerConfig    SchedulerConfig    `mapstructure:"scheduler"`
	WorkerConfig       WorkerConfig       `mapstructure:"worker"`
	ReconcilerConfig   ReconcilerConfig   `mapstructure:"reconciler"`
	CapitalConfig      CapitalConfig      `mapstructure:"capital"`
	LLMConfig          LLMConfig          `mapstructure:"llm"`
	NotificationConfig NotificationConfig `mapstructure:"notification"`
	LoggingConfig      LoggingConfig      `mapstructure:"logging"`
	EncryptionKey      string             `mapstructure:"encryption_key"`
	NetworkDefault     string             `mapstructure:"network_default"` // TESTNET or MAINNET
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL              string        `mapstructure:"url"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

// RedisConfig holds Redis connection settings for locks, caches and queues.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ObjectStoreConfig holds the versioned blob store for bot artifacts.
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// SchedulerConfig holds sweep and maintenance cadence.
type SchedulerConfig struct {
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	EnqueueDelay        time.Duration `mapstructure:"enqueue_delay"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	ActionLogRetention  time.Duration `mapstructure:"action_log_retention"`
}

// WorkerConfig holds the execution worker pool settings.
type WorkerConfig struct {
	Count         int           `mapstructure:"count"`
	CycleDeadline time.Duration `mapstructure:"cycle_deadline"` // soft deadline per RunCycle
	CycleHardCap  time.Duration `mapstructure:"cycle_hard_cap"`
	ExecLockTTL   time.Duration `mapstructure:"exec_lock_ttl"` // 2x longest expected cycle
}

// ReconcilerConfig holds the position-sync loop settings.
type ReconcilerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	TakerFeeRate  float64       `mapstructure:"taker_fee_rate"`  // estimated fee on close
	ExitTolerance float64       `mapstructure:"exit_tolerance"`  // SL/TP proximity for exit reason
}

// CapitalConfig holds position-sizing parameters consumed by internal/capital.
type CapitalConfig struct {
	BasePositionSizePct  float64 `mapstructure:"base_position_size_pct"`
	MaxPositionSizePct   float64 `mapstructure:"max_position_size_pct"`
	MaxPortfolioExposure float64 `mapstructure:"max_portfolio_exposure"`
	KellyMultiplier      float64 `mapstructure:"kelly_multiplier"`
	MinWinRate           float64 `mapstructure:"min_win_rate"`
	VolLowThreshold      float64 `mapstructure:"vol_low_threshold"`
	VolHighThreshold     float64 `mapstructure:"vol_high_threshold"`
	LLMWeight            float64 `mapstructure:"llm_weight"`
}

// LLMConfig holds LLM advisory settings.
type LLMConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Provider     string        `mapstructure:"provider"` // "claude", "openai" or "gemini"
	ClaudeAPIKey string        `mapstructure:"claude_api_key"`
	OpenAIAPIKey string        `mapstructure:"openai_api_key"`
	GeminiAPIKey string        `mapstructure:"gemini_api_key"`
	Model        string        `mapstructure:"model"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float64       `mapstructure:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	LockWait     time.Duration `mapstructure:"lock_wait"`
}

// NotificationConfig holds fire-and-forget notification sinks.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
}

// TelegramConfig holds Telegram bot API settings.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// DiscordConfig holds a Discord webhook.
type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // DEBUG, INFO, WARN, ERROR
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	JSONFormat bool   `mapstructure:"json_format"`
}

// Load reads configuration from the optional config file and environment.
// Environment variables map dotted keys with underscores, e.g.
// DATABASE_URL, REDIS_URL, OBJECT_STORE_ENDPOINT, LLM_PROVIDER.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("engine")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvAliases(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env-only deployments are supported.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the engine cannot start without.
func (c *Config) Validate() error {
	if c.DatabaseConfig.URL == "" {
		return fmt.Errorf("config: database.url (DATABASE_URL) is required")
	}
	if c.NetworkDefault != "TESTNET" && c.NetworkDefault != "MAINNET" {
		return fmt.Errorf("config: network_default must be TESTNET or MAINNET, got %q", c.NetworkDefault)
	}
	if c.WorkerConfig.Count < 1 {
		return fmt.Errorf("config: worker.count must be >= 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.statement_timeout", 5*time.Second)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("object_store.bucket", "bot-artifacts")
	v.SetDefault("object_store.use_ssl", true)

	v.SetDefault("scheduler.sweep_interval", 60*time.Second)
	v.SetDefault("scheduler.enqueue_delay", 5*time.Second)
	v.SetDefault("scheduler.maintenance_interval", 5*time.Minute)
	v.SetDefault("scheduler.action_log_retention", 30*24*time.Hour)

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.cycle_deadline", 25*time.Minute)
	v.SetDefault("worker.cycle_hard_cap", 30*time.Minute)
	v.SetDefault("worker.exec_lock_ttl", 50*time.Minute)

	v.SetDefault("reconciler.interval", 45*time.Second)
	v.SetDefault("reconciler.taker_fee_rate", 0.0005)
	v.SetDefault("reconciler.exit_tolerance", 0.01)

	v.SetDefault("capital.base_position_size_pct", 0.02)
	v.SetDefault("capital.max_position_size_pct", 0.08)
	v.SetDefault("capital.max_portfolio_exposure", 0.50)
	v.SetDefault("capital.kelly_multiplier", 0.5)
	v.SetDefault("capital.min_win_rate", 0.35)
	v.SetDefault("capital.vol_low_threshold", 0.02)
	v.SetDefault("capital.vol_high_threshold", 0.08)
	v.SetDefault("capital.llm_weight", 0.4)

	v.SetDefault("llm.enabled", true)
	v.SetDefault("llm.provider", "claude")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.cache_ttl", 60*time.Second)
	v.SetDefault("llm.lock_ttl", 5*time.Minute)
	v.SetDefault("llm.lock_wait", 3*time.Second)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.json_format", true)

	v.SetDefault("network_default", "TESTNET")
}

// bindEnvAliases maps the documented flat environment variables onto their
// dotted config keys so both spellings work.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"database.url":            "DATABASE_URL",
		"redis.url":               "REDIS_URL",
		"object_store.endpoint":   "OBJECT_STORE_ENDPOINT",
		"object_store.access_key": "OBJECT_STORE_ACCESS_KEY",
		"object_store.secret_key": "OBJECT_STORE_SECRET_KEY",
		"object_store.bucket":     "OBJECT_STORE_BUCKET",
		"llm.claude_api_key":      "CLAUDE_API_KEY",
		"llm.openai_api_key":      "OPENAI_API_KEY",
		"llm.gemini_api_key":      "GEMINI_API_KEY",
		"encryption_key":          "ENCRYPTION_KEY",
		"network_default":         "NETWORK_DEFAULT",
	}
	for key, env := range aliases {
		v.BindEnv(key, env)
	}
}
