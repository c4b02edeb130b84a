// Package config loads the service configuration from an optional YAML file
// with environment variable overrides. The zero-file defaults run a complete
// in-memory engine.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/position-engine/internal/ledger"
	"github.com/atmx/position-engine/internal/registry"
	"github.com/atmx/position-engine/internal/risk"
)

// Config is the top-level configuration for the position engine.
type Config struct {
	Server      Server          `yaml:"server"`
	Database    Database        `yaml:"database"`
	Redis       Redis           `yaml:"redis"`
	Kafka       Kafka           `yaml:"kafka"`
	Logging     Logging         `yaml:"logging"`
	Ledger      Ledger          `yaml:"ledger"`
	Limits      Limits          `yaml:"limits"`
	Operators   []string        `yaml:"operators"`
	Instruments []registry.Spec `yaml:"instruments"`
}

// Server holds network listener configuration.
type Server struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Database selects PostgreSQL. An empty URL runs the in-memory store.
type Database struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

// Redis enables the read-through cache in front of PostgreSQL.
type Redis struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Kafka enables publishing events to a topic.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Ledger holds the economic parameters.
type Ledger struct {
	StartingBalance      decimal.Decimal `yaml:"starting_balance"`
	FeeRateBps           int64           `yaml:"fee_rate_bps"`
	LiquidationRewardBps int64           `yaml:"liquidation_reward_bps"`
	SystemMaxLeverage    int64           `yaml:"system_max_leverage"`
}

// Limits configures the exposure limiter. Zero disables a limit.
type Limits struct {
	MaxPerInstrument decimal.Decimal `yaml:"max_per_instrument"`
	MaxCorrelated    decimal.Decimal `yaml:"max_correlated"`
}

// Default returns a configuration that runs without any external service.
func Default() *Config {
	return &Config{
		Server:   Server{Port: "8080", ShutdownTimeout: 5 * time.Second},
		Database: Database{Migrate: true},
		Redis:    Redis{CacheTTL: 30 * time.Second},
		Kafka:    Kafka{Topic: "position-events"},
		Logging:  Logging{Level: "info", Format: "json"},
		Ledger: Ledger{
			StartingBalance:      decimal.NewFromInt(10_000),
			FeeRateBps:           risk.FeeRateBps,
			LiquidationRewardBps: risk.LiquidationRewardBps,
			SystemMaxLeverage:    risk.SystemMaxLeverage,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("OPERATOR_IDS"); v != "" {
		cfg.Operators = splitList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	l := c.Ledger
	if l.StartingBalance.IsNegative() || !l.StartingBalance.IsInteger() {
		errs = append(errs, fmt.Errorf("ledger.starting_balance must be a non-negative whole number, got %s", l.StartingBalance))
	}
	if l.FeeRateBps < 0 || l.FeeRateBps > risk.BpsDenominator {
		errs = append(errs, fmt.Errorf("ledger.fee_rate_bps must be in 0..%d, got %d", risk.BpsDenominator, l.FeeRateBps))
	}
	if l.LiquidationRewardBps < 0 || l.LiquidationRewardBps > risk.BpsDenominator {
		errs = append(errs, fmt.Errorf("ledger.liquidation_reward_bps must be in 0..%d, got %d", risk.BpsDenominator, l.LiquidationRewardBps))
	}
	if l.SystemMaxLeverage < 1 || l.SystemMaxLeverage > risk.SystemMaxLeverage {
		errs = append(errs, fmt.Errorf("ledger.system_max_leverage must be in 1..%d, got %d", risk.SystemMaxLeverage, l.SystemMaxLeverage))
	}
	if c.Limits.MaxPerInstrument.IsNegative() || c.Limits.MaxCorrelated.IsNegative() {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		errs = append(errs, errors.New("redis.url requires database.url"))
	}

	return errors.Join(errs...)
}

// LedgerConfig converts the ledger section.
func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		StartingBalance:      c.Ledger.StartingBalance,
		FeeRateBps:           c.Ledger.FeeRateBps,
		LiquidationRewardBps: c.Ledger.LiquidationRewardBps,
		SystemMaxLeverage:    c.Ledger.SystemMaxLeverage,
	}
}

// Limiter builds the exposure limiter, or nil when both limits are zero.
func (c *Config) Limiter() *risk.ExposureLimiter {
	if c.Limits.MaxPerInstrument.IsZero() && c.Limits.MaxCorrelated.IsZero() {
		return nil
	}
	return risk.NewExposureLimiter(c.Limits.MaxPerInstrument, c.Limits.MaxCorrelated)
}

// NewLogger creates a structured logger at the configured level. Format
// "text" selects the text handler; anything else is JSON.
func NewLogger(cfg Logging) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
