// Package config loads engine configuration from defaults, an optional
// .env file, and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/stockwise/trading-engine/internal/market"
)

// Config holds all configuration for the engine.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Market   MarketConfig   `mapstructure:"market"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g. "local", "prod"
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"` // empty selects the in-memory store
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"` // empty disables cache, price feed and ranked board
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"` // empty disables the event stream
	Topic   string   `mapstructure:"topic"`
}

type MarketConfig struct {
	Timezone   string `mapstructure:"timezone"`
	Open       string `mapstructure:"open"`
	Close      string `mapstructure:"close"`
	AlwaysOpen bool   `mapstructure:"always_open"`
}

type TradingConfig struct {
	QuoteTimeout time.Duration `mapstructure:"quote_timeout"`
	QuoteMaxAge  time.Duration `mapstructure:"quote_max_age"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
}

type JobsConfig struct {
	OrderInterval       time.Duration `mapstructure:"order_interval"`
	LeaderboardInterval time.Duration `mapstructure:"leaderboard_interval"`
	SnapshotAt          string        `mapstructure:"snapshot_at"` // HH:MM market time
}

type HTTPConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RateLimit      float64       `mapstructure:"rate_limit"` // mutating requests per second per user
	RateBurst      int           `mapstructure:"rate_burst"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

var keys = []string{
	"app.port", "app.env",
	"log.level", "log.format",
	"database.url",
	"redis.url", "redis.cache_ttl",
	"kafka.brokers", "kafka.topic",
	"market.timezone", "market.open", "market.close", "market.always_open",
	"trading.quote_timeout", "trading.quote_max_age", "trading.lock_timeout",
	"jobs.order_interval", "jobs.leaderboard_interval", "jobs.snapshot_at",
	"http.allowed_origins", "http.rate_limit", "http.rate_burst", "http.request_timeout",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.url", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "trading-events")

	v.SetDefault("market.timezone", "Asia/Kolkata")
	v.SetDefault("market.open", "09:15")
	v.SetDefault("market.close", "15:30")
	v.SetDefault("market.always_open", false)

	v.SetDefault("trading.quote_timeout", 3*time.Second)
	v.SetDefault("trading.quote_max_age", 5*time.Minute)
	v.SetDefault("trading.lock_timeout", 5*time.Second)

	v.SetDefault("jobs.order_interval", 60*time.Second)
	v.SetDefault("jobs.leaderboard_interval", 30*time.Minute)
	v.SetDefault("jobs.snapshot_at", "10:05")

	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.rate_limit", 5.0)
	v.SetDefault("http.rate_burst", 10)
	v.SetDefault("http.request_timeout", 30*time.Second)
}

// Load reads configuration. Each env file is loaded into the process
// environment first if it exists; with none given, ./.env is tried. File
// values never override variables already set.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	// "database.url" -> "DATABASE_URL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.HTTP.AllowedOrigins = splitList(cfg.HTTP.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.App.Port == "" {
		return errors.New("config: app.port cannot be empty")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.MarketClock(); err != nil {
		return err
	}
	if _, err := market.ParseTimeOfDay(c.Jobs.SnapshotAt); err != nil {
		return fmt.Errorf("config: jobs.snapshot_at: %w", err)
	}
	if c.Jobs.OrderInterval <= 0 || c.Jobs.LeaderboardInterval <= 0 {
		return errors.New("config: job intervals must be positive")
	}
	if c.Trading.QuoteTimeout <= 0 || c.Trading.LockTimeout <= 0 {
		return errors.New("config: trading timeouts must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("config: kafka.topic is required when brokers are set")
	}
	return nil
}

// Location is the market's time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: market.timezone: %w", err)
	}
	return loc, nil
}

// MarketClock builds the trading session gate.
func (c *Config) MarketClock() (market.Clock, error) {
	if c.Market.AlwaysOpen {
		return market.AlwaysOpen{}, nil
	}
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	open, err := market.ParseTimeOfDay(c.Market.Open)
	if err != nil {
		return nil, fmt.Errorf("config: market.open: %w", err)
	}
	closeAt, err := market.ParseTimeOfDay(c.Market.Close)
	if err != nil {
		return nil, fmt.Errorf("config: market.close: %w", err)
	}
	if closeAt.Hour*60+closeAt.Minute <= open.Hour*60+open.Minute {
		return nil, errors.New("config: market.close must be after market.open")
	}
	return market.SessionClock{Location: loc, Open: open, Close: closeAt}, nil
}

// SnapshotTime is when the daily snapshot runs, in market time.
func (c *Config) SnapshotTime() market.TimeOfDay {
	t, _ := market.ParseTimeOfDay(c.Jobs.SnapshotAt)
	return t
}
