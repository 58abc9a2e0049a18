// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

type Config struct {
	// ListenAddr for the add-on facing HTTP server. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080" validate:"required"`
	// PublicURL is informational; logged at startup. ENV: PUBLIC_URL
	PublicURL string `env:"PUBLIC_URL" validate:"omitempty,url"`
	LogLevel  string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`

	// RedisURL selects the Redis correlation table and queue. Empty keeps
	// both in process. ENV: REDIS_URL
	RedisURL string `env:"REDIS_URL" validate:"omitempty,url"`
	// DatabaseURL selects the PostgreSQL store. Empty keeps subscriptions
	// in memory. ENV: DATABASE_URL
	DatabaseURL      string        `env:"DATABASE_URL"`
	DatabaseMaxConns int           `env:"DATABASE_MAX_CONNS,default=20" validate:"min=1"`
	StoreTimeout     time.Duration `env:"STORE_TIMEOUT,default=5s" validate:"min=1ms"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default=30s" validate:"min=1ms"`
	TokenLeeway    time.Duration `env:"TOKEN_LEEWAY,default=1m"`
	TokenAudience  string        `env:"TOKEN_AUDIENCE"`

	QueueBatchSize      int           `env:"QUEUE_BATCH_SIZE,default=16" validate:"min=1"`
	VisibilityTimeout   time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=5m" validate:"min=1s"`
	PollInterval        time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s" validate:"min=1ms"`
	Workers             int           `env:"DISTRIBUTION_WORKERS,default=4" validate:"min=1"`
	DeliveryConcurrency int           `env:"DELIVERY_CONCURRENCY,default=8" validate:"min=1"`

	// DeliveryURL is the bot endpoint cards are posted to. ENV: DELIVERY_URL
	DeliveryURL   string `env:"DELIVERY_URL" validate:"required,url"`
	DeliveryToken string `env:"DELIVERY_TOKEN"`

	// BotAPIToken guards the bot-facing API. Empty disables it. ENV: BOT_API_TOKEN
	BotAPIToken string `env:"BOT_API_TOKEN"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads optional dotenv files (".env" when none are named), then the
// environment, and validates the result. Variables already set in the
// environment win over dotenv files.
func Load(dotenvFiles ...string) (Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load dotenv: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
