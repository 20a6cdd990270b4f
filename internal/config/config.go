// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds settings shared by the api and worker binaries.
type Config struct {
	AppEnv   string `validate:"oneof=development production test"`
	LogLevel string
	RunLocal bool
	Port     string `validate:"required,numeric"`

	BotToken      string `validate:"required"`
	WebhookURL    string `validate:"omitempty,url"`
	WebhookSecret string `validate:"omitempty,max=256"`

	EnhanceEndpoint string `validate:"omitempty,url"`
	EnhanceToken    string
	EnhanceTimeout  time.Duration `validate:"gt=0"`

	StarsAmount int    `validate:"gt=0"`
	Currency    string `validate:"currency"`

	CacheDir      string `validate:"required"`
	CacheMaxAge   time.Duration
	CacheMaxBytes int64 `validate:"gte=0"`

	LedgerTable      string
	OutboxQueueURL   string `validate:"omitempty,url"`
	MetricsNamespace string
	RecordRetention  time.Duration `validate:"gt=0"`
	Workers          int           `validate:"gte=1,lte=256"`
}

// Load reads .env files when present, then the environment, and validates
// the result with v.
func Load(v *validatorv10.Validate) (*Config, error) {
	// missing files are fine
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		RunLocal: getEnvBool("RUN_LOCAL", false),
		Port:     getEnv("PORT", "8000"),

		BotToken:      os.Getenv("BOT_TOKEN"),
		WebhookURL:    getEnv("WEBHOOK_URL", os.Getenv("RENDER_EXTERNAL_URL")),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		EnhanceEndpoint: os.Getenv("ENHANCE_ENDPOINT"),
		EnhanceToken:    os.Getenv("HF_TOKEN"),
		EnhanceTimeout:  time.Second * time.Duration(getEnvInt("ENHANCE_TIMEOUT_SECONDS", 30)),

		StarsAmount: getEnvInt("STARS_AMOUNT", 100),
		Currency:    strings.ToUpper(getEnv("CURRENCY", "XTR")),

		CacheDir:      getEnv("CACHE_DIR", "hd_cache"),
		CacheMaxAge:   time.Hour * time.Duration(getEnvInt("CACHE_MAX_AGE_HOURS", 0)),
		CacheMaxBytes: int64(getEnvInt("CACHE_MAX_BYTES", 0)),

		LedgerTable:      os.Getenv("LEDGER_TABLE"),
		OutboxQueueURL:   os.Getenv("OUTBOX_QUEUE_URL"),
		MetricsNamespace: os.Getenv("METRICS_NAMESPACE"),
		RecordRetention:  time.Hour * time.Duration(getEnvInt("RECORD_RETENTION_HOURS", 48)),
		Workers:          getEnvInt("WORKERS", 8),
	}

	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Development reports whether the service runs in development mode.
func (c *Config) Development() bool {
	return c.AppEnv == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
