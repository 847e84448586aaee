package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all runtime settings, loaded from the environment.
type Config struct {
	Debug bool

	// HTTP
	HTTPAddr string

	// Database: a postgres:// URL or a sqlite file path.
	DatabaseURL string

	// Auth
	JWTSecret string
	JWTTTL    time.Duration

	// Clearing scheduler
	ClearingInterval time.Duration

	// Adaptive k feedback on the book endpoint
	AdaptiveKAlpha      decimal.Decimal
	AdaptiveKPersistEps decimal.Decimal

	// Trade documents
	DocsRoot         string
	DocSigningSecret string

	// Telegram notifications (optional)
	TelegramToken  string
	TelegramChatID int64
}

// Load reads configuration from the environment with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Debug:               getEnvBool("DEBUG", false),
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:         getEnv("DB_URL", "data/auctiond.db"),
		JWTSecret:           getEnv("JWT_SECRET", "dev_secret_change_me"),
		JWTTTL:              time.Duration(getEnvInt("JWT_TTL_MIN", 60)) * time.Minute,
		ClearingInterval:    getEnvDuration("CLEARING_INTERVAL", 300*time.Second),
		AdaptiveKAlpha:      getEnvDecimal("ADAPTIVE_K_ALPHA", decimal.NewFromFloat(0.15)),
		AdaptiveKPersistEps: getEnvDecimal("ADAPTIVE_K_PERSIST_EPS", decimal.NewFromFloat(0.01)),
		DocsRoot:            getEnv("DOCS_ROOT", "data/documents"),
		DocSigningSecret:    getEnv("DOC_SIGNING_SECRET", "dev_doc_secret_change_me"),
		TelegramToken:       os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if cfg.ClearingInterval < time.Second {
		return nil, fmt.Errorf("CLEARING_INTERVAL too small: %s", cfg.ClearingInterval)
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
