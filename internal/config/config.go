// Package config loads service configuration from the environment.
// A .env file in the working directory is read first when present.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/athlex/market-engine/internal/athlete"
)

// Config holds all service configuration. Load it once at startup.
type Config struct {
	Port     string
	LogLevel slog.Level

	// DatabaseURL selects PostgreSQL; empty runs on the in-memory store.
	DatabaseURL string

	// RedisURL enables the read-through cache and the cross-instance
	// athlete lock.
	RedisURL string
	CacheTTL time.Duration
	LockTTL  time.Duration

	Kafka KafkaConfig

	// JWTSecret verifies bearer tokens. Empty trusts the X-User-ID header,
	// which is only meant for local development.
	JWTSecret string

	MaxTotalSupply int64

	// OrderRate is the sustained order requests per second allowed per
	// user; zero disables throttling.
	OrderRate  float64
	OrderBurst int

	// MaxPendingCommitmentRatio caps resting buy notional as a multiple of
	// the wallet balance; zero disables the check.
	MaxPendingCommitmentRatio decimal.Decimal
}

// KafkaConfig holds Kafka connection settings for the event stream.
type KafkaConfig struct {
	// Broker is the Kafka broker address (e.g., "localhost:9092"). Empty
	// disables publishing to Kafka.
	Broker string

	// Topic receives one message per engine event.
	Topic string
}

// Load reads configuration from the environment with defaults.
func Load() *Config {
	_ = godotenv.Load() // .env is optional

	return &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    getEnvDuration("CACHE_TTL", 30*time.Second),
		LockTTL:     getEnvDuration("LOCK_TTL", 10*time.Second),
		Kafka: KafkaConfig{
			Broker: getEnv("KAFKA_BROKER", ""),
			Topic:  getEnv("KAFKA_TRADE_TOPIC", "athlex_events"),
		},
		JWTSecret:                 getEnv("JWT_SECRET", ""),
		MaxTotalSupply:            int64(getEnvInt("MAX_TOTAL_SUPPLY", int(athlete.DefaultMaxSupply))),
		OrderRate:                 getEnvFloat("ORDER_RATE_LIMIT", 10),
		OrderBurst:                getEnvInt("ORDER_RATE_BURST", 20),
		MaxPendingCommitmentRatio: getEnvDecimal("MAX_PENDING_COMMITMENT_RATIO", decimal.Zero),
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	value, err := decimal.NewFromString(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}
