// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Addr              string
	Environment       string
	LogLevel          string
	DBDriver          string
	SQLitePath        string
	DatabaseURL       string
	JWTSecret         string
	RedisAddr         string
	OutboxInterval    time.Duration
	OutboxBatchSize   int
	OutboxMaxAttempts int
	CarryOverWorkers  int
	CarryOverAuto     bool
	CarryOverCheck    time.Duration
	TxRetryAttempts   int
	CORSOrigins       []string
	MetricsEnabled    bool
}

func Load() Config {
	return Config{
		Addr:              getEnv("APP_ADDR", ":8080"),
		Environment:       getEnv("APP_ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DBDriver:          getEnv("DB_DRIVER", DriverSQLite),
		SQLitePath:        getEnv("SQLITE_PATH", "leave.db"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		OutboxInterval:    getEnvDuration("OUTBOX_INTERVAL", time.Second),
		OutboxBatchSize:   getEnvInt("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxAttempts: getEnvInt("OUTBOX_MAX_ATTEMPTS", 5),
		CarryOverWorkers:  getEnvInt("CARRYOVER_WORKERS", 8),
		CarryOverAuto:     getEnvBool("CARRYOVER_AUTO", false),
		CarryOverCheck:    getEnvDuration("CARRYOVER_CHECK_INTERVAL", time.Hour),
		TxRetryAttempts:   getEnvInt("TX_RETRY_ATTEMPTS", 3),
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		MetricsEnabled:    getEnvBool("METRICS_ENABLED", true),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}
	if c.Environment == "production" && len(strings.TrimSpace(c.JWTSecret)) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.TxRetryAttempts < 1 {
		return fmt.Errorf("TX_RETRY_ATTEMPTS must be positive")
	}
	if c.CarryOverWorkers < 1 {
		return fmt.Errorf("CARRYOVER_WORKERS must be positive")
	}
	if c.CarryOverAuto && c.CarryOverCheck <= 0 {
		return fmt.Errorf("CARRYOVER_CHECK_INTERVAL must be positive")
	}
	return nil
}
