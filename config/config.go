/*
Package config loads server configuration from the environment.

PURPOSE:
  One place for every tunable. Values come from the process environment,
  optionally seeded from a .env file; main applies command-line flags on
  top.

KEYS:
  APP_PORT, APP_ENV, LOG_LEVEL
  DB_DRIVER (sqlite|postgres), SQLITE_PATH
  DATABASE_URL, or DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME/DB_SSL_MODE
  REDIS_ADDR, REDIS_PASSWORD, REDIS_DB, LOCK_TTL    (empty addr: in-process lock)
  KAFKA_BROKERS, KAFKA_TOPIC, OUTBOX_POLL_INTERVAL  (empty brokers: relay off)
  COMMIT_TIMEOUT, CALC_CONCURRENCY
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Payroll  PayrollConfig
}

type AppConfig struct {
	Port     int
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	Driver     string
	SQLitePath string
	URL        string
	Host       string
	Port       int
	User       string
	Password   string
	Name       string
	SSLMode    string
}

// RedisConfig backs the distributed month lock. Addr empty means the
// in-process lock is used.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	PollInterval time.Duration
}

type PayrollConfig struct {
	CommitTimeout time.Duration
	Concurrency   int
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	var errs []error
	intVar := func(key, fallback string) int {
		v, err := strconv.Atoi(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return v
	}
	durationVar := func(key, fallback string) time.Duration {
		v, err := time.ParseDuration(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return v
	}

	cfg := &Config{
		App: AppConfig{
			Port:     intVar("APP_PORT", "8080"),
			Env:      getEnv("APP_ENV", "development"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", DriverSQLite),
			SQLitePath: getEnv("SQLITE_PATH", "payroll.db"),
			URL:        getEnv("DATABASE_URL", ""),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       intVar("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", ""),
			Name:       getEnv("DB_NAME", "payroll"),
			SSLMode:    getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       intVar("REDIS_DB", "0"),
			LockTTL:  durationVar("LOCK_TTL", "10m"),
		},
		Kafka: KafkaConfig{
			Brokers:      getEnvSlice("KAFKA_BROKERS"),
			Topic:        getEnv("KAFKA_TOPIC", "payroll.runs"),
			PollInterval: durationVar("OUTBOX_POLL_INTERVAL", "3s"),
		},
		Payroll: PayrollConfig{
			CommitTimeout: durationVar("COMMIT_TIMEOUT", "5m"),
			Concurrency:   intVar("CALC_CONCURRENCY", "8"),
		},
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("APP_PORT out of range: %d", c.App.Port)
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.URL == "" && c.Database.Password == "" {
			return fmt.Errorf("DATABASE_URL or DB_PASSWORD is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver)
	}
	if c.Payroll.CommitTimeout <= 0 {
		return fmt.Errorf("COMMIT_TIMEOUT must be positive")
	}
	if c.Payroll.Concurrency < 1 {
		return fmt.Errorf("CALC_CONCURRENCY must be at least 1")
	}
	// A month lock that expires mid-commit lets a second commit in.
	if c.Redis.Addr != "" && c.Redis.LockTTL <= c.Payroll.CommitTimeout {
		return fmt.Errorf("LOCK_TTL (%s) must exceed COMMIT_TIMEOUT (%s)", c.Redis.LockTTL, c.Payroll.CommitTimeout)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.PollInterval <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL must be positive")
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string.
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvSlice(env string) []string {
	value := getEnv(env, "")
	if value == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
