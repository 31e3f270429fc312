// Package config provides configuration management for the rebalancer engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Cache     CacheConfig
	Alert     AlertConfig
	Sweep     SweepConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres       PostgresConfig
	ClickHouse     ClickHouseConfig
	Redis          RedisConfig
	MigrationsPath string
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// QueueConfig holds the price event transport configuration
type QueueConfig struct {
	Stream           string
	Group            string
	Consumer         string
	JobKind          string
	Codec            string // json, msgpack
	DeadLetterStream string
	DeadLetterMaxLen int64
	MaxAttempts      int
	BlockTimeout     time.Duration
	ReclaimInterval  time.Duration
	ReclaimMinIdle   time.Duration
	JobTimeout       time.Duration
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Concurrency int
}

// CacheConfig holds latest-price cache configuration
type CacheConfig struct {
	Enabled        bool
	LatestPriceTTL time.Duration
}

// AlertConfig holds alert sink configuration
type AlertConfig struct {
	Sinks          []string // log, webhook, redis, clickhouse
	BufferSize     int
	Timeout        time.Duration
	WebhookURL     string
	WebhookTimeout time.Duration
	RedisChannel   string
}

// SweepConfig holds periodic drift sweep configuration.
// An empty schedule disables the sweep.
type SweepConfig struct {
	Schedule string
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	IngestRPS   int
	IngestBurst int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// MetricsConfig holds metrics exporter configuration
type MetricsConfig struct {
	Addr string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "rebalancer"
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "4000"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "rebalancer"),
				User:           getEnv("POSTGRES_USER", "rebalancer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "rebalancer"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Queue: QueueConfig{
			Stream:           getEnv("QUEUE_STREAM", "price-events"),
			Group:            getEnv("QUEUE_GROUP", "rebalancer"),
			Consumer:         getEnv("QUEUE_CONSUMER", hostname),
			JobKind:          getEnv("QUEUE_JOB_KIND", "price-update"),
			Codec:            getEnv("QUEUE_CODEC", "json"),
			DeadLetterStream: getEnv("QUEUE_DEAD_LETTER_STREAM", "price-events:failed"),
			DeadLetterMaxLen: int64(getEnvAsInt("QUEUE_DEAD_LETTER_MAX_LEN", 500)),
			MaxAttempts:      getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
			BlockTimeout:     getEnvAsDuration("QUEUE_BLOCK_TIMEOUT", 2*time.Second),
			ReclaimInterval:  getEnvAsDuration("QUEUE_RECLAIM_INTERVAL", 15*time.Second),
			ReclaimMinIdle:   getEnvAsDuration("QUEUE_RECLAIM_MIN_IDLE", time.Minute),
			JobTimeout:       getEnvAsDuration("QUEUE_JOB_TIMEOUT", 30*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency: getEnvAsInt("WORKER_CONCURRENCY", 10),
		},
		Cache: CacheConfig{
			Enabled:        getEnvAsBool("CACHE_LATEST_PRICE_ENABLED", true),
			LatestPriceTTL: getEnvAsDuration("CACHE_LATEST_PRICE_TTL", 10*time.Minute),
		},
		Alert: AlertConfig{
			Sinks:          getEnvAsList("ALERT_SINKS", []string{"log"}),
			BufferSize:     getEnvAsInt("ALERT_BUFFER_SIZE", 1024),
			Timeout:        getEnvAsDuration("ALERT_TIMEOUT", 5*time.Second),
			WebhookURL:     getEnv("ALERT_WEBHOOK_URL", ""),
			WebhookTimeout: getEnvAsDuration("ALERT_WEBHOOK_TIMEOUT", 3*time.Second),
			RedisChannel:   getEnv("ALERT_REDIS_CHANNEL", "drift-alerts"),
		},
		Sweep: SweepConfig{
			Schedule: getEnv("SWEEP_SCHEDULE", ""),
		},
		RateLimit: RateLimitConfig{
			IngestRPS:   getEnvAsInt("RATE_LIMIT_INGEST_RPS", 100),
			IngestBurst: getEnvAsInt("RATE_LIMIT_INGEST_BURST", 50),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9100"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.ReclaimMinIdle <= c.Queue.JobTimeout {
		return fmt.Errorf("QUEUE_RECLAIM_MIN_IDLE (%s) must exceed QUEUE_JOB_TIMEOUT (%s)", c.Queue.ReclaimMinIdle, c.Queue.JobTimeout)
	}
	switch c.Queue.Codec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("unknown QUEUE_CODEC %q (expected json or msgpack)", c.Queue.Codec)
	}
	if c.Alert.BufferSize <= 0 {
		return fmt.Errorf("ALERT_BUFFER_SIZE must be positive, got %d", c.Alert.BufferSize)
	}
	for _, sink := range c.Alert.Sinks {
		switch sink {
		case "log", "redis", "clickhouse":
		case "webhook":
			if c.Alert.WebhookURL == "" {
				return fmt.Errorf("ALERT_WEBHOOK_URL is required when the webhook sink is enabled")
			}
		default:
			return fmt.Errorf("unknown alert sink %q", sink)
		}
	}
	return nil
}

// HasSink reports whether the named alert sink is enabled
func (c AlertConfig) HasSink(name string) bool {
	for _, sink := range c.Sinks {
		if sink == name {
			return true
		}
	}
	return false
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
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

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma separated environment variable as a list
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var values []string
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		values = append(values, part)
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
