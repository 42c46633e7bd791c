// Package config loads relayer configuration from defaults, an optional YAML
// file overlay, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StoreMode selects which job-store backend composition is active.
type StoreMode string

const (
	ModePostgres StoreMode = "postgres"
	ModeRedis    StoreMode = "redis"
	ModeHybrid   StoreMode = "hybrid"
)

// PostgresConfig describes the truth-store connection and pool parameters.
type PostgresConfig struct {
	Host            string `json:"host" yaml:"host" env:"POSTGRES_HOST"`
	Port            int    `json:"port" yaml:"port" env:"POSTGRES_PORT"`
	User            string `json:"user" yaml:"user" env:"POSTGRES_USER"`
	Password        string `json:"password" yaml:"password" env:"POSTGRES_PASSWORD"`
	Database        string `json:"database" yaml:"database" env:"POSTGRES_DATABASE"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"POSTGRES_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"POSTGRES_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"POSTGRES_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" env:"POSTGRES_CONN_MAX_LIFETIME_SECONDS"`
	MigrationsDir   string `json:"migrations_dir" yaml:"migrations_dir" env:"POSTGRES_MIGRATIONS_DIR"`
}

// DSN builds a libpq-style connection string from host parameters.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig describes the cache-store connection.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password  string `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `json:"db" yaml:"db" env:"REDIS_DB"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size" env:"REDIS_POOL_SIZE"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

// PoolConfig configures the connection manager's health checking and
// failover behavior, applied to the truth-store pool.
type PoolConfig struct {
	HealthCheckIntervalSeconds int `json:"health_check_interval_seconds" yaml:"health_check_interval_seconds" env:"POOL_HEALTH_CHECK_INTERVAL_SECONDS"`
	MaxConsecutiveFailures     int `json:"max_consecutive_failures" yaml:"max_consecutive_failures" env:"POOL_MAX_CONSECUTIVE_FAILURES"`
	MinConnections             int `json:"min_connections" yaml:"min_connections" env:"POOL_MIN_CONNECTIONS"`
	MaxConnections             int `json:"max_connections" yaml:"max_connections" env:"POOL_MAX_CONNECTIONS"`
}

func (p PoolConfig) HealthCheckInterval() time.Duration {
	return time.Duration(p.HealthCheckIntervalSeconds) * time.Second
}

// BreakerConfig configures the circuit breaker applied per (endpoint,
// operation-class) pair.
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" env:"BREAKER_FAILURE_THRESHOLD"`
	TimeoutSeconds   int `json:"timeout_seconds" yaml:"timeout_seconds" env:"BREAKER_TIMEOUT_SECONDS"`
	HalfOpenMax      int `json:"half_open_max" yaml:"half_open_max" env:"BREAKER_HALF_OPEN_MAX"`
}

// RetryConfig configures the shared retry/back-off helper.
type RetryConfig struct {
	MaxAttempts         int     `json:"max_attempts" yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	InitialDelayMillis  int     `json:"initial_delay_millis" yaml:"initial_delay_millis" env:"RETRY_INITIAL_DELAY_MILLIS"`
	MaxDelayMillis      int     `json:"max_delay_millis" yaml:"max_delay_millis" env:"RETRY_MAX_DELAY_MILLIS"`
	Multiplier          float64 `json:"multiplier" yaml:"multiplier" env:"RETRY_MULTIPLIER"`
	Jitter              float64 `json:"jitter" yaml:"jitter" env:"RETRY_JITTER"`
}

// ThrottleConfig configures the throttled request executor fronting chain
// RPC calls.
type ThrottleConfig struct {
	MaxConcurrent      int     `json:"max_concurrent" yaml:"max_concurrent" env:"THROTTLE_MAX_CONCURRENT"`
	QueueLimit         int     `json:"queue_limit" yaml:"queue_limit" env:"THROTTLE_QUEUE_LIMIT"`
	DefaultDelayMillis int     `json:"default_delay_millis" yaml:"default_delay_millis" env:"THROTTLE_DEFAULT_DELAY_MILLIS"`
	MaxDelayMillis     int     `json:"max_delay_millis" yaml:"max_delay_millis" env:"THROTTLE_MAX_DELAY_MILLIS"`
	BackoffMultiplier  float64 `json:"backoff_multiplier" yaml:"backoff_multiplier" env:"THROTTLE_BACKOFF_MULTIPLIER"`
	EnableAdaptive     bool    `json:"enable_adaptive" yaml:"enable_adaptive" env:"THROTTLE_ENABLE_ADAPTIVE"`
}

// LeaseConfig configures per-relay worker leasing.
type LeaseConfig struct {
	TTLSeconds           int `json:"ttl_seconds" yaml:"ttl_seconds" env:"LEASE_TTL_SECONDS"`
	HeartbeatIntervalSec int `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds" env:"LEASE_HEARTBEAT_INTERVAL_SECONDS"`
	WorkerPoolSize       int `json:"worker_pool_size" yaml:"worker_pool_size" env:"LEASE_WORKER_POOL_SIZE"`
	ReconcileIntervalSec int `json:"reconcile_interval_seconds" yaml:"reconcile_interval_seconds" env:"LEASE_RECONCILE_INTERVAL_SECONDS"`
}

// RetentionConfig configures the archival sweep.
type RetentionConfig struct {
	TerminalRelayDays int    `json:"terminal_relay_days" yaml:"terminal_relay_days" env:"RETENTION_TERMINAL_RELAY_DAYS"`
	MetricsDays       int    `json:"metrics_days" yaml:"metrics_days" env:"RETENTION_METRICS_DAYS"`
	ArchiveCron       string `json:"archive_cron" yaml:"archive_cron" env:"RETENTION_ARCHIVE_CRON"`
	BackupCron        string `json:"backup_cron" yaml:"backup_cron" env:"RETENTION_BACKUP_CRON"`
	MetricsCron       string `json:"metrics_cron" yaml:"metrics_cron" env:"RETENTION_METRICS_CRON"`
}

// FeatureToggles gate the optional background subsystems.
type FeatureToggles struct {
	BackupEnabled    bool `json:"backup_enabled" yaml:"backup_enabled" env:"FEATURE_BACKUP_ENABLED"`
	MonitoringEnabled bool `json:"monitoring_enabled" yaml:"monitoring_enabled" env:"FEATURE_MONITORING_ENABLED"`
	ArchivalEnabled  bool `json:"archival_enabled" yaml:"archival_enabled" env:"FEATURE_ARCHIVAL_ENABLED"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
}

// Config is the top-level relayer configuration.
type Config struct {
	Mode      StoreMode       `json:"mode" yaml:"mode" env:"RELAYER_MODE"`
	CachePrefix string        `json:"cache_prefix" yaml:"cache_prefix" env:"RELAYER_CACHE_PREFIX"`
	Postgres  PostgresConfig  `json:"postgres" yaml:"postgres"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Pool      PoolConfig      `json:"pool" yaml:"pool"`
	Breaker   BreakerConfig   `json:"breaker" yaml:"breaker"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Throttle  ThrottleConfig  `json:"throttle" yaml:"throttle"`
	Lease     LeaseConfig     `json:"lease" yaml:"lease"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Features  FeatureToggles  `json:"features" yaml:"features"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Mode:        ModeHybrid,
		CachePrefix: "fusion:",
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrationsDir:   "migrations",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "fusion:",
		},
		Pool: PoolConfig{
			HealthCheckIntervalSeconds: 15,
			MaxConsecutiveFailures:     3,
			MinConnections:             1,
			MaxConnections:             10,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			TimeoutSeconds:   30,
			HalfOpenMax:      3,
		},
		Retry: RetryConfig{
			MaxAttempts:        3,
			InitialDelayMillis: 100,
			MaxDelayMillis:     10_000,
			Multiplier:         2.0,
			Jitter:             0.1,
		},
		Throttle: ThrottleConfig{
			MaxConcurrent:      10,
			QueueLimit:         1000,
			DefaultDelayMillis: 200,
			MaxDelayMillis:     30_000,
			BackoffMultiplier:  2.0,
			EnableAdaptive:     true,
		},
		Lease: LeaseConfig{
			TTLSeconds:           60,
			HeartbeatIntervalSec: 20,
			WorkerPoolSize:       8,
			ReconcileIntervalSec: 30,
		},
		Retention: RetentionConfig{
			TerminalRelayDays: 30,
			MetricsDays:       7,
			ArchiveCron:       "@every 1h",
			BackupCron:        "0 0 * * *",
			MetricsCron:       "@every 1m",
		},
		Features: FeatureToggles{
			BackupEnabled:     true,
			MonitoringEnabled: true,
			ArchivalEnabled:   true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load loads configuration from an optional `.env` file, an optional YAML
// file overlay, then environment variable overrides, validating the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file and validates it.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate rejects unknown modes, missing required backend blocks,
// out-of-range ports, and negative counts, per the configuration surface.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePostgres, ModeRedis, ModeHybrid:
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}

	if c.Mode == ModePostgres || c.Mode == ModeHybrid {
		if c.Postgres.Host == "" {
			return fmt.Errorf("config: postgres.host is required for mode %q", c.Mode)
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			return fmt.Errorf("config: postgres.port out of range: %d", c.Postgres.Port)
		}
		if c.Postgres.MaxOpenConns < 0 || c.Postgres.MaxIdleConns < 0 {
			return fmt.Errorf("config: postgres pool sizes must be non-negative")
		}
	}

	if c.Mode == ModeRedis || c.Mode == ModeHybrid {
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: redis.addr is required for mode %q", c.Mode)
		}
		if c.Redis.PoolSize < 0 {
			return fmt.Errorf("config: redis.pool_size must be non-negative")
		}
	}

	if c.Pool.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("config: pool.max_consecutive_failures must be positive")
	}
	if c.Pool.MaxConnections < c.Pool.MinConnections {
		return fmt.Errorf("config: pool.max_connections must be >= pool.min_connections")
	}

	if c.Throttle.MaxConcurrent <= 0 {
		return fmt.Errorf("config: throttle.max_concurrent must be positive")
	}
	if c.Throttle.QueueLimit <= 0 {
		return fmt.Errorf("config: throttle.queue_limit must be positive")
	}

	if c.Lease.TTLSeconds <= 0 {
		return fmt.Errorf("config: lease.ttl_seconds must be positive")
	}
	if c.Lease.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: lease.worker_pool_size must be positive")
	}

	if c.Retention.TerminalRelayDays < 0 || c.Retention.MetricsDays < 0 {
		return fmt.Errorf("config: retention days must be non-negative")
	}

	return nil
}
