package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config is the full process configuration for both the API server and the
// worker runner. Values come from SIFTLOG_-prefixed environment variables;
// a double underscore separates nesting levels (SIFTLOG_DATABASE__HOST).
type Config struct {
	Primary  Primary        `koanf:"primary"`
	Server   ServerConfig   `koanf:"server" validate:"required"`
	Database DatabaseConfig `koanf:"database" validate:"required"`
	Redis    RedisConfig    `koanf:"redis" validate:"required"`
	Queue    QueueConfig    `koanf:"queue" validate:"required"`
	Cache    CacheConfig    `koanf:"cache" validate:"required"`
	Worker   WorkerConfig   `koanf:"worker" validate:"required"`
	Archive  *ArchiveConfig `koanf:"archive"`

	Observability *ObservabilityConfig `koanf:"observability"`
}

type Primary struct {
	Env string `koanf:"env"`
}

type ServerConfig struct {
	Port         string `koanf:"port" validate:"required"`
	ReadTimeout  int    `koanf:"read_timeout" validate:"min=1"`
	WriteTimeout int    `koanf:"write_timeout" validate:"min=1"`
	IdleTimeout  int    `koanf:"idle_timeout" validate:"min=1"`
}

// DatabaseConfig covers both the connection and the pool contract. Timeouts
// and ages are in seconds.
type DatabaseConfig struct {
	Host                 string `koanf:"host" validate:"required"`
	Port                 int    `koanf:"port" validate:"required"`
	User                 string `koanf:"user" validate:"required"`
	Password             string `koanf:"password"`
	Name                 string `koanf:"name" validate:"required"`
	SSLMode              string `koanf:"ssl_mode" validate:"required"`
	PoolSize             int    `koanf:"pool_size" validate:"min=1"`
	PoolOverflow         int    `koanf:"pool_overflow" validate:"min=0"`
	AcquireTimeout       int    `koanf:"acquire_timeout" validate:"min=1"`
	RecycleAfter         int    `koanf:"recycle_after" validate:"min=1"`
	HealthCheckOnAcquire bool   `koanf:"health_check_on_acquire"`
	LeakThresholds       []int  `koanf:"leak_thresholds" validate:"required,min=1"`
}

// URL builds a pgx connection string.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `koanf:"addr" validate:"required"`
	Password string `koanf:"password"`
	MaxConns int    `koanf:"max_conns" validate:"min=1"`
}

type QueueConfig struct {
	Stream          string `koanf:"stream" validate:"required"`
	Group           string `koanf:"group" validate:"required"`
	MaxLen          int64  `koanf:"max_len" validate:"min=0"`
	AppendRetries   int    `koanf:"append_retries" validate:"min=0"`
	AppendBackoffMS int    `koanf:"append_backoff_ms" validate:"min=1"`
}

// CacheConfig TTLs are in seconds.
type CacheConfig struct {
	QueryTTL int `koanf:"query_ttl" validate:"min=1"`
	StatsTTL int `koanf:"stats_ttl" validate:"min=1"`
}

// WorkerConfig drives the consumer loop. ReadBlockMS of zero reads without
// blocking; ClaimIdle must stay well above typical batch in-flight time or
// live entries get re-delivered.
type WorkerConfig struct {
	ConsumerID     string `koanf:"consumer_id"`
	Count          int    `koanf:"count" validate:"min=1"`
	BatchSize      int    `koanf:"batch_size" validate:"min=1"`
	ReadBlockMS    int    `koanf:"read_block_ms" validate:"min=0"`
	ClaimIdle      int    `koanf:"claim_idle" validate:"min=1"`
	ClaimInterval  int    `koanf:"claim_interval" validate:"min=1"`
	RetryBudget    int    `koanf:"retry_budget" validate:"min=0"`
	RetryBackoffMS int    `koanf:"retry_backoff_ms" validate:"min=1"`
}

// ArchiveConfig enables the optional cold archive of committed batches to an
// S3-compatible store. Nil or missing endpoint/bucket disables it.
type ArchiveConfig struct {
	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
}

func (a *ArchiveConfig) Enabled() bool {
	return a != nil && a.Endpoint != "" && a.Bucket != ""
}

type ObservabilityConfig struct {
	ServiceName        string `koanf:"service_name"`
	Environment        string `koanf:"environment"`
	NewRelicLicenseKey string `koanf:"new_relic_license_key"`
}

// Default returns the configuration with every tunable at its documented
// default. Credentials and endpoints still have to come from the
// environment in any real deployment.
func Default() *Config {
	return &Config{
		Primary: Primary{Env: "development"},
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  60,
		},
		Database: DatabaseConfig{
			Host:                 "localhost",
			Port:                 5432,
			User:                 "siftlog",
			Name:                 "siftlog",
			SSLMode:              "disable",
			PoolSize:             10,
			PoolOverflow:         5,
			AcquireTimeout:       30,
			RecycleAfter:         3600,
			HealthCheckOnAcquire: true,
			LeakThresholds:       []int{60, 300, 900},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			MaxConns: 200,
		},
		Queue: QueueConfig{
			Stream:          "logs:stream",
			Group:           "log_workers",
			AppendRetries:   3,
			AppendBackoffMS: 100,
		},
		Cache: CacheConfig{
			QueryTTL: 300,
			StatsTTL: 60,
		},
		Worker: WorkerConfig{
			Count:          4,
			BatchSize:      100,
			ReadBlockMS:    2000,
			ClaimIdle:      60,
			ClaimInterval:  30,
			RetryBudget:    3,
			RetryBackoffMS: 100,
		},
	}
}

// Load reads SIFTLOG_ environment variables over the defaults and validates
// the result.
func Load() (*Config, error) {
	k := koanf.New(".")
	err := k.Load(env.Provider("SIFTLOG_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "SIFTLOG_")), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Observability == nil {
		cfg.Observability = &ObservabilityConfig{}
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "siftlog"
	}
	if cfg.Observability.Environment == "" {
		cfg.Observability.Environment = cfg.Primary.Env
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Duration helpers keep the seconds/millis convention in one place.

func (d DatabaseConfig) AcquireTimeoutDuration() time.Duration {
	return time.Duration(d.AcquireTimeout) * time.Second
}

func (d DatabaseConfig) RecycleAfterDuration() time.Duration {
	return time.Duration(d.RecycleAfter) * time.Second
}

func (c CacheConfig) QueryTTLDuration() time.Duration {
	return time.Duration(c.QueryTTL) * time.Second
}

func (c CacheConfig) StatsTTLDuration() time.Duration {
	return time.Duration(c.StatsTTL) * time.Second
}

func (w WorkerConfig) ReadBlock() time.Duration {
	return time.Duration(w.ReadBlockMS) * time.Millisecond
}

func (w WorkerConfig) ClaimIdleDuration() time.Duration {
	return time.Duration(w.ClaimIdle) * time.Second
}

func (w WorkerConfig) ClaimIntervalDuration() time.Duration {
	return time.Duration(w.ClaimInterval) * time.Second
}

func (w WorkerConfig) RetryBackoff() time.Duration {
	return time.Duration(w.RetryBackoffMS) * time.Millisecond
}

func (q QueueConfig) AppendBackoff() time.Duration {
	return time.Duration(q.AppendBackoffMS) * time.Millisecond
}
