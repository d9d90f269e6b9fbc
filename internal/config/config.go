// Package config handles configuration loading, parsing, and validation from
// environment variables and optional config files, providing type-safe
// access to application settings.
package config

import "time"

// Config holds all application configuration, grouped by concern.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database" validate:"required"`
	Redis       RedisConfig       `mapstructure:"redis" validate:"required"`
	Worker      WorkerConfig      `mapstructure:"worker" validate:"required"`
	Retry       RetryConfig       `mapstructure:"retry" validate:"required"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" validate:"required"`
}

// ServerConfig contains the HTTP monitoring surface settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains task store connection settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// RedisConfig contains broker connection settings.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// WorkerConfig tunes the orchestrator's worker pool.
type WorkerConfig struct {
	Count          int           `mapstructure:"count" validate:"required,gte=1"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout" validate:"required,gt=0"`
	ErrorBackoff   time.Duration `mapstructure:"error_backoff" validate:"required,gt=0"`
}

// RetryConfig holds the default retry policy for failed tasks.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"required,gte=1"`
	InitialDelay    time.Duration `mapstructure:"initial_delay" validate:"required,gt=0"`
	MaxDelay        time.Duration `mapstructure:"max_delay" validate:"required,gt=0"`
	ExponentialBase float64       `mapstructure:"exponential_base" validate:"required,gte=1"`
	Jitter          bool          `mapstructure:"jitter"`
}

// MaintenanceConfig drives the periodic background jobs: cleaning up old
// completed tasks and sweeping failed tasks back into the queue.
type MaintenanceConfig struct {
	CleanupSchedule    string        `mapstructure:"cleanup_schedule" validate:"required"`
	RetentionDays      int           `mapstructure:"retention_days" validate:"required,gte=1"`
	RetrySweepSchedule string        `mapstructure:"retry_sweep_schedule" validate:"required"`
	RetrySweepWindow   time.Duration `mapstructure:"retry_sweep_window" validate:"required,gt=0"`
}
