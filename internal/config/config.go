package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Task      TaskConfig      `mapstructure:"task" validate:"required"`
	Queue     QueueConfig     `mapstructure:"queue" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// TaskConfig contains task orchestrator settings.
type TaskConfig struct {
	// Timeout is the wall-clock budget for one workflow run. Exceeding it
	// is a fatal, timeout-class failure.
	Timeout time.Duration `mapstructure:"timeout" validate:"required,gt=0"`

	// HeartbeatInterval is how often the event stream emits keep-alives
	// on idle connections.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required,gt=0"`
}

// QueueConfig contains generation queue settings.
type QueueConfig struct {
	// Workers is the generation queue's worker pool size, the only
	// explicit concurrency cap in the system.
	Workers int `mapstructure:"workers" validate:"required,gt=0"`

	// PollInterval is how often an idle worker re-checks for queued units.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,gt=0"`
}

// SchedulerConfig contains scheduler and retry policy settings.
type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,gt=0"`

	// MaxRetries bounds the scheduler's retries of a failed execution.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// RetryBaseDelay is the first retry's backoff delay; subsequent
	// retries double it up to RetryMaxDelay.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"required,gt=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" validate:"required,gt=0"`
}

// RateLimitConfig contains rate limiter settings for external resources.
type RateLimitConfig struct {
	// PerMinute is the rolling-window quota per scope.
	PerMinute int `mapstructure:"per_minute" validate:"required,gt=0"`

	// Burst is the number of requests that may exceed the steady rate.
	Burst int `mapstructure:"burst" validate:"gte=0"`
}
