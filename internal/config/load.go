package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables (prefix POSTCRAFTER_) take
// precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config.yaml next to the binary or in the working directory
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; env vars and defaults apply.
	}

	// POSTCRAFTER_SERVER_PORT overrides server.port, and so on.
	v.SetEnvPrefix("POSTCRAFTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers a default for every tunable so a bare
// environment still yields a runnable configuration (the database URL
// is the one setting with no sensible default).
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Registered empty so AutomaticEnv can see POSTCRAFTER_DATABASE_URL;
	// validation still rejects a missing URL.
	v.SetDefault("database.url", "")

	v.SetDefault("task.timeout", "10m")
	v.SetDefault("task.heartbeat_interval", "15s")

	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.poll_interval", "500ms")

	v.SetDefault("scheduler.poll_interval", "30s")
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retry_base_delay", "1s")
	v.SetDefault("scheduler.retry_max_delay", "60s")

	v.SetDefault("rate_limit.per_minute", 10)
	v.SetDefault("rate_limit.burst", 2)
}
