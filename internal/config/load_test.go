package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTCRAFTER_DATABASE_URL", "postgres://localhost:5432/postcrafter")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 10*time.Minute, cfg.Task.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Task.HeartbeatInterval)
	assert.Equal(t, 2, cfg.Queue.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, time.Second, cfg.Scheduler.RetryBaseDelay)
	assert.Equal(t, time.Minute, cfg.Scheduler.RetryMaxDelay)
	assert.Equal(t, 10, cfg.RateLimit.PerMinute)
	assert.Equal(t, 2, cfg.RateLimit.Burst)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POSTCRAFTER_DATABASE_URL", "postgres://localhost:5432/postcrafter")
	t.Setenv("POSTCRAFTER_SERVER_PORT", "9090")
	t.Setenv("POSTCRAFTER_QUEUE_WORKERS", "5")
	t.Setenv("POSTCRAFTER_TASK_TIMEOUT", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Task.Timeout)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("POSTCRAFTER_DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Setenv("POSTCRAFTER_DATABASE_URL", "postgres://localhost:5432/postcrafter")
	t.Setenv("POSTCRAFTER_SERVER_LOG_LEVEL", "loud")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
