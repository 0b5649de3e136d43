package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 15*time.Minute, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.ToolTimeout)
	assert.Equal(t, 90*time.Second, cfg.SlowToolTimeout)
	assert.Equal(t, 5*time.Minute, cfg.PoolIdleTimeout)
	assert.Equal(t, ":9631", cfg.MetricsAddr)
	assert.False(t, cfg.VerifyAlerts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POSTUREWATCH_POLL_INTERVAL", "30m")
	t.Setenv("POSTUREWATCH_WORKER_COMMAND", "/usr/local/bin/secworker")
	t.Setenv("POSTUREWATCH_WORKER_ARGS", "serve --stdio")
	t.Setenv("POSTUREWATCH_VERIFY_ALERTS", "true")
	t.Setenv("POSTUREWATCH_SMTP_PORT", "465")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.PollInterval)
	assert.Equal(t, "/usr/local/bin/secworker", cfg.WorkerCommand)
	assert.Equal(t, []string{"serve", "--stdio"}, cfg.WorkerArgs)
	assert.True(t, cfg.VerifyAlerts)
	assert.Equal(t, 465, cfg.SMTPPort)
}

func TestLoadRejectsShortPollInterval(t *testing.T) {
	t.Setenv("POSTUREWATCH_POLL_INTERVAL", "10s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll interval")
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("POSTUREWATCH_SMTP_PORT", "not-a-number")
	t.Setenv("POSTUREWATCH_TOOL_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Equal(t, 30*time.Second, cfg.ToolTimeout)
}
