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

	assert.Equal(t, "be-ap-approval-rules", cfg.Service.Name)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.Pending.TTL)
	assert.Equal(t, 60*time.Second, cfg.Pending.SweepInterval)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Empty(t, cfg.Redis.URL)
	assert.Empty(t, cfg.NATS.URL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("PENDING_ACTION_TTL", "2m")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Service.LogLevel)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Pending.TTL)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Redis.URL)
}

func TestLoadInvalidValues(t *testing.T) {
	t.Setenv("DB_PORT", "five")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PORT")
}

func TestLoadRejectsNonPositiveTTL(t *testing.T) {
	t.Setenv("PENDING_ACTION_TTL", "0s")
	_, err := Load()
	require.Error(t, err)
}
