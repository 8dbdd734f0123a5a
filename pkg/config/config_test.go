package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 15*time.Second, cfg.Call.ChannelOpenTimeout)
	assert.Equal(t, 2*time.Second, cfg.Call.ReconnectDelay)
	assert.Equal(t, 3*time.Second, cfg.Call.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Call.SettleDelay)
	assert.Equal(t, 10*time.Second, cfg.Call.NegotiationTimeout)
	assert.Equal(t, 3*time.Second, cfg.Call.RetryBackoff)
	assert.Equal(t, 3, cfg.Call.MaxAttempts)

	require.Len(t, cfg.Media.Profiles, 3)
	assert.True(t, cfg.Media.Profiles[2].AudioOnly)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Directory.Address)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
directory:
  address: ":9999"
call:
  poll_interval: 1s
  max_attempts: 5
redis:
  enabled: true
  address: "redis:6379"
  pool_size: 20
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Directory.Address)
	assert.Equal(t, time.Second, cfg.Call.PollInterval)
	assert.Equal(t, 5, cfg.Call.MaxAttempts)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 20, cfg.Redis.PoolSize)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Call.NegotiationTimeout)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("call:\n  max_attempts: -1\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEDICONNECT_DIRECTORY_ADDRESS", ":7777")
	t.Setenv("MEDICONNECT_JWT_SECRET", "env-secret")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Directory.Address)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
}

func TestValidateCatchesBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty directory address", func(c *Config) { c.Directory.Address = "" }},
		{"zero poll interval", func(c *Config) { c.Call.PollInterval = 0 }},
		{"zero negotiation timeout", func(c *Config) { c.Call.NegotiationTimeout = 0 }},
		{"zero attempts", func(c *Config) { c.Call.MaxAttempts = 0 }},
		{"no media profiles", func(c *Config) { c.Media.Profiles = nil }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"redis enabled without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"rate limiting enabled without rate", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.RequestsPerSecond = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
