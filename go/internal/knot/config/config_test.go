package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1800*time.Second, c.Session.Duration)
	assert.Equal(t, c.Session.Duration, c.WaitingTimeout())
	assert.Equal(t, 30*time.Second, c.Countdown.TickInterval)
	assert.Equal(t, []time.Duration{5 * time.Minute, time.Minute}, c.Countdown.Warnings)
	assert.Equal(t, time.Minute, c.Sweeper.Interval)
	assert.Equal(t, StoreMemory, c.Store.Backend)
	assert.Empty(t, c.Events.NATSURL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8081, c.Server.Port)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
session:
  duration: 10m
  waiting_timeout: 0s
countdown:
  tick_interval: 15s
  warnings: [2m, 30s]
store:
  backend: redis
  redis:
    address: redis:6379
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, c.Server.Port)
	assert.Equal(t, 10*time.Minute, c.Session.Duration)
	assert.Zero(t, c.WaitingTimeout(), "explicit zero disables waiting expiry")
	assert.Equal(t, 15*time.Second, c.Countdown.TickInterval)
	assert.Equal(t, []time.Duration{2 * time.Minute, 30 * time.Second}, c.Countdown.Warnings)
	assert.Equal(t, StoreRedis, c.Store.Backend)
	assert.Equal(t, "redis:6379", c.Store.Redis.Address)
	// untouched sections keep defaults
	assert.Equal(t, time.Minute, c.Sweeper.Interval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("PORT", "9100")
	t.Setenv("KNOT_SESSION_DURATION", "600")
	t.Setenv("KNOT_WAITING_TIMEOUT", "2m")
	t.Setenv("KNOT_STORE", "POSTGRES")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, c.Server.Port)
	assert.Equal(t, 10*time.Minute, c.Session.Duration)
	assert.Equal(t, 2*time.Minute, c.WaitingTimeout())
	assert.Equal(t, StorePostgres, c.Store.Backend)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.Server.AllowedOrigins)
	assert.Equal(t, "nats://localhost:4222", c.Events.NATSURL)
}

func TestLoad_BadDurationEnv(t *testing.T) {
	t.Setenv("KNOT_TICK_INTERVAL", "soon")
	_, err := Load("")
	assert.ErrorContains(t, err, "KNOT_TICK_INTERVAL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"zero duration", func(c *Config) { c.Session.Duration = 0 }, "session duration"},
		{"negative waiting", func(c *Config) { d := -time.Second; c.Session.WaitingTimeout = &d }, "waiting timeout"},
		{"tick longer than session", func(c *Config) { c.Countdown.TickInterval = time.Hour }, "tick interval"},
		{"bad warning", func(c *Config) { c.Countdown.Warnings = []time.Duration{0} }, "warning"},
		{"no workers", func(c *Config) { c.Countdown.Workers = 0 }, "workers"},
		{"unknown store", func(c *Config) { c.Store.Backend = "mongo" }, "invalid store backend"},
		{"redis without address", func(c *Config) {
			c.Store.Backend = StoreRedis
			c.Store.Redis.Address = ""
		}, "redis address"},
		{"nats without stream", func(c *Config) {
			c.Events.NATSURL = "nats://x"
			c.Events.StreamName = ""
		}, "stream name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.errMsg)
		})
	}

	assert.NoError(t, Default().Validate())
}
