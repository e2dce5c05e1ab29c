package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "postflux.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Spool.Type)
	assert.Equal(t, 3600, cfg.Scheduler.RefreshInterval)
	assert.Equal(t, 1024, cfg.Scheduler.ChannelBuffer)
	assert.EqualValues(t, 100, cfg.Scheduler.MaxOutbound)
	assert.False(t, cfg.Throttle.Enabled)
	assert.Equal(t, "memory", cfg.Cache.Type)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
[server]
hostname = "mx1.example.com"

[spool]
type = "file"
dir = "spool"

[scheduler]
refresh_interval = 900
max_outbound = 50

[delivery]
workers = 8
retry_schedule = [30, 120, 600]
relay_host = "smarthost.example.com"
relay_port = 587

[throttle]
enabled = true
per_domain_rate = 20
window_seconds = 60

[logging]
level = "debug"
format = "json"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mx1.example.com", cfg.Server.Hostname)
	assert.Equal(t, 900, cfg.Scheduler.RefreshInterval)
	assert.EqualValues(t, 50, cfg.Scheduler.MaxOutbound)
	assert.Equal(t, 8, cfg.Delivery.Workers)
	assert.Equal(t, []int64{30, 120, 600}, cfg.Delivery.RetrySchedule)
	assert.Equal(t, "smarthost.example.com", cfg.Delivery.RelayHost)
	assert.True(t, cfg.Throttle.Enabled)
	assert.EqualValues(t, 20, cfg.Throttle.PerDomainRate)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Relative spool dirs resolve against the config file.
	assert.Equal(t, filepath.Join(filepath.Dir(path), "spool"), cfg.Spool.Dir)
}

func TestLoadConfigMissingExplicitPath(t *testing.T) {
	_, err := LoadConfig("/nonexistent/postflux.conf")
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown spool type", func(c *Config) { c.Spool.Type = "s3" }},
		{"sql backend without dsn", func(c *Config) { c.Spool.Type = "postgres"; c.Spool.DSN = "" }},
		{"zero refresh interval", func(c *Config) { c.Scheduler.RefreshInterval = 0 }},
		{"zero outbound cap", func(c *Config) { c.Scheduler.MaxOutbound = 0 }},
		{"negative retry step", func(c *Config) { c.Delivery.RetrySchedule = []int64{60, -1} }},
		{"bad api listen", func(c *Config) { c.API.Listen = "no-port" }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDeliveryConfigConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Delivery.TimeoutSeconds = 120
	cfg.Delivery.NotifyInterval = 7200

	dc := cfg.DeliveryConfig()
	assert.Equal(t, 2*time.Minute, dc.DeliveryTimeout)
	assert.Equal(t, 2*time.Hour, dc.NotifyInterval)

	// Unset durations fall back to defaults rather than zero.
	cfg.Delivery.TimeoutSeconds = 0
	cfg.Delivery.NotifyInterval = 0
	dc = cfg.DeliveryConfig()
	assert.Equal(t, 5*time.Minute, dc.DeliveryTimeout)
	assert.Equal(t, 4*time.Hour, dc.NotifyInterval)
}
