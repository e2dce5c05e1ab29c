// Package config loads and validates the TOML configuration file.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/postflux/postflux/internal/cache"
	"github.com/postflux/postflux/internal/delivery"
	"github.com/postflux/postflux/internal/logging"
	"github.com/postflux/postflux/internal/throttle"
)

// Config represents the application configuration
type Config struct {
	// Server identity
	Server struct {
		Hostname string `toml:"hostname"`
	} `toml:"server"`

	// Spool storage configuration
	Spool struct {
		Type string `toml:"type"` // "file", "sqlite", "mysql", "postgres"
		Dir  string `toml:"dir"`  // file backend root
		DSN  string `toml:"dsn"`  // SQL backend connection string
	} `toml:"spool"`

	// Scheduler configuration
	Scheduler struct {
		RefreshInterval int   `toml:"refresh_interval"` // seconds, idle rescan ceiling
		ChannelBuffer   int   `toml:"channel_buffer"`
		MaxOutbound     int64 `toml:"max_outbound"` // global concurrent delivery cap
	} `toml:"scheduler"`

	// Delivery worker configuration
	Delivery struct {
		Workers        int     `toml:"workers"`
		QueueSize      int     `toml:"queue_size"`
		TimeoutSeconds int     `toml:"timeout"`
		RetrySchedule  []int64 `toml:"retry_schedule"` // seconds per attempt
		NotifyInterval int     `toml:"notify_interval"`
		MaxPerDomain   int64   `toml:"max_per_domain"`
		RelayHost      string  `toml:"relay_host"`
		RelayPort      int     `toml:"relay_port"`
	} `toml:"delivery"`

	// Outbound rate limiting
	Throttle throttle.Config `toml:"throttle"`

	// Counter/cache backend
	Cache cache.Config `toml:"cache"`

	// Admin API configuration
	API struct {
		Enabled      bool   `toml:"enabled"`
		Listen       string `toml:"listen"`
		Username     string `toml:"username"`
		PasswordHash string `toml:"password_hash"` // bcrypt
	} `toml:"api"`

	// Logging configuration
	Logging logging.Config `toml:"logging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"

	cfg.Spool.Type = "file"
	cfg.Spool.Dir = "/var/spool/postflux"

	cfg.Scheduler.RefreshInterval = 3600
	cfg.Scheduler.ChannelBuffer = 1024
	cfg.Scheduler.MaxOutbound = 100

	dc := delivery.DefaultConfig()
	cfg.Delivery.Workers = dc.Workers
	cfg.Delivery.QueueSize = dc.QueueSize
	cfg.Delivery.TimeoutSeconds = int(dc.DeliveryTimeout.Seconds())
	cfg.Delivery.RetrySchedule = dc.RetrySchedule
	cfg.Delivery.NotifyInterval = int(dc.NotifyInterval.Seconds())
	cfg.Delivery.MaxPerDomain = dc.MaxPerDomain
	cfg.Delivery.RelayPort = 25

	cfg.Throttle = throttle.DefaultConfig()
	cfg.Cache = cache.Config{Type: "memory"}

	cfg.API.Enabled = true
	cfg.API.Listen = ":8025"

	cfg.Logging.Type = "console"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./postflux.conf",
		"./config/postflux.conf",
		os.ExpandEnv("$HOME/.postflux.conf"),
		"/etc/postflux/postflux.conf",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file. A missing file is not an
// error: defaults apply.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	// A relative spool directory is taken relative to the config file.
	if cfg.Spool.Type == "file" && !filepath.IsAbs(cfg.Spool.Dir) {
		cfg.Spool.Dir = filepath.Join(filepath.Dir(configFile), cfg.Spool.Dir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	switch c.Spool.Type {
	case "file":
		if c.Spool.Dir == "" {
			return fmt.Errorf("spool.dir is required for the file backend")
		}
	case "sqlite", "mysql", "postgres":
		if c.Spool.DSN == "" {
			return fmt.Errorf("spool.dsn is required for the %s backend", c.Spool.Type)
		}
	default:
		return fmt.Errorf("unknown spool.type: %q", c.Spool.Type)
	}

	if c.Scheduler.RefreshInterval <= 0 {
		return fmt.Errorf("scheduler.refresh_interval must be positive")
	}
	if c.Scheduler.MaxOutbound <= 0 {
		return fmt.Errorf("scheduler.max_outbound must be positive")
	}

	for i, step := range c.Delivery.RetrySchedule {
		if step <= 0 {
			return fmt.Errorf("delivery.retry_schedule[%d] must be positive", i)
		}
	}

	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			return fmt.Errorf("invalid api.listen address %q: %w", c.API.Listen, err)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("unknown logging.level: %q", c.Logging.Level)
	}

	return nil
}

// DeliveryConfig converts the delivery section into the worker pool's
// runtime configuration.
func (c *Config) DeliveryConfig() delivery.Config {
	cfg := delivery.Config{
		Workers:         c.Delivery.Workers,
		QueueSize:       c.Delivery.QueueSize,
		DeliveryTimeout: time.Duration(c.Delivery.TimeoutSeconds) * time.Second,
		RetrySchedule:   c.Delivery.RetrySchedule,
		NotifyInterval:  time.Duration(c.Delivery.NotifyInterval) * time.Second,
		MaxPerDomain:    c.Delivery.MaxPerDomain,
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = delivery.DefaultConfig().DeliveryTimeout
	}
	if cfg.NotifyInterval <= 0 {
		cfg.NotifyInterval = delivery.DefaultConfig().NotifyInterval
	}
	return cfg
}

// EnsureSpoolDirectory creates the file backend's directory tree with
// restrictive permissions.
func (c *Config) EnsureSpoolDirectory() error {
	if c.Spool.Type != "file" {
		return nil
	}
	if err := os.MkdirAll(c.Spool.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	return nil
}
