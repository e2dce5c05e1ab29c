// Package cache provides the shared counter store used by the outbound
// throttle. Backends: in-process memory, Redis, Memcached.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is the interface all backends satisfy.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Type returns the backend type ("memory", "redis", "memcached")
	Type() string

	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with an optional expiration (0 = no expiry)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// Increment atomically adds amount to a numeric value, creating it at
	// amount when absent, and returns the new value
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// Expire sets the time-to-live of an existing key
	Expire(ctx context.Context, key string, expiration time.Duration) (bool, error)
}

// Config holds connection settings shared by the network backends.
type Config struct {
	Type     string `toml:"type" json:"type"`
	Host     string `toml:"host" json:"host"`
	Port     int    `toml:"port" json:"port"`
	Password string `toml:"password" json:"password"`
	Database int    `toml:"database" json:"database"`
}

// New creates a cache backend from config. Unknown types fall back to the
// in-process memory backend.
func New(config Config) Cache {
	switch config.Type {
	case "redis":
		return NewRedis(config)
	case "memcached":
		return NewMemcached(config)
	default:
		return NewMemory()
	}
}
