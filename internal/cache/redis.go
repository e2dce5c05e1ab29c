package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache for Redis (and Redis-compatible servers).
type Redis struct {
	config    Config
	client    *redis.Client
	connected bool
}

// NewRedis creates a new Redis cache
func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379
	}
	return &Redis{config: config}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}
	if err := r.client.Close(); err != nil {
		return err
	}
	r.connected = false
	return nil
}

// IsConnected returns true if connected to Redis
func (r *Redis) IsConnected() bool { return r.connected }

// Type returns "redis"
func (r *Redis) Type() string { return "redis" }

// Get retrieves a value from Redis
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if !r.connected {
		return "", ErrNotConnected
	}
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// Set stores a value in Redis with an optional expiration
func (r *Redis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}
	return r.client.Set(ctx, key, value, expiration).Err()
}

// Delete removes a value from Redis
func (r *Redis) Delete(ctx context.Context, key string) error {
	if !r.connected {
		return ErrNotConnected
	}
	return r.client.Del(ctx, key).Err()
}

// Increment atomically adds amount to a numeric value
func (r *Redis) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}
	return r.client.IncrBy(ctx, key, amount).Result()
}

// Expire sets the time-to-live of an existing key
func (r *Redis) Expire(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	if !r.connected {
		return false, ErrNotConnected
	}
	return r.client.Expire(ctx, key, expiration).Result()
}
