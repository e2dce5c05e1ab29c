// Package throttle enforces per-domain outbound rate windows. When a
// domain's window is exhausted the delivery worker defers the attempt with a
// time lock instead of transmitting. Counters live in the cache layer so
// several nodes can share one budget.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/postflux/postflux/internal/cache"
	"github.com/postflux/postflux/internal/queue"
)

const keyPrefix = "postflux:throttle:"

// Config holds throttle settings.
type Config struct {
	Enabled       bool  `toml:"enabled" json:"enabled"`
	PerDomainRate int64 `toml:"per_domain_rate" json:"per_domain_rate"`
	WindowSeconds int64 `toml:"window_seconds" json:"window_seconds"`
}

// DefaultConfig returns sensible defaults: disabled, 100 attempts per
// 60-second window when enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		PerDomainRate: 100,
		WindowSeconds: 60,
	}
}

// Throttle tracks per-domain attempt counts in fixed windows.
type Throttle struct {
	cache  cache.Cache
	config Config
	logger *slog.Logger
	now    func() int64
}

// New creates a throttle over the given counter store.
func New(c cache.Cache, config Config) *Throttle {
	if config.WindowSeconds <= 0 {
		config.WindowSeconds = 60
	}
	return &Throttle{
		cache:  c,
		config: config,
		logger: slog.Default().With("component", "throttle"),
		now:    queue.Now,
	}
}

// Take records one delivery attempt against the domain's current window.
// When the window is exhausted it returns the epoch-seconds deadline at
// which the next window opens and limited=true. Counter store failures fail
// open: delivery proceeds rather than stalling the queue.
func (t *Throttle) Take(ctx context.Context, domain string) (until int64, limited bool) {
	if !t.config.Enabled || t.config.PerDomainRate <= 0 {
		return 0, false
	}

	now := t.now()
	bucket := now / t.config.WindowSeconds
	key := fmt.Sprintf("%s%s:%d", keyPrefix, queue.NormalizeDomain(domain), bucket)

	count, err := t.cache.Increment(ctx, key, 1)
	if err != nil {
		t.logger.Warn("throttle counter unavailable, failing open",
			"domain", domain,
			"error", err)
		return 0, false
	}
	if count == 1 {
		// Windows clean themselves up; double the window covers clock skew
		// between nodes.
		if _, err := t.cache.Expire(ctx, key, 2*time.Duration(t.config.WindowSeconds)*time.Second); err != nil {
			t.logger.Debug("failed to set throttle window expiry", "key", key, "error", err)
		}
	}

	if count > t.config.PerDomainRate {
		return (bucket + 1) * t.config.WindowSeconds, true
	}
	return 0, false
}
