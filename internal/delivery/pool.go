// Package delivery executes dispatched delivery attempts: it owns the
// per-domain retry policy, updates spool scheduling state, and reports
// completion back to the scheduler. The wire protocol itself sits behind the
// Transport interface.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/postflux/postflux/internal/metrics"
	"github.com/postflux/postflux/internal/queue"
	"github.com/postflux/postflux/internal/spool"
	"github.com/postflux/postflux/internal/throttle"
)

// Transport performs the actual transmission of a message to one
// destination domain.
type Transport interface {
	Deliver(ctx context.Context, entry *spool.Entry, domain string, content []byte) error
}

// Config holds delivery worker settings.
type Config struct {
	Workers         int           `toml:"workers" json:"workers"`
	QueueSize       int           `toml:"queue_size" json:"queue_size"`
	DeliveryTimeout time.Duration `toml:"delivery_timeout" json:"delivery_timeout"`

	// RetrySchedule is the temporary-failure backoff, in seconds per
	// attempt; the last value repeats.
	RetrySchedule []int64 `toml:"retry_schedule" json:"retry_schedule"`

	// NotifyInterval spaces out delay notifications per domain.
	NotifyInterval time.Duration `toml:"notify_interval" json:"notify_interval"`

	// MaxPerDomain bounds concurrent deliveries to one destination domain.
	MaxPerDomain int64 `toml:"max_per_domain" json:"max_per_domain"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:         5,
		QueueSize:       50,
		DeliveryTimeout: 5 * time.Minute,
		RetrySchedule:   []int64{60, 300, 900, 3600, 10800, 21600}, // 1m, 5m, 15m, 1h, 3h, 6h
		NotifyInterval:  4 * time.Hour,
		MaxPerDomain:    10,
	}
}

// Pool is the delivery worker pool. It implements queue.Dispatcher: the
// scheduler hands it admitted attempts and the pool guarantees that every
// attempt releases its limiters exactly once and resolves its InFlight hold
// with either a WorkerDone or an OnHold control event.
type Pool struct {
	store     spool.Store
	transport Transport
	notifier  queue.Notifier
	throttle  *throttle.Throttle
	config    Config
	logger    *slog.Logger

	jobs   chan queue.DeliveryAttempt
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	limiterMu sync.Mutex
	limiters  map[string]*queue.Limiter
}

// NewPool creates a delivery pool. throttle may be nil when rate limiting is
// disabled.
func NewPool(store spool.Store, transport Transport, notifier queue.Notifier, th *throttle.Throttle, config Config) *Pool {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if len(config.RetrySchedule) == 0 {
		config.RetrySchedule = DefaultConfig().RetrySchedule
	}
	if config.NotifyInterval <= 0 {
		config.NotifyInterval = DefaultConfig().NotifyInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, gctx := errgroup.WithContext(ctx)

	return &Pool{
		store:     store,
		transport: transport,
		notifier:  notifier,
		throttle:  th,
		config:    config,
		logger:    slog.Default().With("component", "delivery"),
		jobs:      make(chan queue.DeliveryAttempt, config.QueueSize),
		ctx:       gctx,
		cancel:    cancel,
		eg:        eg,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		limiters:  make(map[string]*queue.Limiter),
	}
}

// Start launches the delivery workers.
func (p *Pool) Start() error {
	p.logger.Info("starting delivery pool",
		"workers", p.config.Workers,
		"queue_size", p.config.QueueSize)

	for i := 0; i < p.config.Workers; i++ {
		workerID := i
		p.eg.Go(func() error {
			return p.worker(workerID)
		})
	}
	return nil
}

// Stop drains the workers and waits for in-progress attempts to finish.
func (p *Pool) Stop() error {
	p.logger.Info("stopping delivery pool")
	p.cancel()
	err := p.eg.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Dispatch implements queue.Dispatcher. It never blocks the scheduler loop:
// when the job buffer is full the handoff moves to its own goroutine.
func (p *Pool) Dispatch(attempt queue.DeliveryAttempt) {
	select {
	case p.jobs <- attempt:
	default:
		go func() {
			select {
			case p.jobs <- attempt:
			case <-p.ctx.Done():
				// Shutdown: resolve the attempt so the limiters and the
				// InFlight hold are not leaked.
				attempt.Release()
				p.notifier.Notify(queue.WorkerDoneEvent(attempt.Item.ID))
			}
		}()
	}
}

func (p *Pool) worker(id int) error {
	logger := p.logger.With("worker_id", id)
	logger.Debug("delivery worker started")
	defer logger.Debug("delivery worker stopped")

	for {
		select {
		case attempt := <-p.jobs:
			p.process(attempt)
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
}

// process runs one delivery attempt to completion. Exactly one control
// event resolves the attempt's InFlight hold: WorkerDone in the common case,
// or OnHold when the whole item is deferred before transmission.
func (p *Pool) process(attempt queue.DeliveryAttempt) {
	id := attempt.Item.ID
	logger := p.logger.With("queue_id", id)

	release := attempt.Release
	done := func() {
		release()
		p.notifier.Notify(queue.WorkerDoneEvent(id))
	}

	entry, err := p.store.Get(id)
	if err != nil {
		if err != spool.ErrNotFound {
			logger.Error("failed to load spool entry", "error", err)
		}
		done()
		return
	}

	content, err := p.store.Content(id)
	if err != nil {
		logger.Error("failed to load message content", "error", err)
		done()
		return
	}

	now := queue.Now()
	attempted := false
	var lockedUntil int64
	var blockedBy []*queue.Limiter

	for i := range entry.Domains {
		domain := &entry.Domains[i]
		if !domain.Status.IsActive() {
			continue
		}

		if domain.Retry.Due > now {
			// Not yet retryable, but an elapsed delay-notification deadline
			// must still advance or the item stays due forever.
			p.advanceNotify(domain, now)
			continue
		}

		if now >= domain.Expires {
			domain.Status = queue.StatusPermanentFailure
			metrics.DeliveryAttempts.WithLabelValues("expired").Inc()
			logger.Info("message_expired",
				"domain", domain.Name,
				"attempts", domain.Retry.Attempts,
				"expired_at", domain.Expires)
			continue
		}

		if p.throttle != nil {
			if until, limited := p.throttle.Take(p.ctx, domain.Name); limited {
				if until > lockedUntil {
					lockedUntil = until
				}
				metrics.DeliveryAttempts.WithLabelValues("throttled").Inc()
				continue
			}
		}

		limiter := p.domainLimiter(domain.Name)
		if !limiter.TryAdmit() {
			blockedBy = append(blockedBy, limiter)
			continue
		}

		attempted = true
		p.attemptDomain(entry, domain, content, logger)
		limiter.Release()

		if domain.Status.IsActive() {
			p.advanceNotify(domain, now)
		}
	}

	if entry.Done() {
		if err := p.store.Delete(id); err != nil && err != spool.ErrNotFound {
			logger.Error("failed to remove finished entry", "error", err)
		}
	} else if err := p.store.Update(entry); err != nil && err != spool.ErrNotFound {
		logger.Error("failed to persist scheduling state", "error", err)
	}

	// Resolve the hold. A deferred item keeps a hold describing why; the
	// scheduler re-evaluates it when the lock expires or capacity frees up.
	switch {
	case !attempted && lockedUntil > 0:
		release()
		p.notifier.Notify(queue.OnHoldEvent(id, queue.HoldUntil(lockedUntil)))
	case !attempted && len(blockedBy) > 0:
		nextDue, _ := entry.Message().NextEventAfter(now)
		release()
		p.notifier.Notify(queue.OnHoldEvent(id, queue.HoldForLimiters(blockedBy, nextDue)))
	default:
		done()
	}
}

// advanceNotify pushes an elapsed delay-notification deadline forward by the
// configured interval; DSN generation itself is the notifier subsystem's job.
func (p *Pool) advanceNotify(domain *queue.Domain, now int64) {
	if domain.Notify.Due <= now {
		domain.Notify.Due = now + int64(p.config.NotifyInterval.Seconds())
		domain.Notify.Attempts++
	}
}

// attemptDomain transmits to one destination domain and applies the outcome
// to its state machine.
func (p *Pool) attemptDomain(entry *spool.Entry, domain *queue.Domain, content []byte, logger *slog.Logger) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(p.ctx, p.config.DeliveryTimeout)
	defer cancel()

	_, err := p.breaker(domain.Name).Execute(func() (interface{}, error) {
		return nil, p.transport.Deliver(ctx, entry, domain.Name, content)
	})
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	now := queue.Now()
	switch {
	case err == nil:
		domain.Status = queue.StatusCompleted
		metrics.DeliveryAttempts.WithLabelValues("delivered").Inc()
		logger.Info("message_delivered",
			"domain", domain.Name,
			"attempts", domain.Retry.Attempts+1,
			"duration_ms", time.Since(start).Milliseconds())

	case IsTemporary(err) || err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		domain.Status = queue.StatusTemporaryFailure
		domain.Retry.Attempts++
		domain.Retry.Due = now + p.retryDelay(domain.Retry.Attempts)
		metrics.DeliveryAttempts.WithLabelValues("tempfail").Inc()
		logger.Warn("message_deferred",
			"domain", domain.Name,
			"attempts", domain.Retry.Attempts,
			"next_retry", domain.Retry.Due,
			"error", err)

	default:
		domain.Status = queue.StatusPermanentFailure
		metrics.DeliveryAttempts.WithLabelValues("permfail").Inc()
		logger.Error("message_bounced",
			"domain", domain.Name,
			"attempts", domain.Retry.Attempts+1,
			"error", err)
	}
}

// retryDelay returns the backoff for the given attempt count; the schedule's
// last value repeats.
func (p *Pool) retryDelay(attempts int) int64 {
	schedule := p.config.RetrySchedule
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// domainLimiter returns the shared per-domain admission limiter, creating it
// on first use. All queue items to one domain share the same instance.
func (p *Pool) domainLimiter(domain string) *queue.Limiter {
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()

	if l, ok := p.limiters[domain]; ok {
		return l
	}

	// Forget idle limiters once the map grows, so short-lived destination
	// domains do not accumulate forever.
	if len(p.limiters) > 1024 {
		for key, l := range p.limiters {
			if !l.IsActive() {
				delete(p.limiters, key)
			}
		}
	}

	l := queue.NewLimiter(domain, p.config.MaxPerDomain)
	p.limiters[domain] = l
	return l
}

// breaker returns the per-domain circuit breaker, creating it on first use.
// A tripped breaker fails attempts fast as temporary errors.
func (p *Pool) breaker(domain string) *gobreaker.CircuitBreaker {
	p.breakerMu.Lock()
	defer p.breakerMu.Unlock()

	if cb, ok := p.breakers[domain]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     fmt.Sprintf("delivery-%s", domain),
		Interval: time.Minute,
		Timeout:  time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Info("delivery circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	p.breakers[domain] = cb
	return cb
}
