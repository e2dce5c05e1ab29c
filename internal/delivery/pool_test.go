package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postflux/postflux/internal/cache"
	"github.com/postflux/postflux/internal/queue"
	"github.com/postflux/postflux/internal/spool"
	"github.com/postflux/postflux/internal/throttle"
)

type fakeTransport struct {
	mu      sync.Mutex
	err     error
	domains []string
}

func (f *fakeTransport) Deliver(ctx context.Context, entry *spool.Entry, domain string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains = append(f.domains, domain)
	return f.err
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.domains)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []queue.Event
}

func (f *fakeNotifier) Notify(ev queue.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeNotifier) last(t *testing.T) queue.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.events)
	return f.events[len(f.events)-1]
}

func setupPool(t *testing.T, transport Transport, th *throttle.Throttle) (*Pool, spool.Store, *fakeNotifier) {
	t.Helper()
	store, err := spool.NewFileStore(t.TempDir())
	require.NoError(t, err)
	notifier := &fakeNotifier{}
	pool := NewPool(store, transport, notifier, th, DefaultConfig())
	return pool, store, notifier
}

func spoolEntry(t *testing.T, store spool.Store, rcpt string) *spool.Entry {
	t.Helper()
	entry := spool.NewEntry("sender@example.com", []string{rcpt}, 5, 4*time.Hour, 48*time.Hour)
	require.NoError(t, store.Put(entry, []byte("Subject: t\r\n\r\nbody")))
	return entry
}

func TestProcessDeliversAndCompletes(t *testing.T) {
	transport := &fakeTransport{}
	pool, store, notifier := setupPool(t, transport, nil)
	entry := spoolEntry(t, store, "rcpt@example.org")

	global := queue.NewLimiter("outbound", 10)
	require.True(t, global.TryAdmit())

	pool.process(queue.DeliveryAttempt{
		Item:     queue.DueItem{ID: entry.ID, Due: queue.Now()},
		InFlight: []*queue.Limiter{global},
	})

	assert.Equal(t, 1, transport.calls())
	assert.EqualValues(t, 0, global.InFlight(), "limiter released exactly once")

	ev := notifier.last(t)
	assert.Equal(t, queue.EventWorkerDone, ev.Kind)
	assert.Equal(t, entry.ID, ev.ID)

	_, err := store.Get(entry.ID)
	assert.ErrorIs(t, err, spool.ErrNotFound, "completed entries leave the spool")
}

func TestProcessTemporaryFailure(t *testing.T) {
	transport := &fakeTransport{err: errors.New("451 greylisted, try again later")}
	pool, store, notifier := setupPool(t, transport, nil)
	entry := spoolEntry(t, store, "rcpt@example.org")

	before := queue.Now()
	pool.process(queue.DeliveryAttempt{Item: queue.DueItem{ID: entry.ID, Due: before}})

	ev := notifier.last(t)
	assert.Equal(t, queue.EventWorkerDone, ev.Kind)

	got, err := store.Get(entry.ID)
	require.NoError(t, err, "deferred entries stay spooled")
	domain := got.Domain("example.org")
	require.NotNil(t, domain)
	assert.Equal(t, queue.StatusTemporaryFailure, domain.Status)
	assert.Equal(t, 1, domain.Retry.Attempts)
	assert.GreaterOrEqual(t, domain.Retry.Due, before+60, "first backoff step applied")
}

func TestProcessPermanentFailure(t *testing.T) {
	transport := &fakeTransport{err: errors.New("550 no such user")}
	pool, store, notifier := setupPool(t, transport, nil)
	entry := spoolEntry(t, store, "rcpt@example.org")

	pool.process(queue.DeliveryAttempt{Item: queue.DueItem{ID: entry.ID, Due: queue.Now()}})

	assert.Equal(t, queue.EventWorkerDone, notifier.last(t).Kind)
	_, err := store.Get(entry.ID)
	assert.ErrorIs(t, err, spool.ErrNotFound, "bounced single-domain entries leave the spool")
}

func TestProcessExpiredDomain(t *testing.T) {
	transport := &fakeTransport{}
	pool, store, notifier := setupPool(t, transport, nil)

	entry := spool.NewEntry("sender@example.com", []string{"rcpt@example.org"}, 5, time.Hour, 48*time.Hour)
	entry.Domains[0].Expires = queue.Now() - 10
	require.NoError(t, store.Put(entry, []byte("x")))

	pool.process(queue.DeliveryAttempt{Item: queue.DueItem{ID: entry.ID, Due: queue.Now()}})

	assert.Equal(t, 0, transport.calls(), "expired domains are not transmitted")
	assert.Equal(t, queue.EventWorkerDone, notifier.last(t).Kind)
	_, err := store.Get(entry.ID)
	assert.ErrorIs(t, err, spool.ErrNotFound)
}

func TestProcessAdvancesNotifyDeadlineWithoutRetry(t *testing.T) {
	transport := &fakeTransport{}
	pool, store, notifier := setupPool(t, transport, nil)

	// Retry deadline in the future, delay-notification deadline elapsed: the
	// item is due for its DSN only.
	now := queue.Now()
	entry := spool.NewEntry("sender@example.com", []string{"rcpt@example.org"}, 5, 4*time.Hour, 48*time.Hour)
	entry.Domains[0].Retry.Due = now + 3600
	entry.Domains[0].Notify.Due = now - 10
	require.NoError(t, store.Put(entry, []byte("x")))

	pool.process(queue.DeliveryAttempt{Item: queue.DueItem{ID: entry.ID, Due: now - 10}})

	assert.Equal(t, 0, transport.calls(), "a non-retryable domain is not transmitted")
	assert.Equal(t, queue.EventWorkerDone, notifier.last(t).Kind)

	got, err := store.Get(entry.ID)
	require.NoError(t, err)
	domain := got.Domain("example.org")
	require.NotNil(t, domain)
	assert.Greater(t, domain.Notify.Due, now, "elapsed notify deadline advances by the interval")
	assert.Equal(t, 1, domain.Notify.Attempts)
	assert.EqualValues(t, now+3600, domain.Retry.Due, "retry deadline is untouched")

	next, ok := got.Message().NextEvent()
	require.True(t, ok)
	assert.Greater(t, next, now, "the item must not stay immediately due")
}

func TestProcessThrottledAttemptIsLocked(t *testing.T) {
	th := throttle.New(cache.NewMemory(), throttle.Config{
		Enabled:       true,
		PerDomainRate: 1,
		WindowSeconds: 86400,
	})
	// Exhaust the window.
	_, limited := th.Take(context.Background(), "example.org")
	require.False(t, limited)

	transport := &fakeTransport{}
	pool, store, notifier := setupPool(t, transport, th)
	entry := spoolEntry(t, store, "rcpt@example.org")

	global := queue.NewLimiter("outbound", 10)
	require.True(t, global.TryAdmit())

	pool.process(queue.DeliveryAttempt{
		Item:     queue.DueItem{ID: entry.ID, Due: queue.Now()},
		InFlight: []*queue.Limiter{global},
	})

	assert.Equal(t, 0, transport.calls())
	assert.EqualValues(t, 0, global.InFlight(), "deferred attempts still release their admissions")

	ev := notifier.last(t)
	require.Equal(t, queue.EventOnHold, ev.Kind)
	assert.Equal(t, queue.HoldLocked, ev.Hold.Reason)
	assert.Greater(t, ev.Hold.Until, queue.Now()-1)
}

func TestProcessDomainLimiterSaturated(t *testing.T) {
	transport := &fakeTransport{}
	pool, store, notifier := setupPool(t, transport, nil)
	entry := spoolEntry(t, store, "rcpt@example.org")

	// Saturate the shared per-domain limiter before processing.
	limiter := pool.domainLimiter("example.org")
	for limiter.TryAdmit() {
	}

	pool.process(queue.DeliveryAttempt{Item: queue.DueItem{ID: entry.ID, Due: queue.Now()}})

	assert.Equal(t, 0, transport.calls())
	ev := notifier.last(t)
	require.Equal(t, queue.EventOnHold, ev.Kind)
	require.Equal(t, queue.HoldLimited, ev.Hold.Reason)
	require.Len(t, ev.Hold.Limiters, 1)
	assert.Same(t, limiter, ev.Hold.Limiters[0], "the hold references the shared limiter instance")
}

func TestRetryDelaySchedule(t *testing.T) {
	pool := NewPool(nil, nil, &fakeNotifier{}, nil, Config{
		RetrySchedule: []int64{60, 300, 900},
	})

	assert.EqualValues(t, 60, pool.retryDelay(0))
	assert.EqualValues(t, 60, pool.retryDelay(1))
	assert.EqualValues(t, 300, pool.retryDelay(2))
	assert.EqualValues(t, 900, pool.retryDelay(3))
	assert.EqualValues(t, 900, pool.retryDelay(99), "the last step repeats")
}

func TestIsTemporary(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("421 service not available"), true},
		{errors.New("450 mailbox busy"), true},
		{errors.New("connection refused"), true},
		{errors.New("lookup mx: no such host"), true},
		{errors.New("550 no such user"), false},
		{errors.New("554 transaction failed"), false},
		{errors.New("malformed response"), false},
		{context.DeadlineExceeded, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTemporary(tt.err), "error: %v", tt.err)
	}
}
