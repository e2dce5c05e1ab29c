package queue

import (
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postflux/postflux/internal/metrics"
)

const (
	// DefaultRefreshInterval bounds how long the loop sleeps when nothing is
	// scheduled, so external spool changes are still observed.
	DefaultRefreshInterval = time.Hour

	// DefaultChannelBuffer is the control channel bound shared with other
	// subsystems' IPC.
	DefaultChannelBuffer = 1024

	cleanupInterval  = 10 * time.Minute
	pauseHorizon     = 24 * time.Hour
	shuffleThreshold = 5
)

// SchedulerConfig configures the outbound scheduler.
type SchedulerConfig struct {
	// RefreshInterval overrides DefaultRefreshInterval when positive.
	RefreshInterval time.Duration

	// ChannelBuffer overrides DefaultChannelBuffer when positive.
	ChannelBuffer int

	// Global are the admission limiters checked before every dispatch, in
	// order (e.g. the global outbound concurrency bound).
	Global []*Limiter

	// NowFunc overrides the epoch clock. Tests only.
	NowFunc func() int64
}

// Scheduler is the single-writer control loop deciding when and whether each
// due queue item may be dispatched. All scheduling state (holds, wake-up
// deadline, pause flag) is owned by the loop goroutine; everything else
// communicates with it through the bounded control channel.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	global     []*Limiter
	events     chan Event
	logger     *slog.Logger
	now        func() int64

	refreshInterval time.Duration

	// Loop-owned state. Never touched outside run and its helpers.
	onHold      map[QueueID]OnHold
	nextWakeUp  time.Time
	isPaused    bool
	nextCleanup time.Time

	// Read-only mirrors for status reporting.
	paused     atomic.Bool
	holdCount  atomic.Int64
	wakeAtNano atomic.Int64

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler creates a scheduler over the given spool enumeration and
// delivery dispatcher. Start must be called to run the control loop.
func NewScheduler(store Store, dispatcher Dispatcher, cfg SchedulerConfig) *Scheduler {
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	buffer := cfg.ChannelBuffer
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	now := cfg.NowFunc
	if now == nil {
		now = Now
	}

	return &Scheduler{
		store:           store,
		dispatcher:      dispatcher,
		global:          cfg.Global,
		events:          make(chan Event, buffer),
		logger:          slog.Default().With("component", "scheduler"),
		now:             now,
		refreshInterval: refresh,
		onHold:          make(map[QueueID]OnHold, 128),
		nextWakeUp:      time.Now(),
	}
}

// Start launches the control loop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop terminates the control loop and waits for it to exit. Outstanding
// delivery attempts are left to the host shutdown sequence.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.events <- StopEvent()
		s.wg.Wait()
	})
}

// Notify delivers a control event to the loop. Blocks while the bounded
// channel is full; events are never dropped.
func (s *Scheduler) Notify(ev Event) {
	s.events <- ev
}

// Paused mirrors the loop's pause flag for status reporting.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// SchedulerStatus is a point-in-time snapshot for the admin plane.
type SchedulerStatus struct {
	Paused     bool      `json:"paused"`
	OnHold     int64     `json:"on_hold"`
	NextWakeUp time.Time `json:"next_wake_up"`
}

// Status returns a snapshot of the externally visible scheduler state.
func (s *Scheduler) Status() SchedulerStatus {
	return SchedulerStatus{
		Paused:     s.paused.Load(),
		OnHold:     s.holdCount.Load(),
		NextWakeUp: time.Unix(0, s.wakeAtNano.Load()),
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	s.nextCleanup = time.Now().Add(cleanupInterval)
	s.logger.Info("scheduler started",
		"refresh_interval", s.refreshInterval,
		"channel_buffer", cap(s.events),
		"global_limiters", len(s.global))

	for {
		wait := time.Until(s.nextWakeUp)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		var refresh, stop bool
		select {
		case ev, ok := <-s.events:
			if !timer.Stop() {
				<-timer.C
			}
			refresh, stop = s.handleEvent(ev, ok)
		case <-timer.C:
			refresh = true
		}

		if stop {
			s.logger.Info("scheduler stopped")
			return
		}

		if s.isPaused {
			s.setWakeUp(time.Now().Add(pauseHorizon))
			continue
		}

		if refresh || !s.nextWakeUp.After(time.Now()) {
			metrics.SchedulerWakeups.Inc()
			s.rescan()
		}
	}
}

// handleEvent applies one control event to the loop state and reports
// whether a rescan is warranted and whether the loop should terminate.
// Channel closure is treated identically to Stop.
func (s *Scheduler) handleEvent(ev Event, ok bool) (refresh, stop bool) {
	if !ok || ev.Kind == EventStop {
		return false, true
	}

	switch ev.Kind {
	case EventRefresh:
		if ev.HasID {
			s.removeHold(ev.ID)
		}
		return true, false

	case EventWorkerDone:
		s.removeHold(ev.ID)
		return len(s.onHold) > 0, false

	case EventOnHold:
		if ev.Hold.Reason == HoldLocked {
			if due := s.wallClockAt(ev.Hold.Until); due.Before(s.nextWakeUp) {
				s.setWakeUp(due)
			}
		}
		s.setHold(ev.ID, ev.Hold)
		metrics.SchedulerHolds.WithLabelValues(ev.Hold.Reason.String()).Inc()
		return len(s.onHold) > 1, false

	case EventPaused:
		s.isPaused = ev.Paused
		s.paused.Store(ev.Paused)
		if ev.Paused {
			metrics.SchedulerPaused.Set(1)
		} else {
			metrics.SchedulerPaused.Set(0)
		}
		s.logger.Info("scheduler pause flag changed", "paused", ev.Paused)
		// Unpausing forces an immediate rescan of everything that became
		// due while paused.
		return !ev.Paused, false
	}

	return false, false
}

// rescan evaluates every currently due item against its hold and the global
// admission limiters, dispatches the admissible ones, and recomputes the
// next wake-up deadline from the running minimum.
func (s *Scheduler) rescan() {
	now := s.now()
	nextWake := s.refreshInterval

	items, err := s.store.NextEvent()
	if err != nil {
		s.logger.Error("spool enumeration failed", "error", err)
	}
	metrics.SchedulerDueItems.Set(float64(len(items)))

	// Randomize processing order above the threshold so one domain's
	// backlog cannot starve others sharing the same deadline.
	if len(items) > shuffleThreshold {
		rand.Shuffle(len(items), func(i, j int) {
			items[i], items[j] = items[j], items[i]
		})
	}

	for _, item := range items {
		if item.Due > now {
			if d := epochInterval(item.Due, now); d < nextWake {
				nextWake = d
			}
			continue
		}

		if hold, held := s.onHold[item.ID]; held {
			switch hold.Reason {
			case HoldLocked:
				if hold.Until > now {
					if d := epochInterval(hold.Until, now); d < nextWake {
						nextWake = d
					}
					continue
				}
			case HoldLimited:
				if !hold.releasable(now) {
					continue
				}
			case HoldInFlight:
				continue
			}
			s.removeHold(item.ID)
		}

		held, blocked := admit(s.global)
		if blocked != nil {
			for _, l := range held {
				l.Release()
			}
			s.setHold(item.ID, HoldForLimiters([]*Limiter{blocked}, 0))
			metrics.SchedulerHolds.WithLabelValues(HoldLimited.String()).Inc()
			s.logger.Debug("dispatch refused by limiter",
				"queue_id", item.ID,
				"limiter", blocked.Key())
			continue
		}

		s.setHold(item.ID, holdInFlight())
		metrics.SchedulerDispatched.Inc()
		s.dispatcher.Dispatch(DeliveryAttempt{Item: item, InFlight: held})
	}

	// A failed enumeration yields an empty due set; running cleanup against
	// it would purge every ConcurrencyLimited hold, so defer it.
	if wallNow := time.Now(); err == nil && !wallNow.Before(s.nextCleanup) {
		s.nextCleanup = wallNow.Add(cleanupInterval)
		s.cleanup(items)
	}

	s.setWakeUp(time.Now().Add(nextWake))
}

// cleanup purges stale holds: expired locks and concurrency holds whose item
// no longer appears in the due set. InFlight holds are never purged here.
func (s *Scheduler) cleanup(items []DueItem) {
	if len(s.onHold) == 0 {
		return
	}

	due := make(map[QueueID]struct{}, len(items))
	for _, item := range items {
		due[item.ID] = struct{}{}
	}

	now := s.now()
	removed := 0
	for id, hold := range s.onHold {
		if !hold.retain(now, due, id) {
			delete(s.onHold, id)
			removed++
		}
	}
	s.holdCount.Store(int64(len(s.onHold)))

	if removed > 0 {
		s.logger.Debug("purged stale holds", "removed", removed, "remaining", len(s.onHold))
	}
}

// admit attempts every limiter in order. On failure it returns the
// admissions already taken together with the limiter that refused; the
// caller must release them.
func admit(limiters []*Limiter) (held []*Limiter, blocked *Limiter) {
	for _, l := range limiters {
		if !l.TryAdmit() {
			return held, l
		}
		held = append(held, l)
	}
	return held, nil
}

func (s *Scheduler) setHold(id QueueID, hold OnHold) {
	s.onHold[id] = hold
	s.holdCount.Store(int64(len(s.onHold)))
}

func (s *Scheduler) removeHold(id QueueID) {
	delete(s.onHold, id)
	s.holdCount.Store(int64(len(s.onHold)))
}

func (s *Scheduler) setWakeUp(at time.Time) {
	s.nextWakeUp = at
	s.wakeAtNano.Store(at.UnixNano())
}

// wallClockAt converts an absolute epoch-seconds deadline into wall-clock
// time relative to the loop's epoch clock.
func (s *Scheduler) wallClockAt(epoch int64) time.Time {
	return time.Now().Add(epochInterval(epoch, s.now()))
}

// epochInterval returns the duration from now until an epoch-seconds
// deadline. A deadline already past clamps to zero.
func epochInterval(deadline, now int64) time.Duration {
	if deadline <= now {
		return 0
	}
	return time.Duration(deadline-now) * time.Second
}
