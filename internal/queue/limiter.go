package queue

import "sync/atomic"

// Limiter is a shared admission gate bounding the number of simultaneous
// deliveries that share a key (a destination domain, an outbound IP, or the
// global outbound limit). A single Limiter instance is shared by pointer
// between every queue item subject to it; the only mutable state is the
// atomic in-flight counter.
type Limiter struct {
	key           string
	maxConcurrent int64
	concurrent    atomic.Int64
}

// NewLimiter creates a limiter allowing up to maxConcurrent concurrent
// admissions for the given key.
func NewLimiter(key string, maxConcurrent int64) *Limiter {
	return &Limiter{
		key:           key,
		maxConcurrent: maxConcurrent,
	}
}

// Key returns the admission key this limiter guards.
func (l *Limiter) Key() string {
	return l.key
}

// MaxConcurrent returns the admission bound. Immutable after construction.
func (l *Limiter) MaxConcurrent() int64 {
	return l.maxConcurrent
}

// InFlight returns the current number of admitted deliveries.
func (l *Limiter) InFlight() int64 {
	return l.concurrent.Load()
}

// TryAdmit increments the in-flight counter if it is below the bound and
// reports whether admission succeeded. Every successful admission must be
// balanced by exactly one Release.
func (l *Limiter) TryAdmit() bool {
	for {
		cur := l.concurrent.Load()
		if cur >= l.maxConcurrent {
			return false
		}
		if l.concurrent.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release decrements the in-flight counter. Must be called exactly once per
// successful TryAdmit, including when the delivery attempt fails.
func (l *Limiter) Release() {
	l.concurrent.Add(-1)
}

// IsActive reports whether any admission is currently outstanding. Idle
// limiters may be forgotten by their owners.
func (l *Limiter) IsActive() bool {
	return l.concurrent.Load() > 0
}

// HasCapacity reports whether an admission attempt would currently succeed.
// The answer is advisory: another task may take the slot before TryAdmit.
func (l *Limiter) HasCapacity() bool {
	return l.concurrent.Load() < l.maxConcurrent
}
