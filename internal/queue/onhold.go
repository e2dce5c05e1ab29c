package queue

// HoldReason identifies why a queue item is currently ineligible for
// dispatch.
type HoldReason int

const (
	// HoldLocked means the item is time-gated until an absolute deadline
	HoldLocked HoldReason = iota
	// HoldLimited means one or more admission limiters refused the item
	HoldLimited
	// HoldInFlight means a delivery attempt for the item is executing
	HoldInFlight
)

// String returns the string representation of a hold reason
func (r HoldReason) String() string {
	switch r {
	case HoldLocked:
		return "locked"
	case HoldLimited:
		return "concurrency_limited"
	case HoldInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// OnHold records why dispatch of one queue item is blocked. A QueueID has at
// most one OnHold entry at a time; absence means the item is eligible and
// simply has not been evaluated this cycle.
type OnHold struct {
	Reason HoldReason

	// Until gates a Locked hold, absolute epoch seconds.
	Until int64

	// Limiters are the saturated gates that refused a ConcurrencyLimited
	// item. The item becomes eligible again once any of them has spare
	// capacity.
	Limiters []*Limiter

	// NextDue optionally bounds when a ConcurrencyLimited item is rechecked
	// regardless of limiter state. Zero means no bound.
	NextDue int64
}

// HoldUntil returns a Locked hold that keeps the item ineligible before the
// given epoch-seconds deadline.
func HoldUntil(until int64) OnHold {
	return OnHold{Reason: HoldLocked, Until: until}
}

// HoldForLimiters returns a ConcurrencyLimited hold referencing the limiters
// that refused admission. nextDue may be zero.
func HoldForLimiters(limiters []*Limiter, nextDue int64) OnHold {
	return OnHold{Reason: HoldLimited, Limiters: limiters, NextDue: nextDue}
}

func holdInFlight() OnHold {
	return OnHold{Reason: HoldInFlight}
}

// releasable reports whether a ConcurrencyLimited hold may be re-evaluated:
// at least one of its limiters has spare capacity, or its recheck bound has
// elapsed.
func (h OnHold) releasable(now int64) bool {
	for _, l := range h.Limiters {
		if l.HasCapacity() {
			return true
		}
	}
	return h.NextDue != 0 && h.NextDue <= now
}

// retain is the cleanup predicate: InFlight holds are always kept, Locked
// holds are kept while their deadline is in the future, and
// ConcurrencyLimited holds are kept only while their item still appears
// among the currently due items.
func (h OnHold) retain(now int64, due map[QueueID]struct{}, id QueueID) bool {
	switch h.Reason {
	case HoldInFlight:
		return true
	case HoldLocked:
		return h.Until > now
	case HoldLimited:
		_, ok := due[id]
		return ok
	default:
		return false
	}
}
