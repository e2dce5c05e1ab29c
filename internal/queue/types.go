package queue

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// QueueID is the opaque identifier of one spooled message. It is stable for
// the lifetime of the message in the queue.
type QueueID uint64

// Status represents the delivery state of a single destination domain.
type Status int

const (
	// StatusScheduled means the domain is waiting for its next delivery attempt
	StatusScheduled Status = iota
	// StatusTemporaryFailure means the last attempt failed and a retry is scheduled
	StatusTemporaryFailure
	// StatusPermanentFailure means delivery was abandoned (terminal)
	StatusPermanentFailure
	// StatusCompleted means all recipients for the domain were delivered (terminal)
	StatusCompleted
)

// String returns the string representation of a domain status
func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "scheduled"
	case StatusTemporaryFailure:
		return "temporary_failure"
	case StatusPermanentFailure:
		return "permanent_failure"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// IsActive reports whether the domain still participates in scheduling.
func (s Status) IsActive() bool {
	return s == StatusScheduled || s == StatusTemporaryFailure
}

// Schedule tracks one recurring deadline (retry or DSN) for a domain.
// Due is absolute epoch seconds.
type Schedule struct {
	Due      int64 `json:"due"`
	Attempts int   `json:"attempts"`
}

// Domain is the per-message, per-destination delivery record.
type Domain struct {
	Name    string   `json:"name"`
	Status  Status   `json:"status"`
	Retry   Schedule `json:"retry"`
	Notify  Schedule `json:"notify"`
	Expires int64    `json:"expires"`
}

// Message is the scheduling view of one queued message: its identifier and
// the per-destination-domain state machines. Envelope and content live in
// the spool.
type Message struct {
	ID      QueueID  `json:"id"`
	Domains []Domain `json:"domains"`
}

// Now returns the current time in epoch seconds. All deadline math in this
// package uses epoch seconds.
func Now() int64 {
	return time.Now().Unix()
}

// NextEvent returns the earliest of every active domain's retry, notify and
// expiry deadlines. The second return value is false when no domain is in an
// active status.
func (m *Message) NextEvent() (int64, bool) {
	var next int64
	has := false

	for _, d := range m.Domains {
		if !d.Status.IsActive() {
			continue
		}
		if !has || d.Retry.Due < next {
			next = d.Retry.Due
			has = true
		}
		if d.Notify.Due < next {
			next = d.Notify.Due
		}
		if d.Expires < next {
			next = d.Expires
		}
	}

	return next, has
}

// NextDeliveryEvent returns the earliest retry deadline among active domains,
// or the current time when none qualify.
func (m *Message) NextDeliveryEvent() int64 {
	next := Now()
	pos := 0

	for _, d := range m.Domains {
		if !d.Status.IsActive() {
			continue
		}
		if pos == 0 || d.Retry.Due < next {
			next = d.Retry.Due
		}
		pos++
	}

	return next
}

// NextDSN returns the earliest delay-notification deadline among active
// domains, or the current time when none qualify.
func (m *Message) NextDSN() int64 {
	next := Now()
	pos := 0

	for _, d := range m.Domains {
		if !d.Status.IsActive() {
			continue
		}
		if pos == 0 || d.Notify.Due < next {
			next = d.Notify.Due
		}
		pos++
	}

	return next
}

// Expires returns the earliest expiry deadline among active domains, or the
// current time when none qualify.
func (m *Message) Expires() int64 {
	expires := Now()
	pos := 0

	for _, d := range m.Domains {
		if !d.Status.IsActive() {
			continue
		}
		if pos == 0 || d.Expires < expires {
			expires = d.Expires
		}
		pos++
	}

	return expires
}

// NextEventAfter returns the earliest deadline strictly greater than instant
// across the retry, notify and expiry deadlines of active domains. The second
// return value is false when no deadline qualifies. It is used to skip a
// deadline that was just handled without reprocessing it in the same pass.
func (m *Message) NextEventAfter(instant int64) (int64, bool) {
	var next int64
	has := false

	for _, d := range m.Domains {
		if !d.Status.IsActive() {
			continue
		}
		if d.Retry.Due > instant && (!has || d.Retry.Due < next) {
			next = d.Retry.Due
			has = true
		}
		if d.Notify.Due > instant && (!has || d.Notify.Due < next) {
			next = d.Notify.Due
			has = true
		}
		if d.Expires > instant && (!has || d.Expires < next) {
			next = d.Expires
			has = true
		}
	}

	return next, has
}

// NormalizeDomain canonicalizes a destination domain for use as a limiter or
// throttle key: NFC normalization plus ASCII lowercasing.
func NormalizeDomain(name string) string {
	return strings.ToLower(norm.NFC.String(name))
}
