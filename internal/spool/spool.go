// Package spool is the durable message store behind the outbound scheduler.
// It owns envelope, content and the per-domain delivery schedules; the
// scheduler only consumes its due-set enumeration.
package spool

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/postflux/postflux/internal/queue"
)

// Common errors
var (
	ErrNotFound = errors.New("message not found in spool")
)

// Entry is one spooled message: envelope metadata plus the scheduling state
// for each destination domain. Content is stored separately.
type Entry struct {
	ID         queue.QueueID  `json:"id"`
	SpoolID    string         `json:"spool_id"`
	From       string         `json:"from"`
	Recipients []string       `json:"recipients"`
	Size       int64          `json:"size"`
	CreatedAt  int64          `json:"created_at"`
	Domains    []queue.Domain `json:"domains"`
}

// Message returns the scheduling view of the entry.
func (e *Entry) Message() *queue.Message {
	return &queue.Message{ID: e.ID, Domains: e.Domains}
}

// NextDue returns the entry's earliest unresolved deadline.
func (e *Entry) NextDue() (int64, bool) {
	return e.Message().NextEvent()
}

// Done reports whether every domain has reached a terminal status.
func (e *Entry) Done() bool {
	for _, d := range e.Domains {
		if d.Status.IsActive() {
			return false
		}
	}
	return true
}

// Domain returns a pointer to the named domain record, or nil.
func (e *Entry) Domain(name string) *queue.Domain {
	for i := range e.Domains {
		if e.Domains[i].Name == name {
			return &e.Domains[i]
		}
	}
	return nil
}

// Store is the durable backend contract. NextEvent must be cheap: it is
// invoked on every scheduler rescan.
type Store interface {
	// Put spools a new message with its content. The entry's ID and SpoolID
	// are assigned when zero.
	Put(entry *Entry, content []byte) error

	// Get retrieves an entry by queue id.
	Get(id queue.QueueID) (*Entry, error)

	// Content retrieves the raw message content.
	Content(id queue.QueueID) ([]byte, error)

	// Update persists changed scheduling state.
	Update(entry *Entry) error

	// Delete removes the entry and its content.
	Delete(id queue.QueueID) error

	// List returns every spooled entry.
	List() ([]*Entry, error)

	// NextEvent enumerates every entry with at least one due deadline.
	NextEvent() ([]queue.DueItem, error)

	// Close releases backend resources.
	Close() error
}

// NewEntry builds a spool entry for the given envelope. Recipients are
// grouped into one Domain record per distinct destination domain, each
// starting Scheduled with an immediate retry deadline, a delay-notification
// deadline of notifyAfter and an expiry of expireAfter.
func NewEntry(from string, recipients []string, size int64, notifyAfter, expireAfter time.Duration) *Entry {
	now := queue.Now()

	seen := make(map[string]bool)
	var domains []queue.Domain
	for _, rcpt := range recipients {
		name := queue.NormalizeDomain(addressDomain(rcpt))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		domains = append(domains, queue.Domain{
			Name:    name,
			Status:  queue.StatusScheduled,
			Retry:   queue.Schedule{Due: now},
			Notify:  queue.Schedule{Due: now + int64(notifyAfter.Seconds())},
			Expires: now + int64(expireAfter.Seconds()),
		})
	}

	return &Entry{
		ID:         newQueueID(),
		SpoolID:    uuid.NewString(),
		From:       from,
		Recipients: recipients,
		Size:       size,
		CreatedAt:  now,
		Domains:    domains,
	}
}

// newQueueID derives a random queue id. Collision probability across a
// spool's lifetime is negligible at 64 bits.
func newQueueID() queue.QueueID {
	id := uuid.New()
	return queue.QueueID(binary.BigEndian.Uint64(id[:8]))
}

// addressDomain returns the domain portion of an email address, or empty
// string when malformed.
func addressDomain(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			if i == len(addr)-1 {
				return ""
			}
			return addr[i+1:]
		}
	}
	return ""
}

// dueItems computes the due-set enumeration over a slice of entries.
func dueItems(entries []*Entry) []queue.DueItem {
	items := make([]queue.DueItem, 0, len(entries))
	for _, e := range entries {
		if due, ok := e.NextDue(); ok {
			items = append(items, queue.DueItem{ID: e.ID, Due: due})
		}
	}
	return items
}
