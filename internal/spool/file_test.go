package spool

import (
	"testing"
	"time"

	"github.com/postflux/postflux/internal/queue"
)

func setupFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Error creating file store: %v", err)
	}
	return fs
}

func TestNewEntryGroupsRecipientsByDomain(t *testing.T) {
	entry := NewEntry(
		"sender@example.com",
		[]string{"a@Example.ORG", "b@example.org", "c@example.net", "broken"},
		128,
		4*time.Hour,
		48*time.Hour,
	)

	if entry.ID == 0 {
		t.Error("expected a non-zero queue id")
	}
	if entry.SpoolID == "" {
		t.Error("expected a spool id")
	}
	if len(entry.Domains) != 2 {
		t.Fatalf("expected 2 domain records, got %d", len(entry.Domains))
	}
	if entry.Domains[0].Name != "example.org" {
		t.Errorf("expected normalized domain example.org, got %s", entry.Domains[0].Name)
	}

	now := queue.Now()
	for _, d := range entry.Domains {
		if d.Status != queue.StatusScheduled {
			t.Errorf("expected scheduled status, got %s", d.Status)
		}
		if d.Retry.Due > now {
			t.Errorf("expected immediate retry deadline, got %d", d.Retry.Due)
		}
		if d.Expires <= d.Notify.Due {
			t.Errorf("expected expiry after notify deadline")
		}
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	fs := setupFileStore(t)

	entry := NewEntry("sender@example.com", []string{"rcpt@example.org"}, 11, time.Hour, 24*time.Hour)
	content := []byte("Subject: hi\r\n\r\nhello world")
	entry.Size = int64(len(content))

	if err := fs.Put(entry, content); err != nil {
		t.Fatalf("Error spooling message: %v", err)
	}

	got, err := fs.Get(entry.ID)
	if err != nil {
		t.Fatalf("Error retrieving entry: %v", err)
	}
	if got.From != "sender@example.com" {
		t.Errorf("expected From=sender@example.com, got %s", got.From)
	}
	if len(got.Domains) != 1 || got.Domains[0].Name != "example.org" {
		t.Errorf("unexpected domains: %+v", got.Domains)
	}

	data, err := fs.Content(entry.ID)
	if err != nil {
		t.Fatalf("Error retrieving content: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("content mismatch: %q", data)
	}

	// Scheduling state survives an update.
	got.Domains[0].Status = queue.StatusTemporaryFailure
	got.Domains[0].Retry.Due = queue.Now() + 300
	if err := fs.Update(got); err != nil {
		t.Fatalf("Error updating entry: %v", err)
	}
	got, _ = fs.Get(entry.ID)
	if got.Domains[0].Status != queue.StatusTemporaryFailure {
		t.Errorf("expected temporary_failure, got %s", got.Domains[0].Status)
	}

	if err := fs.Delete(entry.ID); err != nil {
		t.Fatalf("Error deleting entry: %v", err)
	}
	if _, err := fs.Get(entry.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := fs.Content(entry.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for content after delete, got %v", err)
	}
}

func TestFileStoreNextEvent(t *testing.T) {
	fs := setupFileStore(t)

	due := NewEntry("s@example.com", []string{"r@example.org"}, 1, time.Hour, 24*time.Hour)
	if err := fs.Put(due, []byte("x")); err != nil {
		t.Fatalf("Error spooling message: %v", err)
	}

	future := NewEntry("s@example.com", []string{"r@example.net"}, 1, time.Hour, 24*time.Hour)
	future.Domains[0].Retry.Due = queue.Now() + 600
	if err := fs.Put(future, []byte("y")); err != nil {
		t.Fatalf("Error spooling message: %v", err)
	}

	done := NewEntry("s@example.com", []string{"r@example.edu"}, 1, time.Hour, 24*time.Hour)
	done.Domains[0].Status = queue.StatusCompleted
	if err := fs.Put(done, []byte("z")); err != nil {
		t.Fatalf("Error spooling message: %v", err)
	}

	items, err := fs.NextEvent()
	if err != nil {
		t.Fatalf("Error enumerating due set: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items with pending deadlines, got %d", len(items))
	}

	byID := make(map[queue.QueueID]int64)
	for _, item := range items {
		byID[item.ID] = item.Due
	}
	if _, ok := byID[done.ID]; ok {
		t.Error("terminal entry must not appear in the due set")
	}
	if byID[due.ID] > queue.Now() {
		t.Error("expected the first entry to be due now")
	}
	if byID[future.ID] <= queue.Now() {
		t.Error("expected the second entry's deadline in the future")
	}
}
