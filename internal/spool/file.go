package spool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/postflux/postflux/internal/queue"
)

// FileStore implements Store on the filesystem: one JSON metadata file per
// message under messages/, raw content under data/ keyed by spool id.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates a file-backed spool rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	fs := &FileStore{
		dir:    dir,
		logger: slog.Default().With("component", "spool"),
	}
	for _, sub := range []string{fs.messagesDir(), fs.dataDir()} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}
	return fs, nil
}

func (fs *FileStore) messagesDir() string {
	return filepath.Join(fs.dir, "messages")
}

func (fs *FileStore) dataDir() string {
	return filepath.Join(fs.dir, "data")
}

func (fs *FileStore) metaPath(id queue.QueueID) string {
	return filepath.Join(fs.messagesDir(), strconv.FormatUint(uint64(id), 16)+".json")
}

// Put spools a new message.
func (fs *FileStore) Put(entry *Entry, content []byte) error {
	if entry.SpoolID == "" {
		return fmt.Errorf("entry has no spool id")
	}

	contentPath := filepath.Join(fs.dataDir(), entry.SpoolID)
	if err := os.WriteFile(contentPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write content file: %w", err)
	}

	if err := fs.writeMeta(entry); err != nil {
		// Best effort content cleanup so a failed Put leaves nothing behind.
		_ = os.Remove(contentPath)
		return err
	}

	return nil
}

func (fs *FileStore) writeMeta(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal spool entry: %w", err)
	}
	if err := os.WriteFile(fs.metaPath(entry.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write spool entry: %w", err)
	}
	return nil
}

// Get retrieves an entry by queue id.
func (fs *FileStore) Get(id queue.QueueID) (*Entry, error) {
	data, err := os.ReadFile(fs.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read spool entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal spool entry: %w", err)
	}
	return &entry, nil
}

// Content retrieves the raw message content.
func (fs *FileStore) Content(id queue.QueueID) ([]byte, error) {
	entry, err := fs.Get(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(fs.dataDir(), entry.SpoolID))
	if err != nil {
		return nil, fmt.Errorf("failed to read content file: %w", err)
	}
	return data, nil
}

// Update persists changed scheduling state.
func (fs *FileStore) Update(entry *Entry) error {
	if _, err := os.Stat(fs.metaPath(entry.ID)); os.IsNotExist(err) {
		return ErrNotFound
	}
	return fs.writeMeta(entry)
}

// Delete removes the entry and its content.
func (fs *FileStore) Delete(id queue.QueueID) error {
	entry, err := fs.Get(id)
	if err != nil {
		return err
	}

	if err := os.Remove(fs.metaPath(id)); err != nil {
		return fmt.Errorf("failed to delete spool entry: %w", err)
	}
	if err := os.Remove(filepath.Join(fs.dataDir(), entry.SpoolID)); err != nil && !os.IsNotExist(err) {
		fs.logger.Warn("failed to delete content file", "queue_id", id, "error", err)
	}
	return nil
}

// List returns every spooled entry. Unreadable files are skipped.
func (fs *FileStore) List() ([]*Entry, error) {
	files, err := os.ReadDir(fs.messagesDir())
	if err != nil {
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	entries := make([]*Entry, 0, len(files))
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.messagesDir(), file.Name()))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			fs.logger.Warn("skipping unreadable spool entry", "file", file.Name(), "error", err)
			continue
		}
		entries = append(entries, &entry)
	}

	return entries, nil
}

// NextEvent enumerates every entry with at least one due deadline.
func (fs *FileStore) NextEvent() ([]queue.DueItem, error) {
	entries, err := fs.List()
	if err != nil {
		return nil, err
	}
	return dueItems(entries), nil
}

// Close is a no-op for the file backend.
func (fs *FileStore) Close() error {
	return nil
}
