package spool

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	// Database drivers selected by the backend name in [spool] config.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/postflux/postflux/internal/queue"
)

// SQLStore implements Store on a relational database. Supported drivers:
// sqlite3, mysql, postgres. Envelope fields and the per-domain schedules are
// stored as JSON columns; the due-set computation runs in Go so that all
// three backends share identical semantics with the file store.
type SQLStore struct {
	db     *sql.DB
	driver string
}

const spoolSchema = `
CREATE TABLE IF NOT EXISTS spool (
	id BIGINT PRIMARY KEY,
	spool_id VARCHAR(64) NOT NULL,
	from_addr TEXT NOT NULL,
	recipients TEXT NOT NULL,
	size BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	domains TEXT NOT NULL,
	content BLOB NOT NULL
)`

// NewSQLStore opens a SQL-backed spool. driver is one of "sqlite3", "mysql"
// or "postgres"; dsn is the driver connection string.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s spool: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s spool: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	schema := spoolSchema
	if s.driver == "postgres" {
		schema = strings.ReplaceAll(schema, "BLOB", "BYTEA")
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create spool table: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to the driver's syntax.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Put spools a new message.
func (s *SQLStore) Put(entry *Entry, content []byte) error {
	recipients, err := json.Marshal(entry.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	domains, err := json.Marshal(entry.Domains)
	if err != nil {
		return fmt.Errorf("failed to marshal domains: %w", err)
	}

	_, err = s.db.Exec(
		s.rebind(`INSERT INTO spool (id, spool_id, from_addr, recipients, size, created_at, domains, content)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		int64(entry.ID), entry.SpoolID, entry.From, string(recipients),
		entry.Size, entry.CreatedAt, string(domains), content,
	)
	if err != nil {
		return fmt.Errorf("failed to insert spool entry: %w", err)
	}
	return nil
}

func (s *SQLStore) scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var (
		entry      Entry
		id         int64
		recipients string
		domains    string
	)
	if err := row.Scan(&id, &entry.SpoolID, &entry.From, &recipients, &entry.Size, &entry.CreatedAt, &domains); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan spool entry: %w", err)
	}
	entry.ID = queue.QueueID(id)
	if err := json.Unmarshal([]byte(recipients), &entry.Recipients); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(domains), &entry.Domains); err != nil {
		return nil, fmt.Errorf("failed to unmarshal domains: %w", err)
	}
	return &entry, nil
}

const entryColumns = "id, spool_id, from_addr, recipients, size, created_at, domains"

// Get retrieves an entry by queue id.
func (s *SQLStore) Get(id queue.QueueID) (*Entry, error) {
	row := s.db.QueryRow(
		s.rebind("SELECT "+entryColumns+" FROM spool WHERE id = ?"),
		int64(id),
	)
	return s.scanEntry(row)
}

// Content retrieves the raw message content.
func (s *SQLStore) Content(id queue.QueueID) ([]byte, error) {
	var content []byte
	err := s.db.QueryRow(
		s.rebind("SELECT content FROM spool WHERE id = ?"),
		int64(id),
	).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read spool content: %w", err)
	}
	return content, nil
}

// Update persists changed scheduling state.
func (s *SQLStore) Update(entry *Entry) error {
	domains, err := json.Marshal(entry.Domains)
	if err != nil {
		return fmt.Errorf("failed to marshal domains: %w", err)
	}

	res, err := s.db.Exec(
		s.rebind("UPDATE spool SET domains = ? WHERE id = ?"),
		string(domains), int64(entry.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update spool entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the entry and its content.
func (s *SQLStore) Delete(id queue.QueueID) error {
	res, err := s.db.Exec(
		s.rebind("DELETE FROM spool WHERE id = ?"),
		int64(id),
	)
	if err != nil {
		return fmt.Errorf("failed to delete spool entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every spooled entry.
func (s *SQLStore) List() ([]*Entry, error) {
	rows, err := s.db.Query("SELECT " + entryColumns + " FROM spool")
	if err != nil {
		return nil, fmt.Errorf("failed to list spool: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// NextEvent enumerates every entry with at least one due deadline.
func (s *SQLStore) NextEvent() ([]queue.DueItem, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	return dueItems(entries), nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
