package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryItem struct {
	value     string
	expiresAt time.Time
}

func (it memoryItem) expired() bool {
	return !it.expiresAt.IsZero() && time.Now().After(it.expiresAt)
}

// Memory implements Cache with an in-process map. Suitable for single-node
// deployments and tests.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
}

// NewMemory creates a new in-memory cache
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem)}
}

// Connect is a no-op for the memory backend
func (m *Memory) Connect() error { return nil }

// Close drops all entries
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]memoryItem)
	return nil
}

// IsConnected always returns true for the memory backend
func (m *Memory) IsConnected() bool { return true }

// Type returns "memory"
func (m *Memory) Type() string { return "memory" }

// Get retrieves a value from the cache
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok || it.expired() {
		delete(m.items, key)
		return "", ErrNotFound
	}
	return it.value, nil
}

// Set stores a value with an optional expiration
func (m *Memory) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := memoryItem{value: value}
	if expiration > 0 {
		it.expiresAt = time.Now().Add(expiration)
	}
	m.items[key] = it
	return nil
}

// Delete removes a value from the cache
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Increment atomically adds amount to a numeric value
func (m *Memory) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok || it.expired() {
		it = memoryItem{}
	}

	current, _ := strconv.ParseInt(it.value, 10, 64)
	current += amount
	it.value = strconv.FormatInt(current, 10)
	m.items[key] = it
	return current, nil
}

// Expire sets the time-to-live of an existing key
func (m *Memory) Expire(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok || it.expired() {
		return false, nil
	}
	it.expiresAt = time.Now().Add(expiration)
	m.items[key] = it
	return true, nil
}
