package testing

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaborage/communityassist/cache"
)

// MockCache is an in-memory cache implementation for testing.
// It is thread-safe and tracks all operations for assertion purposes.
type MockCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry

	closed atomic.Bool
	now    func() time.Time

	delay       time.Duration
	getError    error
	setError    error
	deleteError error
	healthError error

	getCalls    atomic.Int64
	setCalls    atomic.Int64
	deleteCalls atomic.Int64
	healthCalls atomic.Int64
	closeCalls  atomic.Int64
}

type cacheEntry struct {
	value      []byte
	expiration time.Time // zero means no expiration
}

var _ cache.Cache = (*MockCache)(nil)

// NewMockCache creates a new MockCache with default behavior.
func NewMockCache() *MockCache {
	return &MockCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// WithDelay configures a delay for Get and Set. The delay honors context cancellation.
func (m *MockCache) WithDelay(delay time.Duration) *MockCache {
	m.delay = delay
	return m
}

// WithGetFailure configures Get operations to return an error.
func (m *MockCache) WithGetFailure(err error) *MockCache {
	m.getError = err
	return m
}

// WithSetFailure configures Set operations to return an error.
func (m *MockCache) WithSetFailure(err error) *MockCache {
	m.setError = err
	return m
}

// WithDeleteFailure configures Delete operations to return an error.
func (m *MockCache) WithDeleteFailure(err error) *MockCache {
	m.deleteError = err
	return m
}

// WithHealthFailure configures Health operations to return an error.
func (m *MockCache) WithHealthFailure(err error) *MockCache {
	m.healthError = err
	return m
}

// WithClock replaces the clock used for expiration.
func (m *MockCache) WithClock(now func() time.Time) *MockCache {
	m.now = now
	return m
}

func (m *MockCache) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(m.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get retrieves a value from the cache.
func (m *MockCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.getCalls.Add(1)

	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.closed.Load() {
		return nil, cache.ErrClosed
	}
	if m.getError != nil {
		return nil, m.getError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.data[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	if !entry.expiration.IsZero() && !m.now().Before(entry.expiration) {
		delete(m.data, key)
		return nil, cache.ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

// Set stores a value in the cache with TTL. A zero TTL never expires.
func (m *MockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.setCalls.Add(1)

	if err := m.wait(ctx); err != nil {
		return err
	}
	if m.closed.Load() {
		return cache.ErrClosed
	}
	if m.setError != nil {
		return m.setError
	}
	if ttl < 0 {
		return cache.ErrInvalidTTL
	}

	entry := cacheEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiration = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.data[key] = entry
	m.mu.Unlock()
	return nil
}

// Delete removes a value from the cache.
func (m *MockCache) Delete(_ context.Context, key string) error {
	m.deleteCalls.Add(1)

	if m.closed.Load() {
		return cache.ErrClosed
	}
	if m.deleteError != nil {
		return m.deleteError
	}

	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Health returns the configured health error.
func (m *MockCache) Health(_ context.Context) error {
	m.healthCalls.Add(1)

	if m.closed.Load() {
		return cache.ErrClosed
	}
	return m.healthError
}

// Stats returns operation counts.
func (m *MockCache) Stats() (map[string]any, error) {
	if m.closed.Load() {
		return nil, cache.ErrClosed
	}

	m.mu.Lock()
	entries := len(m.data)
	m.mu.Unlock()

	return map[string]any{
		"type":          "mock",
		"entries":       entries,
		"get_calls":     m.getCalls.Load(),
		"set_calls":     m.setCalls.Load(),
		"delete_calls":  m.deleteCalls.Load(),
		"health_calls":  m.healthCalls.Load(),
		"closed_called": m.closeCalls.Load(),
	}, nil
}

// Close marks the cache closed.
func (m *MockCache) Close() error {
	m.closeCalls.Add(1)

	if !m.closed.CompareAndSwap(false, true) {
		return cache.ErrClosed
	}
	return nil
}

// OperationCount returns the number of calls for Get, Set, Delete, Health or Close.
func (m *MockCache) OperationCount(operation string) int64 {
	switch operation {
	case "Get":
		return m.getCalls.Load()
	case "Set":
		return m.setCalls.Load()
	case "Delete":
		return m.deleteCalls.Load()
	case "Health":
		return m.healthCalls.Load()
	case "Close":
		return m.closeCalls.Load()
	default:
		return 0
	}
}

// IsClosed reports whether Close was called.
func (m *MockCache) IsClosed() bool {
	return m.closed.Load()
}

// Has reports whether key is stored, ignoring expiration.
func (m *MockCache) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// Keys returns stored keys in sorted order.
func (m *MockCache) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
