package ratecache

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/taxsync/pkg/core"
)

// Store is the key/value cache store with TTL.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// Keys lists keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// TTL returns the remaining time to live, or a negative value if the key
	// has no expiry or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]memoryItem
	now    func() time.Time
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

var errMemoryStoreClosed = errors.Mark(errors.New("memory store closed"), core.ErrCacheStoreUnavailable)

func (m *MemoryStore) live(item memoryItem) bool {
	return item.expiresAt.IsZero() || m.now().Before(item.expiresAt)
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, errMemoryStoreClosed
	}
	item, ok := m.items[key]
	if !ok || !m.live(item) {
		return nil, false, nil
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMemoryStoreClosed
	}
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = item
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errMemoryStoreClosed
	}
	var n int64
	for _, k := range keys {
		if item, ok := m.items[k]; ok {
			if m.live(item) {
				n++
			}
			delete(m.items, k)
		}
	}
	return n, nil
}

func (m *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errMemoryStoreClosed
	}
	var out []string
	for k, item := range m.items {
		if !m.live(item) {
			continue
		}
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, errors.Wrapf(err, "pattern %q", pattern)
		}
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, errMemoryStoreClosed
	}
	item, ok := m.items[key]
	if !ok || !m.live(item) {
		return -2 * time.Second, nil
	}
	if item.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return item.expiresAt.Sub(m.now()), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errMemoryStoreClosed
	}
	return nil
}

// Close makes every later call fail with core.ErrCacheStoreUnavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
