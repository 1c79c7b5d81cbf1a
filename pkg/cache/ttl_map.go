package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// live reports whether the entry is still valid at now. A zero expiry
// never lapses.
func (e entry[V]) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// TTLMap is a mutex-guarded map whose entries carry an expiry. Lapsed
// entries are dropped lazily on read and eagerly by PruneExpired.
type TTLMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]entry[V]
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: make(map[K]entry[V])}
}

func (m *TTLMap[K, V]) SetWithTTL(key K, value V, now time.Time, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.SetWithExpiry(key, value, exp)
}

// SetWithExpiry stores value until expiresAt; a zero expiresAt pins the
// entry until it is overwritten, taken or cleared.
func (m *TTLMap[K, V]) SetWithExpiry(key K, value V, expiresAt time.Time) {
	m.mu.Lock()
	m.items[key] = entry[V]{value: value, expiresAt: expiresAt}
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) GetFresh(key K, now time.Time) (V, bool) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !e.live(now) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// TakeFresh removes the entry and returns it if still live, so each entry
// is consumed at most once.
func (m *TTLMap[K, V]) TakeFresh(key K, now time.Time) (V, bool) {
	m.mu.Lock()
	e, ok := m.items[key]
	if ok {
		delete(m.items, key)
	}
	m.mu.Unlock()
	if !ok || !e.live(now) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// PruneExpired drops every lapsed entry and reports how many were removed.
func (m *TTLMap[K, V]) PruneExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.items {
		if !e.live(now) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

func (m *TTLMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *TTLMap[K, V]) Clear() {
	m.mu.Lock()
	m.items = make(map[K]entry[V])
	m.mu.Unlock()
}
