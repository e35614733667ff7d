// Package collections provides insertion-ordered containers with
// capacity-driven eviction. The gateway's message caches (author cache,
// per-account and cross-account dedup) go through these types; the per-group
// history buffer trims its own slice.
package collections

import (
	"github.com/elliotchance/orderedmap/v3"
)

// BoundedMap maps K to V preserving insertion order. Set reinserts an
// existing key so it becomes the freshest entry; once the size exceeds the
// capacity, the oldest entries are evicted until the size fits again.
type BoundedMap[K comparable, V any] struct {
	capacity int
	entries  *orderedmap.OrderedMap[K, V]
}

// NewBoundedMap creates a BoundedMap. Capacities below 1 are raised to 1.
func NewBoundedMap[K comparable, V any](capacity int) *BoundedMap[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedMap[K, V]{
		capacity: capacity,
		entries:  orderedmap.NewOrderedMap[K, V](),
	}
}

// Set inserts or refreshes key. The key always ends up freshest.
func (m *BoundedMap[K, V]) Set(key K, value V) {
	m.entries.Delete(key)
	m.entries.Set(key, value)
	for m.entries.Len() > m.capacity {
		oldest := m.entries.Front()
		if oldest == nil {
			break
		}
		m.entries.Delete(oldest.Key)
	}
}

// Get returns the value for key without touching freshness.
func (m *BoundedMap[K, V]) Get(key K) (V, bool) {
	return m.entries.Get(key)
}

// Has reports whether key is present.
func (m *BoundedMap[K, V]) Has(key K) bool {
	_, ok := m.entries.Get(key)
	return ok
}

// Delete removes key, reporting whether it was present.
func (m *BoundedMap[K, V]) Delete(key K) bool {
	return m.entries.Delete(key)
}

// Len returns the number of entries.
func (m *BoundedMap[K, V]) Len() int {
	return m.entries.Len()
}

// Capacity returns the configured capacity.
func (m *BoundedMap[K, V]) Capacity() int {
	return m.capacity
}

// Oldest returns the least recently inserted key, or false when empty.
func (m *BoundedMap[K, V]) Oldest() (K, V, bool) {
	front := m.entries.Front()
	if front == nil {
		var zeroK K
		var zeroV V
		return zeroK, zeroV, false
	}
	return front.Key, front.Value, true
}

// EvictOldest removes up to n oldest entries and returns how many went.
func (m *BoundedMap[K, V]) EvictOldest(n int) int {
	evicted := 0
	for evicted < n {
		front := m.entries.Front()
		if front == nil {
			break
		}
		m.entries.Delete(front.Key)
		evicted++
	}
	return evicted
}

// Range walks entries oldest first. Returning false stops the walk.
func (m *BoundedMap[K, V]) Range(fn func(key K, value V) bool) {
	for el := m.entries.Front(); el != nil; el = el.Next() {
		if !fn(el.Key, el.Value) {
			return
		}
	}
}

// Keys returns the keys oldest first.
func (m *BoundedMap[K, V]) Keys() []K {
	keys := make([]K, 0, m.entries.Len())
	for el := m.entries.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Key)
	}
	return keys
}

// BoundedSet holds distinct values in insertion order with the same eviction
// behavior as BoundedMap.
type BoundedSet[V comparable] struct {
	entries *BoundedMap[V, struct{}]
}

// NewBoundedSet creates a BoundedSet. Capacities below 1 are raised to 1.
func NewBoundedSet[V comparable](capacity int) *BoundedSet[V] {
	return &BoundedSet[V]{entries: NewBoundedMap[V, struct{}](capacity)}
}

// Add inserts value and reports whether it was new. Duplicates are a no-op
// that does not refresh insertion order.
func (s *BoundedSet[V]) Add(value V) bool {
	if s.entries.Has(value) {
		return false
	}
	s.entries.Set(value, struct{}{})
	return true
}

// Has reports membership.
func (s *BoundedSet[V]) Has(value V) bool {
	return s.entries.Has(value)
}

// Delete removes value, reporting whether it was present.
func (s *BoundedSet[V]) Delete(value V) bool {
	return s.entries.Delete(value)
}

// Len returns the number of values.
func (s *BoundedSet[V]) Len() int {
	return s.entries.Len()
}

// EvictOldest removes up to n oldest values and returns how many went.
func (s *BoundedSet[V]) EvictOldest(n int) int {
	return s.entries.EvictOldest(n)
}

// Values returns the values oldest first.
func (s *BoundedSet[V]) Values() []V {
	return s.entries.Keys()
}
