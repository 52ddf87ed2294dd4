// Package buffer provides a bounded, thread-safe ring used for per-container
// log retention. The writer never blocks; when the ring is full the oldest
// entry is dropped.
package buffer

import (
	"sync"
)

// Ring is a thread-safe bounded FIFO. Oldest entries are evicted before
// capacity is exceeded.
type Ring[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
}

// NewRing creates a Ring with the given capacity. Capacity must be positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		data:     make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends an item, evicting the oldest if the ring is full.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.data) >= r.capacity {
		r.data = r.data[1:]
	}
	r.data = append(r.data, item)
}

// Snapshot returns a copy of all buffered items, oldest first. Readers get
// values, never a view into the ring.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.data))
	copy(out, r.data)
	return out
}

// Last returns a copy of the newest n items, oldest first. If fewer than n
// items are buffered, all of them are returned.
func (r *Ring[T]) Last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.data) {
		n = len(r.data)
	}
	out := make([]T, n)
	copy(out, r.data[len(r.data)-n:])
	return out
}

// Len returns the current number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}
