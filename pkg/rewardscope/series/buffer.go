// Package series implements the bounded, ordered buffers behind every chart.
//
// A Buffer has exactly one writer. Each mutation publishes a fresh immutable
// view and hands it to the notify callback before returning, so the update
// sink sees views in mutation order. Readers may call View from any goroutine.
package series

import (
	"sync"
	"sync/atomic"
)

// Buffer is an ordered sequence of points with an optional capacity.
// A capacity of zero or less means the buffer is sized by whatever Replace
// installs, which is how snapshot-driven buffers are used.
type Buffer[T any] struct {
	mu       sync.Mutex
	capacity int
	view     atomic.Pointer[[]T]
	notify   func([]T)
}

// New creates an empty buffer. notify may be nil.
func New[T any](capacity int, notify func([]T)) *Buffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	b := &Buffer[T]{capacity: capacity, notify: notify}
	empty := []T{}
	b.view.Store(&empty)
	return b
}

// Append adds p at the tail, evicting from the head while the length exceeds
// the capacity. The returned view must not be modified.
func (b *Buffer[T]) Append(p T) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := *b.view.Load()
	start := 0
	if b.capacity > 0 && len(old)+1 > b.capacity {
		start = len(old) + 1 - b.capacity
	}

	next := make([]T, 0, len(old)-start+1)
	next = append(next, old[start:]...)
	next = append(next, p)
	b.publish(next)
	return next
}

// Replace discards the current content and installs points. An empty or nil
// slice clears the buffer. On a bounded buffer only the newest capacity
// points are kept. The returned view must not be modified.
func (b *Buffer[T]) Replace(points []T) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity > 0 && len(points) > b.capacity {
		points = points[len(points)-b.capacity:]
	}
	next := make([]T, len(points))
	copy(next, points)
	b.publish(next)
	return next
}

// publish must be called with mu held.
func (b *Buffer[T]) publish(next []T) {
	b.view.Store(&next)
	if b.notify != nil {
		b.notify(next)
	}
}

// View returns the current immutable content.
func (b *Buffer[T]) View() []T {
	return *b.view.Load()
}

// Len returns the current number of points.
func (b *Buffer[T]) Len() int {
	return len(*b.view.Load())
}

// Last returns the newest point, if any.
func (b *Buffer[T]) Last() (T, bool) {
	v := *b.view.Load()
	if len(v) == 0 {
		var zero T
		return zero, false
	}
	return v[len(v)-1], true
}
