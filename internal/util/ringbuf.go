package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element. All methods are safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item, overwriting the oldest if full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.pushLocked(item)
	r.mu.Unlock()
}

func (r *RingBuffer[T]) pushLocked(item T) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
}

// PushIf appends item unless keep reports false for the current newest
// element. keep is not called on an empty buffer.
func (r *RingBuffer[T]) PushIf(item T, keep func(last T) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count > 0 && !keep(r.buf[(r.head+r.count-1)%len(r.buf)]) {
		return false
	}
	r.pushLocked(item)
	return true
}

// Last returns the newest element.
func (r *RingBuffer[T]) Last() (T, bool) {
	return r.FromEnd(0)
}

// FromEnd returns the element n positions before the newest (0 = newest).
func (r *RingBuffer[T]) FromEnd(n int) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero T
	if n < 0 || n >= r.count {
		return zero, false
	}
	return r.buf[(r.head+r.count-1-n)%len(r.buf)], true
}

// Pop removes and returns the newest element.
func (r *RingBuffer[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if r.count == 0 {
		return zero, false
	}
	idx := (r.head + r.count - 1) % len(r.buf)
	item := r.buf[idx]
	r.buf[idx] = zero
	r.count--
	return item, true
}

// Reset replaces the contents with items (oldest first). Items beyond the
// capacity are dropped from the front.
func (r *RingBuffer[T]) Reset(items []T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.head, r.count = 0, 0
	if over := len(items) - len(r.buf); over > 0 {
		items = items[over:]
	}
	for _, it := range items {
		r.pushLocked(it)
	}
}

// Snapshot returns a copy of all elements in order (oldest first).
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}

// Cap returns the capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.buf)
}
