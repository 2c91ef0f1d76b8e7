// Package buffer provides the fixed-capacity FIFO used to retain finalized
// log rows. Pushing past capacity evicts the oldest entry in O(1); readers get
// copies so rendering never observes a half-applied push.
package buffer

import (
	"iter"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the number of rows retained when no capacity is configured.
const DefaultCapacity = 10000

// RingBuffer is a bounded FIFO. One writer and any number of concurrent
// readers are supported.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	slots    []T
	head     int // index of the oldest entry
	count    int
	capacity int

	total   atomic.Uint64 // entries pushed since creation (may exceed capacity)
	evicted atomic.Uint64
}

// NewRingBuffer allocates a ring holding at most capacity entries. A
// non-positive capacity falls back to DefaultCapacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer[T]{
		slots:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends v. When the ring is full the oldest entry is removed and
// returned with ok=true.
func (rb *RingBuffer[T]) Push(v T) (evicted T, ok bool) {
	rb.mu.Lock()
	if rb.count == rb.capacity {
		evicted = rb.slots[rb.head]
		ok = true
		var zero T
		rb.slots[rb.head] = zero
		rb.head = (rb.head + 1) % rb.capacity
		rb.count--
		rb.evicted.Add(1)
	}
	rb.slots[(rb.head+rb.count)%rb.capacity] = v
	rb.count++
	rb.mu.Unlock()
	rb.total.Add(1)
	return evicted, ok
}

// Len returns the number of retained entries.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Cap returns the configured capacity.
func (rb *RingBuffer[T]) Cap() int {
	return rb.capacity
}

// Total returns the number of entries ever pushed.
func (rb *RingBuffer[T]) Total() uint64 {
	return rb.total.Load()
}

// Evicted returns the number of entries dropped by overflow.
func (rb *RingBuffer[T]) Evicted() uint64 {
	return rb.evicted.Load()
}

// Snapshot copies all retained entries, oldest first.
func (rb *RingBuffer[T]) Snapshot() []T {
	return rb.Recent(-1)
}

// Recent copies the newest n entries, oldest first. A negative n returns
// everything retained.
func (rb *RingBuffer[T]) Recent(n int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if n < 0 || n > rb.count {
		n = rb.count
	}
	out := make([]T, n)
	start := rb.head + rb.count - n
	for i := 0; i < n; i++ {
		out[i] = rb.slots[(start+i)%rb.capacity]
	}
	return out
}

// All yields retained entries oldest first. Each iteration works from a
// snapshot taken when it starts, so the sequence is finite and can be ranged
// over repeatedly while pushes continue.
func (rb *RingBuffer[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, v := range rb.Snapshot() {
			if !yield(v) {
				return
			}
		}
	}
}
