// Package ringbuf provides a lock-free single-producer/single-consumer ring
// buffer. The capture agent uses it to decouple frame acquisition from the
// gRPC streamer: the producer never blocks, and when the ring is full the
// incoming item is rejected so already-queued frames are preserved.
package ringbuf

import (
	"fmt"
	"sync/atomic"
)

// Ring is a bounded FIFO queue safe for exactly one producer goroutine and
// one consumer goroutine. Capacity must be a power of two so index masking
// replaces modulo on the hot path.
//
// head counts pushes, tail counts pops; both grow monotonically and are
// masked on slot access. The ring is full when head-tail == cap and empty
// when head == tail.
type Ring[T any] struct {
	mask  uint64
	slots []T

	head atomic.Uint64
	_    [7]uint64 // keep head and tail on separate cache lines
	tail atomic.Uint64
}

// New creates a ring with the given capacity.
func New[T any](capacity int) (*Ring[T], error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ringbuf: capacity %d is not a power of two >= 2", capacity)
	}
	return &Ring[T]{
		mask:  uint64(capacity - 1),
		slots: make([]T, capacity),
	}, nil
}

// TryPush appends v and returns true, or returns false when the ring is
// full. It never blocks and never overwrites an unread slot. Producer
// goroutine only.
func (r *Ring[T]) TryPush(v T) bool {
	head := r.head.Load()
	if head-r.tail.Load() > r.mask {
		return false
	}
	r.slots[head&r.mask] = v
	r.head.Store(head + 1)
	return true
}

// TryPop removes the oldest item. The second return value is false when the
// ring is empty. It never blocks. Consumer goroutine only.
func (r *Ring[T]) TryPop() (T, bool) {
	var zero T
	tail := r.tail.Load()
	if tail == r.head.Load() {
		return zero, false
	}
	v := r.slots[tail&r.mask]
	r.slots[tail&r.mask] = zero
	r.tail.Store(tail + 1)
	return v, true
}

// Len reports the number of queued items. The value is approximate while the
// other side is active.
func (r *Ring[T]) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.slots)
}
