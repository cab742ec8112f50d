// Package spsc provides a bounded lock-free ring buffer for exactly one
// producer goroutine and one consumer goroutine. Both the copying API
// (Push/Pop) and the zero-copy API (PushSlot/Commit, Peek/Release) are
// wait-free: no operation blocks, and a full or empty ring reports an
// error instead of spinning.
package spsc

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrFull is returned when the ring has no free slot for a push.
	ErrFull = errors.New("spsc: ring full")
	// ErrEmpty is returned when the ring has no pending element.
	ErrEmpty = errors.New("spsc: ring empty")
	// ErrCapacity is returned by New for a capacity that is zero, too
	// large, or not a power of two.
	ErrCapacity = errors.New("spsc: capacity must be a power of two")
)

const (
	cacheLine   = 64
	maxCapacity = 1 << 24
)

// Ring is a single-producer single-consumer queue of T. The producer side
// (Push, PushSlot, Commit) and consumer side (Pop, Peek, Release) may run
// on different goroutines without locking; each side must stay on a single
// goroutine at a time.
//
// Head and tail live on separate cache lines so the producer and consumer
// do not false-share.
type Ring[T any] struct {
	head atomic.Uint32
	_    [cacheLine - 4]byte
	tail atomic.Uint32
	_    [cacheLine - 4]byte

	mask uint32
	cap  uint32
	buf  []T
}

// New builds a ring that holds up to capacity elements. Capacity must be a
// power of two no larger than 1<<24. The backing store is twice the usable
// capacity so that all capacity slots are available before ErrFull.
func New[T any](capacity int) (*Ring[T], error) {
	if capacity <= 0 || capacity > maxCapacity || capacity&(capacity-1) != 0 {
		return nil, ErrCapacity
	}
	storage := uint32(capacity) * 2
	return &Ring[T]{
		mask: storage - 1,
		cap:  uint32(capacity),
		buf:  make([]T, storage),
	}, nil
}

// Cap reports the number of elements the ring can hold.
func (r *Ring[T]) Cap() int { return int(r.cap) }

// Len reports how many elements are currently queued. Racing against the
// other side it may be momentarily stale but is always in [0, Cap].
func (r *Ring[T]) Len() int {
	return int((r.head.Load() - r.tail.Load()) & r.mask)
}

// Push copies v into the ring. Producer side only.
func (r *Ring[T]) Push(v T) error {
	head := r.head.Load()
	if (head-r.tail.Load())&r.mask == r.cap {
		return ErrFull
	}
	r.buf[head] = v
	r.head.Store((head + 1) & r.mask)
	return nil
}

// PushSlot reserves the next write slot and returns a pointer into the
// ring's storage. The slot is not visible to the consumer until Commit.
// Producer side only; at most one slot may be reserved at a time.
func (r *Ring[T]) PushSlot() (*T, error) {
	head := r.head.Load()
	if (head-r.tail.Load())&r.mask == r.cap {
		return nil, ErrFull
	}
	return &r.buf[head], nil
}

// Commit publishes the slot most recently reserved with PushSlot.
func (r *Ring[T]) Commit() {
	r.head.Store((r.head.Load() + 1) & r.mask)
}

// Pop removes and returns the oldest element. Consumer side only.
func (r *Ring[T]) Pop() (T, error) {
	tail := r.tail.Load()
	if r.head.Load() == tail {
		var zero T
		return zero, ErrEmpty
	}
	v := r.buf[tail]
	r.tail.Store((tail + 1) & r.mask)
	return v, nil
}

// Peek returns a pointer to the oldest element without consuming it. The
// pointer stays valid until Release. Consumer side only.
func (r *Ring[T]) Peek() (*T, error) {
	tail := r.tail.Load()
	if r.head.Load() == tail {
		return nil, ErrEmpty
	}
	return &r.buf[tail], nil
}

// Release consumes the element most recently returned by Peek.
func (r *Ring[T]) Release() {
	r.tail.Store((r.tail.Load() + 1) & r.mask)
}

// Reset empties the ring. Only safe when neither side is active.
func (r *Ring[T]) Reset() {
	r.head.Store(0)
	r.tail.Store(0)
}
