// Package seqlock implements a sequence-lock slot: a single writer
// publishes snapshots of a value while any number of readers sample it
// without blocking the writer. A reader observing a torn write detects it
// through the sequence counter and retries instead of locking.
package seqlock

import (
	"errors"
	"sync/atomic"
)

// ErrContended is returned when a bounded read exhausts its retries while
// the writer keeps the slot busy.
var ErrContended = errors.New("seqlock: slot contended")

// Slot guards one value of type T. Write must only be called from a single
// goroutine at a time; reads may come from anywhere.
//
// The sequence counter is odd while a write is in flight and even when the
// value is stable. Readers accept a snapshot only if the counter is even
// and unchanged across the copy.
type Slot[T any] struct {
	seq atomic.Uint32
	val T
}

// Write publishes v. Single writer only.
func (s *Slot[T]) Write(v T) {
	seq := s.seq.Load()
	s.seq.Store(seq + 1)
	s.val = v
	s.seq.Store(seq + 2)
}

// TryRead attempts one snapshot. It reports false if a write was in
// progress or completed mid-copy.
func (s *Slot[T]) TryRead() (T, bool) {
	before := s.seq.Load()
	if before&1 != 0 {
		var zero T
		return zero, false
	}
	v := s.val
	if s.seq.Load() != before {
		var zero T
		return zero, false
	}
	return v, true
}

// Read samples the slot, retrying a torn snapshot up to maxRetries extra
// times before giving up with ErrContended.
func (s *Slot[T]) Read(maxRetries int) (T, error) {
	for i := 0; i <= maxRetries; i++ {
		if v, ok := s.TryRead(); ok {
			return v, nil
		}
	}
	var zero T
	return zero, ErrContended
}

// Sequence exposes the raw counter. Even values mean the slot is stable;
// the counter advances by two per completed write.
func (s *Slot[T]) Sequence() uint32 { return s.seq.Load() }
