// Package clock abstracts the microsecond time source so the kernel can
// run against real time in production and a hand-cranked clock in tests
// and simulation.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock yields monotonic microseconds. The epoch is arbitrary; only
// differences matter.
type Clock interface {
	NowMicros() uint64
}

// Monotonic reads the wall clock's monotonic component.
type Monotonic struct {
	start time.Time
}

// NewMonotonic starts a monotonic clock at zero.
func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

func (m *Monotonic) NowMicros() uint64 {
	return uint64(time.Since(m.start).Microseconds())
}

// Manual is a test clock advanced explicitly. Safe for concurrent use.
type Manual struct {
	now atomic.Uint64
}

// NewManual starts a manual clock at start microseconds.
func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.now.Store(start)
	return m
}

func (m *Manual) NowMicros() uint64 { return m.now.Load() }

// Advance moves the clock forward by d microseconds.
func (m *Manual) Advance(d uint64) { m.now.Add(d) }

// Set jumps the clock to t microseconds.
func (m *Manual) Set(t uint64) { m.now.Store(t) }
