// Package heartbeat is the failure detector: a per-neighbor health state
// machine driven by received sequence numbers and elapsed time. The
// detector only observes; acting on a verdict (dropping the neighbor,
// re-electing) is the tick loop's call.
package heartbeat

import (
	"errors"

	"github.com/fleetkor/fleetkor/internal/fleet"
)

var (
	// ErrInvalidNode is returned for the zero or broadcast node id.
	ErrInvalidNode = errors.New("heartbeat: invalid node id")
	// ErrAlreadyTracked is returned when Track sees a known node.
	ErrAlreadyTracked = errors.New("heartbeat: already tracked")
	// ErrUntracked is returned for operations on an unknown node.
	ErrUntracked = errors.New("heartbeat: node not tracked")
	// ErrTableFull is returned when the tracking table is exhausted.
	ErrTableFull = errors.New("heartbeat: table full")
)

// Config tunes the detector.
type Config struct {
	// PeriodMicros is the expected heartbeat interval. Zero means 10 ms.
	PeriodMicros uint64
	// SuspectAfter is the consecutive missed intervals before a neighbor
	// turns Suspect. Zero means 3.
	SuspectAfter uint32
	// DeadAfter is the missed-interval ceiling beyond which a neighbor is
	// declared Dead. Zero means 8.
	DeadAfter uint32
}

func (c *Config) applyDefaults() {
	if c.PeriodMicros == 0 {
		c.PeriodMicros = 10_000
	}
	if c.SuspectAfter == 0 {
		c.SuspectAfter = 3
	}
	if c.DeadAfter == 0 {
		c.DeadAfter = 8
	}
	if c.DeadAfter <= c.SuspectAfter {
		c.DeadAfter = c.SuspectAfter + 1
	}
}

// Transition describes one health change.
type Transition struct {
	Node     fleet.NodeID
	From, To fleet.Health
	Now      uint64
}

// Hook observes transitions. Invoked synchronously from Received, Tick and
// MarkDead; Tick fires it only after its table scan completes, so a hook
// may call Track and Forget.
type Hook func(Transition)

// SendFunc broadcasts this node's own heartbeat. Wired by the node layer
// so the detector stays transport-free.
type SendFunc func(sequence uint16, now uint64) error

type entry struct {
	id       fleet.NodeID
	health   fleet.Health
	lastSeen uint64
	lastSeq  uint16
	missed   uint32
}

// Monitor tracks the health of every active neighbor of one node. Not
// safe for concurrent use.
type Monitor struct {
	cfg     Config
	entries []entry
	hook    Hook

	send     SendFunc
	sequence uint16
	lastSent uint64
}

// New builds a monitor with the given tuning.
func New(cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:     cfg,
		entries: make([]entry, 0, fleet.KNeighbors),
	}
}

// OnTransition registers the transition hook.
func (m *Monitor) OnTransition(h Hook) { m.hook = h }

// AutoBroadcast arms periodic own-heartbeat sending from Tick.
func (m *Monitor) AutoBroadcast(send SendFunc) { m.send = send }

func (m *Monitor) index(id fleet.NodeID) int {
	for i := range m.entries {
		if m.entries[i].id == id {
			return i
		}
	}
	return -1
}

// Track starts watching a neighbor in the Unknown state.
func (m *Monitor) Track(id fleet.NodeID) error {
	if id == fleet.InvalidNode || id == fleet.Broadcast {
		return ErrInvalidNode
	}
	if m.index(id) >= 0 {
		return ErrAlreadyTracked
	}
	if len(m.entries) >= fleet.MaxNodes {
		return ErrTableFull
	}
	m.entries = append(m.entries, entry{id: id, health: fleet.HealthUnknown})
	return nil
}

// Forget stops watching a neighbor.
func (m *Monitor) Forget(id fleet.NodeID) error {
	idx := m.index(id)
	if idx < 0 {
		return ErrUntracked
	}
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	return nil
}

// Tracked reports whether id is being watched.
func (m *Monitor) Tracked(id fleet.NodeID) bool { return m.index(id) >= 0 }

// Health returns the current verdict for id.
func (m *Monitor) Health(id fleet.NodeID) (fleet.Health, error) {
	idx := m.index(id)
	if idx < 0 {
		return fleet.HealthUnknown, ErrUntracked
	}
	return m.entries[idx].health, nil
}

// LastSeen returns the time of the last heartbeat from id.
func (m *Monitor) LastSeen(id fleet.NodeID) (uint64, error) {
	idx := m.index(id)
	if idx < 0 {
		return 0, ErrUntracked
	}
	return m.entries[idx].lastSeen, nil
}

func (m *Monitor) transition(e *entry, to fleet.Health, now uint64) {
	from := e.health
	if from == to {
		return
	}
	e.health = to
	if m.hook != nil {
		m.hook(Transition{Node: e.id, From: from, To: to, Now: now})
	}
}

// Received processes a heartbeat from sender: last-seen moves forward,
// the miss count resets, and the neighbor turns Alive from any state.
// Heartbeats are tolerated out of order; only the timestamp matters.
func (m *Monitor) Received(sender fleet.NodeID, sequence uint16, now uint64) error {
	if sender == fleet.InvalidNode || sender == fleet.Broadcast {
		return ErrInvalidNode
	}
	idx := m.index(sender)
	if idx < 0 {
		return ErrUntracked
	}
	e := &m.entries[idx]
	if now > e.lastSeen {
		e.lastSeen = now
	}
	e.lastSeq = sequence
	e.missed = 0
	m.transition(e, fleet.HealthAlive, now)
	return nil
}

// Tick ages every tracked neighbor at time now, advancing miss counts and
// health states, and returns how many states changed. Transitions are
// collected during the scan and the hook fires only after it, so a hook
// is free to Track and Forget neighbors without upsetting the iteration.
// With AutoBroadcast armed it also sends this node's own heartbeat once
// per period.
func (m *Monitor) Tick(now uint64) int {
	var fired []Transition
	for i := range m.entries {
		e := &m.entries[i]
		if e.health == fleet.HealthUnknown || e.health == fleet.HealthDead {
			continue
		}
		elapsed := uint64(0)
		if now > e.lastSeen {
			elapsed = now - e.lastSeen
		}
		if missed := uint32(elapsed / m.cfg.PeriodMicros); missed > e.missed {
			e.missed = missed
		}
		var next fleet.Health
		switch {
		case e.missed >= m.cfg.DeadAfter:
			next = fleet.HealthDead
		case e.missed >= m.cfg.SuspectAfter:
			next = fleet.HealthSuspect
		default:
			next = fleet.HealthAlive
		}
		if next != e.health {
			fired = append(fired, Transition{Node: e.id, From: e.health, To: next, Now: now})
			e.health = next
		}
	}
	if m.hook != nil {
		for _, tr := range fired {
			m.hook(tr)
		}
	}
	if m.send != nil && now-m.lastSent >= m.cfg.PeriodMicros {
		m.sequence++
		if err := m.send(m.sequence, now); err == nil {
			m.lastSent = now
		}
	}
	return len(fired)
}

// MarkDead records an external death confirmation, e.g. from the topology
// layer dropping the node.
func (m *Monitor) MarkDead(id fleet.NodeID, now uint64) error {
	idx := m.index(id)
	if idx < 0 {
		return ErrUntracked
	}
	m.transition(&m.entries[idx], fleet.HealthDead, now)
	return nil
}

// Sequence is the last own-heartbeat sequence number sent.
func (m *Monitor) Sequence() uint16 { return m.sequence }
