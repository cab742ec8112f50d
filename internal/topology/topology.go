// Package topology maintains the k-nearest neighbor set: a capped pool of
// discovered nodes and exactly k active neighbors re-elected by distance.
// Coordinating with a fixed neighbor count rather than a fixed radius keeps
// the interaction graph scale-free as the fleet grows or thins.
package topology

import (
	"errors"
	"sort"

	"github.com/fleetkor/fleetkor/internal/field"
	"github.com/fleetkor/fleetkor/internal/fleet"
)

var (
	// ErrInvalidNode is returned for the zero node id or self.
	ErrInvalidNode = errors.New("topology: invalid node id")
	// ErrPoolFull is returned when the known pool cannot take another node.
	ErrPoolFull = errors.New("topology: known pool full")
	// ErrNotNeighbor is returned when an operation names a node outside
	// the active set.
	ErrNotNeighbor = errors.New("topology: not an active neighbor")
)

// Metric selects how inter-node distance is measured.
type Metric uint8

const (
	// MetricLogical is |id_a - id_b|: cheap, stable, requires no position
	// data. The default.
	MetricLogical Metric = iota
	// MetricPhysical is Euclidean distance between installed positions.
	MetricPhysical
	// MetricCustom delegates to Config.Distance.
	MetricCustom
)

// DistanceFunc is an application-supplied metric for MetricCustom.
type DistanceFunc func(a, b fleet.NodeID) int32

// Config tunes neighbor selection.
type Config struct {
	// K is the active neighbor count. Zero means fleet.KNeighbors.
	K int
	Metric Metric
	// Distance backs MetricCustom; ignored for other metrics.
	Distance DistanceFunc
	// DiscoveryPeriodMicros is the discovery broadcast interval. Zero
	// means one second.
	DiscoveryPeriodMicros uint64
	// MinNeighbors is the count below which discovery turns aggressive
	// and the node degrades. Zero means 3.
	MinNeighbors int
}

func (c *Config) applyDefaults() {
	if c.K <= 0 {
		c.K = fleet.KNeighbors
	}
	if c.DiscoveryPeriodMicros == 0 {
		c.DiscoveryPeriodMicros = 1_000_000
	}
	if c.MinNeighbors <= 0 {
		c.MinNeighbors = 3
	}
}

// Neighbor is one active slot: identity plus the coordination state other
// layers hang off it.
type Neighbor struct {
	ID           fleet.NodeID
	Position     fleet.Position
	Capabilities fleet.Capability
	Distance     int32
	Health       fleet.Health
	LastField    field.Field
	LastGradient field.CompactGradient
	LastSeen     uint64
}

type knownEntry struct {
	id   fleet.NodeID
	pos  fleet.Position
	caps fleet.Capability
}

// Manager owns the known pool and the active neighbor set for one node.
// Not safe for concurrent use; the tick loop is its only caller.
type Manager struct {
	self    fleet.NodeID
	selfPos fleet.Position
	cfg     Config

	known     []knownEntry
	neighbors []Neighbor

	lastDiscovery uint64
	lastReelect   uint64

	// onChange fires after a reelection that moved at least one slot.
	onChange func(previous, current []Neighbor)
}

// New builds a manager for the given node.
func New(self fleet.NodeID, pos fleet.Position, cfg Config) (*Manager, error) {
	if self == fleet.InvalidNode || self == fleet.Broadcast {
		return nil, ErrInvalidNode
	}
	cfg.applyDefaults()
	if cfg.Metric == MetricCustom && cfg.Distance == nil {
		return nil, errors.New("topology: custom metric needs a distance func")
	}
	return &Manager{
		self:      self,
		selfPos:   pos,
		cfg:       cfg,
		known:     make([]knownEntry, 0, fleet.MaxNodes),
		neighbors: make([]Neighbor, 0, cfg.K),
	}, nil
}

// OnChange registers a hook invoked after any reelection that changed the
// active set.
func (m *Manager) OnChange(fn func(previous, current []Neighbor)) {
	m.onChange = fn
}

// OnDiscovery records or refreshes a node in the known pool. The active
// set is untouched; the next Reelect absorbs the candidate.
func (m *Manager) OnDiscovery(sender fleet.NodeID, pos fleet.Position, caps fleet.Capability) error {
	if sender == fleet.InvalidNode || sender == fleet.Broadcast {
		return ErrInvalidNode
	}
	if sender == m.self {
		return nil
	}
	for i := range m.known {
		if m.known[i].id == sender {
			m.known[i].pos = pos
			m.known[i].caps = caps
			return nil
		}
	}
	if len(m.known) >= fleet.MaxNodes {
		return ErrPoolFull
	}
	m.known = append(m.known, knownEntry{id: sender, pos: pos, caps: caps})
	return nil
}

// Distance measures from self to the given node under the configured
// metric.
func (m *Manager) Distance(id fleet.NodeID, pos fleet.Position) int32 {
	switch m.cfg.Metric {
	case MetricPhysical:
		return euclidean(m.selfPos, pos)
	case MetricCustom:
		return m.cfg.Distance(m.self, id)
	default:
		return logical(m.self, id)
	}
}

func logical(a, b fleet.NodeID) int32 {
	if a > b {
		return int32(a - b)
	}
	return int32(b - a)
}

func euclidean(a, b fleet.Position) int32 {
	dx := int64(a.X) - int64(b.X)
	dy := int64(a.Y) - int64(b.Y)
	dz := int64(a.Z) - int64(b.Z)
	return isqrt(dx*dx + dy*dy + dz*dz)
}

func isqrt(n int64) int32 {
	if n <= 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return int32(x)
}

// Reelect rebuilds the active set from the k nearest known nodes and
// returns how many slots changed occupant. Ties on distance prefer nodes
// already in the active set, so a stable fleet re-elects with zero churn.
func (m *Manager) Reelect(now uint64) int {
	previous := append([]Neighbor(nil), m.neighbors...)

	incumbent := make(map[fleet.NodeID]int, len(previous))
	for i, n := range previous {
		incumbent[n.ID] = i
	}

	type candidate struct {
		entry    knownEntry
		distance int32
	}
	cands := make([]candidate, 0, len(m.known))
	for _, k := range m.known {
		cands = append(cands, candidate{entry: k, distance: m.Distance(k.id, k.pos)})
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		_, ai := incumbent[a.entry.id]
		_, bi := incumbent[b.entry.id]
		if ai != bi {
			return ai
		}
		return a.entry.id < b.entry.id
	})

	k := m.cfg.K
	if len(cands) < k {
		k = len(cands)
	}
	next := make([]Neighbor, 0, k)
	for _, c := range cands[:k] {
		n := Neighbor{
			ID:           c.entry.id,
			Position:     c.entry.pos,
			Capabilities: c.entry.caps,
			Distance:     c.distance,
		}
		if oi, ok := incumbent[c.entry.id]; ok {
			// Keep the accumulated coordination state through reelection.
			n.Health = previous[oi].Health
			n.LastField = previous[oi].LastField
			n.LastGradient = previous[oi].LastGradient
			n.LastSeen = previous[oi].LastSeen
		}
		next = append(next, n)
	}

	changed := 0
	for i := 0; i < len(next) || i < len(previous); i++ {
		switch {
		case i >= len(next) || i >= len(previous):
			changed++
		case next[i].ID != previous[i].ID:
			changed++
		}
	}

	m.neighbors = next
	m.lastReelect = now
	if changed > 0 && m.onChange != nil {
		m.onChange(previous, m.neighbors)
	}
	return changed
}

// OnNeighborLost drops a confirmed-dead node from both the active set and
// the known pool, then re-elects a replacement immediately.
func (m *Manager) OnNeighborLost(id fleet.NodeID, now uint64) error {
	if id == fleet.InvalidNode || id == fleet.Broadcast {
		return ErrInvalidNode
	}
	found := false
	for i := range m.known {
		if m.known[i].id == id {
			m.known = append(m.known[:i], m.known[i+1:]...)
			found = true
			break
		}
	}
	if idx := m.neighborIndex(id); idx >= 0 {
		m.neighbors = append(m.neighbors[:idx], m.neighbors[idx+1:]...)
		found = true
	}
	if !found {
		return ErrNotNeighbor
	}
	m.Reelect(now)
	return nil
}

func (m *Manager) neighborIndex(id fleet.NodeID) int {
	for i := range m.neighbors {
		if m.neighbors[i].ID == id {
			return i
		}
	}
	return -1
}

// Neighbors returns a copy of the active set in election order.
func (m *Manager) Neighbors() []Neighbor {
	return append([]Neighbor(nil), m.neighbors...)
}

// NeighborRefs projects the active set into the shape the field store
// aggregates over.
func (m *Manager) NeighborRefs() []field.NeighborRef {
	refs := make([]field.NeighborRef, len(m.neighbors))
	for i, n := range m.neighbors {
		refs[i] = field.NeighborRef{ID: n.ID, Health: n.Health}
	}
	return refs
}

// Neighbor returns a copy of one active slot.
func (m *Manager) Neighbor(id fleet.NodeID) (Neighbor, bool) {
	if idx := m.neighborIndex(id); idx >= 0 {
		return m.neighbors[idx], true
	}
	return Neighbor{}, false
}

// IsNeighbor reports whether id occupies an active slot.
func (m *Manager) IsNeighbor(id fleet.NodeID) bool {
	return m.neighborIndex(id) >= 0
}

// SetHealth records the failure detector's verdict on an active neighbor.
func (m *Manager) SetHealth(id fleet.NodeID, h fleet.Health, lastSeen uint64) error {
	idx := m.neighborIndex(id)
	if idx < 0 {
		return ErrNotNeighbor
	}
	m.neighbors[idx].Health = h
	if lastSeen > m.neighbors[idx].LastSeen {
		m.neighbors[idx].LastSeen = lastSeen
	}
	return nil
}

// SetField caches the latest sampled field and gradient on an active
// neighbor.
func (m *Manager) SetField(id fleet.NodeID, f field.Field, g field.CompactGradient) error {
	idx := m.neighborIndex(id)
	if idx < 0 {
		return ErrNotNeighbor
	}
	m.neighbors[idx].LastField = f
	m.neighbors[idx].LastGradient = g
	return nil
}

// NeighborCount is the size of the active set.
func (m *Manager) NeighborCount() int { return len(m.neighbors) }

// KnownCount is the size of the discovery pool.
func (m *Manager) KnownCount() int { return len(m.known) }

// Degraded reports whether the active set has fallen below the configured
// minimum.
func (m *Manager) Degraded() bool {
	return len(m.neighbors) < m.cfg.MinNeighbors
}

// DiscoveryDue reports whether a discovery broadcast should go out. Below
// MinNeighbors the period shrinks to a quarter so a thin fleet rebuilds
// faster.
func (m *Manager) DiscoveryDue(now uint64) bool {
	period := m.cfg.DiscoveryPeriodMicros
	if m.Degraded() {
		period /= 4
	}
	return now-m.lastDiscovery >= period
}

// MarkDiscoverySent records that the caller broadcast a discovery at now.
func (m *Manager) MarkDiscoverySent(now uint64) {
	m.lastDiscovery = now
}
