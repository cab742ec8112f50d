package field

import (
	"errors"

	"github.com/fleetkor/fleetkor/internal/fixed"
	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/seqlock"
)

var (
	// ErrInvalidNode is returned for the zero or broadcast node id.
	ErrInvalidNode = errors.New("field: invalid node id")
	// ErrUnknownSource is returned when sampling a node that has never
	// published.
	ErrUnknownSource = errors.New("field: no published field")
	// ErrExpired is returned when a field is older than its maximum age.
	ErrExpired = errors.New("field: field expired")
	// ErrContended is returned when sampling loses the seqlock race three
	// times in a row. Transient; skip the node for this tick.
	ErrContended = errors.New("field: slot contended")
)

// sampleRetries bounds the torn-read retry loop inside Sample.
const sampleRetries = 3

// DecayModel selects the attenuation curve applied to a component as it
// ages.
type DecayModel uint8

const (
	// DecayExponential approximates f0 * exp(-t/tau).
	DecayExponential DecayModel = iota
	// DecayLinear is f0 * (1 - t/tau), clamped to zero.
	DecayLinear
	// DecayStep holds f0 until tau, then drops to zero.
	DecayStep
)

// ComponentConfig tunes one channel of the store.
type ComponentConfig struct {
	// TauMicros is the decay time constant in microseconds.
	TauMicros uint64
	Model     DecayModel
	// Published values are clamped to [Min, Max].
	Min, Max fixed.Fixed
	// Default is reported for channels that were never published.
	Default fixed.Fixed
}

// DefaultTauMicros is the standard decay constant (100 ms).
const DefaultTauMicros = 100_000

// maxAgeTauMultiple sets field expiry at this multiple of the slowest
// component's time constant.
const maxAgeTauMultiple = 5

// DefaultComponentConfig returns the standard channel tuning: exponential
// decay over 100 ms, values clamped to [0, 1].
func DefaultComponentConfig() ComponentConfig {
	return ComponentConfig{
		TauMicros: DefaultTauMicros,
		Model:     DecayExponential,
		Min:       0,
		Max:       fixed.One,
	}
}

// Store is the shared field region of one segment: a seqlock slot per
// known node. Each slot is written only by code acting for its source
// node; any goroutine may sample.
type Store struct {
	slots  [fleet.MaxNodes]seqlock.Slot[Field]
	cfg    [ComponentCount]ComponentConfig
	maxAge uint64
}

// NewStore builds a store where every component uses the default tuning.
func NewStore() *Store {
	var cfg [ComponentCount]ComponentConfig
	for i := range cfg {
		cfg[i] = DefaultComponentConfig()
	}
	return NewStoreWithConfig(cfg)
}

// NewStoreWithConfig builds a store with per-component tuning. A zero
// TauMicros falls back to the default constant.
func NewStoreWithConfig(cfg [ComponentCount]ComponentConfig) *Store {
	s := &Store{cfg: cfg}
	for i := range s.cfg {
		if s.cfg[i].TauMicros == 0 {
			s.cfg[i].TauMicros = DefaultTauMicros
		}
		if s.cfg[i].Max == 0 && s.cfg[i].Min == 0 {
			s.cfg[i].Max = fixed.One
		}
		if tau := s.cfg[i].TauMicros; tau*maxAgeTauMultiple > s.maxAge {
			s.maxAge = tau * maxAgeTauMultiple
		}
	}
	return s
}

// MaxAgeMicros reports the age at which fields expire.
func (s *Store) MaxAgeMicros() uint64 { return s.maxAge }

// Publish writes f as the field of id at time now. Components are clamped
// to their configured range; Timestamp, Source and Sequence are assigned
// here. Only one publisher per id may be active.
func (s *Store) Publish(id fleet.NodeID, f Field, now uint64) error {
	if id == fleet.InvalidNode || id == fleet.Broadcast {
		return ErrInvalidNode
	}
	slot := &s.slots[id]
	for i := range f.Components {
		f.Components[i] = fixed.Clamp(f.Components[i], s.cfg[i].Min, s.cfg[i].Max)
	}
	f.Timestamp = now
	f.Source = id
	f.Sequence = uint8(slot.Sequence()/2 + 1)
	slot.Write(f)
	return nil
}

// Sample reads the field of id with decay applied for its age at time now.
// Torn reads are retried up to three times before ErrContended. Fields
// older than MaxAgeMicros return ErrExpired.
func (s *Store) Sample(id fleet.NodeID, now uint64) (Field, error) {
	if id == fleet.InvalidNode || id == fleet.Broadcast {
		return Field{}, ErrInvalidNode
	}
	f, err := s.slots[id].Read(sampleRetries - 1)
	if err != nil {
		return Field{}, ErrContended
	}
	if f.Source == fleet.InvalidNode {
		return Field{}, ErrUnknownSource
	}
	age := uint64(0)
	if now > f.Timestamp {
		age = now - f.Timestamp
	}
	if age > s.maxAge {
		return Field{}, ErrExpired
	}
	s.applyDecay(&f, age)
	return f, nil
}

func (s *Store) applyDecay(f *Field, ageMicros uint64) {
	for i := range f.Components {
		cfg := &s.cfg[i]
		var factor fixed.Fixed
		switch cfg.Model {
		case DecayLinear:
			factor = fixed.LinearDecay(ageMicros, cfg.TauMicros)
		case DecayStep:
			factor = fixed.StepDecay(ageMicros, cfg.TauMicros)
		default:
			factor = fixed.ExpDecay(ageMicros, cfg.TauMicros)
		}
		f.Components[i] = fixed.Mul(f.Components[i], factor)
	}
}

// NeighborRef is the slice of neighbor state aggregation needs. The
// topology layer produces these so this package does not depend on it.
type NeighborRef struct {
	ID     fleet.NodeID
	Health fleet.Health
}

// AggregateAlive samples every Alive neighbor and returns the unweighted
// component average plus the contributor count. Neighbors that are not
// Alive, never published, expired, or contended are skipped. A zero count
// yields a cleared aggregate.
func (s *Store) AggregateAlive(neighbors []NeighborRef, now uint64) (Field, int) {
	var (
		sums  [ComponentCount]int64
		agg   Field
		count int
	)
	for _, n := range neighbors {
		if n.Health != fleet.HealthAlive {
			continue
		}
		nf, err := s.Sample(n.ID, now)
		if err != nil {
			continue
		}
		for c := range sums {
			sums[c] += int64(nf.Components[c])
		}
		if nf.Timestamp > agg.Timestamp {
			agg.Timestamp = nf.Timestamp
		}
		count++
	}
	if count == 0 {
		return Field{}, 0
	}
	for c := range agg.Components {
		agg.Components[c] = fixed.Fixed(sums[c] / int64(count))
	}
	return agg, count
}

// Invalidate marks the field of id unknown, e.g. after the neighbor is
// confirmed dead. Uses the publish path so readers never tear.
func (s *Store) Invalidate(id fleet.NodeID) {
	if id == fleet.InvalidNode || id == fleet.Broadcast {
		return
	}
	s.slots[id].Write(Field{})
}

// GC invalidates every field older than MaxAgeMicros and returns how many
// it expired. Called periodically from the tick loop.
func (s *Store) GC(now uint64) int {
	expired := 0
	for id := 1; id < fleet.MaxNodes; id++ {
		slot := &s.slots[id]
		f, err := slot.Read(sampleRetries - 1)
		if err != nil || f.Source == fleet.InvalidNode {
			continue
		}
		if now > f.Timestamp && now-f.Timestamp > s.maxAge {
			slot.Write(Field{})
			expired++
		}
	}
	return expired
}
