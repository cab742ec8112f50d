// Package field implements the coordination field layer: per-node decaying
// scalar state vectors published through seqlock slots, neighbor
// aggregation, and gradient computation. Nodes never command each other
// directly; they publish fields and follow gradients.
package field

import (
	"github.com/fleetkor/fleetkor/internal/fixed"
	"github.com/fleetkor/fleetkor/internal/fleet"
)

// Component indexes one channel of a coordination field.
type Component uint8

const (
	// Load is normalized task-queue pressure.
	Load Component = iota
	// Thermal is normalized junction temperature.
	Thermal
	// Power is normalized output power draw.
	Power
	// Custom0 and Custom1 are application channels. The node layer uses
	// Custom0 for normalized deadline slack.
	Custom0
	Custom1

	// ComponentCount is the number of channels per field.
	ComponentCount = 5
)

func (c Component) String() string {
	switch c {
	case Load:
		return "load"
	case Thermal:
		return "thermal"
	case Power:
		return "power"
	case Custom0:
		return "custom0"
	case Custom1:
		return "custom1"
	default:
		return "invalid"
	}
}

// Field is one node's published coordination state. Components are Q16.16;
// Timestamp is the publish time in microseconds. A zero Source marks the
// field invalid.
type Field struct {
	Components [ComponentCount]fixed.Fixed
	Timestamp  uint64
	Source     fleet.NodeID
	Sequence   uint8
}

// Clear resets the field to the invalid state.
func (f *Field) Clear() {
	*f = Field{}
}

// Set fills the three standard channels, leaving the custom channels and
// metadata untouched.
func (f *Field) Set(load, thermal, power fixed.Fixed) {
	f.Components[Load] = load
	f.Components[Thermal] = thermal
	f.Components[Power] = power
}

// IsValid reports whether the field has a source and is younger than
// maxAgeMicros at time now.
func (f *Field) IsValid(now, maxAgeMicros uint64) bool {
	return f.Source != fleet.InvalidNode && now-f.Timestamp < maxAgeMicros
}

// Add accumulates b into f component-wise. Metadata keeps the newer
// timestamp.
func (f *Field) Add(b *Field) {
	for i := range f.Components {
		f.Components[i] += b.Components[i]
	}
	if b.Timestamp > f.Timestamp {
		f.Timestamp = b.Timestamp
	}
}

// Scale multiplies every component by factor.
func (f *Field) Scale(factor fixed.Fixed) {
	for i := range f.Components {
		f.Components[i] = fixed.Mul(f.Components[i], factor)
	}
}

// Lerp interpolates component-wise from f toward b. t is clamped to
// [0, One]; t=0 leaves f, t=One copies b.
func (f *Field) Lerp(b *Field, t fixed.Fixed) {
	for i := range f.Components {
		f.Components[i] = fixed.Lerp(f.Components[i], b.Components[i], t)
	}
	if b.Timestamp > f.Timestamp {
		f.Timestamp = b.Timestamp
	}
}

// GradientVec holds the per-component gradient in full Q16.16 precision.
type GradientVec [ComponentCount]fixed.Fixed

// Compact converts the vector to Q15 for neighbor-record storage,
// saturating components outside [-1, 1).
func (g GradientVec) Compact() CompactGradient {
	var out CompactGradient
	for i, v := range g {
		out[i] = v.ToQ15()
	}
	return out
}

// CompactGradient is the Q15 form of a gradient vector.
type CompactGradient [ComponentCount]fixed.Q15

// Gradient returns neighborAggregate[c] - mine[c]. Positive means the
// neighborhood runs hotter than this node on that channel.
func Gradient(mine, neighborAggregate *Field, c Component) fixed.Fixed {
	if c >= ComponentCount {
		return 0
	}
	return neighborAggregate.Components[c] - mine.Components[c]
}

// GradientAll computes the gradient for every component at once.
func GradientAll(mine, neighborAggregate *Field) GradientVec {
	var g GradientVec
	for i := range g {
		g[i] = neighborAggregate.Components[i] - mine.Components[i]
	}
	return g
}
