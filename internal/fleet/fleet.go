// Package fleet owns the identity and classification types shared by the
// coordination kernel.
//
// Ownership boundary:
// - node and ballot identifiers
// - neighbor health classification
// - capability bitmask and position
package fleet

// NodeID identifies one node on the shared bus. Zero is never a valid node.
type NodeID uint8

// BallotID identifies one consensus ballot. Zero is never a valid ballot.
type BallotID uint16

const (
	InvalidNode NodeID = 0
	// Broadcast addresses every node on the segment.
	Broadcast NodeID = 0xFF

	InvalidBallot BallotID = 0
)

// MaxNodes bounds every per-node table in the kernel.
const MaxNodes = 256

// KNeighbors is the size of the active neighbor set. Topological-distance
// coordination with k=7 follows the starling-flock result of Cavagna and
// Giardina (2010).
const KNeighbors = 7

// Health is the liveness classification of a tracked neighbor.
type Health uint8

const (
	HealthUnknown Health = iota
	HealthAlive
	HealthSuspect
	HealthDead
)

func (h Health) String() string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthAlive:
		return "alive"
	case HealthSuspect:
		return "suspect"
	case HealthDead:
		return "dead"
	default:
		return "invalid"
	}
}

// Position is a node's placement on the physical segment, in arbitrary
// installation units. Used by the physical distance metric.
type Position struct {
	X, Y, Z int16
}

// Capability is a bitmask of runtime abilities carried in discovery records
// and matched against per-task requirements.
type Capability uint16

const (
	CapThermalOK Capability = 1 << iota
	CapPowerHigh
	CapGateway
	CapV2G
)

// Application-defined capability bits start at CapCustom0.
const (
	CapCustom0 Capability = 1 << (iota + 8)
	CapCustom1
	CapCustom2
	CapCustom3
)

// CanPerform reports whether have covers every bit of need.
func CanPerform(have, need Capability) bool {
	return have&need == need
}
