// Package protocol defines the fixed-layout wire records the fleet
// exchanges: heartbeats, discovery, field updates, proposals and votes.
// Every record is a small big-endian byte layout with no framing of its
// own; the transport owns addressing and delivery, this package owns only
// the record bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/fleetkor/fleetkor/internal/fixed"
	"github.com/fleetkor/fleetkor/internal/fleet"
)

// MsgType tags one record kind on the wire.
type MsgType uint8

const (
	MsgHeartbeat MsgType = iota + 1
	MsgDiscovery
	MsgFieldUpdate
	MsgProposal
	MsgVote
)

func (t MsgType) String() string {
	switch t {
	case MsgHeartbeat:
		return "heartbeat"
	case MsgDiscovery:
		return "discovery"
	case MsgFieldUpdate:
		return "field_update"
	case MsgProposal:
		return "proposal"
	case MsgVote:
		return "vote"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether t names a defined record kind.
func (t MsgType) Valid() bool {
	return t >= MsgHeartbeat && t <= MsgVote
}

// Record sizes in bytes.
const (
	HeartbeatLen   = 10
	DiscoveryLen   = 13
	FieldUpdateLen = 34
	ProposalLen    = 12
	VoteLen        = 8
)

var (
	// ErrLength is returned when a payload length does not match its
	// record layout.
	ErrLength = errors.New("protocol: record length mismatch")
	// ErrChecksum is returned when a field update fails its CRC.
	ErrChecksum = errors.New("protocol: field update checksum mismatch")
	// ErrBadValue is returned when a decoded enum is out of range.
	ErrBadValue = errors.New("protocol: value out of range")
)

// PayloadLen returns the payload size of a record kind.
func PayloadLen(t MsgType) (int, bool) {
	switch t {
	case MsgHeartbeat:
		return HeartbeatLen, true
	case MsgDiscovery:
		return DiscoveryLen, true
	case MsgFieldUpdate:
		return FieldUpdateLen, true
	case MsgProposal:
		return ProposalLen, true
	case MsgVote:
		return VoteLen, true
	default:
		return 0, false
	}
}

// Heartbeat is the periodic liveness record.
type Heartbeat struct {
	Sender         fleet.NodeID
	State          uint8
	Sequence       uint8
	HealthScore    uint8
	LoadPercent    uint8
	ThermalPercent uint8
	PowerMilliwatt uint32
}

// Encode appends the record to dst and returns the extended slice.
func (h Heartbeat) Encode(dst []byte) []byte {
	dst = append(dst, byte(h.Sender), h.State, h.Sequence,
		h.HealthScore, h.LoadPercent, h.ThermalPercent)
	return binary.BigEndian.AppendUint32(dst, h.PowerMilliwatt)
}

// DecodeHeartbeat parses a heartbeat record.
func DecodeHeartbeat(b []byte) (Heartbeat, error) {
	if len(b) != HeartbeatLen {
		return Heartbeat{}, ErrLength
	}
	return Heartbeat{
		Sender:         fleet.NodeID(b[0]),
		State:          b[1],
		Sequence:       b[2],
		HealthScore:    b[3],
		LoadPercent:    b[4],
		ThermalPercent: b[5],
		PowerMilliwatt: binary.BigEndian.Uint32(b[6:10]),
	}, nil
}

// Discovery announces a node's presence, placement and abilities.
type Discovery struct {
	Sender        fleet.NodeID
	State         uint8
	Position      fleet.Position
	Capabilities  fleet.Capability
	NeighborCount uint8
	Sequence      uint16
}

func (d Discovery) Encode(dst []byte) []byte {
	dst = append(dst, byte(d.Sender), d.State)
	dst = binary.BigEndian.AppendUint16(dst, uint16(d.Position.X))
	dst = binary.BigEndian.AppendUint16(dst, uint16(d.Position.Y))
	dst = binary.BigEndian.AppendUint16(dst, uint16(d.Position.Z))
	dst = binary.BigEndian.AppendUint16(dst, uint16(d.Capabilities))
	dst = append(dst, d.NeighborCount)
	return binary.BigEndian.AppendUint16(dst, d.Sequence)
}

// DecodeDiscovery parses a discovery record.
func DecodeDiscovery(b []byte) (Discovery, error) {
	if len(b) != DiscoveryLen {
		return Discovery{}, ErrLength
	}
	return Discovery{
		Sender: fleet.NodeID(b[0]),
		State:  b[1],
		Position: fleet.Position{
			X: int16(binary.BigEndian.Uint16(b[2:4])),
			Y: int16(binary.BigEndian.Uint16(b[4:6])),
			Z: int16(binary.BigEndian.Uint16(b[6:8])),
		},
		Capabilities:  fleet.Capability(binary.BigEndian.Uint16(b[8:10])),
		NeighborCount: b[10],
		Sequence:      binary.BigEndian.Uint16(b[11:13]),
	}, nil
}

// FieldUpdate carries one node's published coordination field. The CRC
// covers every preceding byte of the record.
type FieldUpdate struct {
	Source     fleet.NodeID
	Sequence   uint8
	Components [5]fixed.Fixed
	Timestamp  uint64
}

func (f FieldUpdate) Encode(dst []byte) []byte {
	start := len(dst)
	dst = append(dst, byte(f.Source), f.Sequence)
	for _, c := range f.Components {
		dst = binary.BigEndian.AppendUint32(dst, uint32(c))
	}
	dst = binary.BigEndian.AppendUint64(dst, f.Timestamp)
	sum := crc32.ChecksumIEEE(dst[start:])
	return binary.BigEndian.AppendUint32(dst, sum)
}

// DecodeFieldUpdate parses and checksum-verifies a field update.
func DecodeFieldUpdate(b []byte) (FieldUpdate, error) {
	if len(b) != FieldUpdateLen {
		return FieldUpdate{}, ErrLength
	}
	body, sum := b[:FieldUpdateLen-4], binary.BigEndian.Uint32(b[FieldUpdateLen-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return FieldUpdate{}, ErrChecksum
	}
	f := FieldUpdate{
		Source:    fleet.NodeID(b[0]),
		Sequence:  b[1],
		Timestamp: binary.BigEndian.Uint64(b[22:30]),
	}
	for i := range f.Components {
		f.Components[i] = fixed.Fixed(binary.BigEndian.Uint32(b[2+4*i : 6+4*i]))
	}
	return f, nil
}

// Proposal opens a consensus ballot.
type Proposal struct {
	Proposer  fleet.NodeID
	Ballot    fleet.BallotID
	Type      uint8
	Payload   uint32
	Threshold fixed.Fixed
}

func (p Proposal) Encode(dst []byte) []byte {
	dst = append(dst, byte(p.Proposer))
	dst = binary.BigEndian.AppendUint16(dst, uint16(p.Ballot))
	dst = append(dst, p.Type)
	dst = binary.BigEndian.AppendUint32(dst, p.Payload)
	return binary.BigEndian.AppendUint32(dst, uint32(p.Threshold))
}

// DecodeProposal parses a proposal record.
func DecodeProposal(b []byte) (Proposal, error) {
	if len(b) != ProposalLen {
		return Proposal{}, ErrLength
	}
	return Proposal{
		Proposer:  fleet.NodeID(b[0]),
		Ballot:    fleet.BallotID(binary.BigEndian.Uint16(b[1:3])),
		Type:      b[3],
		Payload:   binary.BigEndian.Uint32(b[4:8]),
		Threshold: fixed.Fixed(binary.BigEndian.Uint32(b[8:12])),
	}, nil
}

// VoteValue bounds for wire validation; mirrors the consensus package
// without importing it.
const maxVoteValue = 3

// VoteMsg answers a proposal.
type VoteMsg struct {
	Voter     fleet.NodeID
	Ballot    fleet.BallotID
	Value     uint8
	Timestamp uint32
}

func (v VoteMsg) Encode(dst []byte) []byte {
	dst = append(dst, byte(v.Voter))
	dst = binary.BigEndian.AppendUint16(dst, uint16(v.Ballot))
	dst = append(dst, v.Value)
	return binary.BigEndian.AppendUint32(dst, v.Timestamp)
}

// DecodeVote parses a vote record.
func DecodeVote(b []byte) (VoteMsg, error) {
	if len(b) != VoteLen {
		return VoteMsg{}, ErrLength
	}
	v := VoteMsg{
		Voter:     fleet.NodeID(b[0]),
		Ballot:    fleet.BallotID(binary.BigEndian.Uint16(b[1:3])),
		Value:     b[3],
		Timestamp: binary.BigEndian.Uint32(b[4:8]),
	}
	if v.Value > maxVoteValue {
		return VoteMsg{}, ErrBadValue
	}
	return v, nil
}
