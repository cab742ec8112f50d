// Package auth provides per-message authentication for the fleet bus: a
// keyed BLAKE3 MAC truncated to a 16-byte tag, applied per message type
// under a configurable policy.
//
// It intentionally avoids key distribution and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"

	"github.com/zeebo/blake3"

	"github.com/fleetkor/fleetkor/internal/protocol"
)

// TagLen is the truncated MAC size carried on the wire.
const TagLen = 16

// KeyLen is the required MAC key size.
const KeyLen = 32

var (
	// ErrBadTag is returned when a tag fails verification.
	ErrBadTag = errors.New("auth: bad tag")
	// ErrMissingTag is returned when policy requires a tag and the
	// message carries none.
	ErrMissingTag = errors.New("auth: missing tag")
	// ErrKeySize is returned for keys that are not KeyLen bytes.
	ErrKeySize = errors.New("auth: key must be 32 bytes")
)

// Policy selects which message types must carry a tag. Consensus traffic
// is authenticated by default; heartbeat and discovery may stay open.
type Policy struct {
	Heartbeat   bool
	Discovery   bool
	FieldUpdate bool
	Proposal    bool
	Vote        bool
}

// DefaultPolicy requires tags on proposals and votes only.
func DefaultPolicy() Policy {
	return Policy{Proposal: true, Vote: true}
}

// Required reports whether t must carry a tag under this policy.
func (p Policy) Required(t protocol.MsgType) bool {
	switch t {
	case protocol.MsgHeartbeat:
		return p.Heartbeat
	case protocol.MsgDiscovery:
		return p.Discovery
	case protocol.MsgFieldUpdate:
		return p.FieldUpdate
	case protocol.MsgProposal:
		return p.Proposal
	case protocol.MsgVote:
		return p.Vote
	default:
		return false
	}
}

// Authenticator seals outgoing payloads and checks incoming ones.
type Authenticator interface {
	// Seal returns the tag for a payload, or nil when the policy leaves
	// the type unauthenticated.
	Seal(t protocol.MsgType, payload []byte) []byte
	// Check validates an incoming payload against its tag. A nil tag is
	// accepted only for types the policy leaves open.
	Check(t protocol.MsgType, payload, tag []byte) error
}

// Keyed authenticates with a shared BLAKE3 key. The tag covers the
// message type byte followed by the payload, so a record cannot be
// replayed as a different type.
type Keyed struct {
	key    [KeyLen]byte
	policy Policy
}

// NewKeyed builds a keyed authenticator. The key must be exactly KeyLen
// bytes.
func NewKeyed(key []byte, policy Policy) (*Keyed, error) {
	if len(key) != KeyLen {
		return nil, ErrKeySize
	}
	k := &Keyed{policy: policy}
	copy(k.key[:], key)
	return k, nil
}

func (k *Keyed) mac(t protocol.MsgType, payload []byte) []byte {
	h, err := blake3.NewKeyed(k.key[:])
	if err != nil {
		// Key length is checked at construction.
		panic(err)
	}
	h.Write([]byte{byte(t)})
	h.Write(payload)
	return h.Sum(nil)[:TagLen]
}

func (k *Keyed) Seal(t protocol.MsgType, payload []byte) []byte {
	if !k.policy.Required(t) {
		return nil
	}
	return k.mac(t, payload)
}

func (k *Keyed) Check(t protocol.MsgType, payload, tag []byte) error {
	if len(tag) == 0 {
		if k.policy.Required(t) {
			return ErrMissingTag
		}
		return nil
	}
	if len(tag) != TagLen {
		return ErrBadTag
	}
	if subtle.ConstantTimeCompare(k.mac(t, payload), tag) != 1 {
		return ErrBadTag
	}
	return nil
}

// Noop disables authentication entirely.
type Noop struct{}

func (Noop) Seal(protocol.MsgType, []byte) []byte         { return nil }
func (Noop) Check(protocol.MsgType, []byte, []byte) error { return nil }
