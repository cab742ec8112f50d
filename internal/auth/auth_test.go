package auth

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fleetkor/fleetkor/internal/protocol"
	"github.com/fleetkor/fleetkor/internal/testutil/testlog"
)

var testKey = bytes.Repeat([]byte{0x5a}, KeyLen)

func TestKeyedSealAndCheck(t *testing.T) {
	testlog.Start(t)
	k, err := NewKeyed(testKey, DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("ballot 12 supermajority")

	tag := k.Seal(protocol.MsgProposal, payload)
	if len(tag) != TagLen {
		t.Fatalf("tag length=%d", len(tag))
	}
	if err := k.Check(protocol.MsgProposal, payload, tag); err != nil {
		t.Fatal(err)
	}
}

func TestTamperedPayloadRejected(t *testing.T) {
	testlog.Start(t)
	k, _ := NewKeyed(testKey, DefaultPolicy())
	payload := []byte{1, 2, 3, 4}
	tag := k.Seal(protocol.MsgVote, payload)

	payload[0] ^= 1
	if err := k.Check(protocol.MsgVote, payload, tag); !errors.Is(err, ErrBadTag) {
		t.Fatalf("tampered payload: %v", err)
	}
}

func TestTagBoundToMessageType(t *testing.T) {
	testlog.Start(t)
	k, _ := NewKeyed(testKey, Policy{Proposal: true, Vote: true})
	payload := []byte{9, 9, 9}
	tag := k.Seal(protocol.MsgProposal, payload)
	// Replaying a proposal tag on a vote must fail.
	if err := k.Check(protocol.MsgVote, payload, tag); !errors.Is(err, ErrBadTag) {
		t.Fatalf("cross-type replay: %v", err)
	}
}

func TestPolicyGatesTagging(t *testing.T) {
	testlog.Start(t)
	k, _ := NewKeyed(testKey, DefaultPolicy())

	// Heartbeats are open by default: no tag out, none demanded in.
	if tag := k.Seal(protocol.MsgHeartbeat, []byte{1}); tag != nil {
		t.Fatalf("open type sealed: %x", tag)
	}
	if err := k.Check(protocol.MsgHeartbeat, []byte{1}, nil); err != nil {
		t.Fatal(err)
	}
	// But a present tag on an open type is still verified.
	if err := k.Check(protocol.MsgHeartbeat, []byte{1}, make([]byte, TagLen)); !errors.Is(err, ErrBadTag) {
		t.Fatalf("garbage tag on open type: %v", err)
	}

	// Votes require a tag.
	if err := k.Check(protocol.MsgVote, []byte{1}, nil); !errors.Is(err, ErrMissingTag) {
		t.Fatalf("missing required tag: %v", err)
	}
}

func TestKeySizeEnforced(t *testing.T) {
	testlog.Start(t)
	if _, err := NewKeyed([]byte("short"), DefaultPolicy()); !errors.Is(err, ErrKeySize) {
		t.Fatalf("short key: %v", err)
	}
}

func TestDifferentKeysDisagree(t *testing.T) {
	testlog.Start(t)
	a, _ := NewKeyed(testKey, DefaultPolicy())
	b, _ := NewKeyed(bytes.Repeat([]byte{0x11}, KeyLen), DefaultPolicy())
	payload := []byte("field update")
	tag := a.Seal(protocol.MsgVote, payload)
	if err := b.Check(protocol.MsgVote, payload, tag); !errors.Is(err, ErrBadTag) {
		t.Fatalf("foreign key accepted: %v", err)
	}
}

func TestNoop(t *testing.T) {
	testlog.Start(t)
	var n Noop
	if tag := n.Seal(protocol.MsgProposal, []byte{1}); tag != nil {
		t.Fatal("noop must not tag")
	}
	if err := n.Check(protocol.MsgProposal, []byte{1}, nil); err != nil {
		t.Fatal(err)
	}
}
