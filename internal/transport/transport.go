// Package transport carries kernel records between nodes. The bus is
// best-effort, at-most-once and unordered; everything above it already
// tolerates loss and reordering. Two implementations ship: an in-process
// loopback segment for tests and simulation, and a UDP bus for real
// deployments.
package transport

import (
	"errors"

	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/protocol"
)

var (
	// ErrNothingPending is returned by Receive when no message waits.
	ErrNothingPending = errors.New("transport: nothing pending")
	// ErrBusFull is returned when a peer's inbound queue is full; the
	// message is dropped.
	ErrBusFull = errors.New("transport: bus full")
	// ErrInvalidDest is returned for an unknown or unaddressable
	// destination.
	ErrInvalidDest = errors.New("transport: invalid destination")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Envelope is one received message.
type Envelope struct {
	Sender  fleet.NodeID
	Type    protocol.MsgType
	Payload []byte
	// Tag is the message authentication tag, empty when the sender's
	// policy left the type open.
	Tag []byte
}

// Bus is one node's attachment to the segment. Send and Broadcast may be
// called from the node's tick goroutine only; Receive likewise. No call
// blocks.
type Bus interface {
	Send(dest fleet.NodeID, t protocol.MsgType, payload, tag []byte) error
	Broadcast(t protocol.MsgType, payload, tag []byte) error
	// Receive returns the next pending message or ErrNothingPending.
	Receive() (Envelope, error)
	Close() error
}
