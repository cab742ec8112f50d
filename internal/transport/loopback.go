package transport

import (
	"sync"

	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/protocol"
	"github.com/fleetkor/fleetkor/internal/spsc"
)

// DefaultRingCap is the per-sender queue depth of a loopback port.
const DefaultRingCap = 64

// Segment is an in-process broadcast bus. Every member owns one inbound
// ring per peer, so each directed pair keeps the strict single-producer
// single-consumer discipline the ring requires.
type Segment struct {
	mu      sync.RWMutex
	ports   map[fleet.NodeID]*Port
	ringCap int
}

// NewSegment builds an empty segment. ringCap is the per-pair queue
// depth and must be a power of two; zero means DefaultRingCap.
func NewSegment(ringCap int) *Segment {
	if ringCap == 0 {
		ringCap = DefaultRingCap
	}
	return &Segment{
		ports:   make(map[fleet.NodeID]*Port),
		ringCap: ringCap,
	}
}

type inboundRing struct {
	sender fleet.NodeID
	ring   *spsc.Ring[Envelope]
}

// Port is one node's attachment to a Segment. Implements Bus.
type Port struct {
	seg *Segment
	id  fleet.NodeID

	mu     sync.RWMutex
	in     []inboundRing
	cursor int
	closed bool
}

// Join attaches a node to the segment, wiring rings in both directions
// to every existing member.
func (s *Segment) Join(id fleet.NodeID) (*Port, error) {
	if id == fleet.InvalidNode || id == fleet.Broadcast {
		return nil, ErrInvalidDest
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ports[id]; ok {
		return nil, ErrInvalidDest
	}
	p := &Port{seg: s, id: id}
	for peerID, peer := range s.ports {
		toNew, err := spsc.New[Envelope](s.ringCap)
		if err != nil {
			return nil, err
		}
		toPeer, err := spsc.New[Envelope](s.ringCap)
		if err != nil {
			return nil, err
		}
		p.addInbound(peerID, toNew)
		peer.addInbound(id, toPeer)
	}
	s.ports[id] = p
	return p, nil
}

// Members returns the ids currently attached.
func (s *Segment) Members() []fleet.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]fleet.NodeID, 0, len(s.ports))
	for id := range s.ports {
		ids = append(ids, id)
	}
	return ids
}

func (s *Segment) port(id fleet.NodeID) *Port {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ports[id]
}

func (p *Port) addInbound(sender fleet.NodeID, r *spsc.Ring[Envelope]) {
	p.mu.Lock()
	p.in = append(p.in, inboundRing{sender: sender, ring: r})
	p.mu.Unlock()
}

func (p *Port) dropInbound(sender fleet.NodeID) {
	p.mu.Lock()
	for i := range p.in {
		if p.in[i].sender == sender {
			p.in = append(p.in[:i], p.in[i+1:]...)
			break
		}
	}
	p.cursor = 0
	p.mu.Unlock()
}

func (p *Port) ringFrom(sender fleet.NodeID) *spsc.Ring[Envelope] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := range p.in {
		if p.in[i].sender == sender {
			return p.in[i].ring
		}
	}
	return nil
}

func (p *Port) deliverTo(dest *Port, t protocol.MsgType, payload, tag []byte) error {
	ring := dest.ringFrom(p.id)
	if ring == nil {
		return ErrInvalidDest
	}
	env := Envelope{
		Sender:  p.id,
		Type:    t,
		Payload: append([]byte(nil), payload...),
	}
	if len(tag) > 0 {
		env.Tag = append([]byte(nil), tag...)
	}
	if err := ring.Push(env); err != nil {
		return ErrBusFull
	}
	return nil
}

// Send delivers to one member.
func (p *Port) Send(dest fleet.NodeID, t protocol.MsgType, payload, tag []byte) error {
	if p.isClosed() {
		return ErrClosed
	}
	if dest == fleet.Broadcast {
		return p.Broadcast(t, payload, tag)
	}
	target := p.seg.port(dest)
	if target == nil || dest == p.id {
		return ErrInvalidDest
	}
	return p.deliverTo(target, t, payload, tag)
}

// Broadcast delivers to every other member, best effort: a full peer
// queue drops that copy without failing the rest.
func (p *Port) Broadcast(t protocol.MsgType, payload, tag []byte) error {
	if p.isClosed() {
		return ErrClosed
	}
	p.seg.mu.RLock()
	targets := make([]*Port, 0, len(p.seg.ports))
	for id, port := range p.seg.ports {
		if id != p.id {
			targets = append(targets, port)
		}
	}
	p.seg.mu.RUnlock()
	for _, target := range targets {
		_ = p.deliverTo(target, t, payload, tag)
	}
	return nil
}

// Receive returns the next pending message, draining peers round-robin
// so one chatty neighbor cannot starve the rest.
func (p *Port) Receive() (Envelope, error) {
	if p.isClosed() {
		return Envelope{}, ErrClosed
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.in)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		env, err := p.in[idx].ring.Pop()
		if err == nil {
			p.cursor = (idx + 1) % n
			return env, nil
		}
	}
	return Envelope{}, ErrNothingPending
}

func (p *Port) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close detaches the port from the segment.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.mu.Unlock()

	p.seg.mu.Lock()
	delete(p.seg.ports, p.id)
	peers := make([]*Port, 0, len(p.seg.ports))
	for _, peer := range p.seg.ports {
		peers = append(peers, peer)
	}
	p.seg.mu.Unlock()
	for _, peer := range peers {
		peer.dropInbound(p.id)
	}
	return nil
}
