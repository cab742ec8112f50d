package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/protocol"
	"github.com/fleetkor/fleetkor/internal/spsc"
)

// Datagram layout: type (u8), sender (u8), tag length (u8), tag, payload.
const (
	udpHeaderLen    = 3
	maxDatagram     = 512
	defaultUDPQueue = 256
)

// UDPConfig wires a node onto a UDP segment.
type UDPConfig struct {
	Self fleet.NodeID
	// Listen is the local address, e.g. ":9400".
	Listen string
	// Peers maps every other node id to its address.
	Peers map[fleet.NodeID]string
	// QueueCap is the receive queue depth, a power of two. Zero means
	// 256.
	QueueCap int
}

// UDPBus is a best-effort datagram bus. A reader goroutine feeds the
// receive ring; the node's tick goroutine drains it.
type UDPBus struct {
	self  fleet.NodeID
	conn  *net.UDPConn
	peers map[fleet.NodeID]*net.UDPAddr

	rx     *spsc.Ring[Envelope]
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewUDP opens the socket and starts the reader.
func NewUDP(cfg UDPConfig) (*UDPBus, error) {
	if cfg.Self == fleet.InvalidNode || cfg.Self == fleet.Broadcast {
		return nil, ErrInvalidDest
	}
	if cfg.QueueCap == 0 {
		cfg.QueueCap = defaultUDPQueue
	}
	rx, err := spsc.New[Envelope](cfg.QueueCap)
	if err != nil {
		return nil, err
	}
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("transport: listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	peers := make(map[fleet.NodeID]*net.UDPAddr, len(cfg.Peers))
	for id, addr := range cfg.Peers {
		if id == cfg.Self {
			continue
		}
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: peer %d address: %w", id, err)
		}
		peers[id] = raddr
	}
	b := &UDPBus{self: cfg.Self, conn: conn, peers: peers, rx: rx}
	b.wg.Add(1)
	go b.readLoop()
	return b, nil
}

func (b *UDPBus) readLoop() {
	defer b.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if b.closed.Load() {
				return
			}
			log.Warn().Err(err).Msg("udp bus read failed")
			continue
		}
		env, ok := parseDatagram(buf[:n])
		if !ok {
			continue
		}
		if err := b.rx.Push(env); err != nil {
			// Queue full: best-effort bus, the datagram is lost.
			log.Debug().
				Uint8("sender", uint8(env.Sender)).
				Str("type", env.Type.String()).
				Msg("udp bus receive queue full, dropping")
		}
	}
}

func parseDatagram(b []byte) (Envelope, bool) {
	if len(b) < udpHeaderLen {
		return Envelope{}, false
	}
	t := protocol.MsgType(b[0])
	sender := fleet.NodeID(b[1])
	tagLen := int(b[2])
	if !t.Valid() || sender == fleet.InvalidNode || sender == fleet.Broadcast {
		return Envelope{}, false
	}
	if len(b) < udpHeaderLen+tagLen {
		return Envelope{}, false
	}
	env := Envelope{
		Sender:  sender,
		Type:    t,
		Payload: append([]byte(nil), b[udpHeaderLen+tagLen:]...),
	}
	if tagLen > 0 {
		env.Tag = append([]byte(nil), b[udpHeaderLen:udpHeaderLen+tagLen]...)
	}
	return env, true
}

func (b *UDPBus) frame(t protocol.MsgType, payload, tag []byte) []byte {
	out := make([]byte, 0, udpHeaderLen+len(tag)+len(payload))
	out = append(out, byte(t), byte(b.self), byte(len(tag)))
	out = append(out, tag...)
	return append(out, payload...)
}

// Send delivers to one peer.
func (b *UDPBus) Send(dest fleet.NodeID, t protocol.MsgType, payload, tag []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if dest == fleet.Broadcast {
		return b.Broadcast(t, payload, tag)
	}
	addr, ok := b.peers[dest]
	if !ok {
		return ErrInvalidDest
	}
	if _, err := b.conn.WriteToUDP(b.frame(t, payload, tag), addr); err != nil {
		return fmt.Errorf("transport: send to %d: %w", dest, err)
	}
	return nil
}

// Broadcast delivers to every configured peer, best effort.
func (b *UDPBus) Broadcast(t protocol.MsgType, payload, tag []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	frame := b.frame(t, payload, tag)
	for _, addr := range b.peers {
		if _, err := b.conn.WriteToUDP(frame, addr); err != nil {
			log.Debug().Err(err).Msg("udp broadcast write failed")
		}
	}
	return nil
}

// Receive returns the next pending datagram.
func (b *UDPBus) Receive() (Envelope, error) {
	if b.closed.Load() {
		return Envelope{}, ErrClosed
	}
	env, err := b.rx.Pop()
	if err != nil {
		return Envelope{}, ErrNothingPending
	}
	return env, nil
}

// Close stops the reader and releases the socket.
func (b *UDPBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	err := b.conn.Close()
	b.wg.Wait()
	return err
}
