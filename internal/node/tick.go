package node

import (
	"errors"

	"github.com/fleetkor/fleetkor/internal/consensus"
	"github.com/fleetkor/fleetkor/internal/field"
	"github.com/fleetkor/fleetkor/internal/fixed"
	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/heartbeat"
	"github.com/fleetkor/fleetkor/internal/observability"
	"github.com/fleetkor/fleetkor/internal/protocol"
	"github.com/fleetkor/fleetkor/internal/topology"
	"github.com/fleetkor/fleetkor/internal/transport"
)

// maxDrainPerTick bounds tick latency under message bursts; whatever is
// left waits for the next tick.
const maxDrainPerTick = 16

// gcEveryTicks paces the field-region expiry sweep.
const gcEveryTicks = 256

// Tick runs one coordination round: drain the bus, age heartbeats,
// sample neighbor fields, recompute gradients, advance ballots, refresh
// topology, run the selected task, publish the own field, update state.
// A node that was never started, or has shut down, does nothing.
func (n *Node) Tick(now uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateInit || n.state == StateShutdown {
		return
	}
	n.ticksTotal++
	observability.RecordTick(n.cfg.Name)

	n.drainMessages(now)

	if n.hb.Tick(now) > 0 {
		n.topologyChanges++
	}

	n.aggregate, n.aggCount = n.store.AggregateAlive(n.topo.NeighborRefs(), now)
	n.gradients = field.GradientAll(&n.myField, &n.aggregate)

	if n.cons.Tick(now) > 0 {
		n.consensusRounds++
	}

	if changed := n.topo.Reelect(now); changed > 0 {
		n.topologyChanges++
	}
	if n.topo.DiscoveryDue(now) {
		n.sendDiscovery(now)
		n.topo.MarkDiscoverySent(now)
	}

	n.computeSlack(now)
	if id := n.selectTask(now); id != NoTask {
		n.runTask(id, now)
	}

	n.publishField(now)

	if n.ticksTotal%gcEveryTicks == 0 {
		if expired := n.store.GC(now); expired > 0 {
			n.log.Debug().Int("expired", expired).Msg("field gc")
		}
	}

	n.updateState()
}

func (n *Node) drainMessages(now uint64) {
	for i := 0; i < maxDrainPerTick; i++ {
		env, err := n.bus.Receive()
		if err != nil {
			if !errors.Is(err, transport.ErrNothingPending) {
				n.log.Warn().Err(err).Msg("bus receive")
			}
			return
		}
		if env.Sender == n.id {
			continue
		}
		if err := n.authn.Check(env.Type, env.Payload, env.Tag); err != nil {
			observability.RecordAuthReject(n.cfg.Name, env.Type.String())
			n.log.Warn().
				Err(err).
				Uint8("sender", uint8(env.Sender)).
				Str("type", env.Type.String()).
				Msg("message rejected")
			continue
		}
		observability.RecordMessage(n.cfg.Name, env.Type.String())
		n.handleMessage(env, now)
	}
}

func (n *Node) handleMessage(env transport.Envelope, now uint64) {
	switch env.Type {
	case protocol.MsgHeartbeat:
		h, err := protocol.DecodeHeartbeat(env.Payload)
		if err != nil {
			n.dropMessage(env, err)
			return
		}
		if !n.hb.Tracked(h.Sender) {
			// Liveness from someone outside the active set still
			// matters as evidence on next reelection.
			return
		}
		if err := n.hb.Received(h.Sender, uint16(h.Sequence), now); err != nil {
			n.dropMessage(env, err)
		}

	case protocol.MsgDiscovery:
		d, err := protocol.DecodeDiscovery(env.Payload)
		if err != nil {
			n.dropMessage(env, err)
			return
		}
		if err := n.topo.OnDiscovery(d.Sender, d.Position, d.Capabilities); err != nil {
			n.dropMessage(env, err)
		}

	case protocol.MsgFieldUpdate:
		fu, err := protocol.DecodeFieldUpdate(env.Payload)
		if err != nil {
			n.dropMessage(env, err)
			return
		}
		var f field.Field
		f.Components = fu.Components
		if err := n.store.Publish(fu.Source, f, fu.Timestamp); err != nil {
			n.dropMessage(env, err)
			return
		}
		if n.topo.IsNeighbor(fu.Source) {
			g := field.GradientAll(&n.myField, &f)
			_ = n.topo.SetField(fu.Source, f, g.Compact())
		}

	case protocol.MsgProposal:
		p, err := protocol.DecodeProposal(env.Payload)
		if err != nil {
			n.dropMessage(env, err)
			return
		}
		err = n.cons.OnProposal(p.Proposer, p.Ballot,
			consensus.ProposalType(p.Type), p.Payload, p.Threshold, now)
		if err != nil {
			n.dropMessage(env, err)
		}

	case protocol.MsgVote:
		v, err := protocol.DecodeVote(env.Payload)
		if err != nil {
			n.dropMessage(env, err)
			return
		}
		err = n.cons.OnVote(v.Voter, v.Ballot, consensus.Vote(v.Value), now)
		if err != nil && !errors.Is(err, consensus.ErrNotFound) {
			n.dropMessage(env, err)
		}

	default:
		n.log.Debug().Uint8("type", uint8(env.Type)).Msg("unknown message type")
	}
}

func (n *Node) dropMessage(env transport.Envelope, err error) {
	n.log.Debug().
		Err(err).
		Uint8("sender", uint8(env.Sender)).
		Str("type", env.Type.String()).
		Msg("message dropped")
}

// onHealthTransition keeps topology health in sync with the detector and
// converts a Dead verdict into neighbor loss.
func (n *Node) onHealthTransition(tr heartbeat.Transition) {
	observability.RecordHeartbeatTransition(n.cfg.Name, tr.To.String())
	_ = n.topo.SetHealth(tr.Node, tr.To, tr.Now)

	switch {
	case tr.To == fleet.HealthAlive && tr.From == fleet.HealthUnknown:
		if n.onNeighborFound != nil {
			n.onNeighborFound(tr.Node)
		}
	case tr.To == fleet.HealthDead:
		n.store.Invalidate(tr.Node)
		if err := n.topo.OnNeighborLost(tr.Node, tr.Now); err == nil {
			n.topologyChanges++
		}
		// Drop the dead entry from the monitor: a stray heartbeat from a
		// long-dead node must re-enter through discovery and reelection,
		// not revive a stale slot.
		_ = n.hb.Forget(tr.Node)
		n.log.Warn().Uint8("neighbor", uint8(tr.Node)).Msg("neighbor lost")
		if n.onNeighborLost != nil {
			n.onNeighborLost(tr.Node)
		}
	}
}

// onTopologyChange retargets the heartbeat monitor at the new active
// set, carrying over the health of surviving slots.
func (n *Node) onTopologyChange(previous, current []topology.Neighbor) {
	inCurrent := func(id fleet.NodeID) bool {
		for i := range current {
			if current[i].ID == id {
				return true
			}
		}
		return false
	}
	for i := range previous {
		if !inCurrent(previous[i].ID) {
			_ = n.hb.Forget(previous[i].ID)
		}
	}
	for i := range current {
		if !n.hb.Tracked(current[i].ID) {
			_ = n.hb.Track(current[i].ID)
		}
	}
	observability.SetActiveNeighbors(n.cfg.Name, len(current))
}

func (n *Node) updateState() {
	count := n.topo.NeighborCount()
	next := n.state
	switch n.state {
	case StateDiscovering:
		if !n.topo.Degraded() {
			next = StateActive
		}
	case StateActive:
		if count == 0 {
			next = StateIsolated
		} else if n.topo.Degraded() {
			next = StateDegraded
		}
	case StateDegraded:
		if count == 0 {
			next = StateIsolated
		} else if !n.topo.Degraded() {
			next = StateActive
		}
	case StateIsolated:
		if !n.topo.Degraded() {
			next = StateActive
		} else if count > 0 {
			next = StateDegraded
		}
	case StateReforming:
		if !n.topo.Degraded() {
			next = StateActive
		} else if count > 0 {
			next = StateDegraded
		} else {
			next = StateIsolated
		}
	}
	n.setState(next)
}

// componentPercent narrows a normalized [0,1] component to a wire
// percentage.
func componentPercent(c fixed.Fixed) uint8 {
	p := (int64(c) * 100) >> 16
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return uint8(p)
}

func (n *Node) sendHeartbeat(sequence uint16, now uint64) error {
	load := componentPercent(n.myField.Components[field.Load])
	thermal := componentPercent(n.myField.Components[field.Thermal])
	score := uint8(100)
	if load > thermal {
		score = 100 - load
	} else {
		score = 100 - thermal
	}
	power := uint32((int64(n.myField.Components[field.Power]) *
		int64(n.cfg.PowerBudgetMilliwatt)) >> 16)

	h := protocol.Heartbeat{
		Sender:         n.id,
		State:          uint8(n.state),
		Sequence:       uint8(sequence),
		HealthScore:    score,
		LoadPercent:    load,
		ThermalPercent: thermal,
		PowerMilliwatt: power,
	}
	payload := h.Encode(nil)
	tag := n.authn.Seal(protocol.MsgHeartbeat, payload)
	return n.bus.Broadcast(protocol.MsgHeartbeat, payload, tag)
}

func (n *Node) sendDiscovery(now uint64) {
	d := protocol.Discovery{
		Sender:        n.id,
		State:         uint8(n.state),
		Position:      n.cfg.Position,
		Capabilities:  n.caps,
		NeighborCount: uint8(n.topo.NeighborCount()),
		Sequence:      n.discoverySeq,
	}
	n.discoverySeq++
	payload := d.Encode(nil)
	tag := n.authn.Seal(protocol.MsgDiscovery, payload)
	if err := n.bus.Broadcast(protocol.MsgDiscovery, payload, tag); err != nil {
		n.log.Debug().Err(err).Msg("discovery broadcast")
	}
}

func (n *Node) publishField(now uint64) {
	if err := n.store.Publish(n.id, n.myField, now); err != nil {
		n.log.Warn().Err(err).Msg("field publish")
		return
	}
	n.fieldUpdates++
	observability.RecordFieldPublish(n.cfg.Name)

	published, err := n.store.Sample(n.id, now)
	if err != nil {
		return
	}
	fu := protocol.FieldUpdate{
		Source:     n.id,
		Sequence:   published.Sequence,
		Components: published.Components,
		Timestamp:  now,
	}
	payload := fu.Encode(nil)
	tag := n.authn.Seal(protocol.MsgFieldUpdate, payload)
	if err := n.bus.Broadcast(protocol.MsgFieldUpdate, payload, tag); err != nil {
		n.log.Debug().Err(err).Msg("field broadcast")
	}
}

// messenger adapts the bus to the consensus engine's sending surface,
// sealing every record on the way out.
type messenger struct{ n *Node }

func (m messenger) SendVote(dest fleet.NodeID, id fleet.BallotID, v consensus.Vote) error {
	vm := protocol.VoteMsg{
		Voter:     m.n.id,
		Ballot:    id,
		Value:     uint8(v),
		Timestamp: uint32(m.n.clk.NowMicros()),
	}
	payload := vm.Encode(nil)
	tag := m.n.authn.Seal(protocol.MsgVote, payload)
	if dest == fleet.Broadcast {
		return m.n.bus.Broadcast(protocol.MsgVote, payload, tag)
	}
	return m.n.bus.Send(dest, protocol.MsgVote, payload, tag)
}

func (m messenger) BroadcastProposal(b consensus.Ballot) error {
	p := protocol.Proposal{
		Proposer:  b.Proposer,
		Ballot:    b.ID,
		Type:      uint8(b.Type),
		Payload:   b.Data,
		Threshold: b.Threshold,
	}
	payload := p.Encode(nil)
	tag := m.n.authn.Seal(protocol.MsgProposal, payload)
	return m.n.bus.Broadcast(protocol.MsgProposal, payload, tag)
}
