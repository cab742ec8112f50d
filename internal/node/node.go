// Package node binds the coordination kernel together: one Node owns a
// field store view, a topology manager, a heartbeat monitor and a
// consensus engine, and advances all of them from a single cooperative
// tick. Everything a Node does happens inside Tick; a single mutex
// serializes Tick against the admin surface, but no goroutines are
// spawned internally.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetkor/fleetkor/internal/auth"
	"github.com/fleetkor/fleetkor/internal/clock"
	"github.com/fleetkor/fleetkor/internal/consensus"
	"github.com/fleetkor/fleetkor/internal/field"
	"github.com/fleetkor/fleetkor/internal/fixed"
	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/heartbeat"
	"github.com/fleetkor/fleetkor/internal/observability"
	"github.com/fleetkor/fleetkor/internal/topology"
	"github.com/fleetkor/fleetkor/internal/transport"
)

var (
	// ErrInvalidNode rejects a zero or broadcast node id.
	ErrInvalidNode = errors.New("node: invalid node id")
	// ErrAlreadyStarted rejects a second Start.
	ErrAlreadyStarted = errors.New("node: already started")
	// ErrShutdown rejects operations on a stopped node.
	ErrShutdown = errors.New("node: shut down")
)

// State is the node lifecycle, driven by the active neighbor count at the
// end of every tick.
type State uint8

const (
	StateInit State = iota
	StateDiscovering
	StateActive
	StateDegraded
	StateIsolated
	StateReforming
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateDiscovering:
		return "discovering"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateIsolated:
		return "isolated"
	case StateReforming:
		return "reforming"
	case StateShutdown:
		return "shutdown"
	default:
		return "invalid"
	}
}

// Config assembles one node.
type Config struct {
	ID           fleet.NodeID
	Name         string
	Position     fleet.Position
	Capabilities fleet.Capability

	// TickPeriodMicros paces Run. Zero means 1 ms.
	TickPeriodMicros uint64
	// PowerBudgetMilliwatt scales the normalized power component onto
	// the heartbeat wire record. Zero means 10 W.
	PowerBudgetMilliwatt uint32

	Topology  topology.Config
	Heartbeat heartbeat.Config
	Consensus consensus.Config

	// Components tunes the field store channels. The zero value takes
	// the store defaults.
	Components [field.ComponentCount]field.ComponentConfig

	// SharedStore lets a simulator hand every node the same field
	// region, the way co-located modules share memory. Nil builds a
	// private store.
	SharedStore *field.Store

	Logger zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = fmt.Sprintf("node-%d", c.ID)
	}
	if c.TickPeriodMicros == 0 {
		c.TickPeriodMicros = 1_000
	}
	if c.PowerBudgetMilliwatt == 0 {
		c.PowerBudgetMilliwatt = 10_000
	}
}

// Node is one coordination participant. Tick and every exported method
// are serialized by one mutex, so the admin surface may query a running
// node. Hooks fire inside Tick and must not call back into the node.
type Node struct {
	mu    sync.Mutex
	cfg   Config
	id    fleet.NodeID
	state State

	clk   clock.Clock
	bus   transport.Bus
	authn auth.Authenticator
	log   zerolog.Logger

	store *field.Store
	topo  *topology.Manager
	hb    *heartbeat.Monitor
	cons  *consensus.Engine

	myField   field.Field
	aggregate field.Field
	aggCount  int
	gradients field.GradientVec
	caps      fleet.Capability

	tasks      []taskEntry
	activeTask TaskID

	discoverySeq uint16

	ticksTotal      uint32
	fieldUpdates    uint32
	topologyChanges uint32
	consensusRounds uint32

	onNeighborFound func(fleet.NodeID)
	onNeighborLost  func(fleet.NodeID)
	onStateChange   func(old, current State)
	onFieldChange   func()
	onComplete      consensus.CompleteFunc
}

// New assembles a node on the given bus. The authenticator seals
// everything sent and checks everything received.
func New(cfg Config, clk clock.Clock, bus transport.Bus, authn auth.Authenticator) (*Node, error) {
	if cfg.ID == fleet.InvalidNode || cfg.ID == fleet.Broadcast {
		return nil, ErrInvalidNode
	}
	cfg.applyDefaults()

	topo, err := topology.New(cfg.ID, cfg.Position, cfg.Topology)
	if err != nil {
		return nil, fmt.Errorf("node %d topology: %w", cfg.ID, err)
	}

	n := &Node{
		cfg:        cfg,
		id:         cfg.ID,
		state:      StateInit,
		clk:        clk,
		bus:        bus,
		authn:      authn,
		log:        cfg.Logger.With().Str("node", cfg.Name).Logger(),
		topo:       topo,
		hb:         heartbeat.New(cfg.Heartbeat),
		caps:       cfg.Capabilities,
		activeTask: NoTask,
	}

	if cfg.SharedStore != nil {
		n.store = cfg.SharedStore
	} else {
		n.store = field.NewStoreWithConfig(cfg.Components)
	}
	n.myField.Source = cfg.ID
	n.myField.Components[field.Custom0] = fixed.One

	n.cons = consensus.New(cfg.ID, cfg.Consensus, messenger{n})
	n.cons.OnComplete(n.ballotFinalized)

	n.hb.OnTransition(n.onHealthTransition)
	n.hb.AutoBroadcast(n.sendHeartbeat)
	n.topo.OnChange(n.onTopologyChange)

	return n, nil
}

// Start moves the node from Init to Discovering and announces it on the
// segment.
func (n *Node) Start(now uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateInit {
		return ErrAlreadyStarted
	}
	n.setState(StateDiscovering)
	n.sendDiscovery(now)
	n.topo.MarkDiscoverySent(now)
	n.log.Info().Uint64("now", now).Msg("started")
	return nil
}

// Stop halts coordination. The bus stays open; closing it is the owner's
// call.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateShutdown {
		return
	}
	n.setState(StateShutdown)
	n.log.Info().Msg("stopped")
}

// Run ticks the node on its configured period until ctx is cancelled or
// the node shuts down.
func (n *Node) Run(ctx context.Context) error {
	period := time.Duration(n.cfg.TickPeriodMicros) * time.Microsecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.Tick(n.clk.NowMicros())
			if n.State() == StateShutdown {
				return nil
			}
		}
	}
}

func (n *Node) setState(s State) {
	old := n.state
	if s == old {
		return
	}
	n.state = s
	n.log.Info().
		Str("from", old.String()).
		Str("to", s.String()).
		Int("neighbors", n.topo.NeighborCount()).
		Msg("state change")
	if n.onStateChange != nil {
		n.onStateChange(old, s)
	}
}

// OnNeighborFound registers a hook fired when a neighbor first turns
// Alive.
func (n *Node) OnNeighborFound(fn func(fleet.NodeID)) { n.onNeighborFound = fn }

// OnNeighborLost registers a hook fired when a neighbor is confirmed
// Dead and dropped.
func (n *Node) OnNeighborLost(fn func(fleet.NodeID)) { n.onNeighborLost = fn }

// OnStateChange registers a lifecycle hook.
func (n *Node) OnStateChange(fn func(old, current State)) { n.onStateChange = fn }

// OnFieldChange registers a hook fired when UpdateField replaces the
// published components.
func (n *Node) OnFieldChange(fn func()) { n.onFieldChange = fn }

// OnDecide installs the voting strategy for proposals arriving from
// other nodes. The default approves everything.
func (n *Node) OnDecide(fn consensus.DecideFunc) { n.cons.OnDecide(fn) }

// OnConsensusComplete registers a finalization observer, called after
// the node's own bookkeeping.
func (n *Node) OnConsensusComplete(fn consensus.CompleteFunc) { n.onComplete = fn }

func (n *Node) ballotFinalized(b consensus.Ballot, r consensus.Result) {
	observability.RecordBallot(n.cfg.Name, r.String())
	n.log.Info().
		Uint16("ballot", uint16(b.ID)).
		Str("result", r.String()).
		Uint32("yes", b.YesCount).
		Uint32("votes", b.VoteCount).
		Msg("ballot finalized")
	if n.onComplete != nil {
		n.onComplete(b, r)
	}
}

// UpdateField replaces the load, thermal and power components published
// on the next tick.
func (n *Node) UpdateField(load, thermal, power fixed.Fixed) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.myField.Set(load, thermal, power)
	if n.onFieldChange != nil {
		n.onFieldChange()
	}
}

// SetCustomChannel writes the free field channel. Custom0 is owned by
// deadline slack and cannot be set directly.
func (n *Node) SetCustomChannel(v fixed.Fixed) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.myField.Components[field.Custom1] = v
}

// SetCapabilities replaces the capability mask matched against task
// requirements and advertised in discovery.
func (n *Node) SetCapabilities(caps fleet.Capability) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.caps = caps
}

// Capabilities returns the current mask.
func (n *Node) Capabilities() fleet.Capability {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.caps
}

// Propose opens a ballot with an explicit threshold.
func (n *Node) Propose(t consensus.ProposalType, data uint32, threshold fixed.Fixed) (fleet.BallotID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateInit || n.state == StateShutdown {
		return fleet.InvalidBallot, ErrShutdown
	}
	return n.cons.Propose(t, data, threshold, n.clk.NowMicros())
}

// ProposeModeChange asks the fleet for a supermajority on a mode switch.
func (n *Node) ProposeModeChange(mode uint32) (fleet.BallotID, error) {
	return n.Propose(consensus.ProposalModeChange, mode, consensus.Supermajority)
}

// ProposePowerLimit asks for a simple majority on a new power ceiling.
func (n *Node) ProposePowerLimit(milliwatt uint32) (fleet.BallotID, error) {
	return n.Propose(consensus.ProposalPowerLimit, milliwatt, consensus.SimpleMajority)
}

// Vote answers a tracked ballot.
func (n *Node) Vote(id fleet.BallotID, v consensus.Vote) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cons.Vote(id, v)
}

// Inhibit cancels a ballot locally and propagates the inhibition.
func (n *Node) Inhibit(id fleet.BallotID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cons.Inhibit(id, n.clk.NowMicros())
}

// BallotResult reports the result of an active or recently swept ballot.
func (n *Node) BallotResult(id fleet.BallotID) (consensus.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cons.Result(id)
}

// Ballot returns a snapshot of a tracked ballot.
func (n *Node) Ballot(id fleet.BallotID) (consensus.Ballot, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cons.Ballot(id)
}

// ID returns the node id.
func (n *Node) ID() fleet.NodeID { return n.id }

// Name returns the configured node name.
func (n *Node) Name() string { return n.cfg.Name }

// State returns the current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Neighbors snapshots the active neighbor set.
func (n *Node) Neighbors() []topology.Neighbor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.topo.Neighbors()
}

// OwnField returns the components published on the next tick.
func (n *Node) OwnField() field.Field {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.myField
}

// FieldOf samples any node's field with decay applied.
func (n *Node) FieldOf(id fleet.NodeID) (field.Field, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store.Sample(id, n.clk.NowMicros())
}

// Gradient reports the last computed gradient for one component.
// Positive means the neighborhood runs higher than this node.
func (n *Node) Gradient(c field.Component) fixed.Fixed {
	n.mu.Lock()
	defer n.mu.Unlock()
	if int(c) >= len(n.gradients) {
		return 0
	}
	return n.gradients[c]
}

// Gradients returns the full gradient vector from the last tick.
func (n *Node) Gradients() field.GradientVec {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gradients
}

// Status is the one-line summary exposed to operators.
type Status struct {
	ID              fleet.NodeID `json:"id"`
	Name            string       `json:"name"`
	State           string       `json:"state"`
	Neighbors       int          `json:"neighbors"`
	KnownNodes      int          `json:"known_nodes"`
	AliveSampled    int          `json:"alive_sampled"`
	ActiveBallots   int          `json:"active_ballots"`
	Ticks           uint32       `json:"ticks"`
	FieldUpdates    uint32       `json:"field_updates"`
	TopologyChanges uint32       `json:"topology_changes"`
	ConsensusRounds uint32       `json:"consensus_rounds"`
	LoadGradient    float64      `json:"load_gradient"`
	ThermalGradient float64      `json:"thermal_gradient"`
}

// Status summarizes the node for the admin surface.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:              n.id,
		Name:            n.cfg.Name,
		State:           n.state.String(),
		Neighbors:       n.topo.NeighborCount(),
		KnownNodes:      n.topo.KnownCount(),
		AliveSampled:    n.aggCount,
		ActiveBallots:   n.cons.ActiveCount(),
		Ticks:           n.ticksTotal,
		FieldUpdates:    n.fieldUpdates,
		TopologyChanges: n.topologyChanges,
		ConsensusRounds: n.consensusRounds,
		LoadGradient:    n.gradients[field.Load].Float64(),
		ThermalGradient: n.gradients[field.Thermal].Float64(),
	}
}
