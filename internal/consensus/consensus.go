// Package consensus implements threshold voting with mutual inhibition.
// Any node proposes; neighbors vote; the proposal passes once the yes
// ratio over the expected electorate meets the threshold. Competing
// proposals suppress each other through inhibition entries, so only one
// of a conflicting pair survives.
package consensus

import (
	"errors"

	"github.com/fleetkor/fleetkor/internal/fixed"
	"github.com/fleetkor/fleetkor/internal/fleet"
)

var (
	// ErrInvalidBallot is returned for the zero ballot id.
	ErrInvalidBallot = errors.New("consensus: invalid ballot id")
	// ErrNotFound is returned when no tracked ballot matches.
	ErrNotFound = errors.New("consensus: ballot not found")
	// ErrTableFull is returned when every ballot slot is occupied.
	ErrTableFull = errors.New("consensus: ballot table full")
	// ErrInhibited is returned when a proposal arrives for a currently
	// inhibited ballot id.
	ErrInhibited = errors.New("consensus: ballot inhibited")
	// ErrCompleted is returned when voting on a finalized ballot.
	ErrCompleted = errors.New("consensus: ballot completed")
	// ErrNotProposer is returned when a vote lands on a node that did not
	// propose the ballot.
	ErrNotProposer = errors.New("consensus: not the proposer")
)

// MaxBallots bounds the in-flight ballot table and the inhibition list.
const MaxBallots = 4

// recentResults is how many finalized ballots stay queryable after sweep.
const recentResults = 8

// Standard approval thresholds as Q16.16 ratios.
var (
	SimpleMajority = fixed.FromFloat(0.50)
	Supermajority  = fixed.FromFloat(0.67)
	Unanimous      = fixed.One
)

// ProposalType classifies what a ballot decides.
type ProposalType uint8

const (
	ProposalModeChange ProposalType = iota
	ProposalPowerLimit
	ProposalShutdown
	ProposalReformation
)

// Application-defined proposal types start here.
const ProposalCustom0 ProposalType = 16

// Vote is one voter's answer.
type Vote uint8

const (
	// VoteAbstain marks an empty voter slot.
	VoteAbstain Vote = iota
	VoteYes
	VoteNo
	// VoteInhibit cancels the ballot instead of answering it.
	VoteInhibit
)

// Result is a ballot's outcome. Every value but Pending is terminal.
type Result uint8

const (
	Pending Result = iota
	Approved
	Rejected
	Timeout
	Cancelled
)

func (r Result) String() string {
	switch r {
	case Pending:
		return "pending"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// Terminal reports whether the result can no longer change.
func (r Result) Terminal() bool { return r != Pending }

// Ballot is one proposal's voting record. Vote slots are keyed by
// voter id modulo k, so with more than k voters two ids can alias one
// slot; the later vote is dropped. Accepted behavior for a k-bounded
// electorate.
type Ballot struct {
	ID        fleet.BallotID
	Type      ProposalType
	Proposer  fleet.NodeID
	Data      uint32
	Threshold fixed.Fixed
	Deadline  uint64

	votes     [fleet.KNeighbors]Vote
	YesCount  uint32
	NoCount   uint32
	VoteCount uint32

	Result    Result
	completed bool
}

// Completed reports whether the ballot has been finalized.
func (b *Ballot) Completed() bool { return b.completed }

// Votes returns a copy of the voter slots.
func (b *Ballot) Votes() [fleet.KNeighbors]Vote { return b.votes }

// Messenger carries consensus traffic. Wired by the node layer; dest may
// be fleet.Broadcast.
type Messenger interface {
	SendVote(dest fleet.NodeID, ballot fleet.BallotID, v Vote) error
	BroadcastProposal(b Ballot) error
}

// DecideFunc chooses this node's vote on a proposal it has not seen
// before.
type DecideFunc func(b Ballot) Vote

// DecideYes is the default strategy: approve everything.
func DecideYes(Ballot) Vote { return VoteYes }

// CompleteFunc observes ballot finalization, invoked synchronously.
type CompleteFunc func(b Ballot, r Result)

// Config tunes the engine.
type Config struct {
	// VoteTimeoutMicros is the proposal deadline. Zero means 50 ms.
	VoteTimeoutMicros uint64
	// InhibitDurationMicros is how long an inhibition holds. Zero means
	// 100 ms.
	InhibitDurationMicros uint64
	// NoSelfVote disables the proposer's implicit yes on its own ballot.
	NoSelfVote bool
	// ExpectedVotes is the electorate size a threshold is measured
	// against. Zero means fleet.KNeighbors.
	ExpectedVotes uint32
}

func (c *Config) applyDefaults() {
	if c.VoteTimeoutMicros == 0 {
		c.VoteTimeoutMicros = 50_000
	}
	if c.InhibitDurationMicros == 0 {
		c.InhibitDurationMicros = 100_000
	}
	if c.ExpectedVotes == 0 {
		c.ExpectedVotes = fleet.KNeighbors
	}
}

type inhibitEntry struct {
	id    fleet.BallotID
	until uint64
}

// Engine runs the consensus protocol for one node. Not safe for
// concurrent use; the tick loop is its only caller.
type Engine struct {
	self fleet.NodeID
	cfg  Config
	msg  Messenger

	ballots   []Ballot
	nextID    fleet.BallotID
	inhibited []inhibitEntry

	recent [recentResults]struct {
		id     fleet.BallotID
		result Result
	}
	recentNext int

	decide   DecideFunc
	complete CompleteFunc
}

// New builds an engine for the given node. msg may be nil in tests; no
// messages go out then.
func New(self fleet.NodeID, cfg Config, msg Messenger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		self:      self,
		cfg:       cfg,
		msg:       msg,
		ballots:   make([]Ballot, 0, MaxBallots),
		nextID:    1,
		inhibited: make([]inhibitEntry, 0, MaxBallots),
		decide:    DecideYes,
	}
}

// OnDecide replaces the voting strategy for incoming proposals.
func (e *Engine) OnDecide(fn DecideFunc) {
	if fn != nil {
		e.decide = fn
	}
}

// OnComplete registers the finalization observer.
func (e *Engine) OnComplete(fn CompleteFunc) { e.complete = fn }

func (e *Engine) index(id fleet.BallotID) int {
	for i := range e.ballots {
		if e.ballots[i].ID == id {
			return i
		}
	}
	return -1
}

// Inhibited reports whether id is suppressed at time now.
func (e *Engine) Inhibited(id fleet.BallotID, now uint64) bool {
	for _, in := range e.inhibited {
		if in.id == id && in.until > now {
			return true
		}
	}
	return false
}

func (e *Engine) addInhibit(id fleet.BallotID, now uint64) {
	until := now + e.cfg.InhibitDurationMicros
	for i := range e.inhibited {
		if e.inhibited[i].id == id {
			e.inhibited[i].until = until
			return
		}
	}
	if len(e.inhibited) >= MaxBallots {
		// Evict the oldest entry.
		e.inhibited = e.inhibited[1:]
	}
	e.inhibited = append(e.inhibited, inhibitEntry{id: id, until: until})
}

func (e *Engine) sendVote(dest fleet.NodeID, id fleet.BallotID, v Vote) {
	if e.msg != nil {
		// Best effort; a dropped vote is a missed vote, the deadline
		// covers it.
		_ = e.msg.SendVote(dest, id, v)
	}
}

// Propose opens a ballot and broadcasts it. The result arrives later
// through OnComplete or Result polling. With self-voting enabled the
// proposer's yes is recorded in slot zero immediately.
func (e *Engine) Propose(t ProposalType, data uint32, threshold fixed.Fixed, now uint64) (fleet.BallotID, error) {
	if len(e.ballots) >= MaxBallots {
		return fleet.InvalidBallot, ErrTableFull
	}
	b := Ballot{
		ID:        e.nextID,
		Type:      t,
		Proposer:  e.self,
		Data:      data,
		Threshold: threshold,
		Deadline:  now + e.cfg.VoteTimeoutMicros,
	}
	e.nextID++
	if e.nextID == fleet.InvalidBallot {
		e.nextID = 1
	}
	if !e.cfg.NoSelfVote {
		b.votes[0] = VoteYes
		b.VoteCount = 1
		b.YesCount = 1
	}
	e.ballots = append(e.ballots, b)
	if e.msg != nil {
		_ = e.msg.BroadcastProposal(b)
	}
	return b.ID, nil
}

// OnProposal processes a proposal from another node: track the ballot,
// decide a vote through the configured strategy, reply to the proposer.
// Inhibited ids are answered with an inhibit vote instead.
func (e *Engine) OnProposal(proposer fleet.NodeID, id fleet.BallotID, t ProposalType, data uint32, threshold fixed.Fixed, now uint64) error {
	if id == fleet.InvalidBallot || proposer == fleet.InvalidNode {
		return ErrInvalidBallot
	}
	if proposer == e.self {
		return nil
	}
	if e.Inhibited(id, now) {
		e.sendVote(proposer, id, VoteInhibit)
		return ErrInhibited
	}
	if e.index(id) >= 0 {
		// Duplicate broadcast.
		return nil
	}
	if len(e.ballots) >= MaxBallots {
		e.sendVote(proposer, id, VoteNo)
		return ErrTableFull
	}
	b := Ballot{
		ID:        id,
		Type:      t,
		Proposer:  proposer,
		Data:      data,
		Threshold: threshold,
		Deadline:  now + e.cfg.VoteTimeoutMicros,
	}
	e.ballots = append(e.ballots, b)
	e.sendVote(proposer, id, e.decide(b))
	return nil
}

// Vote sends this node's explicit vote on a tracked ballot to its
// proposer.
func (e *Engine) Vote(id fleet.BallotID, v Vote) error {
	if id == fleet.InvalidBallot {
		return ErrInvalidBallot
	}
	idx := e.index(id)
	if idx < 0 {
		return ErrNotFound
	}
	b := &e.ballots[idx]
	if b.completed {
		return ErrCompleted
	}
	e.sendVote(b.Proposer, id, v)
	return nil
}

// OnVote processes a vote arriving at the proposer. Votes land in slot
// voter mod k; a second vote for an occupied slot, duplicate or aliased,
// is silently dropped. The ballot finalizes as soon as the outcome is
// decided, without waiting for the full electorate.
func (e *Engine) OnVote(voter fleet.NodeID, id fleet.BallotID, v Vote, now uint64) error {
	if id == fleet.InvalidBallot || voter == fleet.InvalidNode {
		return ErrInvalidBallot
	}

	if v == VoteInhibit {
		e.addInhibit(id, now)
		if idx := e.index(id); idx >= 0 && !e.ballots[idx].completed {
			e.finalize(&e.ballots[idx], Cancelled)
		}
		return nil
	}

	idx := e.index(id)
	if idx < 0 {
		return ErrNotFound
	}
	b := &e.ballots[idx]
	if b.Proposer != e.self {
		return ErrNotProposer
	}
	if b.completed {
		// Late vote after early finalization.
		return nil
	}

	slot := uint32(voter) % fleet.KNeighbors
	if b.votes[slot] != VoteAbstain {
		return nil
	}
	b.votes[slot] = v
	b.VoteCount++
	switch v {
	case VoteYes:
		b.YesCount++
	case VoteNo:
		b.NoCount++
	}

	if r := evaluate(b, e.cfg.ExpectedVotes); r.Terminal() {
		e.finalize(b, r)
	}
	return nil
}

// evaluate decides a ballot against an electorate of expected voters:
// approved once the yes ratio meets the threshold, rejected once even a
// unanimous remainder could not.
func evaluate(b *Ballot, expected uint32) Result {
	if b.completed {
		return b.Result
	}
	if expected == 0 {
		return Pending
	}
	ratio := func(yes uint32) fixed.Fixed {
		return fixed.Fixed((int64(yes) << 16) / int64(expected))
	}
	if b.VoteCount < expected {
		remaining := expected - b.VoteCount
		if ratio(b.YesCount+remaining) < b.Threshold {
			return Rejected
		}
		if ratio(b.YesCount) >= b.Threshold {
			return Approved
		}
		return Pending
	}
	if ratio(b.YesCount) >= b.Threshold {
		return Approved
	}
	return Rejected
}

func (e *Engine) finalize(b *Ballot, r Result) {
	b.Result = r
	b.completed = true
	e.recent[e.recentNext] = struct {
		id     fleet.BallotID
		result Result
	}{b.ID, r}
	e.recentNext = (e.recentNext + 1) % recentResults
	if e.complete != nil {
		e.complete(*b, r)
	}
}

// Inhibit suppresses a ballot id: refreshes the bounded inhibition list,
// cancels any locally tracked ballot, and broadcasts an inhibit vote so
// the rest of the fleet follows.
func (e *Engine) Inhibit(id fleet.BallotID, now uint64) error {
	if id == fleet.InvalidBallot {
		return ErrInvalidBallot
	}
	e.addInhibit(id, now)
	if idx := e.index(id); idx >= 0 && !e.ballots[idx].completed {
		e.finalize(&e.ballots[idx], Cancelled)
	}
	e.sendVote(fleet.Broadcast, id, VoteInhibit)
	return nil
}

// Tick finalizes ballots past their deadline (Timeout if the outcome was
// still open), cancels inhibited ones, expires stale inhibitions, and
// sweeps completed ballots out of the table. Returns how many ballots
// finalized this tick.
func (e *Engine) Tick(now uint64) int {
	finalized := 0
	for i := range e.ballots {
		b := &e.ballots[i]
		if b.completed {
			continue
		}
		if e.Inhibited(b.ID, now) {
			e.finalize(b, Cancelled)
			finalized++
			continue
		}
		if now >= b.Deadline {
			// Anything decidable was finalized on vote arrival; what is
			// left open at the deadline timed out.
			e.finalize(b, Timeout)
			finalized++
		}
	}

	kept := e.inhibited[:0]
	for _, in := range e.inhibited {
		if in.until > now {
			kept = append(kept, in)
		}
	}
	e.inhibited = kept

	if finalized > 0 || e.anyCompleted() {
		e.sweep()
	}
	return finalized
}

func (e *Engine) anyCompleted() bool {
	for i := range e.ballots {
		if e.ballots[i].completed {
			return true
		}
	}
	return false
}

func (e *Engine) sweep() {
	kept := e.ballots[:0]
	for _, b := range e.ballots {
		if !b.completed {
			kept = append(kept, b)
		}
	}
	e.ballots = kept
}

// Ballot returns a copy of a tracked ballot.
func (e *Engine) Ballot(id fleet.BallotID) (Ballot, bool) {
	if idx := e.index(id); idx >= 0 {
		return e.ballots[idx], true
	}
	return Ballot{}, false
}

// Result reports the outcome of a ballot: Pending while tracked and open,
// the terminal result while tracked or recently swept, ErrNotFound once
// it has aged out entirely.
func (e *Engine) Result(id fleet.BallotID) (Result, error) {
	if id == fleet.InvalidBallot {
		return Pending, ErrInvalidBallot
	}
	if idx := e.index(id); idx >= 0 {
		return e.ballots[idx].Result, nil
	}
	for _, r := range e.recent {
		if r.id == id {
			return r.result, nil
		}
	}
	return Pending, ErrNotFound
}

// ActiveCount is the number of tracked, unswept ballots.
func (e *Engine) ActiveCount() int { return len(e.ballots) }
