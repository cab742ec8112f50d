package consensus

import (
	"errors"
	"testing"

	"github.com/fleetkor/fleetkor/internal/fixed"
	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/testutil/testlog"
)

type sentVote struct {
	dest   fleet.NodeID
	ballot fleet.BallotID
	vote   Vote
}

type recorder struct {
	votes     []sentVote
	proposals []Ballot
}

func (r *recorder) SendVote(dest fleet.NodeID, ballot fleet.BallotID, v Vote) error {
	r.votes = append(r.votes, sentVote{dest: dest, ballot: ballot, vote: v})
	return nil
}

func (r *recorder) BroadcastProposal(b Ballot) error {
	r.proposals = append(r.proposals, b)
	return nil
}

func propose(t *testing.T, e *Engine, threshold fixed.Fixed, now uint64) fleet.BallotID {
	t.Helper()
	id, err := e.Propose(ProposalModeChange, 0, threshold, now)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func result(t *testing.T, e *Engine, id fleet.BallotID) Result {
	t.Helper()
	r, err := e.Result(id)
	if err != nil {
		t.Fatalf("result %d: %v", id, err)
	}
	return r
}

func TestSupermajorityApprovesAtFifthYes(t *testing.T) {
	testlog.Start(t)
	var rec recorder
	e := New(1, Config{}, &rec)
	id := propose(t, e, Supermajority, 0)

	// Proposer's implicit self-vote plus three more: 4/7 < 0.67.
	for _, voter := range []fleet.NodeID{2, 3, 4} {
		if err := e.OnVote(voter, id, VoteYes, 10); err != nil {
			t.Fatalf("voter %d: %v", voter, err)
		}
	}
	if got := result(t, e, id); got != Pending {
		t.Fatalf("4/7 yes: %v", got)
	}

	// Fifth yes: 5/7 >= 0.67, approved without the remaining voters.
	if err := e.OnVote(5, id, VoteYes, 20); err != nil {
		t.Fatal(err)
	}
	if got := result(t, e, id); got != Approved {
		t.Fatalf("5/7 yes: %v", got)
	}
	if len(rec.proposals) != 1 || rec.proposals[0].ID != id {
		t.Fatalf("proposal broadcast: %+v", rec.proposals)
	}
}

func TestEarlyRejectWhenThresholdUnreachable(t *testing.T) {
	testlog.Start(t)
	e := New(1, Config{}, nil)
	id := propose(t, e, Supermajority, 0)

	// Three no votes leave at most 4/7 possible yes: rejected before the
	// electorate finishes.
	for _, voter := range []fleet.NodeID{2, 3, 4} {
		if err := e.OnVote(voter, id, VoteNo, 10); err != nil {
			t.Fatal(err)
		}
	}
	if got := result(t, e, id); got != Rejected {
		t.Fatalf("unreachable threshold: %v", got)
	}
}

func TestTerminalResultNeverChanges(t *testing.T) {
	testlog.Start(t)
	e := New(1, Config{}, nil)
	id := propose(t, e, SimpleMajority, 0)
	for _, voter := range []fleet.NodeID{2, 3, 4} {
		if err := e.OnVote(voter, id, VoteYes, 10); err != nil {
			t.Fatal(err)
		}
	}
	if got := result(t, e, id); got != Approved {
		t.Fatalf("4/7 over 0.5: %v", got)
	}
	// Late no votes land on a completed ballot and change nothing.
	for _, voter := range []fleet.NodeID{5, 6} {
		if err := e.OnVote(voter, id, VoteNo, 20); err != nil {
			t.Fatal(err)
		}
	}
	if got := result(t, e, id); got != Approved {
		t.Fatalf("terminal result moved: %v", got)
	}
}

func TestVoteCountsMonotone(t *testing.T) {
	testlog.Start(t)
	e := New(1, Config{NoSelfVote: true}, nil)
	id := propose(t, e, Unanimous, 0)

	var lastYes, lastTotal uint32
	voters := []fleet.NodeID{2, 3, 3, 4, 10, 5} // 3 repeats, 10 aliases 3
	for _, voter := range voters {
		if err := e.OnVote(voter, id, VoteYes, 10); err != nil {
			t.Fatal(err)
		}
		b, ok := e.Ballot(id)
		if !ok {
			t.Fatal("ballot vanished")
		}
		if b.YesCount < lastYes || b.VoteCount < lastTotal {
			t.Fatalf("counts decreased: yes=%d total=%d", b.YesCount, b.VoteCount)
		}
		lastYes, lastTotal = b.YesCount, b.VoteCount
	}
}

func TestAliasedVoterSlotDropped(t *testing.T) {
	testlog.Start(t)
	e := New(1, Config{NoSelfVote: true}, nil)
	id := propose(t, e, Unanimous, 0)

	if err := e.OnVote(2, id, VoteYes, 10); err != nil {
		t.Fatal(err)
	}
	// Voter 9 maps to slot 2 as well; its no vote is silently dropped.
	if err := e.OnVote(9, id, VoteNo, 11); err != nil {
		t.Fatal(err)
	}
	b, _ := e.Ballot(id)
	if b.VoteCount != 1 || b.YesCount != 1 || b.NoCount != 0 {
		t.Fatalf("aliased vote recorded: %+v", b)
	}
}

func TestDeadlineTimesOutPendingBallot(t *testing.T) {
	testlog.Start(t)
	e := New(1, Config{VoteTimeoutMicros: 1000}, nil)
	id := propose(t, e, Supermajority, 0)

	if n := e.Tick(999); n != 0 {
		t.Fatalf("before deadline finalized=%d", n)
	}
	if n := e.Tick(1000); n != 1 {
		t.Fatalf("at deadline finalized=%d", n)
	}
	if got := result(t, e, id); got != Timeout {
		t.Fatalf("past deadline: %v", got)
	}
	// Swept from the table but still queryable.
	if e.ActiveCount() != 0 {
		t.Fatalf("active=%d", e.ActiveCount())
	}
}

func TestInhibitCancelsAndBroadcasts(t *testing.T) {
	testlog.Start(t)
	var rec recorder
	e := New(1, Config{}, &rec)
	id := propose(t, e, SimpleMajority, 0)

	if err := e.Inhibit(id, 10); err != nil {
		t.Fatal(err)
	}
	if got := result(t, e, id); got != Cancelled {
		t.Fatalf("inhibited local ballot: %v", got)
	}
	last := rec.votes[len(rec.votes)-1]
	if last.dest != fleet.Broadcast || last.vote != VoteInhibit || last.ballot != id {
		t.Fatalf("inhibit broadcast: %+v", last)
	}
	if !e.Inhibited(id, 10) {
		t.Fatal("inhibition not recorded")
	}
	// Expires after the configured duration.
	e.Tick(10 + 100_000)
	if e.Inhibited(id, 10+100_001) {
		t.Fatal("inhibition must expire")
	}
}

func TestInhibitVoteCancelsProposerBallot(t *testing.T) {
	testlog.Start(t)
	e := New(1, Config{}, nil)
	id := propose(t, e, SimpleMajority, 0)
	if err := e.OnVote(2, id, VoteInhibit, 10); err != nil {
		t.Fatal(err)
	}
	if got := result(t, e, id); got != Cancelled {
		t.Fatalf("after inhibit vote: %v", got)
	}
}

func TestProposalForInhibitedBallotRefused(t *testing.T) {
	testlog.Start(t)
	var rec recorder
	e := New(1, Config{}, &rec)
	if err := e.OnVote(2, 77, VoteInhibit, 0); err != nil {
		t.Fatal(err)
	}
	err := e.OnProposal(3, 77, ProposalModeChange, 0, SimpleMajority, 10)
	if !errors.Is(err, ErrInhibited) {
		t.Fatalf("inhibited proposal: %v", err)
	}
	last := rec.votes[len(rec.votes)-1]
	if last.dest != 3 || last.vote != VoteInhibit {
		t.Fatalf("proposer must receive an inhibit reply: %+v", last)
	}
}

func TestOnProposalVotesViaStrategy(t *testing.T) {
	testlog.Start(t)
	var rec recorder
	e := New(1, Config{}, &rec)

	// Default strategy answers yes.
	if err := e.OnProposal(2, 5, ProposalPowerLimit, 900, SimpleMajority, 0); err != nil {
		t.Fatal(err)
	}
	if v := rec.votes[len(rec.votes)-1]; v.dest != 2 || v.vote != VoteYes {
		t.Fatalf("default decide: %+v", v)
	}

	// Duplicate broadcast of the same ballot: tracked once, no new vote.
	seen := len(rec.votes)
	if err := e.OnProposal(2, 5, ProposalPowerLimit, 900, SimpleMajority, 1); err != nil {
		t.Fatal(err)
	}
	if len(rec.votes) != seen {
		t.Fatal("duplicate proposal must not re-vote")
	}

	// Custom strategy refusing power limits.
	e.OnDecide(func(b Ballot) Vote {
		if b.Type == ProposalPowerLimit {
			return VoteNo
		}
		return VoteYes
	})
	if err := e.OnProposal(2, 6, ProposalPowerLimit, 900, SimpleMajority, 2); err != nil {
		t.Fatal(err)
	}
	if v := rec.votes[len(rec.votes)-1]; v.vote != VoteNo {
		t.Fatalf("custom decide: %+v", v)
	}
}

func TestBallotTableBounded(t *testing.T) {
	testlog.Start(t)
	var rec recorder
	e := New(1, Config{}, &rec)
	for i := 0; i < MaxBallots; i++ {
		propose(t, e, SimpleMajority, 0)
	}
	if _, err := e.Propose(ProposalModeChange, 0, SimpleMajority, 0); !errors.Is(err, ErrTableFull) {
		t.Fatalf("full table propose: %v", err)
	}
	// A remote proposal against the full table draws an automatic no.
	err := e.OnProposal(2, 99, ProposalModeChange, 0, SimpleMajority, 0)
	if !errors.Is(err, ErrTableFull) {
		t.Fatalf("full table on_proposal: %v", err)
	}
	if v := rec.votes[len(rec.votes)-1]; v.dest != 2 || v.vote != VoteNo {
		t.Fatalf("full table reply: %+v", v)
	}
}

func TestVoteForwardsToProposer(t *testing.T) {
	testlog.Start(t)
	var rec recorder
	e := New(1, Config{}, &rec)
	if err := e.OnProposal(2, 5, ProposalModeChange, 0, Unanimous, 0); err != nil {
		t.Fatal(err)
	}
	if err := e.Vote(5, VoteNo); err != nil {
		t.Fatal(err)
	}
	if v := rec.votes[len(rec.votes)-1]; v.dest != 2 || v.vote != VoteNo || v.ballot != 5 {
		t.Fatalf("vote relay: %+v", v)
	}
	if err := e.Vote(99, VoteYes); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown ballot: %v", err)
	}
}

func TestCompleteHook(t *testing.T) {
	testlog.Start(t)
	e := New(1, Config{}, nil)
	var completions []Result
	e.OnComplete(func(b Ballot, r Result) { completions = append(completions, r) })

	id := propose(t, e, SimpleMajority, 0)
	for _, voter := range []fleet.NodeID{2, 3, 4} {
		if err := e.OnVote(voter, id, VoteYes, 10); err != nil {
			t.Fatal(err)
		}
	}
	if len(completions) != 1 || completions[0] != Approved {
		t.Fatalf("completions=%v", completions)
	}
}

func TestBallotIDsMonotonic(t *testing.T) {
	testlog.Start(t)
	e := New(1, Config{VoteTimeoutMicros: 1}, nil)
	var prev fleet.BallotID
	for i := 0; i < 10; i++ {
		id := propose(t, e, SimpleMajority, uint64(i))
		if id <= prev {
			t.Fatalf("ballot id %d after %d", id, prev)
		}
		prev = id
		e.Tick(uint64(i) + 2) // expire so the table never fills
	}
}
