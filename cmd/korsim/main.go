// korsim runs an in-process fleet over the loopback segment with a
// hand-cranked clock, for watching convergence, failover and consensus
// without real hardware.
package main

import (
	"flag"
	"math/rand"

	"github.com/rs/zerolog/log"

	"github.com/fleetkor/fleetkor/internal/auth"
	"github.com/fleetkor/fleetkor/internal/clock"
	"github.com/fleetkor/fleetkor/internal/field"
	"github.com/fleetkor/fleetkor/internal/fixed"
	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/node"
	"github.com/fleetkor/fleetkor/internal/observability"
	"github.com/fleetkor/fleetkor/internal/transport"
)

func main() {
	count := flag.Int("nodes", 9, "fleet size")
	rounds := flag.Int("rounds", 5000, "simulated ticks to run")
	tickMicros := flag.Uint64("tick-us", 1_000, "simulated microseconds per tick")
	reportEvery := flag.Int("report-every", 1000, "ticks between status reports")
	killAfter := flag.Int("kill-after", 0, "stop the highest-id node after this many ticks (0 keeps it)")
	proposeAt := flag.Int("propose-at", 0, "tick at which node 1 proposes a mode change (0 skips)")
	seed := flag.Int64("seed", 1, "rng seed for the synthetic load walk")
	flag.Parse()

	observability.InitLogger("korsim")

	clk := clock.NewManual(1_000_000)
	seg := transport.NewSegment(transport.DefaultRingCap)
	shared := field.NewStore()
	rng := rand.New(rand.NewSource(*seed))

	nodes := make([]*node.Node, 0, *count)
	for i := 1; i <= *count; i++ {
		id := fleet.NodeID(i)
		port, err := seg.Join(id)
		if err != nil {
			log.Fatal().Err(err).Int("node", i).Msg("segment join failed")
		}
		n, err := node.New(node.Config{
			ID:          id,
			Position:    fleet.Position{X: int16(i) * 10},
			SharedStore: shared,
			Logger:      log.Logger,
		}, clk, port, auth.Noop{})
		if err != nil {
			log.Fatal().Err(err).Int("node", i).Msg("node build failed")
		}
		nodes = append(nodes, n)
	}

	now := clk.NowMicros()
	for _, n := range nodes {
		if err := n.Start(now); err != nil {
			log.Fatal().Err(err).Uint8("node", uint8(n.ID())).Msg("start failed")
		}
	}
	log.Info().Int("nodes", *count).Int("rounds", *rounds).Msg("simulation started")

	var ballot fleet.BallotID
	for tick := 1; tick <= *rounds; tick++ {
		now = clk.NowMicros()

		if *killAfter > 0 && tick == *killAfter {
			victim := nodes[len(nodes)-1]
			victim.Stop()
			log.Info().Uint8("node", uint8(victim.ID())).Int("tick", tick).Msg("killed")
		}
		if *proposeAt > 0 && tick == *proposeAt {
			id, err := nodes[0].ProposeModeChange(2)
			if err != nil {
				log.Error().Err(err).Msg("proposal failed")
			} else {
				ballot = id
				log.Info().Uint16("ballot", uint16(id)).Int("tick", tick).Msg("proposed mode change")
			}
		}

		for _, n := range nodes {
			n.Tick(now)
		}
		// Random-walk each node's load so gradients have something
		// to point at.
		if tick%10 == 0 {
			for _, n := range nodes {
				f := n.OwnField()
				load := jitter(rng, f.Components[field.Load])
				n.UpdateField(load, f.Components[field.Thermal], f.Components[field.Power])
			}
		}
		clk.Advance(*tickMicros)

		if *reportEvery > 0 && tick%*reportEvery == 0 {
			report(nodes, ballot, tick)
		}
	}
	report(nodes, ballot, *rounds)
	log.Info().Msg("simulation finished")
}

func jitter(rng *rand.Rand, load fixed.Fixed) fixed.Fixed {
	step := fixed.FromFloat((rng.Float64() - 0.5) * 0.05)
	out := load + step
	if out < 0 {
		out = 0
	}
	if out > fixed.One {
		out = fixed.One
	}
	return out
}

func report(nodes []*node.Node, ballot fleet.BallotID, tick int) {
	for _, n := range nodes {
		st := n.Status()
		ev := log.Info().
			Int("tick", tick).
			Uint8("node", uint8(n.ID())).
			Str("state", st.State).
			Int("neighbors", st.Neighbors).
			Float64("load_gradient", st.LoadGradient)
		if ballot != fleet.InvalidBallot {
			if r, err := n.BallotResult(ballot); err == nil {
				ev = ev.Str("ballot", r.String())
			}
		}
		ev.Msg("status")
	}
}
