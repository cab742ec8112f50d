package topology

import (
	"errors"
	"testing"

	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/testutil/testlog"
)

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(100, fleet.Position{}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func discover(t *testing.T, m *Manager, ids ...fleet.NodeID) {
	t.Helper()
	for _, id := range ids {
		if err := m.OnDiscovery(id, fleet.Position{}, 0); err != nil {
			t.Fatalf("discover %d: %v", id, err)
		}
	}
}

func TestKInvariant(t *testing.T) {
	testlog.Start(t)
	m := newManager(t, Config{})

	// Fewer known nodes than k: all of them become neighbors.
	discover(t, m, 101, 102, 103)
	m.Reelect(0)
	if got := m.NeighborCount(); got != 3 {
		t.Fatalf("3 known: active=%d", got)
	}

	// More known nodes than k: exactly k, the nearest by id distance.
	discover(t, m, 104, 105, 106, 107, 108, 150, 200)
	m.Reelect(0)
	if got := m.NeighborCount(); got != fleet.KNeighbors {
		t.Fatalf("10 known: active=%d want=%d", got, fleet.KNeighbors)
	}
	for _, n := range m.Neighbors() {
		if n.ID == 150 || n.ID == 200 {
			t.Fatalf("distant node %d elected over nearer candidates", n.ID)
		}
	}
}

func TestDiscoveryTouchesPoolOnly(t *testing.T) {
	testlog.Start(t)
	m := newManager(t, Config{})
	discover(t, m, 101, 102)
	if m.NeighborCount() != 0 {
		t.Fatal("discovery must not mutate the active set")
	}
	if m.KnownCount() != 2 {
		t.Fatalf("pool=%d", m.KnownCount())
	}
	// Re-discovery refreshes in place, no duplicate entry.
	discover(t, m, 101)
	if m.KnownCount() != 2 {
		t.Fatalf("pool after refresh=%d", m.KnownCount())
	}
}

func TestReelectReturnsChangedSlots(t *testing.T) {
	testlog.Start(t)
	m := newManager(t, Config{})
	discover(t, m, 101, 102, 103)
	if changed := m.Reelect(0); changed != 3 {
		t.Fatalf("initial election changed=%d want=3", changed)
	}
	// Nothing moved: zero churn.
	if changed := m.Reelect(0); changed != 0 {
		t.Fatalf("stable fleet changed=%d want=0", changed)
	}
	// A nearer node displaces the farthest slot.
	discover(t, m, 99, 104, 105, 106, 107, 98)
	first := m.Reelect(0)
	if m.NeighborCount() != fleet.KNeighbors {
		t.Fatalf("active=%d", m.NeighborCount())
	}
	if first == 0 {
		t.Fatal("growing fleet must change slots")
	}
	if changed := m.Reelect(0); changed != 0 {
		t.Fatalf("repeat election changed=%d want=0", changed)
	}
}

func TestReelectKeepsNeighborState(t *testing.T) {
	testlog.Start(t)
	m := newManager(t, Config{})
	discover(t, m, 101, 102)
	m.Reelect(0)
	if err := m.SetHealth(101, fleet.HealthAlive, 500); err != nil {
		t.Fatal(err)
	}
	discover(t, m, 103)
	m.Reelect(1000)
	n, ok := m.Neighbor(101)
	if !ok {
		t.Fatal("101 must stay elected")
	}
	if n.Health != fleet.HealthAlive || n.LastSeen != 500 {
		t.Fatalf("state lost across reelection: %+v", n)
	}
}

func TestNeighborLostTriggersReplacement(t *testing.T) {
	testlog.Start(t)
	m := newManager(t, Config{})
	discover(t, m, 101, 102, 103, 104, 105, 106, 107, 108)
	m.Reelect(0)
	if m.IsNeighbor(108) {
		t.Fatal("108 is the farthest and should start outside the set")
	}

	if err := m.OnNeighborLost(101, 10); err != nil {
		t.Fatal(err)
	}
	if m.IsNeighbor(101) {
		t.Fatal("lost neighbor still active")
	}
	if m.KnownCount() != 7 {
		t.Fatalf("pool after loss=%d", m.KnownCount())
	}
	// Replacement was drawn immediately from the pool.
	if m.NeighborCount() != fleet.KNeighbors {
		t.Fatalf("active after loss=%d", m.NeighborCount())
	}
	if !m.IsNeighbor(108) {
		t.Fatal("108 must back-fill the freed slot")
	}

	if err := m.OnNeighborLost(99, 10); !errors.Is(err, ErrNotNeighbor) {
		t.Fatalf("unknown node: %v", err)
	}
}

func TestPhysicalMetric(t *testing.T) {
	testlog.Start(t)
	m, err := New(1, fleet.Position{X: 0, Y: 0}, Config{Metric: MetricPhysical, K: 2})
	if err != nil {
		t.Fatal(err)
	}
	// Id-distant but physically adjacent nodes win under the physical
	// metric.
	if err := m.OnDiscovery(200, fleet.Position{X: 3, Y: 4}, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.OnDiscovery(2, fleet.Position{X: 300, Y: 400}, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.OnDiscovery(201, fleet.Position{X: 6, Y: 8}, 0); err != nil {
		t.Fatal(err)
	}
	m.Reelect(0)
	if !m.IsNeighbor(200) || !m.IsNeighbor(201) {
		t.Fatalf("physical metric must elect adjacent nodes, got %+v", m.Neighbors())
	}
	n, _ := m.Neighbor(200)
	if n.Distance != 5 {
		t.Fatalf("euclidean distance got=%d want=5", n.Distance)
	}
}

func TestCustomMetric(t *testing.T) {
	testlog.Start(t)
	inverted := func(a, b fleet.NodeID) int32 {
		return 255 - logical(a, b)
	}
	m, err := New(1, fleet.Position{}, Config{Metric: MetricCustom, Distance: inverted, K: 1})
	if err != nil {
		t.Fatal(err)
	}
	discover(t, m, 2, 250)
	m.Reelect(0)
	if !m.IsNeighbor(250) {
		t.Fatal("custom metric ignored")
	}

	if _, err := New(1, fleet.Position{}, Config{Metric: MetricCustom}); err == nil {
		t.Fatal("custom metric without func must fail")
	}
}

func TestDiscoveryCadence(t *testing.T) {
	testlog.Start(t)
	m := newManager(t, Config{DiscoveryPeriodMicros: 1_000_000})
	if m.DiscoveryDue(100_000) {
		t.Fatal("below a quarter period nothing is due")
	}
	// Degraded (zero neighbors): quarter-period cadence.
	if !m.DiscoveryDue(250_000) {
		t.Fatal("degraded node must advertise at quarter period")
	}
	m.MarkDiscoverySent(250_000)

	// Healthy set: full period.
	discover(t, m, 101, 102, 103)
	m.Reelect(250_000)
	if m.Degraded() {
		t.Fatal("3 neighbors meets the default minimum")
	}
	if m.DiscoveryDue(1_000_000) {
		t.Fatal("healthy node keeps the full period")
	}
	if !m.DiscoveryDue(1_250_000) {
		t.Fatal("full period elapsed")
	}
}

func TestChangeHook(t *testing.T) {
	testlog.Start(t)
	m := newManager(t, Config{})
	var calls int
	m.OnChange(func(previous, current []Neighbor) {
		calls++
		if len(current) < len(previous) {
			t.Fatalf("shrinking set in growing test: %d -> %d", len(previous), len(current))
		}
	})
	discover(t, m, 101, 102)
	m.Reelect(0)
	m.Reelect(0) // no movement, no call
	discover(t, m, 103)
	m.Reelect(0)
	if calls != 2 {
		t.Fatalf("hook calls=%d want=2", calls)
	}
}
