package field

import (
	"errors"
	"testing"

	"github.com/fleetkor/fleetkor/internal/fixed"
	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/testutil/testlog"
)

const t0 = uint64(1_000_000)

func publish(t *testing.T, s *Store, id fleet.NodeID, load, thermal, power float64, now uint64) {
	t.Helper()
	var f Field
	f.Set(fixed.FromFloat(load), fixed.FromFloat(thermal), fixed.FromFloat(power))
	if err := s.Publish(id, f, now); err != nil {
		t.Fatalf("publish %d: %v", id, err)
	}
}

func TestPublishSampleUndecayed(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	publish(t, s, 42, 0.5, 0.3, 0.8, t0)

	f, err := s.Sample(42, t0)
	if err != nil {
		t.Fatal(err)
	}
	if f.Components[Load] != fixed.FromFloat(0.5) ||
		f.Components[Thermal] != fixed.FromFloat(0.3) ||
		f.Components[Power] != fixed.FromFloat(0.8) {
		t.Fatalf("undecayed sample mismatch: %+v", f.Components)
	}
	if f.Source != 42 || f.Timestamp != t0 {
		t.Fatalf("metadata: source=%d ts=%d", f.Source, f.Timestamp)
	}
}

func TestSampleDecaysAtTau(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	publish(t, s, 42, 0.5, 0.3, 0.8, t0)

	f, err := s.Sample(42, t0+DefaultTauMicros)
	if err != nil {
		t.Fatal(err)
	}
	// One time constant later the curve sits at its exp(-1) anchor.
	want := fixed.Mul(fixed.FromFloat(0.5), fixed.ExpDecay(DefaultTauMicros, DefaultTauMicros))
	if f.Components[Load] != want {
		t.Fatalf("load after tau got=%v want=%v",
			f.Components[Load].Float64(), want.Float64())
	}
	if f.Components[Load] >= fixed.FromFloat(0.5) {
		t.Fatal("decay must attenuate")
	}
}

func TestDecayMonotone(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	publish(t, s, 7, 0.9, 0.9, 0.9, t0)

	prev := fixed.MaxFixed
	for _, dt := range []uint64{0, 10_000, 50_000, 100_000, 200_000, 299_000} {
		f, err := s.Sample(7, t0+dt)
		if err != nil {
			t.Fatalf("dt=%d: %v", dt, err)
		}
		v := f.Components[Load]
		if v < 0 || v > prev {
			t.Fatalf("dt=%d: load %v not monotone below %v", dt, v.Float64(), prev.Float64())
		}
		prev = v
	}
}

func TestSampleErrors(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	if _, err := s.Sample(0, t0); !errors.Is(err, ErrInvalidNode) {
		t.Fatalf("id 0: %v", err)
	}
	if _, err := s.Sample(9, t0); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("never published: %v", err)
	}
	publish(t, s, 9, 0.5, 0.5, 0.5, t0)
	if _, err := s.Sample(9, t0+s.MaxAgeMicros()+1); !errors.Is(err, ErrExpired) {
		t.Fatalf("stale field: %v", err)
	}
}

func TestPublishClampsToRange(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	var f Field
	f.Set(fixed.FromInt(5), fixed.FromInt(-5), fixed.Half)
	if err := s.Publish(3, f, t0); err != nil {
		t.Fatal(err)
	}
	got, err := s.Sample(3, t0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Components[Load] != fixed.One {
		t.Fatalf("load must clamp to ceiling, got %v", got.Components[Load].Float64())
	}
	if got.Components[Thermal] != 0 {
		t.Fatalf("thermal must clamp to floor, got %v", got.Components[Thermal].Float64())
	}
}

func TestSequenceAdvancesPerPublish(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	for i := 1; i <= 3; i++ {
		publish(t, s, 5, 0.1, 0.1, 0.1, t0+uint64(i))
		f, err := s.Sample(5, t0+uint64(i))
		if err != nil {
			t.Fatal(err)
		}
		if f.Sequence != uint8(i) {
			t.Fatalf("publish %d: sequence=%d", i, f.Sequence)
		}
	}
}

func TestGradientAntisymmetry(t *testing.T) {
	testlog.Start(t)
	var a, b Field
	a.Set(fixed.FromFloat(0.2), fixed.FromFloat(0.9), fixed.FromFloat(0.4))
	b.Set(fixed.FromFloat(0.7), fixed.FromFloat(0.1), fixed.FromFloat(0.4))
	for c := Component(0); c < ComponentCount; c++ {
		if Gradient(&a, &b, c) != -Gradient(&b, &a, c) {
			t.Fatalf("component %v not antisymmetric", c)
		}
	}
	g := GradientAll(&a, &b)
	if g[Load] != fixed.FromFloat(0.5) {
		t.Fatalf("load gradient got=%v", g[Load].Float64())
	}
	if g[Power] != 0 {
		t.Fatalf("equal components must yield zero gradient, got %v", g[Power].Float64())
	}
}

func TestAggregateUnweightedAverage(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	publish(t, s, 1, 0.2, 0.0, 0.0, t0)
	publish(t, s, 2, 0.4, 0.0, 0.0, t0)
	publish(t, s, 3, 0.6, 0.0, 0.0, t0)

	neighbors := []NeighborRef{
		{ID: 1, Health: fleet.HealthAlive},
		{ID: 2, Health: fleet.HealthAlive},
		{ID: 3, Health: fleet.HealthAlive},
	}
	agg, n := s.AggregateAlive(neighbors, t0)
	if n != 3 {
		t.Fatalf("contributors got=%d", n)
	}
	want := (fixed.FromFloat(0.2) + fixed.FromFloat(0.4) + fixed.FromFloat(0.6)) / 3
	if agg.Components[Load] != want {
		t.Fatalf("average got=%v want=%v",
			agg.Components[Load].Float64(), want.Float64())
	}
}

func TestAggregateSkipsNonAlive(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	publish(t, s, 1, 0.2, 0.0, 0.0, t0)
	publish(t, s, 2, 0.8, 0.0, 0.0, t0)
	publish(t, s, 4, 0.9, 0.0, 0.0, t0)

	neighbors := []NeighborRef{
		{ID: 1, Health: fleet.HealthAlive},
		{ID: 2, Health: fleet.HealthSuspect},
		{ID: 3, Health: fleet.HealthAlive}, // never published
		{ID: 4, Health: fleet.HealthDead},
	}
	agg, n := s.AggregateAlive(neighbors, t0)
	if n != 1 {
		t.Fatalf("contributors got=%d want=1", n)
	}
	if agg.Components[Load] != fixed.FromFloat(0.2) {
		t.Fatalf("only the alive publisher may contribute, got %v",
			agg.Components[Load].Float64())
	}

	if _, n := s.AggregateAlive(nil, t0); n != 0 {
		t.Fatalf("empty neighbor list: contributors=%d", n)
	}
}

func TestInvalidateAndGC(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	publish(t, s, 11, 0.5, 0.5, 0.5, t0)
	s.Invalidate(11)
	if _, err := s.Sample(11, t0); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("invalidated field: %v", err)
	}

	publish(t, s, 12, 0.5, 0.5, 0.5, t0)
	publish(t, s, 13, 0.5, 0.5, 0.5, t0+s.MaxAgeMicros())
	if n := s.GC(t0 + s.MaxAgeMicros() + 1); n != 1 {
		t.Fatalf("gc expired=%d want=1", n)
	}
	if _, err := s.Sample(12, t0+s.MaxAgeMicros()+1); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("gc must invalidate node 12: %v", err)
	}
	if _, err := s.Sample(13, t0+s.MaxAgeMicros()); err != nil {
		t.Fatalf("fresh field must survive gc: %v", err)
	}
}

func TestFieldArithmetic(t *testing.T) {
	testlog.Start(t)
	var a, b Field
	a.Set(fixed.FromFloat(0.25), 0, 0)
	b.Set(fixed.FromFloat(0.25), fixed.Half, 0)
	b.Timestamp = 50

	a.Add(&b)
	if a.Components[Load] != fixed.Half || a.Timestamp != 50 {
		t.Fatalf("add: %+v", a)
	}
	a.Scale(fixed.Half)
	if a.Components[Load] != fixed.FromFloat(0.25) {
		t.Fatalf("scale: %v", a.Components[Load].Float64())
	}

	var lo, hi Field
	hi.Set(fixed.One, fixed.One, fixed.One)
	lo.Lerp(&hi, fixed.Half)
	if lo.Components[Load] != fixed.Half {
		t.Fatalf("lerp midpoint: %v", lo.Components[Load].Float64())
	}
}
