package core

import (
	"errors"
	"math"
	"testing"
)

// splitTopology feeds a split that divides between two products with
// authored weights 0.2 and 0.6.
func splitTopology(t *testing.T) *Topology {
	t.Helper()
	return buildTopology(t, func(topo *Topology) error {
		if err := topo.AddSource("sun", 1); err != nil {
			return err
		}
		if err := topo.AddSplit("estuary"); err != nil {
			return err
		}
		if err := topo.AddProduct("fish"); err != nil {
			return err
		}
		if err := topo.AddProduct("timber"); err != nil {
			return err
		}
		if err := topo.AddArc("sun", "estuary", DefaultArcParams()); err != nil {
			return err
		}
		light := DefaultArcParams()
		light.Weight = 0.2
		if err := topo.AddArc("estuary", "fish", light); err != nil {
			return err
		}
		heavy := DefaultArcParams()
		heavy.Weight = 0.6
		return topo.AddArc("estuary", "timber", heavy)
	})
}

func newState(t *testing.T, topo *Topology, dt float64) *DynamicState {
	t.Helper()
	state, err := NewDynamicState(topo, dt)
	if err != nil {
		t.Fatalf("NewDynamicState: %v", err)
	}
	return state
}

// TestTankWeights covers the reference case: load 10, flow 5, dt 1
// gives an outgoing weight of 5/15 and a loop weight of 2/3, and the
// two always sum to exactly 1.
func TestTankWeights(t *testing.T) {
	topo := tankTopology(t, 1)
	pond := mustID(t, topo, "pond")
	fish := mustID(t, topo, "fish")
	state := newState(t, topo, 1)

	err := state.Update(StepInputs{
		TankFlow: map[int]float64{pond: 5},
		TankLoad: map[int]float64{pond: 10},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	out := state.Weight(pond, fish)
	loop := state.Weight(pond, pond)
	if math.Abs(out-1.0/3.0) > 1e-12 {
		t.Errorf("outgoing weight = %g, want 1/3", out)
	}
	if math.Abs(loop-2.0/3.0) > 1e-12 {
		t.Errorf("loop weight = %g, want 2/3", loop)
	}
	if out+loop != 1 {
		t.Errorf("out + loop = %g, want exactly 1", out+loop)
	}
}

// TestTankLoopWeightGrowsWithoutThroughput verifies that with the
// throughput gone the loop weight rises monotonically to 1: the tank
// retains everything.
func TestTankLoopWeightGrowsWithoutThroughput(t *testing.T) {
	topo := tankTopology(t, 1)
	pond := mustID(t, topo, "pond")
	state := newState(t, topo, 1)

	flows := []float64{5, 2, 0.5, 0}
	prev := -1.0
	for _, flow := range flows {
		err := state.Update(StepInputs{
			TankFlow: map[int]float64{pond: flow},
			TankLoad: map[int]float64{pond: 10},
		})
		if err != nil {
			t.Fatalf("Update(flow=%g): %v", flow, err)
		}
		loop := state.Weight(pond, pond)
		if loop < prev {
			t.Errorf("loop weight fell from %g to %g at flow %g", prev, loop, flow)
		}
		prev = loop
	}
	if prev != 1 {
		t.Errorf("final loop weight = %g, want 1 with zero throughput", prev)
	}
}

// TestTankZeroDenominator checks the division guard: no flow and no
// load gives outgoing 0, loop 1.
func TestTankZeroDenominator(t *testing.T) {
	topo := tankTopology(t, 1)
	pond := mustID(t, topo, "pond")
	fish := mustID(t, topo, "fish")
	state := newState(t, topo, 1)

	if err := state.Update(StepInputs{}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if out := state.Weight(pond, fish); out != 0 {
		t.Errorf("outgoing weight = %g, want 0", out)
	}
	if loop := state.Weight(pond, pond); loop != 1 {
		t.Errorf("loop weight = %g, want 1", loop)
	}
}

// TestSplitRenormalization checks that authored weights 0.2/0.6 scale
// to 0.25/0.75 and that knocking an arc out shifts all weight to the
// survivors.
func TestSplitRenormalization(t *testing.T) {
	topo := splitTopology(t)
	estuary := mustID(t, topo, "estuary")
	fish := mustID(t, topo, "fish")
	timber := mustID(t, topo, "timber")
	state := newState(t, topo, 1)

	if err := state.Update(StepInputs{}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if w := state.Weight(estuary, fish); math.Abs(w-0.25) > 1e-12 {
		t.Errorf("fish weight = %g, want 0.25", w)
	}
	if w := state.Weight(estuary, timber); math.Abs(w-0.75) > 1e-12 {
		t.Errorf("timber weight = %g, want 0.75", w)
	}
	sum := state.Weight(estuary, fish) + state.Weight(estuary, timber)
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("effective weights sum to %g, want 1", sum)
	}

	// Take the heavy arc down: the light one carries everything.
	err := state.Update(StepInputs{
		Operational: map[ArcKey]bool{{estuary, timber}: false},
	})
	if err != nil {
		t.Fatalf("Update(outage): %v", err)
	}
	if w := state.Weight(estuary, fish); w != 1 {
		t.Errorf("fish weight with timber down = %g, want 1", w)
	}
	if w := state.Weight(estuary, timber); w != 0 {
		t.Errorf("timber weight while down = %g, want 0", w)
	}

	// All arcs down: the split blocks, every weight zero.
	err = state.Update(StepInputs{
		Operational: map[ArcKey]bool{
			{estuary, fish}:   false,
			{estuary, timber}: false,
		},
	})
	if err != nil {
		t.Fatalf("Update(blackout): %v", err)
	}
	if w := state.Weight(estuary, fish); w != 0 {
		t.Errorf("fish weight in blackout = %g, want 0", w)
	}
	if w := state.Weight(estuary, timber); w != 0 {
		t.Errorf("timber weight in blackout = %g, want 0", w)
	}

	// Recovery: the next step restores both.
	if err := state.Update(StepInputs{}); err != nil {
		t.Fatalf("Update(recovery): %v", err)
	}
	if w := state.Weight(estuary, timber); math.Abs(w-0.75) > 1e-12 {
		t.Errorf("timber weight after recovery = %g, want 0.75", w)
	}
}

// TestTankOutputOutageRetainsEverything verifies a tank whose output
// arc is down keeps its full load in the loop.
func TestTankOutputOutageRetainsEverything(t *testing.T) {
	topo := tankTopology(t, 1)
	pond := mustID(t, topo, "pond")
	fish := mustID(t, topo, "fish")
	state := newState(t, topo, 1)

	err := state.Update(StepInputs{
		TankFlow:    map[int]float64{pond: 5},
		TankLoad:    map[int]float64{pond: 10},
		Operational: map[ArcKey]bool{{pond, fish}: false},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if out := state.Weight(pond, fish); out != 0 {
		t.Errorf("outgoing weight with output down = %g, want 0", out)
	}
	if loop := state.Weight(pond, pond); loop != 1 {
		t.Errorf("loop weight with output down = %g, want 1", loop)
	}
}

// TestSelfLoopAlwaysOperational: scenario columns never carry loops,
// and a stray attempt to disable one is ignored.
func TestSelfLoopAlwaysOperational(t *testing.T) {
	topo := tankTopology(t, 1)
	pond := mustID(t, topo, "pond")
	state := newState(t, topo, 1)

	err := state.Update(StepInputs{
		TankFlow:    map[int]float64{pond: 5},
		TankLoad:    map[int]float64{pond: 10},
		Operational: map[ArcKey]bool{{pond, pond}: false},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !state.IsOperational(pond, pond) {
		t.Error("self-loop reported non-operational")
	}
	if loop := state.Weight(pond, pond); math.Abs(loop-2.0/3.0) > 1e-12 {
		t.Errorf("loop weight = %g, want 2/3", loop)
	}
}

func TestTankNewLoadDelta(t *testing.T) {
	topo := tankTopology(t, 1)
	pond := mustID(t, topo, "pond")
	state := newState(t, topo, 1)

	steps := []struct {
		load float64
		want float64
	}{
		{load: 10, want: 10}, // first declaration is all new
		{load: 10, want: 0},  // unchanged
		{load: 14, want: 4},  // growth counts
		{load: 9, want: 0},   // shrinkage never injects
	}
	for i, step := range steps {
		err := state.Update(StepInputs{TankLoad: map[int]float64{pond: step.load}})
		if err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
		if got := state.TankNewLoad(pond); got != step.want {
			t.Errorf("step %d: TankNewLoad = %g, want %g", i, got, step.want)
		}
	}
}

func TestUpdateRejectsWrongKinds(t *testing.T) {
	topo := tankTopology(t, 1)
	sun := mustID(t, topo, "sun")
	pond := mustID(t, topo, "pond")
	state := newState(t, topo, 1)

	err := state.Update(StepInputs{SourceFlow: map[int]float64{pond: 1}})
	if !errors.Is(err, ErrKindMismatch) {
		t.Errorf("tank as source = %v, want ErrKindMismatch", err)
	}
	err = state.Update(StepInputs{TankFlow: map[int]float64{sun: 1}})
	if !errors.Is(err, ErrKindMismatch) {
		t.Errorf("source as tank = %v, want ErrKindMismatch", err)
	}
	err = state.Update(StepInputs{Operational: map[ArcKey]bool{{sun, sun}: false}})
	if err == nil {
		t.Error("unknown arc accepted")
	}
}
