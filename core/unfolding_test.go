package core

import (
	"math"
	"testing"
)

func newEngine(t *testing.T, topo *Topology, state *DynamicState, cfg UnfoldingConfig) *Unfolding {
	t.Helper()
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-9
	}
	if cfg.NumCesaro == 0 {
		cfg.NumCesaro = 5
	}
	u, err := NewUnfolding(topo, state, cfg)
	if err != nil {
		t.Fatalf("NewUnfolding: %v", err)
	}
	return u
}

// stepEngine runs one external step in the canonical order: seed
// inputs, one unfold generation, harvest, then converge and prune.
func stepEngine(u *Unfolding, maxAccuracy bool) StepResult {
	u.AddInputs()
	u.Unfold()
	u.ComputeEmergy()
	res := u.Converge(maxAccuracy)
	u.Clean()
	return res
}

// TestPulseThroughFastArc is the canonical single-step scenario: a
// source with uev 2 flowing 3 for one step delivers 6 to the product
// and leaves the structure empty.
func TestPulseThroughFastArc(t *testing.T) {
	topo := chainTopology(t, 2)
	sun := mustID(t, topo, "sun")
	fish := mustID(t, topo, "fish")
	state := newState(t, topo, 1)

	if err := state.Update(StepInputs{SourceFlow: map[int]float64{sun: 3}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	u := newEngine(t, topo, state, UnfoldingConfig{})
	res := stepEngine(u, true)

	if got := res.Arrived[fish]; got != 6 {
		t.Errorf("arrived = %g, want 6", got)
	}
	if got := res.Empower[fish]; got != 6 {
		t.Errorf("empower = %g, want 6", got)
	}
	if got := res.Flowing[fish]; got != 0 {
		t.Errorf("flowing = %g, want 0", got)
	}
	if res.Stop != StopStructural {
		t.Errorf("stop = %v, want structural", res.Stop)
	}
	if n := u.InstanceCount(); n != 0 {
		t.Errorf("InstanceCount after clean = %d, want 0", n)
	}
}

// TestCoproductDuplicates: a coproduct hands the full quantity to
// every successor, it does not divide.
func TestCoproductDuplicates(t *testing.T) {
	topo := buildTopology(t, func(topo *Topology) error {
		if err := topo.AddSource("sun", 1); err != nil {
			return err
		}
		if err := topo.AddCoproduct("mill"); err != nil {
			return err
		}
		if err := topo.AddProduct("fish"); err != nil {
			return err
		}
		if err := topo.AddProduct("timber"); err != nil {
			return err
		}
		if err := topo.AddArc("sun", "mill", DefaultArcParams()); err != nil {
			return err
		}
		if err := topo.AddArc("mill", "fish", DefaultArcParams()); err != nil {
			return err
		}
		return topo.AddArc("mill", "timber", DefaultArcParams())
	})
	sun := mustID(t, topo, "sun")
	fish := mustID(t, topo, "fish")
	timber := mustID(t, topo, "timber")
	state := newState(t, topo, 1)

	if err := state.Update(StepInputs{SourceFlow: map[int]float64{sun: 2}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	u := newEngine(t, topo, state, UnfoldingConfig{})
	res := stepEngine(u, true)

	if got := res.Arrived[fish]; got != 2 {
		t.Errorf("fish arrived = %g, want 2", got)
	}
	if got := res.Arrived[timber]; got != 2 {
		t.Errorf("timber arrived = %g, want 2", got)
	}
}

// TestSplitDivides: a split divides by effective weight, conserving
// the total.
func TestSplitDivides(t *testing.T) {
	topo := splitTopology(t)
	sun := mustID(t, topo, "sun")
	fish := mustID(t, topo, "fish")
	timber := mustID(t, topo, "timber")
	state := newState(t, topo, 1)

	if err := state.Update(StepInputs{SourceFlow: map[int]float64{sun: 4}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	u := newEngine(t, topo, state, UnfoldingConfig{})
	res := stepEngine(u, true)

	if got := res.Arrived[fish]; math.Abs(got-1) > 1e-12 {
		t.Errorf("fish arrived = %g, want 1 (0.25 of 4)", got)
	}
	if got := res.Arrived[timber]; math.Abs(got-3) > 1e-12 {
		t.Errorf("timber arrived = %g, want 3 (0.75 of 4)", got)
	}
}

// TestTankRetainsAndDrains follows a declared load through the tank's
// self-loop: each step a third leaves, two thirds are re-injected one
// step later, and the total is conserved throughout.
func TestTankRetainsAndDrains(t *testing.T) {
	topo := tankTopology(t, 1)
	pond := mustID(t, topo, "pond")
	fish := mustID(t, topo, "fish")
	state := newState(t, topo, 1)

	inputs := StepInputs{
		TankFlow: map[int]float64{pond: 5},
		TankLoad: map[int]float64{pond: 10},
	}
	if err := state.Update(inputs); err != nil {
		t.Fatalf("Update: %v", err)
	}
	u := newEngine(t, topo, state, UnfoldingConfig{})

	res := stepEngine(u, true)
	if got := res.Arrived[fish]; math.Abs(got-10.0/3.0) > 1e-9 {
		t.Errorf("first step arrived = %g, want 10/3", got)
	}
	if got := res.Flowing[fish]; math.Abs(got-20.0/3.0) > 1e-9 {
		t.Errorf("first step flowing = %g, want 20/3", got)
	}
	if n := u.InstanceCount(); n != 1 {
		t.Errorf("InstanceCount = %d, want 1 dormant carry-over", n)
	}

	// Drain: same declared state, no new load, so each step releases a
	// third of the remainder. Total must stay 10.
	total := res.Arrived[fish]
	prevArrived := res.Arrived[fish]
	for step := 1; step <= 5; step++ {
		u.SetStep(step)
		if err := state.Update(inputs); err != nil {
			t.Fatalf("Update step %d: %v", step, err)
		}
		res = stepEngine(u, true)
		if res.Arrived[fish] >= prevArrived {
			t.Errorf("step %d: arrived delta %g did not shrink from %g",
				step, res.Arrived[fish], prevArrived)
		}
		prevArrived = res.Arrived[fish]
		total += res.Arrived[fish]
		if sum := total + res.Flowing[fish]; math.Abs(sum-10) > 1e-9 {
			t.Errorf("step %d: arrived + flowing = %g, want 10", step, sum)
		}
	}
}

// TestSlowArcDelaysArrival schedules quantity two steps out and
// keeps it flowing until then.
func TestSlowArcDelaysArrival(t *testing.T) {
	topo := buildTopology(t, func(topo *Topology) error {
		if err := topo.AddSource("sun", 2); err != nil {
			return err
		}
		if err := topo.AddProduct("fish"); err != nil {
			return err
		}
		params := DefaultArcParams()
		params.IsFast = false
		return topo.AddArc("sun", "fish", params)
	})
	sun := mustID(t, topo, "sun")
	fish := mustID(t, topo, "fish")
	state := newState(t, topo, 1)

	if err := state.Update(StepInputs{SourceFlow: map[int]float64{sun: 3}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	u := newEngine(t, topo, state, UnfoldingConfig{Delay: FixedDelay{Steps: 2}})

	res := stepEngine(u, true)
	if got := res.Arrived[fish]; got != 0 {
		t.Errorf("step 0 arrived = %g, want 0", got)
	}
	if got := res.Flowing[fish]; got != 6 {
		t.Errorf("step 0 flowing = %g, want 6", got)
	}

	empty := StepInputs{}
	u.SetStep(1)
	if err := state.Update(empty); err != nil {
		t.Fatalf("Update: %v", err)
	}
	res = stepEngine(u, true)
	if got := res.Arrived[fish]; got != 0 {
		t.Errorf("step 1 arrived = %g, want 0", got)
	}
	if got := res.Flowing[fish]; got != 6 {
		t.Errorf("step 1 flowing = %g, want 6", got)
	}

	u.SetStep(2)
	if err := state.Update(empty); err != nil {
		t.Fatalf("Update: %v", err)
	}
	res = stepEngine(u, true)
	if got := res.Arrived[fish]; got != 6 {
		t.Errorf("step 2 arrived = %g, want 6", got)
	}
	if n := u.InstanceCount(); n != 0 {
		t.Errorf("InstanceCount after arrival = %d, want 0", n)
	}
}

// TestBlockedSplitHoldsQuantity: with every outgoing arc down the
// split keeps its quantity as flowing emergy instead of losing it.
func TestBlockedSplitHoldsQuantity(t *testing.T) {
	topo := splitTopology(t)
	sun := mustID(t, topo, "sun")
	estuary := mustID(t, topo, "estuary")
	fish := mustID(t, topo, "fish")
	timber := mustID(t, topo, "timber")
	state := newState(t, topo, 1)

	err := state.Update(StepInputs{
		SourceFlow: map[int]float64{sun: 4},
		Operational: map[ArcKey]bool{
			{estuary, fish}:   false,
			{estuary, timber}: false,
		},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	u := newEngine(t, topo, state, UnfoldingConfig{})
	res := stepEngine(u, true)

	if res.Stop != StopStructural {
		t.Errorf("stop = %v, want structural (nothing can move)", res.Stop)
	}
	if got := res.Arrived[fish]; got != 0 {
		t.Errorf("arrived = %g, want 0", got)
	}
	if got := res.Flowing[fish]; got != 4 {
		t.Errorf("flowing = %g, want the blocked 4", got)
	}
	if n := u.InstanceCount(); n != 1 {
		t.Errorf("InstanceCount = %d, want the blocked instance kept", n)
	}
}

// TestMagnitudeStop: a blocked sub-epsilon residue converges by the
// magnitude criterion.
func TestMagnitudeStop(t *testing.T) {
	topo := splitTopology(t)
	sun := mustID(t, topo, "sun")
	estuary := mustID(t, topo, "estuary")
	fish := mustID(t, topo, "fish")
	timber := mustID(t, topo, "timber")
	state := newState(t, topo, 1)

	err := state.Update(StepInputs{
		SourceFlow: map[int]float64{sun: 0.05},
		Operational: map[ArcKey]bool{
			{estuary, fish}:   false,
			{estuary, timber}: false,
		},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	u := newEngine(t, topo, state, UnfoldingConfig{Epsilon: 0.1})
	res := stepEngine(u, true)

	if res.Stop != StopMagnitude {
		t.Errorf("stop = %v, want magnitude", res.Stop)
	}
	if n := u.InstanceCount(); n != 0 {
		t.Errorf("InstanceCount = %d, want residue pruned", n)
	}
}

// TestBudgetStop cuts a long fast chain off after the configured
// number of generations on the fast path.
func TestBudgetStop(t *testing.T) {
	topo := buildTopology(t, func(topo *Topology) error {
		if err := topo.AddSource("sun", 1); err != nil {
			return err
		}
		for _, label := range []string{"a", "b", "c"} {
			if err := topo.AddSplit(label); err != nil {
				return err
			}
		}
		if err := topo.AddProduct("fish"); err != nil {
			return err
		}
		chain := []string{"sun", "a", "b", "c", "fish"}
		for i := 0; i < len(chain)-1; i++ {
			if err := topo.AddArc(chain[i], chain[i+1], DefaultArcParams()); err != nil {
				return err
			}
		}
		return nil
	})
	sun := mustID(t, topo, "sun")
	state := newState(t, topo, 1)

	if err := state.Update(StepInputs{SourceFlow: map[int]float64{sun: 1}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	u := newEngine(t, topo, state, UnfoldingConfig{MaxSteps: 2})
	res := stepEngine(u, false)

	if res.Stop != StopBudget {
		t.Errorf("stop = %v, want budget", res.Stop)
	}
	if got := res.Arrived[mustID(t, topo, "fish")]; got != 0 {
		t.Errorf("arrived = %g, want 0 after a truncated step", got)
	}
}

// TestStabilityStop: a conservative fast cycle never delivers
// anything, so the running average of arrivals settles at zero and
// the stability criterion ends the loop.
func TestStabilityStop(t *testing.T) {
	topo := buildTopology(t, func(topo *Topology) error {
		if err := topo.AddSource("sun", 1); err != nil {
			return err
		}
		if err := topo.AddSplit("s1"); err != nil {
			return err
		}
		if err := topo.AddSplit("s2"); err != nil {
			return err
		}
		if err := topo.AddArc("sun", "s1", DefaultArcParams()); err != nil {
			return err
		}
		if err := topo.AddArc("s1", "s2", DefaultArcParams()); err != nil {
			return err
		}
		return topo.AddArc("s2", "s1", DefaultArcParams())
	})
	sun := mustID(t, topo, "sun")
	state := newState(t, topo, 1)

	if err := state.Update(StepInputs{SourceFlow: map[int]float64{sun: 1}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	u := newEngine(t, topo, state, UnfoldingConfig{NumCesaro: 3})
	res := stepEngine(u, true)

	if res.Stop != StopStable {
		t.Errorf("stop = %v, want stable", res.Stop)
	}
	if u.Outstanding() < 1 {
		t.Errorf("Outstanding = %g, want the circulating unit conserved", u.Outstanding())
	}
}

// TestAddInputsMergesTankLoadWithArrivals: quantity arriving over an
// arc and a freshly declared load merge into one instance.
func TestAddInputsMergesTankLoadWithArrivals(t *testing.T) {
	topo := tankTopology(t, 1)
	sun := mustID(t, topo, "sun")
	pond := mustID(t, topo, "pond")
	fish := mustID(t, topo, "fish")
	state := newState(t, topo, 1)

	err := state.Update(StepInputs{
		SourceFlow: map[int]float64{sun: 1},
		TankFlow:   map[int]float64{pond: 5},
		TankLoad:   map[int]float64{pond: 10},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	u := newEngine(t, topo, state, UnfoldingConfig{})
	res := stepEngine(u, true)

	// 10 declared + 1 arriving from the source, a third of which
	// leaves this step.
	if got := res.Arrived[fish]; math.Abs(got-11.0/3.0) > 1e-9 {
		t.Errorf("arrived = %g, want 11/3", got)
	}
	if got := res.Flowing[fish]; math.Abs(got-22.0/3.0) > 1e-9 {
		t.Errorf("flowing = %g, want 22/3", got)
	}
}
