package core

import (
	"errors"
	"fmt"
)

var ErrNotCalibrated = errors.New("system not calibrated")

// maxDrainSteps caps an impulse drain. A well-formed network drains
// structurally long before this; hitting the cap means a cycle that
// never decays (e.g. coproducts feeding each other), and failing
// beats looping forever.
const maxDrainSteps = 1 << 20

// Config carries the orchestration parameters.
type Config struct {
	// TimeStep is the duration of one external step.
	TimeStep float64
	// Epsilon is the convergence accuracy; see UnfoldingConfig.
	Epsilon float64
	// NumCesaro is the stability window; see UnfoldingConfig.
	NumCesaro int
	// MaxSteps is the per-step generation budget. Calibrate sets it
	// from an observed drain; zero disables it.
	MaxSteps int
	// Delay converts slow-arc physics into step offsets; nil selects
	// MassTransitDelay.
	Delay DelayModel
}

// DefaultConfig returns the historical defaults: unit time step, one
// percent epsilon, a five-generation stability window, and no
// budget until Calibrate sets one.
func DefaultConfig() Config {
	return Config{TimeStep: 1, Epsilon: 0.01, NumCesaro: 5}
}

// System drives a normalized topology through external steps and
// accumulates per-product results. Lifecycle: created, then one
// Update per step; Reset drops all accumulation and the unfolded
// structure but keeps topology and configuration, after which
// stepping starts over.
type System struct {
	cfg   Config
	topo  *Topology
	state *DynamicState
	eng   *Unfolding

	step       int
	calibrated bool
	lastGen    int

	arrived map[int]float64
	emergy  map[string]float64
	empower map[string]float64
}

// NewSystem creates a system for a normalized topology.
func NewSystem(topo *Topology, cfg Config) (*System, error) {
	if topo == nil || !topo.Normalized() {
		return nil, ErrNotNormalized
	}
	if cfg.TimeStep <= 0 {
		return nil, fmt.Errorf("time step must be positive, got %g", cfg.TimeStep)
	}
	if cfg.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", cfg.Epsilon)
	}
	if cfg.NumCesaro < 1 {
		return nil, fmt.Errorf("cesaro window must be at least 1, got %d", cfg.NumCesaro)
	}
	if cfg.Delay == nil {
		cfg.Delay = MassTransitDelay{}
	}
	s := &System{cfg: cfg, topo: topo}
	s.resetState()
	return s, nil
}

func (s *System) resetState() {
	// Preconditions were validated in NewSystem; the state rebuild
	// cannot fail after that.
	state, err := NewDynamicState(s.topo, s.cfg.TimeStep)
	if err != nil {
		panic(fmt.Sprintf("rebuild dynamic state: %v", err))
	}
	s.state = state
	s.eng = nil
	s.step = 0
	s.lastGen = 0
	s.arrived = make(map[int]float64)
	s.emergy = make(map[string]float64)
	s.empower = make(map[string]float64)
	for _, p := range s.topo.ProductIDs() {
		s.arrived[p] = 0
		label := s.topo.Node(p).Label
		s.emergy[label] = 0
		s.empower[label] = 0
	}
}

// Reset clears accumulation, the dynamic state and the unfolded
// structure. Topology and configuration, including a calibrated
// budget, survive.
func (s *System) Reset() { s.resetState() }

// Topology returns the system's normalized topology.
func (s *System) Topology() *Topology { return s.topo }

// State returns the dynamic state of the current run.
func (s *System) State() *DynamicState { return s.state }

// Config returns the current configuration; MaxSteps reflects a
// completed Calibrate.
func (s *System) Config() Config { return s.cfg }

// CurrentStep returns the number of completed external steps.
func (s *System) CurrentStep() int { return s.step }

// Calibrated reports whether Calibrate has run.
func (s *System) Calibrated() bool { return s.calibrated }

// InstanceCount returns the live instances of the unfolded
// structure, zero before the first Update or after a full drain.
func (s *System) InstanceCount() int {
	if s.eng == nil {
		return 0
	}
	return s.eng.InstanceCount()
}

// LastStop reports the criterion that ended the last Update's
// convergence loop.
func (s *System) LastStop() StopReason {
	if s.eng == nil {
		return StopNone
	}
	return s.eng.LastStop()
}

// LastGenerations reports how many spreading generations the last
// Update ran.
func (s *System) LastGenerations() int { return s.lastGen }

// Update advances the system one external step: applies the inputs
// to the dynamic state, runs the unfolding to convergence, and
// refreshes the per-product results. Full accuracy applies all four
// stop criteria, the fast path two.
func (s *System) Update(in StepInputs, maxAccuracy bool) error {
	if err := s.state.Update(in); err != nil {
		return fmt.Errorf("step %d: %w", s.step, err)
	}

	if s.eng == nil {
		eng, err := NewUnfolding(s.topo, s.state, UnfoldingConfig{
			Epsilon:   s.cfg.Epsilon,
			NumCesaro: s.cfg.NumCesaro,
			MaxSteps:  s.cfg.MaxSteps,
			Delay:     s.cfg.Delay,
		})
		if err != nil {
			return err
		}
		eng.SetStep(s.step)
		s.eng = eng
	}

	s.eng.AddInputs()
	s.eng.Unfold()
	s.eng.ComputeEmergy()
	res := s.eng.Converge(maxAccuracy)
	s.lastGen = res.Generations

	for _, p := range s.topo.ProductIDs() {
		s.arrived[p] += res.Arrived[p]
		label := s.topo.Node(p).Label
		s.emergy[label] = s.arrived[p] + res.Flowing[p]
		s.empower[label] = res.Empower[p]
	}

	s.eng.Clean()
	s.step++
	s.eng.SetStep(s.step)
	return nil
}

// ProductEmergy returns the label-keyed total emergy of every
// product: quantity arrived so far plus quantity still flowing.
func (s *System) ProductEmergy() map[string]float64 {
	return copyLabelMap(s.emergy)
}

// ProductEmpower returns the label-keyed empower of the last step:
// the arrived delta of that step alone, a rate, not a cumulative.
func (s *System) ProductEmpower() map[string]float64 {
	return copyLabelMap(s.empower)
}

func copyLabelMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// impulseInputs is the unit excitation used by Calibrate and
// AnnualEmergy: every source flows 1, every tank passes through
// (flow 1, load 0), every arc operational.
func (s *System) impulseInputs() StepInputs {
	in := StepInputs{
		SourceFlow: make(map[int]float64),
		TankFlow:   make(map[int]float64),
		TankLoad:   make(map[int]float64),
	}
	for _, id := range s.topo.SourceIDs() {
		in.SourceFlow[id] = 1.0
	}
	for _, id := range s.topo.TankIDs() {
		in.TankFlow[id] = 1.0
		in.TankLoad[id] = 0.0
	}
	return in
}

// drainImpulse injects the unit impulse once, then steps with zero
// source input at full accuracy until the unfolded structure is
// empty. Returns the number of external steps taken.
func (s *System) drainImpulse() (int, error) {
	in := s.impulseInputs()
	if err := s.Update(in, false); err != nil {
		return s.step, err
	}
	in.SourceFlow = nil // nothing after the impulse
	for s.eng.InstanceCount() > 0 {
		if s.step >= maxDrainSteps {
			return s.step, fmt.Errorf("unit impulse did not drain after %d steps", s.step)
		}
		if err := s.Update(in, true); err != nil {
			return s.step, err
		}
	}
	return s.step, nil
}

// Calibrate measures how long a unit impulse takes to drain through
// the network and fixes the per-step generation budget at five times
// that, so regular stepping is bounded without truncating real
// propagation. The system is reset afterwards.
func (s *System) Calibrate() error {
	prev := s.cfg.MaxSteps
	s.Reset()
	s.cfg.MaxSteps = s.topo.NumNodes()

	steps, err := s.drainImpulse()
	if err != nil {
		s.cfg.MaxSteps = prev
		s.Reset()
		return fmt.Errorf("calibrate: %w", err)
	}

	s.cfg.MaxSteps = steps * 5
	s.calibrated = true
	s.Reset()
	return nil
}

// AnnualEmergy runs the unit-impulse drain to steady state and
// returns the label-keyed emergy and empower of every product. It
// requires a prior Calibrate; the system is reset afterwards.
func (s *System) AnnualEmergy() (map[string]float64, map[string]float64, error) {
	if !s.calibrated {
		return nil, nil, ErrNotCalibrated
	}
	s.Reset()
	if _, err := s.drainImpulse(); err != nil {
		s.Reset()
		return nil, nil, fmt.Errorf("annual emergy: %w", err)
	}
	emergy := copyLabelMap(s.emergy)
	empower := copyLabelMap(s.empower)
	s.Reset()
	return emergy, empower, nil
}

// Empower computes the steady-state empower of every product in
// closed form, without unfolding: a depth-first walk from each
// source using the effective weights of the current dynamic state.
// Splits contribute the weighted sum of their unvisited successors,
// coproducts the maximum, tanks their output share; each source
// multiplies its UEV in.
func (s *System) Empower() map[string]float64 {
	out := make(map[string]float64)
	for _, p := range s.topo.ProductIDs() {
		label := s.topo.Node(p).Label
		out[label] = 0
		for _, src := range s.topo.SourceIDs() {
			visited := map[int]bool{src: true}
			out[label] += s.empowerCoeff(src, p, visited)
		}
	}
	return out
}

func (s *System) empowerCoeff(node, product int, visited map[int]bool) float64 {
	if node == product {
		return 1
	}
	n := s.topo.Node(node)
	switch n.Kind {
	case KindSource:
		suc := s.topo.Successors(node)
		if len(suc) == 0 || visited[suc[0]] {
			return 0
		}
		uev, _ := n.UEV()
		visited[suc[0]] = true
		v := uev * s.empowerCoeff(suc[0], product, visited)
		delete(visited, suc[0])
		return v

	case KindSplit:
		val := 0.0
		for _, suc := range s.topo.Successors(node) {
			if visited[suc] {
				continue
			}
			w := s.state.Weight(node, suc)
			if w == 0 {
				continue
			}
			visited[suc] = true
			val += w * s.empowerCoeff(suc, product, visited)
			delete(visited, suc)
		}
		return val

	case KindCoproduct:
		val := 0.0
		for _, suc := range s.topo.Successors(node) {
			if visited[suc] {
				continue
			}
			visited[suc] = true
			if v := s.empowerCoeff(suc, product, visited); v > val {
				val = v
			}
			delete(visited, suc)
		}
		return val

	case KindTank:
		suc := n.output
		if visited[suc] {
			return 0
		}
		visited[suc] = true
		v := s.state.Weight(node, suc) * s.empowerCoeff(suc, product, visited)
		delete(visited, suc)
		return v
	}
	return 0
}
