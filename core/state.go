package core

import (
	"fmt"
)

// StepInputs carries one external step of boundary data. Node maps
// are keyed by normalized id (resolve labels via Topology.NodeID);
// arcs absent from Operational default to operational.
type StepInputs struct {
	SourceFlow  map[int]float64
	TankFlow    map[int]float64
	TankLoad    map[int]float64
	Operational map[ArcKey]bool
}

// DynamicState holds everything that changes between steps: source
// flows, tank flows and loads, arc operability, and the effective
// arc weights derived from them. Weights are recomputed on every
// Update, tanks first, then splits.
type DynamicState struct {
	topo *Topology
	dt   float64

	sourceFlow []float64
	tankFlow   []float64
	tankLoad   []float64
	prevLoad   []float64
	newLoad    []float64

	weight      map[ArcKey]float64
	operational map[ArcKey]bool
}

// NewDynamicState creates the state for a normalized topology. All
// arcs start operational with their authored weights; flows and
// loads start at zero.
func NewDynamicState(topo *Topology, dt float64) (*DynamicState, error) {
	if !topo.Normalized() {
		return nil, ErrNotNormalized
	}
	if dt <= 0 {
		return nil, fmt.Errorf("time step must be positive, got %g", dt)
	}
	n := topo.NumNodes()
	s := &DynamicState{
		topo:        topo,
		dt:          dt,
		sourceFlow:  make([]float64, n),
		tankFlow:    make([]float64, n),
		tankLoad:    make([]float64, n),
		prevLoad:    make([]float64, n),
		newLoad:     make([]float64, n),
		weight:      make(map[ArcKey]float64),
		operational: make(map[ArcKey]bool),
	}
	for _, a := range topo.ArcList() {
		s.weight[ArcKey{a.Head, a.Tail}] = a.Weight
		s.operational[ArcKey{a.Head, a.Tail}] = true
	}
	return s, nil
}

// TimeStep returns the external step duration.
func (s *DynamicState) TimeStep() float64 { return s.dt }

// Update applies one step of inputs and recomputes effective
// weights. Input maps are validated against node kinds; unknown ids
// or arcs reject the whole update.
func (s *DynamicState) Update(in StepInputs) error {
	// 1) Node inputs: zero everything, then apply what was given.
	zero(s.sourceFlow)
	zero(s.tankFlow)
	for id, f := range in.SourceFlow {
		if err := s.checkKind(id, KindSource); err != nil {
			return err
		}
		s.sourceFlow[id] = f
	}
	for id, f := range in.TankFlow {
		if err := s.checkKind(id, KindTank); err != nil {
			return err
		}
		s.tankFlow[id] = f
	}
	copy(s.prevLoad, s.tankLoad)
	zero(s.tankLoad)
	for id, l := range in.TankLoad {
		if err := s.checkKind(id, KindTank); err != nil {
			return err
		}
		s.tankLoad[id] = l
	}
	for id := range s.newLoad {
		s.newLoad[id] = s.tankLoad[id] - s.prevLoad[id]
		if s.newLoad[id] < 0 {
			s.newLoad[id] = 0
		}
	}

	// 2) Operability: default everything on, apply the given map.
	// Tank self-loops are forced operational regardless of input.
	for k := range s.operational {
		s.operational[k] = true
	}
	for k, op := range in.Operational {
		a := s.topo.Arc(k.Head, k.Tail)
		if a == nil {
			return fmt.Errorf("no arc %d -> %d", k.Head, k.Tail)
		}
		if a.IsLoop() {
			continue
		}
		s.operational[k] = op
	}

	// 3) Effective weights start from the authored weights; any
	// non-operational arc drops to zero before the per-kind passes.
	for _, a := range s.topo.ArcList() {
		k := ArcKey{a.Head, a.Tail}
		if s.operational[k] {
			s.weight[k] = a.Weight
		} else {
			s.weight[k] = 0
		}
	}

	// 4) Tank weights. The outgoing share grows with throughput and
	// shrinks with standing load; outgoing and loop sum to exactly 1.
	// A tank whose output arc is down retains everything.
	for _, id := range s.topo.TankIDs() {
		out, _ := s.topo.Node(id).OutputNode()
		outKey := ArcKey{id, out}
		loopKey := ArcKey{id, id}
		w := 0.0
		if s.operational[outKey] {
			flow := s.tankFlow[id] * s.dt
			if denom := flow + s.tankLoad[id]; denom > 0 {
				w = flow / denom
			}
		}
		s.weight[outKey] = w
		s.weight[loopKey] = 1 - w
	}

	// 5) Split weights renormalize over operational arcs only. With
	// no usable outgoing arc every weight is zero and the split
	// blocks, holding quantity rather than losing it.
	for _, id := range s.topo.idsOfKind(KindSplit) {
		total := 0.0
		for _, suc := range s.topo.Successors(id) {
			total += s.weight[ArcKey{id, suc}]
		}
		if total <= 0 {
			for _, suc := range s.topo.Successors(id) {
				s.weight[ArcKey{id, suc}] = 0
			}
			continue
		}
		for _, suc := range s.topo.Successors(id) {
			k := ArcKey{id, suc}
			s.weight[k] = s.weight[k] / total
		}
	}
	return nil
}

func (s *DynamicState) checkKind(id int, kind NodeKind) error {
	n := s.topo.Node(id)
	if n == nil {
		return fmt.Errorf("node id %d out of range", id)
	}
	if n.Kind != kind {
		return fmt.Errorf("%w: %q is a %s, not a %s", ErrKindMismatch, n.Label, n.Kind, kind)
	}
	return nil
}

// Weight returns the current effective weight of an arc, zero for
// unknown arcs.
func (s *DynamicState) Weight(head, tail int) float64 {
	return s.weight[ArcKey{head, tail}]
}

// IsOperational reports the current operability of an arc.
func (s *DynamicState) IsOperational(head, tail int) bool {
	return s.operational[ArcKey{head, tail}]
}

// SourceFlow returns the current flow of a source node.
func (s *DynamicState) SourceFlow(id int) float64 { return s.sourceFlow[id] }

// TankFlow returns the current outgoing flow of a tank node.
func (s *DynamicState) TankFlow(id int) float64 { return s.tankFlow[id] }

// TankLoad returns the current standing load of a tank node.
func (s *DynamicState) TankLoad(id int) float64 { return s.tankLoad[id] }

// TankNewLoad returns the positive increase of the declared load
// since the previous step, the portion injected as first-hand input.
func (s *DynamicState) TankNewLoad(id int) float64 { return s.newLoad[id] }

func zero(s []float64) {
	for i := range s {
		s[i] = 0
	}
}
