package core

import (
	"fmt"
)

// StopReason identifies the criterion that ended the internal
// convergence loop of one external step.
type StopReason int

const (
	StopNone       StopReason = iota
	StopMagnitude             // outstanding quantity fell below epsilon
	StopStable                // running average of arrivals settled at zero
	StopBudget                // generation budget exhausted
	StopStructural            // nothing left that can make progress
)

func (r StopReason) String() string {
	switch r {
	case StopMagnitude:
		return "magnitude"
	case StopStable:
		return "stable"
	case StopBudget:
		return "budget"
	case StopStructural:
		return "structural"
	default:
		return "none"
	}
}

// UnfoldingConfig bounds the per-step convergence loop.
type UnfoldingConfig struct {
	// Epsilon is the magnitude floor: outstanding quantity below it
	// is treated as converged to zero, and individual instances
	// below it are pruned by Clean.
	Epsilon float64
	// NumCesaro is how many consecutive generations the running
	// average of arrivals must sit within Epsilon of zero before the
	// stability criterion fires.
	NumCesaro int
	// MaxSteps caps the generations of one convergence loop. Zero or
	// negative disables the budget.
	MaxSteps int
	// Delay converts slow-arc physics into step offsets. Nil selects
	// MassTransitDelay.
	Delay DelayModel
}

// StepResult is what one external step produced, keyed by product
// id: the quantity that arrived during the step, the provisional
// in-transit quantity attributed to each product, and the step's
// empower (the arrived delta, a rate, not a cumulative value).
type StepResult struct {
	Arrived     map[int]float64
	Flowing     map[int]float64
	Empower     map[int]float64
	Stop        StopReason
	Generations int
}

type instKey struct {
	node int
	step int
}

// instance is one record of the unfolded structure: a node visited
// at a step, carrying the quantity not yet forwarded. Instances are
// arena-allocated and index-addressed; liveness is an explicit flag
// so iteration order never depends on map or GC behavior.
type instance struct {
	node     int
	step     int
	quantity float64
	live     bool
}

// Unfolding expands the cyclic network into the step-indexed acyclic
// instance structure and propagates conserved quantity through it.
// The same-step cascade of fast arcs runs inside one external step;
// slow arcs and tank self-loops schedule quantity at future steps,
// where later external steps pick it up.
type Unfolding struct {
	topo  *Topology
	state *DynamicState
	delay DelayModel

	epsilon   float64
	numCesaro int
	maxSteps  int

	step  int
	arena []instance
	index map[instKey]int

	products []int
	reach    map[int][]bool // product id -> nodes reachable from its sources

	arrived     map[int]float64
	flowing     map[int]float64
	generations int
	lastStop    StopReason
	stab        cesaroTracker
}

// NewUnfolding creates the engine for a normalized topology and its
// dynamic state.
func NewUnfolding(topo *Topology, state *DynamicState, cfg UnfoldingConfig) (*Unfolding, error) {
	if !topo.Normalized() {
		return nil, ErrNotNormalized
	}
	if state == nil {
		return nil, fmt.Errorf("nil dynamic state")
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

	u := &Unfolding{
		topo:      topo,
		state:     state,
		delay:     cfg.Delay,
		epsilon:   cfg.Epsilon,
		numCesaro: cfg.NumCesaro,
		maxSteps:  cfg.MaxSteps,
		index:     make(map[instKey]int),
		products:  topo.ProductIDs(),
		arrived:   make(map[int]float64),
		flowing:   make(map[int]float64),
	}

	// Flowing quantity is attributed to every product whose sources
	// can reach the instance's node; the per-product node sets are
	// fixed by the topology, so build them once.
	u.reach = make(map[int][]bool, len(u.products))
	for _, p := range u.products {
		u.reach[p] = make([]bool, topo.NumNodes())
	}
	for _, s := range topo.SourceIDs() {
		prods, err := topo.ReachableProducts(s)
		if err != nil {
			return nil, err
		}
		if len(prods) == 0 {
			continue
		}
		seen := topo.reachableFrom(s)
		for _, p := range prods {
			set := u.reach[p]
			for id, ok := range seen {
				if ok {
					set[id] = true
				}
			}
		}
	}
	return u, nil
}

// Step returns the current external step index.
func (u *Unfolding) Step() int { return u.step }

// SetStep advances the engine to the given external step. Dormant
// instances scheduled at or before it become eligible to propagate.
func (u *Unfolding) SetStep(step int) { u.step = step }

// LastStop reports which criterion ended the most recent Converge.
func (u *Unfolding) LastStop() StopReason { return u.lastStop }

// Generations reports how many unfold generations the current
// external step has used.
func (u *Unfolding) Generations() int { return u.generations }

// InstanceCount returns the number of live instances. After Clean a
// fully drained engine reports zero.
func (u *Unfolding) InstanceCount() int {
	n := 0
	for i := range u.arena {
		if u.arena[i].live {
			n++
		}
	}
	return n
}

// Outstanding returns the total quantity still held by live
// instances, dormant ones included.
func (u *Unfolding) Outstanding() float64 {
	total := 0.0
	for i := range u.arena {
		if u.arena[i].live {
			total += u.arena[i].quantity
		}
	}
	return total
}

// AddInputs seeds the current step with first-hand input: every
// source with flow contributes flow * UEV at its own node, every
// tank contributes the newly declared portion of its load. It also
// resets the per-step accumulators, so it must open each step.
func (u *Unfolding) AddInputs() {
	u.arrived = make(map[int]float64, len(u.products))
	u.flowing = make(map[int]float64, len(u.products))
	u.generations = 0
	u.lastStop = StopNone
	u.stab.reset(u.epsilon, u.numCesaro)

	for _, id := range u.topo.SourceIDs() {
		flow := u.state.SourceFlow(id)
		if flow <= 0 {
			continue
		}
		uev, _ := u.topo.Node(id).UEV()
		u.inject(id, u.step, flow*uev)
	}
	for _, id := range u.topo.TankIDs() {
		if load := u.state.TankNewLoad(id); load > 0 {
			u.inject(id, u.step, load)
		}
	}
}

// inject merges quantity into the live instance at (node, step), or
// creates it.
func (u *Unfolding) inject(node, step int, q float64) {
	key := instKey{node, step}
	if idx, ok := u.index[key]; ok && u.arena[idx].live {
		u.arena[idx].quantity += q
		return
	}
	u.arena = append(u.arena, instance{node: node, step: step, quantity: q, live: true})
	u.index[key] = len(u.arena) - 1
}

// Unfold runs one propagation generation: every live instance due at
// the current step forwards its pending quantity according to its
// node kind and the effective weights read at forwarding time.
// Instances created during the generation wait for the next one.
// Returns the number of instances that made progress; blocked
// instances hold their quantity and count as none.
func (u *Unfolding) Unfold() int {
	u.generations++
	progress := 0
	bound := len(u.arena)
	for i := 0; i < bound; i++ {
		inst := u.arena[i]
		if !inst.live || inst.quantity <= 0 || inst.step > u.step {
			continue
		}
		node := u.topo.Node(inst.node)
		if node.Kind == KindProduct {
			continue // terminal; ComputeEmergy harvests it
		}
		if u.forward(i, node) {
			progress++
		}
	}
	return progress
}

// forward moves the quantity of the instance at arena index i to its
// successors. Reports false when the instance is blocked and keeps
// its quantity. Injecting can grow the arena, so the instance is
// re-addressed by index, never held by pointer across a send.
func (u *Unfolding) forward(i int, node *Node) bool {
	q := u.arena[i].quantity
	switch node.Kind {
	case KindSource:
		// A source feeds its first successor, the same arc the
		// closed-form solver reads it through.
		suc := u.topo.Successors(node.ID)
		if len(suc) == 0 || !u.state.IsOperational(node.ID, suc[0]) {
			return false
		}
		u.send(node.ID, suc[0], q)

	case KindSplit:
		total := 0.0
		for _, s := range u.topo.Successors(node.ID) {
			total += u.state.Weight(node.ID, s)
		}
		if total <= 0 {
			return false // every outgoing arc down or weightless
		}
		for _, s := range u.topo.Successors(node.ID) {
			if w := u.state.Weight(node.ID, s); w > 0 {
				u.send(node.ID, s, q*w)
			}
		}

	case KindCoproduct:
		// Duplication, not division: each operational successor gets
		// the full quantity.
		sent := false
		for _, s := range u.topo.Successors(node.ID) {
			if u.state.IsOperational(node.ID, s) {
				u.send(node.ID, s, q)
				sent = true
			}
		}
		if !sent {
			return false
		}

	case KindTank:
		out := node.output
		wOut := u.state.Weight(node.ID, out)
		wLoop := u.state.Weight(node.ID, node.ID)
		if wOut+wLoop <= 0 {
			return false // state never updated; hold rather than lose
		}
		if wOut > 0 {
			u.send(node.ID, out, q*wOut)
		}
		if wLoop > 0 {
			// Retention is always relative to now: the loop share
			// becomes due at the next external step.
			u.inject(node.ID, u.step+1, q*wLoop)
		}
	}
	u.arena[i].quantity = 0
	return true
}

// send routes quantity along the arc head->tail: fast arcs land in
// the current step's cascade, slow arcs at the offset the delay
// model derives from the arc's physics.
func (u *Unfolding) send(head, tail int, q float64) {
	arc := u.topo.Arc(head, tail)
	step := u.step
	if !arc.IsFast {
		step += u.delay.StepOffset(arc, u.state.TimeStep())
	}
	u.inject(tail, step, q)
}

// ComputeEmergy harvests the generation: quantity sitting on product
// instances due at the current step becomes arrived delta, and the
// quantity of every other live instance is attributed as flowing to
// each product whose sources reach that node.
func (u *Unfolding) ComputeEmergy() {
	genArrived := 0.0
	for i := range u.arena {
		inst := &u.arena[i]
		if !inst.live || inst.quantity <= 0 {
			continue
		}
		if u.topo.Node(inst.node).Kind == KindProduct && inst.step <= u.step {
			u.arrived[inst.node] += inst.quantity
			genArrived += inst.quantity
			inst.quantity = 0
		}
	}
	u.stab.push(genArrived)

	for _, p := range u.products {
		u.flowing[p] = 0
	}
	for i := range u.arena {
		inst := &u.arena[i]
		if !inst.live || inst.quantity <= 0 {
			continue
		}
		for _, p := range u.products {
			if u.reach[p][inst.node] {
				u.flowing[p] += inst.quantity
			}
		}
	}
}

// Converge runs the rest of the step's internal loop. Full accuracy
// applies all four stop criteria; the fast path only the budget and
// the structural one, leaving sub-epsilon tails to later steps.
func (u *Unfolding) Converge(maxAccuracy bool) StepResult {
	stop := StopNone
	for {
		if u.activeCount() == 0 {
			stop = StopStructural
			break
		}
		if maxAccuracy {
			if u.Outstanding() < u.epsilon {
				stop = StopMagnitude
				break
			}
			if u.stab.settled() {
				stop = StopStable
				break
			}
		}
		if u.maxSteps > 0 && u.generations >= u.maxSteps {
			stop = StopBudget
			break
		}
		progress := u.Unfold()
		u.ComputeEmergy()
		if progress == 0 {
			stop = StopStructural
			break
		}
	}
	u.lastStop = stop

	res := StepResult{
		Arrived:     make(map[int]float64, len(u.products)),
		Flowing:     make(map[int]float64, len(u.products)),
		Empower:     make(map[int]float64, len(u.products)),
		Stop:        stop,
		Generations: u.generations,
	}
	for _, p := range u.products {
		res.Arrived[p] = u.arrived[p]
		res.Empower[p] = u.arrived[p]
		res.Flowing[p] = u.flowing[p]
	}
	return res
}

// activeCount is the number of live instances that could forward
// right now (due and carrying quantity, terminal products excluded).
func (u *Unfolding) activeCount() int {
	n := 0
	for i := range u.arena {
		inst := &u.arena[i]
		if inst.live && inst.quantity > 0 && inst.step <= u.step &&
			u.topo.Node(inst.node).Kind != KindProduct {
			n++
		}
	}
	return n
}

// cesaroTracker watches the running average of per-generation
// arrivals. The average smooths single-generation noise; the
// stability criterion wants it pinned at zero for a whole window of
// consecutive generations.
type cesaroTracker struct {
	eps    float64
	window int
	n      int
	mean   float64
	hits   int
}

func (c *cesaroTracker) reset(eps float64, window int) {
	c.eps = eps
	c.window = window
	c.n = 0
	c.mean = 0
	c.hits = 0
}

func (c *cesaroTracker) push(delta float64) {
	c.n++
	c.mean += (delta - c.mean) / float64(c.n)
	if c.mean <= c.eps && c.mean >= -c.eps {
		c.hits++
	} else {
		c.hits = 0
	}
}

func (c *cesaroTracker) settled() bool {
	return c.n > 0 && c.hits >= c.window
}

// Clean compacts the arena: forwarded and harvested instances go,
// and so does any residue below epsilon, which is what lets tank
// tails drain in finite time. Dormant future quantity at or above
// epsilon survives to its scheduled step.
func (u *Unfolding) Clean() {
	kept := u.arena[:0]
	for i := range u.arena {
		inst := u.arena[i]
		if !inst.live || inst.quantity < u.epsilon {
			continue
		}
		kept = append(kept, inst)
	}
	u.arena = kept
	u.index = make(map[instKey]int, len(u.arena))
	for i := range u.arena {
		u.index[instKey{u.arena[i].node, u.arena[i].step}] = i
	}
}
