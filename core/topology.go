package core

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrDuplicateLabel = errors.New("duplicate node label")
	ErrUnknownLabel   = errors.New("unknown node label")
	ErrDuplicateArc   = errors.New("arc already exists")
	ErrSelfLoop       = errors.New("self-loops are reserved for tanks")
	ErrNormalized     = errors.New("topology already normalized")
	ErrNotNormalized  = errors.New("topology not normalized")
	ErrKindMismatch   = errors.New("wrong node kind")
	ErrTankOutput     = errors.New("tank has no outgoing arc")
)

// NodeKind discriminates the five emergy node roles. Kind-specific
// data (a source's UEV, a tank's output node) is only reachable
// through the kind-checked accessors on Node.
type NodeKind int

const (
	KindSource    NodeKind = iota // injects flow * UEV into the network
	KindSplit                     // divides quantity by authored weights
	KindCoproduct                 // duplicates the full quantity to every successor
	KindTank                      // retains quantity across steps via its self-loop
	KindProduct                   // terminal sink, accumulates arrivals
)

func (k NodeKind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindSplit:
		return "split"
	case KindCoproduct:
		return "coproduct"
	case KindTank:
		return "tank"
	case KindProduct:
		return "product"
	default:
		return "unknown"
	}
}

// Node is one vertex of a normalized topology. IDs are dense indexes
// assigned by Normalize; they are stable for a given node/arc set
// regardless of insertion order.
type Node struct {
	ID    int
	Label string
	Kind  NodeKind

	uev    float64 // sources only
	output int     // tanks only; -1 elsewhere
}

// UEV returns the unit emergy value of a source node.
func (n *Node) UEV() (float64, error) {
	if n.Kind != KindSource {
		return 0, fmt.Errorf("%w: %q is a %s, not a source", ErrKindMismatch, n.Label, n.Kind)
	}
	return n.uev, nil
}

// OutputNode returns the id of the node a tank drains into.
func (n *Node) OutputNode() (int, error) {
	if n.Kind != KindTank {
		return 0, fmt.Errorf("%w: %q is a %s, not a tank", ErrKindMismatch, n.Label, n.Kind)
	}
	return n.output, nil
}

// ArcKey identifies a directed arc between two normalized node ids.
type ArcKey struct {
	Head int
	Tail int
}

// Arc is a directed connection. Weight is the authored split weight;
// the physical fields describe the transport medium and feed the
// transit-delay model for slow arcs. Mass is derived at Normalize
// from density, length and diameter.
type Arc struct {
	Head        int
	Tail        int
	Weight      float64
	IsFast      bool
	Length      float64
	Diameter    float64
	MassDensity float64
	FlowRate    float64
	Mass        float64

	loop bool // injected tank self-loop
}

// IsLoop reports whether the arc is a tank's implicit self-loop.
// Loops never appear in persisted files or scenario headers.
func (a *Arc) IsLoop() bool { return a.loop }

// ArcParams carries the authored weight and the physical transit
// parameters accepted by AddArc.
type ArcParams struct {
	Weight      float64
	IsFast      bool
	Length      float64
	Diameter    float64
	MassDensity float64
	FlowRate    float64
}

// DefaultArcParams returns the defaults used when a persisted LINK
// line omits its trailing parameters: unit weight, fast transit,
// unit geometry, water density, 1000 kg/s throughput.
func DefaultArcParams() ArcParams {
	return ArcParams{
		Weight:      1.0,
		IsFast:      true,
		Length:      1.0,
		Diameter:    1.0,
		MassDensity: 1000.0,
		FlowRate:    1000.0,
	}
}

type stagedNode struct {
	label string
	kind  NodeKind
	uev   float64
}

type stagedArc struct {
	head, tail string
	params     ArcParams
}

// Topology is the static directed network: typed nodes and weighted
// arcs. It is built through the Add* constructors, frozen exactly
// once by Normalize, and immutable afterwards. All id-based lookups
// require a normalized topology.
type Topology struct {
	normalized bool

	staged     map[string]stagedNode
	stagedArcs []stagedArc
	arcSeen    map[[2]string]struct{}

	nodes  []Node
	labels map[string]int
	succ   [][]int
	arcs   map[ArcKey]*Arc
}

// NewTopology creates an empty, unnormalized topology.
func NewTopology() *Topology {
	return &Topology{
		staged:  make(map[string]stagedNode),
		arcSeen: make(map[[2]string]struct{}),
	}
}

//
// ---------- Authoring ----------
//

func (t *Topology) addNode(label string, kind NodeKind, uev float64) error {
	if t.normalized {
		return fmt.Errorf("%w: cannot add node %q", ErrNormalized, label)
	}
	if label == "" {
		return fmt.Errorf("empty node label")
	}
	if _, exists := t.staged[label]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
	}
	t.staged[label] = stagedNode{label: label, kind: kind, uev: uev}
	return nil
}

// AddSource adds a source node with the given unit emergy value.
func (t *Topology) AddSource(label string, uev float64) error {
	return t.addNode(label, KindSource, uev)
}

// AddSplit adds a split node.
func (t *Topology) AddSplit(label string) error {
	return t.addNode(label, KindSplit, 0)
}

// AddCoproduct adds a coproduct node.
func (t *Topology) AddCoproduct(label string) error {
	return t.addNode(label, KindCoproduct, 0)
}

// AddTank adds a tank node. Its output arc is authored like any
// other arc; the retaining self-loop is injected by Normalize.
func (t *Topology) AddTank(label string) error {
	return t.addNode(label, KindTank, 0)
}

// AddProduct adds a terminal product node.
func (t *Topology) AddProduct(label string) error {
	return t.addNode(label, KindProduct, 0)
}

// AddArc stages a directed arc between two existing labels.
func (t *Topology) AddArc(head, tail string, params ArcParams) error {
	if t.normalized {
		return fmt.Errorf("%w: cannot add arc %s -> %s", ErrNormalized, head, tail)
	}
	if _, ok := t.staged[head]; !ok {
		return fmt.Errorf("%w: arc head %q", ErrUnknownLabel, head)
	}
	if _, ok := t.staged[tail]; !ok {
		return fmt.Errorf("%w: arc tail %q", ErrUnknownLabel, tail)
	}
	if head == tail {
		return fmt.Errorf("%w: %q", ErrSelfLoop, head)
	}
	key := [2]string{head, tail}
	if _, dup := t.arcSeen[key]; dup {
		return fmt.Errorf("%w: %s -> %s", ErrDuplicateArc, head, tail)
	}
	t.arcSeen[key] = struct{}{}
	t.stagedArcs = append(t.stagedArcs, stagedArc{head: head, tail: tail, params: params})
	return nil
}

//
// ---------- Normalization ----------
//

// Normalize freezes the topology: nodes are sorted by (label, kind)
// and assigned dense ids, successor lists are built in ascending id
// order, arc masses are derived, and every tank gets its implicit
// self-loop plus a zeroed output weight (both recomputed from tank
// flow and load on every step). Normalize can be called once.
func (t *Topology) Normalize() error {
	if t.normalized {
		return ErrNormalized
	}

	// 1) Deterministic id assignment.
	ordered := make([]stagedNode, 0, len(t.staged))
	for _, sn := range t.staged {
		ordered = append(ordered, sn)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].label != ordered[j].label {
			return ordered[i].label < ordered[j].label
		}
		return ordered[i].kind.String() < ordered[j].kind.String()
	})

	t.nodes = make([]Node, len(ordered))
	t.labels = make(map[string]int, len(ordered))
	for id, sn := range ordered {
		t.nodes[id] = Node{ID: id, Label: sn.label, Kind: sn.kind, uev: sn.uev, output: -1}
		t.labels[sn.label] = id
	}

	// 2) Resolve arcs against the final ids.
	t.succ = make([][]int, len(t.nodes))
	t.arcs = make(map[ArcKey]*Arc, len(t.stagedArcs))
	for _, sa := range t.stagedArcs {
		head := t.labels[sa.head]
		tail := t.labels[sa.tail]
		p := sa.params
		t.arcs[ArcKey{head, tail}] = &Arc{
			Head:        head,
			Tail:        tail,
			Weight:      p.Weight,
			IsFast:      p.IsFast,
			Length:      p.Length,
			Diameter:    p.Diameter,
			MassDensity: p.MassDensity,
			FlowRate:    p.FlowRate,
			Mass:        p.MassDensity * p.Length * math.Pi * (p.Diameter / 2) * (p.Diameter / 2),
		}
		t.succ[head] = append(t.succ[head], tail)
	}
	for _, s := range t.succ {
		sort.Ints(s)
	}

	// 3) Tank wiring: the first (lowest-id) authored successor is the
	// output; the self-loop models retention. Both weights start at 0
	// and are owned by the per-step dynamic state from here on.
	for id := range t.nodes {
		n := &t.nodes[id]
		if n.Kind != KindTank {
			continue
		}
		if len(t.succ[id]) == 0 {
			t.reset()
			return fmt.Errorf("%w: %q", ErrTankOutput, n.Label)
		}
		n.output = t.succ[id][0]
		t.arcs[ArcKey{id, n.output}].Weight = 0
		t.arcs[ArcKey{id, id}] = &Arc{Head: id, Tail: id, IsFast: true, loop: true}
		t.succ[id] = insertSorted(t.succ[id], id)
	}

	t.normalized = true
	t.staged = nil
	t.stagedArcs = nil
	t.arcSeen = nil
	return nil
}

func (t *Topology) reset() {
	t.nodes = nil
	t.labels = nil
	t.succ = nil
	t.arcs = nil
}

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

//
// ---------- Lookups ----------
//

// Normalized reports whether Normalize completed.
func (t *Topology) Normalized() bool { return t.normalized }

// NumNodes returns the node count of a normalized topology.
func (t *Topology) NumNodes() int { return len(t.nodes) }

// Node returns the node with the given id, or nil if out of range.
func (t *Topology) Node(id int) *Node {
	if id < 0 || id >= len(t.nodes) {
		return nil
	}
	return &t.nodes[id]
}

// NodeID resolves a label to its normalized id.
func (t *Topology) NodeID(label string) (int, error) {
	if !t.normalized {
		return 0, ErrNotNormalized
	}
	id, ok := t.labels[label]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return id, nil
}

// Successors returns the ascending successor ids of a node. The
// returned slice is shared; callers must not modify it.
func (t *Topology) Successors(id int) []int {
	if id < 0 || id >= len(t.succ) {
		return nil
	}
	return t.succ[id]
}

// Arc returns the arc between two ids, or nil if absent.
func (t *Topology) Arc(head, tail int) *Arc {
	return t.arcs[ArcKey{head, tail}]
}

// ArcList returns every arc, tank self-loops included, ordered by
// (head, tail).
func (t *Topology) ArcList() []*Arc {
	keys := make([]ArcKey, 0, len(t.arcs))
	for k := range t.arcs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Head != keys[j].Head {
			return keys[i].Head < keys[j].Head
		}
		return keys[i].Tail < keys[j].Tail
	})
	out := make([]*Arc, len(keys))
	for i, k := range keys {
		out[i] = t.arcs[k]
	}
	return out
}

func (t *Topology) idsOfKind(kind NodeKind) []int {
	var ids []int
	for id := range t.nodes {
		if t.nodes[id].Kind == kind {
			ids = append(ids, id)
		}
	}
	return ids
}

// SourceIDs returns the source node ids in ascending order.
func (t *Topology) SourceIDs() []int { return t.idsOfKind(KindSource) }

// TankIDs returns the tank node ids in ascending order.
func (t *Topology) TankIDs() []int { return t.idsOfKind(KindTank) }

// ProductIDs returns the product node ids in ascending order.
func (t *Topology) ProductIDs() []int { return t.idsOfKind(KindProduct) }

//
// ---------- Reachability ----------
//

// reachableFrom marks every node reachable from start, start
// included. Terminates on cyclic graphs.
func (t *Topology) reachableFrom(start int) []bool {
	seen := make([]bool, len(t.nodes))
	stack := []int{start}
	seen[start] = true
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range t.succ[n] {
			if !seen[s] {
				seen[s] = true
				stack = append(stack, s)
			}
		}
	}
	return seen
}

// ReachableProducts returns the ascending product ids reachable from
// the given node, typically a source.
func (t *Topology) ReachableProducts(from int) ([]int, error) {
	if !t.normalized {
		return nil, ErrNotNormalized
	}
	if from < 0 || from >= len(t.nodes) {
		return nil, fmt.Errorf("node id %d out of range", from)
	}
	seen := t.reachableFrom(from)
	var products []int
	for id := range t.nodes {
		if seen[id] && t.nodes[id].Kind == KindProduct {
			products = append(products, id)
		}
	}
	return products, nil
}

//
// ---------- Authoring validation ----------
//

// IssueKind classifies a non-fatal authoring problem.
type IssueKind int

const (
	IssueNotConnected    IssueKind = iota // node has no incident arc
	IssueSplitOverweight                  // authored outgoing weights sum above 1
	IssueTankOutputs                      // tank has more than one authored output
)

func (k IssueKind) String() string {
	switch k {
	case IssueNotConnected:
		return "not-connected"
	case IssueSplitOverweight:
		return "split-overweight"
	case IssueTankOutputs:
		return "tank-outputs"
	default:
		return fmt.Sprintf("IssueKind(%d)", int(k))
	}
}

// Issue is one authoring finding. Issues are advisory: a topology
// with issues still normalizes and runs.
type Issue struct {
	Kind   IssueKind
	NodeID int
	Label  string
	Detail string
}

// Validate inspects a normalized topology for authoring mistakes:
// nodes with no incident arcs, splits whose authored weights sum
// above 1, tanks with more than one authored output arc.
func (t *Topology) Validate() ([]Issue, error) {
	if !t.normalized {
		return nil, ErrNotNormalized
	}

	indegree := make([]int, len(t.nodes))
	for _, a := range t.arcs {
		if !a.loop {
			indegree[a.Tail]++
		}
	}

	var issues []Issue
	for id := range t.nodes {
		n := &t.nodes[id]
		out := 0
		for _, s := range t.succ[id] {
			if s != id {
				out++
			}
		}
		if indegree[id] == 0 && out == 0 {
			issues = append(issues, Issue{Kind: IssueNotConnected, NodeID: id, Label: n.Label,
				Detail: "no incident arcs"})
		}
		switch n.Kind {
		case KindSplit:
			total := 0.0
			for _, s := range t.succ[id] {
				total += t.arcs[ArcKey{id, s}].Weight
			}
			if total > 1 {
				issues = append(issues, Issue{Kind: IssueSplitOverweight, NodeID: id, Label: n.Label,
					Detail: fmt.Sprintf("outgoing weights sum to %g", total)})
			}
		case KindTank:
			if out > 1 {
				issues = append(issues, Issue{Kind: IssueTankOutputs, NodeID: id, Label: n.Label,
					Detail: fmt.Sprintf("%d authored outputs, only the first is drained", out)})
			}
		}
	}
	return issues, nil
}
