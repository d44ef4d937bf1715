package results

import (
	"sort"
	"sync"
)

// EventType indicates what kind of change happened in the store.
type EventType int

const (
	EventStepRecorded EventType = iota
	EventRunReset
)

// Sample is one product's outputs at one completed step.
type Sample struct {
	Step    int
	Product string
	Emergy  float64
	Empower float64
}

// Event is emitted to subscribers when the store changes.
type Event struct {
	Type    EventType
	RunID   string
	Step    int
	Samples []Sample
}

// Store is an in-memory, thread-safe record of a run's per-product
// outputs. It satisfies the scenario step sink interface, so it can
// be handed directly to a scenario run.
type Store struct {
	mu sync.RWMutex

	runID  string
	series map[string][]Sample
	steps  int

	subs []func(Event)
}

// NewStore constructs an empty store for the given run.
func NewStore(runID string) *Store {
	return &Store{
		runID:  runID,
		series: make(map[string][]Sample),
	}
}

// RunID returns the run this store is recording.
func (st *Store) RunID() string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.runID
}

// OnStep records one completed step and notifies subscribers.
func (st *Store) OnStep(step int, emergy, empower map[string]float64) {
	products := make([]string, 0, len(emergy))
	for p := range emergy {
		products = append(products, p)
	}
	sort.Strings(products)

	samples := make([]Sample, 0, len(products))
	for _, p := range products {
		samples = append(samples, Sample{
			Step:    step,
			Product: p,
			Emergy:  emergy[p],
			Empower: empower[p],
		})
	}

	st.mu.Lock()
	for _, s := range samples {
		st.series[s.Product] = append(st.series[s.Product], s)
	}
	st.steps++
	event := Event{
		Type:    EventStepRecorded,
		RunID:   st.runID,
		Step:    step,
		Samples: append([]Sample{}, samples...),
	}
	subs := append([]func(Event){}, st.subs...)
	st.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		if sub != nil {
			sub(event)
		}
	}
}

// Steps returns the number of recorded steps.
func (st *Store) Steps() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.steps
}

// Products returns the recorded product labels, sorted.
func (st *Store) Products() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	res := make([]string, 0, len(st.series))
	for p := range st.series {
		res = append(res, p)
	}
	sort.Strings(res)
	return res
}

// Series returns a snapshot of one product's samples in step order.
func (st *Store) Series(product string) []Sample {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]Sample{}, st.series[product]...)
}

// Latest returns a product's most recent sample.
func (st *Store) Latest(product string) (Sample, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s := st.series[product]
	if len(s) == 0 {
		return Sample{}, false
	}
	return s[len(s)-1], true
}

// All returns a snapshot of every product's series.
func (st *Store) All() map[string][]Sample {
	st.mu.RLock()
	defer st.mu.RUnlock()

	res := make(map[string][]Sample, len(st.series))
	for p, s := range st.series {
		res[p] = append([]Sample{}, s...)
	}
	return res
}

// Reset clears the store for a new run and notifies subscribers.
func (st *Store) Reset(runID string) {
	st.mu.Lock()
	st.runID = runID
	st.series = make(map[string][]Sample)
	st.steps = 0
	event := Event{Type: EventRunReset, RunID: runID}
	subs := append([]func(Event){}, st.subs...)
	st.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub(event)
		}
	}
}

// Subscribe registers a callback for store events. It returns an
// unsubscribe function.
func (st *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.subs = append(st.subs, fn)
	idx := len(st.subs) - 1

	return func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if idx < 0 || idx >= len(st.subs) {
			return
		}
		st.subs[idx] = nil
		idx = -1
	}
}
