package results

import (
	"sync"
	"testing"
)

func TestStoreRecordsSeries(t *testing.T) {
	st := NewStore("run-1")

	st.OnStep(0, map[string]float64{"fish": 6, "timber": 2}, map[string]float64{"fish": 6, "timber": 2})
	st.OnStep(1, map[string]float64{"fish": 8, "timber": 2}, map[string]float64{"fish": 2, "timber": 0})

	if got := st.Steps(); got != 2 {
		t.Errorf("Steps = %d, want 2", got)
	}
	if got := st.Products(); len(got) != 2 || got[0] != "fish" || got[1] != "timber" {
		t.Errorf("Products = %v, want [fish timber]", got)
	}

	series := st.Series("fish")
	if len(series) != 2 {
		t.Fatalf("Series(fish) has %d samples, want 2", len(series))
	}
	if series[0].Emergy != 6 || series[1].Emergy != 8 {
		t.Errorf("fish emergy series = %v", series)
	}

	latest, ok := st.Latest("timber")
	if !ok {
		t.Fatal("Latest(timber) missing")
	}
	if latest.Step != 1 || latest.Empower != 0 {
		t.Errorf("Latest(timber) = %+v", latest)
	}
	if _, ok := st.Latest("absent"); ok {
		t.Error("Latest(absent) reported a sample")
	}
}

func TestStoreSubscribeAndReset(t *testing.T) {
	st := NewStore("run-1")

	var events []Event
	unsubscribe := st.Subscribe(func(ev Event) { events = append(events, ev) })

	st.OnStep(0, map[string]float64{"fish": 6}, map[string]float64{"fish": 6})
	st.Reset("run-2")

	if len(events) != 2 {
		t.Fatalf("saw %d events, want 2", len(events))
	}
	if events[0].Type != EventStepRecorded || len(events[0].Samples) != 1 {
		t.Errorf("first event = %+v, want one recorded sample", events[0])
	}
	if events[1].Type != EventRunReset || events[1].RunID != "run-2" {
		t.Errorf("second event = %+v, want a reset for run-2", events[1])
	}
	if st.Steps() != 0 || len(st.Products()) != 0 {
		t.Error("reset did not clear the store")
	}
	if st.RunID() != "run-2" {
		t.Errorf("RunID = %q, want run-2", st.RunID())
	}

	unsubscribe()
	st.OnStep(0, map[string]float64{"fish": 1}, map[string]float64{"fish": 1})
	if len(events) != 2 {
		t.Error("unsubscribed callback still invoked")
	}
}

// TestStoreConcurrentSteps exercises the lock paths; the race
// detector flags any unsynchronized access.
func TestStoreConcurrentSteps(t *testing.T) {
	st := NewStore("run-1")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(step int) {
			defer wg.Done()
			st.OnStep(step, map[string]float64{"fish": float64(step)}, map[string]float64{"fish": 1})
		}(i)
	}
	wg.Wait()

	if got := st.Steps(); got != 8 {
		t.Errorf("Steps = %d, want 8", got)
	}
	if got := len(st.Series("fish")); got != 8 {
		t.Errorf("Series(fish) has %d samples, want 8", got)
	}
}
