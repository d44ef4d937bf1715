// Package timectrl paces the release of scenario steps.
package timectrl

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mode describes how the Pacer releases steps.
type Mode int

const (
	// Batch releases steps as fast as the caller consumes them.
	Batch Mode = iota
	// RealTime releases one step per simulated time step of wall clock.
	RealTime
	// Accelerated releases like RealTime with the interval divided by Rate.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case Batch:
		return "batch"
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a configuration string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "batch":
		return Batch, nil
	case "realtime":
		return RealTime, nil
	case "accelerated":
		return Accelerated, nil
	default:
		return Batch, fmt.Errorf("unknown pacing mode: %q", s)
	}
}

// Pacer meters scenario steps and notifies registered listeners as
// simulated time advances. The simulated clock always advances by the
// configured time step per release, regardless of mode.
type Pacer struct {
	mu sync.RWMutex

	start    time.Time
	simTick  time.Duration
	wallTick time.Duration

	started     bool
	step        int
	currentTime time.Time

	listeners []func(step int, simTime time.Time)
}

// NewPacer constructs a pacer. timeStep is the simulated duration of
// one step in seconds; rate only applies to Accelerated mode.
func NewPacer(start time.Time, timeStep float64, mode Mode, rate float64) *Pacer {
	simTick := time.Duration(timeStep * float64(time.Second))

	wallTick := simTick
	switch mode {
	case Batch:
		wallTick = 0
	case Accelerated:
		if rate > 0 {
			wallTick = time.Duration(float64(simTick) / rate)
		}
	}

	return &Pacer{
		start:       start,
		simTick:     simTick,
		wallTick:    wallTick,
		currentTime: start,
	}
}

// Now returns the current simulated time.
func (p *Pacer) Now() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentTime
}

// Step returns the index of the last released step, or -1 before the
// first release.
func (p *Pacer) Step() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.step - 1
}

// AddListener registers a callback invoked on every released step.
func (p *Pacer) AddListener(fn func(step int, simTime time.Time)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Next blocks until the next step may run, advances the simulated
// clock, and returns the released step index. The first call returns
// immediately in every mode.
func (p *Pacer) Next(ctx context.Context) (int, error) {
	p.mu.Lock()
	first := !p.started
	p.started = true
	wait := p.wallTick
	p.mu.Unlock()

	if !first && wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	p.mu.Lock()
	step := p.step
	p.step++
	p.currentTime = p.start.Add(time.Duration(p.step) * p.simTick)
	simTime := p.currentTime
	listeners := append([]func(int, time.Time){}, p.listeners...)
	p.mu.Unlock()

	// Notify listeners outside the lock to avoid deadlocks.
	for _, fn := range listeners {
		fn(step, simTime)
	}
	return step, nil
}
