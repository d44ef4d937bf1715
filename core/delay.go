package core

import "math"

// DelayModel maps a slow arc's physical description to a transit
// delay in whole external steps. Fast arcs always propagate within
// the current step and never consult the model.
type DelayModel interface {
	StepOffset(a *Arc, dt float64) int
}

// MassTransitDelay is the default model: the matter standing in the
// arc (derived mass, kg) moves through at the arc's flow rate
// (kg per time unit), so transit takes mass/rate time units. The
// offset is that time in whole steps, never less than one step for
// a slow arc.
type MassTransitDelay struct{}

func (MassTransitDelay) StepOffset(a *Arc, dt float64) int {
	if a.IsFast {
		return 0
	}
	steps := 1
	if a.FlowRate > 0 && dt > 0 {
		steps = int(math.Ceil(a.Mass / a.FlowRate / dt))
	}
	if steps < 1 {
		steps = 1
	}
	return steps
}

// FixedDelay delays every slow arc by the same number of steps.
// Useful for tests and for networks authored without physical data.
type FixedDelay struct {
	Steps int
}

func (d FixedDelay) StepOffset(a *Arc, dt float64) int {
	if a.IsFast {
		return 0
	}
	if d.Steps < 1 {
		return 1
	}
	return d.Steps
}
