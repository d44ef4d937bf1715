package core

import "testing"

func TestMassTransitDelay(t *testing.T) {
	model := MassTransitDelay{}

	cases := []struct {
		name string
		arc  Arc
		dt   float64
		want int
	}{
		{
			name: "fast arcs never delay",
			arc:  Arc{IsFast: true, Mass: 1e6, FlowRate: 1},
			dt:   1,
			want: 0,
		},
		{
			name: "exact multiple",
			arc:  Arc{Mass: 1000, FlowRate: 250},
			dt:   1,
			want: 4,
		},
		{
			name: "partial step rounds up",
			arc:  Arc{Mass: 1001, FlowRate: 250},
			dt:   1,
			want: 5,
		},
		{
			name: "sub-step transit still costs one step",
			arc:  Arc{Mass: 1, FlowRate: 1000},
			dt:   1,
			want: 1,
		},
		{
			name: "larger time step shrinks the offset",
			arc:  Arc{Mass: 1000, FlowRate: 250},
			dt:   2,
			want: 2,
		},
		{
			name: "zero flow rate falls back to one step",
			arc:  Arc{Mass: 1000, FlowRate: 0},
			dt:   1,
			want: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := model.StepOffset(&tc.arc, tc.dt); got != tc.want {
				t.Errorf("StepOffset = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestFixedDelay(t *testing.T) {
	slow := Arc{IsFast: false}
	fast := Arc{IsFast: true}

	if got := (FixedDelay{Steps: 3}).StepOffset(&slow, 1); got != 3 {
		t.Errorf("StepOffset = %d, want 3", got)
	}
	if got := (FixedDelay{Steps: 3}).StepOffset(&fast, 1); got != 0 {
		t.Errorf("StepOffset on a fast arc = %d, want 0", got)
	}
	if got := (FixedDelay{}).StepOffset(&slow, 1); got != 1 {
		t.Errorf("StepOffset with zero config = %d, want at least 1", got)
	}
}
