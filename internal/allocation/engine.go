// Package allocation converts per-asset percentage inputs into USD amounts that
// never exceed each asset's balance limit and reach the target exactly when complete.
package allocation

import (
	"errors"
	"fmt"
	"math"
)

const (
	// Tolerance is the absolute USD difference under which the target counts as reached
	Tolerance = 0.01

	// epsilon absorbs floating noise when the other assets already cover the target
	epsilon = 1e-6
)

var (
	ErrIndexOutOfRange = errors.New("asset index out of range")
	ErrInvalidTarget   = errors.New("target amount must be positive")
)

// State holds the slider inputs and the effective percentages derived from them.
// SliderValues[i] and EffectiveValues[i] are percentages in [0,100] and
// EffectiveValues[i] <= SliderValues[i] always holds.
type State struct {
	SliderValues    []float64
	EffectiveValues []float64
	TotalAllocated  float64
	IsComplete      bool

	// BalancingIndex is the slider whose last update brought the total onto the
	// target, or -1. Only that slider may keep moving up once the target is met.
	BalancingIndex int
}

// NewState returns an empty allocation over n assets
func NewState(n int) State {
	return State{
		SliderValues:    make([]float64, n),
		EffectiveValues: make([]float64, n),
		BalancingIndex:  -1,
	}
}

// Reset zeroes every slider and effective value unconditionally
func Reset(st State) State {
	return NewState(len(st.SliderValues))
}

// Update applies one slider change at index and returns the new state. The input
// state is never modified. An increase that would push past an already reached
// target returns the state unchanged.
func Update(st State, index int, value float64, limitsUSD []float64, targetUSD float64) (State, error) {
	if !(targetUSD > 0) || math.IsInf(targetUSD, 0) {
		return st, fmt.Errorf("%w: %v", ErrInvalidTarget, targetUSD)
	}
	if index < 0 || index >= len(st.SliderValues) {
		return st, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(st.SliderValues))
	}

	slider := clampPercent(value)
	limit := limitAt(limitsUSD, index)
	others := othersUSD(st.EffectiveValues, limitsUSD, index)
	current := others + st.EffectiveValues[index]/100*limit

	if slider > st.SliderValues[index] {
		if others >= targetUSD-Tolerance {
			return st, nil
		}
		if current >= targetUSD-Tolerance && st.BalancingIndex != index {
			return st, nil
		}
	}

	next := st.clone()
	next.SliderValues[index] = slider

	effective := 0.0
	if limit > 0 {
		missing := targetUSD - others
		needed := missing / limit * 100
		effective = min(needed, slider, 100)
		if missing <= epsilon {
			effective = min(st.EffectiveValues[index], slider)
		}
		effective = max(0, effective)
	}
	next.EffectiveValues[index] = effective

	next.TotalAllocated = others + effective/100*limit
	next.IsComplete = isComplete(next.TotalAllocated, targetUSD)
	if next.IsComplete {
		next.BalancingIndex = index
	} else {
		next.BalancingIndex = -1
	}
	return next, nil
}

// Recompute refreshes the derived total and completion flag against a newer
// set of limits without touching the percentages.
func Recompute(st State, limitsUSD []float64, targetUSD float64) State {
	next := st.clone()
	next.TotalAllocated = Total(next.EffectiveValues, limitsUSD)
	next.IsComplete = targetUSD > 0 && isComplete(next.TotalAllocated, targetUSD)
	if !next.IsComplete {
		next.BalancingIndex = -1
	}
	return next
}

// Total sums the USD contribution of every effective percentage
func Total(effective []float64, limitsUSD []float64) float64 {
	total := 0.0
	for i, pct := range effective {
		total += pct / 100 * limitAt(limitsUSD, i)
	}
	return total
}

func othersUSD(effective []float64, limitsUSD []float64, skip int) float64 {
	total := 0.0
	for i, pct := range effective {
		if i == skip {
			continue
		}
		total += pct / 100 * limitAt(limitsUSD, i)
	}
	return total
}

// limitAt tolerates a limits slice from a different snapshot generation
func limitAt(limitsUSD []float64, i int) float64 {
	if i >= len(limitsUSD) {
		return 0
	}
	l := limitsUSD[i]
	if math.IsNaN(l) || l < 0 {
		return 0
	}
	return l
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Round(min(100, max(0, v)))
}

func isComplete(total, target float64) bool {
	return math.Abs(total-target) <= Tolerance
}

func (s State) clone() State {
	out := State{
		SliderValues:    make([]float64, len(s.SliderValues)),
		EffectiveValues: make([]float64, len(s.EffectiveValues)),
		TotalAllocated:  s.TotalAllocated,
		IsComplete:      s.IsComplete,
		BalancingIndex:  s.BalancingIndex,
	}
	copy(out.SliderValues, s.SliderValues)
	copy(out.EffectiveValues, s.EffectiveValues)
	return out
}
