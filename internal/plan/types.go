// Package plan turns step settings into the base plan of distinct target
// positions and the flattened save plan that tells the measurement store what
// to do with every incoming sample.
package plan

import (
	"fmt"
	"math"
	"strings"
)

// StepNone marks the single sentinel item of a plan without target positions.
const StepNone = -1

// directionEpsilon is the smallest expected-value delta that gets a direction.
const directionEpsilon = 1e-9

// StepMode selects how expected values are generated.
type StepMode int

const (
	ModeNone StepMode = iota
	ModeUniform
	ModeManual
	ModeFormula
)

func (m StepMode) String() string {
	switch m {
	case ModeUniform:
		return "uniform"
	case ModeManual:
		return "manual"
	case ModeFormula:
		return "formula"
	default:
		return "none"
	}
}

// ParseStepMode maps a configuration string onto a StepMode.
func ParseStepMode(s string) (StepMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ModeNone, nil
	case "uniform":
		return ModeUniform, nil
	case "manual":
		return ModeManual, nil
	case "formula":
		return ModeFormula, nil
	}
	return ModeNone, fmt.Errorf("unknown step mode %q", s)
}

// Direction is the approach direction of a target relative to the previous one.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionForward
	DirectionBackward
)

func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionBackward:
		return "backward"
	default:
		return "unknown"
	}
}

// Invert swaps Forward and Backward; Unknown stays Unknown.
func (d Direction) Invert() Direction {
	switch d {
	case DirectionForward:
		return DirectionBackward
	case DirectionBackward:
		return DirectionForward
	default:
		return DirectionUnknown
	}
}

func directionByDiff(prev, curr float64) Direction {
	d := curr - prev
	switch {
	case d > directionEpsilon:
		return DirectionForward
	case d < -directionEpsilon:
		return DirectionBackward
	default:
		return DirectionUnknown
	}
}

// Action is what the store does with one sample.
type Action int

const (
	ActionMeasurement Action = iota
	ActionNewStep
	ActionNewGroup
)

func (a Action) String() string {
	switch a {
	case ActionNewStep:
		return "new_step"
	case ActionNewGroup:
		return "new_group"
	default:
		return "measurement"
	}
}

// StepSettings is the operator-owned step configuration.
type StepSettings struct {
	Mode          StepMode
	Base          float64
	Step          float64
	Count         int
	ManualText    string
	Formula       string
	FormulaCount  int
	RepeatCount   int
	Bidirectional bool
}

// DefaultStepSettings mirrors the defaults of a fresh installation.
func DefaultStepSettings() StepSettings {
	return StepSettings{
		Mode:         ModeNone,
		Step:         1.0,
		Count:        10,
		FormulaCount: 10,
		RepeatCount:  1,
	}
}

// BaseItem is one distinct target position.
type BaseItem struct {
	StepNumber int
	Expected   float64 // NaN when undefined
	Repeats    int
	Direction  Direction
}

// IsNone reports whether the item is the no-target sentinel.
func (it BaseItem) IsNone() bool { return it.StepNumber == StepNone }

// Base is the ordered list of distinct positions plus its fingerprints.
type Base struct {
	Items         []BaseItem
	Mode          StepMode
	Bidirectional bool
	StructureHash uint64
	ValuesHash    uint64
	Offset        float64 // the base point expected values are derived from
}

// IsZero reports whether no base has been generated yet.
func (b Base) IsZero() bool { return len(b.Items) == 0 && b.StructureHash == 0 }

// SaveItem is one physical sample slot of a save plan.
type SaveItem struct {
	StepNumber int
	Expected   float64
	Address    int // index of the distinct target visit, shared across repeats
	Direction  Direction
}

// IsNone reports whether the slot belongs to the no-target sentinel.
func (it SaveItem) IsNone() bool { return it.StepNumber == StepNone }

// Save is the flattened plan the store executes. It is shared read-only
// between the generator and the store; never mutate a published Save.
type Save struct {
	Items         []SaveItem
	Mode          StepMode
	Bidirectional bool
	StructureHash uint64
	Offset        float64

	// actions[0] holds first-pass actions, actions[1] the steady state.
	actions [2][]Action
}

// Len returns the number of sample slots.
func (s *Save) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Items)
}

// Action returns the action for slot i on the first pass or on a revisit.
func (s *Save) Action(i int, firstPass bool) Action {
	row := 1
	if firstPass {
		row = 0
	}
	return s.actions[row][i]
}

// ExpectedFor returns the expected value the plan assigns to a step number,
// preferring a slot approached from dir. ok is false if the plan never visits
// the step.
func (s *Save) ExpectedFor(stepNumber int, dir Direction) (expected float64, ok bool) {
	expected = math.NaN()
	for _, it := range s.Items {
		if it.StepNumber != stepNumber {
			continue
		}
		if it.Direction == dir {
			return it.Expected, true
		}
		if !ok {
			expected, ok = it.Expected, true
		}
	}
	return expected, ok
}
