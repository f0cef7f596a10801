package plan

import (
	"math"
	"sync"
)

// Generator owns the current Base and memoizes the Save derived from it.
// It is safe for concurrent use.
type Generator struct {
	mu           sync.Mutex
	base         Base
	cached       *Save
	cachedValues uint64
}

// NewGenerator returns a Generator with no base.
func NewGenerator() *Generator {
	return &Generator{}
}

// MakeBase builds the base plan for step and makes it current. A None mode
// or non-positive counts degrade to the single sentinel item.
func (g *Generator) MakeBase(step StepSettings) Base {
	b := BuildBase(step)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.base = b
	return cloneBase(b)
}

// CurrentBase returns a copy of the current base.
func (g *Generator) CurrentBase() Base {
	g.mu.Lock()
	defer g.mu.Unlock()
	return cloneBase(g.base)
}

// MakeSave returns the save plan for the current base. The same handle is
// returned until the base changes. Nil is returned before MakeBase.
func (g *Generator) MakeSave() *Save {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.base.IsZero() {
		return nil
	}
	if c := g.cached; c != nil &&
		c.StructureHash == g.base.StructureHash &&
		c.Offset == g.base.Offset &&
		g.cachedValues == g.base.ValuesHash {
		return c
	}
	g.cached = BuildSave(g.base)
	g.cachedValues = g.base.ValuesHash
	return g.cached
}

// BuildBase is the pure form of MakeBase.
func BuildBase(step StepSettings) Base {
	out := Base{
		Mode:          step.Mode,
		Bidirectional: step.Bidirectional,
		Offset:        step.Base,
	}

	if step.Mode == ModeNone || step.Count <= 0 || step.RepeatCount <= 0 {
		out.Mode = ModeNone
		out.Items = []BaseItem{{
			StepNumber: StepNone,
			Expected:   math.NaN(),
			Repeats:    max(0, step.RepeatCount),
			Direction:  DirectionUnknown,
		}}
		out.StructureHash = hashStructure(&out)
		out.ValuesHash = hashValues(&out)
		return out
	}

	var manual []float64
	if step.Mode == ModeManual {
		manual = ParseManual(step.ManualText)
	}

	out.Items = make([]BaseItem, 0, step.Count)
	prev := step.Base
	for i := 1; i <= step.Count; i++ {
		var exp float64
		switch step.Mode {
		case ModeUniform:
			exp = expectedUniform(i, step.Step, step.Base)
		case ModeManual:
			exp = expectedManual(i, manual, step.Base)
		case ModeFormula:
			exp = expectedFormula(i, step.Formula, step.FormulaCount, step.Base)
		}
		out.Items = append(out.Items, BaseItem{
			StepNumber: i,
			Expected:   exp,
			Repeats:    step.RepeatCount,
			Direction:  directionByDiff(prev, exp),
		})
		prev = exp
	}
	out.StructureHash = hashStructure(&out)
	out.ValuesHash = hashValues(&out)
	return out
}

// BuildSave flattens a base into one slot per physical sample, walking the
// traversal from Expand. Addresses count traversal legs, so the return half
// continues after the highest forward address.
//
// First pass: the very first slot opens the group, the first repeat of every
// later leg opens a step, the rest are measurements. Revisits are
// measurements, except for the sentinel where every sample is its own step.
// The return half opens steps, not a group: one ping-pong walk is one group,
// which is what lets accuracy pair both directions of a step.
func BuildSave(b Base) *Save {
	s := &Save{
		Mode:          b.Mode,
		Bidirectional: b.Bidirectional,
		StructureHash: b.StructureHash,
		Offset:        b.Offset,
	}

	for address, leg := range Expand(len(b.Items), b.Bidirectional) {
		item := b.Items[leg.Index]
		repeats := max(0, item.Repeats)
		if item.IsNone() {
			// The sentinel always accepts samples, even with zero repeats.
			repeats = max(1, repeats)
		}
		for r := 0; r < repeats; r++ {
			first := ActionMeasurement
			switch {
			case len(s.Items) == 0:
				first = ActionNewGroup
			case r == 0:
				first = ActionNewStep
			}
			steady := ActionMeasurement
			if item.IsNone() {
				steady = ActionNewStep
			}

			s.Items = append(s.Items, SaveItem{
				StepNumber: item.StepNumber,
				Expected:   item.Expected,
				Address:    address,
				Direction:  leg.Direction(item),
			})
			s.actions[0] = append(s.actions[0], first)
			s.actions[1] = append(s.actions[1], steady)
		}
	}
	return s
}

func cloneBase(b Base) Base {
	b.Items = append([]BaseItem(nil), b.Items...)
	return b
}
