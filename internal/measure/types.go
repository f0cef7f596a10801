// Package measure executes save plans against incoming filtered samples and
// owns the group / series / measurement hierarchy.
package measure

import "github.com/banshee-data/calibrix/internal/plan"

// GroupType tells whether a group was recorded with a ping-pong plan.
type GroupType int

const (
	Unidirectional GroupType = iota
	Bidirectional
)

func (t GroupType) String() string {
	if t == Bidirectional {
		return "bidirectional"
	}
	return "unidirectional"
}

// Measurement is one committed sample.
type Measurement struct {
	RepeatIndex int     `json:"repeat_index"` // 1-based within the series
	Raw         float64 `json:"raw"`
	Distance    float64 `json:"distance"`  // raw - base
	Expected    float64 `json:"expected"`  // NaN when undefined
	Deviation   float64 `json:"deviation"` // distance - expected
}

// Series is one visit of a target position.
type Series struct {
	StepNumber   int            `json:"step_number"`
	Address      int            `json:"address"`
	Expected     float64        `json:"expected"`
	Direction    plan.Direction `json:"direction"`
	Measurements []Measurement  `json:"measurements"`
}

// Group is one traversal of the plan.
type Group struct {
	ID          int           `json:"group_id"`
	Mode        plan.StepMode `json:"mode"`
	Type        GroupType     `json:"type"`
	SelectedFor bool          `json:"selected_for"`
	Series      []Series      `json:"series"`
}

// Change is the result of comparing a plan with the last consumed one.
type Change int

const (
	ChangeNone      Change = 0
	ChangeBase      Change = 1 // only the base offset moved
	ChangeStructure Change = 2 // the plan shape was superseded
)

func cloneGroups(in []Group) []Group {
	out := make([]Group, len(in))
	for i, g := range in {
		out[i] = g
		out[i].Series = make([]Series, len(g.Series))
		for j, s := range g.Series {
			out[i].Series[j] = s
			out[i].Series[j].Measurements = append([]Measurement(nil), s.Measurements...)
		}
	}
	return out
}
