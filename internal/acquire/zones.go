package acquire

import (
	"math"

	"github.com/banshee-data/calibrix/internal/plan"
)

// SaveZone is one target the state machine waits at.
type SaveZone struct {
	StepNumber   int            `json:"step_number"`
	Expected     float64        `json:"expected"` // NaN: stability alone gates the zone
	Direction    plan.Direction `json:"direction"`
	RepeatsTotal int            `json:"repeats_total"`
}

// Plan is an ordered list of zones plus the thresholds used to walk them.
type Plan struct {
	Zones  []SaveZone
	Config Config
}

// Counter is the read-only view of the measurement store the state machine
// needs. *measure.Store implements it.
type Counter interface {
	// Counts returns groups, series in the last group and measurements in
	// its last series.
	Counts() (groups, series, measurements int)
	// Last reports the open series, ok is false when nothing is recorded.
	Last() (stepNumber int, direction plan.Direction, recorded int, ok bool)
}

// CreatePlan builds the zones for an acquisition run. The first zone resumes
// the series the store left off at with the repeats still missing there, or
// a full cycle when that series is already complete. With AutoGroup the
// remaining legs of the traversal follow in the order plan.Expand gives,
// which is the same order the store's save plan uses.
func CreatePlan(step plan.StepSettings, auto AutoSaveSettings, store Counter) Plan {
	p := Plan{Config: DefaultConfig().WithAutoSave(auto)}

	base := plan.BuildBase(step)
	repeats := max(1, step.RepeatCount)
	legs := plan.Expand(len(base.Items), base.Bidirectional)
	if len(legs) == 0 {
		return p
	}
	if base.Items[0].IsNone() {
		legs = legs[:1]
	}

	start, recorded := 0, 0
	if store != nil {
		if stepNumber, dir, n, ok := store.Last(); ok {
			if idx, found := resumeLeg(legs, base.Items, stepNumber, dir); found {
				start, recorded = idx, n
			}
		}
	}

	zoneFor := func(leg plan.Leg) SaveZone {
		item := base.Items[leg.Index]
		z := SaveZone{
			StepNumber:   item.StepNumber,
			Expected:     item.Expected,
			Direction:    leg.Direction(item),
			RepeatsTotal: repeats,
		}
		if item.IsNone() {
			z.Expected = math.NaN()
		}
		return z
	}

	first := zoneFor(legs[start])
	if left := repeats - recorded; left > 0 {
		first.RepeatsTotal = left
	}
	p.Zones = append(p.Zones, first)

	if !auto.AutoGroup {
		return p
	}
	for _, leg := range legs[start+1:] {
		p.Zones = append(p.Zones, zoneFor(leg))
	}
	return p
}

// resumeLeg finds the traversal leg of the last recorded series. An exact
// step and direction match wins; otherwise the first leg visiting the step.
// The sentinel plan has a single leg which always matches.
func resumeLeg(legs []plan.Leg, items []plan.BaseItem, stepNumber int, dir plan.Direction) (int, bool) {
	fallback := -1
	for i, leg := range legs {
		item := items[leg.Index]
		if item.IsNone() {
			return i, true
		}
		if item.StepNumber != stepNumber {
			continue
		}
		if leg.Direction(item) == dir {
			return i, true
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback, fallback >= 0
}
