// Package accuracy computes ISO 230-2 bidirectional positioning statistics
// from recorded measurement groups.
package accuracy

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/calibrix/internal/measure"
	"github.com/banshee-data/calibrix/internal/plan"
)

// AggregateStep is the step number of the per-group summary row.
const AggregateStep = -1

// Result is one row of the accuracy report. Per-step rows fill the
// directional statistics; the aggregate row fills MeanRange, SystematicError,
// RepeatabilityBidirectional and PositioningAccuracy for the whole group.
type Result struct {
	GroupID    int `json:"group_id"`
	StepNumber int `json:"step_number"`

	MeanForward       float64 `json:"mean_forward"`       // x⁺
	MeanBackward      float64 `json:"mean_backward"`      // x⁻
	MeanBidirectional float64 `json:"mean_bidirectional"` // x̄
	ReversalError     float64 `json:"reversal_error"`     // B

	StddevForward  float64 `json:"stddev_forward"`
	StddevBackward float64 `json:"stddev_backward"`

	RepeatabilityForward       float64 `json:"repeatability_forward"`  // 4s⁺
	RepeatabilityBackward      float64 `json:"repeatability_backward"` // 4s⁻
	RepeatabilityBidirectional float64 `json:"repeatability_bidirectional"`

	SystematicError     float64 `json:"systematic_error"`
	MeanRange           float64 `json:"mean_range"`
	PositioningAccuracy float64 `json:"positioning_accuracy"`

	// ExpectedPosition is the first defined expected value of the forward
	// series, NaN if none.
	ExpectedPosition float64 `json:"expected_position"`
}

// IsAggregate reports whether r is a group summary row.
func (r Result) IsAggregate() bool { return r.StepNumber == AggregateStep }

func (r Result) upper() float64 {
	return math.Max(r.MeanForward+2*r.StddevBackward, r.MeanBackward+2*r.StddevForward)
}

func (r Result) lower() float64 {
	return math.Min(r.MeanForward-2*r.StddevBackward, r.MeanBackward-2*r.StddevForward)
}

// Compute returns the report for every group with SelectedFor set, in group
// order. Each group contributes its per-step rows sorted by step number
// followed by one aggregate row. Steps missing a direction are skipped, and
// a group without a complete step contributes nothing.
func Compute(groups []measure.Group) []Result {
	var out []Result
	for _, g := range groups {
		if !g.SelectedFor {
			continue
		}
		out = append(out, computeGroup(g)...)
	}
	return out
}

type pair struct {
	forward, backward []float64
	expected          float64
}

func computeGroup(g measure.Group) []Result {
	steps := map[int]*pair{}
	for _, s := range g.Series {
		if len(s.Measurements) == 0 {
			continue
		}
		if s.Direction != plan.DirectionForward && s.Direction != plan.DirectionBackward {
			continue
		}
		p, ok := steps[s.StepNumber]
		if !ok {
			p = &pair{expected: math.NaN()}
			steps[s.StepNumber] = p
		}
		devs := deviations(s.Measurements)
		if s.Direction == plan.DirectionForward {
			p.forward = append(p.forward, devs...)
			if first := s.Measurements[0].Expected; math.IsNaN(p.expected) && !math.IsNaN(first) {
				p.expected = first
			}
			continue
		}
		p.backward = append(p.backward, devs...)
	}

	numbers := make([]int, 0, len(steps))
	for n := range steps {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	var rows []Result
	for _, n := range numbers {
		p := steps[n]
		if len(p.forward) == 0 || len(p.backward) == 0 {
			continue
		}
		rows = append(rows, stepResult(g.ID, n, p))
	}
	if len(rows) == 0 {
		return nil
	}
	return append(rows, aggregate(g.ID, rows))
}

func stepResult(groupID, step int, p *pair) Result {
	r := Result{
		GroupID:          groupID,
		StepNumber:       step,
		MeanForward:      stat.Mean(p.forward, nil),
		MeanBackward:     stat.Mean(p.backward, nil),
		StddevForward:    stddev(p.forward),
		StddevBackward:   stddev(p.backward),
		ExpectedPosition: p.expected,
	}
	r.MeanBidirectional = (r.MeanForward + r.MeanBackward) / 2
	r.ReversalError = r.MeanForward - r.MeanBackward
	r.RepeatabilityForward = 4 * r.StddevForward
	r.RepeatabilityBackward = 4 * r.StddevBackward
	r.RepeatabilityBidirectional = max(
		r.RepeatabilityForward,
		r.RepeatabilityBackward,
		2*r.StddevForward+2*r.StddevBackward+math.Abs(r.ReversalError),
	)
	r.SystematicError = math.Abs(r.ReversalError)
	r.PositioningAccuracy = r.upper() - r.lower()
	return r
}

func aggregate(groupID int, rows []Result) Result {
	total := Result{GroupID: groupID, StepNumber: AggregateStep, ExpectedPosition: math.NaN()}
	minMean, maxMean := rows[0].MeanBidirectional, rows[0].MeanBidirectional
	hi, lo := math.Inf(-1), math.Inf(1)
	for _, r := range rows {
		minMean = math.Min(minMean, r.MeanBidirectional)
		maxMean = math.Max(maxMean, r.MeanBidirectional)
		total.SystematicError = math.Max(total.SystematicError, math.Abs(r.ReversalError))
		total.RepeatabilityBidirectional = math.Max(total.RepeatabilityBidirectional, r.RepeatabilityBidirectional)
		hi = math.Max(hi, r.upper())
		lo = math.Min(lo, r.lower())
	}
	total.MeanRange = maxMean - minMean
	total.PositioningAccuracy = hi - lo
	return total
}

func deviations(ms []measure.Measurement) []float64 {
	out := make([]float64, 0, len(ms))
	for _, m := range ms {
		if !math.IsNaN(m.Deviation) {
			out = append(out, m.Deviation)
		}
	}
	return out
}

// stddev is the Bessel-corrected sample deviation, 0 below two samples.
func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.StdDev(xs, nil)
}
