package accuracy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/calibrix/internal/measure"
	"github.com/banshee-data/calibrix/internal/plan"
)

const eps = 1e-9

func series(step int, dir plan.Direction, expected float64, devs ...float64) measure.Series {
	s := measure.Series{StepNumber: step, Direction: dir, Expected: expected}
	for i, d := range devs {
		s.Measurements = append(s.Measurements, measure.Measurement{
			RepeatIndex: i + 1,
			Expected:    expected,
			Deviation:   d,
		})
	}
	return s
}

func TestCompute_SingleStep(t *testing.T) {
	g := measure.Group{ID: 1, SelectedFor: true, Series: []measure.Series{
		series(1, plan.DirectionForward, 10, 0.10, 0.12, 0.08),
		series(1, plan.DirectionBackward, 10, 0.20, 0.22, 0.18),
	}}

	got := Compute([]measure.Group{g})
	require.Len(t, got, 2)

	r := got[0]
	assert.Equal(t, 1, r.StepNumber)
	assert.Equal(t, 1, r.GroupID)
	assert.InDelta(t, 0.10, r.MeanForward, eps)
	assert.InDelta(t, 0.20, r.MeanBackward, eps)
	assert.InDelta(t, 0.15, r.MeanBidirectional, eps)
	assert.InDelta(t, -0.10, r.ReversalError, eps)
	assert.InDelta(t, 0.02, r.StddevForward, eps)
	assert.InDelta(t, 0.02, r.StddevBackward, eps)
	assert.InDelta(t, 0.08, r.RepeatabilityForward, eps)
	assert.InDelta(t, 0.08, r.RepeatabilityBackward, eps)
	assert.InDelta(t, 0.18, r.RepeatabilityBidirectional, eps)
	assert.InDelta(t, 0.10, r.SystematicError, eps)
	// upper = max(0.10+0.04, 0.20+0.04), lower = min(0.10-0.04, 0.20-0.04)
	assert.InDelta(t, 0.18, r.PositioningAccuracy, eps)
	assert.Equal(t, 10.0, r.ExpectedPosition)

	agg := got[1]
	assert.True(t, agg.IsAggregate())
	assert.InDelta(t, 0, agg.MeanRange, eps)
	assert.InDelta(t, 0.10, agg.SystematicError, eps)
	assert.InDelta(t, 0.18, agg.RepeatabilityBidirectional, eps)
	assert.InDelta(t, 0.18, agg.PositioningAccuracy, eps)
}

func TestCompute_AggregateAcrossSteps(t *testing.T) {
	g := measure.Group{ID: 3, SelectedFor: true, Series: []measure.Series{
		series(1, plan.DirectionForward, 10, 0.0),
		series(2, plan.DirectionForward, 20, 0.4),
		series(2, plan.DirectionBackward, 20, 0.2),
		series(1, plan.DirectionBackward, 10, 0.0),
	}}

	got := Compute([]measure.Group{g})
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, AggregateStep}, []int{got[0].StepNumber, got[1].StepNumber, got[2].StepNumber})

	// Single samples have zero spread.
	assert.Zero(t, got[1].StddevForward)
	assert.InDelta(t, 0.2, got[1].RepeatabilityBidirectional, eps)

	agg := got[2]
	assert.InDelta(t, 0.3, agg.MeanRange, eps)
	assert.InDelta(t, 0.2, agg.SystematicError, eps)
	assert.InDelta(t, 0.2, agg.RepeatabilityBidirectional, eps)
	assert.InDelta(t, 0.4, agg.PositioningAccuracy, eps)
	assert.True(t, math.IsNaN(agg.ExpectedPosition))
}

func TestCompute_SkipsIncompleteAndUnselected(t *testing.T) {
	groups := []measure.Group{
		{ID: 1, SelectedFor: false, Series: []measure.Series{
			series(1, plan.DirectionForward, 10, 0.1),
			series(1, plan.DirectionBackward, 10, 0.1),
		}},
		{ID: 2, SelectedFor: true, Series: []measure.Series{
			series(1, plan.DirectionForward, 10, 0.1),
			series(2, plan.DirectionBackward, 20, 0.1),
			series(3, plan.DirectionUnknown, math.NaN(), 0.1),
		}},
	}
	assert.Empty(t, Compute(groups))
}

func TestCompute_IgnoresNaNDeviations(t *testing.T) {
	g := measure.Group{ID: 1, SelectedFor: true, Series: []measure.Series{
		series(1, plan.DirectionForward, math.NaN(), math.NaN(), math.NaN()),
		series(1, plan.DirectionBackward, 5, 0.3),
	}}
	assert.Empty(t, Compute([]measure.Group{g}), "a direction with only NaN deviations is incomplete")

	g.Series[0] = series(1, plan.DirectionForward, math.NaN(), math.NaN(), 0.1)
	got := Compute([]measure.Group{g})
	require.Len(t, got, 2)
	assert.InDelta(t, 0.1, got[0].MeanForward, eps)
	assert.True(t, math.IsNaN(got[0].ExpectedPosition))
}

func TestCompute_MergesRepeatedSeries(t *testing.T) {
	g := measure.Group{ID: 1, SelectedFor: true, Series: []measure.Series{
		series(1, plan.DirectionForward, 10, 0.1),
		series(1, plan.DirectionForward, 10, 0.3),
		series(1, plan.DirectionBackward, 10, 0.2),
	}}
	got := Compute([]measure.Group{g})
	require.Len(t, got, 2)
	assert.InDelta(t, 0.2, got[0].MeanForward, eps)
}
