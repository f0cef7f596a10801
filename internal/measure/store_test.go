package measure

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/calibrix/internal/monitoring"
	"github.com/banshee-data/calibrix/internal/plan"
)

func init() {
	monitoring.SetLogger(nil)
}

func savePlan(t *testing.T, s plan.StepSettings) *plan.Save {
	t.Helper()
	g := plan.NewGenerator()
	g.MakeBase(s)
	p := g.MakeSave()
	require.NotNil(t, p)
	return p
}

func uniform(base float64, count, repeats int, bidi bool) plan.StepSettings {
	s := plan.DefaultStepSettings()
	s.Mode = plan.ModeUniform
	s.Base = base
	s.Step = 10
	s.Count = count
	s.RepeatCount = repeats
	s.Bidirectional = bidi
	return s
}

func addAll(t *testing.T, st *Store, values ...float64) {
	t.Helper()
	for _, v := range values {
		_, err := st.Add(v)
		require.NoError(t, err)
	}
}

func TestStore_AddWithoutPlan(t *testing.T) {
	st := NewStore()
	_, err := st.Add(1)
	assert.ErrorIs(t, err, ErrNoPlan)

	st.ApplyPlan(&plan.Save{})
	_, err = st.Add(1)
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestStore_UniformGroupLayout(t *testing.T) {
	st := NewStore()
	st.ApplyPlan(savePlan(t, uniform(0, 3, 2, false)))

	addAll(t, st, 10.1, 9.9, 20.2, 19.8, 30.0, 30.4)

	groups := st.Groups()
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, 1, g.ID)
	assert.Equal(t, Unidirectional, g.Type)
	assert.Equal(t, plan.ModeUniform, g.Mode)
	assert.True(t, g.SelectedFor)
	require.Len(t, g.Series, 3)

	for i, ser := range g.Series {
		assert.Equal(t, i+1, ser.StepNumber)
		assert.Equal(t, i, ser.Address)
		assert.Equal(t, plan.DirectionForward, ser.Direction)
		require.Len(t, ser.Measurements, 2)
		for j, m := range ser.Measurements {
			assert.Equal(t, j+1, m.RepeatIndex)
		}
	}
	m := g.Series[1].Measurements[0]
	assert.InDelta(t, 20.2, m.Distance, 1e-9)
	assert.InDelta(t, 20.0, m.Expected, 1e-9)
	assert.InDelta(t, 0.2, m.Deviation, 1e-9)
}

func TestStore_BidirectionalSingleGroup(t *testing.T) {
	st := NewStore()
	st.ApplyPlan(savePlan(t, uniform(0, 3, 2, true)))

	addAll(t, st, 10, 10, 20, 20, 30, 30, 30, 30, 20, 20, 10, 10)

	groups := st.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, Bidirectional, groups[0].Type)

	var steps []int
	var dirs []plan.Direction
	for _, ser := range groups[0].Series {
		steps = append(steps, ser.StepNumber)
		dirs = append(dirs, ser.Direction)
		assert.Len(t, ser.Measurements, 2)
	}
	f, b := plan.DirectionForward, plan.DirectionBackward
	assert.Empty(t, cmp.Diff([]int{1, 2, 3, 3, 2, 1}, steps))
	assert.Empty(t, cmp.Diff([]plan.Direction{f, f, f, b, b, b}, dirs))
}

func TestStore_RevisitAppendsToSeries(t *testing.T) {
	st := NewStore()
	st.ApplyPlan(savePlan(t, uniform(0, 2, 1, false)))

	addAll(t, st, 10, 20, 10.5, 20.5)

	groups := st.Groups()
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Series, 2)
	// After the first pass every slot is a measurement, so the
	// last series keeps growing.
	assert.Len(t, groups[0].Series[0].Measurements, 1)
	assert.Len(t, groups[0].Series[1].Measurements, 3)
	for i, m := range groups[0].Series[1].Measurements {
		assert.Equal(t, i+1, m.RepeatIndex)
	}
}

func TestStore_NoneModeZeroRepeats(t *testing.T) {
	s := plan.DefaultStepSettings()
	s.Mode = plan.ModeNone
	s.RepeatCount = 0

	st := NewStore()
	st.ApplyPlan(savePlan(t, s))

	addAll(t, st, 1.5, 2.5, 3.5, 4.5)

	groups := st.Groups()
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Series, 4)
	for i, ser := range groups[0].Series {
		assert.Equal(t, i+1, ser.StepNumber)
		assert.Equal(t, i, ser.Address)
		assert.Equal(t, plan.DirectionUnknown, ser.Direction)
		assert.True(t, math.IsNaN(ser.Expected))
		require.Len(t, ser.Measurements, 1)
		assert.Equal(t, 1, ser.Measurements[0].RepeatIndex)
		assert.True(t, math.IsNaN(ser.Measurements[0].Deviation))
	}
}

func TestStore_ChangeDetection(t *testing.T) {
	st := NewStore()
	st.ApplyPlan(savePlan(t, uniform(0, 2, 1, false)))

	c, err := st.Add(10)
	require.NoError(t, err)
	assert.Equal(t, ChangeStructure, c, "first add always sees a new plan")

	c, err = st.Add(20)
	require.NoError(t, err)
	assert.Equal(t, ChangeNone, c)

	st.ApplyPlan(savePlan(t, uniform(5, 2, 1, false)))
	c, err = st.Add(15)
	require.NoError(t, err)
	assert.Equal(t, ChangeBase, c)

	st.ApplyPlan(savePlan(t, uniform(5, 3, 1, false)))
	c, err = st.Add(15)
	require.NoError(t, err)
	assert.Equal(t, ChangeStructure, c)

	groups := st.Groups()
	require.Len(t, groups, 2, "structure change opens a new group")
}

func TestStore_BaseChangeRecomputesCurrentGroup(t *testing.T) {
	st := NewStore()
	st.ApplyPlan(savePlan(t, uniform(0, 2, 2, false)))
	addAll(t, st, 10.1, 10.2, 20.3, 20.4)

	before := st.Groups()
	require.Len(t, before[0].Series, 2)

	st.ApplyPlan(savePlan(t, uniform(1, 2, 2, false)))
	c, err := st.Add(21.5)
	require.NoError(t, err)
	assert.Equal(t, ChangeBase, c)

	after := st.Groups()
	require.Len(t, after, 1)
	require.Len(t, after[0].Series, 2, "recompute never changes series count")

	first := after[0].Series[0]
	assert.InDelta(t, 11.0, first.Expected, 1e-9)
	require.Len(t, first.Measurements, 2)
	for i, m := range first.Measurements {
		assert.Equal(t, before[0].Series[0].Measurements[i].Raw, m.Raw)
		assert.InDelta(t, m.Raw-1, m.Distance, 1e-9)
		assert.InDelta(t, m.Distance-11.0, m.Deviation, 1e-9)
	}
	second := after[0].Series[1]
	assert.InDelta(t, 21.0, second.Expected, 1e-9)
	require.Len(t, second.Measurements, 3)
	assert.Equal(t, 21.5, second.Measurements[2].Raw)
}

func TestStore_ReapplySamePlanKeepsGroup(t *testing.T) {
	st := NewStore()
	p := savePlan(t, uniform(0, 2, 1, false))
	st.ApplyPlan(p)
	addAll(t, st, 10, 20)

	st.ApplyPlan(p)
	c, err := st.Add(10.5)
	require.NoError(t, err)
	assert.Equal(t, ChangeNone, c)

	groups := st.Groups()
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Series, 2)
}

func TestStore_ClearInvalidatesFingerprint(t *testing.T) {
	st := NewStore()
	p := savePlan(t, uniform(0, 1, 1, false))
	st.ApplyPlan(p)
	addAll(t, st, 10)

	st.Clear()
	assert.Empty(t, st.Groups())

	c, err := st.Add(10)
	require.NoError(t, err)
	assert.Equal(t, ChangeStructure, c)
	groups := st.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].ID)
}

func TestStore_GroupsIsDeepCopy(t *testing.T) {
	st := NewStore()
	st.ApplyPlan(savePlan(t, uniform(0, 1, 1, false)))
	addAll(t, st, 10)

	g := st.Groups()
	g[0].Series[0].Measurements[0].Raw = 999

	assert.Equal(t, 10.0, st.Groups()[0].Series[0].Measurements[0].Raw)
}

func TestStore_CountsAndLast(t *testing.T) {
	st := NewStore()
	_, _, _, ok := st.Last()
	assert.False(t, ok)

	st.ApplyPlan(savePlan(t, uniform(0, 2, 3, true)))
	addAll(t, st, 10, 10, 10, 20)

	g, s, m := st.Counts()
	assert.Equal(t, 1, g)
	assert.Equal(t, 2, s)
	assert.Equal(t, 1, m)

	step, dir, recorded, ok := st.Last()
	require.True(t, ok)
	assert.Equal(t, 2, step)
	assert.Equal(t, plan.DirectionForward, dir)
	assert.Equal(t, 1, recorded)
}

func TestStore_SetGroupsAndSelect(t *testing.T) {
	st := NewStore()
	st.SetGroups([]Group{{ID: 4, SelectedFor: true}, {ID: 7, SelectedFor: true}})

	require.NoError(t, st.SetSelected(7, false))
	assert.False(t, st.Groups()[1].SelectedFor)
	assert.ErrorIs(t, st.SetSelected(99, true), ErrUnknownGroup)

	st.ApplyPlan(savePlan(t, uniform(0, 1, 1, false)))
	addAll(t, st, 10)
	groups := st.Groups()
	require.Len(t, groups, 3)
	assert.Equal(t, 8, groups[2].ID)
}
