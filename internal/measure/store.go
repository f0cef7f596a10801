package measure

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/calibrix/internal/monitoring"
	"github.com/banshee-data/calibrix/internal/plan"
)

var logf = monitoring.Component("measure")

// ErrNoPlan is returned by Add when no non-empty save plan is applied.
var ErrNoPlan = errors.New("no save plan applied")

// ErrUnknownGroup is returned when a group id does not exist.
var ErrUnknownGroup = errors.New("unknown group")

// none is the explicit "no current group/series" handle.
const none = -1

// snapshot is the plan slot resolved for one sample.
type snapshot struct {
	action     plan.Action
	stepNumber int
	expected   float64
	address    int
	direction  plan.Direction
	value      float64
}

// Store records samples according to the active save plan. It is safe for
// concurrent use.
type Store struct {
	mu sync.RWMutex

	groups  []Group
	groupID int

	plan      *plan.Save
	cursor    int
	firstPass bool

	// Fingerprint of the last consumed plan; consumed=false never matches.
	consumed   bool
	prevHash   uint64
	prevOffset float64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{firstPass: true, prevOffset: math.NaN()}
}

// ApplyPlan replaces the active plan and rewinds the cursor. Whether the
// next sample opens a new group is decided by Add once it compares the plan
// with the last consumed one.
func (s *Store) ApplyPlan(p *plan.Save) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
	s.cursor = 0
}

// Add records one filtered sample at the current plan slot and advances.
func (s *Store) Add(value float64) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.plan.Len() == 0 {
		return ChangeNone, ErrNoPlan
	}

	change := s.detectChange()
	switch change {
	case ChangeStructure:
		s.firstPass = true
		s.cursor = 0
	case ChangeBase:
		if gi := s.currentGroup(); gi != none {
			s.recalcGroup(gi)
		}
	}
	s.consumed = true
	s.prevHash = s.plan.StructureHash
	s.prevOffset = s.plan.Offset

	snap := s.takeSnapshot(value)
	switch snap.action {
	case plan.ActionNewGroup:
		s.startGroup(snap)
	case plan.ActionNewStep:
		s.startSeries(snap)
	default:
		s.addMeasurement(snap)
	}

	s.advance()
	return change, nil
}

// Clear drops every group and forces the next plan to be treated as new.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = nil
	s.groupID = 0
	s.cursor = 0
	s.firstPass = true
	s.consumed = false
	s.prevHash = 0
	s.prevOffset = math.NaN()
}

// SetGroups replaces the stored groups, e.g. after loading a persisted run.
func (s *Store) SetGroups(groups []Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = cloneGroups(groups)
	s.groupID = 0
	for _, g := range s.groups {
		s.groupID = max(s.groupID, g.ID)
	}
}

// Groups returns a deep copy of all groups.
func (s *Store) Groups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneGroups(s.groups)
}

// Counts returns the number of groups, the number of series in the last
// group and the number of measurements in its last series.
func (s *Store) Counts() (groups, series, measurements int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups = len(s.groups)
	if groups == 0 {
		return
	}
	last := s.groups[groups-1]
	series = len(last.Series)
	if series == 0 {
		return
	}
	measurements = len(last.Series[series-1].Measurements)
	return
}

// Last reports where recording left off: the step, direction and sample
// count of the open series. ok is false when nothing was recorded yet.
func (s *Store) Last() (stepNumber int, direction plan.Direction, recorded int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gi := s.currentGroup()
	if gi == none {
		return 0, plan.DirectionUnknown, 0, false
	}
	si := s.currentSeries(gi)
	if si == none {
		return 0, plan.DirectionUnknown, 0, false
	}
	ser := s.groups[gi].Series[si]
	return ser.StepNumber, ser.Direction, len(ser.Measurements), true
}

// SetSelected toggles whether a group takes part in accuracy computation.
func (s *Store) SetSelected(groupID int, selected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.groups {
		if s.groups[i].ID == groupID {
			s.groups[i].SelectedFor = selected
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrUnknownGroup, groupID)
}

func (s *Store) detectChange() Change {
	if !s.consumed || s.plan.StructureHash != s.prevHash {
		return ChangeStructure
	}
	bothNaN := math.IsNaN(s.plan.Offset) && math.IsNaN(s.prevOffset)
	if !bothNaN && s.plan.Offset != s.prevOffset {
		return ChangeBase
	}
	return ChangeNone
}

func (s *Store) takeSnapshot(value float64) snapshot {
	it := s.plan.Items[s.cursor]
	snap := snapshot{
		action:     s.plan.Action(s.cursor, s.firstPass),
		stepNumber: it.StepNumber,
		expected:   it.Expected,
		address:    it.Address,
		direction:  it.Direction,
		value:      value,
	}
	if !it.IsNone() {
		return snap
	}

	// Sentinel slots carry no target: step numbers and addresses are
	// allocated from what the current group already holds.
	snap.expected = math.NaN()
	snap.direction = plan.DirectionUnknown
	if snap.action == plan.ActionMeasurement {
		if gi := s.currentGroup(); gi != none {
			if si := s.currentSeries(gi); si != none {
				ser := s.groups[gi].Series[si]
				snap.stepNumber = ser.StepNumber
				snap.address = ser.Address
				return snap
			}
		}
		snap.action = plan.ActionNewStep
	}
	if snap.action == plan.ActionNewStep {
		snap.stepNumber, snap.address = s.nextSentinelStep()
	}
	return snap
}

// nextSentinelStep allocates the next step number and address in the
// current group.
func (s *Store) nextSentinelStep() (stepNumber, address int) {
	gi := s.currentGroup()
	if gi == none {
		return 1, 0
	}
	for _, ser := range s.groups[gi].Series {
		stepNumber = max(stepNumber, ser.StepNumber)
	}
	return max(1, stepNumber+1), len(s.groups[gi].Series)
}

func (s *Store) advance() {
	s.cursor++
	if s.cursor >= s.plan.Len() {
		s.cursor = 0
		s.firstPass = false
	}
}

func (s *Store) startGroup(snap snapshot) {
	s.groupID++
	typ := Unidirectional
	if s.plan.Bidirectional {
		typ = Bidirectional
	}
	s.groups = append(s.groups, Group{
		ID:          s.groupID,
		Mode:        s.plan.Mode,
		Type:        typ,
		SelectedFor: true,
	})
	logf("opened group %d (%s, %s)", s.groupID, s.plan.Mode, typ)

	if s.plan.Items[s.cursor].IsNone() {
		snap.stepNumber, snap.address = s.nextSentinelStep()
	}
	snap.action = plan.ActionNewStep
	s.startSeries(snap)
}

func (s *Store) startSeries(snap snapshot) {
	gi := s.currentGroup()
	if gi == none {
		s.startGroup(snap)
		return
	}
	s.groups[gi].Series = append(s.groups[gi].Series, Series{
		StepNumber: snap.stepNumber,
		Address:    snap.address,
		Expected:   snap.expected,
		Direction:  snap.direction,
	})
	s.addMeasurement(snap)
}

func (s *Store) addMeasurement(snap snapshot) {
	gi := s.currentGroup()
	if gi == none {
		s.startGroup(snap)
		return
	}
	si := s.currentSeries(gi)
	if si == none {
		s.startSeries(snap)
		return
	}
	ser := &s.groups[gi].Series[si]
	dist := plan.Distance(snap.value, s.plan.Offset)
	ser.Measurements = append(ser.Measurements, Measurement{
		RepeatIndex: len(ser.Measurements) + 1,
		Raw:         snap.value,
		Distance:    dist,
		Expected:    snap.expected,
		Deviation:   plan.Deviation(dist, snap.expected),
	})
}

// recalcGroup recomputes distance and deviation of every measurement in
// group gi against the active plan. Raw values and series are kept.
func (s *Store) recalcGroup(gi int) {
	g := &s.groups[gi]
	for si := range g.Series {
		ser := &g.Series[si]
		expected, ok := s.plan.ExpectedFor(ser.StepNumber, ser.Direction)
		if !ok {
			expected = math.NaN()
		}
		ser.Expected = expected
		for mi := range ser.Measurements {
			m := &ser.Measurements[mi]
			m.Distance = plan.Distance(m.Raw, s.plan.Offset)
			m.Expected = expected
			m.Deviation = plan.Deviation(m.Distance, expected)
		}
	}
	logf("group %d recomputed for base %g", g.ID, s.plan.Offset)
}

func (s *Store) currentGroup() int {
	if len(s.groups) == 0 {
		return none
	}
	return len(s.groups) - 1
}

func (s *Store) currentSeries(gi int) int {
	if gi == none || len(s.groups[gi].Series) == 0 {
		return none
	}
	return len(s.groups[gi].Series) - 1
}
