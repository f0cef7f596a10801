package acquire

import (
	"math"

	"github.com/banshee-data/calibrix/internal/monitoring"
)

var logf = monitoring.Component("acquire")

// State is a state of the acquisition machine.
type State int

const (
	StateIdle State = iota
	StateInZoneSearch
	StateSave
	StateOutZoneSearch
	StateFinish
)

func (s State) String() string {
	switch s {
	case StateInZoneSearch:
		return "in_zone_search"
	case StateSave:
		return "save"
	case StateOutZoneSearch:
		return "out_zone_search"
	case StateFinish:
		return "finish"
	default:
		return "idle"
	}
}

// Event is emitted by Tick for the owner of the machine to act on.
type Event int

const (
	// EventCommitRequested asks the owner to record one sample and call
	// CommitFinished afterwards.
	EventCommitRequested Event = iota
	// EventPlanFinished reports that every zone was served.
	EventPlanFinished
)

func (e Event) String() string {
	if e == EventPlanFinished {
		return "plan_finished"
	}
	return "commit_requested"
}

type counts struct{ groups, series, measurements int }

// after reports whether c shows a commit compared with the before marker.
func (c counts) after(before counts) bool {
	switch {
	case c.groups != before.groups:
		return c.groups > before.groups
	case c.series != before.series:
		return c.series > before.series
	default:
		return c.measurements > before.measurements
	}
}

// FSM is the acquisition state machine. It does no I/O and is not safe for
// concurrent use; Runner serializes access.
type FSM struct {
	store Counter

	plan   Plan
	state  State
	zone   int
	done   int
	window *ring

	lastSaved float64
	before    counts
	requested bool
	waited    int

	stable   int
	cooldown int
}

// NewFSM returns an idle machine that checks commits against store.
func NewFSM(store Counter) *FSM {
	return &FSM{
		store:     store,
		window:    newRing(BufferCapacity),
		zone:      -1,
		lastSaved: math.NaN(),
	}
}

// Start resets the machine and begins searching for the first zone.
func (f *FSM) Start(p Plan) {
	f.Stop()
	f.plan = p
	f.state = StateInZoneSearch
	if len(p.Zones) == 0 {
		f.state = StateFinish
		return
	}
	f.zone = 0
	logf("started with %d zones", len(p.Zones))
}

// Stop returns the machine to Idle and drops all progress. Calling it twice
// is harmless.
func (f *FSM) Stop() {
	f.state = StateIdle
	f.plan = Plan{}
	f.zone = -1
	f.done = 0
	f.window.reset()
	f.lastSaved = math.NaN()
	f.before = counts{}
	f.requested = false
	f.waited = 0
	f.stable = 0
	f.cooldown = 0
}

// State returns the current state.
func (f *FSM) State() State { return f.state }

// Progress returns the current zone and how many commits it already got.
func (f *FSM) Progress() (zone SaveZone, index, done int, ok bool) {
	if f.zone < 0 || f.zone >= len(f.plan.Zones) {
		return SaveZone{}, f.zone, f.done, false
	}
	return f.plan.Zones[f.zone], f.zone, f.done, true
}

// PushSample appends one sample to the speed window. Samples are ignored
// while idle.
func (f *FSM) PushSample(v float64) {
	if f.state == StateIdle {
		return
	}
	f.window.push(v)
}

// Tick advances the machine by one step and returns the events it raised.
func (f *FSM) Tick() []Event {
	if f.state == StateIdle {
		return nil
	}
	if f.state != StateFinish && (f.zone < 0 || f.zone >= len(f.plan.Zones)) {
		f.state = StateFinish
	}

	var events []Event
	switch f.state {
	case StateInZoneSearch:
		f.state = f.inZoneSearch()
	case StateSave:
		var next State
		next, events = f.save()
		f.state = next
	case StateOutZoneSearch:
		f.state = f.outZoneSearch()
	case StateFinish:
		logf("plan finished")
		f.Stop()
		events = []Event{EventPlanFinished}
	}
	return events
}

// CommitFinished acknowledges a commit requested by EventCommitRequested.
// It reports whether the store actually grew; if not, the machine stays in
// Save and waits for another acknowledgement.
func (f *FSM) CommitFinished() bool {
	if f.state != StateSave || !f.requested {
		return false
	}
	if !f.current().after(f.before) {
		logf("commit not visible in store, still waiting")
		return false
	}

	f.advanceZone()
	f.cooldown = f.plan.Config.CooldownTicks
	f.stable = 0
	f.requested = false
	f.waited = 0
	if f.zone < len(f.plan.Zones) {
		f.state = StateOutZoneSearch
	} else {
		f.state = StateFinish
	}
	return true
}

func (f *FSM) inZoneSearch() State {
	if f.cooldown > 0 {
		f.cooldown--
		return StateInZoneSearch
	}

	x, ok := f.window.last()
	if !ok || !f.inZone(x) {
		f.stable = 0
		return StateInZoneSearch
	}
	if f.speed() <= f.plan.Config.SpeedLimit {
		f.stable++
	} else {
		f.stable = 0
	}
	if f.stable < f.plan.Config.StableTicks {
		return StateInZoneSearch
	}
	return StateSave
}

func (f *FSM) save() (State, []Event) {
	if !f.requested {
		f.before = f.current()
		f.lastSaved, _ = f.window.last()
		f.requested = true
		f.waited = 0
		return StateSave, []Event{EventCommitRequested}
	}

	timeout := f.plan.Config.SaveTimeoutTicks
	if timeout <= 0 {
		return StateSave, nil
	}
	f.waited++
	if f.waited < timeout {
		return StateSave, nil
	}
	logf("no commit after %d ticks, requesting again", f.waited)
	f.waited = 0
	return StateSave, []Event{EventCommitRequested}
}

func (f *FSM) outZoneSearch() State {
	x, ok := f.window.last()
	if !ok || !f.outOfZone(x) {
		return StateOutZoneSearch
	}
	f.stable = 0
	return StateInZoneSearch
}

// inZone reports whether x lies in the tolerance band of the current zone.
// Zones without a target are always entered.
func (f *FSM) inZone(x float64) bool {
	expected := f.plan.Zones[f.zone].Expected
	if math.IsNaN(x) {
		return false
	}
	if math.IsNaN(expected) {
		return true
	}
	dev := x - expected
	return dev >= -f.plan.Config.NegativeTolerance && dev <= f.plan.Config.PositiveTolerance
}

// outOfZone reports whether x is far enough from the current zone to arm
// the next search. After the last repeat of a zone the pointer already moved
// on, so a new target counts as left right away.
func (f *FSM) outOfZone(x float64) bool {
	if math.IsNaN(x) {
		return false
	}
	cfg := f.plan.Config
	expected := f.plan.Zones[f.zone].Expected
	if !math.IsNaN(expected) {
		tol := math.Max(math.Abs(cfg.PositiveTolerance), math.Abs(cfg.NegativeTolerance))
		return math.Abs(x-expected) > tol*cfg.ExitHysteresis
	}
	fast := f.speed() >= cfg.SpeedLimit*cfg.ExitSpeedMul
	moved := !math.IsNaN(f.lastSaved) && math.Abs(x-f.lastSaved) >= cfg.ExitDistance
	return fast || moved
}

func (f *FSM) advanceZone() {
	f.done++
	if f.done >= f.plan.Zones[f.zone].RepeatsTotal {
		f.zone++
		f.done = 0
	}
}

func (f *FSM) speed() float64 {
	return f.window.speed(f.plan.Config.SpeedWindow, f.plan.Config.SpeedStride)
}

func (f *FSM) current() counts {
	if f.store == nil {
		return counts{}
	}
	g, s, m := f.store.Counts()
	return counts{g, s, m}
}
