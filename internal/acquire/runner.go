package acquire

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/calibrix/internal/timeutil"
)

// Events receives what the state machine raises. Handlers run on the
// runner goroutine without the runner lock held, so they may call back into
// the Runner. run identifies the plan that raised the request; the plan may
// have been stopped by the time the handler runs, which Active reports.
type Events interface {
	CommitRequested(run uint64)
	PlanFinished()
}

// Runner drives an FSM from a ticker and serializes samples, ticks and
// acknowledgements under one lock.
type Runner struct {
	mu     sync.Mutex
	fsm    *FSM
	events Events
	clock  timeutil.Clock
	period time.Duration
	run    uint64 // bumped by every Start and Stop
}

// NewRunner wraps a fresh FSM. A nil clock uses the real clock and a
// non-positive period uses DefaultTickPeriod.
func NewRunner(store Counter, events Events, clock timeutil.Clock, period time.Duration) *Runner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if period <= 0 {
		period = DefaultTickPeriod
	}
	return &Runner{
		fsm:    NewFSM(store),
		events: events,
		clock:  clock,
		period: period,
	}
}

// Run ticks the machine until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r.tick()
		}
	}
}

func (r *Runner) tick() {
	r.mu.Lock()
	events := r.fsm.Tick()
	run := r.run
	r.mu.Unlock()

	if r.events == nil {
		return
	}
	for _, ev := range events {
		switch ev {
		case EventCommitRequested:
			r.events.CommitRequested(run)
		case EventPlanFinished:
			r.events.PlanFinished()
		}
	}
}

// Start begins a new plan, discarding any running one.
func (r *Runner) Start(p Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run++
	r.fsm.Start(p)
}

// Stop halts the machine. It is safe to call from an event handler.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run++
	r.fsm.Stop()
}

// Active reports whether the plan identified by run is still executing.
func (r *Runner) Active(run uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run == run && r.fsm.State() != StateIdle
}

// PushSample feeds one sample to the machine.
func (r *Runner) PushSample(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fsm.PushSample(v)
}

// CommitFinished acknowledges a requested commit.
func (r *Runner) CommitFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fsm.CommitFinished()
}

// Running reports whether a plan is being executed.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fsm.State() != StateIdle
}

// Status is a point-in-time view of the machine.
type Status struct {
	State  string    `json:"state"`
	Zone   *SaveZone `json:"zone,omitempty"`
	Index  int       `json:"zone_index"`
	Zones  int       `json:"zones"`
	Done   int       `json:"done_in_zone"`
	Stable int       `json:"stable_ticks"`
}

// Status returns the current state and zone progress.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		State:  r.fsm.State().String(),
		Zones:  len(r.fsm.plan.Zones),
		Stable: r.fsm.stable,
	}
	zone, idx, done, ok := r.fsm.Progress()
	st.Index, st.Done = idx, done
	if ok {
		st.Zone = &zone
	}
	return st
}
