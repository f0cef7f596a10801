// Package session ties the sensor stream, the measurement store, the commit
// filter and the acquisition runner together into one calibration session.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/calibrix/internal/accuracy"
	"github.com/banshee-data/calibrix/internal/acquire"
	"github.com/banshee-data/calibrix/internal/config"
	"github.com/banshee-data/calibrix/internal/db"
	"github.com/banshee-data/calibrix/internal/filter"
	"github.com/banshee-data/calibrix/internal/measure"
	"github.com/banshee-data/calibrix/internal/monitoring"
	"github.com/banshee-data/calibrix/internal/plan"
	"github.com/banshee-data/calibrix/internal/serialmux"
	"github.com/banshee-data/calibrix/internal/timeutil"
)

var logf = monitoring.Component("session")

var (
	// ErrNoSamples is returned when a commit window closed without any
	// sample to reduce.
	ErrNoSamples = errors.New("no samples received during commit window")
	// ErrCommitInProgress is returned when a commit window is already open.
	ErrCommitInProgress = errors.New("commit already in progress")
	// ErrAutoRunning is returned for changes that would invalidate a
	// running acquisition plan.
	ErrAutoRunning = errors.New("automatic acquisition is running")
	// ErrNoRepository is returned by persistence calls on a session without
	// a database.
	ErrNoRepository = errors.New("no run repository configured")
)

// Repository persists finished runs. *db.DB implements it.
type Repository interface {
	SaveRun(ctx context.Context, run db.Run, groups []measure.Group) (string, error)
	LoadRun(ctx context.Context, id string) (db.Run, []measure.Group, error)
	ListRuns(ctx context.Context) ([]db.Run, error)
}

// Options configures a Session. Zero values fall back to the defaults of a
// fresh installation.
type Options struct {
	Step         plan.StepSettings
	AutoSave     acquire.AutoSaveSettings
	Acquire      acquire.Config
	TickPeriod   time.Duration
	SaveDuration time.Duration
	FilterName   string
	Scale        float64
	Clock        timeutil.Clock
	Repository   Repository
}

// OptionsFromConfig maps a loaded configuration onto session options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Step:         cfg.StepSettings(),
		AutoSave:     cfg.AutoSaveSettings(),
		Acquire:      cfg.AcquireConfig(),
		TickPeriod:   cfg.GetTickInterval(),
		SaveDuration: cfg.GetSaveDuration(),
		FilterName:   cfg.GetFilter(),
		Scale:        cfg.GetSampleScale(),
	}
}

// CommitResult describes one committed measurement.
type CommitResult struct {
	Value   float64        `json:"value"`
	Samples int            `json:"samples"`
	Change  measure.Change `json:"change"`
}

// Session is safe for concurrent use.
type Session struct {
	store  *measure.Store
	gen    *plan.Generator
	runner *acquire.Runner
	clock  timeutil.Clock
	repo   Repository

	mu           sync.Mutex
	step         plan.StepSettings
	auto         acquire.AutoSaveSettings
	acq          acquire.Config
	reducer      filter.Reducer
	filterName   string
	saveDuration time.Duration
	scale        float64
	collecting   bool
	committing   bool
	batch        []float64
	lastSample   float64
	samples      uint64
	inflight     *autoCommit

	ctx context.Context
	wg  sync.WaitGroup
}

// autoCommit is a commit started by the acquisition runner.
type autoCommit struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a session and applies opts.Step to its store.
func New(opts Options) (*Session, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.SaveDuration <= 0 {
		opts.SaveDuration = 5 * time.Second
	}
	if opts.Scale <= 0 {
		opts.Scale = serialmux.DefaultScale
	}
	if opts.Acquire == (acquire.Config{}) {
		opts.Acquire = acquire.DefaultConfig()
	}
	if opts.AutoSave == (acquire.AutoSaveSettings{}) {
		opts.AutoSave = acquire.DefaultAutoSaveSettings()
	}
	if opts.Step == (plan.StepSettings{}) {
		opts.Step = plan.DefaultStepSettings()
	}
	if opts.FilterName == "" {
		opts.FilterName = "mean"
	}
	reducer, err := filter.ByName(opts.FilterName)
	if err != nil {
		return nil, err
	}

	s := &Session{
		store:        measure.NewStore(),
		gen:          plan.NewGenerator(),
		clock:        opts.Clock,
		repo:         opts.Repository,
		auto:         opts.AutoSave,
		acq:          opts.Acquire,
		reducer:      reducer,
		filterName:   opts.FilterName,
		saveDuration: opts.SaveDuration,
		scale:        opts.Scale,
		ctx:          context.Background(),
	}
	s.runner = acquire.NewRunner(s.store, s, opts.Clock, opts.TickPeriod)
	if err := s.ApplySettings(opts.Step); err != nil {
		return nil, err
	}
	return s, nil
}

// Run consumes sensor lines from src and ticks the acquisition runner until
// ctx is done. Commits requested by the runner are bound to ctx.
func (s *Session) Run(ctx context.Context, src serialmux.SerialMuxInterface) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	id, lines := src.Subscribe()
	defer src.Unsubscribe(id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logf("runner stopped: %v", err)
		}
	}()
	defer s.wg.Wait()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			s.HandleLine(line)
		}
	}
}

// HandleLine parses one sensor line and feeds it to the state machine and,
// while a commit window is open, to the commit batch. Lines that carry no
// reading are ignored.
func (s *Session) HandleLine(line string) {
	s.mu.Lock()
	scale := s.scale
	s.mu.Unlock()

	v, err := serialmux.ParseSample(line, scale)
	if err != nil {
		return
	}
	s.PushSample(v)
}

// PushSample feeds an already scaled reading.
func (s *Session) PushSample(v float64) {
	s.runner.PushSample(v)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSample = v
	s.samples++
	if s.collecting {
		s.batch = append(s.batch, v)
	}
}

// ApplySettings rebuilds the plans from step and hands the new save plan to
// the store. It is refused while automatic acquisition runs.
func (s *Session) ApplySettings(step plan.StepSettings) error {
	if s.runner.Running() {
		return ErrAutoRunning
	}
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()

	base := s.gen.MakeBase(step)
	s.store.ApplyPlan(s.gen.MakeSave())
	logf("applied %s plan with %d targets", step.Mode, len(base.Items))
	return nil
}

// Settings returns the step settings in effect.
func (s *Session) Settings() plan.StepSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Base returns the current base plan.
func (s *Session) Base() plan.Base {
	return s.gen.CurrentBase()
}

// SetAutoSave replaces the operator thresholds used by the next StartAuto.
func (s *Session) SetAutoSave(a acquire.AutoSaveSettings) error {
	if err := s.acq.WithAutoSave(a).Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auto = a
	return nil
}

// AutoSave returns the operator thresholds.
func (s *Session) AutoSave() acquire.AutoSaveSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto
}

// SetFilter selects the commit reducer by name.
func (s *Session) SetFilter(name string) error {
	r, err := filter.ByName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reducer = r
	s.filterName = name
	return nil
}

// Commit opens a commit window of the configured duration, reduces the
// samples received during it and records the result in the store. The
// acquisition runner is acknowledged whatever the outcome.
func (s *Session) Commit(ctx context.Context) (CommitResult, error) {
	s.mu.Lock()
	if s.committing {
		s.mu.Unlock()
		return CommitResult{}, ErrCommitInProgress
	}
	s.committing = true
	s.collecting = true
	s.batch = nil
	window := s.saveDuration
	s.mu.Unlock()

	// Acknowledge while still marked as committing, so a repeated request
	// raised during the acknowledgement cannot open a second window.
	defer func() {
		s.runner.CommitFinished()
		s.mu.Lock()
		s.committing = false
		s.collecting = false
		s.batch = nil
		s.mu.Unlock()
	}()

	select {
	case <-s.clock.After(window):
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}

	s.mu.Lock()
	batch := s.batch
	s.collecting = false
	reducer := s.reducer
	s.mu.Unlock()

	if len(batch) == 0 {
		return CommitResult{}, ErrNoSamples
	}
	value := reducer.Reduce(batch)
	change, err := s.store.Add(value)
	if err != nil {
		return CommitResult{}, err
	}
	logf("committed %.4f from %d samples", value, len(batch))
	return CommitResult{Value: value, Samples: len(batch), Change: change}, nil
}

// Committing reports whether a commit window is open.
func (s *Session) Committing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committing
}

// CommitRequested starts a commit in the background. It implements
// acquire.Events. Requests of a stopped plan, and repeats while an
// automatic commit is still open, are dropped.
func (s *Session) CommitRequested(run uint64) {
	s.mu.Lock()
	if s.inflight != nil || !s.runner.Active(run) {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	c := &autoCommit{cancel: cancel, done: make(chan struct{})}
	s.inflight = c
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(c.done)
		defer func() {
			cancel()
			s.mu.Lock()
			if s.inflight == c {
				s.inflight = nil
			}
			s.mu.Unlock()
		}()
		if _, err := s.Commit(ctx); err != nil {
			logf("automatic commit: %v", err)
		}
	}()
}

// PlanFinished implements acquire.Events.
func (s *Session) PlanFinished() {
	g, series, m := s.store.Counts()
	logf("automatic acquisition finished: %d groups, last group %d series, %d measurements in last series", g, series, m)
}

// StartAuto builds an acquisition plan that resumes where the store left
// off and starts the runner on it.
func (s *Session) StartAuto() (acquire.Plan, error) {
	s.mu.Lock()
	step, auto, acq := s.step, s.auto, s.acq
	s.mu.Unlock()

	p := acquire.CreatePlan(step, auto, s.store)
	p.Config = acq.WithAutoSave(auto)
	if err := p.Config.Validate(); err != nil {
		return acquire.Plan{}, err
	}
	s.runner.Start(p)
	return p, nil
}

// StopAuto halts automatic acquisition. An automatic commit whose window is
// still open is cancelled and leaves the store untouched; StopAuto returns
// once it has unwound.
func (s *Session) StopAuto() {
	s.runner.Stop()

	s.mu.Lock()
	c := s.inflight
	s.inflight = nil
	s.mu.Unlock()
	if c != nil {
		c.cancel()
		<-c.done
	}
	logf("automatic acquisition stopped")
}

// Status is a snapshot of the session for operators.
type Status struct {
	Acquire    acquire.Status `json:"acquire"`
	Committing bool           `json:"committing"`
	Filter     string         `json:"filter"`
	Groups     int            `json:"groups"`
	LastSample float64        `json:"last_sample"`
	Samples    uint64         `json:"samples"`
}

// Status returns the current state of the runner and the store.
func (s *Session) Status() Status {
	st := Status{Acquire: s.runner.Status()}
	st.Groups, _, _ = s.store.Counts()

	s.mu.Lock()
	defer s.mu.Unlock()
	st.Committing = s.committing
	st.Filter = s.filterName
	st.LastSample = s.lastSample
	st.Samples = s.samples
	return st
}

// Groups returns a copy of the recorded groups.
func (s *Session) Groups() []measure.Group {
	return s.store.Groups()
}

// SelectGroup marks a group for inclusion in reports.
func (s *Session) SelectGroup(id int, selected bool) error {
	return s.store.SetSelected(id, selected)
}

// Clear drops every recorded group.
func (s *Session) Clear() error {
	if s.runner.Running() {
		return ErrAutoRunning
	}
	s.store.Clear()
	return nil
}

// Accuracy computes the per-step and aggregate statistics of every group.
func (s *Session) Accuracy() []accuracy.Result {
	return accuracy.Compute(s.store.Groups())
}

// Persist stores the recorded groups as a new run and returns its ID.
func (s *Session) Persist(ctx context.Context, name, notes string) (string, error) {
	if s.repo == nil {
		return "", ErrNoRepository
	}
	s.mu.Lock()
	run := db.Run{
		Name:      name,
		Notes:     notes,
		StepMode:  s.step.Mode.String(),
		StepBase:  s.step.Base,
		Filter:    s.filterName,
		CreatedAt: s.clock.Now(),
	}
	s.mu.Unlock()
	return s.repo.SaveRun(ctx, run, s.store.Groups())
}

// Restore replaces the recorded groups with those of a stored run.
func (s *Session) Restore(ctx context.Context, id string) (db.Run, error) {
	if s.repo == nil {
		return db.Run{}, ErrNoRepository
	}
	if s.runner.Running() {
		return db.Run{}, ErrAutoRunning
	}
	run, groups, err := s.repo.LoadRun(ctx, id)
	if err != nil {
		return db.Run{}, err
	}
	s.store.SetGroups(groups)
	logf("restored run %s with %d groups", run.ID, len(groups))
	return run, nil
}

// Runs lists the stored runs.
func (s *Session) Runs(ctx context.Context) ([]db.Run, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	return s.repo.ListRuns(ctx)
}
