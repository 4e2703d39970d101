// Package tracker holds the in-process run state: at most one active run,
// its per-stage progress, a bounded activity log, and a short-lived cache of
// finished outcomes so that clients polling just after completion still see
// the terminal state.
package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"saturn/internal/domain"
)

const (
	// recentLogSize bounds the log view returned with polling responses.
	recentLogSize = 50
	// fullLogSize bounds the exportable per-run log.
	fullLogSize = 5000
)

// ErrRunActive is returned by Start when a run is already in progress and
// force was not set.
var ErrRunActive = errors.New("a run is already active")

// ErrNoActiveRun is returned by mutations on a run that is no longer the
// active one (finished, or replaced by a forced run).
var ErrNoActiveRun = errors.New("no active run")

// State is what a status poll can observe.
type State string

const (
	StateRunning  State = "running"
	StateTerminal State = "terminal"
	StateNotFound State = "not_found"
)

// StatusView is a consistent copy of the tracker's state for one scope,
// safe to use without holding any lock.
type StatusView struct {
	State     State
	Run       domain.Run
	Stages    []domain.StageProgress
	RecentLog []domain.LogEntry
	Percent   float64
}

// runState is the mutable state of the active run.
type runState struct {
	run        domain.Run
	stages     []domain.StageProgress
	stageIdx   map[string]int
	stageStart map[string]time.Time
	recentLog  []domain.LogEntry
	fullLog    []domain.LogEntry
}

// finishedRun is a frozen terminal snapshot kept for the retention window.
type finishedRun struct {
	state      runState
	finishedAt time.Time
}

// Tracker is the mutex-guarded singleton recording run state. Pipeline
// goroutines write progress through a Session; HTTP handlers read status.
// No method blocks on anything but the mutex.
type Tracker struct {
	mu        sync.Mutex
	active    *runState
	finished  map[string]*finishedRun // scope key → terminal snapshot
	retention time.Duration
	now       func() time.Time
}

// New creates a Tracker whose finished-run outcomes stay queryable for the
// given retention window.
func New(retention time.Duration) *Tracker {
	return &Tracker{
		finished:  make(map[string]*finishedRun),
		retention: retention,
		now:       time.Now,
	}
}

// Session binds progress mutations to one run. A session whose run has been
// finished or replaced returns ErrNoActiveRun from every mutation, so a
// superseded pipeline can never corrupt its successor's state.
type Session struct {
	t  *Tracker
	st *runState
}

// Start registers a new active run with its declared stages and returns the
// session that owns it. If a run is already active and force is false,
// ErrRunActive is returned. With force, the existing run's state is replaced
// outright. Any cached terminal outcome for the same scope is cleared so a
// retry never reports a previous run's result.
func (t *Tracker) Start(run domain.Run, stages []domain.StageProgress, force bool) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != nil && !force {
		return nil, fmt.Errorf("%w: run %s on scope %s", ErrRunActive, t.active.run.ID, t.active.run.Scope)
	}

	delete(t.finished, run.Scope)

	run.Status = domain.RunRunning
	run.StageCount = len(stages)

	st := &runState{
		run:        run,
		stages:     make([]domain.StageProgress, len(stages)),
		stageIdx:   make(map[string]int, len(stages)),
		stageStart: make(map[string]time.Time, len(stages)),
	}
	copy(st.stages, stages)
	for i := range st.stages {
		st.stages[i].Status = domain.StagePending
		st.stageIdx[st.stages[i].ID] = i
	}

	t.active = st
	return &Session{t: t, st: st}, nil
}

// BeginStage marks a stage as running.
func (s *Session) BeginStage(stageID string) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	i, err := s.stage(stageID)
	if err != nil {
		return err
	}
	s.st.stages[i].Status = domain.StageRunning
	s.st.stageStart[stageID] = s.t.now()
	return nil
}

// UpdateProgress records a progress delta for a stage.
func (s *Session) UpdateProgress(stageID string, current, total int) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	i, err := s.stage(stageID)
	if err != nil {
		return err
	}
	s.st.stages[i].Current = current
	s.st.stages[i].Total = total
	return nil
}

// CompleteStage freezes a stage's progress with the given terminal status.
// Later stages never reopen it.
func (s *Session) CompleteStage(stageID string, status domain.StageStatus) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	i, err := s.stage(stageID)
	if err != nil {
		return err
	}
	s.st.stages[i].Status = status
	if started, ok := s.st.stageStart[stageID]; ok {
		s.st.stages[i].Duration = s.t.now().Sub(started)
	}
	if status == domain.StageCompleted && s.st.stages[i].Total > 0 {
		s.st.stages[i].Current = s.st.stages[i].Total
	}
	return nil
}

// AppendLog appends an entry to both log views.
func (s *Session) AppendLog(level domain.LogLevel, message string) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	if s.t.active != s.st {
		return ErrNoActiveRun
	}

	entry := domain.LogEntry{Time: s.t.now(), Level: level, Message: message}

	s.st.recentLog = append(s.st.recentLog, entry)
	if len(s.st.recentLog) > recentLogSize {
		s.st.recentLog = s.st.recentLog[len(s.st.recentLog)-recentLogSize:]
	}
	s.st.fullLog = append(s.st.fullLog, entry)
	if len(s.st.fullLog) > fullLogSize {
		s.st.fullLog = s.st.fullLog[len(s.st.fullLog)-fullLogSize:]
	}
	return nil
}

// AddCounts accumulates processed/failed/unavailable work item counts on the
// run.
func (s *Session) AddCounts(processed, failed, unavailable int) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	if s.t.active != s.st {
		return ErrNoActiveRun
	}
	s.st.run.Processed += processed
	s.st.run.Failed += failed
	s.st.run.Unavailable += unavailable
	return nil
}

// Active reports whether the session still owns the tracker's active run.
// False once the run finished or a forced run replaced it.
func (s *Session) Active() bool {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.t.active == s.st
}

// Run returns a copy of the run as the session currently sees it.
func (s *Session) Run() domain.Run {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.st.run
}

// Finish transitions the run to a terminal status and caches the frozen
// snapshot under its scope key for the retention window.
func (s *Session) Finish(status domain.RunStatus) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	if s.t.active != s.st {
		return ErrNoActiveRun
	}
	if !status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %q", status)
	}

	s.st.run.Status = status
	s.st.run.CompletedAt = s.t.now()

	s.t.finished[s.st.run.Scope] = &finishedRun{state: *s.st, finishedAt: s.t.now()}
	s.t.active = nil
	return nil
}

// Status returns the current view for a scope: the active run when one
// matches, a cached terminal outcome within retention, or not-found.
// An empty scope matches whatever run is active or most recently finished.
func (t *Tracker) Status(scope string) StatusView {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictExpired()

	if t.active != nil && (scope == "" || t.active.run.Scope == scope) {
		return t.viewOf(t.active, StateRunning)
	}

	if scope == "" {
		var newest *finishedRun
		for _, f := range t.finished {
			if newest == nil || f.finishedAt.After(newest.finishedAt) {
				newest = f
			}
		}
		if newest != nil {
			return t.viewOf(&newest.state, StateTerminal)
		}
	} else if f, ok := t.finished[scope]; ok {
		return t.viewOf(&f.state, StateTerminal)
	}

	return StatusView{State: StateNotFound}
}

// RunLog returns the full bounded log and stage summary for a run ID,
// whether it is still running or finished within retention.
func (t *Tracker) RunLog(runID string) (StatusView, []domain.LogEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictExpired()

	if t.active != nil && t.active.run.ID == runID {
		view := t.viewOf(t.active, StateRunning)
		return view, append([]domain.LogEntry(nil), t.active.fullLog...), true
	}
	for _, f := range t.finished {
		if f.state.run.ID == runID {
			view := t.viewOf(&f.state, StateTerminal)
			return view, append([]domain.LogEntry(nil), f.state.fullLog...), true
		}
	}
	return StatusView{}, nil, false
}

// ---------------------------------------------------------------------------
// Internals (callers hold the tracker mutex)
// ---------------------------------------------------------------------------

func (s *Session) stage(stageID string) (int, error) {
	if s.t.active != s.st {
		return 0, ErrNoActiveRun
	}
	i, ok := s.st.stageIdx[stageID]
	if !ok {
		return 0, fmt.Errorf("unknown stage %q", stageID)
	}
	return i, nil
}

func (t *Tracker) evictExpired() {
	cutoff := t.now().Add(-t.retention)
	for scope, f := range t.finished {
		if f.finishedAt.Before(cutoff) {
			delete(t.finished, scope)
		}
	}
}

func (t *Tracker) viewOf(st *runState, state State) StatusView {
	return StatusView{
		State:     state,
		Run:       st.run,
		Stages:    append([]domain.StageProgress(nil), st.stages...),
		RecentLog: append([]domain.LogEntry(nil), st.recentLog...),
		Percent:   percentComplete(st.stages),
	}
}

// percentComplete weights every declared stage equally, crediting a running
// stage with its fractional progress.
func percentComplete(stages []domain.StageProgress) float64 {
	if len(stages) == 0 {
		return 0
	}
	done := 0.0
	for _, sp := range stages {
		switch sp.Status {
		case domain.StageCompleted, domain.StageFailed:
			done += 1
		case domain.StageRunning:
			if sp.Total > 0 {
				done += float64(sp.Current) / float64(sp.Total)
			}
		}
	}
	return 100 * done / float64(len(stages))
}
