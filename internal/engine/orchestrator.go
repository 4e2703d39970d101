package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"saturn/internal/domain"
	"saturn/internal/metrics"
	"saturn/internal/store"
	"saturn/internal/tracker"
)

// Pinger verifies the durable store is reachable before a run starts.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StageFactory builds a fresh stage pipeline for each run. Stages may carry
// per-run state, so instances are never shared between runs.
type StageFactory func() []Stage

// Request describes a run invocation.
type Request struct {
	Scope   string // empty or domain.ScopeGlobal for all portfolios
	Trigger domain.Trigger
	// Force replaces an active run instead of rejecting the request.
	Force bool
	// ScopedOnly restricts the universe to the scope's holdings plus
	// references, skipping other known symbols.
	ScopedOnly bool
}

// Orchestrator owns the run lifecycle: it plans the date range, resolves the
// universe, registers the run with the tracker, and drives the stages on a
// background goroutine. At most one run executes at a time.
type Orchestrator struct {
	planner    *Planner
	resolver   *Resolver
	stages     StageFactory
	tracker    *tracker.Tracker
	history    store.HistoryStore
	pinger     Pinger
	riskWindow int
	reference  []string
	log        *slog.Logger

	mu           sync.Mutex
	cancelActive context.CancelFunc
	wg           sync.WaitGroup
}

// NewOrchestrator wires the orchestrator. reference and riskWindow come from
// the engine configuration.
func NewOrchestrator(planner *Planner, resolver *Resolver, stages StageFactory, tr *tracker.Tracker, history store.HistoryStore, pinger Pinger, reference []string, riskWindow int) *Orchestrator {
	return &Orchestrator{
		planner:    planner,
		resolver:   resolver,
		stages:     stages,
		tracker:    tr,
		history:    history,
		pinger:     pinger,
		riskWindow: riskWindow,
		reference:  reference,
		log:        slog.Default().With("component", "orchestrator"),
	}
}

// StartRun validates preconditions, registers the run, and launches the
// pipeline in the background. It returns tracker.ErrRunActive when a run is
// already in progress and Force was not set. The returned run is already
// visible to status polls.
func (o *Orchestrator) StartRun(ctx context.Context, req Request) (domain.Run, error) {
	scope := req.Scope
	if scope == "" {
		scope = domain.ScopeGlobal
	}

	// an unreachable store means nothing could be persisted; fail before
	// any run state exists
	if err := o.pinger.Ping(ctx); err != nil {
		return domain.Run{}, fmt.Errorf("store unavailable: %w", err)
	}

	start, end, err := o.planner.Plan(ctx, scope)
	if err != nil {
		return domain.Run{}, fmt.Errorf("plan run: %w", err)
	}
	universe, err := o.resolver.Resolve(ctx, scope, req.ScopedOnly)
	if err != nil {
		return domain.Run{}, fmt.Errorf("resolve universe: %w", err)
	}

	dates := o.planner.cal.Range(start, end)
	stages := o.stages()

	run := domain.Run{
		ID:        domain.NewRunID(),
		Trigger:   req.Trigger,
		Scope:     scope,
		StartedAt: time.Now(),
	}
	session, err := o.tracker.Start(run, stageProgressList(stages, len(dates)), req.Force)
	if err != nil {
		return domain.Run{}, err
	}

	o.mu.Lock()
	if req.Force && o.cancelActive != nil {
		o.cancelActive()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.cancelActive = cancel
	o.mu.Unlock()

	pc := NewPipelineContext(scope, req.ScopedOnly, universe, dates, o.reference, o.riskWindow)

	o.log.Info("run started",
		"run_id", run.ID,
		"scope", scope,
		"trigger", string(req.Trigger),
		"dates", len(dates),
		"universe", len(universe))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.execute(runCtx, session, stages, pc, end)
	}()

	return run, nil
}

// Close waits for any in-flight run to finish persisting, bounded by ctx.
func (o *Orchestrator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Pipeline execution
// ---------------------------------------------------------------------------

func (o *Orchestrator) execute(ctx context.Context, session *tracker.Session, stages []Stage, pc *PipelineContext, end time.Time) {
	started := time.Now()
	metrics.RunStarted()

	degraded := false
	unavailable := make(map[string]bool)

	runStage := func(st Stage, date time.Time) bool {
		if ctx.Err() != nil {
			return false
		}
		_ = session.BeginStage(st.ID())
		stageStart := time.Now()
		outcome, err := st.Execute(ctx, pc, date, func(current, total int) {
			_ = session.UpdateProgress(st.ID(), current, total)
		})
		metrics.StageObserved(st.ID(), time.Since(stageStart))

		_ = session.AddCounts(outcome.Processed, outcome.Failed, len(outcome.Unavailable))
		for _, sym := range outcome.Unavailable {
			unavailable[sym] = true
		}
		if outcome.Failed > 0 {
			degraded = true
		}

		if err != nil {
			degraded = true
			_ = session.AppendLog(domain.LogError, fmt.Sprintf("%s: %v", st.Name(), err))
			_ = session.CompleteStage(st.ID(), domain.StageFailed)
			if st.Critical() {
				o.finish(session, domain.RunFailed, started)
				return false
			}
			return true
		}
		_ = session.CompleteStage(st.ID(), domain.StageCompleted)
		return true
	}

	// once stages
	for _, st := range stages {
		if st.Cadence() != Once {
			continue
		}
		if !runStage(st, end) {
			return
		}
	}

	// per-date stages, ascending
	perDate := make([]Stage, 0, len(stages))
	for _, st := range stages {
		if st.Cadence() == PerDate {
			perDate = append(perDate, st)
		}
	}
	stageFailed := make(map[string]bool)
	began := make(map[string]bool)
	completePerDate := func() {
		for _, st := range perDate {
			if !began[st.ID()] {
				continue
			}
			status := domain.StageCompleted
			if stageFailed[st.ID()] {
				status = domain.StageFailed
			}
			_ = session.CompleteStage(st.ID(), status)
		}
	}
	for i, date := range pc.Dates {
		if ctx.Err() != nil {
			completePerDate()
			o.finish(session, domain.RunFailed, started)
			return
		}
		dayFailed := 0
		dayProcessed := 0
		for _, st := range perDate {
			if !began[st.ID()] {
				began[st.ID()] = true
				_ = session.BeginStage(st.ID())
			}
			outcome, err := st.Execute(ctx, pc, date, func(int, int) {})
			_ = session.AddCounts(outcome.Processed, outcome.Failed, len(outcome.Unavailable))
			for _, sym := range outcome.Unavailable {
				unavailable[sym] = true
			}
			dayProcessed += outcome.Processed
			dayFailed += outcome.Failed
			if err != nil {
				degraded = true
				stageFailed[st.ID()] = true
				dayFailed++
				_ = session.AppendLog(domain.LogError,
					fmt.Sprintf("%s on %s: %v", st.Name(), date.Format("2006-01-02"), err))
				if st.Critical() {
					completePerDate()
					o.finish(session, domain.RunFailed, started)
					return
				}
			}
		}
		for _, st := range perDate {
			_ = session.UpdateProgress(st.ID(), i+1, len(pc.Dates))
		}
		o.recordDay(session, date, started, dayProcessed, dayFailed)
	}
	completePerDate()

	// final-date stages run exactly once for the last planned date, even
	// when the per-date range collapsed or was empty
	for _, st := range stages {
		if st.Cadence() != FinalDateOnly {
			continue
		}
		if !runStage(st, end) {
			return
		}
	}

	if len(unavailable) > 0 {
		_ = session.AppendLog(domain.LogWarning, unavailableSummary(unavailable))
	}

	status := domain.RunCompleted
	if degraded {
		status = domain.RunPartial
	}
	o.finish(session, status, started)
}

// recordDay upserts the audit row for one processed trading date. History
// write failures degrade to a warning; they never abort the run.
func (o *Orchestrator) recordDay(session *tracker.Session, date, started time.Time, processed, failed int) {
	if !session.Active() {
		// superseded by a forced run; leave history to the successor
		return
	}
	run := session.Run()
	status := domain.RunCompleted
	if failed > 0 {
		status = domain.RunPartial
	}
	rec := domain.RunDay{
		Date:        date,
		RunID:       run.ID,
		Trigger:     run.Trigger,
		Status:      status,
		StartedAt:   started,
		CompletedAt: time.Now(),
		Processed:   processed,
		Failed:      failed,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.history.UpsertRunDay(ctx, rec); err != nil {
		o.log.Warn("run history write failed", "date", date.Format("2006-01-02"), "error", err)
		_ = session.AppendLog(domain.LogWarning,
			fmt.Sprintf("history record for %s not written: %v", date.Format("2006-01-02"), err))
	}
}

func (o *Orchestrator) finish(session *tracker.Session, status domain.RunStatus, started time.Time) {
	run := session.Run()
	if err := session.Finish(status); err != nil {
		// superseded by a forced run; its successor owns the state now
		o.log.Warn("run finish skipped", "run_id", run.ID, "error", err)
		return
	}
	metrics.RunFinished(string(status), time.Since(started))
	o.log.Info("run finished",
		"run_id", run.ID,
		"scope", run.Scope,
		"status", string(status),
		"processed", run.Processed,
		"failed", run.Failed,
		"duration", time.Since(started).Round(time.Millisecond).String())
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func stageProgressList(stages []Stage, dateCount int) []domain.StageProgress {
	out := make([]domain.StageProgress, 0, len(stages))
	for _, st := range stages {
		sp := domain.StageProgress{ID: st.ID(), Name: st.Name(), Unit: st.Unit()}
		if st.Cadence() == PerDate {
			sp.Total = dateCount
		}
		out = append(out, sp)
	}
	return out
}

// unavailableSummary folds the unavailable-symbol set into one log line so a
// large miss does not flood the activity log.
func unavailableSummary(set map[string]bool) string {
	symbols := make([]string, 0, len(set))
	for sym := range set {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	const listMax = 15
	listed := symbols
	suffix := ""
	if len(symbols) > listMax {
		listed = symbols[:listMax]
		suffix = fmt.Sprintf(" and %d more", len(symbols)-listMax)
	}
	return fmt.Sprintf("market data unavailable for %d symbols: %s%s",
		len(symbols), strings.Join(listed, ", "), suffix)
}
