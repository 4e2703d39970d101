package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"saturn/internal/domain"
	"saturn/internal/store"
	"saturn/internal/tracker"
)

type testRig struct {
	store   *memStore
	prov    *fakeProvider
	tracker *tracker.Tracker
	parquet *store.ParquetStore
	orch    *Orchestrator
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	m := newMemStore()
	prov := newFakeProvider()
	pq := store.NewParquetStore(t.TempDir())
	tr := tracker.New(time.Hour)

	planner := NewPlanner(m, m, testCal, 90)
	planner.now = func() time.Time { return testNow }
	resolver := NewResolver(m, m, []string{"SPY"})
	factory := func() []Stage { return Stages(m, m, m, pq, prov) }

	orch := NewOrchestrator(planner, resolver, factory, tr, m, m, []string{"SPY"}, 60)
	return &testRig{store: m, prov: prov, tracker: tr, parquet: pq, orch: orch}
}

func (r *testRig) seedPortfolio(t *testing.T, watermark time.Time) {
	t.Helper()
	_ = r.store.SavePosition(context.Background(), domain.Position{
		PortfolioID: "alpha", Symbol: "AAPL",
		Quantity: decimal.NewFromInt(10), EntryDate: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
	})
	if !watermark.IsZero() {
		_ = r.store.UpsertSnapshot(context.Background(), domain.Snapshot{PortfolioID: "alpha", Date: watermark})
	}
}

func waitTerminal(t *testing.T, tr *tracker.Tracker, scope string) tracker.StatusView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if view := tr.Status(scope); view.State == tracker.StateTerminal {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state")
	return tracker.StatusView{}
}

func TestRunCompletesAndWritesHistory(t *testing.T) {
	rig := newRig(t)
	rig.seedPortfolio(t, day(3)) // pending dates: Mar 4, 5, 6

	run, err := rig.orch.StartRun(context.Background(), Request{Trigger: domain.TriggerAdmin})
	if err != nil {
		t.Fatal(err)
	}

	view := waitTerminal(t, rig.tracker, domain.ScopeGlobal)
	if view.Run.Status != domain.RunCompleted {
		t.Fatalf("status = %v, log = %v", view.Run.Status, view.RecentLog)
	}
	if view.Percent != 100 {
		t.Fatalf("percent = %v", view.Percent)
	}

	for _, d := range []int{4, 5, 6} {
		if _, ok := rig.store.snapshots["alpha"][dateKey(day(d))]; !ok {
			t.Fatalf("missing snapshot for Mar %d", d)
		}
		rec, ok, _ := rig.store.GetRunDay(context.Background(), day(d))
		if !ok {
			t.Fatalf("missing history row for Mar %d", d)
		}
		if rec.RunID != run.ID || rec.Status != domain.RunCompleted {
			t.Fatalf("history row for Mar %d = %+v", d, rec)
		}
	}

	// a later run covering an already processed date rewrites its history
	// row instead of appending a second one
	rig.store.mu.Lock()
	rig.store.snapshots["alpha"] = map[string]domain.Snapshot{dateKey(day(5)): {PortfolioID: "alpha", Date: day(5)}}
	rig.store.mu.Unlock()

	run2, err := rig.orch.StartRun(context.Background(), Request{Scope: "alpha", Trigger: domain.TriggerUser})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, rig.tracker, "alpha")

	if rows := len(rig.store.history); rows != 3 {
		t.Fatalf("history rows = %d, want 3", rows)
	}
	rec, _, _ := rig.store.GetRunDay(context.Background(), day(6))
	if rec.RunID != run2.ID || rec.Trigger != domain.TriggerUser {
		t.Fatalf("history row not upserted: %+v", rec)
	}
}

func TestConcurrentRunRejectedUnlessForced(t *testing.T) {
	rig := newRig(t)
	rig.seedPortfolio(t, day(3))
	rig.prov.blockCh = make(chan struct{})
	rig.prov.blockEntered = make(chan struct{})
	defer close(rig.prov.blockCh)

	if _, err := rig.orch.StartRun(context.Background(), Request{Trigger: domain.TriggerScheduled}); err != nil {
		t.Fatal(err)
	}
	// the first run must be parked inside the provider before anything else
	// races it for the active slot
	select {
	case <-rig.prov.blockEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the data provider")
	}

	// stages after the one currently executing must not show as running yet
	for _, sp := range rig.tracker.Status(domain.ScopeGlobal).Stages {
		if sp.ID == "compute-exposures" && sp.Status != domain.StagePending {
			t.Fatalf("compute-exposures status = %v before its first date", sp.Status)
		}
	}

	_, err := rig.orch.StartRun(context.Background(), Request{Trigger: domain.TriggerAdmin})
	if !errors.Is(err, tracker.ErrRunActive) {
		t.Fatalf("second start: got %v, want ErrRunActive", err)
	}

	run2, err := rig.orch.StartRun(context.Background(), Request{Trigger: domain.TriggerAdmin, Force: true})
	if err != nil {
		t.Fatalf("forced start: %v", err)
	}

	view := waitTerminal(t, rig.tracker, domain.ScopeGlobal)
	if view.Run.ID != run2.ID {
		t.Fatalf("terminal run = %s, want forced run %s", view.Run.ID, run2.ID)
	}
}

func TestProviderFailureDegradesToPartial(t *testing.T) {
	rig := newRig(t)
	rig.seedPortfolio(t, day(3))
	rig.prov.failOn[dateKey(day(5))] = true

	if _, err := rig.orch.StartRun(context.Background(), Request{Trigger: domain.TriggerScheduled}); err != nil {
		t.Fatal(err)
	}
	view := waitTerminal(t, rig.tracker, domain.ScopeGlobal)

	if view.Run.Status != domain.RunPartial {
		t.Fatalf("status = %v, want partial", view.Run.Status)
	}
	// the failed date must not stop later dates from processing
	if _, ok := rig.store.snapshots["alpha"][dateKey(day(6))]; !ok {
		t.Fatal("Mar 6 was not processed after the Mar 5 failure")
	}
	rec, _, _ := rig.store.GetRunDay(context.Background(), day(5))
	if rec.Status != domain.RunPartial {
		t.Fatalf("history row for failed date = %+v", rec)
	}
	rec, _, _ = rig.store.GetRunDay(context.Background(), day(6))
	if rec.Status != domain.RunCompleted {
		t.Fatalf("history row for clean date = %+v", rec)
	}
	for _, sp := range view.Stages {
		if sp.ID == "collect-prices" && sp.Status != domain.StageFailed {
			t.Fatalf("collect-prices status = %v, want failed", sp.Status)
		}
	}
}

func TestCriticalStageFailureFailsRun(t *testing.T) {
	rig := newRig(t)
	rig.seedPortfolio(t, day(3))
	// let the universe resolution during StartRun succeed, then fail the
	// load-positions stage itself
	rig.store.listPositionsErr = errors.New("disk gone")
	rig.store.failPositionsAfter = 1

	if _, err := rig.orch.StartRun(context.Background(), Request{Trigger: domain.TriggerScheduled}); err != nil {
		t.Fatal(err)
	}
	view := waitTerminal(t, rig.tracker, domain.ScopeGlobal)

	if view.Run.Status != domain.RunFailed {
		t.Fatalf("status = %v, want failed", view.Run.Status)
	}
	if len(rig.store.history) != 0 {
		t.Fatalf("no dates should be recorded, got %d rows", len(rig.store.history))
	}
}

func TestCriticalPerDateFailureSettlesStageState(t *testing.T) {
	rig := newRig(t)
	rig.seedPortfolio(t, day(3))
	boom := errors.New("ledger offline")
	rig.orch.stages = func() []Stage {
		return []Stage{
			&stubStage{id: "collect", cadence: PerDate},
			&stubStage{id: "settle", cadence: PerDate, critical: true,
				execute: func(context.Context, *PipelineContext, time.Time) (Outcome, error) {
					return Outcome{}, boom
				}},
		}
	}

	if _, err := rig.orch.StartRun(context.Background(), Request{Trigger: domain.TriggerScheduled}); err != nil {
		t.Fatal(err)
	}
	view := waitTerminal(t, rig.tracker, domain.ScopeGlobal)

	if view.Run.Status != domain.RunFailed {
		t.Fatalf("status = %v, want failed", view.Run.Status)
	}
	// the terminal snapshot must not freeze any stage mid-flight
	for _, sp := range view.Stages {
		if sp.Status == domain.StageRunning {
			t.Fatalf("stage %s left running in terminal snapshot", sp.ID)
		}
		if sp.ID == "settle" && sp.Status != domain.StageFailed {
			t.Fatalf("settle status = %v, want failed", sp.Status)
		}
	}
}

func TestUnreachableStoreRejectsStart(t *testing.T) {
	rig := newRig(t)
	rig.store.pingErr = errors.New("connection refused")

	if _, err := rig.orch.StartRun(context.Background(), Request{Trigger: domain.TriggerAdmin}); err == nil {
		t.Fatal("start should fail when the store is unreachable")
	}
	if view := rig.tracker.Status(domain.ScopeGlobal); view.State != tracker.StateNotFound {
		t.Fatalf("no run state should exist, got %v", view.State)
	}
}

func TestFinalStagesRunOnceOnSingleDateRange(t *testing.T) {
	rig := newRig(t)
	rig.seedPortfolio(t, day(5)) // only Mar 6 pending

	if _, err := rig.orch.StartRun(context.Background(), Request{Trigger: domain.TriggerScheduled}); err != nil {
		t.Fatal(err)
	}
	view := waitTerminal(t, rig.tracker, domain.ScopeGlobal)
	if view.Run.Status != domain.RunCompleted {
		t.Fatalf("status = %v", view.Run.Status)
	}

	if rig.prov.assetCalls != 1 {
		t.Fatalf("reference sync ran %d times, want 1", rig.prov.assetCalls)
	}
	dates, err := rig.parquet.ListDates("risk")
	if err != nil {
		t.Fatal(err)
	}
	if len(dates) != 1 || dates[0] != dateKey(day(6)) {
		t.Fatalf("risk dates = %v, want [2026-03-06]", dates)
	}
}

func TestEmptyRangeStillRunsFinalStages(t *testing.T) {
	rig := newRig(t)
	rig.seedPortfolio(t, day(6)) // already caught up

	if _, err := rig.orch.StartRun(context.Background(), Request{Trigger: domain.TriggerScheduled}); err != nil {
		t.Fatal(err)
	}
	view := waitTerminal(t, rig.tracker, domain.ScopeGlobal)

	if view.Run.Status != domain.RunCompleted {
		t.Fatalf("status = %v", view.Run.Status)
	}
	if rig.prov.assetCalls != 1 {
		t.Fatalf("reference sync ran %d times, want 1", rig.prov.assetCalls)
	}
	if len(rig.store.history) != 0 {
		t.Fatalf("caught-up run should record no dates, got %d", len(rig.store.history))
	}
}

func TestUnavailableSymbolsLoggedOnce(t *testing.T) {
	rig := newRig(t)
	rig.seedPortfolio(t, day(3))
	rig.prov.unavailable["AAPL"] = true

	if _, err := rig.orch.StartRun(context.Background(), Request{Trigger: domain.TriggerScheduled}); err != nil {
		t.Fatal(err)
	}
	view := waitTerminal(t, rig.tracker, domain.ScopeGlobal)

	warnings := 0
	for _, e := range view.RecentLog {
		if e.Level == domain.LogWarning && strings.Contains(e.Message, "market data unavailable") {
			warnings++
			if !strings.Contains(e.Message, "AAPL") {
				t.Fatalf("warning does not name the symbol: %q", e.Message)
			}
		}
	}
	// one aggregated warning, not one per date
	if warnings != 1 {
		t.Fatalf("unavailable warnings = %d, want 1", warnings)
	}
	if view.Run.Unavailable == 0 {
		t.Fatal("run counters should record unavailable symbols")
	}
}

func TestHistoryWriteFailureIsWarningOnly(t *testing.T) {
	rig := newRig(t)
	rig.seedPortfolio(t, day(5))
	rig.store.historyErr = errors.New("table locked")

	if _, err := rig.orch.StartRun(context.Background(), Request{Trigger: domain.TriggerScheduled}); err != nil {
		t.Fatal(err)
	}
	view := waitTerminal(t, rig.tracker, domain.ScopeGlobal)

	if view.Run.Status != domain.RunCompleted {
		t.Fatalf("status = %v, history failures must not degrade the run", view.Run.Status)
	}
	found := false
	for _, e := range view.RecentLog {
		if e.Level == domain.LogWarning && strings.Contains(e.Message, "history record") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a warning about the failed history write")
	}
}
