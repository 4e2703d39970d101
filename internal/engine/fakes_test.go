package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"saturn/internal/domain"
	"saturn/internal/provider"
)

// memStore is an in-memory implementation of the storage interfaces plus
// Pinger, shared by the engine tests.
type memStore struct {
	mu        sync.Mutex
	positions []domain.Position
	snapshots map[string]map[string]domain.Snapshot // portfolio → date key
	assets    map[string]domain.Asset
	known     map[string]bool
	history   map[string]domain.RunDay

	// failing starts at call number failPositionsAfter+1; zero never fails
	failPositionsAfter int
	positionCalls      int
	listPositionsErr   error
	historyErr         error
	pingErr            error
}

func newMemStore() *memStore {
	return &memStore{
		snapshots: make(map[string]map[string]domain.Snapshot),
		assets:    make(map[string]domain.Asset),
		known:     make(map[string]bool),
		history:   make(map[string]domain.RunDay),
	}
}

func dateKey(d time.Time) string { return d.Format("2006-01-02") }

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) SavePosition(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = append(m.positions, pos)
	return nil
}

func (m *memStore) ListPositions(_ context.Context, portfolioID string) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionCalls++
	if m.listPositionsErr != nil && m.positionCalls > m.failPositionsAfter {
		return nil, m.listPositionsErr
	}
	var out []domain.Position
	for _, p := range m.positions {
		if portfolioID == "" || p.PortfolioID == portfolioID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) ListPortfolios(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range m.positions {
		if !seen[p.PortfolioID] {
			seen[p.PortfolioID] = true
			out = append(out, p.PortfolioID)
		}
	}
	return out, nil
}

func (m *memStore) EarliestEntryDate(_ context.Context, portfolioID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest time.Time
	found := false
	for _, p := range m.positions {
		if p.PortfolioID != portfolioID {
			continue
		}
		if !found || p.EntryDate.Before(earliest) {
			earliest = p.EntryDate
			found = true
		}
	}
	return earliest, found, nil
}

func (m *memStore) UpsertSnapshot(_ context.Context, snap domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDate := m.snapshots[snap.PortfolioID]
	if byDate == nil {
		byDate = make(map[string]domain.Snapshot)
		m.snapshots[snap.PortfolioID] = byDate
	}
	byDate[dateKey(snap.Date)] = snap
	return nil
}

func (m *memStore) LatestSnapshotDates(_ context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time)
	for pf, byDate := range m.snapshots {
		for _, snap := range byDate {
			if snap.Date.After(out[pf]) {
				out[pf] = snap.Date
			}
		}
	}
	return out, nil
}

func (m *memStore) ListSnapshots(_ context.Context, portfolioID string) ([]domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Snapshot
	for _, snap := range m.snapshots[portfolioID] {
		out = append(out, snap)
	}
	return out, nil
}

func (m *memStore) UpsertAssets(_ context.Context, assets []domain.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range assets {
		m.assets[a.Symbol] = a
		m.known[a.Symbol] = true
	}
	return nil
}

func (m *memStore) RegisterSymbols(_ context.Context, symbols []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		m.known[s] = true
	}
	return nil
}

func (m *memStore) ListKnownSymbols(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for s := range m.known {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) UpsertRunDay(_ context.Context, rec domain.RunDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return m.historyErr
	}
	m.history[dateKey(rec.Date)] = rec
	return nil
}

func (m *memStore) GetRunDay(_ context.Context, date time.Time) (domain.RunDay, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.history[dateKey(date)]
	return rec, ok, nil
}

func (m *memStore) ListRunDays(_ context.Context, limit int) ([]domain.RunDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RunDay
	for _, rec := range m.history {
		out = append(out, rec)
	}
	return out, nil
}

// fakeProvider serves deterministic synthetic bars: each symbol's close
// walks upward one cent per weekday. failOn makes DailyBars error when the
// requested range ends on that date; unavailable symbols are reported, not
// served. blockCh, when set, blocks the first DailyBars call until closed or
// the caller's context ends; blockEntered is closed once that call is
// actually parked, so tests can sequence against it.
type fakeProvider struct {
	mu           sync.Mutex
	failOn       map[string]bool
	unavailable  map[string]bool
	blockCh      chan struct{}
	blockEntered chan struct{}
	blocked      bool
	calls        int
	assetCalls   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		failOn:      make(map[string]bool),
		unavailable: make(map[string]bool),
	}
}

func (f *fakeProvider) DailyBars(ctx context.Context, symbols []string, start, end time.Time) (provider.BarsResult, error) {
	f.mu.Lock()
	f.calls++
	block := f.blockCh != nil && !f.blocked
	if block {
		f.blocked = true
	}
	fail := f.failOn[dateKey(end)]
	f.mu.Unlock()

	if block {
		if f.blockEntered != nil {
			close(f.blockEntered)
		}
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return provider.BarsResult{}, ctx.Err()
		}
	}
	if fail {
		return provider.BarsResult{}, fmt.Errorf("upstream returned 500")
	}

	result := provider.BarsResult{Bars: make(map[string][]domain.Bar)}
	for _, sym := range symbols {
		if f.unavailable[sym] {
			result.Unavailable = append(result.Unavailable, sym)
			continue
		}
		for d := d00(start); !d.After(d00(end)); d = d.AddDate(0, 0, 1) {
			if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
				continue
			}
			px := basePrice(sym) + 0.01*float64(d.YearDay())
			result.Bars[sym] = append(result.Bars[sym], domain.Bar{
				Symbol:    sym,
				Timestamp: d,
				Open:      px,
				High:      px,
				Low:       px,
				Close:     px,
				Volume:    1000,
			})
		}
	}
	return result, nil
}

func (f *fakeProvider) Assets(_ context.Context, symbols []string) ([]domain.Asset, error) {
	f.mu.Lock()
	f.assetCalls++
	f.mu.Unlock()
	out := make([]domain.Asset, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, domain.Asset{Symbol: sym, Name: sym + " Inc", Exchange: "NYSE", Tradable: true})
	}
	return out, nil
}

// stubStage is a minimal scriptable stage for orchestrator lifecycle tests.
type stubStage struct {
	id       string
	cadence  Cadence
	critical bool
	execute  func(ctx context.Context, pc *PipelineContext, date time.Time) (Outcome, error)
}

func (s *stubStage) ID() string       { return s.id }
func (s *stubStage) Name() string     { return s.id }
func (s *stubStage) Unit() string     { return "items" }
func (s *stubStage) Cadence() Cadence { return s.cadence }
func (s *stubStage) Critical() bool   { return s.critical }

func (s *stubStage) Execute(ctx context.Context, pc *PipelineContext, date time.Time, _ ProgressFunc) (Outcome, error) {
	if s.execute == nil {
		return Outcome{Processed: 1}, nil
	}
	return s.execute(ctx, pc, date)
}

func basePrice(sym string) float64 {
	h := 0
	for _, c := range sym {
		h = h*31 + int(c)
	}
	return float64(50 + h%200)
}

func d00(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
