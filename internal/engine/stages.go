package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"saturn/internal/calc"
	"saturn/internal/domain"
	"saturn/internal/provider"
	"saturn/internal/store"
)

// minReturnObs is the minimum number of close observations a symbol needs
// before exposures or correlations are computed for it.
const minReturnObs = 3

// Stages assembles the standard pipeline in execution order.
func Stages(positions store.PositionStore, symbols store.SymbolStore, snapshots store.SnapshotStore, parquet *store.ParquetStore, prov provider.Provider) []Stage {
	return []Stage{
		&loadPositionsStage{positions: positions},
		&collectPricesStage{provider: prov, parquet: parquet},
		&computeExposuresStage{parquet: parquet},
		&computeValuationsStage{snapshots: snapshots},
		&syncReferenceStage{provider: prov, symbols: symbols},
		&computeRiskStage{parquet: parquet},
	}
}

// ---------------------------------------------------------------------------
// load-positions: once, critical
// ---------------------------------------------------------------------------

// loadPositionsStage loads the scope's holdings into the pipeline context.
// Without positions nothing downstream can value anything, so it is the one
// critical stage.
type loadPositionsStage struct {
	positions store.PositionStore
}

func (s *loadPositionsStage) ID() string       { return "load-positions" }
func (s *loadPositionsStage) Name() string     { return "Load positions" }
func (s *loadPositionsStage) Unit() string     { return "positions" }
func (s *loadPositionsStage) Cadence() Cadence { return Once }
func (s *loadPositionsStage) Critical() bool   { return true }

func (s *loadPositionsStage) Execute(ctx context.Context, pc *PipelineContext, _ time.Time, progress ProgressFunc) (Outcome, error) {
	portfolioID := pc.Scope
	if pc.Scope == domain.ScopeGlobal {
		portfolioID = ""
	}
	positions, err := s.positions.ListPositions(ctx, portfolioID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load positions: %w", err)
	}
	pc.Positions = positions
	progress(len(positions), len(positions))
	return Outcome{Processed: len(positions)}, nil
}

// ---------------------------------------------------------------------------
// collect-prices: per date
// ---------------------------------------------------------------------------

// collectPricesStage fetches daily bars for the universe, persists them to
// the Parquet price store, and feeds the in-memory close series the compute
// stages read. The first execution widens the fetch backwards so trailing
// statistics have history even on a single-day run.
type collectPricesStage struct {
	provider provider.Provider
	parquet  *store.ParquetStore
	warmed   bool
}

func (s *collectPricesStage) ID() string       { return "collect-prices" }
func (s *collectPricesStage) Name() string     { return "Collect prices" }
func (s *collectPricesStage) Unit() string     { return "dates" }
func (s *collectPricesStage) Cadence() Cadence { return PerDate }
func (s *collectPricesStage) Critical() bool   { return false }

func (s *collectPricesStage) Execute(ctx context.Context, pc *PipelineContext, date time.Time, _ ProgressFunc) (Outcome, error) {
	start := date
	if !s.warmed {
		// fetch roughly riskWindow trading days of history before the
		// first planned date (7/5 calendar-to-trading ratio plus slack)
		start = date.AddDate(0, 0, -(pc.riskWindow*7/5 + 10))
		s.warmed = true
	}

	result, err := s.provider.DailyBars(ctx, pc.Universe, start, date)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch daily bars: %w", err)
	}

	var dayBars []domain.Bar
	for sym, bars := range result.Bars {
		for _, b := range bars {
			pc.RecordClose(sym, dateOf(b.Timestamp), b.Close)
			if sameDate(b.Timestamp, date) {
				dayBars = append(dayBars, b)
			}
		}
	}

	if err := s.parquet.WritePrices(date, dayBars); err != nil {
		return Outcome{}, fmt.Errorf("write prices: %w", err)
	}

	return Outcome{Processed: len(dayBars), Unavailable: result.Unavailable}, nil
}

// ---------------------------------------------------------------------------
// compute-exposures: per date
// ---------------------------------------------------------------------------

// computeExposuresStage regresses every priced non-reference symbol against
// the reference factors and persists the betas for the date.
type computeExposuresStage struct {
	parquet *store.ParquetStore
}

func (s *computeExposuresStage) ID() string       { return "compute-exposures" }
func (s *computeExposuresStage) Name() string     { return "Compute factor exposures" }
func (s *computeExposuresStage) Unit() string     { return "dates" }
func (s *computeExposuresStage) Cadence() Cadence { return PerDate }
func (s *computeExposuresStage) Critical() bool   { return false }

func (s *computeExposuresStage) Execute(ctx context.Context, pc *PipelineContext, date time.Time, _ ProgressFunc) (Outcome, error) {
	factors := make(map[string][]float64)
	for sym := range pc.reference {
		if closes := pc.ClosesThrough(sym, date); len(closes) >= minReturnObs {
			factors[sym] = calc.Returns(closes)
		}
	}
	if len(factors) == 0 {
		// no factor history yet, nothing to regress against
		return Outcome{}, nil
	}

	var records []store.ExposureRecord
	processed := 0
	for _, sym := range pc.PricedSymbols(date, minReturnObs) {
		if pc.IsReference(sym) {
			continue
		}
		asset := calc.Returns(pc.ClosesThrough(sym, date))
		for factor, beta := range calc.Exposures(asset, factors) {
			records = append(records, store.ExposureRecord{Symbol: sym, Factor: factor, Beta: beta})
		}
		processed++
	}

	if err := s.parquet.WriteExposures(date, records); err != nil {
		return Outcome{}, fmt.Errorf("write exposures: %w", err)
	}
	return Outcome{Processed: processed}, nil
}

// ---------------------------------------------------------------------------
// compute-valuations: per date, watermark writer
// ---------------------------------------------------------------------------

// computeValuationsStage marks positions to market and upserts the daily
// snapshot per portfolio. The snapshot rows it writes are the watermarks the
// planner resumes from, so they are only persisted after valuation succeeds.
type computeValuationsStage struct {
	snapshots store.SnapshotStore
}

func (s *computeValuationsStage) ID() string       { return "compute-valuations" }
func (s *computeValuationsStage) Name() string     { return "Compute valuations" }
func (s *computeValuationsStage) Unit() string     { return "dates" }
func (s *computeValuationsStage) Cadence() Cadence { return PerDate }
func (s *computeValuationsStage) Critical() bool   { return false }

func (s *computeValuationsStage) Execute(ctx context.Context, pc *PipelineContext, date time.Time, _ ProgressFunc) (Outcome, error) {
	byPortfolio := make(map[string]map[string]float64)
	held := make(map[string]int)
	for _, pos := range pc.Positions {
		if pos.EntryDate.After(date) {
			continue
		}
		q := byPortfolio[pos.PortfolioID]
		if q == nil {
			q = make(map[string]float64)
			byPortfolio[pos.PortfolioID] = q
		}
		q[pos.Symbol] += pos.Quantity.InexactFloat64()
		held[pos.PortfolioID]++
	}

	out := Outcome{}
	for portfolioID, quantities := range byPortfolio {
		closes := make(map[string]float64, len(quantities))
		for sym := range quantities {
			if px, ok := pc.CloseOn(sym, date); ok {
				closes[sym] = px
			}
		}
		value, unpriced := calc.MarketValue(quantities, closes)
		if unpriced > 0 {
			slog.Default().Warn("valuation missing prices",
				"portfolio", portfolioID,
				"date", date.Format("2006-01-02"),
				"unpriced", unpriced)
		}
		snap := domain.Snapshot{
			PortfolioID: portfolioID,
			Date:        date,
			MarketValue: value,
			Positions:   held[portfolioID],
		}
		if err := s.snapshots.UpsertSnapshot(ctx, snap); err != nil {
			return out, fmt.Errorf("upsert snapshot %s/%s: %w", portfolioID, date.Format("2006-01-02"), err)
		}
		out.Processed++
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// sync-reference: final date only
// ---------------------------------------------------------------------------

// syncReferenceStage refreshes asset reference data for the universe and
// registers every universe symbol so future global runs keep extending their
// history.
type syncReferenceStage struct {
	provider provider.Provider
	symbols  store.SymbolStore
}

func (s *syncReferenceStage) ID() string       { return "sync-reference" }
func (s *syncReferenceStage) Name() string     { return "Sync reference data" }
func (s *syncReferenceStage) Unit() string     { return "symbols" }
func (s *syncReferenceStage) Cadence() Cadence { return FinalDateOnly }
func (s *syncReferenceStage) Critical() bool   { return false }

func (s *syncReferenceStage) Execute(ctx context.Context, pc *PipelineContext, _ time.Time, progress ProgressFunc) (Outcome, error) {
	progress(0, len(pc.Universe))

	if err := s.symbols.RegisterSymbols(ctx, pc.Universe); err != nil {
		return Outcome{}, fmt.Errorf("register symbols: %w", err)
	}

	assets, err := s.provider.Assets(ctx, pc.Universe)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch assets: %w", err)
	}
	if err := s.symbols.UpsertAssets(ctx, assets); err != nil {
		return Outcome{}, fmt.Errorf("upsert assets: %w", err)
	}

	progress(len(assets), len(pc.Universe))
	return Outcome{Processed: len(assets)}, nil
}

// ---------------------------------------------------------------------------
// compute-risk: final date only
// ---------------------------------------------------------------------------

// computeRiskStage computes annualized volatilities and the pairwise
// correlation matrix over the trailing window, persisted for the final date
// of the range only.
type computeRiskStage struct {
	parquet *store.ParquetStore
}

func (s *computeRiskStage) ID() string       { return "compute-risk" }
func (s *computeRiskStage) Name() string     { return "Compute risk metrics" }
func (s *computeRiskStage) Unit() string     { return "symbols" }
func (s *computeRiskStage) Cadence() Cadence { return FinalDateOnly }
func (s *computeRiskStage) Critical() bool   { return false }

func (s *computeRiskStage) Execute(ctx context.Context, pc *PipelineContext, date time.Time, progress ProgressFunc) (Outcome, error) {
	symbols := pc.PricedSymbols(date, minReturnObs)
	progress(0, len(symbols))

	returns := make(map[string][]float64, len(symbols))
	var records []store.RiskRecord
	for i, sym := range symbols {
		returns[sym] = calc.Returns(pc.ClosesThrough(sym, date))
		records = append(records, store.RiskRecord{
			SymbolA:   sym,
			AnnualVol: calc.AnnualizedVol(returns[sym]),
		})
		progress(i+1, len(symbols))
	}

	corr := calc.CorrelationMatrix(symbols, returns)
	for i := range symbols {
		for j := i + 1; j < len(symbols); j++ {
			records = append(records, store.RiskRecord{
				SymbolA:     symbols[i],
				SymbolB:     symbols[j],
				Correlation: corr[i][j],
			})
		}
	}

	if err := s.parquet.WriteRisk(date, records); err != nil {
		return Outcome{}, fmt.Errorf("write risk metrics: %w", err)
	}
	return Outcome{Processed: len(symbols)}, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sameDate(a, b time.Time) bool {
	return dateOf(a).Equal(dateOf(b))
}
