package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"saturn/internal/calendar"
	"saturn/internal/domain"
	"saturn/internal/store"
)

// Planner derives the trading-date range a run must cover from the snapshot
// watermarks. It never plans weekends or holidays and never plans into the
// future.
type Planner struct {
	positions store.PositionStore
	snapshots store.SnapshotStore
	cal       *calendar.Calendar
	lookback  int // calendar days for the first-ever global backfill
	log       *slog.Logger
	now       func() time.Time
}

// NewPlanner creates a Planner. lookbackDays bounds the initial backfill
// when no snapshot exists yet.
func NewPlanner(positions store.PositionStore, snapshots store.SnapshotStore, cal *calendar.Calendar, lookbackDays int) *Planner {
	return &Planner{
		positions: positions,
		snapshots: snapshots,
		cal:       cal,
		lookback:  lookbackDays,
		log:       slog.Default().With("component", "planner"),
		now:       time.Now,
	}
}

// Plan returns the inclusive trading-date range [start, end] the given scope
// needs processed. end is always the latest trading day on or before now.
// start may be after end, which means no per-date work is pending; final
// summary stages still run for end.
func (p *Planner) Plan(ctx context.Context, scope string) (start, end time.Time, err error) {
	end = p.cal.LatestOnOrBefore(p.now())

	if scope == domain.ScopeGlobal {
		start, err = p.globalStart(ctx, end)
	} else {
		start, err = p.portfolioStart(ctx, scope, end)
	}
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	p.log.Info("planned run range",
		"scope", scope,
		"start", start.Format("2006-01-02"),
		"end", end.Format("2006-01-02"))
	return start, end, nil
}

// globalStart resumes from the day after the least advanced portfolio
// watermark, so no portfolio is left with a gap. With no snapshots at all it
// backfills the configured lookback window.
func (p *Planner) globalStart(ctx context.Context, end time.Time) (time.Time, error) {
	latest, err := p.snapshots.LatestSnapshotDates(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read snapshot watermarks: %w", err)
	}
	if len(latest) == 0 {
		return p.cal.LatestOnOrBefore(end.AddDate(0, 0, -p.lookback)), nil
	}

	var watermark time.Time
	for _, d := range latest {
		if watermark.IsZero() || d.Before(watermark) {
			watermark = d
		}
	}
	return p.cal.NextAfter(watermark), nil
}

// portfolioStart resumes a single portfolio from its own watermark, or from
// its earliest position entry when it has never been valued (onboarding).
func (p *Planner) portfolioStart(ctx context.Context, portfolioID string, end time.Time) (time.Time, error) {
	latest, err := p.snapshots.LatestSnapshotDates(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read snapshot watermarks: %w", err)
	}
	if wm, ok := latest[portfolioID]; ok {
		return p.cal.NextAfter(wm), nil
	}

	entry, ok, err := p.positions.EarliestEntryDate(ctx, portfolioID)
	if err != nil {
		return time.Time{}, fmt.Errorf("read earliest entry date: %w", err)
	}
	if !ok {
		// nothing to backfill for an empty portfolio
		return end, nil
	}
	if p.cal.IsTradingDay(entry) {
		return entry, nil
	}
	return p.cal.NextAfter(entry), nil
}
