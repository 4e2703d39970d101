// Package engine plans and executes analytics runs: it resolves the symbol
// universe, derives the trading-date range from snapshot watermarks, and
// drives the pipeline stages over that range while reporting progress to the
// run tracker.
package engine

import (
	"context"
	"sort"
	"time"

	"saturn/internal/domain"
)

// Cadence describes how often a stage executes within a run.
type Cadence int

const (
	// Once runs a single time before the date loop.
	Once Cadence = iota
	// PerDate runs for every trading date in the planned range, ascending.
	PerDate
	// FinalDateOnly runs a single time for the last date of the range, even
	// when the range collapsed to a single day or is empty.
	FinalDateOnly
)

// Outcome is what a stage execution reports back to the orchestrator.
type Outcome struct {
	Processed   int
	Failed      int
	Unavailable []string // symbols the data provider could not supply
}

// ProgressFunc lets Once and FinalDateOnly stages report intra-stage
// progress in their own unit. PerDate stages are progressed by the
// orchestrator in dates instead.
type ProgressFunc func(current, total int)

// Stage is one step of the analytics pipeline.
type Stage interface {
	ID() string
	Name() string
	// Unit labels what Current/Total count for this stage.
	Unit() string
	Cadence() Cadence
	// Critical stages abort the run on failure; non-critical failures
	// degrade the run to partial and execution continues.
	Critical() bool
	Execute(ctx context.Context, pc *PipelineContext, date time.Time, progress ProgressFunc) (Outcome, error)
}

// PipelineContext carries the state shared by the stages of one run. It is
// written and read by the single pipeline goroutine only.
type PipelineContext struct {
	Scope      string
	ScopedOnly bool
	Universe   []string
	Dates      []time.Time
	Positions  []domain.Position

	// closes accumulates symbol → ascending close-price series as the
	// collect stage works through the range, so downstream stages can
	// compute returns without refetching.
	closes     map[string][]closeObs
	reference  map[string]bool
	riskWindow int
}

type closeObs struct {
	date  time.Time
	close float64
}

// NewPipelineContext prepares the shared state for one run.
func NewPipelineContext(scope string, scopedOnly bool, universe []string, dates []time.Time, reference []string, riskWindow int) *PipelineContext {
	refs := make(map[string]bool, len(reference))
	for _, r := range reference {
		refs[r] = true
	}
	return &PipelineContext{
		Scope:      scope,
		ScopedOnly: scopedOnly,
		Universe:   universe,
		Dates:      dates,
		closes:     make(map[string][]closeObs),
		reference:  refs,
		riskWindow: riskWindow,
	}
}

// IsReference reports whether a symbol is a configured benchmark/factor.
func (pc *PipelineContext) IsReference(symbol string) bool {
	return pc.reference[symbol]
}

// RecordClose appends a close observation for a symbol. Observations must
// arrive in ascending date order; duplicates for the same date are replaced.
func (pc *PipelineContext) RecordClose(symbol string, date time.Time, close float64) {
	obs := pc.closes[symbol]
	if n := len(obs); n > 0 && obs[n-1].date.Equal(date) {
		obs[n-1].close = close
	} else {
		obs = append(obs, closeObs{date: date, close: close})
	}
	pc.closes[symbol] = obs
}

// CloseOn returns the latest known close for a symbol on or before date.
func (pc *PipelineContext) CloseOn(symbol string, date time.Time) (float64, bool) {
	obs := pc.closes[symbol]
	for i := len(obs) - 1; i >= 0; i-- {
		if !obs[i].date.After(date) {
			return obs[i].close, true
		}
	}
	return 0, false
}

// ClosesThrough returns the close series for a symbol up to and including
// date, capped to the trailing risk window.
func (pc *PipelineContext) ClosesThrough(symbol string, date time.Time) []float64 {
	obs := pc.closes[symbol]
	var out []float64
	for _, o := range obs {
		if o.date.After(date) {
			break
		}
		out = append(out, o.close)
	}
	if pc.riskWindow > 0 && len(out) > pc.riskWindow {
		out = out[len(out)-pc.riskWindow:]
	}
	return out
}

// PricedSymbols returns the symbols with at least minObs close observations
// through date, sorted.
func (pc *PipelineContext) PricedSymbols(date time.Time, minObs int) []string {
	var out []string
	for sym := range pc.closes {
		if len(pc.ClosesThrough(sym, date)) >= minObs {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}
