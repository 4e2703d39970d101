// Package provider defines the market data provider interface and its
// Alpaca-backed implementation. The engine treats the provider as an
// external collaborator that may be unable to supply data for a subset of
// the requested symbols.
package provider

import (
	"context"
	"time"

	"saturn/internal/domain"
)

// BarsResult is the outcome of a daily-bars request. Unavailable lists the
// requested symbols the provider could not supply after exhausting its
// fallback order; the bars for the remaining symbols are still valid.
type BarsResult struct {
	Bars        map[string][]domain.Bar
	Unavailable []string
}

// Provider supplies time-series prices and reference data.
type Provider interface {
	// DailyBars returns daily bars for the given symbols within [start, end].
	// Partial availability is not an error: missing symbols are reported in
	// BarsResult.Unavailable.
	DailyBars(ctx context.Context, symbols []string, start, end time.Time) (BarsResult, error)

	// Assets returns reference data for the given symbols.
	Assets(ctx context.Context, symbols []string) ([]domain.Asset, error)
}
