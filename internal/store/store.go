// Package store defines storage interfaces for positions, snapshots, the
// known-symbol registry, and run history, plus SQLite and Parquet
// implementations.
package store

import (
	"context"
	"time"

	"saturn/internal/domain"
)

// PositionStore reads and writes portfolio holdings.
type PositionStore interface {
	// SavePosition inserts or replaces a position.
	SavePosition(ctx context.Context, pos domain.Position) error

	// ListPositions returns positions for one portfolio, or all positions
	// when portfolioID is empty.
	ListPositions(ctx context.Context, portfolioID string) ([]domain.Position, error)

	// ListPortfolios returns all distinct portfolio IDs that have positions.
	ListPortfolios(ctx context.Context) ([]string, error)

	// EarliestEntryDate returns the earliest position entry date for a
	// portfolio. ok is false when the portfolio has no positions.
	EarliestEntryDate(ctx context.Context, portfolioID string) (date time.Time, ok bool, err error)
}

// SnapshotStore persists per-portfolio daily valuations. The latest snapshot
// date per portfolio is the backfill watermark.
type SnapshotStore interface {
	// UpsertSnapshot inserts or updates the snapshot for (portfolio, date).
	UpsertSnapshot(ctx context.Context, snap domain.Snapshot) error

	// LatestSnapshotDates returns each portfolio's most recent snapshot date.
	LatestSnapshotDates(ctx context.Context) (map[string]time.Time, error)

	// ListSnapshots returns a portfolio's snapshots in ascending date order.
	ListSnapshots(ctx context.Context, portfolioID string) ([]domain.Snapshot, error)
}

// SymbolStore tracks every symbol the system has ever seen, with reference
// data when available.
type SymbolStore interface {
	// UpsertAssets inserts or updates reference data for the given assets.
	UpsertAssets(ctx context.Context, assets []domain.Asset) error

	// RegisterSymbols records symbols with no reference data yet.
	RegisterSymbols(ctx context.Context, symbols []string) error

	// ListKnownSymbols returns every registered symbol, sorted.
	ListKnownSymbols(ctx context.Context) ([]string, error)
}

// HistoryStore is the durable run-history audit trail: one row per processed
// trading date, upserted on re-runs.
type HistoryStore interface {
	// UpsertRunDay updates the record for the given date if one exists,
	// otherwise inserts it. Safe to call repeatedly for the same date.
	UpsertRunDay(ctx context.Context, rec domain.RunDay) error

	// GetRunDay returns the record for one date. ok is false when absent.
	GetRunDay(ctx context.Context, date time.Time) (rec domain.RunDay, ok bool, err error)

	// ListRunDays returns the most recent records, newest first.
	ListRunDays(ctx context.Context, limit int) ([]domain.RunDay, error)
}
