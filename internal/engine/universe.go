package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"saturn/internal/domain"
	"saturn/internal/store"
)

// Resolver builds the symbol universe for a run: the scope's holdings plus
// the configured reference symbols, optionally widened to every symbol the
// system has ever seen.
type Resolver struct {
	positions store.PositionStore
	symbols   store.SymbolStore
	reference []string
}

// NewResolver creates a Resolver with the configured reference symbols.
func NewResolver(positions store.PositionStore, symbols store.SymbolStore, reference []string) *Resolver {
	return &Resolver{positions: positions, symbols: symbols, reference: reference}
}

// Resolve returns the sorted, deduplicated universe for a scope. When
// scopedOnly is false and the scope is global, the universe also includes
// every known symbol, so previously seen symbols keep accumulating history.
// A scoped run never fetches more than its holdings plus references.
func (r *Resolver) Resolve(ctx context.Context, scope string, scopedOnly bool) ([]string, error) {
	seen := make(map[string]bool)

	portfolioID := scope
	if scope == domain.ScopeGlobal {
		portfolioID = "" // all portfolios
	}
	positions, err := r.positions.ListPositions(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	for _, pos := range positions {
		seen[strings.ToUpper(pos.Symbol)] = true
	}

	for _, sym := range r.reference {
		seen[strings.ToUpper(sym)] = true
	}

	if scope == domain.ScopeGlobal && !scopedOnly {
		known, err := r.symbols.ListKnownSymbols(ctx)
		if err != nil {
			return nil, fmt.Errorf("list known symbols: %w", err)
		}
		for _, sym := range known {
			seen[strings.ToUpper(sym)] = true
		}
	}

	universe := make([]string, 0, len(seen))
	for sym := range seen {
		universe = append(universe, sym)
	}
	sort.Strings(universe)
	return universe, nil
}
