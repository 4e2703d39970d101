package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"saturn/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ PositionStore = (*SQLiteStore)(nil)
var _ SnapshotStore = (*SQLiteStore)(nil)
var _ SymbolStore = (*SQLiteStore)(nil)
var _ HistoryStore = (*SQLiteStore)(nil)

const dateFormat = "2006-01-02"

// SQLiteStore implements PositionStore, SnapshotStore, SymbolStore, and
// HistoryStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migration, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. The orchestrator calls this
// before accepting a run.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		portfolio_id TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		quantity     TEXT NOT NULL,
		cost_basis   TEXT NOT NULL,
		entry_date   TEXT NOT NULL,
		PRIMARY KEY (portfolio_id, symbol)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		portfolio_id TEXT NOT NULL,
		date         TEXT NOT NULL,
		market_value REAL NOT NULL,
		positions    INTEGER NOT NULL,
		PRIMARY KEY (portfolio_id, date)
	);

	CREATE TABLE IF NOT EXISTS symbols (
		symbol     TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		exchange   TEXT NOT NULL DEFAULT '',
		class      TEXT NOT NULL DEFAULT '',
		tradable   INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_history (
		date         TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL,
		source       TEXT NOT NULL,
		status       TEXT NOT NULL,
		started_at   TEXT NOT NULL,
		completed_at TEXT NOT NULL DEFAULT '',
		processed    INTEGER NOT NULL DEFAULT 0,
		failed       INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_positions_entry ON positions(portfolio_id, entry_date);
	CREATE INDEX IF NOT EXISTS idx_snapshots_date ON snapshots(portfolio_id, date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or replaces a position.
func (s *SQLiteStore) SavePosition(ctx context.Context, pos domain.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO positions (portfolio_id, symbol, quantity, cost_basis, entry_date)
		 VALUES (?, ?, ?, ?, ?)`,
		pos.PortfolioID, pos.Symbol, pos.Quantity.String(), pos.CostBasis.String(),
		pos.EntryDate.Format(dateFormat),
	)
	return err
}

// ListPositions returns positions for one portfolio, or all when
// portfolioID is empty.
func (s *SQLiteStore) ListPositions(ctx context.Context, portfolioID string) ([]domain.Position, error) {
	query := `SELECT portfolio_id, symbol, quantity, cost_basis, entry_date
	          FROM positions`
	args := []any{}
	if portfolioID != "" {
		query += ` WHERE portfolio_id = ?`
		args = append(args, portfolioID)
	}
	query += ` ORDER BY portfolio_id, symbol`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var pos domain.Position
		var qty, cost, entry string
		if err := rows.Scan(&pos.PortfolioID, &pos.Symbol, &qty, &cost, &entry); err != nil {
			return nil, err
		}
		if pos.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("parsing quantity %q: %w", qty, err)
		}
		if pos.CostBasis, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("parsing cost basis %q: %w", cost, err)
		}
		if pos.EntryDate, err = time.Parse(dateFormat, entry); err != nil {
			return nil, fmt.Errorf("parsing entry date %q: %w", entry, err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// ListPortfolios returns all distinct portfolio IDs that have positions.
func (s *SQLiteStore) ListPortfolios(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT portfolio_id FROM positions ORDER BY portfolio_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EarliestEntryDate returns the earliest position entry date for a portfolio.
func (s *SQLiteStore) EarliestEntryDate(ctx context.Context, portfolioID string) (time.Time, bool, error) {
	var entry sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(entry_date) FROM positions WHERE portfolio_id = ?`, portfolioID,
	).Scan(&entry)
	if err != nil {
		return time.Time{}, false, err
	}
	if !entry.Valid || entry.String == "" {
		return time.Time{}, false, nil
	}
	d, err := time.Parse(dateFormat, entry.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing entry date %q: %w", entry.String, err)
	}
	return d, true, nil
}

// ---------------------------------------------------------------------------
// SnapshotStore implementation
// ---------------------------------------------------------------------------

// UpsertSnapshot inserts or updates the snapshot for (portfolio, date).
func (s *SQLiteStore) UpsertSnapshot(ctx context.Context, snap domain.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (portfolio_id, date, market_value, positions)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(portfolio_id, date) DO UPDATE SET
		   market_value = excluded.market_value,
		   positions = excluded.positions`,
		snap.PortfolioID, snap.Date.Format(dateFormat), snap.MarketValue, snap.Positions,
	)
	return err
}

// LatestSnapshotDates returns each portfolio's most recent snapshot date.
func (s *SQLiteStore) LatestSnapshotDates(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT portfolio_id, MAX(date) FROM snapshots GROUP BY portfolio_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := make(map[string]time.Time)
	for rows.Next() {
		var id, date string
		if err := rows.Scan(&id, &date); err != nil {
			return nil, err
		}
		d, err := time.Parse(dateFormat, date)
		if err != nil {
			return nil, fmt.Errorf("parsing snapshot date %q: %w", date, err)
		}
		latest[id] = d
	}
	return latest, rows.Err()
}

// ListSnapshots returns a portfolio's snapshots in ascending date order.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, portfolioID string) ([]domain.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT portfolio_id, date, market_value, positions
		 FROM snapshots WHERE portfolio_id = ? ORDER BY date`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []domain.Snapshot
	for rows.Next() {
		var snap domain.Snapshot
		var date string
		if err := rows.Scan(&snap.PortfolioID, &date, &snap.MarketValue, &snap.Positions); err != nil {
			return nil, err
		}
		if snap.Date, err = time.Parse(dateFormat, date); err != nil {
			return nil, fmt.Errorf("parsing snapshot date %q: %w", date, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// ---------------------------------------------------------------------------
// SymbolStore implementation
// ---------------------------------------------------------------------------

// UpsertAssets inserts or updates reference data for the given assets.
func (s *SQLiteStore) UpsertAssets(ctx context.Context, assets []domain.Asset) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, a := range assets {
		tradable := 0
		if a.Tradable {
			tradable = 1
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO symbols (symbol, name, exchange, class, tradable, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(symbol) DO UPDATE SET
			   name = excluded.name,
			   exchange = excluded.exchange,
			   class = excluded.class,
			   tradable = excluded.tradable,
			   updated_at = excluded.updated_at`,
			a.Symbol, a.Name, a.Exchange, a.Class, tradable, now,
		)
		if err != nil {
			return fmt.Errorf("upserting asset %s: %w", a.Symbol, err)
		}
	}
	return nil
}

// RegisterSymbols records symbols with no reference data yet. Existing rows
// are left untouched.
func (s *SQLiteStore) RegisterSymbols(ctx context.Context, symbols []string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, sym := range symbols {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO symbols (symbol, updated_at) VALUES (?, ?)`,
			sym, now,
		)
		if err != nil {
			return fmt.Errorf("registering symbol %s: %w", sym, err)
		}
	}
	return nil
}

// ListKnownSymbols returns every registered symbol, sorted.
func (s *SQLiteStore) ListKnownSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol FROM symbols ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// ---------------------------------------------------------------------------
// HistoryStore implementation
// ---------------------------------------------------------------------------

// UpsertRunDay updates the record for the given date if one exists,
// otherwise inserts it. The lookup-then-write sequence keeps re-runs of the
// same date from tripping the primary key.
func (s *SQLiteStore) UpsertRunDay(ctx context.Context, rec domain.RunDay) error {
	date := rec.Date.Format(dateFormat)

	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT date FROM run_history WHERE date = ?`, date).Scan(&existing)

	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO run_history (date, run_id, source, status, started_at, completed_at, processed, failed)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			date, rec.RunID, string(rec.Trigger), string(rec.Status),
			rec.StartedAt.UTC().Format(time.RFC3339), formatCompleted(rec.CompletedAt),
			rec.Processed, rec.Failed,
		)
		return err
	case err != nil:
		return err
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE run_history
			 SET run_id = ?, source = ?, status = ?, started_at = ?, completed_at = ?, processed = ?, failed = ?
			 WHERE date = ?`,
			rec.RunID, string(rec.Trigger), string(rec.Status),
			rec.StartedAt.UTC().Format(time.RFC3339), formatCompleted(rec.CompletedAt),
			rec.Processed, rec.Failed, date,
		)
		return err
	}
}

// GetRunDay returns the record for one date.
func (s *SQLiteStore) GetRunDay(ctx context.Context, date time.Time) (domain.RunDay, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT date, run_id, source, status, started_at, completed_at, processed, failed
		 FROM run_history WHERE date = ?`, date.Format(dateFormat))

	rec, err := scanRunDay(row.Scan)
	if err == sql.ErrNoRows {
		return domain.RunDay{}, false, nil
	}
	if err != nil {
		return domain.RunDay{}, false, err
	}
	return rec, true, nil
}

// ListRunDays returns the most recent records, newest first.
func (s *SQLiteStore) ListRunDays(ctx context.Context, limit int) ([]domain.RunDay, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, run_id, source, status, started_at, completed_at, processed, failed
		 FROM run_history ORDER BY date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.RunDay
	for rows.Next() {
		rec, err := scanRunDay(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanRunDay(scan func(...any) error) (domain.RunDay, error) {
	var rec domain.RunDay
	var date, trigger, status, startedAt, completedAt string
	if err := scan(&date, &rec.RunID, &trigger, &status, &startedAt, &completedAt,
		&rec.Processed, &rec.Failed); err != nil {
		return domain.RunDay{}, err
	}

	var err error
	if rec.Date, err = time.Parse(dateFormat, date); err != nil {
		return domain.RunDay{}, fmt.Errorf("parsing history date %q: %w", date, err)
	}
	rec.Trigger = domain.Trigger(trigger)
	rec.Status = domain.RunStatus(status)
	if rec.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return domain.RunDay{}, fmt.Errorf("parsing started_at %q: %w", startedAt, err)
	}
	if completedAt != "" {
		if rec.CompletedAt, err = time.Parse(time.RFC3339, completedAt); err != nil {
			return domain.RunDay{}, fmt.Errorf("parsing completed_at %q: %w", completedAt, err)
		}
	}
	return rec, nil
}

func formatCompleted(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
