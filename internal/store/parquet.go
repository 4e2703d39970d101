package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"saturn/internal/domain"
)

// ParquetStore persists per-date computed analytics as Parquet files on
// disk. One file per (kind, date); re-running a date overwrites in place.
//
// Layout:
//
//	<dataDir>/prices/<YYYY-MM-DD>.parquet
//	<dataDir>/exposures/<YYYY-MM-DD>.parquet
//	<dataDir>/risk/<YYYY-MM-DD>.parquet
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// PriceRecord is the Parquet schema for collected daily prices.
type PriceRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
	VWAP      float64 `parquet:"vwap"`
}

// ExposureRecord is the Parquet schema for per-symbol factor exposures.
type ExposureRecord struct {
	Symbol string  `parquet:"symbol"`
	Factor string  `parquet:"factor"`
	Beta   float64 `parquet:"beta"`
}

// RiskRecord is the Parquet schema for per-symbol risk metrics plus pairwise
// correlations (one row per symbol pair, symbol_b empty for the vol rows).
type RiskRecord struct {
	SymbolA     string  `parquet:"symbol_a"`
	SymbolB     string  `parquet:"symbol_b"`
	Correlation float64 `parquet:"correlation"`
	AnnualVol   float64 `parquet:"annual_vol"`
}

// ---------------------------------------------------------------------------
// Writers
// ---------------------------------------------------------------------------

// WritePrices writes the bars observed for one date, sorted by symbol.
func (s *ParquetStore) WritePrices(date time.Time, bars []domain.Bar) error {
	records := make([]PriceRecord, 0, len(bars))
	for _, b := range bars {
		records = append(records, PriceRecord{
			Symbol:    b.Symbol,
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			VWAP:      b.VWAP,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Symbol < records[j].Symbol })
	return writeParquetFile(s.path("prices", date), records)
}

// ReadPrices reads the price file for one date. Missing files return nil.
func (s *ParquetStore) ReadPrices(date time.Time) ([]PriceRecord, error) {
	records, err := readParquetFile[PriceRecord](s.path("prices", date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return records, nil
}

// WriteExposures writes factor exposures for one date.
func (s *ParquetStore) WriteExposures(date time.Time, records []ExposureRecord) error {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Symbol != records[j].Symbol {
			return records[i].Symbol < records[j].Symbol
		}
		return records[i].Factor < records[j].Factor
	})
	return writeParquetFile(s.path("exposures", date), records)
}

// WriteRisk writes risk metrics for one date.
func (s *ParquetStore) WriteRisk(date time.Time, records []RiskRecord) error {
	return writeParquetFile(s.path("risk", date), records)
}

// ListDates returns the dates that have files of the given kind, ascending.
func (s *ParquetStore) ListDates(kind string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.DataDir, kind, "*.parquet"))
	if err != nil {
		return nil, fmt.Errorf("globbing %s files: %w", kind, err)
	}

	var dates []string
	for _, m := range matches {
		date := filepath.Base(m)
		date = date[:len(date)-len(".parquet")]
		if len(date) == 10 && date[4] == '-' && date[7] == '-' {
			dates = append(dates, date)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

func (s *ParquetStore) path(kind string, date time.Time) string {
	return filepath.Join(s.DataDir, kind, date.Format(dateFormat)+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
