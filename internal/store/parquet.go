package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"ibdaily/internal/domain"
)

// barRecord is the parquet row schema for one minute bar. Timestamps are
// epoch nanoseconds so the files round-trip without timezone surprises.
type barRecord struct {
	Timestamp int64   `parquet:"timestamp"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
	BarCount  int64   `parquet:"bar_count"`
}

// ParquetStore writes day files as parquet.
type ParquetStore struct {
	dataDir string
}

// NewParquetStore creates a ParquetStore rooted at dataDir.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{dataDir: dataDir}
}

func (s *ParquetStore) path(symbol string, date time.Time) string {
	return filepath.Join(s.dataDir, symbol, "raw", domain.DateKey(date)+".parquet")
}

// WriteDay writes bars to <date>.parquet via a temp file and rename.
func (s *ParquetStore) WriteDay(symbol string, date time.Time, bars []domain.Bar) (string, error) {
	path := s.path(symbol, date)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}

	records := make([]barRecord, len(bars))
	for i, b := range bars {
		records[i] = barRecord{
			Timestamp: b.Timestamp.UTC().UnixNano(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			BarCount:  b.BarCount,
		}
	}

	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("writing parquet day file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("replacing day file: %w", err)
	}
	return path, nil
}

// ReadDay reads a previously written day file.
func (s *ParquetStore) ReadDay(symbol string, date time.Time) ([]domain.Bar, error) {
	path := s.path(symbol, date)
	records, err := parquet.ReadFile[barRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	bars := make([]domain.Bar, len(records))
	for i, r := range records {
		bars[i] = domain.Bar{
			Timestamp: time.Unix(0, r.Timestamp).UTC(),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
			BarCount:  r.BarCount,
		}
	}
	return bars, nil
}
