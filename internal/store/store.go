// Package store persists one day of bars per file under
// data/<symbol>/raw/<date>.<ext>. Two formats are supported: CSV for
// hand-inspectable archives and parquet for bulk analytics.
package store

import (
	"fmt"
	"time"

	"ibdaily/internal/domain"
)

// DayWriter persists and reads back one trading day of bars for a symbol.
type DayWriter interface {
	WriteDay(symbol string, date time.Time, bars []domain.Bar) (path string, err error)
	ReadDay(symbol string, date time.Time) ([]domain.Bar, error)
}

// New returns the DayWriter for the configured format.
func New(format, dataDir string) (DayWriter, error) {
	switch format {
	case "", "csv":
		return NewCSVStore(dataDir), nil
	case "parquet":
		return NewParquetStore(dataDir), nil
	default:
		return nil, fmt.Errorf("unknown storage format %q", format)
	}
}
