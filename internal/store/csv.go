package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"ibdaily/internal/domain"
)

var csvHeader = []string{"date", "open", "high", "low", "close", "volume", "barCount"}

// CSVStore writes day files as CSV.
type CSVStore struct {
	dataDir string
}

// NewCSVStore creates a CSVStore rooted at dataDir.
func NewCSVStore(dataDir string) *CSVStore {
	return &CSVStore{dataDir: dataDir}
}

func (s *CSVStore) path(symbol string, date time.Time) string {
	return filepath.Join(s.dataDir, symbol, "raw", domain.DateKey(date)+".csv")
}

// WriteDay writes bars through a temp file and rename.
func (s *CSVStore) WriteDay(symbol string, date time.Time, bars []domain.Bar) (string, error) {
	path := s.path(symbol, date)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp day file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(csvHeader); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing header: %w", err)
	}
	for _, b := range bars {
		row := []string{
			b.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatInt(b.Volume, 10),
			strconv.FormatInt(b.BarCount, 10),
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return "", fmt.Errorf("writing bar row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("flushing day file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp day file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("replacing day file: %w", err)
	}
	return path, nil
}

// ReadDay reads a previously written day file.
func (s *CSVStore) ReadDay(symbol string, date time.Time) ([]domain.Bar, error) {
	path := s.path(symbol, date)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var bars []domain.Bar
	for i, row := range rows {
		if i == 0 {
			continue
		}
		if len(row) != 7 {
			return nil, fmt.Errorf("%s line %d: want 7 fields, got %d", path, i+1, len(row))
		}
		ts, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, i+1, err)
		}
		open, err1 := strconv.ParseFloat(row[1], 64)
		high, err2 := strconv.ParseFloat(row[2], 64)
		low, err3 := strconv.ParseFloat(row[3], 64)
		closep, err4 := strconv.ParseFloat(row[4], 64)
		vol, err5 := strconv.ParseInt(row[5], 10, 64)
		cnt, err6 := strconv.ParseInt(row[6], 10, 64)
		for _, e := range []error{err1, err2, err3, err4, err5, err6} {
			if e != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, i+1, e)
			}
		}
		bars = append(bars, domain.Bar{
			Timestamp: ts.UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closep,
			Volume:    vol,
			BarCount:  cnt,
		})
	}
	return bars, nil
}
