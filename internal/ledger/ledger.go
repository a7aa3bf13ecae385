// Package ledger maintains the per-symbol fetch ledger, a CSV file recording
// the outcome of every attempted date. The file is the source of truth for
// resume: completed dates are never fetched again.
package ledger

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"ibdaily/internal/domain"
)

const fileName = "bar_status.csv"

var header = []string{
	"date", "status", "expected_bars", "actual_bars",
	"last_timestamp", "error_message", "retry_count",
}

// Ledger reads and writes one symbol's status file under dataDir/<symbol>/.
type Ledger struct {
	dir string
	log *slog.Logger
}

// Open prepares the ledger for a symbol, creating its directory tree.
func Open(dataDir, symbol string) (*Ledger, error) {
	dir := filepath.Join(dataDir, symbol)
	if err := os.MkdirAll(filepath.Join(dir, "raw"), 0o755); err != nil {
		return nil, fmt.Errorf("creating symbol dir %s: %w", dir, err)
	}
	return &Ledger{
		dir: dir,
		log: slog.Default().With("component", "ledger", "symbol", symbol),
	}, nil
}

// Path returns the status-file path.
func (l *Ledger) Path() string {
	return filepath.Join(l.dir, fileName)
}

// Load reads all records, skipping malformed rows with a warning. A missing
// file yields an empty slice.
func (l *Ledger) Load() ([]domain.StatusRecord, error) {
	f, err := os.Open(l.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", l.Path(), err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", l.Path(), err)
	}

	var records []domain.StatusRecord
	for i, row := range rows {
		if i == 0 && len(row) > 0 && row[0] == "date" {
			continue
		}
		rec, err := parseRow(row)
		if err != nil {
			l.log.Warn("skipping malformed ledger row", "line", i+1, "err", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRow(row []string) (domain.StatusRecord, error) {
	var rec domain.StatusRecord
	if len(row) < 7 {
		return rec, fmt.Errorf("want 7 fields, got %d", len(row))
	}

	date, err := time.Parse("2006-01-02", row[0])
	if err != nil {
		return rec, fmt.Errorf("bad date %q: %w", row[0], err)
	}
	if !domain.ValidStatus(row[1]) {
		return rec, fmt.Errorf("unknown status %q", row[1])
	}
	status := domain.DayStatus(row[1])
	expected, err := strconv.Atoi(row[2])
	if err != nil {
		return rec, fmt.Errorf("bad expected_bars %q: %w", row[2], err)
	}
	actual, err := strconv.Atoi(row[3])
	if err != nil {
		return rec, fmt.Errorf("bad actual_bars %q: %w", row[3], err)
	}
	var last time.Time
	if row[4] != "" {
		last, err = time.Parse(time.RFC3339, row[4])
		if err != nil {
			return rec, fmt.Errorf("bad last_timestamp %q: %w", row[4], err)
		}
	}
	retries, err := strconv.Atoi(row[6])
	if err != nil {
		return rec, fmt.Errorf("bad retry_count %q: %w", row[6], err)
	}

	rec = domain.StatusRecord{
		Date:          date.UTC(),
		Status:        status,
		ExpectedBars:  expected,
		ActualBars:    actual,
		LastTimestamp: last,
		ErrorMessage:  row[5],
		RetryCount:    retries,
	}
	return rec, nil
}

// Upsert replaces any existing record for rec's date and rewrites the file
// sorted ascending by date. The write goes through a temp file and rename so
// a crash never leaves a half-written ledger.
func (l *Ledger) Upsert(rec domain.StatusRecord) error {
	records, err := l.Load()
	if err != nil {
		return err
	}

	day := domain.CivilDate(rec.Date)
	rec.Date = day
	replaced := false
	for i := range records {
		if domain.CivilDate(records[i].Date).Equal(day) {
			// A date that reached a terminal status never regresses to ERROR.
			if records[i].Status.Terminal() && rec.Status == domain.StatusError {
				return nil
			}
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Date.Before(records[j].Date)
	})

	return l.write(records)
}

func (l *Ledger) write(records []domain.StatusRecord) error {
	tmp, err := os.CreateTemp(l.dir, fileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp ledger: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("writing ledger header: %w", err)
	}
	for _, rec := range records {
		last := ""
		if !rec.LastTimestamp.IsZero() {
			last = rec.LastTimestamp.UTC().Format(time.RFC3339)
		}
		row := []string{
			domain.DateKey(rec.Date),
			string(rec.Status),
			strconv.Itoa(rec.ExpectedBars),
			strconv.Itoa(rec.ActualBars),
			last,
			rec.ErrorMessage,
			strconv.Itoa(rec.RetryCount),
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("writing ledger row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp ledger: %w", err)
	}

	if err := os.Rename(tmp.Name(), l.Path()); err != nil {
		return fmt.Errorf("replacing ledger: %w", err)
	}
	return nil
}

// CompletedDates returns the set of dates that need no further fetching,
// keyed by date string. Only COMPLETE and EARLY_CLOSE count; holidays are
// cheap to re-derive and errors must be retried.
func (l *Ledger) CompletedDates() (map[string]bool, error) {
	records, err := l.Load()
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.Status == domain.StatusComplete || rec.Status == domain.StatusEarlyClose {
			done[domain.DateKey(rec.Date)] = true
		}
	}
	return done, nil
}

// ConsecutiveFailures counts the unbroken run of ERROR records at the newest
// end of the ledger.
func (l *Ledger) ConsecutiveFailures() (int, error) {
	records, err := l.Load()
	if err != nil {
		return 0, err
	}
	count := 0
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Status != domain.StatusError {
			break
		}
		count++
	}
	return count, nil
}

// Summary is a compact view of a symbol's ledger used by dry runs and the
// end-of-run report.
type Summary struct {
	Total         int
	Completed     int
	Errors        int
	SuccessRate   float64
	OldestSuccess time.Time
}

// Summarize computes a Summary over the current ledger contents.
func (l *Ledger) Summarize() (Summary, error) {
	records, err := l.Load()
	if err != nil {
		return Summary{}, err
	}

	var s Summary
	s.Total = len(records)
	for _, rec := range records {
		switch rec.Status {
		case domain.StatusComplete, domain.StatusEarlyClose:
			s.Completed++
			if s.OldestSuccess.IsZero() || rec.Date.Before(s.OldestSuccess) {
				s.OldestSuccess = rec.Date
			}
		case domain.StatusError:
			s.Errors++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Completed) / float64(s.Total)
	}
	return s, nil
}
