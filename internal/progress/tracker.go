// Package progress tracks per-symbol timing and projects ETAs. Estimates
// are best-effort and live only in memory; a restart starts the clocks over.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// SymbolProgress is a read-only snapshot of one symbol's run.
type SymbolProgress struct {
	Symbol      string
	Start       time.Time
	End         time.Time // zero while running
	TotalDates  int
	Completed   int
	Errors      int
	CurrentDate string
	AvgPerDate  time.Duration
}

// Tracker maintains timing state for the whole run. Methods are safe for
// concurrent use; the reporter reads while the scheduler writes.
type Tracker struct {
	mu           sync.Mutex
	window       time.Duration
	overallStart time.Time
	totalSymbols int
	durations    []time.Duration // completed symbol durations
	current      *SymbolProgress
	now          func() time.Time
}

// New builds a Tracker. window is the rate-limit floor for per-date pace.
func New(window time.Duration) *Tracker {
	return &Tracker{
		window: window,
		now:    time.Now,
	}
}

// StartOverall begins the run clock.
func (t *Tracker) StartOverall(totalSymbols int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overallStart = t.now()
	t.totalSymbols = totalSymbols
	t.durations = nil
	t.current = nil
}

// StartSymbol begins timing a symbol with the given work-list size.
func (t *Tracker) StartSymbol(symbol string, totalDates int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = &SymbolProgress{
		Symbol:     symbol,
		Start:      t.now(),
		TotalDates: totalDates,
	}
}

// Update records one per-date outcome for the current symbol.
func (t *Tracker) Update(completed, errors int, currentDate string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	t.current.Completed = completed
	t.current.Errors = errors
	t.current.CurrentDate = currentDate

	processed := completed + errors
	if processed > 0 {
		avg := t.now().Sub(t.current.Start) / time.Duration(processed)
		if avg < t.window {
			avg = t.window
		}
		t.current.AvgPerDate = avg
	}
}

// CompleteSymbol closes the current symbol's clock.
func (t *Tracker) CompleteSymbol() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	t.current.End = t.now()
	t.durations = append(t.durations, t.current.End.Sub(t.current.Start))
}

// Current returns a snapshot of the active symbol, or false when idle.
func (t *Tracker) Current() (SymbolProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return SymbolProgress{}, false
	}
	return *t.current, true
}

// SymbolETA projects the time to drain the current symbol's work list. The
// per-date pace never beats the rate-limit window.
func (t *Tracker) SymbolETA() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.symbolETALocked()
}

func (t *Tracker) symbolETALocked() time.Duration {
	if t.current == nil {
		return 0
	}
	remaining := t.current.TotalDates - t.current.Completed - t.current.Errors
	if remaining <= 0 {
		return 0
	}
	pace := t.current.AvgPerDate
	if pace < t.window {
		pace = t.window
	}
	return time.Duration(remaining) * pace
}

// OverallETA projects the time to drain all remaining symbols. With no
// finished symbol yet it falls back to the current symbol's projected total,
// or to one hour when nothing is known at all.
func (t *Tracker) OverallETA(remainingSymbols int) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	currentETA := t.symbolETALocked()

	if len(t.durations) == 0 {
		if t.current != nil && t.current.TotalDates > 0 {
			pace := t.current.AvgPerDate
			if pace < t.window {
				pace = t.window
			}
			projected := time.Duration(t.current.TotalDates) * pace
			if remainingSymbols > 1 {
				return time.Duration(remainingSymbols-1)*projected + currentETA
			}
			return currentETA
		}
		return time.Hour
	}

	var sum time.Duration
	for _, d := range t.durations {
		sum += d
	}
	mean := sum / time.Duration(len(t.durations))
	if remainingSymbols < 1 {
		remainingSymbols = 1
	}
	return time.Duration(remainingSymbols-1)*mean + currentETA
}

// FormatDuration renders d as H:MM:SS, folding days into hours.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
