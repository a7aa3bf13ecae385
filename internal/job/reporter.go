package job

import (
	"context"
	"log/slog"
	"time"

	"ibdaily/internal/progress"
)

// Reporter periodically logs the active symbol's progress. It only reads
// the tracker; the scheduler never waits on it.
type Reporter struct {
	tracker  *progress.Tracker
	interval time.Duration
	log      *slog.Logger
}

// NewReporter builds a Reporter; interval zero selects 30s.
func NewReporter(tracker *progress.Tracker, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		tracker:  tracker,
		interval: interval,
		log:      slog.Default().With("component", "reporter"),
	}
}

// Run loops until ctx is cancelled. Sleeps happen in one-second slices so a
// shutdown never waits out a full reporting interval.
func (r *Reporter) Run(ctx context.Context) {
	next := time.Now().Add(r.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		if time.Now().Before(next) {
			continue
		}
		next = time.Now().Add(r.interval)
		r.report()
	}
}

func (r *Reporter) report() {
	snap, ok := r.tracker.Current()
	if !ok {
		return
	}
	processed := snap.Completed + snap.Errors
	var completion, successRate float64
	if snap.TotalDates > 0 {
		completion = float64(processed) / float64(snap.TotalDates) * 100
	}
	if processed > 0 {
		successRate = float64(snap.Completed) / float64(processed) * 100
	}

	r.log.Info("progress",
		"symbol", snap.Symbol,
		"done", processed,
		"total", snap.TotalDates,
		"completion_pct", completion,
		"success_pct", successRate,
		"current_date", snap.CurrentDate,
		"eta", progress.FormatDuration(r.tracker.SymbolETA()))
}
