// Package plan computes the per-symbol work list: every trading date from
// the gateway's earliest history through yesterday that the ledger has not
// already completed, newest first.
package plan

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"ibdaily/internal/calendar"
	"ibdaily/internal/domain"
)

// HeadSource yields the first date the gateway has data for a contract.
type HeadSource interface {
	EarliestDataDate(ctx context.Context, c domain.Contract) (time.Time, error)
}

// CompletedSource yields the dates a symbol's ledger already covers.
type CompletedSource interface {
	CompletedDates() (map[string]bool, error)
}

// Planner builds work lists.
type Planner struct {
	head HeadSource
	cal  *calendar.Calendar
	log  *slog.Logger

	// Now is the clock used to derive "yesterday"; tests override it.
	Now func() time.Time
}

// New builds a Planner.
func New(head HeadSource, cal *calendar.Calendar) *Planner {
	return &Planner{
		head: head,
		cal:  cal,
		log:  slog.Default().With("component", "planner"),
		Now:  time.Now,
	}
}

// Remaining returns the contract's outstanding trading dates, sorted newest
// first. A head-timestamp failure yields an empty list rather than an error:
// the symbol simply gets no work this run.
func (p *Planner) Remaining(ctx context.Context, c domain.Contract, done CompletedSource) []time.Time {
	earliest, err := p.head.EarliestDataDate(ctx, c)
	if err != nil {
		p.log.Warn("earliest-data query failed, skipping symbol",
			"symbol", c.Symbol, "err", err)
		return nil
	}

	lastDay := domain.CivilDate(p.Now()).AddDate(0, 0, -1)
	candidates := p.cal.TradingDates(earliest, lastDay)
	if len(candidates) == 0 {
		return nil
	}

	completed, err := done.CompletedDates()
	if err != nil {
		p.log.Warn("reading ledger failed, planning full range",
			"symbol", c.Symbol, "err", err)
		completed = nil
	}

	var remaining []time.Time
	for _, d := range candidates {
		if !completed[domain.DateKey(d)] {
			remaining = append(remaining, d)
		}
	}

	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].After(remaining[j])
	})
	return remaining
}
