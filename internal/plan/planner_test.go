package plan

import (
	"context"
	"errors"
	"testing"
	"time"

	"ibdaily/internal/calendar"
	"ibdaily/internal/domain"
)

type fakeHead struct {
	earliest time.Time
	err      error
}

func (f *fakeHead) EarliestDataDate(ctx context.Context, c domain.Contract) (time.Time, error) {
	return f.earliest, f.err
}

type fakeDone struct {
	dates map[string]bool
	err   error
}

func (f *fakeDone) CompletedDates() (map[string]bool, error) {
	return f.dates, f.err
}

var contract = domain.Contract{Symbol: "AAPL", SecType: domain.SecStock, Exchange: "SMART", Currency: "USD"}

// newPlanner pins "now" to Monday 2024-01-08 12:00 UTC, so the last
// plannable day is Sunday 2024-01-07 and the business-day calendar yields
// Mon 2024-01-01 .. Fri 2024-01-05.
func newPlanner(head *fakeHead) *Planner {
	p := New(head, calendar.New(nil, 390))
	p.Now = func() time.Time {
		return time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)
	}
	return p
}

func TestRemainingNewestFirst(t *testing.T) {
	head := &fakeHead{earliest: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := newPlanner(head)

	dates := p.Remaining(context.Background(), contract, &fakeDone{})
	if len(dates) != 5 {
		t.Fatalf("Remaining returned %d dates, want 5 weekdays", len(dates))
	}
	if domain.DateKey(dates[0]) != "2024-01-05" {
		t.Errorf("first date = %s, want newest 2024-01-05", domain.DateKey(dates[0]))
	}
	if domain.DateKey(dates[4]) != "2024-01-01" {
		t.Errorf("last date = %s, want oldest 2024-01-01", domain.DateKey(dates[4]))
	}
	for i := 1; i < len(dates); i++ {
		if !dates[i].Before(dates[i-1]) {
			t.Fatalf("dates not strictly descending at %d: %v", i, dates)
		}
	}
}

func TestRemainingExcludesCompleted(t *testing.T) {
	head := &fakeHead{earliest: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := newPlanner(head)

	done := &fakeDone{dates: map[string]bool{
		"2024-01-05": true,
		"2024-01-03": true,
	}}
	dates := p.Remaining(context.Background(), contract, done)
	if len(dates) != 3 {
		t.Fatalf("Remaining returned %d dates, want 3", len(dates))
	}
	for _, d := range dates {
		if done.dates[domain.DateKey(d)] {
			t.Errorf("completed date %s re-planned", domain.DateKey(d))
		}
	}
}

func TestRemainingEmptyOnHeadFailure(t *testing.T) {
	head := &fakeHead{err: errors.New("no historical data")}
	p := newPlanner(head)

	if dates := p.Remaining(context.Background(), contract, &fakeDone{}); len(dates) != 0 {
		t.Errorf("Remaining = %v, want empty on head failure", dates)
	}
}

func TestRemainingEmptyWhenLedgerCoversRange(t *testing.T) {
	head := &fakeHead{earliest: time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)}
	p := newPlanner(head)

	done := &fakeDone{dates: map[string]bool{
		"2024-01-04": true,
		"2024-01-05": true,
	}}
	if dates := p.Remaining(context.Background(), contract, done); len(dates) != 0 {
		t.Errorf("Remaining = %v, want empty when all dates completed", dates)
	}
}

func TestRemainingLedgerErrorPlansFullRange(t *testing.T) {
	head := &fakeHead{earliest: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := newPlanner(head)

	done := &fakeDone{err: errors.New("corrupt ledger")}
	if dates := p.Remaining(context.Background(), contract, done); len(dates) != 5 {
		t.Errorf("Remaining returned %d dates, want full range of 5", len(dates))
	}
}
