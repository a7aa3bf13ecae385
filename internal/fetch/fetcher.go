// Package fetch drives one (symbol, date) request end to end: rate-limit
// wait, gateway call with bounded retries, validation, and status
// derivation. It owns the gateway session; all calls go through it serially.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ibdaily/internal/calendar"
	"ibdaily/internal/domain"
	"ibdaily/internal/gateway"
	"ibdaily/internal/util"
	"ibdaily/internal/validate"
)

// ErrStopRequested reports that a graceful stop unblocked a rate-limit wait
// or an inter-retry sleep. The in-flight gateway call is never interrupted
// by it; only suspension points are.
var ErrStopRequested = errors.New("stop requested")

// Outcome is the tagged result of one per-date fetch.
type Outcome struct {
	Status       domain.DayStatus
	Bars         []domain.Bar
	Message      string
	DataReceived bool
	ExpectedBars int
}

// Fetcher fetches and validates single trading days.
type Fetcher struct {
	client      gateway.Client
	cal         *calendar.Calendar
	validator   *validate.Validator
	limiter     *util.IntervalLimiter
	stop        <-chan struct{}
	maxAttempts int
	retryWait   time.Duration
	regularBars int
	log         *slog.Logger
}

// Options configures a Fetcher.
type Options struct {
	Client         gateway.Client
	Calendar       *calendar.Calendar
	Validator      *validate.Validator
	Limiter        *util.IntervalLimiter
	Stop           <-chan struct{} // graceful-stop broadcast, nil for none
	MaxAttempts    int
	RetryWait      time.Duration
	RegularDayBars int
}

// New builds a Fetcher.
func New(opts Options) *Fetcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RegularDayBars <= 0 {
		opts.RegularDayBars = 390
	}
	return &Fetcher{
		client:      opts.Client,
		cal:         opts.Calendar,
		validator:   opts.Validator,
		limiter:     opts.Limiter,
		stop:        opts.Stop,
		maxAttempts: opts.MaxAttempts,
		retryWait:   opts.RetryWait,
		regularBars: opts.RegularDayBars,
		log:         slog.Default().With("component", "fetcher"),
	}
}

// FetchAndValidateDay fetches one day of bars for the contract. The error
// return is non-nil only for context cancellation; every domain-level
// failure is expressed as an ERROR outcome.
func (f *Fetcher) FetchAndValidateDay(ctx context.Context, c domain.Contract, date time.Time) (Outcome, error) {
	sched := f.cal.Schedule(date)
	if !sched.IsTradingDay {
		return Outcome{
			Status:       domain.StatusHoliday,
			Message:      "HOLIDAY",
			ExpectedBars: 0,
		}, nil
	}

	endOfDay := f.cal.SessionClose(date)
	sessionOpen := sched.MarketOpen

	var bars []domain.Bar
	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if err := f.waitTurn(ctx); err != nil {
			return Outcome{}, err
		}

		var err error
		bars, err = f.client.FetchBars(ctx, c, sessionOpen, endOfDay)
		f.limiter.Mark()
		if err == nil {
			lastErr = nil
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}

		lastErr = err
		f.log.Warn("fetch attempt failed",
			"symbol", c.Symbol, "date", domain.DateKey(date),
			"attempt", attempt, "err", err)
		if attempt < f.maxAttempts {
			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-f.stop:
				return Outcome{}, ErrStopRequested
			case <-time.After(f.retryWait):
			}
		}
	}
	if lastErr != nil {
		return Outcome{
			Status:       domain.StatusError,
			Message:      lastErr.Error(),
			DataReceived: true,
			ExpectedBars: sched.ExpectedBars,
		}, nil
	}

	if len(bars) > 0 {
		first := domain.CivilDate(bars[0].Timestamp)
		if !first.Equal(domain.CivilDate(date)) {
			return Outcome{
				Status: domain.StatusError,
				Message: fmt.Sprintf(
					"validation failed: first bar date %s does not match requested %s",
					domain.DateKey(first), domain.DateKey(date)),
				DataReceived: true,
				ExpectedBars: sched.ExpectedBars,
			}, nil
		}
	}

	res := f.validator.Day(bars, sched)
	if !res.IsValid {
		return Outcome{
			Status:       domain.StatusError,
			Bars:         bars,
			Message:      "validation failed: " + res.Message,
			DataReceived: len(bars) > 0,
			ExpectedBars: sched.ExpectedBars,
		}, nil
	}

	return f.derive(bars, sched), nil
}

// waitTurn blocks on the rate limiter. A graceful stop unblocks the wait
// immediately and surfaces as ErrStopRequested; a cancelled ctx keeps its
// own error.
func (f *Fetcher) waitTurn(ctx context.Context) error {
	waitCtx := ctx
	if f.stop != nil {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-f.stop:
				cancel()
			case <-waitCtx.Done():
			}
		}()
	}

	if err := f.limiter.Wait(waitCtx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrStopRequested
	}
	return nil
}

// derive maps a validated bar count to its ledger status.
func (f *Fetcher) derive(bars []domain.Bar, sched domain.Schedule) Outcome {
	n := len(bars)
	out := Outcome{
		Bars:         bars,
		DataReceived: n > 0,
		ExpectedBars: sched.ExpectedBars,
	}

	switch {
	case n == 0:
		out.Status = domain.StatusHoliday
		out.Message = "HOLIDAY"
	case n == f.regularBars && sched.DayType == domain.DayRegular:
		out.Status = domain.StatusComplete
		out.Message = fmt.Sprintf("%d bars", n)
	case n == sched.ExpectedBars && isEarlyClose(sched.DayType):
		out.Status = domain.StatusEarlyClose
		out.Message = fmt.Sprintf("%d bars (early close)", n)
	default:
		out.Status = domain.StatusError
		out.Message = fmt.Sprintf(
			"validation failed: %d bars for %s day, expected %d",
			n, sched.DayType, sched.ExpectedBars)
	}
	return out
}

func isEarlyClose(t domain.DayType) bool {
	return t == domain.DayEarlyCloseRegular || t == domain.DayEarlyCloseShort
}

// EarliestDataDate asks the gateway for the first date with history, subject
// to the same rate limit as a bar fetch.
func (f *Fetcher) EarliestDataDate(ctx context.Context, c domain.Contract) (time.Time, error) {
	if err := f.waitTurn(ctx); err != nil {
		return time.Time{}, err
	}
	ts, err := f.client.EarliestDataTimestamp(ctx, c)
	f.limiter.Mark()
	if err != nil {
		return time.Time{}, fmt.Errorf("earliest data for %s: %w", c.Symbol, err)
	}
	return domain.CivilDate(ts), nil
}
