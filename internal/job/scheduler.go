package job

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ibdaily/internal/domain"
	"ibdaily/internal/fetch"
	"ibdaily/internal/ledger"
	"ibdaily/internal/plan"
	"ibdaily/internal/progress"
	"ibdaily/internal/retrypolicy"
	"ibdaily/internal/store"
	"ibdaily/internal/universe"
)

// defaultPerDateTimeout bounds one fetch against a hanging transport.
const defaultPerDateTimeout = 60 * time.Second

// Scheduler drains symbols sequentially, one date at a time, newest first.
type Scheduler struct {
	fetcher        *fetch.Fetcher
	planner        *plan.Planner
	policy         *retrypolicy.Policy
	tracker        *progress.Tracker
	store          store.DayWriter
	resolver       universe.Resolver
	shutdown       *ShutdownController
	dataDir        string
	perDateTimeout time.Duration
	log            *slog.Logger

	jobs    []Job
	current *Job
}

// SchedulerOptions wires a Scheduler.
type SchedulerOptions struct {
	Fetcher        *fetch.Fetcher
	Planner        *plan.Planner
	Policy         *retrypolicy.Policy
	Tracker        *progress.Tracker
	Store          store.DayWriter
	Resolver       universe.Resolver
	Shutdown       *ShutdownController
	DataDir        string
	PerDateTimeout time.Duration
}

// NewScheduler builds a Scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.PerDateTimeout <= 0 {
		opts.PerDateTimeout = defaultPerDateTimeout
	}
	return &Scheduler{
		fetcher:        opts.Fetcher,
		planner:        opts.Planner,
		policy:         opts.Policy,
		tracker:        opts.Tracker,
		store:          opts.Store,
		resolver:       opts.Resolver,
		shutdown:       opts.Shutdown,
		dataDir:        opts.DataDir,
		perDateTimeout: opts.PerDateTimeout,
		log:            slog.Default().With("component", "scheduler"),
	}
}

// Jobs returns the per-symbol jobs run so far, the active one included.
func (s *Scheduler) Jobs() []Job {
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	if s.current != nil {
		out = append(out, *s.current)
	}
	return out
}

// Run drains all symbols. It returns once every symbol is finished or a
// stop was requested; the caller inspects the shutdown controller for the
// exit disposition.
func (s *Scheduler) Run(symbols []string) {
	s.tracker.StartOverall(len(symbols))

	for i, symbol := range symbols {
		if s.shutdown.StopRequested() {
			s.log.Info("stop requested between symbols",
				"remaining", len(symbols)-i)
			break
		}
		job := s.runSymbol(symbol)
		s.jobs = append(s.jobs, job)
		s.current = nil

		s.log.Info("symbol finished",
			"symbol", symbol,
			"status", string(job.Status),
			"completed", job.CompletedDates,
			"errors", job.ErrorDates,
			"success_rate", job.SuccessRate(),
			"elapsed", job.EndTime.Sub(job.StartTime).Round(time.Second))
	}
}

func (s *Scheduler) runSymbol(symbol string) (job Job) {
	job = Job{Symbol: symbol, Status: StatusPending, StartTime: time.Now()}
	s.current = &job
	defer func() { job.EndTime = time.Now() }()

	contract, err := s.resolver.Resolve(symbol)
	if err != nil {
		s.log.Error("cannot resolve symbol", "symbol", symbol, "err", err)
		job.Status = StatusError
		return job
	}

	led, err := ledger.Open(s.dataDir, symbol)
	if err != nil {
		s.log.Error("cannot open ledger", "symbol", symbol, "err", err)
		job.Status = StatusError
		return job
	}

	dates := s.planner.Remaining(s.shutdown.Context(), contract, led)
	job.TotalDates = len(dates)
	if s.shutdown.StopRequested() {
		job.Status = StatusPaused
		return job
	}
	if len(dates) == 0 {
		s.log.Info("nothing to fetch", "symbol", symbol)
		job.Status = StatusComplete
		return job
	}

	s.tracker.StartSymbol(symbol, len(dates))
	defer s.tracker.CompleteSymbol()
	job.Status = StatusRunning
	s.log.Info("symbol started", "symbol", symbol, "dates", len(dates),
		"newest", domain.DateKey(dates[0]),
		"oldest", domain.DateKey(dates[len(dates)-1]))

	for _, date := range dates {
		if s.shutdown.StopRequested() {
			job.Status = StatusPaused
			return job
		}
		if s.policy.ShouldSkipSymbol(symbol) {
			s.log.Warn("skipping rest of symbol after no-data streak",
				"symbol", symbol)
			job.Status = StatusError
			return job
		}
		if !s.policy.CanRetryDate(symbol, date) {
			job.ErrorDates++
			continue
		}

		// A failing date is re-attempted until the policy cap; each attempt
		// is recorded so the ledger's retry_count reflects reality.
		var succeeded bool
		for s.policy.CanRetryDate(symbol, date) {
			out, fetchErr := s.fetchOne(contract, date)
			if fetchErr != nil {
				// A graceful stop unblocked a wait, or the run context was
				// cancelled mid-request; nothing is recorded for this date.
				if errors.Is(fetchErr, fetch.ErrStopRequested) {
					s.log.Info("stop unblocked rate-limit wait",
						"symbol", symbol, "date", domain.DateKey(date))
				}
				job.Status = StatusPaused
				return job
			}

			succeeded = s.recordAttempt(led, symbol, date, out)
			if succeeded || s.shutdown.StopRequested() {
				break
			}
		}
		if succeeded {
			job.CompletedDates++
		} else {
			job.ErrorDates++
		}
		s.tracker.Update(job.CompletedDates, job.ErrorDates, domain.DateKey(date))

		if s.shutdown.StopRequested() {
			job.Status = StatusPaused
			return job
		}
	}

	job.Status = StatusComplete
	return job
}

// fetchOne runs one fetch under the per-date timeout. A timeout is folded
// into a NETWORK-classifiable error outcome; a shutdown cancellation is
// returned as an error so the caller can stop without a ledger write.
func (s *Scheduler) fetchOne(contract domain.Contract, date time.Time) (fetch.Outcome, error) {
	ctx, cancel := context.WithTimeout(s.shutdown.Context(), s.perDateTimeout)
	defer cancel()

	out, err := s.fetcher.FetchAndValidateDay(ctx, contract, date)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && s.shutdown.Context().Err() == nil {
		s.log.Warn("per-date timeout", "symbol", contract.Symbol,
			"date", domain.DateKey(date), "timeout", s.perDateTimeout)
		return fetch.Outcome{
			Status:       domain.StatusError,
			Message:      "timeout: request exceeded per-date limit",
			DataReceived: true,
		}, nil
	}
	return fetch.Outcome{}, err
}

// recordAttempt persists one attempt's outcome and updates the retry
// policy. It reports whether the attempt succeeded.
func (s *Scheduler) recordAttempt(led *ledger.Ledger, symbol string, date time.Time, out fetch.Outcome) bool {
	success := out.Status != domain.StatusError

	if success && len(out.Bars) > 0 {
		if _, err := s.store.WriteDay(symbol, date, out.Bars); err != nil {
			s.log.Error("writing day file", "symbol", symbol,
				"date", domain.DateKey(date), "err", err)
			out = fetch.Outcome{
				Status:       domain.StatusError,
				Message:      "validation failed: could not persist day file",
				DataReceived: true,
				ExpectedBars: out.ExpectedBars,
			}
			success = false
		}
	}

	rec := domain.StatusRecord{
		Date:         date,
		Status:       out.Status,
		ExpectedBars: out.ExpectedBars,
		ActualBars:   len(out.Bars),
	}
	if len(out.Bars) > 0 {
		rec.LastTimestamp = out.Bars[len(out.Bars)-1].Timestamp
	}

	if success {
		rec.RetryCount = s.policy.Attempts(symbol, date)
		s.policy.RecordSuccess(symbol, date)
	} else {
		failure := s.policy.RecordFailure(symbol, date, out.Message, out.DataReceived)
		rec.Status = domain.StatusError
		rec.ErrorMessage = out.Message
		rec.RetryCount = s.policy.Attempts(symbol, date)
		s.log.Warn("date failed", "symbol", symbol,
			"date", domain.DateKey(date),
			"type", string(failure), "msg", out.Message)
	}

	if err := led.Upsert(rec); err != nil {
		// The record is lost but the walk continues; resume re-attempts it.
		s.log.Error("ledger write failed", "symbol", symbol,
			"date", domain.DateKey(date), "err", err)
	}
	return success
}
