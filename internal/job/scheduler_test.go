package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ibdaily/internal/calendar"
	"ibdaily/internal/domain"
	"ibdaily/internal/fetch"
	"ibdaily/internal/ledger"
	"ibdaily/internal/plan"
	"ibdaily/internal/progress"
	"ibdaily/internal/retrypolicy"
	"ibdaily/internal/store"
	"ibdaily/internal/util"
	"ibdaily/internal/validate"
)

// fakeGW serves canned per-date responses and records the call order.
type fakeGW struct {
	mu       sync.Mutex
	respond  func(ctx context.Context, date string) ([]domain.Bar, error)
	earliest time.Time
	calls    []string
}

func (g *fakeGW) FetchBars(ctx context.Context, c domain.Contract, open, end time.Time) ([]domain.Bar, error) {
	date := domain.DateKey(domain.CivilDate(end))
	g.mu.Lock()
	g.calls = append(g.calls, date)
	g.mu.Unlock()
	return g.respond(ctx, date)
}

func (g *fakeGW) EarliestDataTimestamp(ctx context.Context, c domain.Contract) (time.Time, error) {
	return g.earliest, nil
}

func (g *fakeGW) Ping(ctx context.Context) error { return nil }

func (g *fakeGW) callDates() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	copy(out, g.calls)
	return out
}

type anyResolver struct{}

func (anyResolver) Resolve(symbol string) (domain.Contract, error) {
	return domain.Contract{
		Symbol: symbol, SecType: domain.SecStock,
		Exchange: "SMART", Currency: "USD",
	}, nil
}

type fixedSource struct {
	sessions []calendar.Session
}

func (s *fixedSource) Sessions(start, end time.Time) ([]calendar.Session, error) {
	return s.sessions, nil
}

// rangeFailSource answers single-day lookups but fails range queries, which
// pushes the planner onto its business-day walk.
type rangeFailSource struct {
	sessions []calendar.Session
}

func (s *rangeFailSource) Sessions(start, end time.Time) ([]calendar.Session, error) {
	if !start.Equal(end) {
		return nil, errors.New("calendar range query unavailable")
	}
	return s.sessions, nil
}

func mustDate(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d.UTC()
}

func regularSessions(dates ...string) []calendar.Session {
	out := make([]calendar.Session, len(dates))
	for i, s := range dates {
		d := mustDate(s)
		out[i] = calendar.Session{
			Date:  d,
			Open:  d.Add(14*time.Hour + 30*time.Minute),
			Close: d.Add(21 * time.Hour),
		}
	}
	return out
}

func shortSessionFor(date string) calendar.Session {
	d := mustDate(date)
	return calendar.Session{
		Date:  d,
		Open:  d.Add(14*time.Hour + 30*time.Minute),
		Close: d.Add(18 * time.Hour),
	}
}

func dayBars(date string, n int) []domain.Bar {
	d := mustDate(date)
	start := d.Add(14*time.Hour + 30*time.Minute)
	bars := make([]domain.Bar, n)
	for i := range bars {
		price := 100.0 + float64(i)*0.01
		bars[i] = domain.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      price, High: price + 0.1, Low: price - 0.1, Close: price,
			Volume: 1000, BarCount: 10,
		}
	}
	return bars
}

type testEnv struct {
	sched   *Scheduler
	ctrl    *ShutdownController
	policy  *retrypolicy.Policy
	dataDir string
}

type envConfig struct {
	gw             *fakeGW
	sessions       []calendar.Session
	source         calendar.ScheduleSource
	now            string
	window         time.Duration
	maxRetries     int
	maxNoDataDays  int
	perDateTimeout time.Duration
	forceTimeout   time.Duration
}

func newEnv(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	if cfg.maxRetries == 0 {
		cfg.maxRetries = 3
	}
	if cfg.maxNoDataDays == 0 {
		cfg.maxNoDataDays = 10
	}
	if cfg.forceTimeout == 0 {
		cfg.forceTimeout = time.Hour
	}

	dataDir := t.TempDir()
	if cfg.source == nil {
		cfg.source = &fixedSource{sessions: cfg.sessions}
	}
	cal := calendar.New(cfg.source, 390)
	ctrl := NewShutdownController(context.Background(), cfg.forceTimeout)
	fetcher := fetch.New(fetch.Options{
		Client:         cfg.gw,
		Calendar:       cal,
		Validator:      validate.New([]int{360, 210}),
		Limiter:        util.NewIntervalLimiter(cfg.window),
		Stop:           ctrl.Done(),
		MaxAttempts:    1,
		RegularDayBars: 390,
	})
	planner := plan.New(fetcher, cal)
	planner.Now = func() time.Time { return mustDate(cfg.now) }
	policy := retrypolicy.New(cfg.maxRetries, cfg.maxNoDataDays)

	sched := NewScheduler(SchedulerOptions{
		Fetcher:        fetcher,
		Planner:        planner,
		Policy:         policy,
		Tracker:        progress.New(0),
		Store:          store.NewCSVStore(dataDir),
		Resolver:       anyResolver{},
		Shutdown:       ctrl,
		DataDir:        dataDir,
		PerDateTimeout: cfg.perDateTimeout,
	})
	return &testEnv{sched: sched, ctrl: ctrl, policy: policy, dataDir: dataDir}
}

func loadLedger(t *testing.T, dataDir, symbol string) []domain.StatusRecord {
	t.Helper()
	led, err := ledger.Open(dataDir, symbol)
	if err != nil {
		t.Fatal(err)
	}
	records, err := led.Load()
	if err != nil {
		t.Fatal(err)
	}
	return records
}

func TestRunHappyCompletion(t *testing.T) {
	gw := &fakeGW{
		earliest: mustDate("2024-01-02"),
		respond: func(_ context.Context, date string) ([]domain.Bar, error) {
			return dayBars(date, 390), nil
		},
	}
	env := newEnv(t, envConfig{
		gw:       gw,
		sessions: regularSessions("2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"),
		now:      "2024-01-06",
	})

	env.sched.Run([]string{"X"})

	jobs := env.sched.Jobs()
	if len(jobs) != 1 || jobs[0].Status != StatusComplete {
		t.Fatalf("jobs = %+v, want one COMPLETE job", jobs)
	}
	if jobs[0].CompletedDates != 4 || jobs[0].ErrorDates != 0 {
		t.Errorf("counters = %d/%d, want 4/0", jobs[0].CompletedDates, jobs[0].ErrorDates)
	}
	if rate := jobs[0].SuccessRate(); rate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0", rate)
	}

	records := loadLedger(t, env.dataDir, "X")
	if len(records) != 4 {
		t.Fatalf("ledger has %d rows, want 4", len(records))
	}
	for _, rec := range records {
		if rec.Status != domain.StatusComplete || rec.ExpectedBars != 390 || rec.ActualBars != 390 {
			t.Errorf("row %s = %+v", domain.DateKey(rec.Date), rec)
		}
	}

	// Newest-to-oldest request order.
	want := []string{"2024-01-05", "2024-01-04", "2024-01-03", "2024-01-02"}
	got := gw.callDates()
	if len(got) != len(want) {
		t.Fatalf("calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call order = %v, want %v", got, want)
		}
	}
}

func TestRunHolidayNoNetworkCall(t *testing.T) {
	// The planner walks business days here, so Christmas lands in the work
	// list and the per-date lookup must short-circuit it before the gateway.
	sessions := []calendar.Session{
		shortSessionFor("2024-12-24"),
		regularSessions("2024-12-26")[0],
	}
	gw := &fakeGW{
		earliest: mustDate("2024-12-24"),
		respond: func(_ context.Context, date string) ([]domain.Bar, error) {
			if date == "2024-12-24" {
				return dayBars(date, 210), nil
			}
			return dayBars(date, 390), nil
		},
	}
	env := newEnv(t, envConfig{
		gw:     gw,
		source: &rangeFailSource{sessions: sessions},
		now:    "2024-12-27",
	})

	env.sched.Run([]string{"X"})

	for _, d := range gw.callDates() {
		if d == "2024-12-25" {
			t.Error("network call made for a holiday")
		}
	}

	records := loadLedger(t, env.dataDir, "X")
	byDate := map[string]domain.StatusRecord{}
	for _, rec := range records {
		byDate[domain.DateKey(rec.Date)] = rec
	}
	if rec := byDate["2024-12-25"]; rec.Status != domain.StatusHoliday || rec.ExpectedBars != 0 || rec.ActualBars != 0 {
		t.Errorf("holiday row = %+v", rec)
	}
	if rec := byDate["2024-12-24"]; rec.Status != domain.StatusEarlyClose || rec.ActualBars != 210 {
		t.Errorf("early-close row = %+v", rec)
	}
	if rec := byDate["2024-12-26"]; rec.Status != domain.StatusComplete {
		t.Errorf("regular row = %+v", rec)
	}
}

func TestRunPreIPOWalkLatchesSkip(t *testing.T) {
	// 13 planned trading days, every fetch reports no history. With three
	// retries per date and a three-day streak cap, only the first three
	// dates are attempted before the symbol latches.
	dates := []string{
		"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05",
		"2024-01-08", "2024-01-09", "2024-01-10", "2024-01-11", "2024-01-12",
		"2024-01-15", "2024-01-16", "2024-01-17",
	}
	gw := &fakeGW{
		earliest: mustDate("2024-01-01"),
		respond: func(_ context.Context, date string) ([]domain.Bar, error) {
			return nil, errors.New("no historical data")
		},
	}
	env := newEnv(t, envConfig{
		gw:            gw,
		sessions:      regularSessions(dates...),
		now:           "2024-01-18",
		maxRetries:    3,
		maxNoDataDays: 3,
	})

	env.sched.Run([]string{"Y"})

	jobs := env.sched.Jobs()
	if jobs[0].Status != StatusError {
		t.Errorf("job status = %v, want ERROR", jobs[0].Status)
	}

	records := loadLedger(t, env.dataDir, "Y")
	if len(records) != 3 {
		t.Fatalf("ledger has %d rows, want 3 exhausted dates", len(records))
	}
	for _, rec := range records {
		if rec.Status != domain.StatusError || rec.RetryCount != 3 {
			t.Errorf("row %s = %+v, want ERROR with retry_count 3",
				domain.DateKey(rec.Date), rec)
		}
	}
	if calls := gw.callDates(); len(calls) != 9 {
		t.Errorf("gateway calls = %d, want 9 (3 dates x 3 attempts)", len(calls))
	}
	if !env.policy.ShouldSkipSymbol("Y") {
		t.Error("skip latch not set")
	}
}

func TestRunTransientBlipThenSuccess(t *testing.T) {
	var failedOnce bool
	gw := &fakeGW{
		earliest: mustDate("2024-01-05"),
		respond: func(_ context.Context, date string) ([]domain.Bar, error) {
			if !failedOnce {
				failedOnce = true
				return nil, errors.New("connection reset")
			}
			return dayBars(date, 390), nil
		},
	}
	env := newEnv(t, envConfig{
		gw:       gw,
		sessions: regularSessions("2024-01-05"),
		now:      "2024-01-06",
	})

	env.sched.Run([]string{"Z"})

	jobs := env.sched.Jobs()
	if jobs[0].Status != StatusComplete || jobs[0].CompletedDates != 1 || jobs[0].ErrorDates != 0 {
		t.Errorf("job = %+v, want COMPLETE 1/0", jobs[0])
	}

	records := loadLedger(t, env.dataDir, "Z")
	if len(records) != 1 || records[0].Status != domain.StatusComplete {
		t.Fatalf("ledger = %+v", records)
	}
	if records[0].RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1 prior failed attempt", records[0].RetryCount)
	}
	if env.policy.ShouldSkipSymbol("Z") {
		t.Error("streak advanced by a network blip")
	}
}

func TestRunGracefulShutdownMidSymbol(t *testing.T) {
	var env *testEnv
	var calls int
	gw := &fakeGW{
		earliest: mustDate("2024-01-02"),
		respond: func(_ context.Context, date string) ([]domain.Bar, error) {
			calls++
			if calls == 2 {
				env.ctrl.Stop("test signal")
			}
			return dayBars(date, 390), nil
		},
	}
	env = newEnv(t, envConfig{
		gw:       gw,
		sessions: regularSessions("2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"),
		now:      "2024-01-06",
	})

	env.sched.Run([]string{"Z", "W"})
	env.ctrl.MarkStopped()

	jobs := env.sched.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v, want only the first symbol", jobs)
	}
	if jobs[0].Status != StatusPaused {
		t.Errorf("job status = %v, want PAUSED", jobs[0].Status)
	}

	// The in-flight date completed and was persisted; later dates were not
	// attempted.
	records := loadLedger(t, env.dataDir, "Z")
	if len(records) != 2 {
		t.Fatalf("ledger has %d rows, want 2", len(records))
	}
	for _, rec := range records {
		if rec.Status != domain.StatusComplete {
			t.Errorf("row %s = %v", domain.DateKey(rec.Date), rec.Status)
		}
	}
	if env.ctrl.Forced() {
		t.Error("graceful path reported forced")
	}
}

func TestRunGracefulStopUnblocksLimiterWait(t *testing.T) {
	// The signal lands while the worker sits in the rate-limit wait before
	// the second date. The wait must end at once with a graceful PAUSED run,
	// not drag on until the force timer escalates.
	var env *testEnv
	gw := &fakeGW{
		earliest: mustDate("2024-01-04"),
		respond: func(_ context.Context, date string) ([]domain.Bar, error) {
			time.AfterFunc(100*time.Millisecond, func() {
				env.ctrl.Stop("test signal")
			})
			return dayBars(date, 390), nil
		},
	}
	env = newEnv(t, envConfig{
		gw:       gw,
		sessions: regularSessions("2024-01-04", "2024-01-05"),
		now:      "2024-01-06",
		window:   2 * time.Second,
	})

	start := time.Now()
	env.sched.Run([]string{"Z"})
	elapsed := time.Since(start)
	env.ctrl.MarkStopped()

	if elapsed > 1500*time.Millisecond {
		t.Errorf("run took %v, the limiter wait was not unblocked by the stop", elapsed)
	}
	if env.ctrl.Forced() {
		t.Error("graceful stop escalated to forced")
	}

	jobs := env.sched.Jobs()
	if jobs[0].Status != StatusPaused {
		t.Errorf("job status = %v, want PAUSED", jobs[0].Status)
	}

	// The completed first date is on disk; the date whose wait was abandoned
	// is not.
	records := loadLedger(t, env.dataDir, "Z")
	if len(records) != 1 {
		t.Fatalf("ledger = %+v, want only the finished date", records)
	}
	if key := domain.DateKey(records[0].Date); key != "2024-01-05" || records[0].Status != domain.StatusComplete {
		t.Errorf("row = %s %v, want 2024-01-05 COMPLETE", key, records[0].Status)
	}
}

func TestRunResumeSkipsCompleted(t *testing.T) {
	gw := &fakeGW{
		earliest: mustDate("2024-01-02"),
		respond: func(_ context.Context, date string) ([]domain.Bar, error) {
			return dayBars(date, 390), nil
		},
	}
	env := newEnv(t, envConfig{
		gw:       gw,
		sessions: regularSessions("2024-01-02", "2024-01-03", "2024-01-04"),
		now:      "2024-01-05",
	})

	env.sched.Run([]string{"X"})
	firstCalls := len(gw.callDates())

	// Second run over the same ledger: planner must return no work.
	env.sched.Run([]string{"X"})
	if extra := len(gw.callDates()) - firstCalls; extra != 0 {
		t.Errorf("second run made %d gateway calls, want 0", extra)
	}
	jobs := env.sched.Jobs()
	last := jobs[len(jobs)-1]
	if last.Status != StatusComplete || last.TotalDates != 0 {
		t.Errorf("resume job = %+v, want COMPLETE with no work", last)
	}
}

func TestRunForcedShutdownNoLedgerWrite(t *testing.T) {
	var env *testEnv
	gw := &fakeGW{
		earliest: mustDate("2024-01-05"),
		respond: func(ctx context.Context, date string) ([]domain.Bar, error) {
			env.ctrl.Stop("hang test")
			<-ctx.Done() // hang until force-cancelled
			return nil, ctx.Err()
		},
	}
	env = newEnv(t, envConfig{
		gw:           gw,
		sessions:     regularSessions("2024-01-05"),
		now:          "2024-01-06",
		forceTimeout: 30 * time.Millisecond,
	})

	env.sched.Run([]string{"Z"})
	env.ctrl.MarkStopped()

	jobs := env.sched.Jobs()
	if jobs[0].Status != StatusPaused {
		t.Errorf("job status = %v, want PAUSED", jobs[0].Status)
	}
	if !env.ctrl.Forced() {
		t.Error("Forced false after hang")
	}

	// Nothing recorded for the hung date.
	records := loadLedger(t, env.dataDir, "Z")
	if len(records) != 0 {
		t.Errorf("ledger = %+v, want empty", records)
	}
	if got := env.policy.Attempts("Z", mustDate("2024-01-05")); got != 0 {
		t.Errorf("Attempts = %d, want 0 for cancelled attempt", got)
	}
}

func TestRunPerDateTimeoutIsNetworkFailure(t *testing.T) {
	var timedOut bool
	gw := &fakeGW{
		earliest: mustDate("2024-01-05"),
		respond: func(ctx context.Context, date string) ([]domain.Bar, error) {
			if !timedOut {
				timedOut = true
				<-ctx.Done() // exceed the per-date guard
				return nil, ctx.Err()
			}
			return dayBars(date, 390), nil
		},
	}
	env := newEnv(t, envConfig{
		gw:             gw,
		sessions:       regularSessions("2024-01-05"),
		now:            "2024-01-06",
		perDateTimeout: 30 * time.Millisecond,
	})

	env.sched.Run([]string{"Z"})

	// Timed-out attempt recorded as a retryable failure, second attempt won.
	records := loadLedger(t, env.dataDir, "Z")
	if len(records) != 1 || records[0].Status != domain.StatusComplete {
		t.Fatalf("ledger = %+v, want COMPLETE after timeout retry", records)
	}
	if records[0].RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", records[0].RetryCount)
	}
	if ft := retrypolicy.Classify("timeout: request exceeded per-date limit", true); ft != domain.FailureNetwork {
		t.Errorf("timeout classified as %v, want network", ft)
	}
}

func TestRunDayFilesWritten(t *testing.T) {
	gw := &fakeGW{
		earliest: mustDate("2024-01-05"),
		respond: func(_ context.Context, date string) ([]domain.Bar, error) {
			return dayBars(date, 390), nil
		},
	}
	env := newEnv(t, envConfig{
		gw:       gw,
		sessions: regularSessions("2024-01-05"),
		now:      "2024-01-06",
	})

	env.sched.Run([]string{"X"})

	st := store.NewCSVStore(env.dataDir)
	bars, err := st.ReadDay("X", mustDate("2024-01-05"))
	if err != nil {
		t.Fatalf("day file missing: %v", err)
	}
	if len(bars) != 390 {
		t.Errorf("day file has %d bars, want 390", len(bars))
	}
	if !bars[0].Timestamp.Equal(mustDate("2024-01-05").Add(14*time.Hour + 30*time.Minute)) {
		t.Errorf("first bar timestamp = %v", bars[0].Timestamp)
	}
}
