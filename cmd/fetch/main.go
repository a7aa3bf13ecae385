// Command fetch archives one-minute historical bars for a universe of
// symbols, newest day first, resuming from the per-symbol status ledger.
//
// Usage:
//
//	go build -o bin/fetch ./cmd/fetch/
//	bin/fetch [flags] [SYMBOL ...]
//
// With no symbols the whole ticker table is processed. A first SIGINT stops
// gracefully at the next date boundary; a second cancels in-flight work.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ibdaily/internal/calendar"
	"ibdaily/internal/config"
	"ibdaily/internal/domain"
	"ibdaily/internal/fetch"
	"ibdaily/internal/gateway"
	"ibdaily/internal/job"
	"ibdaily/internal/ledger"
	"ibdaily/internal/plan"
	"ibdaily/internal/progress"
	"ibdaily/internal/retrypolicy"
	"ibdaily/internal/store"
	"ibdaily/internal/universe"
	"ibdaily/internal/util"
	"ibdaily/internal/validate"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "config file path, or environment name (dev, test, prod)")
	progressInterval := flag.Int("progress-interval", 30, "seconds between progress reports")
	dryRun := flag.Bool("dry-run", false, "report ledger state without fetching")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Parse()

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Dual logger: stdout + dated file under the log dir.
	if err := os.MkdirAll(cfg.Storage.LogDir, 0o755); err != nil {
		log.Fatalf("creating log dir: %v", err)
	}
	logPath := filepath.Join(cfg.Storage.LogDir,
		fmt.Sprintf("fetch-%s.log", time.Now().Format("2006-01-02")))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	defer logFile.Close()

	var w io.Writer = io.MultiWriter(os.Stdout, logFile)
	if *quiet {
		w = logFile
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, w)
	util.SetDefault(logger)

	uni, err := universe.Load(cfg.Storage.TickersFile)
	if err != nil {
		logger.Error("loading ticker table", "err", err)
		return 1
	}
	symbols := selectSymbols(uni, flag.Args())
	if len(symbols) == 0 {
		logger.Error("no symbols to process", "tickers_file", cfg.Storage.TickersFile)
		return 1
	}

	if *dryRun {
		return reportLedgers(cfg, symbols)
	}

	gw := gateway.NewAlpacaClient(gateway.AlpacaOpts{
		APIKey:                 cfg.Gateway.APIKey,
		APISecret:              cfg.Gateway.APISecret,
		BaseURL:                cfg.Gateway.BaseURL,
		DataURL:                cfg.Gateway.DataURL,
		MaxConsecutiveFailures: uint32(cfg.Connection.ReconnectionAttempts),
		CooldownPeriod:         cfg.Connection.Timeout(),
	})

	ctx := context.Background()
	logger.Info("connecting to gateway", "provider", cfg.Gateway.Provider)
	err = util.Retry(ctx, cfg.Connection.ReconnectionAttempts, 5*time.Second, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Connection.Timeout())
		defer cancel()
		return gw.Ping(pingCtx)
	})
	if err != nil {
		logger.Error("gateway unreachable, giving up",
			"attempts", cfg.Connection.ReconnectionAttempts, "err", err)
		return 1
	}

	var src calendar.ScheduleSource
	if cfg.Gateway.APIKey != "" {
		alpacaSrc, err := calendar.NewAlpacaSource(
			cfg.Gateway.APIKey, cfg.Gateway.APISecret, cfg.Gateway.BaseURL)
		if err != nil {
			logger.Error("building exchange calendar", "err", err)
			return 1
		}
		src = alpacaSrc
	} else {
		logger.Warn("no gateway credentials, using business-day calendar")
	}
	cal := calendar.New(src, cfg.Validation.ExpectedBars.RegularDay)

	st, err := store.New(cfg.Storage.Format, cfg.Storage.DataDir)
	if err != nil {
		logger.Error("configuring day-file store", "err", err)
		return 1
	}

	ctrl := job.NewShutdownController(ctx, 0)
	ctrl.Notify()

	fetcher := fetch.New(fetch.Options{
		Client:         gw,
		Calendar:       cal,
		Validator:      validate.New(cfg.Validation.ExpectedBars.EarlyClose),
		Limiter:        util.NewIntervalLimiter(cfg.RateLimit.Window()),
		Stop:           ctrl.Done(),
		MaxAttempts:    cfg.Retry.MaxAttempts,
		RetryWait:      cfg.Retry.Wait(),
		RegularDayBars: cfg.Validation.ExpectedBars.RegularDay,
	})
	planner := plan.New(fetcher, cal)
	policy := retrypolicy.New(
		cfg.FailureHandling.MaxRetriesPerDate,
		cfg.FailureHandling.MaxConsecutiveNoDataDays)
	tracker := progress.New(cfg.RateLimit.Window())

	sched := job.NewScheduler(job.SchedulerOptions{
		Fetcher:  fetcher,
		Planner:  planner,
		Policy:   policy,
		Tracker:  tracker,
		Store:    st,
		Resolver: uni,
		Shutdown: ctrl,
		DataDir:  cfg.Storage.DataDir,
	})

	reporter := job.NewReporter(tracker, time.Duration(*progressInterval)*time.Second)
	repCtx, stopReporter := context.WithCancel(ctx)
	go reporter.Run(repCtx)

	logger.Info("run started",
		"symbols", len(symbols),
		"rate_window", cfg.RateLimit.Window(),
		"format", cfg.Storage.Format,
		"log_file", logPath)

	sched.Run(symbols)
	stopReporter()

	interrupted := ctrl.StopRequested()
	forced := ctrl.Forced()
	reason := ctrl.Reason()
	ctrl.MarkStopped()

	printSummary(cfg.Storage.DataDir, sched.Jobs(), interrupted, forced, reason)
	if forced {
		return 1
	}
	return 0
}

// loadConfig resolves the -config flag: an explicit path wins, an environment
// name selects its settings file, and empty falls back to the detected
// environment.
func loadConfig(flagValue string) (*config.Config, error) {
	switch {
	case flagValue == "":
		return config.LoadEnvironment("config", config.DetectEnvironment())
	case strings.HasSuffix(flagValue, ".yaml") || strings.HasSuffix(flagValue, ".yml"):
		return config.Load(flagValue)
	default:
		return config.LoadEnvironment("config", flagValue)
	}
}

// selectSymbols picks the CLI-named symbols (validated against the ticker
// table, invalid ones logged and dropped) or, with no arguments, the whole
// table in file order.
func selectSymbols(uni *universe.Universe, args []string) []string {
	if len(args) == 0 {
		return uni.Symbols()
	}
	symbols := make([]string, 0, len(args))
	for _, arg := range args {
		c, err := uni.Resolve(arg)
		if err != nil {
			slog.Warn("dropping symbol", "symbol", arg, "err", err)
			continue
		}
		symbols = append(symbols, c.Symbol)
	}
	return symbols
}

// reportLedgers implements -dry-run: a per-symbol ledger summary with no
// gateway traffic.
func reportLedgers(cfg *config.Config, symbols []string) int {
	fmt.Printf("%-8s %8s %10s %8s %9s %12s %s\n",
		"SYMBOL", "TOTAL", "COMPLETED", "ERRORS", "SUCCESS", "FAIL_STREAK", "OLDEST")
	for _, symbol := range symbols {
		led, err := ledger.Open(cfg.Storage.DataDir, symbol)
		if err != nil {
			fmt.Printf("%-8s ledger error: %v\n", symbol, err)
			continue
		}
		sum, err := led.Summarize()
		if err != nil {
			fmt.Printf("%-8s ledger error: %v\n", symbol, err)
			continue
		}
		streak, err := led.ConsecutiveFailures()
		if err != nil {
			streak = 0
		}
		oldest := "-"
		if !sum.OldestSuccess.IsZero() {
			oldest = domain.DateKey(sum.OldestSuccess)
		}
		fmt.Printf("%-8s %8d %10d %8d %8.1f%% %12d %s\n",
			symbol, sum.Total, sum.Completed, sum.Errors,
			sum.SuccessRate*100, streak, oldest)
	}
	return 0
}

// printSummary writes the end-of-run report to stdout.
func printSummary(dataDir string, jobs []job.Job, interrupted, forced bool, reason string) {
	fmt.Println()
	fmt.Println("=== run summary ===")
	var totalDone, totalErr int
	for _, j := range jobs {
		elapsed := j.EndTime.Sub(j.StartTime).Round(time.Second)
		oldest := "-"
		if led, err := ledger.Open(dataDir, j.Symbol); err == nil {
			if sum, err := led.Summarize(); err == nil && !sum.OldestSuccess.IsZero() {
				oldest = domain.DateKey(sum.OldestSuccess)
			}
		}
		fmt.Printf("%-8s %-9s dates=%d completed=%d errors=%d success=%.1f%% oldest=%s elapsed=%s\n",
			j.Symbol, j.Status, j.TotalDates, j.CompletedDates, j.ErrorDates,
			j.SuccessRate()*100, oldest, progress.FormatDuration(elapsed))
		totalDone += j.CompletedDates
		totalErr += j.ErrorDates
	}
	fmt.Printf("overall: %d completed, %d errors across %d symbols\n",
		totalDone, totalErr, len(jobs))
	switch {
	case forced:
		fmt.Printf("stopped: %s (forced, in-flight work cancelled); rerun to resume\n", reason)
	case interrupted:
		fmt.Printf("stopped: %s; rerun with the same arguments to resume\n", reason)
	}
}
