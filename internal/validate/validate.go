// Package validate runs structural and calendar checks over one day's bars
// before they are written to disk. Checks run in a fixed order and the first
// failure blocks the write; softer anomalies are logged as warnings only.
package validate

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ibdaily/internal/domain"
)

// Result is the outcome of validating one day's bars.
type Result struct {
	IsValid       bool
	Message       string
	ErrorDetails  []string
	ValidatedBars int
	ExpectedBars  int
}

// Validator checks a day's bars against the session schedule.
type Validator struct {
	earlyCloseBars []int // bar counts accepted unconditionally
	log            *slog.Logger
}

// New builds a Validator. earlyCloseBars lists the session lengths (in bars)
// that count as legitimate early closes, typically 360 and 210.
func New(earlyCloseBars []int) *Validator {
	return &Validator{
		earlyCloseBars: earlyCloseBars,
		log:            slog.Default().With("component", "validator"),
	}
}

// Day validates bars fetched for sched.Date. Empty input is valid; a holiday
// produces no bars and that is not an error.
func (v *Validator) Day(bars []domain.Bar, sched domain.Schedule) Result {
	res := Result{
		ValidatedBars: len(bars),
		ExpectedBars:  sched.ExpectedBars,
	}

	if len(bars) == 0 {
		res.IsValid = true
		res.Message = "empty day"
		return res
	}

	checks := []func([]domain.Bar, domain.Schedule) []string{
		v.checkStructure,
		v.checkPrices,
		v.checkSequence,
		v.checkCalendar,
		v.checkQuality,
	}
	for _, check := range checks {
		if details := check(bars, sched); len(details) > 0 {
			res.Message = details[0]
			res.ErrorDetails = details
			return res
		}
	}

	res.IsValid = true
	res.Message = fmt.Sprintf("%d bars validated", len(bars))
	return res
}

// checkStructure rejects bars with missing fields. With typed bars the only
// field that can silently go missing is the timestamp.
func (v *Validator) checkStructure(bars []domain.Bar, _ domain.Schedule) []string {
	var details []string
	for i, b := range bars {
		if b.Timestamp.IsZero() {
			details = append(details, fmt.Sprintf("bar %d: missing timestamp", i))
		}
	}
	return details
}

// checkPrices enforces per-bar OHLC sanity.
func (v *Validator) checkPrices(bars []domain.Bar, _ domain.Schedule) []string {
	var details []string
	for i, b := range bars {
		switch {
		case b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0:
			details = append(details, fmt.Sprintf("bar %d: non-positive price", i))
		case b.High < b.Open || b.High < b.Close || b.High < b.Low:
			details = append(details, fmt.Sprintf("bar %d: high below open/close/low", i))
		case b.Low > b.Open || b.Low > b.Close:
			details = append(details, fmt.Sprintf("bar %d: low above open/close", i))
		case b.Volume < 0 || b.BarCount < 0:
			details = append(details, fmt.Sprintf("bar %d: negative volume or bar count", i))
		}
	}
	return details
}

// checkSequence requires strictly increasing, duplicate-free timestamps.
// Irregular spacing is only warned about.
func (v *Validator) checkSequence(bars []domain.Bar, sched domain.Schedule) []string {
	var details []string
	irregular := 0
	for i := 1; i < len(bars); i++ {
		gap := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		switch {
		case gap == 0:
			details = append(details, fmt.Sprintf(
				"duplicate timestamp %s", bars[i].Timestamp.Format(time.RFC3339)))
		case gap < 0:
			details = append(details, fmt.Sprintf(
				"timestamps out of order at index %d", i))
		case gap != time.Minute:
			irregular++
		}
	}
	if irregular > 0 && len(details) == 0 {
		v.log.Warn("irregular bar intervals",
			"date", domain.DateKey(sched.Date), "count", irregular)
	}
	return details
}

// checkCalendar compares the bar count against the schedule. The configured
// early-close counts are accepted regardless of the day's classification
// because the exchange calendar occasionally misses ad-hoc early closes.
func (v *Validator) checkCalendar(bars []domain.Bar, sched domain.Schedule) []string {
	n := len(bars)
	if n == sched.ExpectedBars {
		return nil
	}
	for _, ok := range v.earlyCloseBars {
		if n == ok {
			return nil
		}
	}
	return []string{fmt.Sprintf("bar count %d does not match expected %d", n, sched.ExpectedBars)}
}

// checkQuality warns on suspicious but plausible data: extreme bar-over-bar
// moves, zero volume, outsized volume, identical consecutive bars.
func (v *Validator) checkQuality(bars []domain.Bar, sched domain.Schedule) []string {
	var extremes, zeroVol, identical int

	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1], bars[i]
		if prev.Close > 0 {
			move := (cur.Close - prev.Close) / prev.Close
			if move > 0.5 || move < -0.5 {
				extremes++
			}
		}
		if cur.Open == prev.Open && cur.High == prev.High &&
			cur.Low == prev.Low && cur.Close == prev.Close &&
			cur.Volume == prev.Volume {
			identical++
		}
	}
	for _, b := range bars {
		if b.Volume == 0 {
			zeroVol++
		}
	}

	outsized := 0
	if med := medianVolume(bars); med > 0 {
		for _, b := range bars {
			if b.Volume >= 100*med {
				outsized++
			}
		}
	}

	if extremes+zeroVol+identical+outsized > 0 {
		v.log.Warn("data quality anomalies",
			"date", domain.DateKey(sched.Date),
			"extreme_moves", extremes,
			"zero_volume", zeroVol,
			"outsized_volume", outsized,
			"identical_bars", identical)
	}
	return nil
}

func medianVolume(bars []domain.Bar) int64 {
	vols := make([]int64, len(bars))
	for i, b := range bars {
		vols[i] = b.Volume
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i] < vols[j] })
	return vols[len(vols)/2]
}
