// Package calendar classifies trading dates and yields trading-date ranges.
// Session times come from a pluggable ScheduleSource; when no source is
// available the adapter falls back to business days with regular hours so
// the pipeline keeps fetching rather than refusing.
package calendar

import (
	"log/slog"
	"time"

	"ibdaily/internal/domain"
)

// Session is one trading session as reported by the exchange calendar.
type Session struct {
	Date  time.Time // civil date, UTC midnight
	Open  time.Time
	Close time.Time
}

// ScheduleSource supplies exchange sessions for a date range. A date with no
// session in the returned slice is a holiday.
type ScheduleSource interface {
	Sessions(start, end time.Time) ([]Session, error)
}

// Bar-count thresholds in trading minutes.
const (
	shortSessionMinutes   = 210
	regularEarlyCloseMins = 360
)

// fallbackCloseUTC is the session close assumed when no schedule source is
// available (16:00 ET expressed in UTC).
const fallbackCloseHourUTC = 21

// Calendar is the market-calendar adapter.
type Calendar struct {
	source  ScheduleSource // nil enables the business-day fallback
	regular int
	holiday int
	cache   map[string]domain.Schedule
	log     *slog.Logger
}

// New creates a Calendar over the given source. regularBars is the expected
// one-minute bar count of a full session (390 for US equities).
func New(source ScheduleSource, regularBars int) *Calendar {
	if regularBars <= 0 {
		regularBars = 390
	}
	return &Calendar{
		source:  source,
		regular: regularBars,
		cache:   make(map[string]domain.Schedule),
		log:     slog.Default().With("component", "calendar"),
	}
}

// Schedule returns the session classification for a single date.
func (c *Calendar) Schedule(date time.Time) domain.Schedule {
	day := domain.CivilDate(date)
	key := domain.DateKey(day)
	if s, ok := c.cache[key]; ok {
		return s
	}

	s := c.lookup(day)
	c.cache[key] = s
	return s
}

func (c *Calendar) lookup(day time.Time) domain.Schedule {
	if c.source == nil {
		return c.fallback(day)
	}

	sessions, err := c.source.Sessions(day, day)
	if err != nil {
		c.log.Warn("schedule source failed, assuming regular session",
			"date", domain.DateKey(day), "err", err)
		return c.fallback(day)
	}

	for _, sess := range sessions {
		if domain.CivilDate(sess.Date).Equal(day) {
			return c.classify(day, sess)
		}
	}

	return domain.Schedule{
		Date:         day,
		IsTradingDay: false,
		DayType:      domain.DayHoliday,
		ExpectedBars: c.holiday,
	}
}

func (c *Calendar) classify(day time.Time, sess Session) domain.Schedule {
	minutes := int(sess.Close.Sub(sess.Open).Minutes())

	var dayType domain.DayType
	var expected int
	switch {
	case minutes <= shortSessionMinutes:
		dayType = domain.DayEarlyCloseShort
		expected = shortSessionMinutes
	case minutes <= regularEarlyCloseMins:
		dayType = domain.DayEarlyCloseRegular
		expected = regularEarlyCloseMins
	default:
		dayType = domain.DayRegular
		expected = c.regular
	}

	return domain.Schedule{
		Date:           day,
		IsTradingDay:   true,
		DayType:        dayType,
		ExpectedBars:   expected,
		MarketOpen:     sess.Open,
		MarketClose:    sess.Close,
		TradingMinutes: minutes,
	}
}

// fallback treats weekdays as regular sessions closing at 21:00 UTC.
func (c *Calendar) fallback(day time.Time) domain.Schedule {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return domain.Schedule{
			Date:         day,
			IsTradingDay: false,
			DayType:      domain.DayHoliday,
			ExpectedBars: c.holiday,
		}
	}

	close := time.Date(day.Year(), day.Month(), day.Day(), fallbackCloseHourUTC, 0, 0, 0, time.UTC)
	return domain.Schedule{
		Date:           day,
		IsTradingDay:   true,
		DayType:        domain.DayRegular,
		ExpectedBars:   c.regular,
		MarketOpen:     close.Add(-390 * time.Minute),
		MarketClose:    close,
		TradingMinutes: 390,
	}
}

// IsTradingDay reports whether the exchange schedules a session on date.
func (c *Calendar) IsTradingDay(date time.Time) bool {
	return c.Schedule(date).IsTradingDay
}

// ExpectedBars returns the expected one-minute bar count for date.
func (c *Calendar) ExpectedBars(date time.Time) int {
	return c.Schedule(date).ExpectedBars
}

// SessionClose returns the UTC close timestamp for date; on non-trading days
// or when the source gave no close it falls back to 21:00 UTC.
func (c *Calendar) SessionClose(date time.Time) time.Time {
	s := c.Schedule(date)
	if !s.MarketClose.IsZero() {
		return s.MarketClose.UTC()
	}
	day := domain.CivilDate(date)
	return time.Date(day.Year(), day.Month(), day.Day(), fallbackCloseHourUTC, 0, 0, 0, time.UTC)
}

// TradingDates returns all trading dates in [from, to], ascending. With a
// source it asks for the whole range in one call; otherwise it walks
// business days.
func (c *Calendar) TradingDates(from, to time.Time) []time.Time {
	start := domain.CivilDate(from)
	end := domain.CivilDate(to)
	if end.Before(start) {
		return nil
	}

	if c.source != nil {
		sessions, err := c.source.Sessions(start, end)
		if err == nil {
			dates := make([]time.Time, 0, len(sessions))
			for _, sess := range sessions {
				day := domain.CivilDate(sess.Date)
				if !day.Before(start) && !day.After(end) {
					dates = append(dates, day)
					c.cache[domain.DateKey(day)] = c.classify(day, sess)
				}
			}
			return dates
		}
		c.log.Warn("schedule source failed for range, using business days",
			"from", domain.DateKey(start), "to", domain.DateKey(end), "err", err)
	}

	var dates []time.Time
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
			dates = append(dates, day)
		}
	}
	return dates
}
