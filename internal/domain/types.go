// Package domain defines the shared types of the bar archiver: bars,
// per-date status records, contracts, and the enums used across the
// fetch pipeline.
package domain

import "time"

// Bar is a single one-minute OHLCV sample.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	BarCount  int64
}

// DayStatus is the outcome recorded for one (symbol, date) in the ledger.
type DayStatus string

const (
	StatusComplete   DayStatus = "COMPLETE"
	StatusEarlyClose DayStatus = "EARLY_CLOSE"
	StatusHoliday    DayStatus = "HOLIDAY"
	StatusError      DayStatus = "ERROR"
	StatusPending    DayStatus = "PENDING"
)

// Terminal reports whether a status never needs to be re-fetched.
func (s DayStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusEarlyClose, StatusHoliday:
		return true
	}
	return false
}

// ValidStatus reports whether s is one of the recognised ledger statuses.
func ValidStatus(s string) bool {
	switch DayStatus(s) {
	case StatusComplete, StatusEarlyClose, StatusHoliday, StatusError, StatusPending:
		return true
	}
	return false
}

// StatusRecord is one row of a symbol's bar_status.csv.
type StatusRecord struct {
	Date          time.Time // civil date, UTC midnight
	Status        DayStatus
	ExpectedBars  int
	ActualBars    int
	LastTimestamp time.Time // zero when no bars were stored
	ErrorMessage  string
	RetryCount    int
}

// DayType classifies a calendar date by its trading session length.
type DayType string

const (
	DayRegular           DayType = "regular_day"
	DayEarlyCloseRegular DayType = "early_close_regular" // 6h session
	DayEarlyCloseShort   DayType = "early_close_short"   // 3h30 session
	DayHoliday           DayType = "holiday"
)

// Schedule describes the market session for a single date.
type Schedule struct {
	Date           time.Time
	IsTradingDay   bool
	DayType        DayType
	ExpectedBars   int
	MarketOpen     time.Time
	MarketClose    time.Time
	TradingMinutes int
}

// FailureType is the retry policy's classification of a failed fetch.
type FailureType string

const (
	FailureNoData     FailureType = "no_data"
	FailureNetwork    FailureType = "network_error"
	FailureAPI        FailureType = "api_error"
	FailureValidation FailureType = "validation_error"
	FailureUnknown    FailureType = "unknown"
)

// SecType identifies the instrument class of a contract.
type SecType string

const (
	SecStock  SecType = "STK"
	SecFuture SecType = "FUT"
	SecOption SecType = "OPT"
)

// Contract uniquely identifies an instrument at the market-data gateway.
type Contract struct {
	Symbol                       string
	SecType                      SecType
	Exchange                     string
	Currency                     string
	LastTradeDateOrContractMonth string
	Strike                       float64
	Right                        string // "C" or "P" for options
	Multiplier                   string
}

// CivilDate truncates t to its UTC calendar date at midnight. Retry and
// ledger bookkeeping key on civil dates to avoid timezone drift.
func CivilDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DateKey formats t as the YYYY-MM-DD map key used throughout the system.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
