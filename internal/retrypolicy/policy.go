// Package retrypolicy decides whether a date or a whole symbol is still
// worth fetching. Failures are classified by message so that a run of
// genuine no-data days (the walk has reached pre-listing dates) stops the
// symbol, while a vendor outage does not.
package retrypolicy

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"ibdaily/internal/domain"
)

// Keyword sets for the failure classifier, checked in order.
var classifierKeywords = []struct {
	failure  domain.FailureType
	keywords []string
}{
	{domain.FailureNoData, []string{
		"no data", "empty", "zero bars", "no historical data", "data not available",
	}},
	{domain.FailureNetwork, []string{
		"timeout", "connection", "network", "socket", "disconnected",
	}},
	{domain.FailureAPI, []string{
		"api error", "request limit", "rate limit", "invalid contract",
		"market data", "permission", "subscription",
	}},
	{domain.FailureValidation, []string{
		"validation", "invalid data", "corrupt", "malformed", "data quality",
	}},
}

type dateState struct {
	attempts    int
	lastFailure domain.FailureType
}

type symbolState struct {
	dates        map[string]*dateState
	noDataStreak int
	shouldSkip   bool
}

// Policy tracks per-date attempts and per-symbol no-data streaks.
type Policy struct {
	mu                sync.Mutex
	symbols           map[string]*symbolState
	maxRetriesPerDate int
	maxNoDataDays     int
	log               *slog.Logger
}

// New builds a Policy. maxRetriesPerDate caps attempts for one date;
// maxNoDataDays is the streak length that latches a symbol skip.
func New(maxRetriesPerDate, maxNoDataDays int) *Policy {
	if maxRetriesPerDate <= 0 {
		maxRetriesPerDate = 3
	}
	if maxNoDataDays <= 0 {
		maxNoDataDays = 10
	}
	return &Policy{
		symbols:           make(map[string]*symbolState),
		maxRetriesPerDate: maxRetriesPerDate,
		maxNoDataDays:     maxNoDataDays,
		log:               slog.Default().With("component", "retry-policy"),
	}
}

// Classify maps an error message to a failure type. An empty response
// (dataReceived false) is NO_DATA regardless of message.
func Classify(message string, dataReceived bool) domain.FailureType {
	if !dataReceived {
		return domain.FailureNoData
	}
	msg := strings.ToLower(message)
	for _, set := range classifierKeywords {
		for _, kw := range set.keywords {
			if strings.Contains(msg, kw) {
				return set.failure
			}
		}
	}
	return domain.FailureUnknown
}

func (p *Policy) symbol(symbol string) *symbolState {
	s, ok := p.symbols[symbol]
	if !ok {
		s = &symbolState{dates: make(map[string]*dateState)}
		p.symbols[symbol] = s
	}
	return s
}

// ShouldSkipSymbol reports whether the symbol's skip latch is set.
func (p *Policy) ShouldSkipSymbol(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.symbols[symbol]; ok {
		return s.shouldSkip
	}
	return false
}

// CanRetryDate reports whether the date is still under its attempt cap.
func (p *Policy) CanRetryDate(symbol string, date time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.symbols[symbol]
	if !ok {
		return true
	}
	d, ok := s.dates[domain.DateKey(date)]
	if !ok {
		return true
	}
	return d.attempts < p.maxRetriesPerDate
}

// Attempts returns the recorded attempt count for the date.
func (p *Policy) Attempts(symbol string, date time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.symbols[symbol]; ok {
		if d, ok := s.dates[domain.DateKey(date)]; ok {
			return d.attempts
		}
	}
	return 0
}

// RecordFailure classifies the failure and updates counters. The no-data
// streak only advances when the date has exhausted its retries with NO_DATA;
// hitting the streak cap latches the symbol skip.
func (p *Policy) RecordFailure(symbol string, date time.Time, message string, dataReceived bool) domain.FailureType {
	failure := Classify(message, dataReceived)

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.symbol(symbol)
	key := domain.DateKey(date)
	d, ok := s.dates[key]
	if !ok {
		d = &dateState{}
		s.dates[key] = d
	}
	d.attempts++
	d.lastFailure = failure

	exhausted := d.attempts >= p.maxRetriesPerDate
	if exhausted && failure == domain.FailureNoData {
		s.noDataStreak++
		if s.noDataStreak >= p.maxNoDataDays && !s.shouldSkip {
			s.shouldSkip = true
			p.log.Info("no-data streak reached limit, skipping symbol",
				"symbol", symbol, "streak", s.noDataStreak)
		}
	}

	p.log.Debug("failure recorded",
		"symbol", symbol, "date", key, "type", string(failure),
		"attempts", d.attempts, "streak", s.noDataStreak)
	return failure
}

// RecordSuccess clears the date's retry state and resets the streak.
func (p *Policy) RecordSuccess(symbol string, date time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.symbol(symbol)
	delete(s.dates, domain.DateKey(date))
	s.noDataStreak = 0
}

// LastFailure returns the classification of the date's most recent failure.
func (p *Policy) LastFailure(symbol string, date time.Time) (domain.FailureType, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.symbols[symbol]; ok {
		if d, ok := s.dates[domain.DateKey(date)]; ok {
			return d.lastFailure, true
		}
	}
	return "", false
}
