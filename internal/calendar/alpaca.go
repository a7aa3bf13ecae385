package calendar

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// AlpacaSource serves exchange sessions from the Alpaca trading calendar API.
type AlpacaSource struct {
	client *alpaca.Client
	loc    *time.Location
}

// NewAlpacaSource builds a source over the trading API. baseURL may be empty
// to use the SDK default.
func NewAlpacaSource(apiKey, apiSecret, baseURL string) (*AlpacaSource, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading ET timezone: %w", err)
	}
	return &AlpacaSource{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		loc: loc,
	}, nil
}

// Sessions fetches calendar days in [start, end] and converts their session
// times to UTC. Dates the exchange is closed simply do not appear.
func (s *AlpacaSource) Sessions(start, end time.Time) ([]Session, error) {
	days, err := s.client.GetCalendar(alpaca.GetCalendarRequest{
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}

	sessions := make([]Session, 0, len(days))
	for _, day := range days {
		date, err := time.Parse("2006-01-02", day.Date)
		if err != nil {
			continue
		}
		open, err := s.sessionTime(date, day.Open)
		if err != nil {
			continue
		}
		close, err := s.sessionTime(date, day.Close)
		if err != nil {
			continue
		}
		sessions = append(sessions, Session{
			Date:  date.UTC(),
			Open:  open,
			Close: close,
		})
	}
	return sessions, nil
}

// sessionTime combines a calendar date with an "HH:MM" exchange-local clock
// time and returns the instant in UTC.
func (s *AlpacaSource) sessionTime(date time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing session time %q: %w", clock, err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(),
		t.Hour(), t.Minute(), 0, 0, s.loc).UTC(), nil
}
