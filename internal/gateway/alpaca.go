package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/sony/gobreaker"

	"ibdaily/internal/domain"
)

// AlpacaClient fetches one-minute history from the Alpaca data API. All
// network calls go through a shared circuit breaker so a dead gateway fails
// fast instead of burning the per-date retry budget one timeout at a time.
type AlpacaClient struct {
	trading *alpaca.Client
	data    *marketdata.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// AlpacaOpts configures NewAlpacaClient.
type AlpacaOpts struct {
	APIKey    string
	APISecret string
	BaseURL   string // trading API, empty for SDK default
	DataURL   string // data API, empty for SDK default

	// MaxConsecutiveFailures trips the breaker; 0 means 3.
	MaxConsecutiveFailures uint32
	// CooldownPeriod keeps the breaker open; 0 means 30s.
	CooldownPeriod time.Duration
}

// NewAlpacaClient builds the production gateway client.
func NewAlpacaClient(opts AlpacaOpts) *AlpacaClient {
	if opts.MaxConsecutiveFailures == 0 {
		opts.MaxConsecutiveFailures = 3
	}
	if opts.CooldownPeriod == 0 {
		opts.CooldownPeriod = 30 * time.Second
	}

	log := slog.Default().With("component", "gateway")
	dataOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		dataOpts.BaseURL = opts.DataURL
	}

	return &AlpacaClient{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		data: marketdata.NewClient(dataOpts),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "alpaca-gateway",
			Timeout: opts.CooldownPeriod,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.MaxConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		log: log,
	}
}

// FetchBars implements Client. Requesting from the session open rather than
// midnight keeps pre-market and extended-hours bars out of the response.
func (a *AlpacaClient) FetchBars(ctx context.Context, c domain.Contract, sessionOpenUTC, endOfDayUTC time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	day := domain.CivilDate(endOfDayUTC)
	start := sessionOpenUTC
	if start.IsZero() {
		start = day
	}
	out, err := a.breaker.Execute(func() (interface{}, error) {
		return a.data.GetBars(c.Symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneMin,
			Start:     start,
			End:       endOfDayUTC,
			Feed:      marketdata.SIP,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s %s: %w", c.Symbol, domain.DateKey(day), err)
	}

	raw := out.([]marketdata.Bar)
	bars := make([]domain.Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, domain.Bar{
			Timestamp: b.Timestamp.UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    int64(b.Volume),
			BarCount:  int64(b.TradeCount),
		})
	}
	return bars, nil
}

// EarliestDataTimestamp implements Client. It asks for the single oldest
// minute bar the gateway holds for the contract.
func (a *AlpacaClient) EarliestDataTimestamp(ctx context.Context, c domain.Contract) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	out, err := a.breaker.Execute(func() (interface{}, error) {
		return a.data.GetBars(c.Symbol, marketdata.GetBarsRequest{
			TimeFrame:  marketdata.OneMin,
			Start:      time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
			TotalLimit: 1,
			Feed:       marketdata.SIP,
		})
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("head timestamp %s: %w", c.Symbol, err)
	}

	bars := out.([]marketdata.Bar)
	if len(bars) == 0 {
		return time.Time{}, fmt.Errorf("no historical data for %s", c.Symbol)
	}
	return bars[0].Timestamp.UTC(), nil
}

// Ping implements Client using the trading clock endpoint, the cheapest
// authenticated call the API offers.
func (a *AlpacaClient) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return a.trading.GetClock()
	})
	if err != nil {
		return fmt.Errorf("gateway ping: %w", err)
	}
	return nil
}
