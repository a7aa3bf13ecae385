// Package gateway abstracts the market-data provider behind a small client
// interface so the fetch pipeline can be tested without network access.
package gateway

import (
	"context"
	"time"

	"ibdaily/internal/domain"
)

// Client is the surface the fetcher needs from a market-data gateway.
type Client interface {
	// FetchBars returns the one-minute bars of the session spanning
	// [sessionOpenUTC, endOfDayUTC], regular trading hours only, ascending
	// by timestamp.
	FetchBars(ctx context.Context, c domain.Contract, sessionOpenUTC, endOfDayUTC time.Time) ([]domain.Bar, error)

	// EarliestDataTimestamp reports the first instant for which the gateway
	// has historical data for the contract.
	EarliestDataTimestamp(ctx context.Context, c domain.Contract) (time.Time, error)

	// Ping verifies the gateway is reachable and the credentials work.
	Ping(ctx context.Context) error
}
