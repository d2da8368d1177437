package domain

import (
	"context"
	"time"
)

// MarketData is the narrow contract the engine consumes for prices.
// Implementations must honour a hard per-call timeout; callers treat any
// error as transient and degrade (a position is never closed on missing data).
type MarketData interface {
	// FetchBulkQuotes returns current quotes keyed by symbol. Symbols with
	// no quote are absent from the map, not an error.
	FetchBulkQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)

	// FetchPositionBars returns recent intrabar bars for managing an open
	// position: preferred 1m, fallback 5m, last resort the current quote.
	FetchPositionBars(ctx context.Context, symbol string) (*PositionBars, error)

	// FetchIntradayOHLC returns intraday bars used by the ATR distance
	// guard and the continuation score.
	FetchIntradayOHLC(ctx context.Context, symbol string, interval BarInterval, daysBack int) ([]Bar, error)
}

// SignalSource returns fresh signals for admission.
type SignalSource interface {
	// RecentSignals returns signals created after the cutoff for the given
	// engine type. Allowlisted tickers bypass the confidence floor.
	RecentSignals(engineType string, cutoff time.Time, confidenceFloor float64, bypassFloor map[string]bool) ([]Signal, error)
}
