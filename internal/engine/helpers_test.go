package engine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/marild/portfolio-engine/internal/config"
	"github.com/marild/portfolio-engine/internal/database"
	"github.com/marild/portfolio-engine/internal/domain"
	"github.com/marild/portfolio-engine/internal/store"
)

// testNow is a Tuesday 11:00 New York: regular session, outside the
// pre-close window.
var testNow = time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, name := range []string{"state", "ledger"} {
		schema, err := database.SchemaFor(name)
		require.NoError(t, err)
		_, err = db.Exec(schema)
		require.NoError(t, err)
	}
	return db
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeMarket serves canned quotes and bars.
type fakeMarket struct {
	quotes   map[string]domain.Quote
	posBars  map[string]*domain.PositionBars
	fiveMin  map[string][]domain.Bar
	oneMin   map[string][]domain.Bar
	barsErr  error
	quoteErr error
}

func (f *fakeMarket) FetchBulkQuotes(_ context.Context, symbols []string) (map[string]domain.Quote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	out := map[string]domain.Quote{}
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (f *fakeMarket) FetchPositionBars(_ context.Context, symbol string) (*domain.PositionBars, error) {
	if f.barsErr != nil {
		return nil, f.barsErr
	}
	if pb, ok := f.posBars[symbol]; ok {
		return pb, nil
	}
	q := f.quotes[symbol]
	return &domain.PositionBars{Interval: domain.IntervalQuote, CurrentPrice: q.Price}, nil
}

func (f *fakeMarket) FetchIntradayOHLC(_ context.Context, symbol string, interval domain.BarInterval, _ int) ([]domain.Bar, error) {
	if interval == domain.Interval1m {
		return f.oneMin[symbol], nil
	}
	return f.fiveMin[symbol], nil
}

// fakeSignals returns a fixed signal list regardless of filters.
type fakeSignals struct {
	signals []domain.Signal
}

func (f *fakeSignals) RecentSignals(string, time.Time, float64, map[string]bool) ([]domain.Signal, error) {
	return f.signals, nil
}

func swingTestConfig() config.EngineConfig {
	return config.EngineConfig{
		InitialEquity:        100000,
		RiskPct:              0.0075,
		MaxNotionalPct:       0.25,
		MaxConcurrent:        10,
		MaxPortfolioAllocPct: 0.80,
		MinNotional:          1000,
		TrailingActivationR:  1.5,
		TrailDistanceR:       0.75,
		RunnerEnabled:        false,
		TP1ClosePct:          0.5,
		TP2RMultiple:         3.0,
		RecyclingMode:        "OFF",
		MaxSlots:             10,
	}
}

func shadowInstance(strategy domain.Strategy) domain.EngineInstance {
	return domain.EngineInstance{
		EngineKey:     "swing",
		EngineVersion: "v1",
		RunMode:       domain.RunModeShadow,
		Strategy:      strategy,
		IsEnabled:     true,
	}
}

func newTestState(key domain.InstanceKey, equity float64) *PortfolioState {
	return &PortfolioState{
		Key:            key,
		StartingEquity: equity,
		Equity:         equity,
		Cash:           equity,
		Quotes:         map[string]domain.Quote{},
	}
}

func openTestPosition(t *testing.T, st *store.Store, pos domain.Position, state *PortfolioState) {
	t.Helper()
	require.NoError(t, st.Positions.Insert(pos))
	state.ApplyOpen(pos)
}

func barAt(ts time.Time, open, high, low, close float64) domain.Bar {
	return domain.Bar{Timestamp: ts, Open: open, High: high, Low: low, Close: close, Volume: 10000}
}
