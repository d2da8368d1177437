package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marild/portfolio-engine/internal/domain"
	"github.com/marild/portfolio-engine/internal/store"
)

func TestLoaderRebuildsFromLedger(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	pos := nvdaPosition(testNow.Add(-2 * time.Hour))
	require.NoError(t, st.Positions.Insert(pos))

	require.NoError(t, st.Trades.Insert(domain.Trade{
		ID: "t1", PositionID: "p-old", SignalID: "s-old",
		EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow,
		Ticker: "TSLA", Side: domain.SideLong,
		EntryPrice: 200, ExitPrice: 212, Qty: 100,
		ExitReason: domain.ExitTPHit, RealizedPnL: 1200, RealizedR: 3,
		OpenedAt: testNow.Add(-48 * time.Hour), ClosedAt: testNow.Add(-24 * time.Hour),
	}))

	market := &fakeMarket{quotes: map[string]domain.Quote{
		"NVDA": {Symbol: "NVDA", Price: 102},
	}}

	loader := NewPortfolioLoader(st, market, testLogger())
	state, err := loader.Load(context.Background(), key, 100000)
	require.NoError(t, err)

	// equity = starting + realized + unrealized
	// cash = equity - allocated - unrealized
	assert.InDelta(t, 1200.0, state.RealizedPnL, 0.01)
	assert.InDelta(t, 500.0, state.UnrealizedPnL, 0.01)
	assert.InDelta(t, 25000.0, state.Allocated, 0.01)
	assert.InDelta(t, 101700.0, state.Equity, 0.01)
	assert.InDelta(t, 76200.0, state.Cash, 0.01)
	assert.Equal(t, 1, state.OpenCount())
	assert.True(t, state.HasOpen("NVDA"))
}

func TestLoaderSnapshotSeedsStartingEquity(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	require.NoError(t, st.Portfolios.Save(domain.PortfolioSnapshot{
		EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow,
		StartingEquity: 85000, Equity: 85000,
	}))

	loader := NewPortfolioLoader(st, &fakeMarket{}, testLogger())
	state, err := loader.Load(context.Background(), key, 100000)
	require.NoError(t, err)

	// The persisted snapshot wins over the config seed.
	assert.Equal(t, 85000.0, state.StartingEquity)
	assert.Equal(t, 85000.0, state.Equity)
	assert.Equal(t, 85000.0, state.Cash)
}

func TestLoaderPrunesDeadRows(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	dead := nvdaPosition(testNow.Add(-2 * time.Hour))
	dead.ID = "pos-dead"
	dead.Qty = 0
	require.NoError(t, st.Positions.Insert(dead))

	loader := NewPortfolioLoader(st, &fakeMarket{}, testLogger())
	state, err := loader.Load(context.Background(), key, 100000)
	require.NoError(t, err)

	assert.Equal(t, 0, state.OpenCount())
	assert.Equal(t, 100000.0, state.Equity)
}

func TestLoaderDegradesOnQuoteFailure(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	pos := nvdaPosition(testNow.Add(-2 * time.Hour))
	require.NoError(t, st.Positions.Insert(pos))

	market := &fakeMarket{quoteErr: errors.New("provider down")}
	loader := NewPortfolioLoader(st, market, testLogger())

	state, err := loader.Load(context.Background(), key, 100000)
	require.NoError(t, err)

	// Positions survive a quote outage, marked with zero unrealized P&L.
	assert.Equal(t, 1, state.OpenCount())
	assert.Equal(t, 0.0, state.UnrealizedPnL)
	assert.InDelta(t, 100000.0, state.Equity, 0.01)
}

func TestApplyOpenAndExitRoundTrip(t *testing.T) {
	key := domain.InstanceKey{EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow}
	state := newTestState(key, 100000)

	pos := nvdaPosition(testNow)
	state.ApplyOpen(pos)
	assert.Equal(t, 25000.0, state.Allocated)
	assert.Equal(t, 75000.0, state.Cash)
	assert.Equal(t, 100000.0, state.Equity)

	state.ApplyExit(pos.ID, 1000)
	assert.Equal(t, 0.0, state.Allocated)
	assert.Equal(t, 101000.0, state.Equity)
	assert.Equal(t, 101000.0, state.Cash)
	assert.Equal(t, 0, state.OpenCount())
}
