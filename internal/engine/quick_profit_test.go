package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marild/portfolio-engine/internal/config"
	"github.com/marild/portfolio-engine/internal/domain"
	"github.com/marild/portfolio-engine/internal/store"
)

func quickProfitTestConfig() config.QuickProfitConfig {
	return config.QuickProfitConfig{
		InitialEquity:     100000,
		BETriggerUsd:      150,
		BEBufferUsd:       5,
		PartialTriggerUsd: 250,
		PartialFraction:   0.5,
		TrailDistanceUsd:  120,
	}
}

func quickProfitPosition() domain.Position {
	return domain.Position{
		ID:              "pos-qp",
		EngineKey:       "quick_profit",
		EngineVersion:   "v1",
		RunMode:         domain.RunModeShadow,
		Ticker:          "NVDA",
		Side:            domain.SideLong,
		EntryPrice:      100,
		Qty:             100,
		InitialQty:      100,
		NotionalAtEntry: 10000,
		StopLoss:        98,
		InitialStopLoss: 98,
		TakeProfit1:     110,
		RiskDollars:     200,
		OpenedAt:        testNow.Add(-time.Hour),
		Status:          "OPEN",
		HighestPrice:    100,
		LowestPrice:     100,
		State:           domain.StateRunning,
		SignalID:        "sig-qp",
	}
}

func TestQuickProfitDollarLadder(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "quick_profit", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	pos := quickProfitPosition()
	state := newTestState(key, 100000)
	openTestPosition(t, st, pos, state)

	market := &fakeMarket{posBars: map[string]*domain.PositionBars{}}
	qp := NewQuickProfitManager(st, market, quickProfitTestConfig(), testLogger())

	// $160 unrealized arms breakeven: stop moves to entry plus $5 spread
	// across 100 shares.
	market.posBars["NVDA"] = &domain.PositionBars{
		Bars:         []domain.Bar{barAt(testNow.Add(-time.Minute), 101, 101.6, 100.8, 101.6)},
		Interval:     domain.Interval1m,
		CurrentPrice: 101.6,
	}
	require.NoError(t, qp.ManageAll(context.Background(), state, testNow))

	open, err := st.Positions.GetOpen(key)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 100.05, open[0].StopLoss, 0.001)
	assert.NotNil(t, open[0].BEActivatedAt)
	assert.Equal(t, domain.StateBreakevenArmed, open[0].State)
	assert.False(t, open[0].PartialTaken)

	// $260 unrealized banks half and seeds a $120-per-remaining-share
	// trail.
	t2 := testNow.Add(time.Minute)
	market.posBars["NVDA"] = &domain.PositionBars{
		Bars:         []domain.Bar{barAt(t2.Add(-time.Minute), 102, 102.7, 101.8, 102.6)},
		Interval:     domain.Interval1m,
		CurrentPrice: 102.6,
	}
	require.NoError(t, qp.ManageAll(context.Background(), state, t2))

	trades, err := st.Trades.GetAllForInstance(key)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitPartialProfit, trades[0].ExitReason)
	assert.Equal(t, 50.0, trades[0].Qty)
	assert.InDelta(t, 130.0, trades[0].RealizedPnL, 0.01)

	open, err = st.Positions.GetOpen(key)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 50.0, open[0].Qty)
	assert.True(t, open[0].PartialTaken)
	assert.True(t, open[0].TrailingActive)
	// Seeded at current minus the distance, then immediately tightened to
	// the bar's high watermark.
	assert.InDelta(t, 100.3, open[0].TrailingStop, 0.001)
	assert.Equal(t, domain.StateRunnerActive, open[0].State)

	// A new peak at 104 drags the trail to 101.6.
	t3 := t2.Add(time.Minute)
	market.posBars["NVDA"] = &domain.PositionBars{
		Bars:         []domain.Bar{barAt(t3.Add(-time.Minute), 103, 104, 102.5, 103.8)},
		Interval:     domain.Interval1m,
		CurrentPrice: 103.8,
	}
	require.NoError(t, qp.ManageAll(context.Background(), state, t3))

	open, err = st.Positions.GetOpen(key)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 101.6, open[0].TrailingStop, 0.001)

	// Pulling back through the trail exits the remainder.
	t4 := t3.Add(time.Minute)
	market.posBars["NVDA"] = &domain.PositionBars{
		Bars:         []domain.Bar{barAt(t4.Add(-time.Minute), 102, 102, 101.5, 101.7)},
		Interval:     domain.Interval1m,
		CurrentPrice: 101.7,
	}
	require.NoError(t, qp.ManageAll(context.Background(), state, t4))

	trades, err = st.Trades.GetAllForInstance(key)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.ExitTrailStop, trades[1].ExitReason)
	assert.InDelta(t, 101.6, trades[1].ExitPrice, 0.001)
	assert.Equal(t, 50.0, trades[1].Qty)
	assert.InDelta(t, 80.0, trades[1].RealizedPnL, 0.01)

	open, err = st.Positions.GetOpen(key)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.InDelta(t, 100210.0, state.Equity, 0.01)
}

func TestQuickProfitHardStop(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "quick_profit", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	pos := quickProfitPosition()
	state := newTestState(key, 100000)
	openTestPosition(t, st, pos, state)

	market := &fakeMarket{posBars: map[string]*domain.PositionBars{
		"NVDA": {
			Bars:         []domain.Bar{barAt(testNow.Add(-time.Minute), 99, 99.2, 97.9, 98.1)},
			Interval:     domain.Interval1m,
			CurrentPrice: 98.1,
		},
	}}

	qp := NewQuickProfitManager(st, market, quickProfitTestConfig(), testLogger())
	require.NoError(t, qp.ManageAll(context.Background(), state, testNow))

	trades, err := st.Trades.GetAllForInstance(key)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitStopLoss, trades[0].ExitReason)
	assert.Equal(t, 98.0, trades[0].ExitPrice)
	assert.InDelta(t, -200.0, trades[0].RealizedPnL, 0.01)
}
