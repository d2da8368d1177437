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

func nvdaPosition(openedAt time.Time) domain.Position {
	return domain.Position{
		ID:              "pos-nvda",
		EngineKey:       "swing",
		EngineVersion:   "v1",
		RunMode:         domain.RunModeShadow,
		Ticker:          "NVDA",
		Side:            domain.SideLong,
		EntryPrice:      100,
		Qty:             250,
		InitialQty:      250,
		NotionalAtEntry: 25000,
		StopLoss:        98,
		InitialStopLoss: 98,
		TakeProfit1:     104,
		RiskDollars:     500,
		OpenedAt:        openedAt,
		Status:          "OPEN",
		HighestPrice:    100,
		LowestPrice:     100,
		State:           domain.StateRunning,
		SignalID:        "sig-1",
	}
}

func TestTakeProfitFullExit(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	pos := nvdaPosition(testNow.Add(-2 * time.Hour))
	state := newTestState(key, 100000)
	openTestPosition(t, st, pos, state)

	market := &fakeMarket{
		posBars: map[string]*domain.PositionBars{
			"NVDA": {
				Bars:         []domain.Bar{barAt(testNow.Add(-time.Minute), 100, 104.2, 99.5, 104)},
				Interval:     domain.Interval1m,
				CurrentPrice: 104,
			},
		},
	}

	pm := NewPositionManager(st, market, swingTestConfig(), domain.StrategySwing, time.Minute, testLogger())
	require.NoError(t, pm.ManageAll(context.Background(), state, testNow))

	trades, err := st.Trades.GetAllForInstance(key)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitTPHit, trades[0].ExitReason)
	assert.Equal(t, 104.0, trades[0].ExitPrice)
	assert.Equal(t, 250.0, trades[0].Qty)
	assert.InDelta(t, 1000.0, trades[0].RealizedPnL, 0.01)
	assert.InDelta(t, 2.0, trades[0].RealizedR, 0.001)

	open, err := st.Positions.GetOpen(key)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.InDelta(t, 101000.0, state.Equity, 0.01)
	assert.Equal(t, 0, state.OpenCount())
}

func TestStopBeatsTargetInSameBar(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	pos := nvdaPosition(testNow.Add(-2 * time.Hour))
	state := newTestState(key, 100000)
	openTestPosition(t, st, pos, state)

	// One wild bar touches both 98 and 104; the conservative fill is the
	// stop.
	market := &fakeMarket{
		posBars: map[string]*domain.PositionBars{
			"NVDA": {
				Bars:         []domain.Bar{barAt(testNow.Add(-time.Minute), 100, 104.2, 97.9, 99)},
				Interval:     domain.Interval1m,
				CurrentPrice: 99,
			},
		},
	}

	pm := NewPositionManager(st, market, swingTestConfig(), domain.StrategySwing, time.Minute, testLogger())
	require.NoError(t, pm.ManageAll(context.Background(), state, testNow))

	trades, err := st.Trades.GetAllForInstance(key)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitSLHit, trades[0].ExitReason)
	assert.Equal(t, 98.0, trades[0].ExitPrice)
	assert.InDelta(t, -500.0, trades[0].RealizedPnL, 0.01)
}

func TestTP1PartialThenTP2Runner(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	tp2 := 212.0
	pos := domain.Position{
		ID: "pos-tsla", EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow,
		Ticker: "TSLA", Side: domain.SideLong,
		EntryPrice: 200, Qty: 100, InitialQty: 100, NotionalAtEntry: 20000,
		StopLoss: 196, InitialStopLoss: 196, TakeProfit1: 206, TakeProfit2: &tp2,
		RiskDollars: 400, OpenedAt: testNow.Add(-3 * time.Hour), Status: "OPEN",
		HighestPrice: 200, LowestPrice: 200, State: domain.StateRunning, SignalID: "sig-2",
	}
	state := newTestState(key, 100000)
	openTestPosition(t, st, pos, state)

	cfg := swingTestConfig()
	cfg.RunnerEnabled = true

	market := &fakeMarket{
		posBars: map[string]*domain.PositionBars{
			"TSLA": {
				Bars:         []domain.Bar{barAt(testNow.Add(-time.Minute), 204, 206.5, 203, 206)},
				Interval:     domain.Interval1m,
				CurrentPrice: 206,
			},
		},
	}
	pm := NewPositionManager(st, market, cfg, domain.StrategySwing, time.Minute, testLogger())
	require.NoError(t, pm.ManageAll(context.Background(), state, testNow))

	// First tick: half banked at TP1, stop to breakeven, runner armed.
	trades, err := st.Trades.GetAllForInstance(key)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitTP1Partial, trades[0].ExitReason)
	assert.Equal(t, 206.0, trades[0].ExitPrice)
	assert.Equal(t, 50.0, trades[0].Qty)
	assert.InDelta(t, 300.0, trades[0].RealizedPnL, 0.01)

	open, err := st.Positions.GetOpen(key)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 50.0, open[0].Qty)
	assert.Equal(t, 200.0, open[0].StopLoss)
	assert.True(t, open[0].TP1Hit)
	assert.True(t, open[0].RunnerActive)
	assert.Equal(t, domain.StateRunnerActive, open[0].State)
	// riskDollars is fixed at open, not pro-rated.
	assert.Equal(t, 400.0, open[0].RiskDollars)

	// Second tick: the runner reaches TP2.
	later := testNow.Add(30 * time.Minute)
	market.posBars["TSLA"] = &domain.PositionBars{
		Bars:         []domain.Bar{barAt(later.Add(-time.Minute), 210, 212.3, 209, 212)},
		Interval:     domain.Interval1m,
		CurrentPrice: 212,
	}
	require.NoError(t, pm.ManageAll(context.Background(), state, later))

	trades, err = st.Trades.GetAllForInstance(key)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.ExitTP2Hit, trades[1].ExitReason)
	assert.Equal(t, 212.0, trades[1].ExitPrice)
	assert.Equal(t, 50.0, trades[1].Qty)
	assert.InDelta(t, 600.0, trades[1].RealizedPnL, 0.01)

	open, err = st.Positions.GetOpen(key)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestTrailingStopActivationAndExit(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	pos := domain.Position{
		ID: "pos-aapl", EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow,
		Ticker: "AAPL", Side: domain.SideLong,
		EntryPrice: 150, Qty: 10, InitialQty: 10, NotionalAtEntry: 1500,
		StopLoss: 148, InitialStopLoss: 148, TakeProfit1: 160,
		RiskDollars: 20, OpenedAt: testNow.Add(-3 * time.Hour), Status: "OPEN",
		HighestPrice: 150, LowestPrice: 150, State: domain.StateRunning, SignalID: "sig-3",
	}
	state := newTestState(key, 100000)
	openTestPosition(t, st, pos, state)

	market := &fakeMarket{posBars: map[string]*domain.PositionBars{}}
	pm := NewPositionManager(st, market, swingTestConfig(), domain.StrategySwing, time.Minute, testLogger())

	// Price reaches 153 = 1.5R: trailing activates at 153 - 0.75*2.
	market.posBars["AAPL"] = &domain.PositionBars{
		Bars:         []domain.Bar{barAt(testNow.Add(-time.Minute), 152, 153, 151.5, 152.8)},
		Interval:     domain.Interval1m,
		CurrentPrice: 152.8,
	}
	require.NoError(t, pm.ManageAll(context.Background(), state, testNow))

	open, err := st.Positions.GetOpen(key)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].TrailingActive)
	assert.InDelta(t, 151.5, open[0].TrailingStop, 0.001)

	// New peak 154 tightens the stop to 152.5.
	t2 := testNow.Add(time.Minute)
	market.posBars["AAPL"] = &domain.PositionBars{
		Bars:         []domain.Bar{barAt(t2.Add(-time.Minute), 153, 154, 152.8, 153.5)},
		Interval:     domain.Interval1m,
		CurrentPrice: 153.5,
	}
	require.NoError(t, pm.ManageAll(context.Background(), state, t2))

	open, err = st.Positions.GetOpen(key)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 152.5, open[0].TrailingStop, 0.001)

	// A weaker bar never loosens it.
	t3 := t2.Add(time.Minute)
	market.posBars["AAPL"] = &domain.PositionBars{
		Bars:         []domain.Bar{barAt(t3.Add(-time.Minute), 153, 153.2, 152.6, 152.9)},
		Interval:     domain.Interval1m,
		CurrentPrice: 152.9,
	}
	require.NoError(t, pm.ManageAll(context.Background(), state, t3))

	open, err = st.Positions.GetOpen(key)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 152.5, open[0].TrailingStop, 0.001)

	// Touching 152.3 exits at the trailing stop.
	t4 := t3.Add(time.Minute)
	market.posBars["AAPL"] = &domain.PositionBars{
		Bars:         []domain.Bar{barAt(t4.Add(-time.Minute), 152.8, 152.9, 152.3, 152.4)},
		Interval:     domain.Interval1m,
		CurrentPrice: 152.4,
	}
	require.NoError(t, pm.ManageAll(context.Background(), state, t4))

	trades, err := st.Trades.GetAllForInstance(key)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitTrailingSLHit, trades[0].ExitReason)
	assert.InDelta(t, 152.5, trades[0].ExitPrice, 0.001)
}

func TestOpeningBarGraceFiltersLookahead(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	pos := nvdaPosition(testNow.Add(-5 * time.Minute))
	state := newTestState(key, 100000)
	openTestPosition(t, st, pos, state)

	// A bar from before entry dives through the stop; with a 60s grace it
	// must be discarded, not treated as a fill.
	market := &fakeMarket{
		posBars: map[string]*domain.PositionBars{
			"NVDA": {
				Bars: []domain.Bar{
					barAt(pos.OpenedAt.Add(-2*time.Minute), 95, 96, 90, 95),
					barAt(testNow.Add(-time.Minute), 100, 100.5, 99.8, 100.2),
				},
				Interval:     domain.Interval1m,
				CurrentPrice: 100.2,
			},
		},
	}

	pm := NewPositionManager(st, market, swingTestConfig(), domain.StrategySwing, time.Minute, testLogger())
	require.NoError(t, pm.ManageAll(context.Background(), state, testNow))

	open, err := st.Positions.GetOpen(key)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	trades, err := st.Trades.GetAllForInstance(key)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestEODFlattenForDayTrader(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	pos := nvdaPosition(testNow.Add(-4 * time.Hour))
	state := newTestState(key, 100000)
	openTestPosition(t, st, pos, state)

	cfg := swingTestConfig()
	cfg.EODFlattenHourUTC = 19
	cfg.EODFlattenMinuteUTC = 55

	market := &fakeMarket{
		posBars: map[string]*domain.PositionBars{
			"NVDA": {Interval: domain.IntervalQuote, CurrentPrice: 101},
		},
	}

	pm := NewPositionManager(st, market, cfg, domain.StrategyDayTrader, time.Minute, testLogger())
	flattenTime := time.Date(2026, 8, 25, 20, 0, 0, 0, time.UTC)
	require.NoError(t, pm.ManageAll(context.Background(), state, flattenTime))

	trades, err := st.Trades.GetAllForInstance(key)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitEODFlatten, trades[0].ExitReason)
	assert.Equal(t, 101.0, trades[0].ExitPrice)

	open, err := st.Positions.GetOpen(key)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMissingDataLeavesPositionOpen(t *testing.T) {
	db := setupTestDB(t)
	st := store.NewShadowStore(db, db, testLogger())
	key := domain.InstanceKey{EngineKey: "swing", EngineVersion: "v1", RunMode: domain.RunModeShadow}

	pos := nvdaPosition(testNow.Add(-2 * time.Hour))
	state := newTestState(key, 100000)
	openTestPosition(t, st, pos, state)

	market := &fakeMarket{barsErr: errors.New("provider timeout")}

	pm := NewPositionManager(st, market, swingTestConfig(), domain.StrategySwing, time.Minute, testLogger())
	require.NoError(t, pm.ManageAll(context.Background(), state, testNow))

	open, err := st.Positions.GetOpen(key)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	trades, err := st.Trades.GetAllForInstance(key)
	require.NoError(t, err)
	assert.Empty(t, trades)
}
