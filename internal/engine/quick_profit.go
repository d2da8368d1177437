package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/config"
	"github.com/marild/portfolio-engine/internal/domain"
	"github.com/marild/portfolio-engine/internal/store"
)

// QuickProfitManager manages quick-profit shadow positions with a
// P&L-dollar state machine instead of R multiples: breakeven arms at a
// dollar trigger, a partial banks at a higher trigger and the remainder
// trails by a fixed dollar distance.
type QuickProfitManager struct {
	store  *store.Store
	market domain.MarketData
	cfg    config.QuickProfitConfig
	log    zerolog.Logger
}

// NewQuickProfitManager creates a quick-profit manager over the shadow
// partition.
func NewQuickProfitManager(st *store.Store, market domain.MarketData, cfg config.QuickProfitConfig, log zerolog.Logger) *QuickProfitManager {
	return &QuickProfitManager{
		store:  st,
		market: market,
		cfg:    cfg,
		log:    log.With().Str("component", "quick_profit").Logger(),
	}
}

// ManageAll evaluates every open quick-profit position. Per-position
// errors are logged and the next position proceeds; a run-mode violation
// aborts.
func (m *QuickProfitManager) ManageAll(ctx context.Context, state *PortfolioState, now time.Time) error {
	ids := make([]string, 0, len(state.Positions))
	for _, p := range state.Positions {
		ids = append(ids, p.ID)
	}

	for _, id := range ids {
		pos := positionByID(state, id)
		if pos == nil {
			continue
		}

		if err := m.manage(ctx, state, pos, now); err != nil {
			if errors.Is(err, store.ErrRunModeViolation) {
				return err
			}
			m.log.Error().Err(err).Str("position_id", pos.ID).Str("ticker", pos.Ticker).Msg("Quick-profit management failed")
		}
	}
	return nil
}

func (m *QuickProfitManager) manage(ctx context.Context, state *PortfolioState, pos *domain.Position, now time.Time) error {
	pb, err := m.market.FetchPositionBars(ctx, pos.Ticker)
	if err != nil {
		m.log.Warn().Err(err).Str("ticker", pos.Ticker).Msg("Bar fetch failed, skipping position this tick")
		return nil
	}

	current := pb.CurrentPrice
	if current <= 0 && len(pb.Bars) > 0 {
		current = pb.Bars[len(pb.Bars)-1].Close
	}
	if current <= 0 {
		return nil
	}

	low, high := barExtremes(pb.Bars, current)
	if high > pos.HighestPrice {
		pos.HighestPrice = high
	}
	if pos.LowestPrice == 0 || low < pos.LowestPrice {
		pos.LowestPrice = low
	}
	if pnl := pos.UnrealizedPnL(current); pnl > pos.TrailPeakPnL {
		pos.TrailPeakPnL = pnl
	}

	// Hard stop first, worst case inside the bar range.
	if touched := stopTouched(pos.Side, pos.StopLoss, low, high); touched {
		return m.closeAll(state, pos, pos.StopLoss, domain.ExitStopLoss, now)
	}

	// Then the trailing stop on the runner.
	if pos.TrailingActive && stopTouched(pos.Side, pos.TrailingStop, low, high) {
		return m.closeAll(state, pos, pos.TrailingStop, domain.ExitTrailStop, now)
	}

	unrealized := pos.UnrealizedPnL(current)

	// Breakeven arms at the first dollar trigger. The buffer is a dollar
	// amount spread across the remaining shares, like the trail distance.
	if pos.BEActivatedAt == nil && unrealized >= m.cfg.BETriggerUsd && pos.Qty > 0 {
		pos.StopLoss = pos.EntryPrice + m.cfg.BEBufferUsd/pos.Qty*pos.Side.Sign()
		t := now.UTC()
		pos.BEActivatedAt = &t
		pos.State = domain.StateBreakevenArmed

		m.log.Info().
			Str("ticker", pos.Ticker).
			Float64("unrealized", unrealized).
			Float64("stop", pos.StopLoss).
			Msg("Quick-profit breakeven armed")
	}

	// Partial banks at the second trigger and seeds the dollar trail.
	if !pos.PartialTaken && unrealized >= m.cfg.PartialTriggerUsd {
		if err := m.takePartial(state, pos, current, now); err != nil {
			return err
		}
	}

	// Trail the remainder on new favorable extremes.
	if pos.TrailingActive && pos.Qty > 0 {
		peak := pos.HighestPrice
		if pos.Side == domain.SideShort {
			peak = pos.LowestPrice
		}
		candidate := peak - m.cfg.TrailDistanceUsd/pos.Qty*pos.Side.Sign()
		if betterStop(pos.Side, candidate, pos.TrailingStop) {
			pos.TrailingStop = candidate
		}
	}

	return m.store.Positions.Update(*pos)
}

func (m *QuickProfitManager) takePartial(state *PortfolioState, pos *domain.Position, current float64, now time.Time) error {
	closedQty := pos.Qty * m.cfg.PartialFraction
	if closedQty <= 0 {
		return fmt.Errorf("partial close of %s computed non-positive qty", pos.Ticker)
	}

	trade := buildQuickProfitTrade(pos, current, closedQty, domain.ExitPartialProfit, now)
	if err := m.store.Trades.Insert(trade); err != nil {
		return err
	}

	pos.Qty -= closedQty
	pos.NotionalAtEntry = pos.EntryPrice * pos.Qty
	pos.PartialTaken = true
	pos.RunnerActive = true
	pos.State = domain.StateRunnerActive

	pos.TrailingActive = true
	pos.TrailingStop = current - m.cfg.TrailDistanceUsd/pos.Qty*pos.Side.Sign()

	if err := m.store.Positions.Update(*pos); err != nil {
		return err
	}

	state.ApplyPartial(*pos, trade.RealizedPnL)

	m.log.Info().
		Str("ticker", pos.Ticker).
		Float64("realized", trade.RealizedPnL).
		Float64("trail", pos.TrailingStop).
		Msg("Quick-profit partial taken")
	return nil
}

func (m *QuickProfitManager) closeAll(state *PortfolioState, pos *domain.Position, price float64, reason domain.ExitReason, now time.Time) error {
	trade := buildQuickProfitTrade(pos, price, pos.Qty, reason, now)
	if err := m.store.Trades.Insert(trade); err != nil {
		return err
	}
	if err := m.store.Positions.Delete(pos.ID); err != nil {
		return err
	}

	m.log.Info().
		Str("ticker", pos.Ticker).
		Str("reason", string(reason)).
		Float64("realized_pnl", trade.RealizedPnL).
		Msg("Quick-profit position exited")

	state.ApplyExit(pos.ID, trade.RealizedPnL)
	return nil
}

func buildQuickProfitTrade(pos *domain.Position, price, qty float64, reason domain.ExitReason, now time.Time) domain.Trade {
	pnl := (price - pos.EntryPrice) * qty * pos.Side.Sign()

	realizedR := 0.0
	if rps := pos.RiskPerShare(); rps > 0 {
		realizedR = (price - pos.EntryPrice) * pos.Side.Sign() / rps
	}

	return domain.Trade{
		ID:            uuid.New().String(),
		PositionID:    pos.ID,
		SignalID:      pos.SignalID,
		EngineKey:     pos.EngineKey,
		EngineVersion: pos.EngineVersion,
		RunMode:       pos.RunMode,
		Ticker:        pos.Ticker,
		Side:          pos.Side,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     price,
		Qty:           qty,
		ExitReason:    reason,
		RealizedPnL:   pnl,
		RealizedR:     realizedR,
		OpenedAt:      pos.OpenedAt,
		ClosedAt:      now.UTC(),
	}
}

// barExtremes returns the low/high of the bar set, seeded by the current
// price so a bare-quote fallback still resolves touches.
func barExtremes(bars []domain.Bar, current float64) (float64, float64) {
	low, high := current, current
	for _, b := range bars {
		if b.Low < low {
			low = b.Low
		}
		if b.High > high {
			high = b.High
		}
	}
	return low, high
}

func stopTouched(side domain.Side, stop, low, high float64) bool {
	if stop <= 0 {
		return false
	}
	if side == domain.SideLong {
		return low <= stop
	}
	return high >= stop
}
