package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/config"
	"github.com/marild/portfolio-engine/internal/domain"
	"github.com/marild/portfolio-engine/internal/indicators"
	"github.com/marild/portfolio-engine/internal/store"
)

const (
	// preCloseMinutes is the window before the regular close in which the
	// time-exit and overnight-hygiene rules arm.
	preCloseMinutes = 15

	// recycleFraction is the share of the position closed by a capital
	// recycle.
	recycleFraction = 0.5

	// recycleStallScore, timeExitStallScore and overnightStallScore are
	// the continuation-score ceilings below which each rule treats the
	// move as stalled.
	recycleStallScore   = 0.25
	timeExitStallScore  = 0.3
	overnightStallScore = 0.4

	// timeExitFloorR is the minimum unrealized R the pre-close time exit
	// banks; below it the position is left to its stop.
	timeExitFloorR = 0.3

	timeExitMinAge  = 120 * time.Minute
	overnightMinAge = 360 * time.Minute

	// overnightFraction is the profit lock taken by overnight hygiene.
	overnightFraction = 0.5
)

// PositionManager advances the per-position state machine for one engine
// instance: trailing stops, TP1 partials, runner management, breakeven
// moves, capital recycling, time exits, overnight hygiene and EOD flatten.
type PositionManager struct {
	store    *store.Store
	market   domain.MarketData
	cfg      config.EngineConfig
	strategy domain.Strategy
	barGrace time.Duration
	clock    MarketClock
	log      zerolog.Logger
}

// NewPositionManager creates a position manager bound to one write
// partition and one strategy's knobs.
func NewPositionManager(st *store.Store, market domain.MarketData, cfg config.EngineConfig, strategy domain.Strategy, barGrace time.Duration, log zerolog.Logger) *PositionManager {
	return &PositionManager{
		store:    st,
		market:   market,
		cfg:      cfg,
		strategy: strategy,
		barGrace: barGrace,
		clock:    MarketClock{},
		log:      log.With().Str("component", "position_manager").Str("strategy", string(strategy)).Logger(),
	}
}

// ManageAll evaluates every open position of the state. A per-position
// error is logged and the next position proceeds; the position stays OPEN
// and is re-evaluated next tick. A run-mode violation aborts immediately.
func (m *PositionManager) ManageAll(ctx context.Context, state *PortfolioState, now time.Time) error {
	// Iterate over a copy of the ids; ApplyExit mutates state.Positions.
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
			m.log.Error().Err(err).
				Str("position_id", pos.ID).
				Str("ticker", pos.Ticker).
				Msg("Position management failed, will retry next tick")
		}
	}

	return nil
}

func positionByID(state *PortfolioState, id string) *domain.Position {
	for i := range state.Positions {
		if state.Positions[i].ID == id {
			return &state.Positions[i]
		}
	}
	return nil
}

// manage runs one position through the state machine.
func (m *PositionManager) manage(ctx context.Context, state *PortfolioState, pos *domain.Position, now time.Time) error {
	pb, err := m.market.FetchPositionBars(ctx, pos.Ticker)
	if err != nil {
		// Transient; never close on missing data.
		m.log.Warn().Err(err).Str("ticker", pos.Ticker).Msg("Bar fetch failed, skipping position this tick")
		return nil
	}

	bars := filterBars(pb.Bars, pos.OpenedAt.Add(-m.barGrace))
	current := pb.CurrentPrice
	if current <= 0 && len(bars) > 0 {
		current = bars[len(bars)-1].Close
	}
	if current <= 0 {
		m.log.Warn().Str("ticker", pos.Ticker).Msg("No usable price, skipping position this tick")
		return nil
	}

	m.updateExtremes(pos, bars, current)

	contScore := indicators.ContinuationScore(bars, pos.Side)

	// Full and partial exits from intrabar price action, SL before TP.
	exit, err := m.scanExits(state, pos, bars, current, now)
	if err != nil {
		return err
	}
	if exit != nil {
		return m.closeAll(state, pos, exit.price, exit.reason, now)
	}

	// Momentum-sensitive management, in priority order.
	if m.shouldRecycle(pos, current, contScore, now) {
		if err := m.recycle(state, pos, current, now); err != nil {
			return err
		}
	}

	if reason, ok := m.timeExit(pos, current, contScore, now); ok {
		return m.closeAll(state, pos, current, reason, now)
	}

	if m.overnightEligible(pos, current, contScore, now) {
		if err := m.overnightHygiene(state, pos, bars, current, now); err != nil {
			return err
		}
	}

	if m.strategy == domain.StrategyDayTrader &&
		m.clock.IsPastEODFlatten(now, m.cfg.EODFlattenHourUTC, m.cfg.EODFlattenMinuteUTC) {
		return m.closeAll(state, pos, current, domain.ExitEODFlatten, now)
	}

	m.advanceTrailing(pos, now)

	if err := m.store.Positions.Update(*pos); err != nil {
		return err
	}
	return nil
}

// filterBars drops bars older than the cutoff so the opening bar cannot
// leak pre-entry price action into the exit scan, and returns the rest
// sorted ascending (the fetcher already sorts; this keeps the contract
// local).
func filterBars(bars []domain.Bar, cutoff time.Time) []domain.Bar {
	out := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (m *PositionManager) updateExtremes(pos *domain.Position, bars []domain.Bar, current float64) {
	if pos.HighestPrice == 0 {
		pos.HighestPrice = pos.EntryPrice
	}
	if pos.LowestPrice == 0 {
		pos.LowestPrice = pos.EntryPrice
	}

	for _, b := range bars {
		if b.High > pos.HighestPrice {
			pos.HighestPrice = b.High
		}
		if b.Low < pos.LowestPrice {
			pos.LowestPrice = b.Low
		}
	}
	if current > pos.HighestPrice {
		pos.HighestPrice = current
	}
	if current < pos.LowestPrice {
		pos.LowestPrice = current
	}

	if pnl := pos.UnrealizedPnL(current); pnl > pos.TrailPeakPnL {
		pos.TrailPeakPnL = pnl
	}
}

// exitSignal is a full exit produced by the intrabar scan.
type exitSignal struct {
	reason domain.ExitReason
	price  float64
}

// scanExits walks bars ascending and resolves stop and target touches.
// Within one bar the stop always wins over the target (conservative
// worst-case fill). TP1 partials are taken inline and the scan continues
// on the remainder.
func (m *PositionManager) scanExits(state *PortfolioState, pos *domain.Position, bars []domain.Bar, current float64, now time.Time) (*exitSignal, error) {
	for _, b := range bars {
		if exit := m.checkStop(pos, b.Low, b.High); exit != nil {
			return exit, nil
		}

		hit, err := m.checkTarget(state, pos, b.Low, b.High, now)
		if err != nil {
			return nil, err
		}
		if hit != nil {
			return hit, nil
		}
	}

	// Quote fallback: no bar triggered (or there were no bars at all).
	if exit := m.checkStop(pos, current, current); exit != nil {
		return exit, nil
	}
	return m.checkTarget(state, pos, current, current, now)
}

// checkStop resolves a stop touch against a price range. The binding stop
// is the tighter of the hard stop and the trailing stop.
func (m *PositionManager) checkStop(pos *domain.Position, low, high float64) *exitSignal {
	stop := pos.StopLoss
	trailing := false
	if pos.TrailingActive {
		if pos.Side == domain.SideLong && pos.TrailingStop > stop {
			stop = pos.TrailingStop
			trailing = true
		}
		if pos.Side == domain.SideShort && pos.TrailingStop < stop {
			stop = pos.TrailingStop
			trailing = true
		}
	}
	if stop <= 0 {
		return nil
	}

	touched := (pos.Side == domain.SideLong && low <= stop) ||
		(pos.Side == domain.SideShort && high >= stop)
	if !touched {
		return nil
	}

	reason := domain.ExitSLHit
	if trailing {
		reason = domain.ExitTrailingSLHit
		if pos.RunnerActive {
			reason = domain.ExitRunnerTrail
		}
	}
	return &exitSignal{reason: reason, price: stop}
}

// checkTarget resolves target touches. With the runner enabled, the first
// TP1 touch closes a tranche and re-arms the position toward TP2; without
// it, TP1 is a full exit.
func (m *PositionManager) checkTarget(state *PortfolioState, pos *domain.Position, low, high float64, now time.Time) (*exitSignal, error) {
	touches := func(level float64) bool {
		if level <= 0 {
			return false
		}
		if pos.Side == domain.SideLong {
			return high >= level
		}
		return low <= level
	}

	if !m.cfg.RunnerEnabled {
		if touches(pos.TakeProfit1) {
			return &exitSignal{reason: domain.ExitTPHit, price: pos.TakeProfit1}, nil
		}
		return nil, nil
	}

	if !pos.TP1Hit && touches(pos.TakeProfit1) {
		if err := m.takeTP1Partial(state, pos, now); err != nil {
			return nil, err
		}
	}

	if pos.RunnerActive && pos.TakeProfit2 != nil && touches(*pos.TakeProfit2) {
		return &exitSignal{reason: domain.ExitTP2Hit, price: *pos.TakeProfit2}, nil
	}
	return nil, nil
}

// takeTP1Partial closes the configured tranche at TP1, moves the stop to
// breakeven and hands the remainder to the runner.
func (m *PositionManager) takeTP1Partial(state *PortfolioState, pos *domain.Position, now time.Time) error {
	realized, err := m.closePartial(state, pos, pos.TakeProfit1, m.cfg.TP1ClosePct, domain.ExitTP1Partial, now)
	if err != nil {
		return err
	}

	pos.TP1Hit = true
	pos.RunnerActive = true
	pos.State = domain.StateRunnerActive
	pos.StopLoss = pos.EntryPrice
	t := now.UTC()
	pos.BEActivatedAt = &t

	// Persist immediately so a crash cannot double-take the tranche.
	if err := m.store.Positions.Update(*pos); err != nil {
		return err
	}

	m.tradeLog(pos, "TP1_PARTIAL",
		fmt.Sprintf("closed %.0f%% at %.2f, realized %.2f, stop to breakeven", m.cfg.TP1ClosePct*100, pos.TakeProfit1, realized))
	return nil
}

// shouldRecycle gates the voluntary capital recycle: stalled momentum
// while in modest profit with the stop already safe.
func (m *PositionManager) shouldRecycle(pos *domain.Position, current, contScore float64, now time.Time) bool {
	mode := strings.ToUpper(m.cfg.RecyclingMode)
	if mode != "ON" && mode != "STRICT" {
		return false
	}
	if pos.RunnerActive || pos.HasRecycledCapital {
		return false
	}

	// The stop must already be at or beyond entry; recycling never gives
	// back a position that could still lose money.
	if pos.Side == domain.SideLong && pos.StopLoss < pos.EntryPrice {
		return false
	}
	if pos.Side == domain.SideShort && pos.StopLoss > pos.EntryPrice {
		return false
	}

	minR, minAge := 0.5, 90*time.Minute
	if mode == "STRICT" {
		minR, minAge = 0.3, 60*time.Minute
	}

	if pos.UnrealizedR(current) < minR {
		return false
	}
	if now.Sub(pos.OpenedAt) < minAge {
		return false
	}
	if contScore >= recycleStallScore {
		return false
	}

	// Leave the position alone when it is close to its target anyway.
	if progressToTarget(pos, current) >= 0.8 {
		return false
	}
	return true
}

func (m *PositionManager) recycle(state *PortfolioState, pos *domain.Position, current float64, now time.Time) error {
	realized, err := m.closePartial(state, pos, current, recycleFraction, domain.ExitCapitalRecycle, now)
	if err != nil {
		return err
	}
	pos.HasRecycledCapital = true

	if err := m.store.Positions.Update(*pos); err != nil {
		return err
	}

	m.tradeLog(pos, "CAPITAL_RECYCLE",
		fmt.Sprintf("recycled %.0f%% at %.2f, realized %.2f", recycleFraction*100, current, realized))
	return nil
}

// timeExit banks a sideways swing trade in the final minutes of the
// session rather than carrying dead risk overnight.
func (m *PositionManager) timeExit(pos *domain.Position, current, contScore float64, now time.Time) (domain.ExitReason, bool) {
	if m.strategy != domain.StrategySwing {
		return "", false
	}
	if !m.clock.IsPreCloseWindow(now, preCloseMinutes) {
		return "", false
	}
	if pos.UnrealizedR(current) < timeExitFloorR {
		return "", false
	}
	if now.Sub(pos.OpenedAt) < timeExitMinAge {
		return "", false
	}
	if contScore >= timeExitStallScore {
		return "", false
	}

	if isV2Engine(pos.EngineVersion) {
		return domain.ExitTimePreCloseV2, true
	}
	return domain.ExitTimePreCloseSideways, true
}

// overnightEligible gates the shadow-v2 overnight hygiene: lock half the
// profit and trail the rest when a mature position has earned most of its
// target into the close. Applied symmetrically to SHORT.
func (m *PositionManager) overnightEligible(pos *domain.Position, current, contScore float64, now time.Time) bool {
	if pos.RunMode != domain.RunModeShadow || !isV2Engine(pos.EngineVersion) {
		return false
	}
	if pos.PartialTaken {
		return false
	}
	if !m.clock.IsPreCloseWindow(now, preCloseMinutes) {
		return false
	}
	if progressToTarget(pos, current) < 0.5 {
		return false
	}
	if now.Sub(pos.OpenedAt) < overnightMinAge {
		return false
	}
	return contScore < overnightStallScore
}

// overnightHygiene is additive: a partial close, a breakeven stop and an
// ATR trail on the remainder. Never a full exit.
func (m *PositionManager) overnightHygiene(state *PortfolioState, pos *domain.Position, bars []domain.Bar, current float64, now time.Time) error {
	realized, err := m.closePartial(state, pos, current, overnightFraction, domain.ExitOvernightPartialClose, now)
	if err != nil {
		return err
	}

	pos.StopLoss = pos.EntryPrice
	t := now.UTC()
	pos.BEActivatedAt = &t
	pos.RunnerActive = true
	pos.State = domain.StateRunnerActive

	trailDist := indicators.ATR(bars, indicators.ATRPeriod)
	if trailDist <= 0 {
		trailDist = m.cfg.TrailDistanceR * pos.RiskPerShare()
	}

	wasTrailing := pos.TrailingActive
	pos.TrailingActive = true
	stop := current - trailDist*pos.Side.Sign()
	if !wasTrailing || betterStop(pos.Side, stop, pos.TrailingStop) {
		pos.TrailingStop = stop
	}

	if err := m.store.Positions.Update(*pos); err != nil {
		return err
	}

	m.tradeLog(pos, "OVERNIGHT_HYGIENE",
		fmt.Sprintf("locked %.2f, stop to breakeven, ATR trail at %.2f", realized, pos.TrailingStop))
	return nil
}

// advanceTrailing activates the trailing stop once the favorable extreme
// reaches the activation threshold and then only ever tightens it.
func (m *PositionManager) advanceTrailing(pos *domain.Position, now time.Time) {
	rps := pos.RiskPerShare()
	if rps <= 0 || m.cfg.TrailDistanceR <= 0 {
		return
	}

	peak := pos.HighestPrice
	if pos.Side == domain.SideShort {
		peak = pos.LowestPrice
	}
	if peak == 0 {
		return
	}

	if !pos.TrailingActive {
		peakR := (peak - pos.EntryPrice) * pos.Side.Sign() / rps
		if peakR < m.cfg.TrailingActivationR {
			return
		}
		pos.TrailingActive = true
		if pos.State == domain.StateRunning {
			pos.State = domain.StateBreakevenArmed
		}
	}

	candidate := peak - m.cfg.TrailDistanceR*rps*pos.Side.Sign()
	if pos.TrailingStop == 0 || betterStop(pos.Side, candidate, pos.TrailingStop) {
		pos.TrailingStop = candidate
		m.tradeLog(pos, "TRAIL_MOVE", fmt.Sprintf("trailing stop to %.2f", candidate))
	}
}

// betterStop reports whether candidate is tighter than current for the
// side: higher for LONG, lower for SHORT.
func betterStop(side domain.Side, candidate, current float64) bool {
	if side == domain.SideLong {
		return candidate > current
	}
	return candidate < current
}

// progressToTarget returns the fraction of the entry-to-TP1 distance the
// price has covered, clamped at 0.
func progressToTarget(pos *domain.Position, current float64) float64 {
	dist := (pos.TakeProfit1 - pos.EntryPrice) * pos.Side.Sign()
	if dist <= 0 {
		return 0
	}
	progress := (current - pos.EntryPrice) * pos.Side.Sign() / dist
	if progress < 0 {
		return 0
	}
	return progress
}

func isV2Engine(version string) bool {
	return strings.Contains(strings.ToLower(version), "v2")
}

// closePartial writes a partial trade and shrinks the position pro-rata.
// riskDollars stays fixed at its open value; partial-exit R is computed
// per share against the initial stop.
func (m *PositionManager) closePartial(state *PortfolioState, pos *domain.Position, price, fraction float64, reason domain.ExitReason, now time.Time) (float64, error) {
	closedQty := pos.Qty * fraction
	if closedQty <= 0 {
		return 0, fmt.Errorf("partial close of %s computed non-positive qty", pos.Ticker)
	}

	trade := m.buildTrade(pos, price, closedQty, reason, now)
	if err := m.store.Trades.Insert(trade); err != nil {
		return 0, err
	}

	pos.Qty -= closedQty
	pos.NotionalAtEntry = pos.EntryPrice * pos.Qty
	pos.PartialTaken = true
	state.ApplyPartial(*pos, trade.RealizedPnL)

	return trade.RealizedPnL, nil
}

// closeAll writes the final trade and deletes the position row. The
// delete checks status so re-running after a crash is safe.
func (m *PositionManager) closeAll(state *PortfolioState, pos *domain.Position, price float64, reason domain.ExitReason, now time.Time) error {
	trade := m.buildTrade(pos, price, pos.Qty, reason, now)
	if err := m.store.Trades.Insert(trade); err != nil {
		return err
	}

	if err := m.store.Positions.Delete(pos.ID); err != nil {
		return err
	}

	m.log.Info().
		Str("ticker", pos.Ticker).
		Str("reason", string(reason)).
		Float64("exit_price", price).
		Float64("realized_pnl", trade.RealizedPnL).
		Float64("realized_r", trade.RealizedR).
		Msg("Position exited")

	state.ApplyExit(pos.ID, trade.RealizedPnL)
	return nil
}

func (m *PositionManager) buildTrade(pos *domain.Position, price, qty float64, reason domain.ExitReason, now time.Time) domain.Trade {
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

// tradeLog records a management action on the PRIMARY lane. Shadow lanes
// carry no trade log; the call is a no-op there.
func (m *PositionManager) tradeLog(pos *domain.Position, action, detail string) {
	if m.store.TradeLogs == nil {
		return
	}
	err := m.store.TradeLogs.Append(domain.TradeLogEntry{
		PositionID: pos.ID,
		Ticker:     pos.Ticker,
		Action:     action,
		Detail:     detail,
	})
	if err != nil {
		m.log.Warn().Err(err).Str("ticker", pos.Ticker).Msg("Trade log append failed")
	}
}
