package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/config"
	"github.com/marild/portfolio-engine/internal/domain"
	"github.com/marild/portfolio-engine/internal/indicators"
	"github.com/marild/portfolio-engine/internal/store"
)

const (
	// minRewardRisk is the floor on |TP-entry| / |entry-SL|.
	minRewardRisk = 0.5

	// Absolute distance backstops, applied before the ATR fetch.
	maxStopDistancePct   = 0.12
	maxTargetDistancePct = 0.25

	// ATR-relative distance guard.
	maxStopATRMultiple   = 3.0
	maxTargetATRMultiple = 6.0

	// staleDeviationPct is the quote-vs-signal-entry deviation beyond
	// which the entry must have been touched recently to still admit.
	staleDeviationPct = 0.015

	// touchCheckBars is how many recent one-minute bars the stale-entry
	// touch check inspects.
	touchCheckBars = 5

	// confidenceFloor drops low-conviction signals unless the ticker is
	// allowlisted with a bypass.
	confidenceFloor = 0.6
)

// AdmissionService evaluates fresh signals for one engine instance and
// opens sized positions. Every evaluation appends a decision row with the
// specific OPEN or SKIP reason; given identical inputs it emits the
// identical decision sequence.
type AdmissionService struct {
	store     *store.Store
	market    domain.MarketData
	signals   domain.SignalSource
	universe  *store.UniverseRepository
	ownership *store.OwnershipRepository
	cfg       config.EngineConfig
	strategy  domain.Strategy
	lookback  time.Duration
	clock     MarketClock
	log       zerolog.Logger
}

// NewAdmissionService creates an admission service bound to one write
// partition and one strategy's knobs.
func NewAdmissionService(st *store.Store, market domain.MarketData, signals domain.SignalSource,
	universe *store.UniverseRepository, ownership *store.OwnershipRepository,
	cfg config.EngineConfig, strategy domain.Strategy, lookback time.Duration, log zerolog.Logger) *AdmissionService {
	return &AdmissionService{
		store:     st,
		market:    market,
		signals:   signals,
		universe:  universe,
		ownership: ownership,
		cfg:       cfg,
		strategy:  strategy,
		lookback:  lookback,
		clock:     MarketClock{},
		log:       log.With().Str("component", "admission").Str("strategy", string(strategy)).Logger(),
	}
}

// Process runs the admission pipeline for one instance. guard is nil for
// instances without a bucket guard; gateCtx is nil when no context policy
// has published a decision.
func (a *AdmissionService) Process(ctx context.Context, inst domain.EngineInstance, state *PortfolioState, guard *BucketGuard, gateCtx *domain.ContextDecision, now time.Time) error {
	bypass, err := a.bypassMap()
	if err != nil {
		return err
	}

	signals, err := a.signals.RecentSignals(string(inst.Strategy), now.Add(-a.lookback), confidenceFloor, bypass)
	if err != nil {
		return fmt.Errorf("failed to load signals: %w", err)
	}
	if len(signals) == 0 {
		return nil
	}

	gate := a.tradeGate(gateCtx, now)
	if gate == "CLOSE" {
		for _, sig := range signals {
			a.appendDecision(inst, state, sig, domain.SkipTradeGateClosed, "", domain.LaneOutside, gate)
		}
		a.log.Debug().Int("signals", len(signals)).Msg("Trade gate closed, admission skipped")
		return nil
	}

	quotes := a.fetchQuotes(ctx, signals)

	for _, sig := range signals {
		if err := a.evaluate(ctx, inst, state, guard, gateCtx, sig, quotes, gate, now); err != nil {
			if errors.Is(err, store.ErrRunModeViolation) {
				return err
			}
			a.log.Error().Err(err).Str("signal_id", sig.ID).Str("ticker", sig.Symbol).Msg("Signal evaluation failed")
		}
	}

	return nil
}

func (a *AdmissionService) bypassMap() (map[string]bool, error) {
	entries, err := a.universe.Allowlist()
	if err != nil {
		return nil, fmt.Errorf("failed to load allowlist: %w", err)
	}

	bypass := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.BypassConfidenceFloor {
			bypass[e.Symbol] = true
		}
	}
	return bypass, nil
}

// tradeGate resolves the instance-wide gate: the session clock for equity
// strategies, plus an optional context-policy override for shadow lanes.
func (a *AdmissionService) tradeGate(gateCtx *domain.ContextDecision, now time.Time) string {
	if a.strategy != domain.StrategyCrypto && !a.clock.IsEntryWindow(now) {
		return "CLOSE"
	}
	if gateCtx != nil && gateCtx.TradeGate == "CLOSE" {
		return "CLOSE"
	}
	return "OPEN"
}

func (a *AdmissionService) fetchQuotes(ctx context.Context, signals []domain.Signal) map[string]domain.Quote {
	seen := map[string]bool{}
	symbols := make([]string, 0, len(signals))
	for _, s := range signals {
		if !seen[s.Symbol] {
			seen[s.Symbol] = true
			symbols = append(symbols, s.Symbol)
		}
	}

	quotes, err := a.market.FetchBulkQuotes(ctx, symbols)
	if err != nil {
		a.log.Warn().Err(err).Msg("Quote fetch for admission failed")
		return map[string]domain.Quote{}
	}
	return quotes
}

// evaluate runs the ordered gates for one signal, appending exactly one
// decision row unless quote data is unavailable (transient, retried next
// tick while the signal is still fresh).
func (a *AdmissionService) evaluate(ctx context.Context, inst domain.EngineInstance, state *PortfolioState, guard *BucketGuard, gateCtx *domain.ContextDecision, sig domain.Signal, quotes map[string]domain.Quote, gate string, now time.Time) error {
	skip := func(reason, context string, lane domain.Lane) error {
		return a.appendDecision(inst, state, sig, reason, context, lane, gate)
	}

	if sig.Decision != "buy" && sig.Decision != "sell" {
		return skip(domain.SkipNeutralSignal, sig.Decision, domain.LaneOutside)
	}
	side := domain.SideLong
	if sig.Decision == "sell" {
		side = domain.SideShort
	}

	owner, err := a.ownership.Get(sig.Symbol)
	if err != nil {
		return err
	}
	if owner != nil && (owner.ActiveEngineKey != inst.EngineKey || owner.ActiveEngineVersion != sig.EngineVersion) {
		return skip(domain.SkipWrongEngineOwner,
			fmt.Sprintf("owner=%s/%s", owner.ActiveEngineKey, owner.ActiveEngineVersion), domain.LaneOutside)
	}

	lane := domain.LaneOutside
	if guard != nil {
		var reason string
		lane, reason = guard.Reserve(sig.Symbol)
		if reason != "" {
			return skip(reason, "", lane)
		}
		// Any later rejection must hand the slot back.
		defer func() {
			if !state.HasOpen(sig.Symbol) {
				guard.Release(lane)
			}
		}()
	}

	if state.HasOpen(sig.Symbol) {
		return skip(domain.SkipExistingPosition, "", lane)
	}

	maxConcurrent := a.cfg.MaxConcurrent
	if gateCtx != nil && gateCtx.MaxPositions != nil && *gateCtx.MaxPositions < maxConcurrent {
		maxConcurrent = *gateCtx.MaxPositions
	}
	if state.OpenCount() >= maxConcurrent {
		return skip(domain.SkipMaxPositions, fmt.Sprintf("open=%d max=%d", state.OpenCount(), maxConcurrent), lane)
	}

	stopDist := math.Abs(sig.EntryPrice - sig.StopLoss)
	targetDist := math.Abs(sig.TakeProfit1 - sig.EntryPrice)
	if stopDist <= 0 {
		return skip(domain.SkipInvalidSL, "stop equals entry", lane)
	}

	rr := targetDist / stopDist
	if rr < minRewardRisk {
		return skip(domain.SkipRRTooLow, fmt.Sprintf("rr=%.2f", rr), lane)
	}

	// Absolute backstop first; the ATR fetch is skipped for obviously
	// broken levels.
	if stopDist/sig.EntryPrice > maxStopDistancePct || targetDist/sig.EntryPrice > maxTargetDistancePct {
		return skip(domain.SkipDistanceUnrealistic,
			fmt.Sprintf("sl_pct=%.3f tp_pct=%.3f", stopDist/sig.EntryPrice, targetDist/sig.EntryPrice), lane)
	}

	if reason, context := a.atrGuard(ctx, sig, stopDist, targetDist); reason != "" {
		return skip(reason, context, lane)
	}

	quote, ok := quotes[sig.Symbol]
	if !ok || quote.Price <= 0 {
		// Transient: no decision row, the signal is retried next tick.
		a.log.Warn().Str("ticker", sig.Symbol).Msg("No quote for signal, deferring")
		return nil
	}
	current := quote.Price

	touched := false
	deviation := math.Abs(current-sig.EntryPrice) / sig.EntryPrice
	if deviation > staleDeviationPct {
		touched = a.entryTouchedRecently(ctx, sig)
		if !touched {
			return skip(domain.SkipStaleEntry, fmt.Sprintf("deviation=%.4f", deviation), lane)
		}
	}

	if side == domain.SideLong {
		if sig.StopLoss >= sig.EntryPrice {
			return skip(domain.SkipInvalidSL, "long stop above entry", lane)
		}
		if sig.TakeProfit1 <= sig.EntryPrice {
			return skip(domain.SkipInvalidTP, "long target below entry", lane)
		}
	} else {
		if sig.StopLoss <= sig.EntryPrice {
			return skip(domain.SkipInvalidSL, "short stop below entry", lane)
		}
		if sig.TakeProfit1 >= sig.EntryPrice {
			return skip(domain.SkipInvalidTP, "short target above entry", lane)
		}
	}

	riskPct := a.cfg.RiskPct
	if gateCtx != nil && inst.RunMode == domain.RunModeShadow && gateCtx.RiskScale > 0 {
		riskPct *= gateCtx.RiskScale
	}

	shares, reason := a.size(state, stopDist, current, riskPct)
	if reason != "" {
		return skip(domain.SkipCapacity, reason, lane)
	}

	pos := a.buildPosition(inst, sig, side, current, shares, now)
	if err := a.store.Positions.Insert(pos); err != nil {
		// Counters stay untouched when the insert fails.
		return err
	}
	state.ApplyOpen(pos)

	context := ""
	if touched {
		context = "touched_entry_recently=true"
	}
	return a.appendDecision(inst, state, sig, domain.DecisionOpen, context, lane, gate)
}

// atrGuard rejects levels implausibly far from recent volatility. A bar
// fetch failure degrades to the absolute backstop alone.
func (a *AdmissionService) atrGuard(ctx context.Context, sig domain.Signal, stopDist, targetDist float64) (string, string) {
	bars, err := a.market.FetchIntradayOHLC(ctx, sig.Symbol, domain.Interval5m, 5)
	if err != nil {
		a.log.Warn().Err(err).Str("ticker", sig.Symbol).Msg("ATR bar fetch failed, guard degraded")
		return "", ""
	}

	atr := indicators.ATR(bars, indicators.ATRPeriod)
	if atr <= 0 {
		return "", ""
	}

	if stopDist/atr > maxStopATRMultiple || targetDist/atr > maxTargetATRMultiple {
		return domain.SkipDistanceUnrealistic,
			fmt.Sprintf("atr=%.2f sl_mult=%.2f tp_mult=%.2f", atr, stopDist/atr, targetDist/atr)
	}
	return "", ""
}

// entryTouchedRecently checks whether the signal's entry price was inside
// the range of any of the last few one-minute bars.
func (a *AdmissionService) entryTouchedRecently(ctx context.Context, sig domain.Signal) bool {
	bars, err := a.market.FetchIntradayOHLC(ctx, sig.Symbol, domain.Interval1m, 1)
	if err != nil {
		a.log.Warn().Err(err).Str("ticker", sig.Symbol).Msg("Touch-check bar fetch failed")
		return false
	}

	start := len(bars) - touchCheckBars
	if start < 0 {
		start = 0
	}
	for _, b := range bars[start:] {
		if sig.EntryPrice >= b.Low && sig.EntryPrice <= b.High {
			return true
		}
	}
	return false
}

// size computes the share count under the risk budget and the notional
// caps. It returns a skip context when the position cannot meet the
// floors.
func (a *AdmissionService) size(state *PortfolioState, riskPerShare, price, riskPct float64) (float64, string) {
	riskPerTrade := state.Equity * riskPct
	shares := math.Floor(riskPerTrade / riskPerShare)

	maxNotional := state.Equity * a.cfg.MaxNotionalPct
	if shares*price > maxNotional {
		shares = math.Floor(maxNotional / price)
	}

	remaining := state.Equity*a.cfg.MaxPortfolioAllocPct - state.Allocated
	if shares*price > remaining {
		shares = math.Floor(remaining / price)
	}

	notional := shares * price
	if shares < 1 {
		return 0, "sized to zero shares"
	}
	if notional < a.cfg.MinNotional {
		return 0, fmt.Sprintf("notional %.2f below floor %.2f", notional, a.cfg.MinNotional)
	}
	return shares, ""
}

func (a *AdmissionService) buildPosition(inst domain.EngineInstance, sig domain.Signal, side domain.Side, entry, shares float64, now time.Time) domain.Position {
	rps := math.Abs(entry - sig.StopLoss)

	var tp2 *float64
	if a.cfg.RunnerEnabled && a.cfg.TP2RMultiple > 0 {
		v := entry + a.cfg.TP2RMultiple*rps*side.Sign()
		tp2 = &v
	}

	return domain.Position{
		ID:              uuid.New().String(),
		EngineKey:       inst.EngineKey,
		EngineVersion:   inst.EngineVersion,
		RunMode:         inst.RunMode,
		Ticker:          sig.Symbol,
		Side:            side,
		EntryPrice:      entry,
		Qty:             shares,
		InitialQty:      shares,
		NotionalAtEntry: entry * shares,
		StopLoss:        sig.StopLoss,
		InitialStopLoss: sig.StopLoss,
		TakeProfit1:     sig.TakeProfit1,
		TakeProfit2:     tp2,
		RiskDollars:     rps * shares,
		OpenedAt:        now.UTC(),
		Status:          "OPEN",
		HighestPrice:    entry,
		LowestPrice:     entry,
		State:           domain.StateRunning,
		SignalID:        sig.ID,
	}
}

func (a *AdmissionService) appendDecision(inst domain.EngineInstance, state *PortfolioState, sig domain.Signal, decision, context string, lane domain.Lane, gate string) error {
	outcome := domain.DecisionOpen
	reason := ""
	if decision != domain.DecisionOpen {
		outcome = decision
		reason = decision
	}

	return a.store.Decisions.Append(domain.DecisionRecord{
		SignalID:      sig.ID,
		EngineKey:     inst.EngineKey,
		EngineVersion: inst.EngineVersion,
		RunMode:       inst.RunMode,
		Ticker:        sig.Symbol,
		Decision:      outcome,
		ReasonCode:    reason,
		ReasonContext: context,
		Equity:        state.Equity,
		Cash:          state.Cash,
		Allocated:     state.Allocated,
		OpenCount:     state.OpenCount(),
		TradeGate:     gate,
		Lane:          string(lane),
	})
}
