package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/domain"
	"github.com/marild/portfolio-engine/internal/store"
)

// driftTolerance is the dollar tolerance between the persisted snapshot
// and the equity recomputed from the ledger before the loader alarms.
const driftTolerance = 1.0

// PortfolioState is the in-memory view of one engine instance's
// portfolio for the duration of a tick. It is rebuilt from first
// principles (trades + positions) every tick; the persisted snapshot is
// continuity and audit, never truth.
type PortfolioState struct {
	Key            domain.InstanceKey
	StartingEquity float64
	Equity         float64
	Cash           float64
	Allocated      float64
	RealizedPnL    float64
	UnrealizedPnL  float64

	Positions []domain.Position
	Quotes    map[string]domain.Quote
}

// OpenCount returns the number of open positions.
func (s *PortfolioState) OpenCount() int {
	return len(s.Positions)
}

// HasOpen reports whether the instance already holds an open position on
// the ticker.
func (s *PortfolioState) HasOpen(ticker string) bool {
	for _, p := range s.Positions {
		if p.Ticker == ticker {
			return true
		}
	}
	return false
}

// ApplyExit removes a fully closed position from the state and folds its
// realized P&L into the running totals.
func (s *PortfolioState) ApplyExit(positionID string, realizedPnL float64) {
	for i, p := range s.Positions {
		if p.ID == positionID {
			s.Positions = append(s.Positions[:i], s.Positions[i+1:]...)
			break
		}
	}
	s.RealizedPnL += realizedPnL
	s.recompute()
}

// ApplyPartial folds a partial close into the totals and replaces the
// stored position with its reduced remainder.
func (s *PortfolioState) ApplyPartial(pos domain.Position, realizedPnL float64) {
	for i, p := range s.Positions {
		if p.ID == pos.ID {
			s.Positions[i] = pos
			break
		}
	}
	s.RealizedPnL += realizedPnL
	s.recompute()
}

// ApplyOpen adds a freshly opened position. Callers invoke this only
// after the insert succeeded.
func (s *PortfolioState) ApplyOpen(pos domain.Position) {
	s.Positions = append(s.Positions, pos)
	s.recompute()
}

// recompute rebuilds the derived fields from positions and totals.
func (s *PortfolioState) recompute() {
	allocated := 0.0
	unrealized := 0.0
	for _, p := range s.Positions {
		allocated += p.EntryPrice * p.Qty
		if q, ok := s.Quotes[p.Ticker]; ok && q.Price > 0 {
			unrealized += p.UnrealizedPnL(q.Price)
		}
	}

	s.Allocated = allocated
	s.UnrealizedPnL = unrealized
	s.Equity = s.StartingEquity + s.RealizedPnL + s.UnrealizedPnL
	s.Cash = s.Equity - s.Allocated - s.UnrealizedPnL
}

// Snapshot renders the state as a persistable snapshot row.
func (s *PortfolioState) Snapshot() domain.PortfolioSnapshot {
	return domain.PortfolioSnapshot{
		EngineKey:         s.Key.EngineKey,
		EngineVersion:     s.Key.EngineVersion,
		RunMode:           s.Key.RunMode,
		StartingEquity:    s.StartingEquity,
		Equity:            s.Equity,
		Cash:              s.Cash,
		AllocatedNotional: s.Allocated,
		RealizedPnL:       s.RealizedPnL,
		UnrealizedPnL:     s.UnrealizedPnL,
		OpenPositions:     len(s.Positions),
		UpdatedAt:         time.Now().UTC(),
	}
}

// PortfolioLoader rebuilds the portfolio state of one instance at the
// start of its slice of the tick.
type PortfolioLoader struct {
	store  *store.Store
	market domain.MarketData
	log    zerolog.Logger
}

// NewPortfolioLoader creates a portfolio loader over one write partition.
func NewPortfolioLoader(st *store.Store, market domain.MarketData, log zerolog.Logger) *PortfolioLoader {
	return &PortfolioLoader{
		store:  st,
		market: market,
		log:    log.With().Str("component", "loader").Logger(),
	}
}

// Load rebuilds equity, cash and allocation from the trade ledger and
// open positions. initialEquity seeds a brand-new instance that has no
// snapshot yet.
func (l *PortfolioLoader) Load(ctx context.Context, key domain.InstanceKey, initialEquity float64) (*PortfolioState, error) {
	// Rows left behind by a crash between trade insert and position
	// delete are removed before anything reads them.
	if _, err := l.store.Positions.PruneDead(key); err != nil {
		return nil, fmt.Errorf("failed to prune positions: %w", err)
	}

	positions, err := l.store.Positions.GetOpen(key)
	if err != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", err)
	}

	trades, err := l.store.Trades.GetAllForInstance(key)
	if err != nil {
		return nil, fmt.Errorf("failed to load trade history: %w", err)
	}

	realized := 0.0
	for _, t := range trades {
		realized += t.RealizedPnL
	}

	snapshot, err := l.store.Portfolios.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio snapshot: %w", err)
	}

	starting := initialEquity
	if snapshot != nil && snapshot.StartingEquity > 0 {
		starting = snapshot.StartingEquity
	}

	state := &PortfolioState{
		Key:            key,
		StartingEquity: starting,
		RealizedPnL:    realized,
		Positions:      positions,
		Quotes:         map[string]domain.Quote{},
	}

	if len(positions) > 0 {
		symbols := make([]string, 0, len(positions))
		for _, p := range positions {
			symbols = append(symbols, p.Ticker)
		}

		quotes, err := l.market.FetchBulkQuotes(ctx, symbols)
		if err != nil {
			// Transient data failure degrades to entry-price marks for
			// this tick; positions are never closed on missing data.
			l.log.Warn().Err(err).Msg("Quote fetch failed, marking positions at entry")
		} else {
			state.Quotes = quotes
		}
	}

	state.recompute()

	if snapshot != nil && math.Abs(snapshot.Equity-state.Equity) > driftTolerance {
		l.log.Warn().
			Str("engine_key", key.EngineKey).
			Str("run_mode", string(key.RunMode)).
			Float64("snapshot_equity", snapshot.Equity).
			Float64("computed_equity", state.Equity).
			Msg("Portfolio snapshot drifted from ledger, trusting ledger")
	}

	l.log.Debug().
		Str("engine_key", key.EngineKey).
		Float64("equity", state.Equity).
		Float64("cash", state.Cash).
		Int("open_positions", len(positions)).
		Msg("Portfolio loaded")

	return state, nil
}
