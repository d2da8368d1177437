// Package store provides the persistence layer of the engine: repositories
// over the state/ledger/cache databases and the run-mode write-partition
// guard that keeps PRIMARY and SHADOW lanes isolated.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/domain"
)

// ErrRunModeViolation is returned when a write targets a table that does
// not belong to the writer's run mode. This is a programmer error: the
// scheduler must abort the tick loudly, never reroute the write.
var ErrRunModeViolation = errors.New("run-mode write partition violation")

// tableSet names the tables one partition may write.
type tableSet struct {
	positions  string
	trades     string
	portfolios string
	decisions  string
}

var liveTables = tableSet{
	positions:  "live_positions",
	trades:     "live_trades",
	portfolios: "live_portfolio_state",
	decisions:  "live_signal_decision_log",
}

var shadowTables = tableSet{
	positions:  "engine_positions",
	trades:     "engine_trades",
	portfolios: "engine_portfolios",
	decisions:  "signal_decision_log",
}

// Store bundles the repositories of one write partition. A PRIMARY store
// and a SHADOW store share no writable tables; the scheduler picks the
// store by instance run mode, so cross-partition writes cannot be
// expressed. The per-row guard below is the defense in depth.
type Store struct {
	mode domain.RunMode

	Positions  *PositionRepository
	Trades     *TradeRepository
	Portfolios *PortfolioRepository
	Decisions  *DecisionRepository

	// TradeLogs is only present on the PRIMARY store.
	TradeLogs *TradeLogRepository
}

// Mode returns the partition's run mode.
func (s *Store) Mode() domain.RunMode {
	return s.mode
}

// NewLiveStore creates the PRIMARY partition store. It may write only
// live_positions, live_trades, live_portfolio_state,
// live_signal_decision_log and trade_logs.
func NewLiveStore(stateDB, ledgerDB *sql.DB, log zerolog.Logger) *Store {
	mode := domain.RunModePrimary
	return &Store{
		mode:       mode,
		Positions:  newPositionRepository(stateDB, liveTables.positions, mode, log),
		Trades:     newTradeRepository(ledgerDB, liveTables.trades, mode, log),
		Portfolios: newPortfolioRepository(stateDB, liveTables.portfolios, mode, log),
		Decisions:  newDecisionRepository(stateDB, liveTables.decisions, mode, log),
		TradeLogs:  NewTradeLogRepository(ledgerDB, log),
	}
}

// NewShadowStore creates the SHADOW partition store. It may write only
// engine_positions, engine_trades, engine_portfolios and the shared
// decision log tagged with run mode.
func NewShadowStore(stateDB, ledgerDB *sql.DB, log zerolog.Logger) *Store {
	mode := domain.RunModeShadow
	return &Store{
		mode:       mode,
		Positions:  newPositionRepository(stateDB, shadowTables.positions, mode, log),
		Trades:     newTradeRepository(ledgerDB, shadowTables.trades, mode, log),
		Portfolios: newPortfolioRepository(stateDB, shadowTables.portfolios, mode, log),
		Decisions:  newDecisionRepository(stateDB, shadowTables.decisions, mode, log),
	}
}

// guardMode rejects a row whose run mode does not match the partition's.
func guardMode(table string, partition, row domain.RunMode) error {
	if partition != row {
		return fmt.Errorf("%w: %s row for run mode %s written through %s partition",
			ErrRunModeViolation, table, row, partition)
	}
	return nil
}
