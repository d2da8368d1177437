package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/domain"
)

// PortfolioRepository persists the per-instance portfolio snapshot.
// The snapshot is for continuity and audit; the loader recomputes truth
// from trades + positions every tick and only warns on drift.
type PortfolioRepository struct {
	db    *sql.DB
	table string
	mode  domain.RunMode
	log   zerolog.Logger
}

func newPortfolioRepository(db *sql.DB, table string, mode domain.RunMode, log zerolog.Logger) *PortfolioRepository {
	return &PortfolioRepository{
		db:    db,
		table: table,
		mode:  mode,
		log:   log.With().Str("repo", "portfolio").Str("run_mode", string(mode)).Logger(),
	}
}

// Get returns the latest snapshot for an instance, or nil if none exists.
func (r *PortfolioRepository) Get(key domain.InstanceKey) (*domain.PortfolioSnapshot, error) {
	query := fmt.Sprintf(`SELECT engine_key, engine_version, run_mode, starting_equity,
		equity, cash, allocated_notional, realized_pnl, unrealized_pnl, open_positions, updated_at
		FROM %s WHERE engine_key = ? AND engine_version = ? AND run_mode = ?`, r.table)

	var s domain.PortfolioSnapshot
	var runMode string
	var updatedAt int64

	err := r.db.QueryRow(query, key.EngineKey, key.EngineVersion, string(key.RunMode)).Scan(
		&s.EngineKey, &s.EngineVersion, &runMode, &s.StartingEquity,
		&s.Equity, &s.Cash, &s.AllocatedNotional, &s.RealizedPnL, &s.UnrealizedPnL,
		&s.OpenPositions, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio snapshot: %w", err)
	}

	s.RunMode = domain.RunMode(runMode)
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &s, nil
}

// Save upserts the snapshot for an instance.
func (r *PortfolioRepository) Save(s domain.PortfolioSnapshot) error {
	if err := guardMode(r.table, r.mode, s.RunMode); err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(engine_key, engine_version, run_mode, starting_equity, equity, cash,
		 allocated_notional, realized_pnl, unrealized_pnl, open_positions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, r.table)

	_, err := r.db.Exec(query,
		s.EngineKey, s.EngineVersion, string(s.RunMode), s.StartingEquity, s.Equity, s.Cash,
		s.AllocatedNotional, s.RealizedPnL, s.UnrealizedPnL, s.OpenPositions, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save portfolio snapshot: %w", err)
	}

	r.log.Debug().
		Str("engine_key", s.EngineKey).
		Float64("equity", s.Equity).
		Float64("cash", s.Cash).
		Int("open_positions", s.OpenPositions).
		Msg("Portfolio snapshot saved")
	return nil
}
