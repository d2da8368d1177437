package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/domain"
)

// UniverseRepository resolves the tradable ticker set: the daily focus
// snapshot, the enabled allowlist, and the persisted exploration cursor.
type UniverseRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewUniverseRepository creates a universe repository.
func NewUniverseRepository(db *sql.DB, log zerolog.Logger) *UniverseRepository {
	return &UniverseRepository{
		db:  db,
		log: log.With().Str("repo", "universe").Logger(),
	}
}

// FocusSnapshot returns the focus entries for the given snapshot date
// (format 2006-01-02).
func (r *UniverseRepository) FocusSnapshot(date string) ([]domain.FocusEntry, error) {
	rows, err := r.db.Query(`SELECT symbol, is_top8, manual_priority, confidence, trade_priority_score
		FROM focus_snapshot WHERE snapshot_date = ?`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query focus snapshot: %w", err)
	}
	defer rows.Close()

	var entries []domain.FocusEntry
	for rows.Next() {
		var e domain.FocusEntry
		var isTop8 int
		var tps sql.NullFloat64

		if err := rows.Scan(&e.Symbol, &isTop8, &e.ManualPriority, &e.Confidence, &tps); err != nil {
			return nil, fmt.Errorf("failed to scan focus entry: %w", err)
		}
		e.IsTop8 = isTop8 != 0
		if tps.Valid {
			v := tps.Float64
			e.TradePriorityScore = &v
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating focus entries: %w", err)
	}

	return entries, nil
}

// Allowlist returns the enabled allowlist entries.
func (r *UniverseRepository) Allowlist() ([]domain.AllowlistEntry, error) {
	rows, err := r.db.Query(`SELECT symbol, enabled, bypass_confidence_floor
		FROM allowlist WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query allowlist: %w", err)
	}
	defer rows.Close()

	var entries []domain.AllowlistEntry
	for rows.Next() {
		var e domain.AllowlistEntry
		var enabled, bypass int

		if err := rows.Scan(&e.Symbol, &enabled, &bypass); err != nil {
			return nil, fmt.Errorf("failed to scan allowlist entry: %w", err)
		}
		e.Enabled = enabled != 0
		e.BypassConfidenceFloor = bypass != 0
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allowlist entries: %w", err)
	}

	return entries, nil
}

// Cursor returns the last symbol the named rotation cursor stopped at,
// or empty when the cursor has never advanced.
func (r *UniverseRepository) Cursor(name string) (string, error) {
	var lastSymbol string
	err := r.db.QueryRow(`SELECT last_symbol FROM rotation_cursor WHERE name = ?`, name).Scan(&lastSymbol)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query rotation cursor %s: %w", name, err)
	}
	return lastSymbol, nil
}

// SaveCursor persists the rotation cursor. It is a row, not a cache:
// rotation must survive restarts.
func (r *UniverseRepository) SaveCursor(name, lastSymbol string) error {
	_, err := r.db.Exec(`INSERT OR REPLACE INTO rotation_cursor (name, last_symbol, updated_at)
		VALUES (?, ?, ?)`, name, lastSymbol, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save rotation cursor %s: %w", name, err)
	}
	return nil
}

// EnabledInstances returns the enabled engine instances in scheduler order
// (PRIMARY lanes first, then shadows, stable by key).
func (r *UniverseRepository) EnabledInstances() ([]domain.EngineInstance, error) {
	rows, err := r.db.Query(`SELECT engine_key, engine_version, run_mode, strategy, is_enabled, stopped_at
		FROM engine_instances WHERE is_enabled = 1
		ORDER BY CASE run_mode WHEN 'PRIMARY' THEN 0 ELSE 1 END, engine_key, engine_version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query engine instances: %w", err)
	}
	defer rows.Close()

	var instances []domain.EngineInstance
	for rows.Next() {
		var inst domain.EngineInstance
		var runMode, strategy string
		var isEnabled int
		var stoppedAt sql.NullInt64

		if err := rows.Scan(&inst.EngineKey, &inst.EngineVersion, &runMode, &strategy, &isEnabled, &stoppedAt); err != nil {
			return nil, fmt.Errorf("failed to scan engine instance: %w", err)
		}
		inst.RunMode = domain.RunMode(runMode)
		inst.Strategy = domain.Strategy(strategy)
		inst.IsEnabled = isEnabled != 0
		if stoppedAt.Valid {
			t := time.Unix(stoppedAt.Int64, 0).UTC()
			inst.StoppedAt = &t
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating engine instances: %w", err)
	}

	return instances, nil
}

// LatestContextDecision returns the newest context decision, or nil when
// no context policy has published one.
func (r *UniverseRepository) LatestContextDecision() (*domain.ContextDecision, error) {
	rows, err := r.db.Query(`SELECT policy_version, as_of, trade_gate, risk_scale, max_positions
		FROM context_decisions ORDER BY as_of DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query context decisions: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	var d domain.ContextDecision
	var asOf int64
	var maxPositions sql.NullInt64

	if err := rows.Scan(&d.PolicyVersion, &asOf, &d.TradeGate, &d.RiskScale, &maxPositions); err != nil {
		return nil, fmt.Errorf("failed to scan context decision: %w", err)
	}
	d.AsOf = time.Unix(asOf, 0).UTC()
	if maxPositions.Valid {
		v := int(maxPositions.Int64)
		d.MaxPositions = &v
	}

	return &d, nil
}
