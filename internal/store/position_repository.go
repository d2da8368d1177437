package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/domain"
)

// PositionRepository handles open-position rows for one write partition.
type PositionRepository struct {
	db    *sql.DB
	table string
	mode  domain.RunMode
	log   zerolog.Logger
}

func newPositionRepository(db *sql.DB, table string, mode domain.RunMode, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:    db,
		table: table,
		mode:  mode,
		log:   log.With().Str("repo", "positions").Str("run_mode", string(mode)).Logger(),
	}
}

const positionColumns = `id, engine_key, engine_version, run_mode, ticker, side,
	entry_price, qty, initial_qty, notional_at_entry, stop_loss, initial_stop_loss,
	take_profit1, take_profit2, risk_dollars, opened_at, status,
	highest_price, lowest_price, trailing_active, trailing_stop, tp1_hit,
	runner_active, be_activated_at, partial_taken, trail_peak_pnl,
	has_recycled_capital, management_state, signal_id, updated_at`

// GetOpen returns the open positions for an instance, ordered by id so the
// evaluation order is stable tick to tick.
func (r *PositionRepository) GetOpen(key domain.InstanceKey) ([]domain.Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE engine_key = ? AND engine_version = ? AND run_mode = ? AND status = 'OPEN'
		ORDER BY id`, positionColumns, r.table)

	rows, err := r.db.Query(query, key.EngineKey, key.EngineVersion, string(key.RunMode))
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

// OpenTickers returns the set of tickers with any OPEN position in this
// partition, across all instances. The allocation pass uses it to hold
// promotions while a position is live.
func (r *PositionRepository) OpenTickers() (map[string]bool, error) {
	query := fmt.Sprintf(`SELECT DISTINCT ticker FROM %s WHERE status = 'OPEN'`, r.table)

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open tickers: %w", err)
	}
	defer rows.Close()

	tickers := map[string]bool{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan open ticker: %w", err)
		}
		tickers[t] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open tickers: %w", err)
	}

	return tickers, nil
}

// Insert creates a new position row. The caller updates in-memory
// portfolio counters only after this succeeds.
func (r *PositionRepository) Insert(p domain.Position) error {
	if err := guardMode(r.table, r.mode, p.RunMode); err != nil {
		return err
	}

	p.Ticker = strings.ToUpper(strings.TrimSpace(p.Ticker))

	query := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.table, positionColumns)

	_, err := r.db.Exec(query,
		p.ID, p.EngineKey, p.EngineVersion, string(p.RunMode), p.Ticker, string(p.Side),
		p.EntryPrice, p.Qty, p.InitialQty, p.NotionalAtEntry, p.StopLoss, p.InitialStopLoss,
		p.TakeProfit1, nullFloatPtr(p.TakeProfit2), p.RiskDollars, p.OpenedAt.Unix(), p.Status,
		p.HighestPrice, p.LowestPrice, boolToInt(p.TrailingActive), p.TrailingStop, boolToInt(p.TP1Hit),
		boolToInt(p.RunnerActive), nullTimePtr(p.BEActivatedAt), boolToInt(p.PartialTaken), p.TrailPeakPnL,
		boolToInt(p.HasRecycledCapital), string(p.State), p.SignalID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}

	r.log.Info().
		Str("position_id", p.ID).
		Str("ticker", p.Ticker).
		Str("side", string(p.Side)).
		Float64("qty", p.Qty).
		Float64("entry", p.EntryPrice).
		Msg("Position opened")
	return nil
}

// Update persists the mutable state-machine fields of a position.
func (r *PositionRepository) Update(p domain.Position) error {
	if err := guardMode(r.table, r.mode, p.RunMode); err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET
		qty = ?, notional_at_entry = ?, stop_loss = ?, take_profit1 = ?, take_profit2 = ?,
		status = ?, highest_price = ?, lowest_price = ?, trailing_active = ?, trailing_stop = ?,
		tp1_hit = ?, runner_active = ?, be_activated_at = ?, partial_taken = ?,
		trail_peak_pnl = ?, has_recycled_capital = ?, management_state = ?, updated_at = ?
		WHERE id = ?`, r.table)

	_, err := r.db.Exec(query,
		p.Qty, p.NotionalAtEntry, p.StopLoss, p.TakeProfit1, nullFloatPtr(p.TakeProfit2),
		p.Status, p.HighestPrice, p.LowestPrice, boolToInt(p.TrailingActive), p.TrailingStop,
		boolToInt(p.TP1Hit), boolToInt(p.RunnerActive), nullTimePtr(p.BEActivatedAt), boolToInt(p.PartialTaken),
		p.TrailPeakPnL, boolToInt(p.HasRecycledCapital), string(p.State), time.Now().Unix(),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}

	return nil
}

// Delete removes a position row if it is still open. The status check
// makes re-running a tick after a crash between trade insert and position
// delete safe.
func (r *PositionRepository) Delete(id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ? AND status = 'OPEN'", r.table)

	result, err := r.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	r.log.Info().Str("position_id", id).Int64("rows_affected", rowsAffected).Msg("Position closed")
	return nil
}

// PruneDead removes rows left behind by a crash between trade insert and
// position delete (qty <= 0 or status CLOSED). Runs at the top of every
// loader pass.
func (r *PositionRepository) PruneDead(key domain.InstanceKey) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s
		WHERE engine_key = ? AND engine_version = ? AND run_mode = ?
		AND (qty <= 0 OR status = 'CLOSED')`, r.table)

	result, err := r.db.Exec(query, key.EngineKey, key.EngineVersion, string(key.RunMode))
	if err != nil {
		return 0, fmt.Errorf("failed to prune dead positions: %w", err)
	}

	pruned, _ := result.RowsAffected()
	if pruned > 0 {
		r.log.Warn().Int64("pruned", pruned).Msg("Pruned dead position rows")
	}
	return pruned, nil
}

func scanPosition(rows *sql.Rows) (domain.Position, error) {
	var p domain.Position
	var runMode, side, state string
	var tp2 sql.NullFloat64
	var openedAt, updatedAt int64
	var beActivatedAt sql.NullInt64
	var trailingActive, tp1Hit, runnerActive, partialTaken, hasRecycled int

	err := rows.Scan(
		&p.ID, &p.EngineKey, &p.EngineVersion, &runMode, &p.Ticker, &side,
		&p.EntryPrice, &p.Qty, &p.InitialQty, &p.NotionalAtEntry, &p.StopLoss, &p.InitialStopLoss,
		&p.TakeProfit1, &tp2, &p.RiskDollars, &openedAt, &p.Status,
		&p.HighestPrice, &p.LowestPrice, &trailingActive, &p.TrailingStop, &tp1Hit,
		&runnerActive, &beActivatedAt, &partialTaken, &p.TrailPeakPnL,
		&hasRecycled, &state, &p.SignalID, &updatedAt,
	)
	if err != nil {
		return p, err
	}

	p.RunMode = domain.RunMode(runMode)
	p.Side = domain.Side(side)
	p.State = domain.ManagementState(state)
	p.OpenedAt = time.Unix(openedAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	p.TrailingActive = trailingActive != 0
	p.TP1Hit = tp1Hit != 0
	p.RunnerActive = runnerActive != 0
	p.PartialTaken = partialTaken != 0
	p.HasRecycledCapital = hasRecycled != 0

	if tp2.Valid {
		v := tp2.Float64
		p.TakeProfit2 = &v
	}
	if beActivatedAt.Valid {
		t := time.Unix(beActivatedAt.Int64, 0).UTC()
		p.BEActivatedAt = &t
	}

	return p, nil
}

// Helper functions for nullable types

func nullFloatPtr(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
