package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/domain"
)

// TradeRepository handles the immutable trade ledger for one write partition.
type TradeRepository struct {
	db    *sql.DB
	table string
	mode  domain.RunMode
	log   zerolog.Logger
}

func newTradeRepository(db *sql.DB, table string, mode domain.RunMode, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		db:    db,
		table: table,
		mode:  mode,
		log:   log.With().Str("repo", "trades").Str("run_mode", string(mode)).Logger(),
	}
}

const tradeColumns = `id, position_id, signal_id, engine_key, engine_version, run_mode,
	ticker, side, entry_price, exit_price, qty, exit_reason, realized_pnl, realized_r,
	opened_at, closed_at`

// Insert appends one trade row. Trades are append-only; there is no update.
func (r *TradeRepository) Insert(t domain.Trade) error {
	if err := guardMode(r.table, r.mode, t.RunMode); err != nil {
		return err
	}

	if t.ExitPrice <= 0 {
		return fmt.Errorf("exit price must be positive, got %f", t.ExitPrice)
	}
	if t.Qty <= 0 {
		return fmt.Errorf("trade quantity must be positive, got %f", t.Qty)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, r.table, tradeColumns)

	_, err := r.db.Exec(query,
		t.ID, t.PositionID, t.SignalID, t.EngineKey, t.EngineVersion, string(t.RunMode),
		t.Ticker, string(t.Side), t.EntryPrice, t.ExitPrice, t.Qty, string(t.ExitReason),
		t.RealizedPnL, t.RealizedR, t.OpenedAt.Unix(), t.ClosedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	r.log.Info().
		Str("ticker", t.Ticker).
		Str("exit_reason", string(t.ExitReason)).
		Float64("qty", t.Qty).
		Float64("realized_pnl", t.RealizedPnL).
		Float64("realized_r", t.RealizedR).
		Msg("Trade recorded")
	return nil
}

// GetAllForInstance returns every closed trade of an instance since
// inception, ordered by close time. The portfolio loader uses this to
// rebuild realized P&L from first principles.
func (r *TradeRepository) GetAllForInstance(key domain.InstanceKey) ([]domain.Trade, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE engine_key = ? AND engine_version = ? AND run_mode = ?
		ORDER BY closed_at, id`, tradeColumns, r.table)

	rows, err := r.db.Query(query, key.EngineKey, key.EngineVersion, string(key.RunMode))
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetClosedSince returns shadow trades closed after the cutoff, across all
// instances in this partition. Used by the allocation scoring pass.
func (r *TradeRepository) GetClosedSince(cutoff time.Time) ([]domain.Trade, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE closed_at >= ? ORDER BY closed_at, id`,
		tradeColumns, r.table)

	rows, err := r.db.Query(query, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query trades since cutoff: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var runMode, side, reason string
		var openedAt, closedAt int64

		err := rows.Scan(
			&t.ID, &t.PositionID, &t.SignalID, &t.EngineKey, &t.EngineVersion, &runMode,
			&t.Ticker, &side, &t.EntryPrice, &t.ExitPrice, &t.Qty, &reason,
			&t.RealizedPnL, &t.RealizedR, &openedAt, &closedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}

		t.RunMode = domain.RunMode(runMode)
		t.Side = domain.Side(side)
		t.ExitReason = domain.ExitReason(reason)
		t.OpenedAt = time.Unix(openedAt, 0).UTC()
		t.ClosedAt = time.Unix(closedAt, 0).UTC()
		trades = append(trades, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}
