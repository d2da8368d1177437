package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/domain"
)

// SignalRepository reads signals produced by the AI signal service.
// The engine never writes this table.
type SignalRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSignalRepository creates a signal repository.
func NewSignalRepository(db *sql.DB, log zerolog.Logger) *SignalRepository {
	return &SignalRepository{
		db:  db,
		log: log.With().Str("repo", "signals").Logger(),
	}
}

// RecentSignals returns signals created after the cutoff for the given
// engine type, ordered oldest first so admission is deterministic.
// Signals below the confidence floor are dropped unless their ticker is
// flagged in bypassFloor.
func (r *SignalRepository) RecentSignals(engineType string, cutoff time.Time, confidenceFloor float64, bypassFloor map[string]bool) ([]domain.Signal, error) {
	rows, err := r.db.Query(`SELECT id, symbol, engine_type, trading_style, decision,
		confidence, entry_price, stop_loss, take_profit1, engine_version, created_at
		FROM signals WHERE engine_type = ? AND created_at >= ?
		ORDER BY created_at, id`, engineType, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}

		if s.Confidence < confidenceFloor && !bypassFloor[s.Symbol] {
			continue
		}
		signals = append(signals, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}

	return signals, nil
}

func scanSignal(rows *sql.Rows) (domain.Signal, error) {
	var s domain.Signal
	var createdAt int64

	err := rows.Scan(&s.ID, &s.Symbol, &s.EngineType, &s.TradingStyle, &s.Decision,
		&s.Confidence, &s.EntryPrice, &s.StopLoss, &s.TakeProfit1, &s.EngineVersion, &createdAt)
	if err != nil {
		return s, err
	}

	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	return s, nil
}
