package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/domain"
)

// TradeLogRepository records PRIMARY-lane management actions (partials,
// breakeven moves, trailing-stop moves). Only the live store carries it.
type TradeLogRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTradeLogRepository creates a trade log repository.
func NewTradeLogRepository(db *sql.DB, log zerolog.Logger) *TradeLogRepository {
	return &TradeLogRepository{
		db:  db,
		log: log.With().Str("repo", "trade_logs").Logger(),
	}
}

// Append writes one management-action row.
func (r *TradeLogRepository) Append(e domain.TradeLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(
		`INSERT INTO trade_logs (id, position_id, ticker, action, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.PositionID, e.Ticker, e.Action, e.Detail, e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append trade log: %w", err)
	}

	return nil
}
