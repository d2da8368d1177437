package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/domain"
)

// DecisionRepository appends signal-admission audit rows. Append-only;
// downstream analytics consume these rows.
type DecisionRepository struct {
	db    *sql.DB
	table string
	mode  domain.RunMode
	log   zerolog.Logger
}

func newDecisionRepository(db *sql.DB, table string, mode domain.RunMode, log zerolog.Logger) *DecisionRepository {
	return &DecisionRepository{
		db:    db,
		table: table,
		mode:  mode,
		log:   log.With().Str("repo", "decisions").Str("run_mode", string(mode)).Logger(),
	}
}

// Append writes one decision row.
func (r *DecisionRepository) Append(d domain.DecisionRecord) error {
	if err := guardMode(r.table, r.mode, d.RunMode); err != nil {
		return err
	}

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(id, signal_id, engine_key, engine_version, run_mode, ticker, decision,
		 reason_code, reason_context, equity, cash, allocated_notional, open_count,
		 trade_gate, lane, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, r.table)

	_, err := r.db.Exec(query,
		d.ID, d.SignalID, d.EngineKey, d.EngineVersion, string(d.RunMode), d.Ticker, d.Decision,
		d.ReasonCode, d.ReasonContext, d.Equity, d.Cash, d.Allocated, d.OpenCount,
		d.TradeGate, d.Lane, d.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}

	r.log.Debug().
		Str("signal_id", d.SignalID).
		Str("ticker", d.Ticker).
		Str("decision", d.Decision).
		Str("reason", d.ReasonCode).
		Msg("Decision logged")
	return nil
}

// CountForInstance returns how many decision rows exist for an instance.
// Used by tests and the ops endpoints.
func (r *DecisionRepository) CountForInstance(key domain.InstanceKey) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s
		WHERE engine_key = ? AND engine_version = ? AND run_mode = ?`, r.table)

	var count int
	err := r.db.QueryRow(query, key.EngineKey, key.EngineVersion, string(key.RunMode)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return count, nil
}
