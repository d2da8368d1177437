package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/domain"
)

// OwnershipRepository is the sole source of truth for which engine may
// open new trades on a ticker. Rows are read-modify-written only by the
// single-instance scheduler and the daily allocation pass.
type OwnershipRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOwnershipRepository creates an ownership repository.
func NewOwnershipRepository(db *sql.DB, log zerolog.Logger) *OwnershipRepository {
	return &OwnershipRepository{
		db:  db,
		log: log.With().Str("repo", "ownership").Logger(),
	}
}

// Map returns all ownership rows keyed by symbol.
func (r *OwnershipRepository) Map() (map[string]domain.OwnershipRow, error) {
	rows, err := r.db.Query(`SELECT symbol, active_engine_key, active_engine_version,
		last_score, last_promotion_at, locked_until FROM engine_ownership`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ownership: %w", err)
	}
	defer rows.Close()

	result := make(map[string]domain.OwnershipRow)
	for rows.Next() {
		row, err := scanOwnership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ownership row: %w", err)
		}
		result[row.Symbol] = row
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ownership rows: %w", err)
	}

	return result, nil
}

// Get returns the ownership row for a symbol, or nil when the symbol has
// no enforced owner.
func (r *OwnershipRepository) Get(symbol string) (*domain.OwnershipRow, error) {
	rows, err := r.db.Query(`SELECT symbol, active_engine_key, active_engine_version,
		last_score, last_promotion_at, locked_until FROM engine_ownership WHERE symbol = ?`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query ownership for %s: %w", symbol, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	row, err := scanOwnership(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ownership row: %w", err)
	}
	return &row, nil
}

// Promote updates the owner of a symbol and stamps the sticky lock.
func (r *OwnershipRepository) Promote(symbol, engineKey, engineVersion string, score float64, lockedUntil time.Time) error {
	now := time.Now().Unix()

	_, err := r.db.Exec(`INSERT OR REPLACE INTO engine_ownership
		(symbol, active_engine_key, active_engine_version, last_score, last_promotion_at, locked_until)
		VALUES (?, ?, ?, ?, ?, ?)`,
		symbol, engineKey, engineVersion, score, now, lockedUntil.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to promote owner for %s: %w", symbol, err)
	}

	r.log.Info().
		Str("symbol", symbol).
		Str("engine_key", engineKey).
		Str("engine_version", engineVersion).
		Float64("score", score).
		Time("locked_until", lockedUntil).
		Msg("Engine ownership promoted")
	return nil
}

func scanOwnership(rows *sql.Rows) (domain.OwnershipRow, error) {
	var row domain.OwnershipRow
	var lastScore sql.NullFloat64
	var lastPromotionAt, lockedUntil sql.NullInt64

	err := rows.Scan(&row.Symbol, &row.ActiveEngineKey, &row.ActiveEngineVersion,
		&lastScore, &lastPromotionAt, &lockedUntil)
	if err != nil {
		return row, err
	}

	if lastScore.Valid {
		v := lastScore.Float64
		row.LastScore = &v
	}
	if lastPromotionAt.Valid {
		t := time.Unix(lastPromotionAt.Int64, 0).UTC()
		row.LastPromotionAt = &t
	}
	if lockedUntil.Valid {
		t := time.Unix(lockedUntil.Int64, 0).UTC()
		row.LockedUntil = &t
	}

	return row, nil
}
