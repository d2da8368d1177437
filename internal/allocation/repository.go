// Package allocation implements the daily scoring pass: per-(symbol,
// engine) performance metrics over rolling windows, and ownership
// promotions subject to sticky cooldowns.
package allocation

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EngineScore is one persisted metrics row for a (symbol, engine, window)
// triple. Every computed row is kept; the score history is the audit
// trail for promotions.
type EngineScore struct {
	Symbol        string
	EngineKey     string
	EngineVersion string
	WindowDays    int
	Trades        int
	ExpectancyR   float64
	MaxDrawdownR  float64
	Stability     float64
	// StabilityFormula records the exact dispersion measure used, so a
	// later formula change cannot silently re-rank history.
	StabilityFormula string
	WinRate          float64
	ProfitFactor     float64
	Score            float64
	Eligible         bool
}

// Proposal is one promotion attempt and its outcome.
type Proposal struct {
	Symbol           string
	CandidateKey     string
	CandidateVersion string
	CandidateScore   float64
	OwnerKey         string
	OwnerVersion     string
	OwnerScore       *float64
	Status           string // PROMOTED | REJECTED | PENDING_OPEN_POSITION
	Reason           string
}

// Repository persists allocation scores and proposals in the ledger.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an allocation repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "allocation").Logger(),
	}
}

// SaveScore appends one score row.
func (r *Repository) SaveScore(s EngineScore) error {
	eligible := 0
	if s.Eligible {
		eligible = 1
	}

	_, err := r.db.Exec(`INSERT INTO allocation_scores
		(id, symbol, engine_key, engine_version, window_days, trades, expectancy_r,
		 max_drawdown_r, stability, stability_formula, win_rate, profit_factor,
		 score, eligible, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), s.Symbol, s.EngineKey, s.EngineVersion, s.WindowDays, s.Trades,
		s.ExpectancyR, s.MaxDrawdownR, s.Stability, s.StabilityFormula, s.WinRate, s.ProfitFactor,
		s.Score, eligible, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save allocation score: %w", err)
	}
	return nil
}

// SaveProposal appends one proposal row.
func (r *Repository) SaveProposal(p Proposal) error {
	var ownerKey, ownerVersion sql.NullString
	if p.OwnerKey != "" {
		ownerKey = sql.NullString{String: p.OwnerKey, Valid: true}
		ownerVersion = sql.NullString{String: p.OwnerVersion, Valid: true}
	}

	var ownerScore sql.NullFloat64
	if p.OwnerScore != nil {
		ownerScore = sql.NullFloat64{Float64: *p.OwnerScore, Valid: true}
	}

	_, err := r.db.Exec(`INSERT INTO allocation_proposals
		(id, symbol, candidate_key, candidate_version, candidate_score,
		 owner_key, owner_version, owner_score, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), p.Symbol, p.CandidateKey, p.CandidateVersion, p.CandidateScore,
		ownerKey, ownerVersion, ownerScore, p.Status, p.Reason, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save allocation proposal: %w", err)
	}

	r.log.Info().
		Str("symbol", p.Symbol).
		Str("candidate", p.CandidateKey+"/"+p.CandidateVersion).
		Str("status", p.Status).
		Str("reason", p.Reason).
		Msg("Allocation proposal recorded")
	return nil
}
