package allocation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/marild/portfolio-engine/internal/domain"
	"github.com/marild/portfolio-engine/internal/store"
)

const (
	// stabilityFormula is recorded verbatim on every score row.
	stabilityFormula = "1/(1+stdev(trade_r))"

	// Eligibility gates for promotion candidates.
	minTrades      = 20
	maxDrawdownCap = 5.0
	minExpectancy  = -0.2

	// Promotion requires a decisive edge over the incumbent.
	scoreEdgeRatio = 1.2
	expectancyEdge = 0.1

	// stickyLockDays is the cooldown stamped on a fresh promotion.
	stickyLockDays = 45
)

// Window lengths scored every pass, in days. The longest window also
// drives promotion decisions.
var windows = []int{30, 60}

// Service runs the daily allocation pass: score shadow engines per
// symbol and promote ownership where a candidate decisively beats the
// incumbent.
type Service struct {
	shadowTrades  *store.TradeRepository
	livePositions *store.PositionRepository
	ownership     *store.OwnershipRepository
	universe      *store.UniverseRepository
	repo          *Repository
	enabled       bool
	log           zerolog.Logger
}

// NewService wires the allocation pass. enabled mirrors the allocation
// feature flag; a disabled service still scores and records proposals
// but never promotes.
func NewService(shadowTrades *store.TradeRepository, livePositions *store.PositionRepository,
	ownership *store.OwnershipRepository, universe *store.UniverseRepository,
	repo *Repository, enabled bool, log zerolog.Logger) *Service {
	return &Service{
		shadowTrades:  shadowTrades,
		livePositions: livePositions,
		ownership:     ownership,
		universe:      universe,
		repo:          repo,
		enabled:       enabled,
		log:           log.With().Str("component", "allocation").Logger(),
	}
}

// instanceTrades groups shadow trades by (symbol, engineKey, engineVersion).
type instanceTrades struct {
	symbol  string
	key     string
	version string
	trades  []domain.Trade
}

// RunDailyPass scores every (symbol, engine) pair seen in the shadow
// ledger over the longest window and evaluates promotions.
func (s *Service) RunDailyPass(now time.Time) error {
	longest := windows[len(windows)-1]
	trades, err := s.shadowTrades.GetClosedSince(now.AddDate(0, 0, -longest))
	if err != nil {
		return fmt.Errorf("failed to load shadow trades: %w", err)
	}
	if len(trades) == 0 {
		s.log.Info().Msg("No shadow trades in window, allocation pass idle")
		return nil
	}

	groups := groupTrades(trades)

	// Promotion metrics come from the longest window.
	best := map[string][]EngineScore{}
	for _, g := range groups {
		for _, window := range windows {
			score := s.scoreWindow(g, window, now)
			if err := s.repo.SaveScore(score); err != nil {
				return err
			}
			if window == longest {
				best[g.symbol] = append(best[g.symbol], score)
			}
		}
	}

	return s.evaluatePromotions(best, now)
}

func groupTrades(trades []domain.Trade) []instanceTrades {
	index := map[string]int{}
	var groups []instanceTrades

	for _, t := range trades {
		k := t.Ticker + "|" + t.EngineKey + "|" + t.EngineVersion
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, instanceTrades{symbol: t.Ticker, key: t.EngineKey, version: t.EngineVersion})
		}
		groups[i].trades = append(groups[i].trades, t)
	}

	// Deterministic pass order.
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].symbol != groups[j].symbol {
			return groups[i].symbol < groups[j].symbol
		}
		if groups[i].key != groups[j].key {
			return groups[i].key < groups[j].key
		}
		return groups[i].version < groups[j].version
	})
	return groups
}

// scoreWindow computes the metric row for one group over one window.
func (s *Service) scoreWindow(g instanceTrades, windowDays int, now time.Time) EngineScore {
	cutoff := now.AddDate(0, 0, -windowDays)

	var rs []float64
	wins := 0
	grossWin, grossLoss := 0.0, 0.0
	for _, t := range g.trades {
		if t.ClosedAt.Before(cutoff) {
			continue
		}
		rs = append(rs, t.RealizedR)
		if t.RealizedPnL > 0 {
			wins++
			grossWin += t.RealizedPnL
		} else {
			grossLoss += -t.RealizedPnL
		}
	}

	score := EngineScore{
		Symbol:           g.symbol,
		EngineKey:        g.key,
		EngineVersion:    g.version,
		WindowDays:       windowDays,
		Trades:           len(rs),
		StabilityFormula: stabilityFormula,
	}
	if len(rs) == 0 {
		return score
	}

	score.ExpectancyR = stat.Mean(rs, nil)
	score.MaxDrawdownR = maxDrawdownR(rs)
	score.Stability = 1 / (1 + stat.StdDev(rs, nil))
	if len(rs) < 2 {
		score.Stability = 0
	}
	score.WinRate = float64(wins) / float64(len(rs))
	if grossLoss > 0 {
		score.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		score.ProfitFactor = math.Inf(1)
	}

	// Monotone in expectancy and stability, penalised by drawdown.
	score.Score = score.ExpectancyR*(1+score.Stability) - 0.1*score.MaxDrawdownR

	score.Eligible = score.Trades >= minTrades &&
		score.MaxDrawdownR <= maxDrawdownCap &&
		score.ExpectancyR >= minExpectancy
	return score
}

// maxDrawdownR is the largest peak-to-trough fall of the cumulative R
// curve, in trade order.
func maxDrawdownR(rs []float64) float64 {
	peak, cum, maxDD := 0.0, 0.0, 0.0
	for _, r := range rs {
		cum += r
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// evaluatePromotions picks the best non-owner eligible candidate per
// symbol and applies the promotion rules.
func (s *Service) evaluatePromotions(scores map[string][]EngineScore, now time.Time) error {
	owners, err := s.ownership.Map()
	if err != nil {
		return err
	}

	allowlist, err := s.universe.Allowlist()
	if err != nil {
		return err
	}
	allowed := map[string]bool{}
	for _, a := range allowlist {
		allowed[a.Symbol] = true
	}

	openLive, err := s.livePositions.OpenTickers()
	if err != nil {
		return err
	}

	symbols := make([]string, 0, len(scores))
	for sym := range scores {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		if err := s.evaluateSymbol(sym, scores[sym], owners, allowed, openLive, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) evaluateSymbol(symbol string, rows []EngineScore, owners map[string]domain.OwnershipRow, allowed, openLive map[string]bool, now time.Time) error {
	owner, hasOwner := owners[symbol]

	var ownerScore *EngineScore
	var candidate *EngineScore
	for i := range rows {
		row := &rows[i]
		if hasOwner && row.EngineKey == owner.ActiveEngineKey && row.EngineVersion == owner.ActiveEngineVersion {
			ownerScore = row
			continue
		}
		if !row.Eligible {
			continue
		}
		if candidate == nil || row.Score > candidate.Score {
			candidate = row
		}
	}
	if candidate == nil {
		return nil
	}

	proposal := Proposal{
		Symbol:           symbol,
		CandidateKey:     candidate.EngineKey,
		CandidateVersion: candidate.EngineVersion,
		CandidateScore:   candidate.Score,
	}
	if hasOwner {
		proposal.OwnerKey = owner.ActiveEngineKey
		proposal.OwnerVersion = owner.ActiveEngineVersion
	}
	if ownerScore != nil {
		v := ownerScore.Score
		proposal.OwnerScore = &v
	}

	reject := func(reason string) error {
		proposal.Status = "REJECTED"
		proposal.Reason = reason
		return s.repo.SaveProposal(proposal)
	}

	if !s.enabled {
		return reject("allocation disabled")
	}
	if !allowed[symbol] {
		return reject("symbol not allowlisted")
	}

	if hasOwner {
		if ownerScore != nil {
			if candidate.Score < scoreEdgeRatio*ownerScore.Score {
				return reject(fmt.Sprintf("score edge %.3f below %.1fx owner %.3f", candidate.Score, scoreEdgeRatio, ownerScore.Score))
			}
			if candidate.ExpectancyR-ownerScore.ExpectancyR < expectancyEdge {
				return reject(fmt.Sprintf("expectancy edge %.3f below %.2f", candidate.ExpectancyR-ownerScore.ExpectancyR, expectancyEdge))
			}
		}
		if owner.LockedUntil != nil && owner.LockedUntil.After(now) {
			return reject(fmt.Sprintf("ownership locked until %s", owner.LockedUntil.Format(time.RFC3339)))
		}
	}

	if openLive[symbol] {
		// The only remaining blocker; queued for when the position closes.
		proposal.Status = "PENDING_OPEN_POSITION"
		proposal.Reason = "live position open"
		return s.repo.SaveProposal(proposal)
	}

	lockedUntil := now.AddDate(0, 0, stickyLockDays)
	if err := s.ownership.Promote(symbol, candidate.EngineKey, candidate.EngineVersion, candidate.Score, lockedUntil); err != nil {
		return err
	}

	proposal.Status = "PROMOTED"
	return s.repo.SaveProposal(proposal)
}
