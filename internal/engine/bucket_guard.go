package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/domain"
	"github.com/marild/portfolio-engine/internal/store"
)

// exploreCursorName keys the persisted rotation cursor. A row, not a
// cache: rotation must survive restarts.
const exploreCursorName = "explore_rotation"

// BucketGuard splits the concurrent-position budget into a CORE lane for
// today's highest-priority symbols and a rotated EXPLORE lane. Built once
// per tick for the SWING PRIMARY instance; symbols outside both lanes are
// not tradable this tick.
type BucketGuard struct {
	core    map[string]bool
	explore map[string]bool

	coreSlots    int
	exploreSlots int
	coreUsed     int
	exploreUsed  int

	log zerolog.Logger
}

type bucketCandidate struct {
	symbol   string
	isTop8   bool
	priority float64
}

// BuildBucketGuard loads today's focus snapshot and the enabled allowlist
// and derives the CORE and EXPLORE sets. Open positions pre-fill the lane
// slots they occupy.
func BuildBucketGuard(universe *store.UniverseRepository, open []domain.Position, maxSlots int, now time.Time, log zerolog.Logger) (*BucketGuard, error) {
	glog := log.With().Str("component", "bucket_guard").Logger()

	focus, err := universe.FocusSnapshot(now.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to load focus snapshot: %w", err)
	}

	allowlist, err := universe.Allowlist()
	if err != nil {
		return nil, fmt.Errorf("failed to load allowlist: %w", err)
	}

	candidates := make([]bucketCandidate, 0, len(focus)+len(allowlist))
	seen := map[string]bool{}
	for _, f := range focus {
		candidates = append(candidates, bucketCandidate{
			symbol:   f.Symbol,
			isTop8:   f.IsTop8,
			priority: focusPriority(f),
		})
		seen[f.Symbol] = true
	}
	// Allowlisted symbols with no focus row are explore material at floor
	// priority.
	for _, a := range allowlist {
		if !seen[a.Symbol] {
			candidates = append(candidates, bucketCandidate{symbol: a.Symbol})
			seen[a.Symbol] = true
		}
	}

	// Priority descending, symbol ascending for a deterministic order.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].symbol < candidates[j].symbol
	})

	coreSlots := int(math.Ceil(0.8 * float64(maxSlots)))
	if coreSlots < 1 {
		coreSlots = 1
	}
	exploreSlots := maxSlots - coreSlots

	g := &BucketGuard{
		core:         map[string]bool{},
		explore:      map[string]bool{},
		coreSlots:    coreSlots,
		exploreSlots: exploreSlots,
		log:          glog,
	}

	for i, c := range candidates {
		if i >= coreSlots {
			break
		}
		g.core[c.symbol] = true
	}

	if exploreSlots > 0 {
		if err := g.pickExplore(universe, candidates, exploreSlots); err != nil {
			return nil, err
		}
	}

	for _, p := range open {
		switch g.Classify(p.Ticker) {
		case domain.LaneCore:
			g.coreUsed++
		case domain.LaneExplore:
			g.exploreUsed++
		}
	}

	glog.Debug().
		Int("core", len(g.core)).
		Int("explore", len(g.explore)).
		Int("core_used", g.coreUsed).
		Int("explore_used", g.exploreUsed).
		Msg("Bucket guard built")

	return g, nil
}

// pickExplore rotates the explore lane round-robin over the non-Top8
// candidates using the persisted cursor, then fills any remaining slots
// from leftovers.
func (g *BucketGuard) pickExplore(universe *store.UniverseRepository, candidates []bucketCandidate, slots int) error {
	var pool []string
	for _, c := range candidates {
		if !c.isTop8 && !g.core[c.symbol] {
			pool = append(pool, c.symbol)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	sort.Strings(pool)

	last, err := universe.Cursor(exploreCursorName)
	if err != nil {
		return err
	}

	start := 0
	for i, sym := range pool {
		if sym > last {
			start = i
			break
		}
	}

	picked := ""
	for i := 0; i < len(pool) && len(g.explore) < slots; i++ {
		sym := pool[(start+i)%len(pool)]
		g.explore[sym] = true
		picked = sym
	}

	if picked != "" {
		if err := universe.SaveCursor(exploreCursorName, picked); err != nil {
			return err
		}
	}

	// Leftover candidates fill any slots the rotation could not.
	for _, c := range candidates {
		if len(g.explore) >= slots {
			break
		}
		if !g.core[c.symbol] && !g.explore[c.symbol] {
			g.explore[c.symbol] = true
		}
	}

	return nil
}

// focusPriority derives the per-symbol priority, preferring the stored
// trade priority score when present.
func focusPriority(f domain.FocusEntry) float64 {
	if f.TradePriorityScore != nil {
		return *f.TradePriorityScore
	}
	top8 := 0.0
	if f.IsTop8 {
		top8 = 1.0
	}
	return 30*top8 + 0.4*f.ManualPriority + 0.1*f.Confidence
}

// Classify returns the lane of a symbol, or LaneOutside when it is in
// neither bucket.
func (g *BucketGuard) Classify(symbol string) domain.Lane {
	if g.core[symbol] {
		return domain.LaneCore
	}
	if g.explore[symbol] {
		return domain.LaneExplore
	}
	return domain.LaneOutside
}

// Reserve claims a slot in the symbol's lane. It returns the lane and an
// empty reason on success, or the SKIP reason when the symbol is outside
// both buckets or its lane is full.
func (g *BucketGuard) Reserve(symbol string) (domain.Lane, string) {
	switch g.Classify(symbol) {
	case domain.LaneCore:
		if g.coreUsed >= g.coreSlots {
			return domain.LaneCore, domain.SkipCoreSlotsFull
		}
		g.coreUsed++
		return domain.LaneCore, ""
	case domain.LaneExplore:
		if g.exploreUsed >= g.exploreSlots {
			return domain.LaneExplore, domain.SkipExploreSlotsFull
		}
		g.exploreUsed++
		return domain.LaneExplore, ""
	default:
		return domain.LaneOutside, domain.SkipOutsidePortfolioBucket
	}
}

// Release frees a previously reserved slot, used when a later admission
// gate rejects the signal.
func (g *BucketGuard) Release(lane domain.Lane) {
	if lane == domain.LaneCore && g.coreUsed > 0 {
		g.coreUsed--
	}
	if lane == domain.LaneExplore && g.exploreUsed > 0 {
		g.exploreUsed--
	}
}
