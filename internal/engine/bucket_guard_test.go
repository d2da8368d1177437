package engine

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marild/portfolio-engine/internal/domain"
	"github.com/marild/portfolio-engine/internal/store"
)

func seedFocus(t *testing.T, db *sql.DB, symbol string, top8 bool, score float64) {
	t.Helper()
	top8Int := 0
	if top8 {
		top8Int = 1
	}
	_, err := db.Exec(`INSERT INTO focus_snapshot
		(symbol, snapshot_date, is_top8, manual_priority, confidence, trade_priority_score)
		VALUES (?, '2026-08-25', ?, 0, 0.7, ?)`, symbol, top8Int, score)
	require.NoError(t, err)
}

func seedBucketUniverse(t *testing.T, db *sql.DB) {
	t.Helper()
	seedFocus(t, db, "AAPL", true, 90)
	seedFocus(t, db, "MSFT", true, 85)
	seedFocus(t, db, "NVDA", true, 80)
	seedFocus(t, db, "TSLA", true, 75)
	seedFocus(t, db, "ETSY", false, 20)
	seedFocus(t, db, "FSLR", false, 15)
}

func TestBucketGuardSplitsSlots(t *testing.T) {
	db := setupTestDB(t)
	universe := store.NewUniverseRepository(db, testLogger())
	seedBucketUniverse(t, db)

	guard, err := BuildBucketGuard(universe, nil, 5, testNow, testLogger())
	require.NoError(t, err)

	// ceil(0.8 * 5) = 4 core slots, 1 explore slot.
	assert.Equal(t, domain.LaneCore, guard.Classify("AAPL"))
	assert.Equal(t, domain.LaneCore, guard.Classify("MSFT"))
	assert.Equal(t, domain.LaneCore, guard.Classify("NVDA"))
	assert.Equal(t, domain.LaneCore, guard.Classify("TSLA"))
	assert.Equal(t, domain.LaneExplore, guard.Classify("ETSY"))
	assert.Equal(t, domain.LaneOutside, guard.Classify("FSLR"))
}

func TestBucketGuardReserve(t *testing.T) {
	db := setupTestDB(t)
	universe := store.NewUniverseRepository(db, testLogger())
	seedBucketUniverse(t, db)

	// maxSlots 5: four core slots, one explore slot.
	guard, err := BuildBucketGuard(universe, nil, 5, testNow, testLogger())
	require.NoError(t, err)

	for _, sym := range []string{"AAPL", "MSFT", "NVDA", "TSLA"} {
		lane, reason := guard.Reserve(sym)
		assert.Equal(t, domain.LaneCore, lane)
		assert.Empty(t, reason)
	}
	_, reason := guard.Reserve("AAPL")
	assert.Equal(t, domain.SkipCoreSlotsFull, reason)

	// Releasing reopens the slot.
	guard.Release(domain.LaneCore)
	_, reason = guard.Reserve("AAPL")
	assert.Empty(t, reason)

	lane, reason := guard.Reserve("ETSY")
	assert.Equal(t, domain.LaneExplore, lane)
	assert.Empty(t, reason)
	_, reason = guard.Reserve("ETSY")
	assert.Equal(t, domain.SkipExploreSlotsFull, reason)

	_, reason = guard.Reserve("GOOG")
	assert.Equal(t, domain.SkipOutsidePortfolioBucket, reason)
}

func TestBucketGuardOpenPositionsFillSlots(t *testing.T) {
	db := setupTestDB(t)
	universe := store.NewUniverseRepository(db, testLogger())
	seedBucketUniverse(t, db)

	// An open explore position holds the only explore slot.
	open := []domain.Position{{Ticker: "ETSY"}}
	guard, err := BuildBucketGuard(universe, open, 5, testNow, testLogger())
	require.NoError(t, err)

	_, reason := guard.Reserve("ETSY")
	assert.Equal(t, domain.SkipExploreSlotsFull, reason)

	// Core slots are untouched.
	_, reason = guard.Reserve("AAPL")
	assert.Empty(t, reason)
}

func TestExploreRotationAdvancesAcrossBuilds(t *testing.T) {
	db := setupTestDB(t)
	universe := store.NewUniverseRepository(db, testLogger())
	seedBucketUniverse(t, db)

	build := func() *BucketGuard {
		guard, err := BuildBucketGuard(universe, nil, 5, testNow, testLogger())
		require.NoError(t, err)
		return guard
	}

	// Fresh cursor: the first non-Top8 symbol in order gets the slot.
	g := build()
	assert.Equal(t, domain.LaneExplore, g.Classify("ETSY"))
	assert.Equal(t, domain.LaneOutside, g.Classify("FSLR"))

	// Next build rotates past the persisted cursor.
	g = build()
	assert.Equal(t, domain.LaneExplore, g.Classify("FSLR"))
	assert.Equal(t, domain.LaneOutside, g.Classify("ETSY"))

	// And wraps around.
	g = build()
	assert.Equal(t, domain.LaneExplore, g.Classify("ETSY"))

	cursor, err := universe.Cursor("explore_rotation")
	require.NoError(t, err)
	assert.Equal(t, "ETSY", cursor)
}

func TestBucketGuardAllowlistFallback(t *testing.T) {
	db := setupTestDB(t)
	universe := store.NewUniverseRepository(db, testLogger())

	// No focus snapshot today; the enabled allowlist still provides
	// explore material.
	_, err := db.Exec(`INSERT INTO allowlist (symbol, enabled) VALUES ('PLTR', 1), ('SOFI', 0)`)
	require.NoError(t, err)

	guard, err := BuildBucketGuard(universe, nil, 2, testNow, testLogger())
	require.NoError(t, err)

	// The sole candidate lands in core (highest priority first).
	assert.Equal(t, domain.LaneCore, guard.Classify("PLTR"))
	assert.Equal(t, domain.LaneOutside, guard.Classify("SOFI"))
}
