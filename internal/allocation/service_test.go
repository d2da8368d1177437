package allocation

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marild/portfolio-engine/internal/database"
	"github.com/marild/portfolio-engine/internal/domain"
	"github.com/marild/portfolio-engine/internal/store"
)

var passTime = time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)

type allocFixture struct {
	db     *sql.DB
	shadow *store.Store
	live   *store.Store
	svc    *Service
}

func newAllocFixture(t *testing.T, enabled bool) *allocFixture {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, name := range []string{"state", "ledger"} {
		schema, err := database.SchemaFor(name)
		require.NoError(t, err)
		_, err = db.Exec(schema)
		require.NoError(t, err)
	}

	log := zerolog.Nop()
	shadow := store.NewShadowStore(db, db, log)
	live := store.NewLiveStore(db, db, log)

	svc := NewService(shadow.Trades, live.Positions,
		store.NewOwnershipRepository(db, log),
		store.NewUniverseRepository(db, log),
		NewRepository(db, log), enabled, log)

	return &allocFixture{db: db, shadow: shadow, live: live, svc: svc}
}

func (f *allocFixture) allowlist(t *testing.T, symbol string) {
	t.Helper()
	_, err := f.db.Exec(`INSERT INTO allowlist (symbol, enabled) VALUES (?, 1)`, symbol)
	require.NoError(t, err)
}

// seedTrades inserts n closed shadow trades with a constant realized R,
// spread over the last 20 days.
func (f *allocFixture) seedTrades(t *testing.T, symbol, key, version string, n int, r float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		closedAt := passTime.AddDate(0, 0, -(i % 20)).Add(-time.Hour)
		err := f.shadow.Trades.Insert(domain.Trade{
			ID:         fmt.Sprintf("t-%s-%s-%d", symbol, version, i),
			PositionID: fmt.Sprintf("p-%s-%d", symbol, i),
			SignalID:   fmt.Sprintf("s-%s-%d", symbol, i),
			EngineKey:  key, EngineVersion: version, RunMode: domain.RunModeShadow,
			Ticker: symbol, Side: domain.SideLong,
			EntryPrice: 100, ExitPrice: 100 + 2*r, Qty: 50,
			ExitReason:  domain.ExitTPHit,
			RealizedPnL: r * 100, RealizedR: r,
			OpenedAt: closedAt.Add(-2 * time.Hour), ClosedAt: closedAt,
		})
		require.NoError(t, err)
	}
}

type proposalRow struct {
	Symbol  string
	Key     string
	Version string
	Status  string
	Reason  string
}

func (f *allocFixture) proposals(t *testing.T) []proposalRow {
	t.Helper()
	rows, err := f.db.Query(`SELECT symbol, candidate_key, candidate_version, status, reason
		FROM allocation_proposals ORDER BY rowid`)
	require.NoError(t, err)
	defer rows.Close()

	var out []proposalRow
	for rows.Next() {
		var p proposalRow
		require.NoError(t, rows.Scan(&p.Symbol, &p.Key, &p.Version, &p.Status, &p.Reason))
		out = append(out, p)
	}
	require.NoError(t, rows.Err())
	return out
}

func (f *allocFixture) scoreCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM allocation_scores`).Scan(&n))
	return n
}

func TestDailyPassPromotesUnownedSymbol(t *testing.T) {
	f := newAllocFixture(t, true)
	f.allowlist(t, "NVDA")
	f.seedTrades(t, "NVDA", "swing", "v2", 25, 1.0)

	require.NoError(t, f.svc.RunDailyPass(passTime))

	// One group scored over both windows.
	assert.Equal(t, 2, f.scoreCount(t))

	proposals := f.proposals(t)
	require.Len(t, proposals, 1)
	assert.Equal(t, "PROMOTED", proposals[0].Status)
	assert.Equal(t, "swing", proposals[0].Key)
	assert.Equal(t, "v2", proposals[0].Version)

	ownership := store.NewOwnershipRepository(f.db, zerolog.Nop())
	owner, err := ownership.Get("NVDA")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "swing", owner.ActiveEngineKey)
	assert.Equal(t, "v2", owner.ActiveEngineVersion)
	require.NotNil(t, owner.LockedUntil)
	assert.WithinDuration(t, passTime.AddDate(0, 0, 45), *owner.LockedUntil, time.Minute)
}

func TestDailyPassRespectsStickyLock(t *testing.T) {
	f := newAllocFixture(t, true)
	f.allowlist(t, "NVDA")
	f.seedTrades(t, "NVDA", "swing", "v2", 25, 1.0)

	ownership := store.NewOwnershipRepository(f.db, zerolog.Nop())
	require.NoError(t, ownership.Promote("NVDA", "momentum", "v1", 1.5, passTime.AddDate(0, 0, 30)))

	require.NoError(t, f.svc.RunDailyPass(passTime))

	proposals := f.proposals(t)
	require.Len(t, proposals, 1)
	assert.Equal(t, "REJECTED", proposals[0].Status)
	assert.Contains(t, proposals[0].Reason, "ownership locked until")

	// The incumbent stays.
	owner, err := ownership.Get("NVDA")
	require.NoError(t, err)
	assert.Equal(t, "momentum", owner.ActiveEngineKey)
}

func TestDailyPassRequiresScoreEdge(t *testing.T) {
	f := newAllocFixture(t, true)
	f.allowlist(t, "NVDA")
	// Candidate barely ahead of the incumbent, but inside the 1.2x band.
	f.seedTrades(t, "NVDA", "swing", "v2", 25, 1.0)
	f.seedTrades(t, "NVDA", "momentum", "v1", 25, 0.9)

	// Incumbent with an expired lock so only the edge rules apply.
	_, err := f.db.Exec(`INSERT INTO engine_ownership
		(symbol, active_engine_key, active_engine_version, last_score) VALUES ('NVDA', 'momentum', 'v1', 1.8)`)
	require.NoError(t, err)

	require.NoError(t, f.svc.RunDailyPass(passTime))

	// Two groups, two windows each.
	assert.Equal(t, 4, f.scoreCount(t))

	proposals := f.proposals(t)
	require.Len(t, proposals, 1)
	assert.Equal(t, "REJECTED", proposals[0].Status)
	assert.Contains(t, proposals[0].Reason, "score edge")
}

func TestDailyPassDefersOnOpenLivePosition(t *testing.T) {
	f := newAllocFixture(t, true)
	f.allowlist(t, "NVDA")
	f.seedTrades(t, "NVDA", "swing", "v2", 25, 1.0)

	require.NoError(t, f.live.Positions.Insert(domain.Position{
		ID: "lp-1", EngineKey: "momentum", EngineVersion: "v1", RunMode: domain.RunModePrimary,
		Ticker: "NVDA", Side: domain.SideLong,
		EntryPrice: 100, Qty: 50, InitialQty: 50, NotionalAtEntry: 5000,
		StopLoss: 98, InitialStopLoss: 98, TakeProfit1: 104, RiskDollars: 100,
		OpenedAt: passTime.Add(-time.Hour), Status: "OPEN",
		HighestPrice: 100, LowestPrice: 100, State: domain.StateRunning, SignalID: "s-lp",
	}))

	require.NoError(t, f.svc.RunDailyPass(passTime))

	proposals := f.proposals(t)
	require.Len(t, proposals, 1)
	assert.Equal(t, "PENDING_OPEN_POSITION", proposals[0].Status)
	assert.Equal(t, "live position open", proposals[0].Reason)

	// No ownership change while the live position is open.
	owner, err := store.NewOwnershipRepository(f.db, zerolog.Nop()).Get("NVDA")
	require.NoError(t, err)
	assert.Nil(t, owner)
}

func TestDailyPassDisabledStillScores(t *testing.T) {
	f := newAllocFixture(t, false)
	f.allowlist(t, "NVDA")
	f.seedTrades(t, "NVDA", "swing", "v2", 25, 1.0)

	require.NoError(t, f.svc.RunDailyPass(passTime))

	assert.Equal(t, 2, f.scoreCount(t))

	proposals := f.proposals(t)
	require.Len(t, proposals, 1)
	assert.Equal(t, "REJECTED", proposals[0].Status)
	assert.Equal(t, "allocation disabled", proposals[0].Reason)
}

func TestDailyPassSkipsThinHistory(t *testing.T) {
	f := newAllocFixture(t, true)
	f.allowlist(t, "NVDA")
	// Below the 20-trade eligibility floor.
	f.seedTrades(t, "NVDA", "swing", "v2", 10, 1.0)

	require.NoError(t, f.svc.RunDailyPass(passTime))

	// Scores are still recorded, but no candidate and so no proposal.
	assert.Equal(t, 2, f.scoreCount(t))
	assert.Empty(t, f.proposals(t))
}

func TestMaxDrawdownR(t *testing.T) {
	// Cumulative curve: 1, 2, 0.5, -0.5, 0.5. Peak 2, trough -0.5.
	assert.InDelta(t, 2.5, maxDrawdownR([]float64{1, 1, -1.5, -1, 1}), 1e-9)
	assert.Equal(t, 0.0, maxDrawdownR([]float64{1, 1, 1}))
}
