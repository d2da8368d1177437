// Package domain holds the core types of the portfolio engine.
// It is pure: no infrastructure imports, no database handles.
package domain

import "time"

// RunMode distinguishes the live-money lane from paper-trading lanes.
type RunMode string

const (
	RunModePrimary RunMode = "PRIMARY"
	RunModeShadow  RunMode = "SHADOW"
)

// Strategy identifies the trading style an engine instance runs.
type Strategy string

const (
	StrategySwing       Strategy = "SWING"
	StrategyDayTrader   Strategy = "DAY_TRADER"
	StrategyQuickProfit Strategy = "QUICK_PROFIT"
	StrategyCrypto      Strategy = "CRYPTO"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// ManagementState is the explicit state of the position state machine.
type ManagementState string

const (
	StateRunning       ManagementState = "RUNNING"
	StateBreakevenArmed ManagementState = "BREAKEVEN_ARMED"
	StateRunnerActive  ManagementState = "RUNNER_ACTIVE"
	StateClosed        ManagementState = "CLOSED"
)

// ExitReason is the closed set of reasons a trade row can carry.
type ExitReason string

const (
	ExitTPHit                 ExitReason = "TP_HIT"
	ExitSLHit                 ExitReason = "SL_HIT"
	ExitTrailingSLHit         ExitReason = "TRAILING_SL_HIT"
	ExitTP1Partial            ExitReason = "TP1_PARTIAL"
	ExitTP2Hit                ExitReason = "TP2_HIT"
	ExitRunnerTrail           ExitReason = "RUNNER_TRAIL_EXIT"
	ExitEODFlatten            ExitReason = "EOD_FLATTEN"
	ExitTimePreCloseSideways  ExitReason = "TIME_EXIT_PRE_CLOSE_SIDEWAYS"
	ExitTimePreCloseV2        ExitReason = "TIME_EXIT_PRE_CLOSE_V2"
	ExitCapitalRecycle        ExitReason = "CAPITAL_RECYCLE_LOW_MOMENTUM"
	ExitOvernightPartialClose ExitReason = "OVERNIGHT_PARTIAL_CLOSE"
	ExitForceClosedAdmin      ExitReason = "FORCE_CLOSED_ADMIN"
	ExitStopLoss              ExitReason = "STOP_LOSS"
	ExitTrailStop             ExitReason = "TRAIL_STOP"
	ExitPartialProfit         ExitReason = "PARTIAL_PROFIT"
	ExitManual                ExitReason = "manual"
)

// EngineInstance describes one enabled strategy engine.
type EngineInstance struct {
	EngineKey     string
	EngineVersion string
	RunMode       RunMode
	Strategy      Strategy
	IsEnabled     bool
	StoppedAt     *time.Time
}

// InstanceKey identifies an engine instance.
type InstanceKey struct {
	EngineKey     string
	EngineVersion string
	RunMode       RunMode
}

// Key returns the instance key of an engine instance.
func (e EngineInstance) Key() InstanceKey {
	return InstanceKey{EngineKey: e.EngineKey, EngineVersion: e.EngineVersion, RunMode: e.RunMode}
}

// PortfolioSnapshot is one persisted portfolio row per engine instance.
type PortfolioSnapshot struct {
	EngineKey         string
	EngineVersion     string
	RunMode           RunMode
	StartingEquity    float64
	Equity            float64
	Cash              float64
	AllocatedNotional float64
	RealizedPnL       float64
	UnrealizedPnL     float64
	OpenPositions     int
	UpdatedAt         time.Time
}

// Position is one open model position and its state-machine fields.
type Position struct {
	ID             string
	EngineKey      string
	EngineVersion  string
	RunMode        RunMode
	Ticker         string
	Side           Side
	EntryPrice     float64
	Qty            float64
	InitialQty     float64
	NotionalAtEntry float64
	StopLoss       float64
	InitialStopLoss float64
	TakeProfit1    float64
	TakeProfit2    *float64
	// RiskDollars = |entry - initial SL| * initial qty, fixed at open.
	// Never mutated by partials or stop moves.
	RiskDollars float64
	OpenedAt    time.Time
	Status      string // OPEN | CLOSED

	HighestPrice       float64
	LowestPrice        float64
	TrailingActive     bool
	TrailingStop       float64
	TP1Hit             bool
	RunnerActive       bool
	BEActivatedAt      *time.Time
	PartialTaken       bool
	TrailPeakPnL       float64
	HasRecycledCapital bool
	State              ManagementState
	SignalID           string
	UpdatedAt          time.Time
}

// RiskPerShare is one R for this position: |entry - initial SL|.
func (p Position) RiskPerShare() float64 {
	d := p.EntryPrice - p.InitialStopLoss
	if d < 0 {
		return -d
	}
	return d
}

// UnrealizedR returns the unrealized R multiple at the given price.
func (p Position) UnrealizedR(price float64) float64 {
	rps := p.RiskPerShare()
	if rps == 0 {
		return 0
	}
	return (price - p.EntryPrice) * p.Side.Sign() / rps
}

// UnrealizedPnL returns the unrealized P&L at the given price.
func (p Position) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Qty * p.Side.Sign()
}

// Trade is one immutable exit record (full or partial).
type Trade struct {
	ID            string
	PositionID    string
	SignalID      string
	EngineKey     string
	EngineVersion string
	RunMode       RunMode
	Ticker        string
	Side          Side
	EntryPrice    float64
	ExitPrice     float64
	Qty           float64
	ExitReason    ExitReason
	RealizedPnL   float64
	RealizedR     float64
	OpenedAt      time.Time
	ClosedAt      time.Time
}

// Signal is produced by the AI signal service; consumed read-only.
type Signal struct {
	ID            string
	Symbol        string
	EngineType    string
	TradingStyle  string
	Decision      string // buy | sell | neutral
	Confidence    float64
	EntryPrice    float64
	StopLoss      float64
	TakeProfit1   float64
	EngineVersion string
	CreatedAt     time.Time
}

// Decision outcomes for the admission audit trail.
const (
	DecisionOpen = "OPEN"

	SkipWrongEngineOwner       = "SKIP_WRONG_ENGINE_OWNER"
	SkipOutsidePortfolioBucket = "SKIP_OUTSIDE_PORTFOLIO_BUCKET"
	SkipCoreSlotsFull          = "SKIP_CORE_SLOTS_FULL"
	SkipExploreSlotsFull       = "SKIP_EXPLORE_SLOTS_FULL"
	SkipExistingPosition       = "SKIP_EXISTING_POSITION"
	SkipMaxPositions           = "SKIP_MAX_POSITIONS"
	SkipRRTooLow               = "SKIP_RR_TOO_LOW"
	SkipDistanceUnrealistic    = "SKIP_DISTANCE_UNREALISTIC"
	SkipStaleEntry             = "SKIP_STALE_ENTRY"
	SkipInvalidSL              = "SKIP_INVALID_SL"
	SkipInvalidTP              = "SKIP_INVALID_TP"
	SkipCapacity               = "SKIP_CAPACITY"
	SkipTradeGateClosed        = "SKIP_TRADE_GATE_CLOSED"
	SkipNeutralSignal          = "SKIP_NEUTRAL_SIGNAL"
)

// DecisionRecord is one row per (signal, instance) evaluation. Append-only.
type DecisionRecord struct {
	ID            string
	SignalID      string
	EngineKey     string
	EngineVersion string
	RunMode       RunMode
	Ticker        string
	Decision      string // OPEN | SKIP_*
	ReasonCode    string
	ReasonContext string
	Equity        float64
	Cash          float64
	Allocated     float64
	OpenCount     int
	TradeGate     string // OPEN | CLOSE
	Lane          string // CORE | EXPLORE | ""
	CreatedAt     time.Time
}

// OwnershipRow maps a symbol to the engine allowed to trade it.
type OwnershipRow struct {
	Symbol              string
	ActiveEngineKey     string
	ActiveEngineVersion string
	LastScore           *float64
	LastPromotionAt     *time.Time
	LockedUntil         *time.Time
}

// Lane classification of a symbol within the portfolio bucket guard.
type Lane string

const (
	LaneCore    Lane = "CORE"
	LaneExplore Lane = "EXPLORE"
	LaneOutside Lane = ""
)

// FocusEntry is one row of today's focus snapshot.
type FocusEntry struct {
	Symbol             string
	IsTop8             bool
	ManualPriority     float64
	Confidence         float64
	TradePriorityScore *float64
}

// AllowlistEntry is one enabled allowlist symbol.
type AllowlistEntry struct {
	Symbol                string
	Enabled               bool
	BypassConfidenceFloor bool
}

// ContextDecision is an optional macro trade gate read by context-aware
// shadow engines.
type ContextDecision struct {
	PolicyVersion string
	AsOf          time.Time
	TradeGate     string // OPEN | CLOSE
	RiskScale     float64
	MaxPositions  *int
}

// TradeLogEntry is one PRIMARY-lane management action audit row.
type TradeLogEntry struct {
	ID         string
	PositionID string
	Ticker     string
	Action     string
	Detail     string
	CreatedAt  time.Time
}

// Quote is a current market quote for a symbol.
type Quote struct {
	Symbol    string
	Price     float64
	ChangePct float64
	Volume    float64
	DayHigh   float64
	DayLow    float64
	UpdatedAt time.Time
}

// Bar is one OHLCV bar.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// BarInterval identifies which granularity a position-bar fetch returned.
type BarInterval string

const (
	Interval1m    BarInterval = "1m"
	Interval5m    BarInterval = "5m"
	IntervalQuote BarInterval = "quote"
)

// PositionBars is the result of a position-bar fetch with fallback semantics:
// preferred 1m bars, fallback 5m, last resort the current quote alone.
type PositionBars struct {
	Bars         []Bar
	Interval     BarInterval
	CurrentPrice float64
}
