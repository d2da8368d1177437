// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	// Market data provider
	MarketDataBaseURL string
	MarketDataAPIKey  string

	// Feature flags
	DisableDayTrader     bool // MARILD_DISABLE_DAYTRADER
	EnableAllocation     bool // MARILD_ENABLE_ALLOCATION
	EnableCryptoShadow   bool // MARILD_ENABLE_CRYPTO_SHADOW
	EnableSignalOutcomes bool // MARILD_ENABLE_SIGNAL_OUTCOMES

	// Tick behaviour
	TickBudgetSeconds int // soft budget; remaining engines defer past this
	SignalLookbackMin int // admission signal freshness window, minutes
	BarGraceSeconds   int // opening-bar look-ahead grace for intrabar exits
	QuoteCacheTTLSec  int // read-through quote cache TTL

	// Per-strategy engine knobs
	Swing       EngineConfig
	DayTrader   EngineConfig
	Crypto      EngineConfig
	QuickProfit QuickProfitConfig
}

// EngineConfig holds the tunable knobs for one strategy engine.
type EngineConfig struct {
	InitialEquity        float64
	RiskPct              float64 // fraction of equity risked per trade
	MaxNotionalPct       float64 // per-position notional cap, fraction of equity
	MaxConcurrent        int
	MaxPortfolioAllocPct float64 // total allocated notional cap, fraction of equity
	MinNotional          float64
	TrailingActivationR  float64
	TrailDistanceR       float64
	RunnerEnabled        bool
	TP1ClosePct          float64 // fraction of qty closed at TP1
	TP2RMultiple         float64 // TP2 = entry +/- k * riskPerShare
	RecyclingMode        string  // OFF | ON | STRICT
	EODFlattenHourUTC    int     // day-trader strategies only
	EODFlattenMinuteUTC  int
	MaxSlots             int // portfolio bucket guard slot count (SWING PRIMARY)
}

// QuickProfitConfig holds the dollar-based quick-profit shadow overrides.
type QuickProfitConfig struct {
	InitialEquity     float64
	BETriggerUsd      float64 // unrealized P&L that arms breakeven
	BEBufferUsd       float64 // dollar buffer past entry, spread across remaining shares
	PartialTriggerUsd float64
	PartialFraction   float64
	TrailDistanceUsd  float64 // per remaining share
	LookbackHours     int
	RiskPct           float64
	MaxPositions      int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("MARILD_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("MARILD_PORT", 8090),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		MarketDataBaseURL: getEnv("MARKET_DATA_BASE_URL", "https://financialmodelingprep.com/api/v3"),
		MarketDataAPIKey:  getEnv("MARKET_DATA_API_KEY", ""),

		DisableDayTrader:     getEnvAsBool("MARILD_DISABLE_DAYTRADER", false),
		EnableAllocation:     getEnvAsBool("MARILD_ENABLE_ALLOCATION", false),
		EnableCryptoShadow:   getEnvAsBool("MARILD_ENABLE_CRYPTO_SHADOW", false),
		EnableSignalOutcomes: getEnvAsBool("MARILD_ENABLE_SIGNAL_OUTCOMES", false),

		TickBudgetSeconds: getEnvAsInt("MARILD_TICK_BUDGET_SECONDS", 50),
		SignalLookbackMin: getEnvAsInt("MARILD_SIGNAL_LOOKBACK_MINUTES", 30),
		BarGraceSeconds:   getEnvAsInt("MARILD_BAR_GRACE_SECONDS", 60),
		QuoteCacheTTLSec:  getEnvAsInt("MARILD_QUOTE_CACHE_TTL_SECONDS", 30),

		Swing:       loadEngineConfig("SWING", swingDefaults()),
		DayTrader:   loadEngineConfig("DAYTRADER", dayTraderDefaults()),
		Crypto:      loadEngineConfig("CRYPTO", cryptoDefaults()),
		QuickProfit: loadQuickProfitConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present.
// Missing credentials must surface as an error to the invoker, never a
// silent fallback (research mode is the only exception, via DEV_MODE).
func (c *Config) Validate() error {
	if c.MarketDataAPIKey == "" && !c.DevMode {
		return fmt.Errorf("MARKET_DATA_API_KEY is required (set DEV_MODE=true for research mode)")
	}
	return nil
}

func swingDefaults() EngineConfig {
	return EngineConfig{
		InitialEquity:        100000,
		RiskPct:              0.0075,
		MaxNotionalPct:       0.25,
		MaxConcurrent:        10,
		MaxPortfolioAllocPct: 0.80,
		MinNotional:          1000,
		TrailingActivationR:  1.5,
		TrailDistanceR:       0.75,
		RunnerEnabled:        true,
		TP1ClosePct:          0.5,
		TP2RMultiple:         3.0,
		RecyclingMode:        "OFF",
		MaxSlots:             10,
	}
}

func dayTraderDefaults() EngineConfig {
	return EngineConfig{
		InitialEquity:        100000,
		RiskPct:              0.005,
		MaxNotionalPct:       0.20,
		MaxConcurrent:        6,
		MaxPortfolioAllocPct: 0.60,
		MinNotional:          1000,
		TrailingActivationR:  1.0,
		TrailDistanceR:       0.5,
		RunnerEnabled:        false,
		TP1ClosePct:          0.5,
		TP2RMultiple:         2.0,
		RecyclingMode:        "OFF",
		EODFlattenHourUTC:    19,
		EODFlattenMinuteUTC:  55,
		MaxSlots:             6,
	}
}

func cryptoDefaults() EngineConfig {
	return EngineConfig{
		InitialEquity:        50000,
		RiskPct:              0.005,
		MaxNotionalPct:       0.20,
		MaxConcurrent:        5,
		MaxPortfolioAllocPct: 0.60,
		MinNotional:          500,
		TrailingActivationR:  1.5,
		TrailDistanceR:       0.75,
		RunnerEnabled:        true,
		TP1ClosePct:          0.5,
		TP2RMultiple:         3.0,
		RecyclingMode:        "OFF",
		MaxSlots:             5,
	}
}

// loadEngineConfig reads strategy knobs from MARILD_<STRATEGY>_* variables,
// falling back to the provided defaults.
func loadEngineConfig(prefix string, def EngineConfig) EngineConfig {
	p := "MARILD_" + prefix + "_"
	return EngineConfig{
		InitialEquity:        getEnvAsFloat(p+"INITIAL_EQUITY", def.InitialEquity),
		RiskPct:              getEnvAsFloat(p+"RISK_PCT", def.RiskPct),
		MaxNotionalPct:       getEnvAsFloat(p+"MAX_NOTIONAL_PCT", def.MaxNotionalPct),
		MaxConcurrent:        getEnvAsInt(p+"MAX_CONCURRENT", def.MaxConcurrent),
		MaxPortfolioAllocPct: getEnvAsFloat(p+"MAX_PORTFOLIO_ALLOC_PCT", def.MaxPortfolioAllocPct),
		MinNotional:          getEnvAsFloat(p+"MIN_NOTIONAL", def.MinNotional),
		TrailingActivationR:  getEnvAsFloat(p+"TRAILING_ACTIVATION_R", def.TrailingActivationR),
		TrailDistanceR:       getEnvAsFloat(p+"TRAIL_DISTANCE_R", def.TrailDistanceR),
		RunnerEnabled:        getEnvAsBool(p+"RUNNER_ENABLED", def.RunnerEnabled),
		TP1ClosePct:          getEnvAsFloat(p+"TP1_CLOSE_PCT", def.TP1ClosePct),
		TP2RMultiple:         getEnvAsFloat(p+"TP2_R_MULTIPLE", def.TP2RMultiple),
		RecyclingMode:        getEnv(p+"RECYCLING_MODE", def.RecyclingMode),
		EODFlattenHourUTC:    getEnvAsInt(p+"EOD_FLATTEN_HOUR_UTC", def.EODFlattenHourUTC),
		EODFlattenMinuteUTC:  getEnvAsInt(p+"EOD_FLATTEN_MINUTE_UTC", def.EODFlattenMinuteUTC),
		MaxSlots:             getEnvAsInt(p+"MAX_SLOTS", def.MaxSlots),
	}
}

func loadQuickProfitConfig() QuickProfitConfig {
	return QuickProfitConfig{
		InitialEquity:     getEnvAsFloat("MARILD_QP_INITIAL_EQUITY", 100000),
		BETriggerUsd:      getEnvAsFloat("MARILD_QP_BE_TRIGGER_USD", 150),
		BEBufferUsd:       getEnvAsFloat("MARILD_QP_BE_BUFFER_USD", 5),
		PartialTriggerUsd: getEnvAsFloat("MARILD_QP_PARTIAL_TRIGGER_USD", 250),
		PartialFraction:   getEnvAsFloat("MARILD_QP_PARTIAL_FRACTION", 0.5),
		TrailDistanceUsd:  getEnvAsFloat("MARILD_QP_TRAIL_DISTANCE_USD", 120),
		LookbackHours:     getEnvAsInt("MARILD_QP_LOOKBACK_HOURS", 4),
		RiskPct:           getEnvAsFloat("MARILD_QP_RISK_PCT", 0.005),
		MaxPositions:      getEnvAsInt("MARILD_QP_MAX_POSITIONS", 5),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
