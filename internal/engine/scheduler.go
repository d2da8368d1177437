// Package engine implements the portfolio manager core: the tick
// scheduler, the per-position state machine, signal admission with
// risk-based sizing, the portfolio bucket guard and the quick-profit
// variant.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/config"
	"github.com/marild/portfolio-engine/internal/domain"
	"github.com/marild/portfolio-engine/internal/monitoring"
	"github.com/marild/portfolio-engine/internal/store"
)

// Scheduler runs one tick: every enabled engine instance sequentially,
// each against the write partition its run mode owns. Isolation trumps
// parallelism; there is one database and many small transactions.
type Scheduler struct {
	cfg         *config.Config
	liveStore   *store.Store
	shadowStore *store.Store
	universe    *store.UniverseRepository
	ownership   *store.OwnershipRepository
	signals     domain.SignalSource
	market      domain.MarketData
	metrics     *monitoring.Metrics
	heartbeat   *monitoring.Heartbeat
	log         zerolog.Logger
}

// NewScheduler wires the tick scheduler.
func NewScheduler(cfg *config.Config, liveStore, shadowStore *store.Store,
	universe *store.UniverseRepository, ownership *store.OwnershipRepository,
	signals domain.SignalSource, market domain.MarketData,
	metrics *monitoring.Metrics, heartbeat *monitoring.Heartbeat, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		liveStore:   liveStore,
		shadowStore: shadowStore,
		universe:    universe,
		ownership:   ownership,
		signals:     signals,
		market:      market,
		metrics:     metrics,
		heartbeat:   heartbeat,
		log:         log.With().Str("component", "scheduler").Logger(),
	}
}

// RunTick processes every runnable instance once. cryptoOnly selects the
// reduced path that skips equity engines. A per-instance error is logged
// and the next instance proceeds; a run-mode violation aborts the tick.
func (s *Scheduler) RunTick(ctx context.Context, cryptoOnly bool) error {
	start := time.Now()
	now := start.UTC()

	var tickErr error
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveTick(time.Since(start), tickErr)
		}
	}()

	instances, err := s.universe.EnabledInstances()
	if err != nil {
		tickErr = fmt.Errorf("failed to load engine instances: %w", err)
		s.beat("error", "tick failed loading instances")
		return tickErr
	}

	gateCtx, err := s.universe.LatestContextDecision()
	if err != nil {
		s.log.Warn().Err(err).Msg("Context decision load failed, proceeding without")
		gateCtx = nil
	}

	budget := time.Duration(s.cfg.TickBudgetSeconds) * time.Second

	for _, inst := range instances {
		if !s.runnable(inst, cryptoOnly) {
			continue
		}

		// Soft budget: remaining instances defer to the next tick
		// rather than stretching this one.
		if budget > 0 && time.Since(start) > budget {
			s.log.Warn().
				Str("engine_key", inst.EngineKey).
				Dur("elapsed", time.Since(start)).
				Msg("Tick budget exceeded, deferring remaining instances")
			break
		}

		if err := s.runInstance(ctx, inst, instances, gateCtx, now); err != nil {
			if errors.Is(err, store.ErrRunModeViolation) {
				tickErr = err
				s.beat("error", "run-mode violation, tick aborted")
				s.log.Error().Err(err).Str("engine_key", inst.EngineKey).Msg("Run-mode violation, aborting tick")
				return err
			}

			if s.metrics != nil {
				s.metrics.EngineErrors.WithLabelValues(inst.EngineKey).Inc()
			}
			s.log.Error().Err(err).
				Str("engine_key", inst.EngineKey).
				Str("run_mode", string(inst.RunMode)).
				Msg("Instance failed, continuing with next")
		}
	}

	s.beat("info", "tick completed")
	s.log.Info().Dur("duration", time.Since(start)).Bool("crypto_only", cryptoOnly).Msg("Tick completed")
	return nil
}

// runnable applies the feature flags and the cryptoOnly selector.
func (s *Scheduler) runnable(inst domain.EngineInstance, cryptoOnly bool) bool {
	if cryptoOnly {
		return inst.Strategy == domain.StrategyCrypto && s.cfg.EnableCryptoShadow
	}

	switch inst.Strategy {
	case domain.StrategyCrypto:
		return s.cfg.EnableCryptoShadow
	case domain.StrategyDayTrader:
		return !s.cfg.DisableDayTrader
	case domain.StrategyQuickProfit:
		return inst.RunMode == domain.RunModeShadow
	default:
		return true
	}
}

// runInstance runs loader, position management, admission and the
// snapshot write for one instance.
func (s *Scheduler) runInstance(ctx context.Context, inst domain.EngineInstance, all []domain.EngineInstance, gateCtx *domain.ContextDecision, now time.Time) error {
	st := s.storeFor(inst.RunMode)
	strategyCfg := s.engineConfig(inst.Strategy)

	initialEquity := strategyCfg.InitialEquity
	if inst.Strategy == domain.StrategyQuickProfit {
		initialEquity = s.quickProfitSeed(all)
	}

	loader := NewPortfolioLoader(st, s.market, s.log)
	state, err := loader.Load(ctx, inst.Key(), initialEquity)
	if err != nil {
		return err
	}

	if inst.Strategy == domain.StrategyQuickProfit {
		qp := NewQuickProfitManager(st, s.market, s.cfg.QuickProfit, s.log)
		if err := qp.ManageAll(ctx, state, now); err != nil {
			return err
		}
	} else {
		pm := NewPositionManager(st, s.market, strategyCfg, inst.Strategy,
			time.Duration(s.cfg.BarGraceSeconds)*time.Second, s.log)
		if err := pm.ManageAll(ctx, state, now); err != nil {
			return err
		}
	}

	var guard *BucketGuard
	if inst.Strategy == domain.StrategySwing && inst.RunMode == domain.RunModePrimary {
		guard, err = BuildBucketGuard(s.universe, state.Positions, strategyCfg.MaxSlots, now, s.log)
		if err != nil {
			return err
		}
	}

	lookback := time.Duration(s.cfg.SignalLookbackMin) * time.Minute
	if inst.Strategy == domain.StrategyQuickProfit {
		lookback = time.Duration(s.cfg.QuickProfit.LookbackHours) * time.Hour
	}

	admission := NewAdmissionService(st, s.market, s.signals, s.universe, s.ownership,
		strategyCfg, inst.Strategy, lookback, s.log)
	if err := admission.Process(ctx, inst, state, guard, gateCtx, now); err != nil {
		return err
	}

	if err := st.Portfolios.Save(state.Snapshot()); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.ObservePortfolio(inst.EngineKey, string(inst.RunMode), state.OpenCount(), state.Equity)
	}
	return nil
}

func (s *Scheduler) storeFor(mode domain.RunMode) *store.Store {
	if mode == domain.RunModePrimary {
		return s.liveStore
	}
	return s.shadowStore
}

// engineConfig maps a strategy to its knobs. Quick-profit admission
// borrows the swing caps with its own risk and concurrency overrides.
func (s *Scheduler) engineConfig(strategy domain.Strategy) config.EngineConfig {
	switch strategy {
	case domain.StrategyDayTrader:
		return s.cfg.DayTrader
	case domain.StrategyCrypto:
		return s.cfg.Crypto
	case domain.StrategyQuickProfit:
		cfg := s.cfg.Swing
		cfg.RiskPct = s.cfg.QuickProfit.RiskPct
		cfg.MaxConcurrent = s.cfg.QuickProfit.MaxPositions
		cfg.InitialEquity = s.cfg.QuickProfit.InitialEquity
		cfg.RunnerEnabled = false
		return cfg
	default:
		return s.cfg.Swing
	}
}

// quickProfitSeed synchronises the quick-profit starting equity with the
// live SWING snapshot when one exists.
func (s *Scheduler) quickProfitSeed(all []domain.EngineInstance) float64 {
	for _, inst := range all {
		if inst.Strategy != domain.StrategySwing || inst.RunMode != domain.RunModePrimary {
			continue
		}
		snap, err := s.liveStore.Portfolios.Get(inst.Key())
		if err != nil {
			s.log.Warn().Err(err).Msg("Live swing snapshot read failed for quick-profit seed")
			return s.cfg.QuickProfit.InitialEquity
		}
		if snap != nil && snap.Equity > 0 {
			return snap.Equity
		}
	}
	return s.cfg.QuickProfit.InitialEquity
}

func (s *Scheduler) beat(level, message string) {
	if s.heartbeat != nil {
		s.heartbeat.Beat(level, message)
	}
}
