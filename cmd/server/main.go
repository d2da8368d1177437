// Command server runs the portfolio manager engine: the cron-driven tick
// scheduler, the daily allocation pass and the HTTP ingress.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/marild/portfolio-engine/internal/allocation"
	"github.com/marild/portfolio-engine/internal/config"
	"github.com/marild/portfolio-engine/internal/database"
	"github.com/marild/portfolio-engine/internal/engine"
	"github.com/marild/portfolio-engine/internal/marketdata"
	"github.com/marild/portfolio-engine/internal/monitoring"
	"github.com/marild/portfolio-engine/internal/scheduler"
	"github.com/marild/portfolio-engine/internal/server"
	"github.com/marild/portfolio-engine/internal/store"
	"github.com/marild/portfolio-engine/pkg/logger"
)

const (
	tickSchedule       = "0 * * * * *" // every minute
	allocationSchedule = "0 0 6 * * *" // 06:00 UTC daily
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLog := logger.New(logger.Config{Level: "error"})
		errLog.Fatal().Err(err).Msg("Configuration invalid")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)

	stateDB, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "state.db"), Profile: database.ProfileStandard, Name: "state",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state database")
	}
	defer stateDB.Close()

	ledgerDB, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "ledger.db"), Profile: database.ProfileLedger, Name: "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	defer ledgerDB.Close()

	cacheDB, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "cache.db"), Profile: database.ProfileCache, Name: "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	for _, db := range []*database.DB{stateDB, ledgerDB, cacheDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("db", db.Name()).Msg("Migration failed")
		}
	}

	liveStore := store.NewLiveStore(stateDB.Conn(), ledgerDB.Conn(), log)
	shadowStore := store.NewShadowStore(stateDB.Conn(), ledgerDB.Conn(), log)
	universeRepo := store.NewUniverseRepository(stateDB.Conn(), log)
	ownershipRepo := store.NewOwnershipRepository(stateDB.Conn(), log)
	signalRepo := store.NewSignalRepository(stateDB.Conn(), log)
	heartbeatRepo := store.NewHeartbeatRepository(ledgerDB.Conn(), log)

	quoteCache := marketdata.NewQuoteCache(cacheDB.Conn(),
		time.Duration(cfg.QuoteCacheTTLSec)*time.Second, log)
	market := marketdata.NewClient(cfg.MarketDataBaseURL, cfg.MarketDataAPIKey, quoteCache, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := monitoring.NewMetrics(registry)
	heartbeat := monitoring.NewHeartbeat(heartbeatRepo, log)

	eng := engine.NewScheduler(cfg, liveStore, shadowStore, universeRepo, ownershipRepo,
		signalRepo, market, metrics, heartbeat, log)

	allocSvc := allocation.NewService(shadowStore.Trades, liveStore.Positions,
		ownershipRepo, universeRepo, allocation.NewRepository(ledgerDB.Conn(), log),
		cfg.EnableAllocation, log)

	cron := scheduler.New(log)
	if err := cron.AddJob(tickSchedule, scheduler.NewTickJob(eng)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register tick job")
	}
	if err := cron.AddJob(allocationSchedule, scheduler.NewAllocationJob(allocSvc)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register allocation job")
	}
	cron.Start()
	defer cron.Stop()

	srv := server.New(server.Config{
		Port:     cfg.Port,
		Log:      log,
		Engine:   eng,
		StateDB:  stateDB,
		LedgerDB: ledgerDB,
		CacheDB:  cacheDB,
		Registry: registry,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	heartbeat.Beat("info", "engine started")
	log.Info().Int("port", cfg.Port).Msg("Portfolio engine running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
	}

	heartbeat.Beat("info", "engine stopped")
}
