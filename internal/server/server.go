// Package server provides the HTTP ingress of the engine: the tick
// trigger, health checks and the metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/marild/portfolio-engine/internal/database"
	"github.com/marild/portfolio-engine/internal/engine"
)

// Config holds server configuration
type Config struct {
	Port     int
	Log      zerolog.Logger
	Engine   *engine.Scheduler
	StateDB  *database.DB
	LedgerDB *database.DB
	CacheDB  *database.DB
	Registry *prometheus.Registry
}

// Server is the HTTP server
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	engine   *engine.Scheduler
	stateDB  *database.DB
	ledgerDB *database.DB
	cacheDB  *database.DB
	registry *prometheus.Registry
}

// New creates the HTTP server and its routes.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		engine:   cfg.Engine,
		stateDB:  cfg.StateDB,
		ledgerDB: cfg.LedgerDB,
		cacheDB:  cfg.CacheDB,
		registry: cfg.Registry,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	s.router.Post("/tick", s.handleTick)
	s.router.Get("/healthz", s.handleHealthz)
	if s.registry != nil {
		s.router.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Minute,
	}

	return s
}

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleTick triggers one tick. cryptoOnly=1 selects the reduced path
// that runs only the crypto shadow.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	cryptoOnly := r.URL.Query().Get("cryptoOnly") == "1"

	if err := s.engine.RunTick(r.Context(), cryptoOnly); err != nil {
		s.log.Error().Err(err).Msg("Tick failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthz pings the three databases.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, db := range []*database.DB{s.stateDB, s.ledgerDB, s.cacheDB} {
		if db == nil {
			continue
		}
		if err := db.QuickCheck(ctx); err != nil {
			writeJSON(w, http.StatusInternalServerError,
				map[string]string{"error": fmt.Sprintf("database %s unhealthy: %v", db.Name(), err)})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
