// Package httpapi provides the operational HTTP surface: health,
// readiness, a read-only snapshot of open positions and last regime
// decisions per symbol, metrics, and the admin TOTP-gated pause toggle.
// This is not the system's primary contract — it exists to give operators
// something to probe while the event-driven pipeline runs.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/gorilla/mux"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the operational HTTP/metrics surface.
type Server struct {
	mu     sync.RWMutex
	logger *zap.Logger
	router *mux.Router
	http   *http.Server

	positions data.PositionRepository
	regimes   data.RegimeRepository

	symbols   []string
	totpSeed  string
	paused    bool
}

// Config configures the operational surface.
type Config struct {
	Addr     string
	Symbols  []string
	TOTPSeed string // base32 secret gating the pause/resume toggle; empty disables the toggle
}

// New constructs a Server wired to read-only repositories. registry may be
// nil to skip exposing /metrics.
func New(logger *zap.Logger, positions data.PositionRepository, regimes data.RegimeRepository, registry *prometheus.Registry, cfg Config) *Server {
	s := &Server{
		logger:    logger,
		router:    mux.NewRouter(),
		positions: positions,
		regimes:   regimes,
		symbols:   cfg.Symbols,
		totpSeed:  cfg.TOTPSeed,
	}
	s.setupRoutes(registry)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(registry *prometheus.Registry) {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.router.HandleFunc("/api/v1/snapshot", s.handleSnapshot).Methods("GET")
	s.router.HandleFunc("/api/v1/admin/pause", s.handleAdminPause).Methods("POST")
	if registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
}

// Router exposes the underlying mux.Router so tests can drive it with
// httptest.NewServer without going through the cors-wrapped listener.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start begins serving and blocks until the server stops (ListenAndServe
// semantics). Run it on a background goroutine.
func (s *Server) Start() error {
	s.logger.Info("starting operational http surface", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: listen: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UnixMilli()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	paused := s.paused
	s.mu.RUnlock()
	status := http.StatusOK
	if paused {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"paused": paused})
}

type symbolSnapshot struct {
	Symbol    string                `json:"symbol"`
	Regime    *types.RegimeDecision `json:"regime,omitempty"`
	Positions []types.Position      `json:"openPositions"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := make([]symbolSnapshot, 0, len(s.symbols))
	for _, symbol := range s.symbols {
		snap := symbolSnapshot{Symbol: symbol, Positions: []types.Position{}}
		if decision, found, err := s.regimes.Latest(ctx, symbol); err == nil && found {
			snap.Regime = &decision
		}
		if positions, err := s.positions.OpenBySymbol(ctx, symbol); err == nil {
			snap.Positions = positions
		}
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": out})
}

// handleAdminPause toggles the paused flag that /readyz reports (503 while
// set); the ingest poller does not consult the flag. It is TOTP-gated: the
// request must carry a valid 6-digit code for the configured seed in the
// X-TOTP-Code header. If no seed is configured the endpoint is disabled.
func (s *Server) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	if s.totpSeed == "" {
		http.Error(w, "admin toggle disabled", http.StatusNotFound)
		return
	}
	code := r.Header.Get("X-TOTP-Code")
	valid, err := totp.ValidateCustom(code, s.totpSeed, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		http.Error(w, "invalid totp code", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	s.paused = !s.paused
	paused := s.paused
	s.mu.Unlock()

	s.logger.Warn("admin toggled ingest pause", zap.Bool("paused", paused))
	writeJSON(w, http.StatusOK, map[string]any{"paused": paused})
}

// Paused reports whether an operator has set the paused flag. Ingestion
// keeps polling regardless of it.
func (s *Server) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
