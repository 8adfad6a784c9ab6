// Package server exposes the control plane over HTTP: job submission, run
// inspection, artifact download, live streams, and canary session control.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/stockbot-io/stockbot/canary"
	"github.com/stockbot-io/stockbot/config"
	"github.com/stockbot-io/stockbot/launcher"
	"github.com/stockbot-io/stockbot/log"
	"github.com/stockbot-io/stockbot/metrics"
	"github.com/stockbot-io/stockbot/paths"
	"github.com/stockbot-io/stockbot/registry"
	"github.com/stockbot-io/stockbot/store"
	"github.com/stockbot-io/stockbot/types"
)

// Server wires the HTTP boundary to the orchestration components. Construct
// with New, mount via Handler.
type Server struct {
	cfg      *config.Server
	layout   *paths.Layout
	reg      *registry.Registry
	launcher *launcher.Launcher
	metrics  *metrics.Metrics
	mirror   store.Mirror // nil when no remote storage is configured
	logger   *log.Logger

	// At most one live canary session exists at a time.
	tradeMu  sync.Mutex
	trade    *canary.Engine
	tradeDir string
	tradeCap float64
}

// New assembles the server. mirror may be nil.
func New(
	cfg *config.Server,
	layout *paths.Layout,
	reg *registry.Registry,
	l *launcher.Launcher,
	m *metrics.Metrics,
	mirror store.Mirror,
	logger *log.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		layout:   layout,
		reg:      reg,
		launcher: l,
		metrics:  m,
		mirror:   mirror,
		logger:   logger,
	}
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /api/train", s.handleTrain)
	mux.HandleFunc("POST /api/backtest", s.handleBacktest)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/artifacts", s.handleArtifacts)
	mux.HandleFunc("GET /api/runs/{id}/files/{name}", s.handleFile)
	mux.HandleFunc("GET /api/runs/{id}/bundle", s.handleBundle)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleDelete)

	mux.HandleFunc("GET /api/runs/{id}/stream", s.handleStatusSSE)
	mux.HandleFunc("GET /api/runs/{id}/ws", s.handleStatusWS)
	mux.HandleFunc("GET /api/runs/{id}/telemetry", s.handleTelemetry)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleEvents)

	mux.HandleFunc("POST /api/trade/start", s.handleTradeStart)
	mux.HandleFunc("POST /api/trade/status", s.handleTradeStatus)
	mux.HandleFunc("POST /api/trade/stop", s.handleTradeStop)

	return s.instrument(mux)
}

// handleHealth reports liveness and the registry size.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": types.Version,
		"runs":    len(s.reg.List()),
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Shutdown stops the live canary session, if any, and drains workers.
func (s *Server) Shutdown() {
	s.tradeMu.Lock()
	if s.trade != nil {
		s.trade.Stop()
		s.trade = nil
	}
	s.tradeMu.Unlock()
	s.launcher.Shutdown()
}
