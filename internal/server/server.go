// Package server exposes the HTTP surface: webhook deliveries, the run and
// schedule APIs, stored pages and the SSE watch stream.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/corvid-labs/axon/internal/pages"
	"github.com/corvid-labs/axon/internal/replay"
	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/internal/streaming"
	"github.com/corvid-labs/axon/internal/webhook"
	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/schema"
)

// Controller is the slice of the engine the API needs; satisfied by
// engine.Engine.
type Controller interface {
	StartRun(ctx context.Context, brainName string, initialState json.RawMessage) (string, error)
	Signal(ctx context.Context, runID string, sig *schema.Signal) error
}

// Deps holds the dependencies for the HTTP server.
type Deps struct {
	Store       store.Store
	Loader      *replay.Loader
	Controller  Controller
	Coordinator *webhook.Coordinator
	Hub         streaming.EventHub
	Pages       *pages.Service
	Brains      *brain.Registry
	Logger      *slog.Logger
}

// Server routes HTTP traffic to the engine, coordinator and store.
type Server struct {
	deps Deps
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Webhook deliveries.
	mux.HandleFunc("POST /webhooks/{slug}", s.handleWebhook)

	// Brains and runs.
	mux.HandleFunc("GET /api/brains", s.handleListBrains)
	mux.HandleFunc("POST /api/brains/{name}/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/runs/{id}/watch", s.handleWatchRun)
	mux.HandleFunc("POST /api/runs/{id}/signals", s.handleSignal)

	// Pages.
	mux.HandleFunc("GET /api/runs/{id}/pages", s.handleListPages)
	mux.HandleFunc("GET /api/runs/{id}/pages/{slug}", s.handleGetPage)

	// Schedules.
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
