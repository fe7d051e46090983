// Package api is the HTTP facade: the trust boundary where tenant identity
// is established and every deeper layer receives an already-validated
// organization id. Handlers stay thin and delegate to the repository, the
// vault, the job broker and the feedback service.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umbrix/backend/internal/audit"
	"github.com/umbrix/backend/internal/config"
	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/feedback"
	"github.com/umbrix/backend/internal/jobs"
	"github.com/umbrix/backend/internal/middleware"
	"github.com/umbrix/backend/internal/platform"
	"github.com/umbrix/backend/internal/repo"
	"github.com/umbrix/backend/internal/security"
	"github.com/umbrix/backend/internal/vault"
)

// Deps carries everything the facade delegates to. The zero value of an
// optional field (Trail, Hub, Bus) disables that concern.
type Deps struct {
	Config    *config.Config
	Store     repo.Store
	Vault     *vault.Vault
	Flows     *platform.Flows
	Registry  *platform.Registry
	States    *security.StateBroker
	Broker    *jobs.Broker
	Scheduler *jobs.Scheduler
	Feedback  *feedback.Service
	Auth      *middleware.Authenticator
	Trail     *audit.Trail
	Bus       events.Publisher

	// Hub serves the websocket event stream at /ws. It authenticates via
	// the same middleware chain as the REST routes.
	Hub http.Handler

	// RequestsPerMinute caps each tenant's request budget. Zero applies
	// the middleware default.
	RequestsPerMinute int
}

// Server is the REST facade plus its embedded http.Server.
type Server struct {
	deps Deps
	slog *slog.Logger
	http *http.Server
}

// NewServer wires routes and middleware. Call Start to begin serving.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps: deps,
		slog: slog.Default().With("component", "api"),
	}
	s.http = &http.Server{
		Addr:              ":" + deps.Config.Server.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the full handler chain. Exposed so tests can drive the
// facade through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(s.deps.Config.Realtime.AllowedOrigins))

	// Unauthenticated surface: liveness, readiness and scrape endpoint.
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// The OAuth callback arrives as a browser redirect and authenticates
	// through its one-time state, not a bearer token.
	r.HandleFunc("/connections/{id}/callback", s.handleConnectionCallback).Methods(http.MethodGet)

	// Everything else requires an authenticated tenant.
	authed := r.NewRoute().Subrouter()
	authed.Use(s.deps.Auth.Middleware)
	authed.Use(middleware.RateLimit(s.deps.RequestsPerMinute))

	authed.HandleFunc("/connections", s.handleCreateConnection).Methods(http.MethodPost)
	authed.HandleFunc("/connections", s.handleListConnections).Methods(http.MethodGet)
	authed.HandleFunc("/connections/{id}", s.handleGetConnection).Methods(http.MethodGet)
	authed.HandleFunc("/connections/{id}", s.handleDeleteConnection).Methods(http.MethodDelete)
	authed.HandleFunc("/connections/{id}/discover", s.handleDiscover).Methods(http.MethodPost)

	authed.HandleFunc("/automations", s.handleListAutomations).Methods(http.MethodGet)
	authed.HandleFunc("/automations/{id}", s.handleGetAutomation).Methods(http.MethodGet)

	authed.HandleFunc("/feedback", s.handleCreateFeedback).Methods(http.MethodPost)
	authed.HandleFunc("/feedback/ml-training-batch", s.handleTrainingBatch).Methods(http.MethodGet)
	authed.HandleFunc("/feedback/{id}", s.handleGetFeedback).Methods(http.MethodGet)

	if s.deps.Hub != nil {
		authed.Handle("/ws", s.deps.Hub).Methods(http.MethodGet)
	}
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.slog.Info("facade listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz answers ready only when the broker and the store respond. A
// scoped list against a nonexistent tenant exercises store auth and
// connectivity without touching real rows.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.deps.Broker != nil {
		if _, err := s.deps.Broker.Depths(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unready", "broker": err.Error(),
			})
			return
		}
	}
	if _, err := s.deps.Store.ListConnections(ctx, "readiness-probe"); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unready", "store": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
