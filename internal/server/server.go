package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/sessionflow/internal/durable"
	"github.com/michaelbrown/sessionflow/internal/events"
	"github.com/michaelbrown/sessionflow/internal/storage"
	"github.com/michaelbrown/sessionflow/internal/workflow"
)

// Host is the part of the durable engine the API drives.
type Host interface {
	ScheduleRun(ctx context.Context, in workflow.Input) (string, error)
	GetRunStatus(ctx context.Context, runID string) (*durable.RunStatus, error)
	ListRuns(ctx context.Context, opts storage.RunListOptions) ([]*durable.RunStatus, error)
	CancelRun(ctx context.Context, runID string) error
}

var _ Host = (*durable.Engine)(nil)

// DefaultWatchInterval is how often a websocket watcher re-reads run state
// when no event arrives. Runs driven by another process only show up this way
// unless their events are forwarded into the broker.
const DefaultWatchInterval = 2 * time.Second

// Server is the HTTP server for the workflow API.
type Server struct {
	host          Host
	store         storage.Store
	broker        *events.Broker
	settings      workflow.Settings
	watchers      *WatchManager
	watchInterval time.Duration
	log           *slog.Logger
	router   chi.Router
	http     *http.Server
}

// New creates a new Server. broker may be nil, in which case websocket
// watchers only receive the current snapshot.
func New(host Host, store storage.Store, broker *events.Broker, settings workflow.Settings, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if broker == nil {
		broker = events.NewBroker()
	}
	s := &Server{
		host:          host,
		store:         store,
		broker:        broker,
		settings:      settings,
		watchers:      NewWatchManager(),
		watchInterval: DefaultWatchInterval,
		log:           logger,
		router:        chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// SetWatchInterval changes how often websocket watchers re-read run state.
// Non-positive values are ignored.
func (s *Server) SetWatchInterval(d time.Duration) {
	if d > 0 {
		s.watchInterval = d
	}
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Post("/workflows", s.handleStartWorkflow)
		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Delete("/workflows/{id}", s.handleDeleteWorkflow)
		r.Post("/workflows/{id}/cancel", s.handleCancelWorkflow)
		r.Get("/workflowStatus/{id}", s.handleGetWorkflow)

		r.Get("/workflows/{id}/ws", s.handleWatch)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("sessionflow server starting", "addr", "http://localhost"+addr)
	return s.http.ListenAndServe()
}

// Shutdown closes websocket watchers and gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.watchers.CloseAll()
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
