// Package server exposes the control-plane HTTP API: auth, projects,
// workflows, history, events and clusters, all under /v1.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nbworkflows/labflow/internal/artifacts"
	"github.com/nbworkflows/labflow/internal/auth"
	"github.com/nbworkflows/labflow/internal/config"
	"github.com/nbworkflows/labflow/internal/dispatch"
	"github.com/nbworkflows/labflow/internal/events"
	"github.com/nbworkflows/labflow/internal/labfile"
	"github.com/nbworkflows/labflow/internal/registry"
	"github.com/nbworkflows/labflow/internal/store"
	"github.com/nbworkflows/labflow/internal/substrate"
)

// Server is the LabFlow control-plane API server.
type Server struct {
	router     chi.Router
	logger     *slog.Logger
	config     config.ServerConfig
	startTime  time.Time
	store      store.Store
	dispatcher *dispatch.Dispatcher
	bus        *events.Bus
	artifacts  artifacts.Store
	tokens     *auth.TokenCodec
	refresh    *auth.RefreshStore
	registry   *registry.Registry
	queue      substrate.JobQueue
	clusters   *labfile.ClustersFile // nil when no clusters file configured
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithClusters wires the declarative cluster spec served by the clusters
// endpoints.
func WithClusters(cf *labfile.ClustersFile) Option {
	return func(s *Server) { s.clusters = cf }
}

// New creates a Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, dsp *dispatch.Dispatcher, bus *events.Bus,
	art artifacts.Store, tokens *auth.TokenCodec, refresh *auth.RefreshStore,
	reg *registry.Registry, queue substrate.JobQueue, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger.With("component", "server"),
		config:     cfg,
		startTime:  time.Now(),
		store:      st,
		dispatcher: dsp,
		bus:        bus,
		artifacts:  art,
		tokens:     tokens,
		refresh:    refresh,
		registry:   reg,
		queue:      queue,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.handleLogin)
			r.Post("/refresh_token", s.handleRefreshToken)
		})

		// Everything below requires a valid access token.
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/projects", func(r chi.Router) {
				r.Post("/", s.handleCreateProject)
				r.Get("/", s.handleListProjects)
				r.Route("/{pid}", func(r chi.Router) {
					r.Get("/", s.handleGetProject)
					r.Delete("/", s.handleDeleteProject)
					r.Post("/_upload", s.handleUploadBundle)
					r.Post("/_build", s.handleBuild)
					r.Post("/_private_key", s.handlePrivateKey)
				})
			})

			r.Route("/workflows/{pid}", func(r chi.Router) {
				r.Get("/", s.handleListWorkflows)
				r.Post("/", s.handleRegisterWorkflow)
				r.Put("/", s.handleUpdateWorkflow)
				r.Get("/{wfid}", s.handleGetWorkflow)
				r.Delete("/{wfid}", s.handleDeleteWorkflow)
				r.Post("/_run/{wfid}", s.handleRunWorkflow)
				r.Post("/notebooks/_run", s.handleRunNotebook)
			})

			r.Route("/runtimes/{pid}", func(r chi.Router) {
				r.Get("/", s.handleListRuntimes)
				r.Post("/", s.handleRegisterRuntime)
			})

			r.Post("/history", s.handlePushHistory)
			r.Route("/history/{pid}", func(r chi.Router) {
				r.Get("/", s.handleListHistory)
				r.Get("/detail/{execid}", s.handleHistoryDetail)
				r.Get("/_get_output", s.handleGetOutput)
				r.Post("/_output_ok", s.handleUploadOutputOK)
				r.Post("/_output_fail", s.handleUploadOutputFail)
			})

			r.Route("/events/{pid}/{execid}", func(r chi.Router) {
				r.Get("/_listen", s.handleListenEvents)
				r.Post("/_publish", s.handlePublishEvent)
			})

			r.Route("/clusters", func(r chi.Router) {
				r.Use(requireScopes("admin:any"))
				r.Get("/get-clusters-spec", s.handleGetClustersSpec)
				r.Get("/agents", s.handleListAgents)
				r.Post("/{cluster}", s.handleProvisionMachine)
				r.Delete("/{cluster}/{machine}", s.handleDestroyMachine)
			})
		})
	})
}
