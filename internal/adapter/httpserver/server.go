// Package httpserver implements the orchestrator HTTP API: job submission
// and lifecycle, scheduler control, metrics views and token issuance.
package httpserver

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/fiberops/conductor/internal/adapter/callback"
	"github.com/fiberops/conductor/internal/adapter/tokens"
	"github.com/fiberops/conductor/internal/config"
	"github.com/fiberops/conductor/internal/orchestrator"
	"github.com/fiberops/conductor/internal/usecase"
)

// Server carries the handler dependencies.
type Server struct {
	cfg       config.Config
	jobs      *usecase.JobService
	dispatch  *orchestrator.Dispatcher
	engine    *orchestrator.RetryEngine
	scheduler *orchestrator.Scheduler
	collector *orchestrator.Collector
	registry  *orchestrator.Registry
	reporter  *callback.Reporter
	tokens    *tokens.Store
	validate  *validator.Validate

	// baseCtx outlives requests; scheduler restarts run on it so they are
	// not cancelled when the triggering request finishes.
	baseCtx context.Context
}

// New constructs a Server. tokens may be nil when auth is disabled.
func New(
	cfg config.Config,
	jobs *usecase.JobService,
	dispatch *orchestrator.Dispatcher,
	engine *orchestrator.RetryEngine,
	scheduler *orchestrator.Scheduler,
	collector *orchestrator.Collector,
	registry *orchestrator.Registry,
	reporter *callback.Reporter,
	tok *tokens.Store,
) *Server {
	return &Server{
		cfg:       cfg,
		jobs:      jobs,
		dispatch:  dispatch,
		engine:    engine,
		scheduler: scheduler,
		collector: collector,
		registry:  registry,
		reporter:  reporter,
		tokens:    tok,
		validate:  validator.New(),
		baseCtx:   context.Background(),
	}
}

// SetBaseContext sets the long-lived context scheduler restarts run on.
func (s *Server) SetBaseContext(ctx context.Context) { s.baseCtx = ctx }

// Mount registers the API routes on r. Bearer auth guards the job and
// control endpoints; scheduler, metrics, health and token stay open.
func (s *Server) Mount(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitPerMin, time.Minute))
		r.Use(s.bearerAuth)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/jobs/{id}/screenshots", s.handleScreenshots)
		r.Post("/process", s.handleProcess)
		r.Post("/recover", s.handleRecover)
		r.Post("/scheduler/reset", s.handleSchedulerReset)
	})

	r.Get("/scheduler", s.handleScheduler)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/health", s.handleHealth)
	r.Post("/token", s.handleToken)
}
