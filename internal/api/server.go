// Package api is the HTTP surface: tenant-key authenticated routes for
// event ingestion, automation execution and campaign dispatch.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sourabh1428/easybill-engine/internal/automation"
	"github.com/sourabh1428/easybill-engine/internal/pkg/logger"
	"github.com/sourabh1428/easybill-engine/internal/queue"
	"github.com/sourabh1428/easybill-engine/internal/store"
	"github.com/sourabh1428/easybill-engine/internal/tenant"
)

// TenantResolver maps API keys to tenants. Satisfied by *tenant.Registry.
type TenantResolver interface {
	Resolve(ctx context.Context, apiKey string) (*tenant.Tenant, error)
}

// Store is the per-tenant persistence slice the handlers need. Satisfied
// by *store.Store.
type Store interface {
	automation.Store
	GetAutomation(ctx context.Context, id string) (*automation.Automation, error)
	ListExecutions(ctx context.Context, automationID string, limit int64) ([]automation.ExecutionHistory, error)
	GetCampaign(ctx context.Context, id string) (*store.Campaign, error)
}

// Enqueuer schedules queue jobs. Satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID, jobType string, payload any, opts queue.Options) (string, error)
}

// Server hosts the HTTP API.
type Server struct {
	resolver TenantResolver
	stores   func(t *tenant.Tenant) Store
	engine   *automation.Engine
	queue    Enqueuer
	server   *http.Server
}

// NewServer wires the API over the tenant registry, engine and queue.
func NewServer(resolver TenantResolver, stores func(t *tenant.Tenant) Store, engine *automation.Engine, q Enqueuer) *Server {
	return &Server{
		resolver: resolver,
		stores:   stores,
		engine:   engine,
		queue:    q,
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "x-api-key"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.tenantAuth)
		r.Post("/events", s.handleIngestEvent)
		r.Post("/automations/{id}/execute", s.handleExecuteAutomation)
		r.Get("/automations/{id}/executions", s.handleListExecutions)
		r.Post("/campaigns/{id}/dispatch", s.handleDispatchCampaign)
	})

	return r
}

// Listen starts the HTTP server and blocks until it exits.
func (s *Server) Listen(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("api listening", "addr", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
