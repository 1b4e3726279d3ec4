package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openclaw/octofleet/internal/agenthub"
	"github.com/openclaw/octofleet/internal/api/handler"
	mw "github.com/openclaw/octofleet/internal/api/middleware"
	"github.com/openclaw/octofleet/internal/broker"
	"github.com/openclaw/octofleet/internal/bus"
	"github.com/openclaw/octofleet/internal/config"
	"github.com/openclaw/octofleet/internal/core"
)

type Server struct {
	router      chi.Router
	logger      zerolog.Logger
	services    *core.Services
	pool        *pgxpool.Pool
	hub         *agenthub.Hub
	broker      *broker.Broker
	bus         *bus.Bus
	auth        *mw.Authenticator
	auditLogger *mw.AuditLogger
	cfg         *config.Config
}

func NewServer(logger zerolog.Logger, pool *pgxpool.Pool, services *core.Services, hub *agenthub.Hub, br *broker.Broker, b *bus.Bus, cfg *config.Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger,
		services:    services,
		pool:        pool,
		hub:         hub,
		broker:      br,
		bus:         b,
		auth:        mw.NewAuthenticator(services.APIKey, cfg.JWTSecret),
		auditLogger: mw.NewAuditLogger(pool, logger),
		cfg:         cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	// Node agents connect here. Agents authenticate inside the hello
	// exchange, not via headers.
	s.router.Get("/agent/ws", s.hub.HandleWS)

	// Streaming endpoints authenticate via ?token= because browsers cannot
	// set headers on WebSocket or EventSource connections.
	events := handler.NewEvents(s.bus, s.broker, s.services.Node, s.auth, s.logger)
	s.router.Get("/remediation/live", events.RemediationLive)
	s.router.Get("/live/{node_id}", events.NodeLive)

	session := handler.NewSession(s.broker, s.auth, s.logger)
	s.router.Get("/screen/ws/{session_id}", session.Attach)
	s.router.Get("/shell/ws/{session_id}", session.Attach)

	// Session starts are ordinary authenticated POSTs; only the attach leg
	// needs the query-token form.
	s.router.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/screen/start/{node_id}", session.StartScreen)
		r.Post("/shell/start/{node_id}", session.StartShell)
		r.Delete("/sessions/{session_id}", session.Stop)
	})

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Use(s.auditLogger.Middleware)

		// Audit logs
		audit := handler.NewAudit(s.pool)
		r.Get("/audit-logs", audit.List)

		// Nodes
		node := handler.NewNode(s.services.Node, s.services.Deployment)
		r.Get("/nodes", node.List)
		r.Get("/nodes/{id}", node.Get)
		r.Get("/nodes/{id}/deployments", node.Deployments)
		r.Post("/nodes/{id}/retire", node.Retire)

		// Vulnerability findings
		finding := handler.NewFinding(s.services.Finding)
		r.Get("/findings", finding.List)
		r.Post("/nodes/{id}/findings", finding.Ingest)

		// Groups
		group := handler.NewGroup(s.services.Group)
		r.Get("/groups", group.List)
		r.Post("/groups", group.Create)
		r.Get("/groups/{id}", group.Get)
		r.Put("/groups/{id}", group.Update)
		r.Delete("/groups/{id}", group.Delete)
		r.Get("/groups/{id}/members", group.Members)

		// Package registry
		pkg := handler.NewPackage(s.services.Package)
		r.Get("/packages", pkg.List)
		r.Post("/packages", pkg.Register)
		r.Get("/packages/{id}", pkg.Get)
		r.Delete("/packages/{id}", pkg.Deactivate)

		// Deployments
		deployment := handler.NewDeployment(s.services.Deployment)
		r.Get("/deployments", deployment.List)
		r.Post("/deployments", deployment.Create)
		r.Get("/deployments/{id}", deployment.Get)
		r.Patch("/deployments/{id}", deployment.Patch)
		r.Delete("/deployments/{id}", deployment.Delete)

		// Remediation
		remediation := handler.NewRemediation(s.services.Remediation)
		r.Post("/remediation/scan", remediation.Scan)
		r.Get("/remediation/summary", remediation.Summary)
		r.Get("/remediation/packages", remediation.ListPackages)
		r.Post("/remediation/packages", remediation.CreatePackage)
		r.Patch("/remediation/packages/{id}", remediation.PatchPackage)
		r.Get("/remediation/rules", remediation.ListRules)
		r.Post("/remediation/rules", remediation.CreateRule)
		r.Patch("/remediation/rules/{id}", remediation.PatchRule)
		r.Get("/remediation/jobs", remediation.ListJobs)
		r.Get("/remediation/jobs/{id}", remediation.GetJob)
		r.Post("/remediation/jobs/{id}/approve", remediation.ApproveJob)
		r.Post("/remediation/jobs/{id}/execute", remediation.ExecuteJob)
		r.Post("/remediation/jobs/{id}/retry", remediation.RetryJob)
		r.Post("/remediation/jobs/{id}/rollback", remediation.RollbackJob)

		// API keys
		apiKey := handler.NewAPIKey(s.services.APIKey)
		r.Get("/api-keys", apiKey.List)
		r.Post("/api-keys", apiKey.Create)
		r.Get("/api-keys/{id}", apiKey.Get)
		r.Delete("/api-keys/{id}", apiKey.Revoke)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.pool.Ping(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	} else {
		checks["db"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

// Close flushes the async audit writer.
func (s *Server) Close() {
	s.auditLogger.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
