// Package api provides the REST API over the statistics, trace and export
// components.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fidde/agent_observability/internal/abtest"
	"github.com/fidde/agent_observability/internal/alerting"
	"github.com/fidde/agent_observability/internal/engine"
	"github.com/fidde/agent_observability/internal/exporter"
	"github.com/fidde/agent_observability/internal/federation"
	"github.com/fidde/agent_observability/internal/formula"
	"github.com/fidde/agent_observability/internal/query"
	"github.com/fidde/agent_observability/internal/stats"
	"github.com/fidde/agent_observability/pkg/models"
)

// Deps are the components served by the API. All are required except
// Logger.
type Deps struct {
	Stats      *stats.Core
	Engine     *engine.Engine
	Query      *query.Engine
	Retention  *alerting.RetentionEnforcer
	Formulas   *formula.Engine
	AB         *abtest.Engine
	Federation *federation.Engine
	Cloud      *exporter.CloudExporter
	Grafana    exporter.GrafanaGenerator

	// ServiceName is the resource name of exported spans
	ServiceName string
	Logger      *slog.Logger
}

// Server is the REST API server.
type Server struct {
	deps    Deps
	router  *chi.Mux
	server  *http.Server
	metrics *selfMetrics
	feeds   *subscriptionFeeds
	logger  *slog.Logger
}

// NewServer creates a new API server.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		feeds:  newSubscriptionFeeds(),
		logger: deps.Logger,
	}

	reg := prometheus.NewRegistry()
	s.metrics = newSelfMetrics(reg, deps)

	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.metrics.middleware)

	s.router.Get("/health", s.HandleHealth)
	s.router.Get("/metrics", s.scrape)
	s.router.Handle("/debug/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.router.Route("/api/v1", func(r chi.Router) {
		// Metric recording and reads
		r.Post("/metrics", s.recordMetric)
		r.Get("/metrics", s.listMetrics)
		r.Get("/metrics/{name}", s.getMetric)
		r.Get("/metrics/{name}/rollup", s.getRollup)
		r.Get("/metrics/{name}/archive", s.archiveMetric)
		r.Post("/metrics/archive", s.importArchive)
		r.Get("/query", s.query)

		// Registry: namespaces, derived metrics, snapshots, subscriptions
		r.Post("/namespaces", s.createNamespace)
		r.Get("/namespaces", s.listNamespaces)
		r.Post("/derived", s.registerDerived)
		r.Get("/derived", s.listDerived)
		r.Get("/derived/{name}", s.calculateDerived)
		r.Post("/snapshots", s.createSnapshot)
		r.Get("/snapshots", s.listSnapshots)
		r.Get("/snapshots/{name}", s.getSnapshot)
		r.Post("/subscriptions", s.createSubscription)
		r.Get("/subscriptions", s.listSubscriptions)
		r.Get("/subscriptions/{id}/events", s.subscriptionEvents)
		r.Delete("/subscriptions/{id}", s.deleteSubscription)

		// Trace lifecycle
		r.Post("/traces/{id}/start", s.startTrace)
		r.Post("/traces/{id}/end", s.endTrace)
		r.Get("/summary", s.summary)
		r.Get("/reliability", s.reliability)
		r.Get("/stability", s.stability)
		r.Get("/agents/{agent}/latency", s.agentLatency)

		// Alerts and retention
		r.Get("/alerts", s.listAlerts)
		r.Delete("/alerts", s.clearAlerts)
		r.Post("/retention/enforce", s.enforceRetention)
		r.Get("/correlations", s.correlations)

		// Formulas and cost
		r.Post("/formula/calculate", s.calculateFormula)
		r.Post("/formula/validate", s.validateFormula)
		r.Get("/cost", s.cost)
		r.Get("/models/{name}/next", s.nextModel)

		// A/B comparisons
		r.Post("/ab", s.createComparison)
		r.Post("/ab/{id}/metrics", s.addComparisonMetric)
		r.Get("/ab/{id}/winner", s.comparisonWinner)
		r.Post("/ab/{id}/significance", s.comparisonSignificance)

		// Federation
		r.Post("/federation/sources", s.addSource)
		r.Get("/federation/sources", s.listSources)
		r.Post("/federation/sources/{name}/sync", s.syncSource)
		r.Get("/federation/aggregate", s.federatedAggregate)

		// Exports
		r.Get("/spans", s.spans)
		r.Post("/export/cloud", s.exportCloud)
		r.Post("/export/grafana", s.exportGrafana)

		// Admin endpoints
		r.Post("/admin/clear", s.clearAllData)
	})

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

// respondError writes an error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondErr maps sentinel errors onto status codes.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrUnknownAggregation):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.Join(models.ErrInvalidInput, err)
	}
	return nil
}
