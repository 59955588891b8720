// Package httpapi mounts the Intent API: a thin chi router that decodes
// requests and calls straight into pkg/instance.Service and the
// controllers, translating results and errors per spec.md §6. Grounded on
// the teacher's internal/httpserver.Server (middleware chain shape) and
// vendored github.com/wisbric/core/pkg/httpserver (RequestID/Logger/
// Metrics/Respond, inlined here since that module path is private to the
// teacher's org). Validation beyond syntactic shape, authentication, and
// routing sophistication are explicitly out of scope per spec.md §1 — this
// is a translation layer, not a domain layer.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/gpuctl/pkg/autostop"
	"github.com/wisbric/gpuctl/pkg/cache"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/instance"
	"github.com/wisbric/gpuctl/pkg/kv"
	"github.com/wisbric/gpuctl/pkg/migration"
	"github.com/wisbric/gpuctl/pkg/providerclient"
	"github.com/wisbric/gpuctl/pkg/queue"
	"github.com/wisbric/gpuctl/pkg/reconcile"
)

// Server holds the Intent API's dependencies and mounts its routes.
type Server struct {
	Router *chi.Mux

	instances *instance.Service
	autoStop  *autostop.Controller
	migration *migration.Controller
	reconcile *reconcile.Reconciler
	cache     *cache.Cache[ctrltypes.Instance]
	queue     *queue.Queue
	kv        kv.Store
	provider  *providerclient.Client
	metrics   *prometheus.Registry
	logger    *slog.Logger

	startedAt time.Time
}

// Deps bundles Server's collaborators.
type Deps struct {
	Instances          *instance.Service
	AutoStop           *autostop.Controller
	Migration          *migration.Controller
	Reconcile          *reconcile.Reconciler
	Cache              *cache.Cache[ctrltypes.Instance]
	Queue              *queue.Queue
	KV                 kv.Store
	Provider           *providerclient.Client
	Metrics            *prometheus.Registry
	Logger             *slog.Logger
	CORSAllowedOrigins []string
}

// NewServer builds the Intent API router with its full middleware chain
// and route table.
func NewServer(deps Deps) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		instances: deps.Instances,
		autoStop:  deps.AutoStop,
		migration: deps.Migration,
		reconcile: deps.Reconcile,
		cache:     deps.Cache,
		queue:     deps.Queue,
		kv:        deps.KV,
		provider:  deps.Provider,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(deps.Logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	if deps.Metrics != nil {
		s.Router.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Post("/instances", s.handleCreateInstance)
		r.Get("/instances", s.handleListInstances)
		r.Get("/instances/{idOrName}", s.handleGetInstance)
		r.Post("/instances/{idOrName}/start", s.handleStartInstance)
		r.Post("/instances/{idOrName}/stop", s.handleStopInstance)
		r.Delete("/instances/{idOrName}", s.handleDeleteInstance)
		r.Post("/instances/{idOrName}/last-used", s.handleUpdateLastUsed)

		r.Post("/autostop/trigger", s.handleTriggerAutoStop)
		r.Get("/autostop/stats", s.handleGetAutoStopStats)

		r.Post("/sync", s.handleSyncNow)
		r.Post("/instances/stop-all", s.handleStopAll)

		r.Get("/cache/stats", s.handleGetCacheStats)
		r.Post("/cache/clear", s.handleClearCache)
		r.Post("/admin/hard-reset", s.handleHardReset)

		r.Get("/health", s.handleGetHealth)
		r.Get("/metrics-summary", s.handleGetMetricsSummary)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
