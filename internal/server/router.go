package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/crawlodeployer/fleet/internal/api"
	"github.com/crawlodeployer/fleet/internal/core"
)

// RouterDeps are the components served over HTTP.
type RouterDeps struct {
	Registry   api.NodeRegistry
	Dispatcher api.Dispatcher
	Runs       api.RunReader
	Scheduler  api.Scheduler
	Reconciler api.Reconciler
	Checks     map[string]api.HealthCheck
	Metrics    http.Handler
}

// NewRouter builds the HTTP routes of the fleet server.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(api.RequestID)
	r.Use(api.RequestLogger)
	r.Use(api.LimitBody)
	r.Use(api.ValidateContentType)

	systemH := api.NewSystemHandler(core.Version, d.Checks)
	r.Get("/healthz", systemH.Health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	nodeH := api.NewNodeHandler(d.Registry)
	runH := api.NewRunHandler(d.Dispatcher, d.Runs)
	schedH := api.NewSchedulerHandler(d.Scheduler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", nodeH.List)
			r.Post("/heartbeat", nodeH.Heartbeat)
			r.Post("/offline", nodeH.Offline)
			r.Post("/capacity", nodeH.Capacity)
			if d.Reconciler != nil {
				r.Post("/reconcile", api.NewHeartbeatHandler(d.Reconciler).Reconcile)
			}
			r.Get("/{id}", nodeH.Get)
		})

		r.Post("/jobs/{id}/run", runH.RunNow)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runH.List)
			r.Get("/{id}", runH.Get)
			r.Post("/{id}/stop", runH.Stop)
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/", schedH.Status)
			r.Post("/sync", schedH.Sync)
			r.Post("/jobs/{id}", schedH.Reschedule)
		})
	})

	return r
}
