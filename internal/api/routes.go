package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps carries the wired handlers for router assembly.
type Deps struct {
	Cameras *CameraHandler
	Detect  *DetectHandler
	Events  *EventHandler
	Stream  *StreamHandler
	Health  *HealthHandler
	ServeWS http.HandlerFunc
}

// NewRouter builds the service router.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", d.Health.Healthz)
	r.Handle("/metrics", promhttp.Handler())
	if d.ServeWS != nil {
		r.Get("/ws/events", d.ServeWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/detect", d.Detect.Detect)

		r.Route("/cameras", func(r chi.Router) {
			r.Get("/", d.Cameras.List)
			r.Post("/", d.Cameras.Create)
			r.Delete("/{id}", d.Cameras.Delete)
			r.Post("/{id}/restore", d.Cameras.Restore)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/bulk-delete", d.Events.BulkDelete)
			r.Get("/{id}", d.Events.Get)
			r.Post("/{id}/review", d.Events.Review)
			r.Delete("/{id}", d.Events.Delete)
			r.Post("/{id}/restore", d.Events.Restore)
		})

		r.Get("/analyze/{batchID}/stream", d.Stream.Stream)
	})

	return r
}
