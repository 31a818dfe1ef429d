package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured. An empty apiKey
// leaves the document routes open.
func NewRouter(h *Handler, apiKey string) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			if apiKey != "" {
				r.Use(AuthMiddleware(apiKey))
			}
			r.Use(SourceIDMiddleware)

			r.Get("/docs/{kind}/changes", h.Changes)
			r.Post("/docs/{kind}/query", h.Query)
			r.Put("/docs/{kind}/{id}", h.PutDocument)
			r.Delete("/docs/{kind}/{id}", h.DeleteDocument)
			r.Get("/watch", h.Watch)
		})
	})

	return r
}
