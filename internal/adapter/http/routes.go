package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the health endpoint and all API routes on r.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.GetHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		r.Get("/sessions", h.ListSessions)
		r.Get("/graph", h.GetGraph)
		r.Put("/graph/pins/{id}", h.PinNode)
		r.Delete("/graph/pins/{id}", h.UnpinNode)
	})
}
