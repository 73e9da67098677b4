package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. writeMW
// wraps only the state-changing routes (rate limiting, idempotency). events
// serves the WebSocket stream when non-nil.
func MountRoutes(r chi.Router, h *Handlers, events http.HandlerFunc, writeMW ...func(http.Handler) http.Handler) {
	r.Get("/health", h.HealthCheck)
	if events != nil {
		r.Get("/ws", events)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		r.Get("/sessions", h.ListActiveSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Get("/sessions/{id}/transcript", h.GetTranscript)

		r.Group(func(r chi.Router) {
			r.Use(writeMW...)
			r.Post("/sessions", h.SubmitSession)
			r.Post("/sessions/{id}/feedback", h.SubmitFeedback)
			r.Post("/sessions/{id}/restart", h.RestartSession)
			r.Post("/sessions/{id}/cancel", h.CancelSession)
		})

		r.Get("/reviewers", h.ListReviewers)
		r.Get("/models", h.ListModels)
	})
}
