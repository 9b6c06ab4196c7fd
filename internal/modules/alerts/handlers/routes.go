package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the alert routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/portfolio/{id}/alerts", func(r chi.Router) {
		r.Get("/", h.HandleListAlerts)
		r.Post("/", h.HandleCreateAlert)
		r.Post("/evaluate", h.HandleEvaluate)
	})

	r.Route("/alerts", func(r chi.Router) {
		r.Post("/test", h.HandleTestAlert)
		r.Patch("/{ruleID}", h.HandleSetEnabled)
	})
}
