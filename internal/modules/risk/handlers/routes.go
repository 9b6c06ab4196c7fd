package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the risk read routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/risk/{ticker}", h.HandleGetSecurityRisk)
	r.Get("/portfolio/{id}/downside-risk", h.HandleGetPortfolioDownsideRisk)
	r.Get("/correlation", h.HandleGetCorrelation)
	r.Get("/beta-forecast/{ticker}", h.HandleGetBetaForecast)
	r.Post("/instruments", h.HandleRegisterInstrument)
}
