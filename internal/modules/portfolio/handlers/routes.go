package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all portfolio routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/portfolio", h.HandleListPortfolios)
	r.Get("/portfolio/{id}", h.HandleGetPortfolio)
	r.Put("/portfolio/{id}", h.HandleSavePortfolio)
}
