// Package handlers provides HTTP handlers for portfolio management.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aristath/riskdesk/internal/modules/portfolio"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PortfolioService is the portfolio operations the handlers depend on
type PortfolioService interface {
	Get(ctx context.Context, id string) (*portfolio.Portfolio, []portfolio.Position, error)
	IDs(ctx context.Context) ([]string, error)
	Save(ctx context.Context, p portfolio.Portfolio, positions []portfolio.Position) (*portfolio.Portfolio, error)
}

// Handler handles portfolio HTTP requests
type Handler struct {
	service PortfolioService
	log     zerolog.Logger
}

// NewHandler creates a new portfolio handler
func NewHandler(service PortfolioService, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "portfolio").Logger(),
	}
}

type positionRequest struct {
	Ticker    string          `json:"ticker"`
	Quantity  decimal.Decimal `json:"quantity"`
	CostBasis decimal.Decimal `json:"cost_basis"`
}

type saveRequest struct {
	Name         string            `json:"name"`
	BaseCurrency string            `json:"base_currency"`
	Positions    []positionRequest `json:"positions"`
}

// HandleListPortfolios handles GET /api/portfolio
func (h *Handler) HandleListPortfolios(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.IDs(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list portfolios")
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{"portfolios": ids}))
}

// HandleGetPortfolio handles GET /api/portfolio/{id}
func (h *Handler) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, positions, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, portfolio.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get portfolio")
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if positions == nil {
		positions = []portfolio.Position{}
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"portfolio": p,
		"positions": positions,
	}))
}

// HandleSavePortfolio handles PUT /api/portfolio/{id}: creates the portfolio if needed
// and replaces all of its positions.
func (h *Handler) HandleSavePortfolio(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	positions := make([]portfolio.Position, 0, len(req.Positions))
	for _, p := range req.Positions {
		positions = append(positions, portfolio.Position{
			Ticker:    p.Ticker,
			Quantity:  p.Quantity,
			CostBasis: p.CostBasis,
		})
	}

	saved, err := h.service.Save(r.Context(), portfolio.Portfolio{
		ID:           chi.URLParam(r, "id"),
		Name:         req.Name,
		BaseCurrency: req.BaseCurrency,
	}, positions)
	if errors.Is(err, portfolio.ErrInvalidPosition) {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to save portfolio")
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"portfolio": saved,
		"positions": len(positions),
	}))
}

func envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
