// Package handlers provides HTTP handlers for alert rules.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/internal/modules/alerts"
	"github.com/aristath/riskdesk/internal/modules/portfolio"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// AlertService is the alert operations the handlers depend on
type AlertService interface {
	CreateRule(ctx context.Context, portfolioID string, rule alerts.Rule) (alerts.Rule, error)
	Rules(ctx context.Context, portfolioID string) ([]alerts.Rule, error)
	Events(ctx context.Context, portfolioID string, limit int) ([]alerts.Event, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Test(ctx context.Context, req alerts.TestRequest) (alerts.Evaluation, error)
	EvaluatePortfolio(ctx context.Context, portfolioID string) ([]alerts.Result, error)
}

// PortfolioChecker reports whether a portfolio exists
type PortfolioChecker interface {
	Exists(ctx context.Context, id string) error
}

// Handler handles alert HTTP requests
type Handler struct {
	service    AlertService
	portfolios PortfolioChecker
	validate   *validator.Validate
	log        zerolog.Logger
}

// NewHandler creates a new alerts handler
func NewHandler(service AlertService, portfolios PortfolioChecker, log zerolog.Logger) *Handler {
	return &Handler{
		service:    service,
		portfolios: portfolios,
		validate:   validator.New(),
		log:        log.With().Str("handler", "alerts").Logger(),
	}
}

// HandleListAlerts handles GET /api/portfolio/{id}/alerts
func (h *Handler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.portfolioExists(w, r, id) {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rules, err := h.service.Rules(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("portfolio_id", id).Msg("Failed to list alert rules")
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	recent, err := h.service.Events(r.Context(), id, limit)
	if err != nil {
		h.log.Error().Err(err).Str("portfolio_id", id).Msg("Failed to list alert events")
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"rules":  nonNil(rules),
		"events": nonNil(recent),
	}))
}

// HandleCreateAlert handles POST /api/portfolio/{id}/alerts
func (h *Handler) HandleCreateAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.portfolioExists(w, r, id) {
		return
	}

	var req struct {
		alerts.Rule
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.valid(w, req.Rule) {
		return
	}
	rule := req.Rule
	rule.Enabled = req.Enabled == nil || *req.Enabled

	created, err := h.service.CreateRule(r.Context(), id, rule)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, envelope(created))
}

// HandleSetEnabled handles PATCH /api/alerts/{ruleID}
func (h *Handler) HandleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		h.writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	err := h.service.SetEnabled(r.Context(), chi.URLParam(r, "ruleID"), *req.Enabled)
	if errors.Is(err, alerts.ErrRuleNotFound) {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]bool{"enabled": *req.Enabled}))
}

// HandleTestAlert handles POST /api/alerts/test
func (h *Handler) HandleTestAlert(w http.ResponseWriter, r *http.Request) {
	var req alerts.TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.valid(w, req.Rule) {
		return
	}
	if req.Values == nil {
		if req.PortfolioID == "" {
			h.writeError(w, http.StatusBadRequest, "either portfolio_id or values is required")
			return
		}
		if !h.portfolioExists(w, r, req.PortfolioID) {
			return
		}
	}

	ev, err := h.service.Test(r.Context(), req)
	if err != nil {
		h.writeEvaluationError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(ev))
}

// HandleEvaluate handles POST /api/portfolio/{id}/alerts/evaluate
func (h *Handler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.portfolioExists(w, r, id) {
		return
	}

	results, err := h.service.EvaluatePortfolio(r.Context(), id)
	if err != nil {
		h.writeEvaluationError(w, err)
		return
	}

	triggered := 0
	for _, res := range results {
		if res.Evaluation.WouldTrigger {
			triggered++
		}
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"results":   results,
		"triggered": triggered,
	}))
}

func (h *Handler) portfolioExists(w http.ResponseWriter, r *http.Request, id string) bool {
	err := h.portfolios.Exists(r.Context(), id)
	if err == nil {
		return true
	}
	if errors.Is(err, portfolio.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, err.Error())
		return false
	}
	h.writeError(w, http.StatusInternalServerError, err.Error())
	return false
}

// writeEvaluationError maps a metrics lookup failure. Evaluation never computes
// metrics itself, so a miss asks the caller to wait for the portfolio risk.
func (h *Handler) writeEvaluationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrCacheMiss), errors.Is(err, domain.ErrAlreadyCalculating):
		h.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":    "cache_miss",
			"message":  "portfolio risk has not been calculated yet",
			"guidance": "risk calculation has been scheduled; evaluate again once it is fresh",
		})
	case domain.IsInsufficientHistory(err):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   "insufficient_history",
			"message": err.Error(),
		})
	case domain.IsNoData(err):
		h.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":   "no_data",
			"message": err.Error(),
			"badge":   domain.BadgeNA,
		})
	case domain.IsProviderUnavailable(err):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error().Err(err).Msg("Alert evaluation failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) valid(w http.ResponseWriter, rule alerts.Rule) bool {
	if err := h.validate.Struct(rule); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "validation failed",
				"fields": fields,
			})
			return false
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := alerts.ValidateRule(rule); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
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
