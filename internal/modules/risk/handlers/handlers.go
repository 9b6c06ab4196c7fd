// Package handlers provides HTTP handlers for risk reads.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/internal/modules/correlation"
	"github.com/aristath/riskdesk/internal/modules/forecast"
	"github.com/aristath/riskdesk/internal/modules/metrics"
	"github.com/aristath/riskdesk/internal/modules/portfolio"
	"github.com/aristath/riskdesk/internal/modules/prices"
	"github.com/aristath/riskdesk/internal/modules/risk"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// retryAfter is suggested to clients whose result was scheduled
const retryAfter = 5 * time.Second

// RiskService is the read side the handlers depend on
type RiskService interface {
	SecurityRisk(ctx context.Context, q risk.SecurityQuery) (*metrics.RiskMetrics, risk.CacheStatus, error)
	PortfolioRisk(ctx context.Context, q risk.PortfolioQuery) (*risk.PortfolioRisk, risk.CacheStatus, error)
	Correlation(ctx context.Context, q risk.CorrelationQuery) (*correlation.Matrix, risk.CacheStatus, error)
	BetaForecast(ctx context.Context, q risk.ForecastQuery) (*forecast.BetaForecast, risk.CacheStatus, error)
	RegisterInstrument(ctx context.Context, inst prices.Instrument) (prices.Instrument, error)
	AssetClass(ctx context.Context, ticker string) domain.AssetClass
}

// PortfolioChecker reports whether a portfolio exists
type PortfolioChecker interface {
	Exists(ctx context.Context, id string) error
}

// Handler handles risk HTTP requests
type Handler struct {
	service        RiskService
	portfolios     PortfolioChecker
	validate       *validator.Validate
	defaultHorizon int
	log            zerolog.Logger
}

// NewHandler creates a new risk handler
func NewHandler(
	service RiskService,
	portfolios PortfolioChecker,
	defaultHorizon int,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		service:        service,
		portfolios:     portfolios,
		validate:       validator.New(),
		defaultHorizon: defaultHorizon,
		log:            log.With().Str("handler", "risk").Logger(),
	}
}

// HandleGetSecurityRisk handles GET /api/risk/{ticker}
func (h *Handler) HandleGetSecurityRisk(w http.ResponseWriter, r *http.Request) {
	q := risk.SecurityQuery{
		Ticker:    domain.NormalizeTicker(chi.URLParam(r, "ticker")),
		Benchmark: benchmarkParam(r),
	}
	var err error
	if q.Days, err = intParam(r, "days", risk.DefaultDays); err != nil {
		h.writeError(w, http.StatusBadRequest, "days must be an integer")
		return
	}
	if !h.valid(w, q) {
		return
	}

	m, status, err := h.service.SecurityRisk(r.Context(), q)
	class := h.service.AssetClass(r.Context(), q.Ticker)
	if err != nil {
		h.writeServiceError(w, err, class)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": m,
		"metadata": map[string]interface{}{
			"timestamp":    time.Now().Format(time.RFC3339),
			"asset_class":  class,
			"cache_status": status,
		},
	})
}

// HandleGetPortfolioDownsideRisk handles GET /api/portfolio/{id}/downside-risk
func (h *Handler) HandleGetPortfolioDownsideRisk(w http.ResponseWriter, r *http.Request) {
	q := risk.PortfolioQuery{
		PortfolioID: chi.URLParam(r, "id"),
		Benchmark:   benchmarkParam(r),
	}
	var err error
	if q.Days, err = intParam(r, "days", risk.DefaultDays); err != nil {
		h.writeError(w, http.StatusBadRequest, "days must be an integer")
		return
	}
	if q.Force, err = boolParam(r, "force"); err != nil {
		h.writeError(w, http.StatusBadRequest, "force must be a boolean")
		return
	}
	if !h.valid(w, q) {
		return
	}
	if err := h.portfolios.Exists(r.Context(), q.PortfolioID); err != nil {
		h.writeServiceError(w, err, domain.AssetClassUnknown)
		return
	}

	p, status, err := h.service.PortfolioRisk(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, err, domain.AssetClassUnknown)
		return
	}

	self := "/api/portfolio/" + q.PortfolioID + "/downside-risk?days=" + strconv.Itoa(q.Days) + "&benchmark=" + q.Benchmark
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"portfolio_risk": p,
			"cache_status":   status,
			"actions":        risk.Actions(self, status),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetCorrelation handles GET /api/correlation?tickers=A,B,C
func (h *Handler) HandleGetCorrelation(w http.ResponseWriter, r *http.Request) {
	tickers, err := correlation.NormalizeTickers(strings.Split(r.URL.Query().Get("tickers"), ","))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := risk.CorrelationQuery{Tickers: tickers}
	if q.Days, err = intParam(r, "days", risk.DefaultDays); err != nil {
		h.writeError(w, http.StatusBadRequest, "days must be an integer")
		return
	}
	if !h.valid(w, q) {
		return
	}

	m, status, err := h.service.Correlation(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, err, domain.AssetClassUnknown)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": m,
		"metadata": map[string]interface{}{
			"timestamp":    time.Now().Format(time.RFC3339),
			"cache_status": status,
		},
	})
}

// HandleGetBetaForecast handles GET /api/beta-forecast/{ticker}
func (h *Handler) HandleGetBetaForecast(w http.ResponseWriter, r *http.Request) {
	method, err := forecast.ParseMethod(r.URL.Query().Get("method"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := risk.ForecastQuery{
		Ticker:    domain.NormalizeTicker(chi.URLParam(r, "ticker")),
		Benchmark: benchmarkParam(r),
		Method:    method,
	}
	if q.Days, err = intParam(r, "days", risk.DefaultDays); err != nil {
		h.writeError(w, http.StatusBadRequest, "days must be an integer")
		return
	}
	if q.Horizon, err = intParam(r, "horizon", h.defaultHorizon); err != nil {
		h.writeError(w, http.StatusBadRequest, "horizon must be an integer")
		return
	}
	if q.IncludeHistory, err = boolParam(r, "history"); err != nil {
		h.writeError(w, http.StatusBadRequest, "history must be a boolean")
		return
	}
	if q.Force, err = boolParam(r, "force"); err != nil {
		h.writeError(w, http.StatusBadRequest, "force must be a boolean")
		return
	}
	if !h.valid(w, q) {
		return
	}

	f, status, err := h.service.BetaForecast(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, err, h.service.AssetClass(r.Context(), q.Ticker))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": f,
		"metadata": map[string]interface{}{
			"timestamp":    time.Now().Format(time.RFC3339),
			"cache_status": status,
		},
	})
}

type instrumentRequest struct {
	Ticker   string `json:"ticker" validate:"required,max=20"`
	Name     string `json:"name" validate:"max=200"`
	Category string `json:"category" validate:"max=100"`
	Industry string `json:"industry" validate:"max=100"`
}

// HandleRegisterInstrument handles POST /api/instruments
func (h *Handler) HandleRegisterInstrument(w http.ResponseWriter, r *http.Request) {
	var req instrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.valid(w, req) {
		return
	}

	inst, err := h.service.RegisterInstrument(r.Context(), prices.Instrument{
		Ticker:   req.Ticker,
		Name:     req.Name,
		Category: req.Category,
		Industry: req.Industry,
	})
	if err != nil {
		h.log.Error().Err(err).Str("ticker", req.Ticker).Msg("Failed to register instrument")
		h.writeError(w, http.StatusInternalServerError, "failed to register instrument")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data": inst,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// writeServiceError maps domain errors onto status codes
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, class domain.AssetClass) {
	var insufficient *domain.InsufficientHistoryError
	var exhausted *domain.RetryExhaustedError
	var entryErr *risk.EntryError

	switch {
	case errors.Is(err, portfolio.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())

	case domain.IsNoData(err):
		h.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":       "no_data",
			"message":     err.Error(),
			"badge":       domain.BadgeFor(class, err),
			"asset_class": class,
		})

	case errors.Is(err, domain.ErrCacheMiss):
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		h.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":               "cache_miss",
			"message":             "result has not been calculated yet",
			"guidance":            "the calculation has been scheduled; retry shortly, or add force=true to compute now",
			"retry_after_seconds": int(retryAfter.Seconds()),
		})

	case errors.As(err, &insufficient):
		details := map[string]interface{}{"ticker": insufficient.Ticker}
		if insufficient.Need > 0 {
			details["have"] = insufficient.Have
			details["need"] = insufficient.Need
		}
		if errors.As(err, &entryErr) {
			details["message"] = entryErr.Message
		}
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":    "insufficient_history",
			"message":  err.Error(),
			"details":  details,
			"badge":    domain.BadgeNA,
			"guidance": "import more price history for this instrument",
		})

	case domain.IsProviderUnavailable(err):
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":   "provider_unavailable",
			"message": err.Error(),
		})

	case errors.Is(err, domain.ErrAlreadyCalculating):
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":   "calculating",
			"guidance": "a calculation is in progress; retry shortly",
		})

	case errors.As(err, &exhausted):
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":   "retry_exhausted",
			"message": "this result repeatedly failed to compute and needs operator attention",
		})

	default:
		h.log.Error().Err(err).Msg("Risk read failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) valid(w http.ResponseWriter, v interface{}) bool {
	err := h.validate.Struct(v)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
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

func benchmarkParam(r *http.Request) string {
	if b := domain.NormalizeTicker(r.URL.Query().Get("benchmark")); b != "" {
		return b
	}
	return domain.DefaultBenchmark
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
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
