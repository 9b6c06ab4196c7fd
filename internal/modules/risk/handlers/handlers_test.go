package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/internal/modules/correlation"
	"github.com/aristath/riskdesk/internal/modules/forecast"
	"github.com/aristath/riskdesk/internal/modules/metrics"
	"github.com/aristath/riskdesk/internal/modules/portfolio"
	"github.com/aristath/riskdesk/internal/modules/prices"
	"github.com/aristath/riskdesk/internal/modules/risk"
	"github.com/aristath/riskdesk/internal/modules/riskcache"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) SecurityRisk(ctx context.Context, q risk.SecurityQuery) (*metrics.RiskMetrics, risk.CacheStatus, error) {
	args := m.Called(q)
	out, _ := args.Get(0).(*metrics.RiskMetrics)
	return out, args.Get(1).(risk.CacheStatus), args.Error(2)
}

func (m *mockService) PortfolioRisk(ctx context.Context, q risk.PortfolioQuery) (*risk.PortfolioRisk, risk.CacheStatus, error) {
	args := m.Called(q)
	out, _ := args.Get(0).(*risk.PortfolioRisk)
	return out, args.Get(1).(risk.CacheStatus), args.Error(2)
}

func (m *mockService) Correlation(ctx context.Context, q risk.CorrelationQuery) (*correlation.Matrix, risk.CacheStatus, error) {
	args := m.Called(q)
	out, _ := args.Get(0).(*correlation.Matrix)
	return out, args.Get(1).(risk.CacheStatus), args.Error(2)
}

func (m *mockService) BetaForecast(ctx context.Context, q risk.ForecastQuery) (*forecast.BetaForecast, risk.CacheStatus, error) {
	args := m.Called(q)
	out, _ := args.Get(0).(*forecast.BetaForecast)
	return out, args.Get(1).(risk.CacheStatus), args.Error(2)
}

func (m *mockService) RegisterInstrument(ctx context.Context, inst prices.Instrument) (prices.Instrument, error) {
	args := m.Called(inst)
	return args.Get(0).(prices.Instrument), args.Error(1)
}

func (m *mockService) AssetClass(ctx context.Context, ticker string) domain.AssetClass {
	return domain.AssetClassMutualFund
}

type portfolios map[string]bool

func (p portfolios) Exists(_ context.Context, id string) error {
	if p[id] {
		return nil
	}
	return portfolio.ErrNotFound
}

func newRouter(svc *mockService) http.Handler {
	h := NewHandler(svc, portfolios{"p1": true}, 30, zerolog.Nop())
	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	return r
}

func do(t *testing.T, router http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func fresh() risk.CacheStatus {
	return risk.CacheStatus{Key: "k", Status: riskcache.StatusFresh, LastUpdated: time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC)}
}

func TestSecurityRisk_OK(t *testing.T) {
	svc := &mockService{}
	vol := 21.5
	svc.On("SecurityRisk", risk.SecurityQuery{Ticker: "AAPL", Days: 180, Benchmark: "QQQ"}).
		Return(&metrics.RiskMetrics{Ticker: "AAPL", Volatility: &vol, SufficientData: true}, fresh(), nil)

	rec, body := do(t, newRouter(svc), "GET", "/api/risk/aapl?days=180&benchmark=qqq", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 21.5, data["volatility"])
	meta := body["metadata"].(map[string]interface{})
	assert.Equal(t, "fresh", meta["cache_status"].(map[string]interface{})["status"])
	svc.AssertExpectations(t)
}

func TestSecurityRisk_NoDataRendersNABadge(t *testing.T) {
	svc := &mockService{}
	svc.On("SecurityRisk", mock.Anything).Return(nil, risk.CacheStatus{}, &domain.NoDataError{Ticker: "XYZMUTUALFUND"})

	rec, body := do(t, newRouter(svc), "GET", "/api/risk/XYZMUTUALFUND", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_data", body["error"])
	assert.Equal(t, "N/A", body["badge"])
	assert.Equal(t, "mutual_fund", body["asset_class"])
}

func TestSecurityRisk_Validation(t *testing.T) {
	svc := &mockService{}
	router := newRouter(svc)

	tests := []struct {
		name   string
		target string
	}{
		{"non-numeric days", "/api/risk/AAPL?days=abc"},
		{"days too small", "/api/risk/AAPL?days=5"},
		{"days too large", "/api/risk/AAPL?days=99999"},
		{"unsupported benchmark", "/api/risk/AAPL?benchmark=DIA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, router, "GET", tt.target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	svc.AssertNotCalled(t, "SecurityRisk", mock.Anything)
}

func TestPortfolioDownsideRisk_MissReturnsGuidance(t *testing.T) {
	svc := &mockService{}
	svc.On("PortfolioRisk", mock.Anything).Return(nil, risk.CacheStatus{}, domain.ErrCacheMiss)

	rec, body := do(t, newRouter(svc), "GET", "/api/portfolio/p1/downside-risk", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "cache_miss", body["error"])
	assert.NotEmpty(t, body["guidance"])
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestPortfolioDownsideRisk_UnknownPortfolio(t *testing.T) {
	svc := &mockService{}
	rec, _ := do(t, newRouter(svc), "GET", "/api/portfolio/nope/downside-risk", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	svc.AssertNotCalled(t, "PortfolioRisk", mock.Anything)
}

func TestPortfolioDownsideRisk_StaleCarriesActions(t *testing.T) {
	svc := &mockService{}
	status := fresh()
	status.Status = riskcache.StatusStale
	status.IsStale = true
	svc.On("PortfolioRisk", mock.MatchedBy(func(q risk.PortfolioQuery) bool {
		return q.PortfolioID == "p1" && q.Days == 365 && !q.Force
	})).Return(&risk.PortfolioRisk{PortfolioID: "p1", Positions: 2}, status, nil)

	rec, body := do(t, newRouter(svc), "GET", "/api/portfolio/p1/downside-risk", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].(map[string]interface{})
	cs := data["cache_status"].(map[string]interface{})
	assert.Equal(t, true, cs["is_stale"])
	assert.Equal(t, "2024-06-17T12:00:00Z", cs["last_updated"])
	actions := data["actions"].([]interface{})
	require.Len(t, actions, 1)
	assert.Equal(t, "/api/portfolio/p1/downside-risk?days=365&benchmark=SPY&force=true",
		actions[0].(map[string]interface{})["href"])
}

func TestPortfolioDownsideRisk_ForceIsPassedThrough(t *testing.T) {
	svc := &mockService{}
	svc.On("PortfolioRisk", mock.MatchedBy(func(q risk.PortfolioQuery) bool { return q.Force })).
		Return(&risk.PortfolioRisk{PortfolioID: "p1"}, fresh(), nil)

	rec, _ := do(t, newRouter(svc), "GET", "/api/portfolio/p1/downside-risk?force=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)

	rec, _ = do(t, newRouter(svc), "GET", "/api/portfolio/p1/downside-risk?force=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCorrelation(t *testing.T) {
	svc := &mockService{}
	svc.On("Correlation", risk.CorrelationQuery{Tickers: []string{"AAPL", "MSFT"}, Days: 365}).
		Return(&correlation.Matrix{Tickers: []string{"AAPL", "MSFT"}}, fresh(), nil)
	router := newRouter(svc)

	rec, _ := do(t, router, "GET", "/api/correlation?tickers=msft,aapl,AAPL", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)

	rec, _ = do(t, router, "GET", "/api/correlation?tickers=A,B,C,D,E,F,G,H,I,J,K", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, router, "GET", "/api/correlation", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBetaForecast_InsufficientHistoryIs422(t *testing.T) {
	svc := &mockService{}
	svc.On("BetaForecast", mock.MatchedBy(func(q risk.ForecastQuery) bool {
		return q.Ticker == "NEWCO" && q.Horizon == 30 && q.Method == forecast.MethodEnsemble
	})).Return(nil, risk.CacheStatus{}, &domain.InsufficientHistoryError{Ticker: "NEWCO", Have: 40, Need: 60})

	rec, body := do(t, newRouter(svc), "GET", "/api/beta-forecast/NEWCO", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "insufficient_history", body["error"])
	details := body["details"].(map[string]interface{})
	assert.Equal(t, float64(40), details["have"])
	assert.Equal(t, float64(60), details["need"])
}

func TestBetaForecast_UnknownMethod(t *testing.T) {
	rec, _ := do(t, newRouter(&mockService{}), "GET", "/api/beta-forecast/AAPL?method=magic", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"provider outage", &domain.ProviderUnavailableError{Provider: "yahoo", Err: errors.New("timeout")}, http.StatusServiceUnavailable},
		{"other process calculating", domain.ErrAlreadyCalculating, http.StatusAccepted},
		{"exhausted", &domain.RetryExhaustedError{Key: "k", RetryCount: 5}, http.StatusServiceUnavailable},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("Correlation", mock.Anything).Return(nil, risk.CacheStatus{}, tt.err)
			rec, _ := do(t, newRouter(svc), "GET", "/api/correlation?tickers=AAPL", "")
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRegisterInstrument(t *testing.T) {
	svc := &mockService{}
	svc.On("RegisterInstrument", prices.Instrument{Ticker: "VFIAX", Category: "Mutual Fund"}).
		Return(prices.Instrument{Ticker: "VFIAX", Category: "Mutual Fund", AssetClass: domain.AssetClassMutualFund}, nil)
	router := newRouter(svc)

	rec, body := do(t, router, "POST", "/api/instruments", `{"ticker":"VFIAX","category":"Mutual Fund"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "mutual_fund", body["data"].(map[string]interface{})["asset_class"])

	rec, _ = do(t, router, "POST", "/api/instruments", `{"name":"no ticker"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
