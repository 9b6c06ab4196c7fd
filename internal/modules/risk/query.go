package risk

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/internal/modules/forecast"
	"github.com/aristath/riskdesk/internal/modules/riskcache"
)

// SecurityQuery selects security risk metrics
type SecurityQuery struct {
	Ticker    string `validate:"required,max=20"`
	Days      int    `validate:"min=30,max=3650"`
	Benchmark string `validate:"required,oneof=SPY QQQ IWM"`
}

// Key is the cache key of the query
func (q SecurityQuery) Key() riskcache.Key {
	return riskcache.NewKey(riskcache.SubjectSecurity, q.Ticker,
		"days", strconv.Itoa(q.Days), "benchmark", q.Benchmark)
}

// PortfolioQuery selects a portfolio's downside risk
type PortfolioQuery struct {
	PortfolioID string `validate:"required,max=64"`
	Days        int    `validate:"min=30,max=3650"`
	Benchmark   string `validate:"required,oneof=SPY QQQ IWM"`
	Force       bool
}

// DefaultPortfolioQuery is the query background work keeps warm
func DefaultPortfolioQuery(id string) PortfolioQuery {
	return PortfolioQuery{PortfolioID: id, Days: DefaultDays, Benchmark: domain.DefaultBenchmark}
}

// Key is the cache key of the query. Force is not part of it.
func (q PortfolioQuery) Key() riskcache.Key {
	return riskcache.NewKey(riskcache.SubjectPortfolio, q.PortfolioID,
		"days", strconv.Itoa(q.Days), "benchmark", q.Benchmark)
}

// CorrelationQuery selects a correlation matrix. Tickers must already be normalized.
type CorrelationQuery struct {
	Tickers []string `validate:"min=1,max=10,dive,required,max=20"`
	Days    int      `validate:"min=30,max=3650"`
}

// Key is the cache key of the query
func (q CorrelationQuery) Key() riskcache.Key {
	return riskcache.NewKey(riskcache.SubjectCorrelation, strings.Join(q.Tickers, ","),
		"days", strconv.Itoa(q.Days))
}

// ForecastQuery selects a beta forecast
type ForecastQuery struct {
	Ticker         string          `validate:"required,max=20"`
	Days           int             `validate:"min=120,max=3650"`
	Benchmark      string          `validate:"required,oneof=SPY QQQ IWM"`
	Method         forecast.Method `validate:"required"`
	Horizon        int             `validate:"min=1,max=365"`
	IncludeHistory bool
	Force          bool
}

// DefaultForecastQuery is the forecast background work keeps warm
func DefaultForecastQuery(ticker string, horizon int) ForecastQuery {
	return ForecastQuery{
		Ticker:    ticker,
		Days:      DefaultDays,
		Benchmark: domain.DefaultBenchmark,
		Method:    forecast.MethodEnsemble,
		Horizon:   horizon,
	}
}

// Key is the cache key of the query
func (q ForecastQuery) Key() riskcache.Key {
	return riskcache.NewKey(riskcache.SubjectBetaForecast, q.Ticker,
		"days", strconv.Itoa(q.Days),
		"benchmark", q.Benchmark,
		"method", string(q.Method),
		"horizon", strconv.Itoa(q.Horizon),
		"history", strconv.FormatBool(q.IncludeHistory))
}

// CacheStatus describes the cache entry a payload was served from
type CacheStatus struct {
	Key         string           `json:"key"`
	Status      riskcache.Status `json:"status"`
	LastUpdated time.Time        `json:"last_updated"`
	ComputedAt  *time.Time       `json:"computed_at,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	IsStale     bool             `json:"is_stale"`
	RetryCount  int              `json:"retry_count"`
	ErrorKind   string           `json:"error_kind,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
}

// StatusOf summarizes an entry. Anything other than fresh is stale from the reader's view.
func StatusOf(e *riskcache.Entry) CacheStatus {
	if e == nil {
		return CacheStatus{}
	}
	return CacheStatus{
		Key:         e.Key,
		Status:      e.Status,
		LastUpdated: e.UpdatedAt,
		ComputedAt:  e.ComputedAt,
		ExpiresAt:   e.ExpiresAt,
		IsStale:     e.Status != riskcache.StatusFresh,
		RetryCount:  e.RetryCount,
		ErrorKind:   e.ErrorKind,
		LastError:   e.LastError,
	}
}

// EntryError is the recorded failure of an entry that has no payload to serve.
// It unwraps to the matching domain error so errors.As keeps working.
type EntryError struct {
	Kind       string
	Message    string
	RetryCount int
	Err        error
}

func (e *EntryError) Error() string {
	return e.Message
}

func (e *EntryError) Unwrap() error { return e.Err }

func entryError(e *riskcache.Entry) error {
	switch e.Status {
	case riskcache.StatusCalculating:
		return domain.ErrAlreadyCalculating
	case riskcache.StatusStale, riskcache.StatusFresh:
		return domain.ErrCacheMiss
	}

	var cause error
	switch e.ErrorKind {
	case "no_data":
		cause = &domain.NoDataError{Ticker: e.SubjectID}
	case "insufficient_history":
		cause = &domain.InsufficientHistoryError{Ticker: e.SubjectID}
	case "provider_unavailable":
		cause = &domain.ProviderUnavailableError{Err: errors.New(e.LastError)}
	default:
		cause = errors.New(e.LastError)
	}
	return &EntryError{Kind: e.ErrorKind, Message: e.LastError, RetryCount: e.RetryCount, Err: cause}
}

// Action is a follow-up a client may take on a served result
type Action struct {
	Name        string `json:"name"`
	Method      string `json:"method"`
	Href        string `json:"href"`
	Description string `json:"description"`
}

// Actions suggests follow-ups for a result served with status
func Actions(selfHref string, status CacheStatus) []Action {
	actions := []Action{}
	if status.IsStale || status.Status == riskcache.StatusError {
		actions = append(actions, Action{
			Name:        "force_refresh",
			Method:      "GET",
			Href:        withParam(selfHref, "force", "true"),
			Description: "Recompute now and return the fresh result",
		})
	}
	if status.ErrorKind == "insufficient_history" || status.ErrorKind == "no_data" {
		actions = append(actions, Action{
			Name:        "import_history",
			Method:      "POST",
			Href:        "/api/admin/work/price_refresh/trigger",
			Description: "Import more price history for the holdings",
		})
	}
	return actions
}

func withParam(href, name, value string) string {
	sep := "?"
	if strings.Contains(href, "?") {
		sep = "&"
	}
	return href + sep + name + "=" + value
}
