// Package risk composes price resolution, the metric engines and the risk cache
// into the read operations served over HTTP and refreshed by background work.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/internal/modules/correlation"
	"github.com/aristath/riskdesk/internal/modules/forecast"
	"github.com/aristath/riskdesk/internal/modules/metrics"
	"github.com/aristath/riskdesk/internal/modules/prices"
	"github.com/aristath/riskdesk/internal/modules/riskcache"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// DefaultDays is the lookback used when a request names none
const DefaultDays = 365

// ReadPolicy decides what a read does when nothing is cached yet
type ReadPolicy int

const (
	// ComputeOnMiss computes synchronously; the caller always gets data or a typed error
	ComputeOnMiss ReadPolicy = iota
	// ScheduleOnMiss enqueues the computation and returns domain.ErrCacheMiss
	ScheduleOnMiss
)

// PriceResolver resolves daily closes for a ticker
type PriceResolver interface {
	Resolve(ctx context.Context, ticker string, rng domain.DateRange) (domain.PriceSeries, error)
}

// InstrumentStore persists instrument classification
type InstrumentStore interface {
	UpsertInstrument(ctx context.Context, inst prices.Instrument) (prices.Instrument, error)
	AssetClassOf(ctx context.Context, ticker string) domain.AssetClass
}

// HoldingsProvider returns the positions of portfolios
type HoldingsProvider interface {
	IDs(ctx context.Context) ([]string, error)
	Holdings(ctx context.Context, id string) ([]metrics.Holding, error)
}

// PortfolioRisk is the cached downside-risk payload of a portfolio
type PortfolioRisk struct {
	PortfolioID string              `json:"portfolio_id"`
	Notional    decimal.Decimal     `json:"notional"`
	Positions   int                 `json:"positions"`
	Weights     map[string]float64  `json:"weights"`
	Excluded    []string            `json:"excluded"`
	Metrics     metrics.RiskMetrics `json:"metrics"`
}

// Service serves risk reads through the cache and registers the computations behind them
type Service struct {
	prices      PriceResolver
	instruments InstrumentStore
	holdings    HoldingsProvider
	metrics     *metrics.Engine
	correlation *correlation.Engine
	forecast    *forecast.Engine
	cache       *riskcache.Cache
	clock       domain.Clock
	concurrency int
	log         zerolog.Logger
}

// Deps groups the collaborators of the service
type Deps struct {
	Prices      PriceResolver
	Instruments InstrumentStore
	Holdings    HoldingsProvider
	Metrics     *metrics.Engine
	Correlation *correlation.Engine
	Forecast    *forecast.Engine
	Cache       *riskcache.Cache
	Clock       domain.Clock
	// FetchConcurrency bounds parallel price resolution within one computation
	FetchConcurrency int
}

// NewService creates the service and registers its computations with the cache
func NewService(deps Deps, log zerolog.Logger) *Service {
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.FetchConcurrency <= 0 {
		deps.FetchConcurrency = 4
	}
	s := &Service{
		prices:      deps.Prices,
		instruments: deps.Instruments,
		holdings:    deps.Holdings,
		metrics:     deps.Metrics,
		correlation: deps.Correlation,
		forecast:    deps.Forecast,
		cache:       deps.Cache,
		clock:       deps.Clock,
		concurrency: deps.FetchConcurrency,
		log:         log.With().Str("service", "risk").Logger(),
	}

	s.cache.Register(riskcache.SubjectSecurity, s.computeSecurity)
	s.cache.Register(riskcache.SubjectPortfolio, s.computePortfolio)
	s.cache.Register(riskcache.SubjectCorrelation, s.computeCorrelation)
	s.cache.Register(riskcache.SubjectBetaForecast, s.computeForecast)
	return s
}

// Cache exposes the underlying risk cache for admin operations
func (s *Service) Cache() *riskcache.Cache {
	return s.cache
}

// SecurityRisk returns risk metrics for one ticker (ComputeOnMiss)
func (s *Service) SecurityRisk(ctx context.Context, q SecurityQuery) (*metrics.RiskMetrics, CacheStatus, error) {
	var m metrics.RiskMetrics
	status, err := s.read(ctx, q.Key(), ComputeOnMiss, false, &m)
	if err != nil {
		return nil, status, err
	}
	return &m, status, nil
}

// PortfolioRisk returns the downside-risk payload of a portfolio (ScheduleOnMiss).
// force computes synchronously and overwrites the entry.
func (s *Service) PortfolioRisk(ctx context.Context, q PortfolioQuery) (*PortfolioRisk, CacheStatus, error) {
	var p PortfolioRisk
	status, err := s.read(ctx, q.Key(), ScheduleOnMiss, q.Force, &p)
	if err != nil {
		return nil, status, err
	}
	return &p, status, nil
}

// Correlation returns the correlation matrix for up to ten tickers (ComputeOnMiss)
func (s *Service) Correlation(ctx context.Context, q CorrelationQuery) (*correlation.Matrix, CacheStatus, error) {
	var m correlation.Matrix
	status, err := s.read(ctx, q.Key(), ComputeOnMiss, false, &m)
	if err != nil {
		return nil, status, err
	}
	return &m, status, nil
}

// BetaForecast returns the forecast for a ticker against a benchmark (ScheduleOnMiss)
func (s *Service) BetaForecast(ctx context.Context, q ForecastQuery) (*forecast.BetaForecast, CacheStatus, error) {
	var f forecast.BetaForecast
	status, err := s.read(ctx, q.Key(), ScheduleOnMiss, q.Force, &f)
	if err != nil {
		return nil, status, err
	}
	return &f, status, nil
}

// PortfolioMetrics returns the cached default-parameter metrics of a portfolio without
// computing. Used by alert evaluation.
func (s *Service) PortfolioMetrics(ctx context.Context, id string) (*metrics.RiskMetrics, CacheStatus, error) {
	p, status, err := s.PortfolioRisk(ctx, DefaultPortfolioQuery(id))
	if err != nil {
		return nil, status, err
	}
	return &p.Metrics, status, nil
}

// RegisterInstrument stores an instrument and its classification
func (s *Service) RegisterInstrument(ctx context.Context, inst prices.Instrument) (prices.Instrument, error) {
	return s.instruments.UpsertInstrument(ctx, inst)
}

// AssetClass returns the stored classification of ticker
func (s *Service) AssetClass(ctx context.Context, ticker string) domain.AssetClass {
	return s.instruments.AssetClassOf(ctx, ticker)
}

// WarmPortfolios computes default-parameter risk for portfolios with no cache entry yet
func (s *Service) WarmPortfolios(ctx context.Context) (int, error) {
	ids, err := s.holdings.IDs(ctx)
	if err != nil {
		return 0, err
	}
	keys := make([]riskcache.Key, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, DefaultPortfolioQuery(id).Key())
	}
	return s.warm(ctx, keys), nil
}

// WarmForecasts computes default beta forecasts for every held ticker with no entry yet
func (s *Service) WarmForecasts(ctx context.Context) (int, error) {
	tickers, err := s.heldTickers(ctx)
	if err != nil {
		return 0, err
	}
	keys := make([]riskcache.Key, 0, len(tickers))
	for _, t := range tickers {
		if domain.IsBenchmark(t) {
			continue
		}
		keys = append(keys, DefaultForecastQuery(t, s.forecast.Policy().DefaultHorizon).Key())
	}
	return s.warm(ctx, keys), nil
}

// HeldTickers returns every ticker held by any portfolio plus the benchmarks
func (s *Service) HeldTickers(ctx context.Context) ([]string, error) {
	tickers, err := s.heldTickers(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		seen[t] = true
	}
	for _, b := range domain.Benchmarks {
		if !seen[b] {
			tickers = append(tickers, b)
		}
	}
	sort.Strings(tickers)
	return tickers, nil
}

func (s *Service) heldTickers(ctx context.Context) ([]string, error) {
	ids, err := s.holdings.IDs(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var tickers []string
	for _, id := range ids {
		holdings, err := s.holdings.Holdings(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, h := range holdings {
			if !seen[h.Ticker] {
				seen[h.Ticker] = true
				tickers = append(tickers, h.Ticker)
			}
		}
	}
	sort.Strings(tickers)
	return tickers, nil
}

func (s *Service) warm(ctx context.Context, keys []riskcache.Key) int {
	computed := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.cache.Get(ctx, key); !errors.Is(err, domain.ErrCacheMiss) {
			continue
		}
		computed++
		if _, err := s.cache.Refresh(ctx, key, false); err != nil {
			s.log.Debug().Err(err).Str("key", key.String()).Msg("Warm-up computation did not succeed")
		}
	}
	return computed
}

// read serves key under policy and decodes the payload into out
func (s *Service) read(ctx context.Context, key riskcache.Key, policy ReadPolicy, force bool, out interface{}) (CacheStatus, error) {
	var e *riskcache.Entry
	var err error
	switch {
	case force:
		e, err = s.cache.Refresh(ctx, key, true)
	case policy == ComputeOnMiss:
		e, err = s.cache.GetOrCompute(ctx, key)
		if err == nil && e != nil && !e.HasPayload() && e.Status == riskcache.StatusStale {
			e, err = s.cache.Refresh(ctx, key, false)
		}
	default:
		e, err = s.cache.GetOrSchedule(ctx, key)
	}
	if e == nil {
		if err == nil {
			err = domain.ErrCacheMiss
		}
		return CacheStatus{}, err
	}

	status := StatusOf(e)
	if e.HasPayload() {
		if derr := e.Decode(out); derr != nil {
			return status, fmt.Errorf("failed to decode cached %s: %w", key, derr)
		}
		return status, nil
	}
	if err == nil {
		err = entryError(e)
	}
	return status, err
}

func (s *Service) computeSecurity(ctx context.Context, key riskcache.Key) (interface{}, error) {
	ticker := key.SubjectID
	benchmark := key.Param("benchmark", domain.DefaultBenchmark)
	rng := domain.LastNDays(s.clock.Now(), intParam(key, "days", DefaultDays))

	series, err := s.prices.Resolve(ctx, ticker, rng)
	if err != nil {
		return nil, err
	}
	benchmarks, err := s.benchmarkSeries(ctx, rng, benchmark)
	if err != nil {
		return nil, err
	}

	m := s.metrics.Compute(series, benchmarks, metrics.Options{Benchmark: benchmark})
	if err := m.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) computePortfolio(ctx context.Context, key riskcache.Key) (interface{}, error) {
	id := key.SubjectID
	benchmark := key.Param("benchmark", domain.DefaultBenchmark)
	rng := domain.LastNDays(s.clock.Now(), intParam(key, "days", DefaultDays))

	holdings, err := s.holdings.Holdings(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(holdings) == 0 {
		return nil, &domain.InsufficientHistoryError{Ticker: id, Have: 0, Need: s.metrics.Policy().MinObservations}
	}

	tickers := make([]string, 0, len(holdings))
	for _, h := range holdings {
		tickers = append(tickers, h.Ticker)
	}
	res, err := s.resolveAll(ctx, tickers, rng)
	if err != nil {
		return nil, err
	}
	// Dropping a held position would misstate the weights; wait for the provider
	if res.outage != nil {
		return nil, res.outage
	}
	series, missing := res.series, res.missing
	if len(series) == 0 {
		return nil, &domain.NoDataError{Ticker: id}
	}

	value, notional, excluded := metrics.ValueSeries(id, holdings, series)
	benchmarks, err := s.benchmarkSeries(ctx, rng, benchmark)
	if err != nil {
		return nil, err
	}

	m := s.metrics.Compute(value, benchmarks, metrics.Options{Benchmark: benchmark, Notional: notional})
	if err := m.Err(); err != nil {
		return nil, err
	}

	excluded = append(excluded, missing...)
	sort.Strings(excluded)
	return PortfolioRisk{
		PortfolioID: id,
		Notional:    notional,
		Positions:   len(holdings),
		Weights:     metrics.Weights(holdings, series),
		Excluded:    dedupe(excluded),
		Metrics:     m,
	}, nil
}

func (s *Service) computeCorrelation(ctx context.Context, key riskcache.Key) (interface{}, error) {
	tickers := strings.Split(key.SubjectID, ",")
	rng := domain.LastNDays(s.clock.Now(), intParam(key, "days", DefaultDays))

	res, err := s.resolveAll(ctx, tickers, rng)
	if err != nil {
		return nil, err
	}
	// An unavailable ticker is excluded like one without data, unless none resolved
	if len(res.series) == 0 && res.outage != nil {
		return nil, res.outage
	}
	if len(res.unavailable) > 0 {
		s.log.Warn().Strs("tickers", res.unavailable).Msg("Provider unavailable, tickers excluded from correlation")
	}
	return s.correlation.Compute(tickers, res.series, nil), nil
}

func (s *Service) computeForecast(ctx context.Context, key riskcache.Key) (interface{}, error) {
	ticker := key.SubjectID
	benchmark := key.Param("benchmark", domain.DefaultBenchmark)
	rng := domain.LastNDays(s.clock.Now(), intParam(key, "days", DefaultDays))
	method, err := forecast.ParseMethod(key.Param("method", string(forecast.MethodEnsemble)))
	if err != nil {
		return nil, err
	}

	var asset, bench domain.PriceSeries
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		asset, err = s.prices.Resolve(gctx, ticker, rng)
		return err
	})
	g.Go(func() (err error) {
		bench, err = s.prices.Resolve(gctx, benchmark, rng)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	f, err := s.forecast.Forecast(asset, bench, forecast.Request{
		Method:         method,
		Horizon:        intParam(key, "horizon", s.forecast.Policy().DefaultHorizon),
		IncludeHistory: key.Param("history", "") == "true",
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

type resolved struct {
	series      map[string]domain.PriceSeries
	missing     []string
	unavailable []string
	// outage is the first provider outage among unavailable
	outage error
}

// resolveAll resolves tickers concurrently. Tickers with no data are returned as missing
// and tickers whose provider is down with nothing stored as unavailable; any other
// failure aborts the computation.
func (s *Service) resolveAll(ctx context.Context, tickers []string, rng domain.DateRange) (resolved, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var mu sync.Mutex
	res := resolved{series: make(map[string]domain.PriceSeries, len(tickers))}

	for _, t := range tickers {
		t := t
		g.Go(func() error {
			ps, err := s.prices.Resolve(gctx, t, rng)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.series[t] = ps
			case domain.IsNoData(err):
				res.missing = append(res.missing, t)
			case domain.IsProviderUnavailable(err) && ctx.Err() == nil:
				res.unavailable = append(res.unavailable, t)
				if res.outage == nil {
					res.outage = fmt.Errorf("failed to resolve %s: %w", t, err)
				}
			default:
				return fmt.Errorf("failed to resolve %s: %w", t, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return resolved{}, err
	}
	sort.Strings(res.missing)
	sort.Strings(res.unavailable)
	return res, nil
}

// benchmarkSeries resolves every supported benchmark plus primary. A benchmark that cannot
// be resolved only leaves its beta empty.
func (s *Service) benchmarkSeries(ctx context.Context, rng domain.DateRange, primary string) (map[string]domain.PriceSeries, error) {
	names := append([]string(nil), domain.Benchmarks...)
	if !domain.IsBenchmark(primary) {
		names = append(names, primary)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	var mu sync.Mutex
	out := make(map[string]domain.PriceSeries, len(names))

	for _, name := range names {
		name := name
		g.Go(func() error {
			ps, err := s.prices.Resolve(gctx, name, rng)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn().Err(err).Str("benchmark", name).Msg("Benchmark unavailable, beta omitted")
				return nil
			}
			mu.Lock()
			out[name] = ps
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func intParam(key riskcache.Key, name string, fallback int) int {
	n, err := strconv.Atoi(key.Param(name, ""))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
