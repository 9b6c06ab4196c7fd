package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/riskdesk/internal/config"
	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/internal/modules/correlation"
	"github.com/aristath/riskdesk/internal/modules/forecast"
	"github.com/aristath/riskdesk/internal/modules/metrics"
	"github.com/aristath/riskdesk/internal/modules/prices"
	"github.com/aristath/riskdesk/internal/modules/riskcache"
	testutil "github.com/aristath/riskdesk/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePrices struct {
	mu     sync.Mutex
	series map[string]domain.PriceSeries
	errs   map[string]error
	calls  map[string]int
}

func newFakePrices() *fakePrices {
	return &fakePrices{
		series: make(map[string]domain.PriceSeries),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakePrices) Resolve(_ context.Context, ticker string, _ domain.DateRange) (domain.PriceSeries, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ticker]++
	if err, ok := f.errs[ticker]; ok {
		return domain.PriceSeries{}, err
	}
	if s, ok := f.series[ticker]; ok {
		return s, nil
	}
	return domain.PriceSeries{}, &domain.NoDataError{Ticker: ticker}
}

func (f *fakePrices) count(ticker string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ticker]
}

type fakeHoldings map[string][]metrics.Holding

func (f fakeHoldings) IDs(context.Context) ([]string, error) {
	var ids []string
	for id := range f {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f fakeHoldings) Holdings(_ context.Context, id string) ([]metrics.Holding, error) {
	h, ok := f[id]
	if !ok {
		return nil, errors.New("unknown portfolio")
	}
	return h, nil
}

type fakeInstruments struct{}

func (fakeInstruments) UpsertInstrument(_ context.Context, inst prices.Instrument) (prices.Instrument, error) {
	return inst, nil
}

func (fakeInstruments) AssetClassOf(context.Context, string) domain.AssetClass {
	return domain.AssetClassEquity
}

type keyRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (k *keyRecorder) ScheduleRefresh(key riskcache.Key) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, key.String())
}

type fixture struct {
	svc      *Service
	prices   *fakePrices
	cache    *riskcache.Cache
	clock    *domain.FakeClock
	schedule *keyRecorder
}

func setup(t *testing.T, holdings fakeHoldings) fixture {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "cache")
	t.Cleanup(cleanup)

	clock := domain.NewFakeClock(time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC))
	cache := riskcache.New(riskcache.NewSQLStore(db.Conn()), clock, config.DefaultCachePolicy(), zerolog.Nop())
	rec := &keyRecorder{}
	cache.SetScheduler(rec)

	bench := testutil.RandomWalk(1, 250, 0.0004, 0.01)
	fp := newFakePrices()
	fp.series["SPY"] = testutil.SeriesFromReturns("SPY", bench)
	fp.series["AAPL"] = testutil.LeveredSeries("AAPL", bench, 1.2, 0.002, 2)
	fp.series["MSFT"] = testutil.LeveredSeries("MSFT", bench, 0.8, 0.004, 3)
	fp.series["NEWCO"] = testutil.LeveredSeries("NEWCO", bench[:99], 1.0, 0.002, 4)

	svc := NewService(Deps{
		Prices:      fp,
		Instruments: fakeInstruments{},
		Holdings:    holdings,
		Metrics:     metrics.NewEngine(config.DefaultRiskScorePolicy()),
		Correlation: correlation.NewEngine(correlation.DefaultMinOverlap),
		Forecast:    forecast.NewEngine(config.DefaultForecastPolicy(), zerolog.Nop()),
		Cache:       cache,
		Clock:       clock,
	}, zerolog.Nop())

	return fixture{svc: svc, prices: fp, cache: cache, clock: clock, schedule: rec}
}

func securityQuery(ticker string) SecurityQuery {
	return SecurityQuery{Ticker: ticker, Days: DefaultDays, Benchmark: "SPY"}
}

func TestSecurityRisk_ComputesOnMissThenServesCache(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	m, status, err := f.svc.SecurityRisk(ctx, securityQuery("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, riskcache.StatusFresh, status.Status)
	assert.False(t, status.IsStale)
	assert.True(t, m.SufficientData)
	require.NotNil(t, m.Beta["SPY"])
	assert.InDelta(t, 1.2, *m.Beta["SPY"], 0.1)
	assert.Nil(t, m.Beta["QQQ"], "unavailable benchmark leaves beta empty")

	_, _, err = f.svc.SecurityRisk(ctx, securityQuery("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.prices.count("AAPL"), "second read is served from the cache")
}

func TestSecurityRisk_NoDataIsTypedOnEveryRead(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, _, err := f.svc.SecurityRisk(ctx, securityQuery("XYZMUTUALFUND"))
	assert.True(t, domain.IsNoData(err))

	_, status, err := f.svc.SecurityRisk(ctx, securityQuery("XYZMUTUALFUND"))
	assert.True(t, domain.IsNoData(err), "cached failure still unwraps to NoDataError")
	var entryErr *EntryError
	require.ErrorAs(t, err, &entryErr)
	assert.Equal(t, "no_data", entryErr.Kind)
	assert.Equal(t, riskcache.StatusError, status.Status)
	assert.Equal(t, 1, f.prices.count("XYZMUTUALFUND"))
	assert.Equal(t, domain.BadgeNA, domain.BadgeFor(domain.AssetClassMutualFund, err))
}

func TestPortfolioRisk_ScheduleOnMissThenForce(t *testing.T) {
	f := setup(t, fakeHoldings{"p1": {
		{Ticker: "AAPL", Quantity: decimal.NewFromInt(10)},
		{Ticker: "MSFT", Quantity: decimal.NewFromInt(5)},
		{Ticker: "FUND", Quantity: decimal.NewFromInt(1)},
	}})
	ctx := context.Background()
	q := DefaultPortfolioQuery("p1")

	_, _, err := f.svc.PortfolioRisk(ctx, q)
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
	assert.Equal(t, []string{q.Key().String()}, f.schedule.keys)
	assert.Equal(t, 0, f.prices.count("AAPL"), "miss never computes on the read path")

	q.Force = true
	p, status, err := f.svc.PortfolioRisk(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, riskcache.StatusFresh, status.Status)
	assert.Equal(t, 3, p.Positions)
	assert.Equal(t, []string{"FUND"}, p.Excluded)
	assert.True(t, p.Notional.GreaterThan(decimal.Zero))
	assert.InDelta(t, 1.0, p.Weights["AAPL"]+p.Weights["MSFT"], 1e-9)
	require.NotNil(t, p.Metrics.VaRAmount)
	assert.NotNil(t, p.Metrics.ValueAtRisk)

	cached, _, err := f.svc.PortfolioMetrics(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.Metrics.Observations, cached.Observations)
}

func TestPortfolioRisk_StaleServedWithActions(t *testing.T) {
	f := setup(t, fakeHoldings{"p1": {{Ticker: "AAPL", Quantity: decimal.NewFromInt(1)}}})
	ctx := context.Background()
	q := DefaultPortfolioQuery("p1")
	q.Force = true
	_, _, err := f.svc.PortfolioRisk(ctx, q)
	require.NoError(t, err)

	f.clock.Advance(7 * time.Hour)
	q.Force = false
	p, status, err := f.svc.PortfolioRisk(ctx, q)
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.True(t, status.IsStale)
	assert.Equal(t, riskcache.StatusStale, status.Status)

	actions := Actions("/api/portfolio/p1/downside-risk?days=365", status)
	require.Len(t, actions, 1)
	assert.Equal(t, "/api/portfolio/p1/downside-risk?days=365&force=true", actions[0].Href)
}

func TestPortfolioRisk_EmptyPortfolioIsInsufficient(t *testing.T) {
	f := setup(t, fakeHoldings{"empty": nil})
	q := DefaultPortfolioQuery("empty")
	q.Force = true

	_, _, err := f.svc.PortfolioRisk(context.Background(), q)
	assert.True(t, domain.IsInsufficientHistory(err))
}

func TestBetaForecast_InsufficientHistoryIsStructured(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	q := DefaultForecastQuery("NEWCO", 30)
	q.Force = true

	_, _, err := f.svc.BetaForecast(ctx, q)
	var insufficient *domain.InsufficientHistoryError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 40, insufficient.Have)
	assert.Equal(t, 60, insufficient.Need)

	q.Force = false
	_, status, err := f.svc.BetaForecast(ctx, q)
	assert.True(t, domain.IsInsufficientHistory(err))
	assert.Equal(t, "insufficient_history", status.ErrorKind)
}

func TestBetaForecast_Computes(t *testing.T) {
	f := setup(t, nil)
	q := DefaultForecastQuery("AAPL", 10)
	q.Force = true

	fc, status, err := f.svc.BetaForecast(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, riskcache.StatusFresh, status.Status)
	assert.Len(t, fc.Forecast, 10)
	assert.InDelta(t, 1.2, fc.CurrentBeta, 0.15)
	assert.Equal(t, forecast.MethodEnsemble, fc.Method)
}

func TestCorrelation_ExcludesTickersWithoutHistory(t *testing.T) {
	f := setup(t, nil)

	m, _, err := f.svc.Correlation(context.Background(), CorrelationQuery{
		Tickers: []string{"AAPL", "FUND", "MSFT"},
		Days:    DefaultDays,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"FUND"}, m.Excluded)
	require.NotNil(t, m.At("AAPL", "MSFT"))
	assert.Greater(t, *m.At("AAPL", "MSFT"), 0.5)
	assert.Nil(t, m.At("AAPL", "FUND"))
}

func TestCorrelation_ProviderOutageExcludesOnlyThatTicker(t *testing.T) {
	f := setup(t, nil)
	f.prices.errs["MSFT"] = &domain.ProviderUnavailableError{Provider: "yahoo", Err: errors.New("timeout")}

	m, status, err := f.svc.Correlation(context.Background(), CorrelationQuery{
		Tickers: []string{"AAPL", "MSFT", "SPY"},
		Days:    DefaultDays,
	})
	require.NoError(t, err)
	assert.Equal(t, riskcache.StatusFresh, status.Status)
	assert.Equal(t, []string{"MSFT"}, m.Excluded)
	require.NotNil(t, m.At("AAPL", "SPY"))
	assert.Nil(t, m.At("AAPL", "MSFT"))
}

func TestCorrelation_ProviderOutageOnEveryTickerFails(t *testing.T) {
	f := setup(t, nil)
	outage := &domain.ProviderUnavailableError{Provider: "yahoo", Err: errors.New("timeout")}
	f.prices.errs["AAPL"] = outage
	f.prices.errs["MSFT"] = outage

	_, _, err := f.svc.Correlation(context.Background(), CorrelationQuery{Tickers: []string{"AAPL", "MSFT"}, Days: DefaultDays})
	assert.True(t, domain.IsProviderUnavailable(err))
}

func TestPortfolioRisk_ProviderOutageOnHoldingFails(t *testing.T) {
	f := setup(t, fakeHoldings{"p1": {
		{Ticker: "AAPL", Quantity: decimal.NewFromInt(10)},
		{Ticker: "MSFT", Quantity: decimal.NewFromInt(5)},
	}})
	f.prices.errs["MSFT"] = &domain.ProviderUnavailableError{Provider: "yahoo", Err: errors.New("timeout")}
	q := DefaultPortfolioQuery("p1")
	q.Force = true

	_, _, err := f.svc.PortfolioRisk(context.Background(), q)
	assert.True(t, domain.IsProviderUnavailable(err))
}

func TestWarmPortfoliosAndHeldTickers(t *testing.T) {
	f := setup(t, fakeHoldings{
		"a": {{Ticker: "AAPL", Quantity: decimal.NewFromInt(1)}},
		"b": {{Ticker: "MSFT", Quantity: decimal.NewFromInt(2)}, {Ticker: "AAPL", Quantity: decimal.NewFromInt(1)}},
	})
	ctx := context.Background()

	n, err := f.svc.WarmPortfolios(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.WarmPortfolios(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "existing entries are left to the stale scan")

	tickers, err := f.svc.HeldTickers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "IWM", "MSFT", "QQQ", "SPY"}, tickers)
}
