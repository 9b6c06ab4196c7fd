package prices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/riskdesk/internal/clientdata"
	"github.com/aristath/riskdesk/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const resolverNamespace = "resolver"

// coverageSlack tolerates series that start a few days after the requested
// range (weekends, holidays, listing date).
const coverageSlack = 7 * 24 * time.Hour

// ResponseCache is the subset of clientdata.Repository the resolver uses
// for fetch markers and the negative "no data" cache.
type ResponseCache interface {
	Store(ctx context.Context, provider, key string, data interface{}, ttl time.Duration) error
	GetIfFresh(ctx context.Context, provider, key string, out interface{}) (bool, error)
	MarkNoData(ctx context.Context, ticker, reason string, ttl time.Duration) error
	IsNoData(ctx context.Context, ticker string) (bool, error)
	ClearNoData(ctx context.Context, ticker string) error
}

// Recorder receives one outcome per provider call
type Recorder interface {
	ProviderCall(provider, outcome string)
}

// Provider call outcomes reported to the Recorder
const (
	OutcomeSuccess     = "success"
	OutcomeUnsupported = "unsupported"
	OutcomeTransient   = "transient"
	OutcomeExhausted   = "budget_exhausted"
)

type fetchMarker struct {
	Provider string `msgpack:"provider"`
	Symbol   string `msgpack:"symbol"`
	From     string `msgpack:"from"`
	Points   int    `msgpack:"points"`
}

// BudgetStatus reports one provider's usage for today
type BudgetStatus struct {
	Provider  string `json:"provider"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"` // -1 = unlimited
}

// ResolverOptions configures a Resolver
type ResolverOptions struct {
	Chain     []ProviderSpec
	Store     *HistoryRepository
	Cache     ResponseCache
	Budget    Budget
	Clock     domain.Clock
	NoDataTTL time.Duration
	Recorder  Recorder
}

// Resolver turns a ticker into a stored, up-to-date price series
type Resolver struct {
	chain     []ProviderSpec
	store     *HistoryRepository
	cache     ResponseCache
	budget    Budget
	clock     domain.Clock
	noDataTTL time.Duration
	recorder  Recorder
	group     singleflight.Group
	log       zerolog.Logger
}

// NewResolver creates a resolver over an ordered provider chain (primary first)
func NewResolver(opts ResolverOptions, log zerolog.Logger) *Resolver {
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.Budget == nil {
		opts.Budget = NewMemoryBudget(opts.Clock)
	}
	if opts.NoDataTTL <= 0 {
		opts.NoDataTTL = 7 * 24 * time.Hour
	}
	return &Resolver{
		chain:     opts.Chain,
		store:     opts.Store,
		cache:     opts.Cache,
		budget:    opts.Budget,
		clock:     opts.Clock,
		noDataTTL: opts.NoDataTTL,
		recorder:  opts.Recorder,
		log:       log.With().Str("component", "price_resolver").Logger(),
	}
}

// Store exposes the underlying price store for batch reads
func (r *Resolver) Store() *HistoryRepository {
	return r.store
}

// Resolve returns the daily series for ticker over rng, fetching from providers
// only when the store does not already cover it. A ticker no provider covers
// yields *domain.NoDataError, which callers treat as an empty result.
func (r *Resolver) Resolve(ctx context.Context, ticker string, rng domain.DateRange) (domain.PriceSeries, error) {
	ticker = domain.NormalizeTicker(ticker)
	if ticker == "" {
		return domain.PriceSeries{}, fmt.Errorf("empty ticker")
	}
	rng.From = domain.TruncateDay(rng.From)
	rng.To = domain.TruncateDay(rng.To)

	key := ticker + "|" + rng.From.Format(domain.DateLayout) + "|" + rng.To.Format(domain.DateLayout)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolve(ctx, ticker, rng)
	})
	if err != nil {
		return domain.PriceSeries{}, err
	}
	return v.(domain.PriceSeries), nil
}

func (r *Resolver) resolve(ctx context.Context, ticker string, rng domain.DateRange) (domain.PriceSeries, error) {
	stored, err := r.store.GetSeries(ctx, ticker, rng)
	if err != nil {
		return domain.PriceSeries{}, err
	}

	if r.covered(ctx, ticker, stored, rng) {
		return stored, nil
	}

	if noData, err := r.cache.IsNoData(ctx, ticker); err != nil {
		r.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to check no-data cache")
	} else if noData {
		if stored.Len() > 0 {
			return stored, nil
		}
		return domain.PriceSeries{}, &domain.NoDataError{Ticker: ticker}
	}

	fetchRange := rng
	if stored.Len() > 0 && !stored.FirstDate().After(rng.From.Add(coverageSlack)) {
		fetchRange.From = stored.LastDate()
	}
	if now := domain.TruncateDay(r.clock.Now()); fetchRange.To.After(now) {
		fetchRange.To = now
	}

	points, spec, symbol, fetchErr := r.fetch(ctx, ticker, fetchRange)
	if fetchErr != nil {
		return r.fallback(ctx, ticker, rng, stored, fetchErr)
	}

	source := spec.Provider.Name()
	if err := r.store.UpsertPoints(ctx, ticker, source, points); err != nil {
		return domain.PriceSeries{}, err
	}
	if err := r.store.SetInstrumentSource(ctx, ticker, source, symbol); err != nil {
		r.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to record instrument source")
	}
	r.markFetched(ctx, ticker, fetchMarker{Provider: source, Symbol: symbol, From: rng.From.Format(domain.DateLayout), Points: len(points)})
	if err := r.cache.ClearNoData(ctx, ticker); err != nil {
		r.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to clear no-data marker")
	}

	series, err := r.store.GetSeries(ctx, ticker, rng)
	if err != nil {
		return domain.PriceSeries{}, err
	}
	if series.Len() == 0 {
		return domain.PriceSeries{}, &domain.NoDataError{Ticker: ticker}
	}
	series.Source = source
	return series, nil
}

// covered reports whether stored already satisfies rng, either by date coverage
// or because a recent fetch for the same start date already happened.
func (r *Resolver) covered(ctx context.Context, ticker string, stored domain.PriceSeries, rng domain.DateRange) bool {
	if stored.Len() > 0 {
		end := rng.To
		if now := r.clock.Now(); now.Before(end) {
			end = now
		}
		lastExpected := domain.LastTradingDay(end)
		if !stored.LastDate().Before(lastExpected) && !stored.FirstDate().After(rng.From.Add(coverageSlack)) {
			return true
		}
	}

	var m fetchMarker
	ok, err := r.cache.GetIfFresh(ctx, resolverNamespace, markerKey(ticker), &m)
	if err != nil || !ok {
		return false
	}
	return stored.Len() > 0 && m.From <= rng.From.Format(domain.DateLayout)
}

// fetch walks the chain. Definitive failures advance to the next variant,
// transient failures and exhausted budgets advance to the next provider.
func (r *Resolver) fetch(ctx context.Context, ticker string, rng domain.DateRange) ([]domain.PricePoint, ProviderSpec, string, error) {
	var errs []error
	sawTransient := false

	for _, spec := range r.chain {
		name := spec.Provider.Name()
		plog := r.log.With().Str("provider", name).Str("ticker", ticker).Logger()

	variants:
		for _, variant := range spec.variants() {
			if err := ctx.Err(); err != nil {
				return nil, ProviderSpec{}, "", err
			}

			ok, err := r.budget.TryConsume(ctx, name, spec.DailyBudget)
			if err != nil {
				return nil, ProviderSpec{}, "", fmt.Errorf("failed to reserve %s budget: %w", name, err)
			}
			if !ok {
				plog.Debug().Int("limit", spec.DailyBudget).Msg("Provider budget exhausted, skipping")
				r.record(name, OutcomeExhausted)
				sawTransient = true
				errs = append(errs, fmt.Errorf("%s: daily budget exhausted", name))
				break variants
			}

			symbol := Symbol(ticker, variant)
			points, err := spec.Provider.FetchDaily(ctx, symbol, rng)
			switch {
			case err == nil && len(points) > 0:
				r.record(name, OutcomeSuccess)
				plog.Debug().Str("symbol", symbol).Int("points", len(points)).Msg("Fetched price history")
				return points, spec, symbol, nil
			case err == nil, errors.Is(err, domain.ErrUnsupported):
				r.record(name, OutcomeUnsupported)
				plog.Debug().Str("symbol", symbol).Msg("Symbol not supported")
				if err == nil {
					err = fmt.Errorf("%s %s: %w", name, symbol, domain.ErrUnsupported)
				}
				errs = append(errs, err)
			default:
				r.record(name, OutcomeTransient)
				plog.Warn().Err(err).Str("symbol", symbol).Msg("Provider unavailable, escalating")
				sawTransient = true
				errs = append(errs, err)
				break variants
			}
		}
	}

	joined := errors.Join(errs...)
	if sawTransient {
		return nil, ProviderSpec{}, "", &domain.ProviderUnavailableError{Provider: "chain", Err: joined}
	}
	return nil, ProviderSpec{}, "", fmt.Errorf("%w: %v", domain.ErrUnsupported, joined)
}

// fallback decides the outcome when no provider produced data
func (r *Resolver) fallback(ctx context.Context, ticker string, rng domain.DateRange, stored domain.PriceSeries, fetchErr error) (domain.PriceSeries, error) {
	if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, context.DeadlineExceeded) {
		return domain.PriceSeries{}, fetchErr
	}

	if stored.Len() > 0 {
		r.log.Warn().
			Err(fetchErr).
			Str("ticker", ticker).
			Str("last_date", stored.LastDate().Format(domain.DateLayout)).
			Msg("Refresh failed, serving stored history")
		if !domain.IsProviderUnavailable(fetchErr) {
			r.markFetched(ctx, ticker, fetchMarker{From: rng.From.Format(domain.DateLayout), Points: 0})
		}
		return stored, nil
	}

	if domain.IsProviderUnavailable(fetchErr) {
		return domain.PriceSeries{}, fetchErr
	}

	if err := r.cache.MarkNoData(ctx, ticker, fetchErr.Error(), r.noDataTTL); err != nil {
		r.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to record no-data marker")
	}
	r.log.Info().Str("ticker", ticker).Msg("No provider covers ticker")
	return domain.PriceSeries{}, &domain.NoDataError{Ticker: ticker}
}

func (r *Resolver) markFetched(ctx context.Context, ticker string, m fetchMarker) {
	if err := r.cache.Store(ctx, resolverNamespace, markerKey(ticker), m, clientdata.TTLPriceHistory); err != nil {
		r.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to store fetch marker")
	}
}

func (r *Resolver) record(provider, outcome string) {
	if r.recorder != nil {
		r.recorder.ProviderCall(provider, outcome)
	}
}

func markerKey(ticker string) string {
	return "fetched:" + ticker
}

// RefreshResult summarizes a bulk refresh
type RefreshResult struct {
	Refreshed   int      `json:"refreshed"`
	NoData      []string `json:"no_data"`
	Unavailable []string `json:"unavailable"`
}

// RefreshTickers brings every ticker up to date over the last `days` calendar days.
// Per-ticker failures are collected, not returned.
func (r *Resolver) RefreshTickers(ctx context.Context, tickers []string, days int) (RefreshResult, error) {
	var res RefreshResult
	rng := domain.LastNDays(r.clock.Now(), days)

	for _, t := range tickers {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, err := r.Resolve(ctx, t, rng)
		switch {
		case err == nil:
			res.Refreshed++
		case domain.IsNoData(err):
			res.NoData = append(res.NoData, t)
		case domain.IsProviderUnavailable(err):
			res.Unavailable = append(res.Unavailable, t)
		default:
			return res, fmt.Errorf("failed to refresh %s: %w", t, err)
		}
	}

	r.log.Info().
		Int("refreshed", res.Refreshed).
		Int("no_data", len(res.NoData)).
		Int("unavailable", len(res.Unavailable)).
		Msg("Price refresh complete")

	return res, nil
}

// Budgets reports today's usage for every provider in the chain
func (r *Resolver) Budgets(ctx context.Context) ([]BudgetStatus, error) {
	out := make([]BudgetStatus, 0, len(r.chain))
	for _, spec := range r.chain {
		used, err := r.budget.Used(ctx, spec.Provider.Name())
		if err != nil {
			return nil, err
		}
		remaining := -1
		if spec.DailyBudget > 0 {
			remaining = spec.DailyBudget - used
			if remaining < 0 {
				remaining = 0
			}
		}
		out = append(out, BudgetStatus{
			Provider:  spec.Provider.Name(),
			Used:      used,
			Limit:     spec.DailyBudget,
			Remaining: remaining,
		})
	}
	return out, nil
}
