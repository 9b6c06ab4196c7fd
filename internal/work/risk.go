package work

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/internal/events"
	"github.com/aristath/riskdesk/internal/modules/alerts"
	"github.com/aristath/riskdesk/internal/modules/prices"
	"github.com/aristath/riskdesk/internal/modules/riskcache"
	"github.com/rs/zerolog"
)

// Work type IDs
const (
	WorkPriceRefresh    = "price_refresh"
	WorkStaleRecompute  = "stale_recompute"
	WorkErrorRetry      = "error_retry"
	WorkForecastWarm    = "forecast_warm"
	WorkPortfolioWarm   = "portfolio_warm"
	WorkCacheRefresh    = "cache_refresh"
	WorkAlertEvaluation = "alert_evaluation"
)

// PriceRefresher brings stored price history up to date
type PriceRefresher interface {
	RefreshTickers(ctx context.Context, tickers []string, days int) (prices.RefreshResult, error)
}

// RiskWarmer computes results that have never been cached
type RiskWarmer interface {
	HeldTickers(ctx context.Context) ([]string, error)
	WarmPortfolios(ctx context.Context) (int, error)
	WarmForecasts(ctx context.Context) (int, error)
}

// CacheRefresher recomputes cache entries
type CacheRefresher interface {
	Refresh(ctx context.Context, key riskcache.Key, force bool) (*riskcache.Entry, error)
	RefreshDue(ctx context.Context) (int, error)
	RetryErrors(ctx context.Context) (int, error)
	Invalidate(ctx context.Context, subjectType, subjectID string) (int64, error)
}

// HolderInvalidator marks the cached risk of portfolios holding a ticker stale
type HolderInvalidator interface {
	InvalidateHolders(ctx context.Context, ticker string) error
}

// AlertEvaluator runs the live rules of a portfolio
type AlertEvaluator interface {
	EvaluatePortfolio(ctx context.Context, portfolioID string) ([]alerts.Result, error)
}

// RiskDeps contains the dependencies of the risk work types
type RiskDeps struct {
	Prices      PriceRefresher
	Warmer      RiskWarmer
	Cache       CacheRefresher
	Holders     HolderInvalidator
	Alerts      AlertEvaluator
	Emitter     Emitter
	HistoryDays int
	// StaleScanInterval and RetryScanInterval pace the processor scan of stale recompute
	// and error retry. Zero leaves the type to its cron schedule.
	StaleScanInterval time.Duration
	RetryScanInterval time.Duration
}

// RegisterRiskWorkTypes registers price, cache and alert work types with the registry
func RegisterRiskWorkTypes(registry *Registry, deps RiskDeps, log zerolog.Logger) {
	log = log.With().Str("component", "risk_work").Logger()
	if deps.HistoryDays <= 0 {
		deps.HistoryDays = 5 * 365
	}

	// Subject "" refreshes every held ticker plus the benchmarks; a ticker refreshes one
	registry.Register(&WorkType{
		ID:          WorkPriceRefresh,
		Description: "Fetch new price history and mark affected results stale",
		Priority:    PriorityMedium,
		Execute: func(ctx context.Context, subject string) error {
			tickers := []string{domain.NormalizeTicker(subject)}
			if subject == "" {
				held, err := deps.Warmer.HeldTickers(ctx)
				if err != nil {
					return fmt.Errorf("failed to list held tickers: %w", err)
				}
				tickers = held
			}

			res, err := deps.Prices.RefreshTickers(ctx, tickers, deps.HistoryDays)
			if err != nil {
				return err
			}

			skipped := make(map[string]bool, len(res.NoData)+len(res.Unavailable))
			for _, t := range append(append([]string{}, res.NoData...), res.Unavailable...) {
				skipped[t] = true
			}
			for _, t := range tickers {
				if skipped[t] {
					continue
				}
				if _, err := deps.Cache.Invalidate(ctx, riskcache.SubjectSecurity, t); err != nil {
					log.Warn().Err(err).Str("ticker", t).Msg("Failed to invalidate security results")
				}
				if deps.Holders != nil {
					if err := deps.Holders.InvalidateHolders(ctx, t); err != nil {
						log.Warn().Err(err).Str("ticker", t).Msg("Failed to invalidate portfolio results")
					}
				}
			}

			if deps.Emitter != nil {
				deps.Emitter.Emit("prices", &events.PricesRefreshedData{
					Refreshed:   res.Refreshed,
					NoData:      res.NoData,
					Unavailable: res.Unavailable,
				})
			}
			return nil
		},
	})

	registry.Register(&WorkType{
		ID:           WorkStaleRecompute,
		Description:  "Recompute stale and expired results",
		Priority:     PriorityMedium,
		Interval:     deps.StaleScanInterval,
		FindSubjects: globalEvery(deps.StaleScanInterval),
		Execute: func(ctx context.Context, _ string) error {
			n, err := deps.Cache.RefreshDue(ctx)
			if err != nil {
				return err
			}
			log.Debug().Int("refreshed", n).Msg("Stale results recomputed")
			return nil
		},
	})

	registry.Register(&WorkType{
		ID:           WorkErrorRetry,
		Description:  "Retry failed results whose backoff has elapsed",
		Priority:     PriorityMedium,
		Interval:     deps.RetryScanInterval,
		FindSubjects: globalEvery(deps.RetryScanInterval),
		Execute: func(ctx context.Context, _ string) error {
			n, err := deps.Cache.RetryErrors(ctx)
			if err != nil {
				return err
			}
			log.Debug().Int("retried", n).Msg("Failed results retried")
			return nil
		},
	})

	registry.Register(&WorkType{
		ID:          WorkForecastWarm,
		Description: "Compute default beta forecasts for held tickers",
		Priority:    PriorityLow,
		Execute: func(ctx context.Context, _ string) error {
			n, err := deps.Warmer.WarmForecasts(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("computed", n).Msg("Beta forecasts warmed")
			return nil
		},
	})

	registry.Register(&WorkType{
		ID:          WorkPortfolioWarm,
		Description: "Compute default downside risk for portfolios never calculated",
		Priority:    PriorityLow,
		Execute: func(ctx context.Context, _ string) error {
			n, err := deps.Warmer.WarmPortfolios(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("computed", n).Msg("Portfolio risk warmed")
			return nil
		},
	})

	// Subject is a canonical cache key; queued by the cache on misses and stale reads
	registry.Register(&WorkType{
		ID:          WorkCacheRefresh,
		Description: "Recompute one cached result",
		Priority:    PriorityHigh,
		Execute: func(ctx context.Context, subject string) error {
			key, err := riskcache.ParseKey(subject)
			if err != nil {
				return err
			}
			_, err = deps.Cache.Refresh(ctx, key, false)
			if domain.IsInsufficientHistory(err) || domain.IsNoData(err) {
				// recorded on the entry; retrying the job cannot help
				return nil
			}
			return err
		},
	})

	if deps.Alerts != nil {
		registry.Register(&WorkType{
			ID:          WorkAlertEvaluation,
			Description: "Evaluate live alert rules of a portfolio",
			Priority:    PriorityHigh,
			Execute: func(ctx context.Context, subject string) error {
				if subject == "" {
					return fmt.Errorf("alert evaluation needs a portfolio id")
				}
				results, err := deps.Alerts.EvaluatePortfolio(ctx, subject)
				if err != nil {
					return err
				}
				triggered := 0
				for _, r := range results {
					if r.Evaluation.WouldTrigger {
						triggered++
					}
				}
				log.Debug().Str("portfolio_id", subject).Int("triggered", triggered).Msg("Alerts evaluated")
				return nil
			},
		})
	}
}

// SubscribeAlertEvaluation queues alert evaluation whenever a default portfolio result
// turns fresh. Returns the unsubscribe function.
func SubscribeAlertEvaluation(bus *events.Bus, p *Processor, defaultKey func(portfolioID string) string) func() {
	return bus.Subscribe(events.RiskCacheRefreshed, func(e *events.Event) {
		data, ok := e.Data.(*events.CacheEntryData)
		if !ok || data.SubjectType != riskcache.SubjectPortfolio {
			return
		}
		// Only the parameter set alert rules are evaluated against
		if defaultKey != nil && data.Key != defaultKey(data.SubjectID) {
			return
		}
		err := p.Enqueue(WorkAlertEvaluation, data.SubjectID)
		if err != nil && !errors.Is(err, ErrAlreadyQueued) {
			p.log.Warn().Err(err).Str("portfolio_id", data.SubjectID).Msg("Failed to queue alert evaluation")
		}
	})
}

// globalEvery makes a global type eligible for the scan; a zero interval leaves it cron-only
func globalEvery(interval time.Duration) func(context.Context) []string {
	if interval <= 0 {
		return nil
	}
	return func(context.Context) []string {
		return []string{""}
	}
}
