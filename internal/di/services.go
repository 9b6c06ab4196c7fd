package di

import (
	"context"
	"fmt"

	"github.com/aristath/riskdesk/internal/clients/alphavantage"
	"github.com/aristath/riskdesk/internal/clients/eodhd"
	"github.com/aristath/riskdesk/internal/clients/yahoo"
	"github.com/aristath/riskdesk/internal/config"
	"github.com/aristath/riskdesk/internal/events"
	"github.com/aristath/riskdesk/internal/modules/alerts"
	"github.com/aristath/riskdesk/internal/modules/correlation"
	"github.com/aristath/riskdesk/internal/modules/forecast"
	"github.com/aristath/riskdesk/internal/modules/metrics"
	"github.com/aristath/riskdesk/internal/modules/portfolio"
	"github.com/aristath/riskdesk/internal/modules/prices"
	"github.com/aristath/riskdesk/internal/modules/risk"
	"github.com/aristath/riskdesk/internal/modules/riskcache"
	"github.com/aristath/riskdesk/internal/monitoring"
	"github.com/aristath/riskdesk/internal/reliability"
	"github.com/rs/zerolog"
)

// InitializeServices builds the provider chain, engines, cache and domain services
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container.Bus == nil {
		container.Bus = events.NewBus(log)
	}
	if container.Metrics == nil {
		container.Metrics = monitoring.New()
	}

	chain, err := buildProviderChain(cfg.Providers, log)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		log.Warn().Msg("No price providers enabled; only stored history will be served")
	}

	container.Resolver = prices.NewResolver(prices.ResolverOptions{
		Chain:     chain,
		Store:     container.History,
		Cache:     container.ClientData,
		Budget:    prices.NewSQLBudget(container.ClientData),
		Clock:     container.Clock,
		NoDataTTL: cfg.Providers.NoDataTTL,
		Recorder:  container.Metrics,
	}, log)

	container.MetricsEngine = metrics.NewEngine(cfg.RiskScore)
	container.CorrelationEngine = correlation.NewEngine(correlation.DefaultMinOverlap)
	container.ForecastEngine = forecast.NewEngine(cfg.Forecast, log)

	container.RiskCache = riskcache.New(riskcache.NewSQLStore(container.CacheDB.Conn()), container.Clock, cfg.Cache, log)
	container.RiskCache.AddObserver(events.NewCacheObserver(container.Bus))
	container.RiskCache.AddObserver(container.Metrics)

	container.PortfolioService = portfolio.NewPortfolioService(container.Positions, container.RiskCache, log)

	container.RiskService = risk.NewService(risk.Deps{
		Prices:      container.Resolver,
		Instruments: container.History,
		Holdings:    container.PortfolioService,
		Metrics:     container.MetricsEngine,
		Correlation: container.CorrelationEngine,
		Forecast:    container.ForecastEngine,
		Cache:       container.RiskCache,
		Clock:       container.Clock,
	}, log)

	container.AlertService = alerts.NewService(
		container.AlertRules,
		container.RiskService,
		log,
		alerts.NewLogNotifier(log),
		alerts.NewBusNotifier(container.Bus),
	)

	if cfg.Backup.Enabled {
		store, err := reliability.NewS3Store(ctx, cfg.Backup)
		if err != nil {
			return fmt.Errorf("failed to create backup store: %w", err)
		}
		dbs := container.Databases()
		snapshots := make([]reliability.Snapshotter, 0, len(dbs))
		for _, db := range dbs {
			snapshots = append(snapshots, db)
		}
		container.Backup = reliability.NewBackupService(
			store, snapshots, container.Bus, container.Clock,
			cfg.DataDir, cfg.Backup.Prefix, cfg.Backup.Retain, log,
		)
	}

	log.Info().Int("providers", len(chain)).Bool("backups", container.Backup != nil).Msg("Services initialized")
	return nil
}

// buildProviderChain maps the enabled provider configs to clients in fallback order
func buildProviderChain(cfg config.ProvidersConfig, log zerolog.Logger) ([]prices.ProviderSpec, error) {
	var chain []prices.ProviderSpec
	for _, pc := range cfg.Chain() {
		var provider prices.Provider
		switch pc.Name {
		case "alphavantage":
			provider = alphavantage.NewClient(pc.APIKey, pc.BaseURL, pc.Timeout, log)
		case "yahoo":
			provider = yahoo.NewClient(pc.BaseURL, pc.Timeout, log)
		case "eodhd":
			provider = eodhd.NewClient(pc.APIKey, pc.BaseURL, pc.Timeout, log)
		default:
			return nil, fmt.Errorf("unknown price provider %q", pc.Name)
		}
		chain = append(chain, prices.ProviderSpec{
			Provider:    provider,
			Variants:    pc.Variants,
			DailyBudget: pc.DailyBudget,
		})
	}
	return chain, nil
}
