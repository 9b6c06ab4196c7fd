package di

import (
	"time"

	"github.com/aristath/riskdesk/internal/clientdata"
	"github.com/aristath/riskdesk/internal/config"
	"github.com/aristath/riskdesk/internal/modules/risk"
	"github.com/aristath/riskdesk/internal/work"
	"github.com/rs/zerolog"
)

// scanInterval paces stale recompute or error retry when no cron schedule drives it
const scanInterval = time.Minute

// fallbackInterval returns scanInterval for work without a cron schedule
func fallbackInterval(schedule string) time.Duration {
	if schedule == "" {
		return scanInterval
	}
	return 0
}

// InitializeWork creates the processor, registers every work type and
// connects the cache and event bus to it
func InitializeWork(container *Container, cfg *config.Config, log zerolog.Logger) {
	container.Registry = work.NewRegistry()
	container.Completion = work.NewCompletionTracker(container.Clock)
	container.Processor = work.NewProcessor(
		container.Registry,
		container.Completion,
		container.Runs,
		container.Bus,
		work.Options{
			Workers:    cfg.Work.Workers,
			QueueSize:  cfg.Work.QueueSize,
			Timeout:    cfg.Work.WorkTimeout,
			MaxRetries: cfg.Work.MaxRetries,
		},
		log,
	)
	container.Processor.AddObserver(container.Metrics)

	// Misses on schedule-on-miss reads become queued cache_refresh work
	container.RiskCache.SetScheduler(container.Processor)

	work.RegisterRiskWorkTypes(container.Registry, work.RiskDeps{
		Prices:            container.Resolver,
		Warmer:            container.RiskService,
		Cache:             container.RiskCache,
		Holders:           container.PortfolioService,
		Alerts:            container.AlertService,
		Emitter:           container.Bus,
		HistoryDays:       cfg.Providers.HistoryYears * 365,
		StaleScanInterval: fallbackInterval(cfg.Schedules.StaleRecompute),
		RetryScanInterval: fallbackInterval(cfg.Schedules.ErrorRetry),
	}, log)

	databases := container.Databases()
	maintained := make([]work.Database, 0, len(databases))
	for _, db := range databases {
		maintained = append(maintained, db)
	}
	maintenance := work.MaintenanceDeps{
		Cleanup:       clientdata.NewCleanupJob(container.ClientData, log),
		Runs:          container.Runs,
		Databases:     maintained,
		CheckInterval: 6 * time.Hour,
	}
	if container.Backup != nil {
		maintenance.Backup = container.Backup
	}
	work.RegisterMaintenanceWorkTypes(container.Registry, maintenance)

	container.unsubscribe = append(container.unsubscribe,
		work.SubscribeAlertEvaluation(container.Bus, container.Processor, func(id string) string {
			return risk.DefaultPortfolioQuery(id).Key().String()
		}),
	)

	log.Info().Int("work_types", container.Registry.Count()).Msg("Work processor configured")
}
