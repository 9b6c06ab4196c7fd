/**
 * Package di provides dependency injection type definitions.
 *
 * The Container holds every long-lived instance of the application. It is
 * built by Wire() and handed to the HTTP server and the entry point.
 */
package di

import (
	"errors"

	"github.com/aristath/riskdesk/internal/clientdata"
	"github.com/aristath/riskdesk/internal/config"
	"github.com/aristath/riskdesk/internal/database"
	"github.com/aristath/riskdesk/internal/domain"
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
	"github.com/aristath/riskdesk/internal/scheduler"
	"github.com/aristath/riskdesk/internal/work"
)

/**
 * Container holds all dependencies for the application.
 *
 * Architecture:
 * - Databases: history (prices, instruments), cache (risk results, job runs),
 *   portfolio (holdings, alerts), client_data (provider responses, budgets)
 * - Price resolution: provider chain, response cache, budgets
 * - Engines and the risk cache behind the risk service
 * - Work: processor, run history, cron scheduler, backups
 */
type Container struct {
	Config *config.Config
	Clock  domain.Clock

	// Databases
	HistoryDB    *database.DB
	CacheDB      *database.DB
	PortfolioDB  *database.DB
	ClientDataDB *database.DB

	// Repositories
	ClientData *clientdata.Repository
	History    *prices.HistoryRepository
	Positions  *portfolio.PositionRepository
	AlertRules *alerts.Repository
	Runs       *work.RunStore

	// Services
	Resolver          *prices.Resolver
	MetricsEngine     *metrics.Engine
	CorrelationEngine *correlation.Engine
	ForecastEngine    *forecast.Engine
	RiskCache         *riskcache.Cache
	RiskService       *risk.Service
	PortfolioService  *portfolio.PortfolioService
	AlertService      *alerts.Service
	Backup            *reliability.BackupService // nil when backups are disabled

	// Infrastructure
	Bus        *events.Bus
	Metrics    *monitoring.Recorder
	Registry   *work.Registry
	Completion *work.CompletionTracker
	Processor  *work.Processor
	Scheduler  *scheduler.Scheduler

	unsubscribe []func()
}

// Databases returns every open database in backup order
func (c *Container) Databases() []*database.DB {
	out := make([]*database.DB, 0, 4)
	for _, db := range []*database.DB{c.PortfolioDB, c.HistoryDB, c.CacheDB, c.ClientDataDB} {
		if db != nil {
			out = append(out, db)
		}
	}
	return out
}

// Close releases subscriptions and closes the databases
func (c *Container) Close() error {
	for _, fn := range c.unsubscribe {
		fn()
	}
	c.unsubscribe = nil

	var errs []error
	for _, db := range c.Databases() {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
