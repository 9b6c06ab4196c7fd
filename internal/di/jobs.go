package di

import (
	"fmt"

	"github.com/aristath/riskdesk/internal/config"
	"github.com/aristath/riskdesk/internal/scheduler"
	"github.com/aristath/riskdesk/internal/work"
	"github.com/rs/zerolog"
)

// RegisterJobs binds the cron schedules to work types. Each job only queues
// work; execution, retries and run history belong to the processor.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.Scheduler = scheduler.New(log)

	jobs := []struct {
		schedule string
		workType string
	}{
		{cfg.Schedules.PriceRefresh, work.WorkPriceRefresh},
		{cfg.Schedules.StaleRecompute, work.WorkStaleRecompute},
		{cfg.Schedules.ErrorRetry, work.WorkErrorRetry},
		{cfg.Schedules.Forecasts, work.WorkPortfolioWarm},
		{cfg.Schedules.Forecasts, work.WorkForecastWarm},
		{cfg.Schedules.Cleanup, work.WorkClientDataCleanup},
		{cfg.Schedules.Cleanup, work.WorkRunHistoryPrune},
		{cfg.Schedules.Backup, work.WorkBackup},
	}

	for _, j := range jobs {
		// Backups are only registered when configured
		if !container.Registry.Has(j.workType) {
			continue
		}
		job := scheduler.WorkJob{
			WorkType: j.workType,
			Enqueuer: container.Processor,
			Ignore:   []error{work.ErrAlreadyQueued},
		}
		if err := container.Scheduler.AddJob(j.schedule, job); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.workType, err)
		}
	}
	return nil
}
