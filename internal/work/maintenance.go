package work

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Maintenance work type IDs
const (
	WorkClientDataCleanup = "client_data_cleanup"
	WorkRunHistoryPrune   = "run_history_prune"
	WorkBackup            = "backup"
	WorkWALCheckpoint     = "wal_checkpoint"
	WorkIntegrityCheck    = "integrity_check"
)

// CleanupJob removes expired provider responses and no-data markers
type CleanupJob interface {
	Run(ctx context.Context) error
}

// RunPruner deletes old run history
type RunPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// BackupService uploads database snapshots and rotates old ones
type BackupService interface {
	BackupAll(ctx context.Context) error
	Rotate(ctx context.Context) error
}

// Database is the subset of *database.DB maintenance needs
type Database interface {
	Name() string
	WALCheckpoint(mode string) error
	HealthCheck(ctx context.Context) error
}

// MaintenanceDeps contains all dependencies for maintenance work types
type MaintenanceDeps struct {
	Cleanup       CleanupJob
	Runs          RunPruner
	RunRetention  time.Duration
	Backup        BackupService
	Databases     []Database
	CheckInterval time.Duration
}

// RegisterMaintenanceWorkTypes registers all maintenance work types with the registry
func RegisterMaintenanceWorkTypes(registry *Registry, deps MaintenanceDeps) {
	if deps.RunRetention <= 0 {
		deps.RunRetention = 30 * 24 * time.Hour
	}

	if deps.Cleanup != nil {
		registry.Register(&WorkType{
			ID:          WorkClientDataCleanup,
			Description: "Delete expired provider responses and no-data markers",
			Priority:    PriorityLow,
			Execute: func(ctx context.Context, _ string) error {
				return deps.Cleanup.Run(ctx)
			},
		})
	}

	if deps.Runs != nil {
		registry.Register(&WorkType{
			ID:           WorkRunHistoryPrune,
			Description:  "Delete run history older than the retention period",
			Priority:     PriorityLow,
			Interval:     24 * time.Hour,
			FindSubjects: globalEvery(24 * time.Hour),
			Execute: func(ctx context.Context, _ string) error {
				_, err := deps.Runs.Prune(ctx, time.Now().Add(-deps.RunRetention))
				return err
			},
		})
	}

	if deps.Backup != nil {
		registry.Register(&WorkType{
			ID:          WorkBackup,
			Description: "Upload database snapshots to object storage and rotate old ones",
			Priority:    PriorityLow,
			Execute: func(ctx context.Context, _ string) error {
				if err := deps.Backup.BackupAll(ctx); err != nil {
					return fmt.Errorf("failed to back up databases: %w", err)
				}
				if err := deps.Backup.Rotate(ctx); err != nil {
					return fmt.Errorf("failed to rotate backups: %w", err)
				}
				return nil
			},
		})
	}

	if len(deps.Databases) > 0 {
		registry.Register(&WorkType{
			ID:           WorkWALCheckpoint,
			Description:  "Truncate the write-ahead log of every database",
			Priority:     PriorityLow,
			Interval:     deps.CheckInterval,
			FindSubjects: globalEvery(deps.CheckInterval),
			Execute: func(ctx context.Context, _ string) error {
				var errs []error
				for _, db := range deps.Databases {
					if err := db.WALCheckpoint("TRUNCATE"); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", db.Name(), err))
					}
				}
				return errors.Join(errs...)
			},
		})

		registry.Register(&WorkType{
			ID:          WorkIntegrityCheck,
			Description: "Run an integrity check on every database",
			Priority:    PriorityLow,
			Execute: func(ctx context.Context, _ string) error {
				var errs []error
				for _, db := range deps.Databases {
					if err := db.HealthCheck(ctx); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", db.Name(), err))
					}
				}
				return errors.Join(errs...)
			},
		})
	}
}
