package clientdata

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
)

// Sweeper is the part of Repository the cleanup job drives
type Sweeper interface {
	DeleteAllExpired(ctx context.Context) (map[string]int64, error)
}

// CleanupJob sweeps expired provider responses, lapsed no-data markers and
// usage counters past retention. Scheduled by the client_data_cleanup work type.
type CleanupJob struct {
	repo Sweeper
	log  zerolog.Logger
}

// NewCleanupJob creates a cleanup job over repo
func NewCleanupJob(repo Sweeper, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		repo: repo,
		log:  log.With().Str("job", "client_data_cleanup").Logger(),
	}
}

// Run performs one sweep. Partial results are still logged when a table fails.
func (j *CleanupJob) Run(ctx context.Context) error {
	deleted, err := j.repo.DeleteAllExpired(ctx)

	tables := make([]string, 0, len(deleted))
	for table := range deleted {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var total int64
	for _, table := range tables {
		total += deleted[table]
	}

	if err != nil {
		j.log.Error().Err(err).Int64("deleted", total).Msg("Client data sweep failed")
		return err
	}
	if total > 0 {
		event := j.log.Info().Int64("total", total)
		for _, table := range tables {
			event = event.Int64(table, deleted[table])
		}
		event.Msg("Swept expired client data")
	}
	return nil
}

// Name returns the job name
func (j *CleanupJob) Name() string {
	return "client_data_cleanup"
}
