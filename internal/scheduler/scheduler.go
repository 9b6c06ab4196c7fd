// Package scheduler drives periodic work from cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job represents a scheduled job
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Entry describes a registered job for the admin API
type Entry struct {
	Job      string    `json:"job"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitempty"`
}

// Scheduler manages cron-driven jobs. Expressions include a seconds field.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu        sync.Mutex
	schedules map[cron.EntryID]string
	names     map[cron.EntryID]string
}

// New creates a new scheduler
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		log:       log.With().Str("component", "scheduler").Logger(),
		schedules: make(map[cron.EntryID]string),
		names:     make(map[cron.EntryID]string),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs, bounded by ctx
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("Scheduler stop timed out with jobs still running")
		return
	}
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers job under a cron schedule, for example:
//   - "0 */5 * * * *"      every 5 minutes
//   - "0 30 22 * * 1-5"    22:30 on weekdays
//   - "@every 30s"         every 30 seconds
//
// An empty schedule disables the job.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	if schedule == "" {
		s.log.Info().Str("job", job.Name()).Msg("Job disabled (no schedule)")
		return nil
	}

	id, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("Running job")

		if err := job.Run(context.Background()); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("Job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, job.Name(), err)
	}

	s.mu.Lock()
	s.schedules[id] = schedule
	s.names[id] = job.Name()
	s.mu.Unlock()

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// Entries lists registered jobs with their next run time
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{
			Job:      s.names[e.ID],
			Schedule: s.schedules[e.ID],
			Next:     e.Next,
			Prev:     e.Prev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

// Enqueuer queues a work type
type Enqueuer interface {
	Enqueue(typeID, subject string) error
}

// WorkJob is a Job that hands a work type to the worker pool
type WorkJob struct {
	WorkType string
	Subject  string
	Enqueuer Enqueuer
	// Ignore lists enqueue errors that are not failures (e.g. already queued)
	Ignore []error
}

// Name implements Job
func (j WorkJob) Name() string {
	return j.WorkType
}

// Run implements Job
func (j WorkJob) Run(context.Context) error {
	err := j.Enqueuer.Enqueue(j.WorkType, j.Subject)
	for _, ignored := range j.Ignore {
		if errors.Is(err, ignored) {
			return nil
		}
	}
	return err
}
