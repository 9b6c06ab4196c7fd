package work

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/google/uuid"
)

// Run statuses stored in job_runs
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one recorded execution of a work item
type Run struct {
	ID         string     `json:"id"`
	WorkType   string     `json:"work_type"`
	Subject    string     `json:"subject,omitempty"`
	Status     string     `json:"status"`
	Attempt    int        `json:"attempt"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs *int64     `json:"duration_ms,omitempty"`
}

// RunStore persists run history in cache.db
type RunStore struct {
	db    *sql.DB
	clock domain.Clock
}

// NewRunStore creates a run store
func NewRunStore(db *sql.DB, clock domain.Clock) *RunStore {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RunStore{db: db, clock: clock}
}

// Start records a running execution and returns its id
func (s *RunStore) Start(ctx context.Context, item *WorkItem) (string, time.Time, error) {
	id := uuid.NewString()
	started := s.clock.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, work_type, subject, status, attempt, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, item.TypeID, item.Subject, RunRunning, item.Retries+1, started.UnixMilli())
	if err != nil {
		return "", started, fmt.Errorf("failed to record run start: %w", err)
	}
	return id, started, nil
}

// Finish stores the outcome of a run
func (s *RunStore) Finish(ctx context.Context, id string, started time.Time, runErr error) error {
	finished := s.clock.Now()
	status, msg := RunSucceeded, ""
	if runErr != nil {
		status, msg = RunFailed, runErr.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET status = ?, error = ?, finished_at = ?, duration_ms = ?
		WHERE id = ?
	`, status, msg, finished.UnixMilli(), finished.Sub(started).Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	return nil
}

// List returns the latest runs, newest first. An empty workType lists all types.
func (s *RunStore) List(ctx context.Context, workType string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, work_type, subject, status, attempt, error, started_at, finished_at, duration_ms FROM job_runs`
	args := []interface{}{}
	if workType != "" {
		query += ` WHERE work_type = ?`
		args = append(args, workType)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var r Run
		var started int64
		var finished, duration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.WorkType, &r.Subject, &r.Status, &r.Attempt, &r.Error, &started, &finished, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			t := time.UnixMilli(finished.Int64).UTC()
			r.FinishedAt = &t
		}
		if duration.Valid {
			d := duration.Int64
			r.DurationMs = &d
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Prune deletes finished runs started before cutoff
func (s *RunStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM job_runs WHERE status != ? AND started_at < ?", RunRunning, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune job runs: %w", err)
	}
	return res.RowsAffected()
}
