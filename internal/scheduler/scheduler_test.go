package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	calls atomic.Int32
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(context.Context) error {
	j.calls.Add(1)
	return nil
}

type recordingEnqueuer struct {
	typeID, subject string
	err             error
}

func (e *recordingEnqueuer) Enqueue(typeID, subject string) error {
	e.typeID, e.subject = typeID, subject
	return e.err
}

func TestScheduler_RunsJobsOnSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "tick"}
	require.NoError(t, s.AddJob("@every 1s", job))
	s.Start()
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return job.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestScheduler_AddJob(t *testing.T) {
	s := New(zerolog.Nop())

	require.NoError(t, s.AddJob("0 30 22 * * 1-5", &countingJob{name: "prices"}))
	require.NoError(t, s.AddJob("", &countingJob{name: "disabled"}))
	assert.Error(t, s.AddJob("30 22 * * 1-5", &countingJob{name: "five-field"}), "seconds field is required")
	assert.Error(t, s.AddJob("not a schedule", &countingJob{name: "bad"}))

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "prices", entries[0].Job)
	assert.Equal(t, "0 30 22 * * 1-5", entries[0].Schedule)
}

func TestWorkJob(t *testing.T) {
	alreadyQueued := errors.New("already queued")
	enq := &recordingEnqueuer{}
	job := WorkJob{WorkType: "price_refresh", Enqueuer: enq, Ignore: []error{alreadyQueued}}

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, "price_refresh", enq.typeID)
	assert.Equal(t, "price_refresh", job.Name())

	enq.err = alreadyQueued
	assert.NoError(t, job.Run(context.Background()))

	enq.err = errors.New("queue full")
	assert.Error(t, job.Run(context.Background()))
}
