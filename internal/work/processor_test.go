package work

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/internal/events"
	"github.com/aristath/riskdesk/internal/modules/riskcache"
	testutil "github.com/aristath/riskdesk/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second
const tick = 5 * time.Millisecond

func newProcessor(t *testing.T, registry *Registry, opts Options) *Processor {
	t.Helper()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	p := NewProcessor(registry, NewCompletionTracker(nil), nil, nil, opts, zerolog.Nop())
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestProcessor_EnqueueExecutes(t *testing.T) {
	registry := NewRegistry()
	var got atomic.Value
	registry.Register(&WorkType{
		ID: "test:work",
		Execute: func(ctx context.Context, subject string) error {
			got.Store(subject)
			return nil
		},
	})
	p := newProcessor(t, registry, Options{})

	require.NoError(t, p.Enqueue("test:work", "AAPL"))
	require.Eventually(t, func() bool { return got.Load() == "AAPL" }, eventually, tick)

	assert.ErrorIs(t, p.Enqueue("missing", ""), ErrUnknownWorkType)
}

func TestProcessor_DeduplicatesQueuedAndRunning(t *testing.T) {
	registry := NewRegistry()
	release := make(chan struct{})
	var calls atomic.Int32
	registry.Register(&WorkType{
		ID: "test:slow",
		Execute: func(ctx context.Context, subject string) error {
			calls.Add(1)
			<-release
			return nil
		},
	})
	p := newProcessor(t, registry, Options{Workers: 1})

	require.NoError(t, p.Enqueue("test:slow", "a"))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, eventually, tick)

	assert.ErrorIs(t, p.Enqueue("test:slow", "a"), ErrAlreadyQueued, "running")
	require.NoError(t, p.Enqueue("test:slow", "b"))
	assert.ErrorIs(t, p.Enqueue("test:slow", "b"), ErrAlreadyQueued, "queued")
	assert.ErrorIs(t, p.ExecuteNow(context.Background(), "test:slow", "a"), ErrAlreadyQueued)

	close(release)
	require.Eventually(t, func() bool { return calls.Load() == 2 && p.Stats().Pending == 0 }, eventually, tick)

	require.NoError(t, p.Enqueue("test:slow", "a"), "accepted again once finished")
}

func TestProcessor_RunsWorkersConcurrently(t *testing.T) {
	registry := NewRegistry()
	var running, peak atomic.Int32
	release := make(chan struct{})
	registry.Register(&WorkType{
		ID: "test:parallel",
		Execute: func(ctx context.Context, subject string) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		},
	})
	p := newProcessor(t, registry, Options{Workers: 3})

	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Enqueue("test:parallel", s))
	}
	require.Eventually(t, func() bool { return peak.Load() == 3 }, eventually, tick)
	assert.Equal(t, int32(3), running.Load(), "fourth item waits for a free worker")

	close(release)
	require.Eventually(t, func() bool { return p.Stats().Pending == 0 }, eventually, tick)
}

func TestProcessor_RetriesFailedWork(t *testing.T) {
	registry := NewRegistry()
	var calls atomic.Int32
	registry.Register(&WorkType{
		ID: "test:flaky",
		Execute: func(ctx context.Context, subject string) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	p := newProcessor(t, registry, Options{MaxRetries: 3})

	require.NoError(t, p.Enqueue("test:flaky", ""))
	require.Eventually(t, func() bool { return calls.Load() == 3 }, eventually, tick)

	require.Eventually(t, func() bool {
		_, ok := p.completion.GetCompletion("test:flaky", "")
		return ok
	}, eventually, tick)
}

func TestProcessor_GivesUpAfterMaxRetries(t *testing.T) {
	registry := NewRegistry()
	var calls atomic.Int32
	registry.Register(&WorkType{
		ID: "test:broken",
		Execute: func(ctx context.Context, subject string) error {
			calls.Add(1)
			return errors.New("permanent")
		},
	})
	p := newProcessor(t, registry, Options{MaxRetries: 1})

	require.NoError(t, p.Enqueue("test:broken", ""))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, eventually, tick)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, p.Stats().Retrying)
}

func TestProcessor_ExecuteNowRecoversPanicsAndTimesOut(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&WorkType{
		ID: "test:panic",
		Execute: func(ctx context.Context, subject string) error {
			panic("boom")
		},
	})
	registry.Register(&WorkType{
		ID: "test:hang",
		Execute: func(ctx context.Context, subject string) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	p := newProcessor(t, registry, Options{Timeout: 20 * time.Millisecond})

	err := p.ExecuteNow(context.Background(), "test:panic", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	err = p.ExecuteNow(context.Background(), "test:hang", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessor_ScanHonorsInterval(t *testing.T) {
	registry := NewRegistry()
	var calls atomic.Int32
	registry.Register(&WorkType{
		ID:       "test:hourly",
		Interval: time.Hour,
		FindSubjects: func(context.Context) []string {
			return []string{""}
		},
		Execute: func(ctx context.Context, subject string) error {
			calls.Add(1)
			return nil
		},
	})
	registry.Register(&WorkType{
		ID: "test:on-demand",
		Execute: func(ctx context.Context, subject string) error {
			t.Error("on-demand work must not be scanned")
			return nil
		},
	})

	clock := domain.NewFakeClock(testutil.FixtureStart)
	p := NewProcessor(registry, NewCompletionTracker(clock), nil, nil, Options{}, zerolog.Nop())
	p.Start()
	t.Cleanup(p.Stop)

	p.Trigger()
	require.Eventually(t, func() bool {
		_, ok := p.completion.GetCompletion("test:hourly", "")
		return ok
	}, eventually, tick)

	p.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(61 * time.Minute)
	p.Trigger()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, eventually, tick)
}

func TestProcessor_ScansPeriodicallyWithoutTrigger(t *testing.T) {
	registry := NewRegistry()
	var calls atomic.Int32
	registry.Register(&WorkType{
		ID:           "test:fast",
		Interval:     20 * time.Millisecond,
		FindSubjects: func(context.Context) []string { return []string{""} },
		Execute: func(ctx context.Context, subject string) error {
			calls.Add(1)
			return nil
		},
	})
	newProcessor(t, registry, Options{ScanEvery: 10 * time.Millisecond})

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, eventually, tick)
}

func TestProcessor_DefaultScanEvery(t *testing.T) {
	p := NewProcessor(NewRegistry(), nil, nil, nil, Options{}, zerolog.Nop())
	assert.Equal(t, 10*time.Second, p.opts.ScanEvery)
}

func TestProcessor_RecordsRunsAndEmitsEvents(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t, "cache")
	t.Cleanup(cleanup)
	runs := NewRunStore(db.Conn(), nil)

	bus := events.NewBus(zerolog.Nop())
	var mu sync.Mutex
	var seen []string
	bus.SubscribeAll(func(e *events.Event) {
		if d, ok := e.Data.(*events.JobStatusData); ok {
			mu.Lock()
			seen = append(seen, d.WorkType+"/"+d.Status)
			mu.Unlock()
		}
	})

	registry := NewRegistry()
	registry.Register(&WorkType{ID: "test:ok", Execute: func(context.Context, string) error { return nil }})
	registry.Register(&WorkType{ID: "test:fail", Execute: func(context.Context, string) error { return errors.New("nope") }})

	p := NewProcessor(registry, nil, runs, bus, Options{MaxRetries: 0}, zerolog.Nop())
	require.NoError(t, p.ExecuteNow(context.Background(), "test:ok", "x"))
	require.Error(t, p.ExecuteNow(context.Background(), "test:fail", ""))

	mu.Lock()
	assert.Equal(t, []string{"test:ok/started", "test:ok/completed", "test:fail/started", "test:fail/failed"}, seen)
	mu.Unlock()

	all, err := runs.List(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)

	failed, err := runs.List(context.Background(), "test:fail", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, RunFailed, failed[0].Status)
	assert.Equal(t, "nope", failed[0].Error)
	assert.NotNil(t, failed[0].DurationMs)

	ok, err := runs.List(context.Background(), "test:ok", 10)
	require.NoError(t, err)
	require.Len(t, ok, 1)
	assert.Equal(t, RunSucceeded, ok[0].Status)
	assert.Equal(t, "x", ok[0].Subject)
	assert.Equal(t, 1, ok[0].Attempt)
}

func TestProcessor_ScheduleRefreshQueuesCacheRefresh(t *testing.T) {
	registry := NewRegistry()
	var got atomic.Value
	registry.Register(&WorkType{
		ID: WorkCacheRefresh,
		Execute: func(ctx context.Context, subject string) error {
			got.Store(subject)
			return nil
		},
	})
	p := newProcessor(t, registry, Options{})

	key := riskcache.NewKey(riskcache.SubjectPortfolio, "p1", "days", "365", "benchmark", "SPY")
	p.ScheduleRefresh(key)
	require.Eventually(t, func() bool { return got.Load() == key.String() }, eventually, tick)
}

func TestProcessor_StopRejectsNewWork(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&WorkType{ID: "test:work", Execute: func(context.Context, string) error { return nil }})
	p := NewProcessor(registry, nil, nil, nil, Options{}, zerolog.Nop())
	p.Start()
	p.Stop()
	p.Stop()

	assert.ErrorIs(t, p.Enqueue("test:work", ""), ErrStopped)
}

func TestRegistry_OrdersByPriorityThenID(t *testing.T) {
	registry := NewRegistry()
	noop := func(context.Context, string) error { return nil }
	registry.Register(&WorkType{ID: "b", Priority: PriorityLow, Execute: noop})
	registry.Register(&WorkType{ID: "a", Priority: PriorityLow, Execute: noop})
	registry.Register(&WorkType{ID: "z", Priority: PriorityHigh, Execute: noop})

	var ids []string
	for _, wt := range registry.ByPriority() {
		ids = append(ids, wt.ID)
	}
	assert.Equal(t, []string{"z", "a", "b"}, ids)
	assert.Equal(t, []string{"a", "b", "z"}, registry.IDs())
	assert.True(t, registry.Has("a"))
	assert.Equal(t, 3, registry.Count())

	assert.Panics(t, func() { registry.Register(&WorkType{ID: "no-exec"}) })
}

func TestCompletionTracker_IsStale(t *testing.T) {
	clock := domain.NewFakeClock(testutil.FixtureStart)
	tracker := NewCompletionTracker(clock)
	item := &WorkItem{TypeID: "x", Subject: "s"}

	assert.True(t, tracker.IsStale("x", "s", time.Hour), "never completed")
	tracker.MarkCompleted(item)
	assert.False(t, tracker.IsStale("x", "s", time.Hour))
	assert.True(t, tracker.IsStale("x", "s", 0), "on-demand")
	assert.True(t, tracker.IsStale("x", "other", time.Hour))

	clock.Advance(2 * time.Hour)
	assert.True(t, tracker.IsStale("x", "s", time.Hour))

	tracker.Clear("x", "s")
	_, ok := tracker.GetCompletion("x", "s")
	assert.False(t, ok)
}
