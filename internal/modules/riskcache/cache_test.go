package riskcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/riskdesk/internal/config"
	"github.com/aristath/riskdesk/internal/domain"
	testutil "github.com/aristath/riskdesk/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Value int `json:"value"`
}

type recordingObserver struct {
	mu      sync.Mutex
	entries []Entry
}

func (o *recordingObserver) EntryChanged(e Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, e)
}

func (o *recordingObserver) count(s Status) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.entries {
		if e.Status == s {
			n++
		}
	}
	return n
}

type recordingScheduler struct {
	mu   sync.Mutex
	keys []string
}

func (s *recordingScheduler) ScheduleRefresh(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key.String())
}

type fixture struct {
	cache *Cache
	store *SQLStore
	clock *domain.FakeClock
}

func testPolicy() config.CachePolicy {
	p := config.DefaultCachePolicy()
	p.SecurityTTL = time.Hour
	p.MaxRetries = 3
	p.BackoffBase = time.Minute
	p.LeaseDuration = 10 * time.Minute
	return p
}

func setup(t *testing.T) fixture {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "cache")
	t.Cleanup(cleanup)

	clock := domain.NewFakeClock(time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC))
	store := NewSQLStore(db.Conn())
	return fixture{cache: New(store, clock, testPolicy(), zerolog.Nop()), store: store, clock: clock}
}

func constant(v int) ComputeFunc {
	return func(context.Context, Key) (interface{}, error) {
		return payload{Value: v}, nil
	}
}

func TestKeyString_IsCanonical(t *testing.T) {
	a := NewKey(SubjectPortfolio, "7", "days", "365", "benchmark", "SPY")
	b := NewKey(SubjectPortfolio, "7", "benchmark", "SPY", "days", "365")
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, "portfolio/7?benchmark=SPY&days=365", a.String())
	assert.Equal(t, "security/AAPL", NewKey(SubjectSecurity, "AAPL").String())
	assert.Equal(t, "SPY", a.Param("benchmark", "QQQ"))
	assert.Equal(t, "x", a.Param("missing", "x"))
}

func TestParseKey_RoundTrips(t *testing.T) {
	for _, k := range []Key{
		NewKey(SubjectPortfolio, "7", "days", "365", "benchmark", "SPY"),
		NewKey(SubjectCorrelation, "AAPL,MSFT", "days", "90"),
		NewKey(SubjectSecurity, "AAPL"),
	} {
		parsed, err := ParseKey(k.String())
		require.NoError(t, err)
		assert.Equal(t, k.String(), parsed.String())
		assert.Equal(t, k.SubjectID, parsed.SubjectID)
	}

	_, err := ParseKey("no-subject")
	assert.Error(t, err)
	_, err = ParseKey("security/")
	assert.Error(t, err)
}

func TestGetOrCompute_MissComputesAndStoresFresh(t *testing.T) {
	f := setup(t)
	f.cache.Register(SubjectSecurity, constant(42))
	ctx := context.Background()
	key := NewKey(SubjectSecurity, "AAPL", "days", "365")

	e, err := f.cache.GetOrCompute(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, e.Status)
	assert.Equal(t, 0, e.RetryCount)
	require.NotNil(t, e.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(time.Hour).Unix(), e.ExpiresAt.Unix())

	var p payload
	require.NoError(t, e.Decode(&p))
	assert.Equal(t, 42, p.Value)
	assert.Equal(t, key.String(), e.CacheKey().String())
}

func TestGet_LazilyMarksExpiredEntriesStale(t *testing.T) {
	f := setup(t)
	f.cache.Register(SubjectSecurity, constant(1))
	sched := &recordingScheduler{}
	f.cache.SetScheduler(sched)
	ctx := context.Background()
	key := NewKey(SubjectSecurity, "AAPL")

	_, err := f.cache.Refresh(ctx, key, false)
	require.NoError(t, err)

	f.clock.Advance(59 * time.Minute)
	e, err := f.cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, e.Status)

	f.clock.Advance(2 * time.Minute)
	e, err = f.cache.GetOrCompute(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, e.Status, "stale entry is served, not recomputed inline")
	assert.True(t, e.HasPayload())
	assert.Equal(t, []string{key.String()}, sched.keys)

	stored, err := f.store.Get(ctx, key.String())
	require.NoError(t, err)
	assert.Equal(t, StatusStale, stored.Status, "staleness is persisted")
}

func TestGetOrSchedule_MissSchedulesAndReportsCacheMiss(t *testing.T) {
	f := setup(t)
	sched := &recordingScheduler{}
	f.cache.SetScheduler(sched)

	key := NewKey(SubjectPortfolio, "1")
	_, err := f.cache.GetOrSchedule(context.Background(), key)
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
	assert.Equal(t, []string{key.String()}, sched.keys)
}

func TestRefresh_ConcurrentRequestsComputeOnce(t *testing.T) {
	f := setup(t)
	obs := &recordingObserver{}
	f.cache.AddObserver(obs)

	var calls int32
	release := make(chan struct{})
	f.cache.Register(SubjectPortfolio, func(ctx context.Context, key Key) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return payload{Value: 7}, nil
	})

	key := NewKey(SubjectPortfolio, "1")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := f.cache.Refresh(context.Background(), key, i%2 == 0)
			assert.NoError(t, err)
			if assert.NotNil(t, e) {
				assert.Equal(t, StatusFresh, e.Status)
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, obs.count(StatusCalculating))
	assert.Equal(t, 1, obs.count(StatusFresh))
}

func TestRefresh_OtherProcessHoldingLease(t *testing.T) {
	f := setup(t)
	// Second instance over the same table stands in for another process
	other := New(f.store, f.clock, testPolicy(), zerolog.Nop())

	entered := make(chan struct{})
	release := make(chan struct{})
	f.cache.Register(SubjectSecurity, func(context.Context, Key) (interface{}, error) {
		close(entered)
		<-release
		return payload{Value: 1}, nil
	})
	other.Register(SubjectSecurity, constant(2))

	key := NewKey(SubjectSecurity, "AAPL")
	done := make(chan error, 1)
	go func() {
		_, err := f.cache.Refresh(context.Background(), key, false)
		done <- err
	}()
	<-entered

	e, err := other.Refresh(context.Background(), key, true)
	assert.ErrorIs(t, err, domain.ErrAlreadyCalculating)
	require.NotNil(t, e)
	assert.Equal(t, StatusCalculating, e.Status)

	close(release)
	require.NoError(t, <-done)

	got, err := other.Get(context.Background(), key)
	require.NoError(t, err)
	var p payload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, 1, p.Value)
}

func TestRefresh_ForceOnStaleEntryFlipsToFresh(t *testing.T) {
	f := setup(t)
	obs := &recordingObserver{}
	f.cache.AddObserver(obs)
	f.cache.Register(SubjectPortfolio, constant(3))
	ctx := context.Background()
	key := NewKey(SubjectPortfolio, "9")

	first, err := f.cache.Refresh(ctx, key, false)
	require.NoError(t, err)

	f.clock.Advance(7 * time.Hour)
	stale, err := f.cache.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, StatusStale, stale.Status)

	refreshed, err := f.cache.Refresh(ctx, key, true)
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, refreshed.Status)
	assert.True(t, refreshed.UpdatedAt.After(first.UpdatedAt))
	assert.True(t, refreshed.ComputedAt.After(*first.ComputedAt))
	assert.Equal(t, 2, obs.count(StatusCalculating), "one calculating transition per refresh")

	h, err := f.cache.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Health{Fresh: 1, Total: 1}, h)
}

func TestRefresh_FailuresBackOffAndStopAtCeiling(t *testing.T) {
	f := setup(t)
	var calls int32
	f.cache.Register(SubjectSecurity, func(context.Context, Key) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &domain.ProviderUnavailableError{Provider: "yahoo", Err: errors.New("503")}
	})
	ctx := context.Background()
	key := NewKey(SubjectSecurity, "FLAKY")

	e, err := f.cache.Refresh(ctx, key, false)
	require.Error(t, err)
	assert.Equal(t, StatusError, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, "provider_unavailable", e.ErrorKind)

	n, err := f.cache.RetryErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "backoff window not elapsed")

	f.clock.Advance(time.Minute) // base × 2^0
	n, _ = f.cache.RetryErrors(ctx)
	assert.Equal(t, 1, n)

	f.clock.Advance(time.Minute) // needs 2 minutes after the second failure
	n, _ = f.cache.RetryErrors(ctx)
	assert.Equal(t, 0, n)

	f.clock.Advance(time.Minute)
	n, _ = f.cache.RetryErrors(ctx)
	assert.Equal(t, 1, n)

	e, err = f.cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, e.RetryCount)

	// At the ceiling: never selected again
	f.clock.Advance(24 * time.Hour)
	n, _ = f.cache.RetryErrors(ctx)
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	_, err = f.cache.Refresh(ctx, key, false)
	var exhausted *domain.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.RetryCount)

	h, err := f.cache.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Error)
	assert.Equal(t, 1, h.Exhausted)

	list, err := f.cache.Exhausted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, key.String(), list[0].Key)

	// Operator force still runs, count stays capped
	e, _ = f.cache.Refresh(ctx, key, true)
	assert.Equal(t, 3, e.RetryCount)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestRefresh_InsufficientHistoryIsNeverFresh(t *testing.T) {
	f := setup(t)
	f.cache.Register(SubjectBetaForecast, func(context.Context, Key) (interface{}, error) {
		return nil, &domain.InsufficientHistoryError{Ticker: "NEW", Have: 40, Need: 60}
	})

	e, err := f.cache.Refresh(context.Background(), NewKey(SubjectBetaForecast, "NEW"), false)
	assert.True(t, domain.IsInsufficientHistory(err))
	require.NotNil(t, e)
	assert.Equal(t, StatusError, e.Status)
	assert.Equal(t, "insufficient_history", e.ErrorKind)
	assert.False(t, e.HasPayload())
}

func TestRefresh_FailureKeepsPreviousPayload(t *testing.T) {
	f := setup(t)
	fail := false
	f.cache.Register(SubjectSecurity, func(context.Context, Key) (interface{}, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return payload{Value: 5}, nil
	})
	ctx := context.Background()
	key := NewKey(SubjectSecurity, "AAPL")

	_, err := f.cache.Refresh(ctx, key, false)
	require.NoError(t, err)

	fail = true
	e, err := f.cache.Refresh(ctx, key, true)
	require.Error(t, err)
	assert.Equal(t, StatusError, e.Status)
	assert.Equal(t, "internal", e.ErrorKind)
	var p payload
	require.NoError(t, e.Decode(&p))
	assert.Equal(t, 5, p.Value)
}

func TestRefresh_PanicReleasesLease(t *testing.T) {
	f := setup(t)
	f.cache.Register(SubjectSecurity, func(context.Context, Key) (interface{}, error) {
		panic("bad input")
	})

	e, err := f.cache.Refresh(context.Background(), NewKey(SubjectSecurity, "X"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, StatusError, e.Status)
}

func TestRefresh_ExpiredLeaseIsTakenOver(t *testing.T) {
	f := setup(t)
	f.cache.Register(SubjectSecurity, constant(8))
	ctx := context.Background()
	key := NewKey(SubjectSecurity, "AAPL")

	ok, err := f.store.Acquire(ctx, key, "crashed-worker", f.clock.Now(), 10*time.Minute, false, 3)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.cache.Refresh(ctx, key, false)
	assert.ErrorIs(t, err, domain.ErrAlreadyCalculating)

	f.clock.Advance(11 * time.Minute)
	h, _ := f.cache.Health(ctx)
	assert.Equal(t, 1, h.ExpiredLeases)

	n, err := f.cache.RefreshDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := f.cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, e.Status)

	// The crashed owner can no longer write
	done, err := f.store.Complete(ctx, key.String(), "crashed-worker", []byte(`{}`), f.clock.Now(), f.clock.Now())
	require.NoError(t, err)
	assert.False(t, done)
}

func TestRefreshDue_PicksStaleAndExpired(t *testing.T) {
	f := setup(t)
	f.cache.Register(SubjectSecurity, constant(1))
	ctx := context.Background()

	for _, ticker := range []string{"A", "B", "C"} {
		_, _ = f.cache.Refresh(ctx, NewKey(SubjectSecurity, ticker), false)
	}
	_, err := f.cache.Invalidate(ctx, SubjectSecurity, "A")
	require.NoError(t, err)

	n, err := f.cache.RefreshDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the invalidated entry")

	f.clock.Advance(2 * time.Hour)
	n, err = f.cache.RefreshDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "expired fresh rows are picked up without being read")
}

func TestInvalidateAndReset(t *testing.T) {
	f := setup(t)
	f.cache.Register(SubjectSecurity, constant(1))
	f.cache.Register(SubjectPortfolio, constant(2))
	ctx := context.Background()

	_, _ = f.cache.Refresh(ctx, NewKey(SubjectSecurity, "A"), false)
	_, _ = f.cache.Refresh(ctx, NewKey(SubjectPortfolio, "1", "days", "30"), false)
	_, _ = f.cache.Refresh(ctx, NewKey(SubjectPortfolio, "1", "days", "365"), false)

	n, err := f.cache.Invalidate(ctx, SubjectPortfolio, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	h, _ := f.cache.Health(ctx)
	assert.Equal(t, 1, h.Fresh)
	assert.Equal(t, 2, h.Stale)

	n, err = f.cache.Reset(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = f.cache.Get(ctx, NewKey(SubjectSecurity, "A"))
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

// exhaust drives key to the retry ceiling with direct refreshes
func exhaust(t *testing.T, f fixture, key Key) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < testPolicy().MaxRetries; i++ {
		_, err := f.cache.Refresh(ctx, key, false)
		require.Error(t, err)
		f.clock.Advance(time.Hour)
	}
	e, err := f.cache.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, StatusError, e.Status)
	require.Equal(t, testPolicy().MaxRetries, e.RetryCount)
}

func failingFor(subjectID string) ComputeFunc {
	return func(_ context.Context, k Key) (interface{}, error) {
		if k.SubjectID == subjectID {
			return nil, &domain.ProviderUnavailableError{Provider: "yahoo", Err: errors.New("503")}
		}
		return payload{Value: 1}, nil
	}
}

func TestInvalidate_LeavesExhaustedEntriesInError(t *testing.T) {
	f := setup(t)
	f.cache.Register(SubjectSecurity, failingFor("DEAD"))
	ctx := context.Background()
	key := NewKey(SubjectSecurity, "DEAD")
	exhaust(t, f, key)

	n, err := f.cache.Invalidate(ctx, SubjectSecurity, "DEAD")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	e, err := f.cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusError, e.Status)
	assert.Equal(t, 3, e.RetryCount)

	h, err := f.cache.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Error)
	assert.Equal(t, 1, h.Exhausted)
	assert.Equal(t, 0, h.Stale)

	list, err := f.cache.Exhausted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, key.String(), list[0].Key)

	// Scans still leave it alone
	f.clock.Advance(24 * time.Hour)
	n2, err := f.cache.RefreshDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
	n2, err = f.cache.RetryErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
}

func TestInvalidate_SubjectWideSkipsOnlyExhausted(t *testing.T) {
	f := setup(t)
	f.cache.Register(SubjectSecurity, failingFor("DEAD"))
	ctx := context.Background()

	exhaust(t, f, NewKey(SubjectSecurity, "DEAD"))
	_, err := f.cache.Refresh(ctx, NewKey(SubjectSecurity, "OK"), false)
	require.NoError(t, err)

	// One failure below the ceiling
	f.cache.Register(SubjectSecurity, failingFor("SOFT"))
	_, err = f.cache.Refresh(ctx, NewKey(SubjectSecurity, "SOFT"), false)
	require.Error(t, err)

	n, err := f.cache.Invalidate(ctx, SubjectSecurity, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "fresh and below-ceiling error entries")

	soft, err := f.store.Get(ctx, NewKey(SubjectSecurity, "SOFT").String())
	require.NoError(t, err)
	assert.Equal(t, StatusStale, soft.Status)
	assert.Equal(t, 1, soft.RetryCount)

	h, err := f.cache.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Stale)
	assert.Equal(t, 1, h.Exhausted)

	// The operator can still force the exhausted entry
	f.cache.Register(SubjectSecurity, constant(7))
	e, err := f.cache.Refresh(ctx, NewKey(SubjectSecurity, "DEAD"), true)
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, e.Status)
	assert.Equal(t, 0, e.RetryCount)

	h, _ = f.cache.Health(ctx)
	assert.Equal(t, 0, h.Exhausted)
}

func TestRefresh_SurvivesFirstCallerCancellation(t *testing.T) {
	f := setup(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.cache.Register(SubjectSecurity, func(ctx context.Context, _ Key) (interface{}, error) {
		once.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return payload{Value: 9}, nil
		}
	})
	key := NewKey(SubjectSecurity, "SHARED")

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		e   *Entry
		err error
	}
	first := make(chan result, 1)
	go func() {
		e, err := f.cache.Refresh(ctx, key, false)
		first <- result{e, err}
	}()
	<-started

	second := make(chan result, 1)
	go func() {
		e, err := f.cache.Refresh(context.Background(), key, false)
		second <- result{e, err}
	}()

	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for _, ch := range []chan result{first, second} {
		r := <-ch
		require.NoError(t, r.err)
		require.NotNil(t, r.e)
		assert.Equal(t, StatusFresh, r.e.Status)
		assert.Equal(t, 0, r.e.RetryCount)
	}
}

func TestBackoff(t *testing.T) {
	c := New(nil, nil, testPolicy(), zerolog.Nop())
	assert.Equal(t, time.Duration(0), c.Backoff(0))
	assert.Equal(t, time.Minute, c.Backoff(1))
	assert.Equal(t, 2*time.Minute, c.Backoff(2))
	assert.Equal(t, 16*time.Minute, c.Backoff(5))
}
