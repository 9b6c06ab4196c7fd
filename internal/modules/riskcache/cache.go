package riskcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aristath/riskdesk/internal/config"
	"github.com/aristath/riskdesk/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces the payload for a key. Returning an error (including
// *domain.InsufficientHistoryError) records a failed attempt; nothing is marked fresh.
type ComputeFunc func(ctx context.Context, key Key) (interface{}, error)

// Scheduler queues an asynchronous refresh of key
type Scheduler interface {
	ScheduleRefresh(key Key)
}

// Observer is told about every status transition the cache performs
type Observer interface {
	EntryChanged(e Entry)
}

// Cache serves cached results and coordinates their recomputation.
//
// Within one process a key is computed by at most one goroutine (singleflight);
// across processes the store's lease enforces the same.
type Cache struct {
	store     Store
	clock     domain.Clock
	policy    config.CachePolicy
	instance  string
	group     singleflight.Group
	mu        sync.RWMutex
	computers map[string]ComputeFunc
	scheduler Scheduler
	observers []Observer
	log       zerolog.Logger
}

// New creates a cache over store
func New(store Store, clock domain.Clock, policy config.CachePolicy, log zerolog.Logger) *Cache {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Cache{
		store:     store,
		clock:     clock,
		policy:    policy,
		instance:  uuid.NewString(),
		computers: make(map[string]ComputeFunc),
		log:       log.With().Str("component", "risk_cache").Logger(),
	}
}

// Register binds the computation for a subject type
func (c *Cache) Register(subjectType string, fn ComputeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.computers[subjectType] = fn
}

// SetScheduler installs the asynchronous refresh hook
func (c *Cache) SetScheduler(s Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduler = s
}

// AddObserver subscribes to status transitions
func (c *Cache) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Policy returns the cache policy
func (c *Cache) Policy() config.CachePolicy {
	return c.policy
}

// Get returns the current entry. Expired fresh entries are persisted as stale on the way out.
// A missing entry is domain.ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, key Key) (*Entry, error) {
	e, err := c.store.Get(ctx, key.String())
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, domain.ErrCacheMiss
	}

	now := c.clock.Now()
	if e.Expired(now) {
		ok, err := c.store.MarkStale(ctx, e.Key, now)
		if err != nil {
			return nil, err
		}
		if ok {
			e.Status = StatusStale
			e.UpdatedAt = time.Unix(now.Unix(), 0).UTC()
			c.notify(*e)
		}
	}
	return e, nil
}

// GetOrCompute serves the entry, computing synchronously on a miss. Stale and
// retry-eligible error entries are returned as they are and refreshed in the background.
func (c *Cache) GetOrCompute(ctx context.Context, key Key) (*Entry, error) {
	e, err := c.Get(ctx, key)
	if errors.Is(err, domain.ErrCacheMiss) {
		return c.Refresh(ctx, key, false)
	}
	if err != nil {
		return nil, err
	}

	if c.needsRefresh(e) {
		c.schedule(key)
	}
	return e, nil
}

// GetOrSchedule serves the entry and never computes on the caller's path.
// A miss is scheduled and returned as domain.ErrCacheMiss.
func (c *Cache) GetOrSchedule(ctx context.Context, key Key) (*Entry, error) {
	e, err := c.Get(ctx, key)
	if errors.Is(err, domain.ErrCacheMiss) {
		c.schedule(key)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if c.needsRefresh(e) {
		c.schedule(key)
	}
	return e, nil
}

// Refresh computes key now and stores the outcome. Concurrent refreshes of the same key
// in this process share one computation; force only bypasses the retry ceiling. When
// another process holds the lease, the current entry is returned with
// domain.ErrAlreadyCalculating.
//
// The shared computation is detached from the first caller's cancellation and bounded
// by the lease duration instead.
func (c *Cache) Refresh(ctx context.Context, key Key, force bool) (*Entry, error) {
	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		cctx := context.WithoutCancel(ctx)
		if c.policy.LeaseDuration > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(cctx, c.policy.LeaseDuration)
			defer cancel()
		}
		return c.refresh(cctx, key, force)
	})
	e, _ := v.(*Entry)
	return e, err
}

func (c *Cache) refresh(ctx context.Context, key Key, force bool) (*Entry, error) {
	compute := c.computer(key.SubjectType)
	if compute == nil {
		return nil, fmt.Errorf("no computation registered for %s", key.SubjectType)
	}

	cacheKey := key.String()
	owner := c.instance + "/" + uuid.NewString()
	now := c.clock.Now()

	acquired, err := c.store.Acquire(ctx, key, owner, now, c.policy.LeaseDuration, force, c.policy.MaxRetries)
	if err != nil {
		return nil, err
	}
	if !acquired {
		current, err := c.store.Get(ctx, cacheKey)
		if err != nil {
			return nil, err
		}
		if current != nil && current.Status != StatusCalculating && current.RetryCount >= c.policy.MaxRetries {
			return current, &domain.RetryExhaustedError{Key: cacheKey, RetryCount: current.RetryCount, LastError: current.LastError}
		}
		return current, domain.ErrAlreadyCalculating
	}

	if e, err := c.store.Get(ctx, cacheKey); err == nil && e != nil {
		c.notify(*e)
	}

	start := c.clock.Now()
	payload, computeErr := c.run(ctx, compute, key)

	var data []byte
	if computeErr == nil {
		data, computeErr = json.Marshal(payload)
	}

	now = c.clock.Now()
	if computeErr != nil {
		kind := domain.ErrorKind(computeErr)
		if _, err := c.store.Fail(context.WithoutCancel(ctx), cacheKey, owner, kind, computeErr.Error(), now, c.policy.MaxRetries); err != nil {
			return nil, err
		}
		c.log.Warn().
			Err(computeErr).
			Str("key", cacheKey).
			Str("error_kind", kind).
			Msg("Risk computation failed")
	} else {
		ok, err := c.store.Complete(context.WithoutCancel(ctx), cacheKey, owner, data, now, now.Add(c.policy.TTLFor(key.SubjectType)))
		if err != nil {
			return nil, err
		}
		if !ok {
			c.log.Warn().Str("key", cacheKey).Msg("Lease lost before completion, result discarded")
		}
		c.log.Debug().
			Str("key", cacheKey).
			Dur("duration", c.clock.Now().Sub(start)).
			Msg("Risk computation stored")
	}

	e, err := c.store.Get(context.WithoutCancel(ctx), cacheKey)
	if err != nil {
		return nil, err
	}
	if e != nil {
		c.notify(*e)
	}
	return e, computeErr
}

// run invokes compute, converting a panic into an error so the lease is always released
func (c *Cache) run(ctx context.Context, compute ComputeFunc, key Key) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic computing %s: %v", key, r)
		}
	}()
	return compute(ctx, key)
}

// RefreshDue refreshes entries the background scan finds: stale, expired, or holding a
// dead lease. Returns how many were attempted.
func (c *Cache) RefreshDue(ctx context.Context) (int, error) {
	entries, err := c.store.ListNeedsWork(ctx, c.clock.Now(), c.policy.MaxRetries, c.policy.ScanBatchSize)
	if err != nil {
		return 0, err
	}
	return c.refreshAll(ctx, entries), nil
}

// RetryErrors re-attempts error entries whose backoff window has elapsed.
// Entries at the retry ceiling are never selected.
func (c *Cache) RetryErrors(ctx context.Context) (int, error) {
	entries, err := c.store.ListErrors(ctx, c.policy.MaxRetries, c.policy.ScanBatchSize)
	if err != nil {
		return 0, err
	}

	now := c.clock.Now()
	var due []Entry
	for _, e := range entries {
		if c.RetryEligible(e, now) {
			due = append(due, e)
		}
	}
	return c.refreshAll(ctx, due), nil
}

func (c *Cache) refreshAll(ctx context.Context, entries []Entry) int {
	attempted := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		attempted++
		if _, err := c.Refresh(ctx, e.CacheKey(), false); err != nil && !errors.Is(err, domain.ErrAlreadyCalculating) {
			c.log.Debug().Err(err).Str("key", e.Key).Msg("Background refresh did not succeed")
		}
	}
	return attempted
}

// Backoff is the wait after the n-th consecutive failure: base × 2^(n-1)
func (c *Cache) Backoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := float64(c.policy.BackoffBase) * math.Pow(2, float64(retryCount-1))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// RetryEligible reports whether an error entry may be retried at now
func (c *Cache) RetryEligible(e Entry, now time.Time) bool {
	if e.Status != StatusError || e.RetryCount >= c.policy.MaxRetries {
		return false
	}
	return !now.Before(e.UpdatedAt.Add(c.Backoff(e.RetryCount)))
}

// Invalidate marks a subject's entries stale. Exhausted entries are left in error.
func (c *Cache) Invalidate(ctx context.Context, subjectType, subjectID string) (int64, error) {
	n, err := c.store.Invalidate(ctx, subjectType, subjectID, c.clock.Now(), c.policy.MaxRetries)
	if err == nil && n > 0 {
		c.log.Info().Str("subject_type", subjectType).Str("subject_id", subjectID).Int64("entries", n).Msg("Cache invalidated")
	}
	return n, err
}

// Reset deletes a subject's entries
func (c *Cache) Reset(ctx context.Context, subjectType, subjectID string) (int64, error) {
	n, err := c.store.Reset(ctx, subjectType, subjectID)
	if err == nil {
		c.log.Warn().Str("subject_type", subjectType).Str("subject_id", subjectID).Int64("entries", n).Msg("Cache reset")
	}
	return n, err
}

// Health counts entries by status
func (c *Cache) Health(ctx context.Context) (Health, error) {
	return c.store.Health(ctx, c.clock.Now(), c.policy.MaxRetries)
}

// Exhausted lists entries that hit the retry ceiling
func (c *Cache) Exhausted(ctx context.Context, limit int) ([]Entry, error) {
	return c.store.ListExhausted(ctx, c.policy.MaxRetries, limit)
}

func (c *Cache) needsRefresh(e *Entry) bool {
	switch e.Status {
	case StatusStale:
		return e.RetryCount < c.policy.MaxRetries
	case StatusError:
		return c.RetryEligible(*e, c.clock.Now())
	}
	return false
}

func (c *Cache) computer(subjectType string) ComputeFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.computers[subjectType]
}

func (c *Cache) schedule(key Key) {
	c.mu.RLock()
	s := c.scheduler
	c.mu.RUnlock()
	if s != nil {
		s.ScheduleRefresh(key)
	}
}

func (c *Cache) notify(e Entry) {
	c.mu.RLock()
	observers := c.observers
	c.mu.RUnlock()
	for _, o := range observers {
		o.EntryChanged(e)
	}
}
