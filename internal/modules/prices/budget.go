package prices

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
)

// Budget tracks per-provider daily call usage. TryConsume must be atomic:
// it reserves one call and reports false once the limit is reached.
type Budget interface {
	TryConsume(ctx context.Context, provider string, limit int) (bool, error)
	Used(ctx context.Context, provider string) (int, error)
}

// MemoryBudget is an in-process budget that resets at UTC midnight
type MemoryBudget struct {
	mu    sync.Mutex
	clock domain.Clock
	day   time.Time
	calls map[string]int
}

// NewMemoryBudget creates an in-memory budget
func NewMemoryBudget(clock domain.Clock) *MemoryBudget {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryBudget{clock: clock, calls: make(map[string]int)}
}

// TryConsume reserves one call if provider is under limit
func (b *MemoryBudget) TryConsume(_ context.Context, provider string, limit int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover()
	if limit > 0 && b.calls[provider] >= limit {
		return false, nil
	}
	b.calls[provider]++
	return true, nil
}

// Used returns calls made today
func (b *MemoryBudget) Used(_ context.Context, provider string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover()
	return b.calls[provider], nil
}

// rollover resets counters on a new day. Caller holds mu.
func (b *MemoryBudget) rollover() {
	today := domain.TruncateDay(b.clock.Now())
	if !today.Equal(b.day) {
		b.day = today
		b.calls = make(map[string]int)
	}
}

// UsageStore is the persisted usage counter (clientdata.Repository)
type UsageStore interface {
	TryConsume(ctx context.Context, provider string, limit int) (bool, error)
	UsageToday(ctx context.Context, provider string) (int, error)
}

// SQLBudget persists usage so budgets survive restarts
type SQLBudget struct {
	store UsageStore
}

// NewSQLBudget wraps a usage store
func NewSQLBudget(store UsageStore) *SQLBudget {
	return &SQLBudget{store: store}
}

// TryConsume reserves one call with a conditional UPDATE
func (b *SQLBudget) TryConsume(ctx context.Context, provider string, limit int) (bool, error) {
	return b.store.TryConsume(ctx, provider, limit)
}

// Used returns calls made today
func (b *SQLBudget) Used(ctx context.Context, provider string) (int, error) {
	return b.store.UsageToday(ctx, provider)
}
