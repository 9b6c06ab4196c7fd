package work

import (
	"sync"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
)

// CompletionTracker records when work last completed so interval types are not rerun early.
type CompletionTracker struct {
	clock       domain.Clock
	completions map[string]time.Time // key: item ID
	mu          sync.RWMutex
}

// NewCompletionTracker creates a new completion tracker.
func NewCompletionTracker(clock domain.Clock) *CompletionTracker {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &CompletionTracker{
		clock:       clock,
		completions: make(map[string]time.Time),
	}
}

// MarkCompleted records that a work item has been completed now.
func (t *CompletionTracker) MarkCompleted(item *WorkItem) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completions[itemID(item.TypeID, item.Subject)] = t.clock.Now()
}

// GetCompletion returns when a work type/subject combination was last completed.
func (t *CompletionTracker) GetCompletion(typeID, subject string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	completedAt, exists := t.completions[itemID(typeID, subject)]
	return completedAt, exists
}

// IsStale reports whether the work is due: never completed, on-demand (zero interval),
// or last completed more than interval ago.
func (t *CompletionTracker) IsStale(typeID, subject string, interval time.Duration) bool {
	if interval == 0 {
		return true
	}

	completedAt, exists := t.GetCompletion(typeID, subject)
	if !exists {
		return true
	}
	return t.clock.Now().Sub(completedAt) > interval
}

// Clear removes the completion record for a specific work type/subject.
func (t *CompletionTracker) Clear(typeID, subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.completions, itemID(typeID, subject))
}
