package work

import (
	"context"
	"time"
)

// WorkTimeout is the default maximum duration of one work item
const WorkTimeout = 7 * time.Minute

// MaxRetries is the default number of retries of a failed item
const MaxRetries = 3

// Priority orders work types during a scan
type Priority int

const (
	// PriorityLow is for maintenance (cleanup, backups)
	PriorityLow Priority = iota
	// PriorityMedium is for recomputation that no reader waits on
	PriorityMedium
	// PriorityHigh is for refreshes a reader has asked for
	PriorityHigh
)

// String returns a human-readable name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// WorkType defines a type of work that can be executed.
type WorkType struct {
	// ID is the unique identifier (e.g. "prices:refresh", "cache:refresh")
	ID string

	// Description is shown in the admin API
	Description string

	// Interval is the minimum time between scanned runs (0 = on-demand only)
	Interval time.Duration

	// Priority determines scan order
	Priority Priority

	// FindSubjects returns subjects that need this work during a scan.
	// Returns []string{""} for global work and nil when nothing is due.
	// A nil FindSubjects makes the type on-demand only.
	FindSubjects func(ctx context.Context) []string

	// Execute performs the work for one subject ("" for global work)
	Execute func(ctx context.Context, subject string) error
}

// WorkItem represents a specific unit of work to be executed.
type WorkItem struct {
	// ID is the dedupe key: the type ID, plus ":" and the subject when there is one
	ID string

	TypeID  string
	Subject string

	// Retries is the number of failed attempts so far
	Retries int

	CreatedAt time.Time
}

// NewWorkItem creates a new work item from a work type and subject.
func NewWorkItem(workType *WorkType, subject string, now time.Time) *WorkItem {
	return &WorkItem{
		ID:        itemID(workType.ID, subject),
		TypeID:    workType.ID,
		Subject:   subject,
		CreatedAt: now,
	}
}

func itemID(typeID, subject string) string {
	if subject == "" {
		return typeID
	}
	return typeID + ":" + subject
}
