package work

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the registered work types.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]*WorkType
	ordered []*WorkType // priority desc, then id; nil when it needs a rebuild
}

// NewRegistry creates a new work type registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*WorkType)}
}

// Register adds or replaces a work type. A type without an ID or Execute is a
// programming error and panics.
func (r *Registry) Register(wt *WorkType) {
	if wt.ID == "" || wt.Execute == nil {
		panic(fmt.Sprintf("work: invalid work type %q", wt.ID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[wt.ID] = wt
	r.ordered = nil
}

// Get returns a work type by ID, or nil if not found.
func (r *Registry) Get(id string) *WorkType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[id]
}

// Has reports whether id is registered
func (r *Registry) Has(id string) bool {
	return r.Get(id) != nil
}

// ByPriority returns a copy of all work types, highest priority first and by ID within a priority
func (r *Registry) ByPriority() []*WorkType {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ordered == nil {
		r.ordered = make([]*WorkType, 0, len(r.types))
		for _, wt := range r.types {
			r.ordered = append(r.ordered, wt)
		}
		sort.Slice(r.ordered, func(i, j int) bool {
			if r.ordered[i].Priority != r.ordered[j].Priority {
				return r.ordered[i].Priority > r.ordered[j].Priority
			}
			return r.ordered[i].ID < r.ordered[j].ID
		})
	}

	out := make([]*WorkType, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Count returns the number of registered work types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// IDs returns all registered work type IDs, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
