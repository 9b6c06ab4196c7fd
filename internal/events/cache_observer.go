package events

import (
	"github.com/aristath/riskdesk/internal/modules/riskcache"
)

// CacheObserver republishes risk cache transitions on the bus
type CacheObserver struct {
	bus *Bus
}

// NewCacheObserver creates an observer that emits on bus
func NewCacheObserver(bus *Bus) *CacheObserver {
	return &CacheObserver{bus: bus}
}

// EntryChanged implements riskcache.Observer
func (o *CacheObserver) EntryChanged(e riskcache.Entry) {
	o.bus.Emit("riskcache", &CacheEntryData{
		Key:         e.Key,
		SubjectType: e.SubjectType,
		SubjectID:   e.SubjectID,
		Status:      string(e.Status),
		RetryCount:  e.RetryCount,
		ErrorKind:   e.ErrorKind,
		LastError:   e.LastError,
	})
}
