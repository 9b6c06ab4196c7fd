// Package events is the in-process publish/subscribe bus for cache, job and alert events.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names a kind of event
type EventType string

const (
	RiskCacheRefreshed     EventType = "RISK_CACHE_REFRESHED"
	RiskCacheFailed        EventType = "RISK_CACHE_FAILED"
	RiskCacheStatusChanged EventType = "RISK_CACHE_STATUS_CHANGED"
	PricesRefreshed        EventType = "PRICES_REFRESHED"
	AlertTriggered         EventType = "ALERT_TRIGGERED"
	BackupCompleted        EventType = "BACKUP_COMPLETED"
	JobStarted             EventType = "JOB_STARTED"
	JobCompleted           EventType = "JOB_COMPLETED"
	JobFailed              EventType = "JOB_FAILED"
	ErrorOccurred          EventType = "ERROR_OCCURRED"
)

// Handler receives events. Handlers run on the emitting goroutine and must not block.
type Handler func(event *Event)

type subscription struct {
	id      uint64
	typ     EventType // empty matches every type
	handler Handler
}

// Bus fans events out to subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	now    func() time.Time
	log    zerolog.Logger
}

// NewBus creates an empty bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		now: func() time.Time { return time.Now().UTC() },
		log: log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers handler for one event type. The returned func unsubscribes.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers handler for every event type
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.add("", handler)
}

func (b *Bus) add(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, typ: eventType, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit publishes data under its own event type
func (b *Bus) Emit(module string, data EventData) {
	event := &Event{
		Type:      data.EventType(),
		Timestamp: b.now(),
		Module:    module,
		Data:      data,
	}

	b.mu.RLock()
	var targets []Handler
	for _, s := range b.subs {
		if s.typ == "" || s.typ == event.Type {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(h, event)
	}
}

// Subscribers returns the number of active subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) deliver(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}
