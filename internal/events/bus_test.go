package events

import (
	"sync"
	"testing"

	"github.com/aristath/riskdesk/internal/modules/riskcache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversByType(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var refreshed, all []EventType
	bus.Subscribe(RiskCacheRefreshed, func(e *Event) { refreshed = append(refreshed, e.Type) })
	bus.SubscribeAll(func(e *Event) { all = append(all, e.Type) })

	bus.Emit("test", &CacheEntryData{Status: "fresh"})
	bus.Emit("test", &PricesRefreshedData{Refreshed: 3})

	assert.Equal(t, []EventType{RiskCacheRefreshed}, refreshed)
	assert.Equal(t, []EventType{RiskCacheRefreshed, PricesRefreshed}, all)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	calls := 0
	unsubscribe := bus.Subscribe(PricesRefreshed, func(*Event) { calls++ })
	other := bus.SubscribeAll(func(*Event) {})

	bus.Emit("test", &PricesRefreshedData{})
	unsubscribe()
	bus.Emit("test", &PricesRefreshedData{})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, bus.Subscribers())
	other()
	assert.Equal(t, 0, bus.Subscribers())
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	delivered := false
	bus.SubscribeAll(func(*Event) { panic("boom") })
	bus.SubscribeAll(func(*Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Emit("test", &ErrorEventData{Error: "x"}) })
	assert.True(t, delivered)
}

func TestBus_ConcurrentEmitAndSubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(*Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Emit("test", &PricesRefreshedData{})
		}()
		go func() {
			defer wg.Done()
			unsubscribe := bus.Subscribe(JobStarted, func(*Event) {})
			unsubscribe()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, count)
}

func TestCacheObserver_EmitsTransitions(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var got []*Event
	bus.SubscribeAll(func(e *Event) { got = append(got, e) })

	obs := NewCacheObserver(bus)
	obs.EntryChanged(riskcache.Entry{Key: "portfolio/p1", SubjectType: "portfolio", SubjectID: "p1", Status: riskcache.StatusFresh})

	require.Len(t, got, 1)
	assert.Equal(t, RiskCacheRefreshed, got[0].Type)
	assert.Equal(t, "p1", got[0].Data.(*CacheEntryData).SubjectID)
}
