package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/nupi-ai/voiced/internal/eventbus"
)

// EventCounter counts delivered envelopes grouped by event type.
type EventCounter struct {
	counts sync.Map // map[eventbus.EventType]*atomic.Uint64
}

// NewEventCounter creates an empty counter.
func NewEventCounter() *EventCounter {
	return &EventCounter{}
}

// Observe counts one event of the given type.
func (c *EventCounter) Observe(typ eventbus.EventType) {
	if typ == "" {
		return
	}
	c.counterFor(typ).Add(1)
}

// Snapshot exposes a stable copy of the current counts.
func (c *EventCounter) Snapshot() map[eventbus.EventType]uint64 {
	out := make(map[eventbus.EventType]uint64)
	c.counts.Range(func(key, value any) bool {
		typ, ok := key.(eventbus.EventType)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		out[typ] = counter.Load()
		return true
	})
	return out
}

func (c *EventCounter) counterFor(typ eventbus.EventType) *atomic.Uint64 {
	if counter, ok := c.counts.Load(typ); ok {
		if typed, ok := counter.(*atomic.Uint64); ok && typed != nil {
			return typed
		}
	}
	newCounter := &atomic.Uint64{}
	actual, _ := c.counts.LoadOrStore(typ, newCounter)
	if typed, ok := actual.(*atomic.Uint64); ok && typed != nil {
		return typed
	}
	return newCounter
}
