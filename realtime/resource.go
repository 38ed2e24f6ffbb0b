package realtime

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/skybrasil/livecache/dedup"
	"github.com/skybrasil/livecache/fanout"
)

// Resource describes one watched backend resource.
type Resource struct {
	// Key identifies the shared channel, e.g. "messages:42".
	Key   string
	Topic Topic
	// Type selects the dependent queries invalidated on every change.
	// Empty disables fan-out.
	Type fanout.ResourceType
	// Discrete extracts a dedup event from changes that represent discrete
	// occurrences (a new message). Nil, or ok=false, skips deduplication.
	Discrete func(Change) (dedup.Event, bool)
}

// Event is a normalized change delivered to consumers.
type Event struct {
	ResourceKey string
	Change      Change
	ReceivedAt  time.Time
}

// Callbacks are one consumer's handlers. Both are optional.
type Callbacks struct {
	OnEvent  func(Event)
	OnStatus func(Status)
}

// Handle is a consumer's registration. Once unsubscribed, Active is false and
// no further callbacks reach it.
type Handle struct {
	key    string
	id     uint64
	cb     Callbacks
	active atomic.Bool
}

func (h *Handle) Key() string  { return h.key }
func (h *Handle) Active() bool { return h.active.Load() }

// InsertsByColumns builds a Discrete extractor for INSERT changes: the event
// ID is the idCol value, Scope the scopeCol value and Payload the payloadCol
// value. A missing ID yields an empty ID, which deduplication treats as a
// duplicate.
func InsertsByColumns(idCol, scopeCol, payloadCol string) func(Change) (dedup.Event, bool) {
	return func(c Change) (dedup.Event, bool) {
		if c.Type != "INSERT" {
			return dedup.Event{}, false
		}
		return dedup.Event{
			ID:      column(c.Record, idCol),
			Scope:   column(c.Record, scopeCol),
			Payload: column(c.Record, payloadCol),
		}, true
	}
}

func column(rec map[string]any, name string) string {
	if name == "" || rec == nil {
		return ""
	}
	v, ok := rec[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
