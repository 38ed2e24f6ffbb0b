package realtime

import (
	"context"
	"fmt"
	"time"
)

// Topic selects row changes on one table, optionally filtered by a predicate
// such as "conversation_id=eq.42".
type Topic struct {
	Schema string // "" => "public"
	Table  string
	Event  string // INSERT, UPDATE, DELETE or "*" ("" => "*")
	Filter string
}

func (t Topic) String() string {
	s := fmt.Sprintf("%s:%s:%s", t.SchemaOrDefault(), t.Table, t.EventOrDefault())
	if t.Filter != "" {
		s += ":" + t.Filter
	}
	return s
}

func (t Topic) SchemaOrDefault() string {
	if t.Schema == "" {
		return "public"
	}
	return t.Schema
}

func (t Topic) EventOrDefault() string {
	if t.Event == "" {
		return "*"
	}
	return t.Event
}

// Change is one row change pushed by the feed.
type Change struct {
	Schema          string
	Table           string
	Type            string // INSERT, UPDATE, DELETE
	Record          map[string]any
	OldRecord       map[string]any
	CommitTimestamp time.Time
}

// Sink receives a feed subscription's traffic. Calls for one subscription are
// serialized by the feed and arrive in transport order.
type Sink struct {
	OnChange func(Change)
	OnStatus func(FeedStatus, error)
}

// FeedSubscription is a live change-feed subscription.
type FeedSubscription interface {
	Unsubscribe(ctx context.Context) error
}

// Feed is the backend change-feed. Subscribe returns once the subscribe
// request is issued; the outcome is reported through sink.OnStatus.
type Feed interface {
	Subscribe(ctx context.Context, topic Topic, sink Sink) (FeedSubscription, error)
}
