package livecache

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; components call them
// while processing realtime traffic. Wrap slow sinks in hooks/async.
type Hooks interface {
	// A realtime notification was dropped as a duplicate.
	// reason ∈ {"id", "content", "no_id"}
	DuplicateDropped(resourceKey, reason string)

	// A channel moved between lifecycle states.
	ChannelStatus(resourceKey, from, to string)

	// A reconnect attempt was scheduled after delay.
	ReconnectScheduled(resourceKey string, attempt int, delay time.Duration)

	// The retry budget for a channel ran out; no further automatic attempts.
	ReconnectExhausted(resourceKey string, attempts int)

	// A memoized lookup failed and will be retried.
	LookupRetry(namespace string, attempt int, kind Kind)

	// A memoized lookup exhausted its attempts or hit a session error.
	LookupFailed(namespace string, kind Kind)

	// Dependent queries were marked stale.
	QueriesInvalidated(resourceType string, count int)

	// A generation bump for a query key failed.
	GenBumpError(queryKey string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) DuplicateDropped(string, string)               {}
func (NopHooks) ChannelStatus(string, string, string)          {}
func (NopHooks) ReconnectScheduled(string, int, time.Duration) {}
func (NopHooks) ReconnectExhausted(string, int)                {}
func (NopHooks) LookupRetry(string, int, Kind)                 {}
func (NopHooks) LookupFailed(string, Kind)                     {}
func (NopHooks) QueriesInvalidated(string, int)                {}
func (NopHooks) GenBumpError(string, error)                    {}

// MultiHooks forwards every event to each hook in order.
type MultiHooks []Hooks

var _ Hooks = MultiHooks(nil)

func (m MultiHooks) DuplicateDropped(k, reason string) {
	for _, h := range m {
		h.DuplicateDropped(k, reason)
	}
}

func (m MultiHooks) ChannelStatus(k, from, to string) {
	for _, h := range m {
		h.ChannelStatus(k, from, to)
	}
}

func (m MultiHooks) ReconnectScheduled(k string, attempt int, delay time.Duration) {
	for _, h := range m {
		h.ReconnectScheduled(k, attempt, delay)
	}
}

func (m MultiHooks) ReconnectExhausted(k string, attempts int) {
	for _, h := range m {
		h.ReconnectExhausted(k, attempts)
	}
}

func (m MultiHooks) LookupRetry(ns string, attempt int, kind Kind) {
	for _, h := range m {
		h.LookupRetry(ns, attempt, kind)
	}
}

func (m MultiHooks) LookupFailed(ns string, kind Kind) {
	for _, h := range m {
		h.LookupFailed(ns, kind)
	}
}

func (m MultiHooks) QueriesInvalidated(rt string, n int) {
	for _, h := range m {
		h.QueriesInvalidated(rt, n)
	}
}

func (m MultiHooks) GenBumpError(k string, err error) {
	for _, h := range m {
		h.GenBumpError(k, err)
	}
}
