package memo

import (
	"time"

	"github.com/skybrasil/livecache"
)

// State of a key's lookup. Transitions are driven by an explicit loop:
//
//	Idle -> Retrying(0) -> ... -> Retrying(n) -> Succeeded | Failed
//
// Retrying(0) is the first try. A session error short-circuits to Succeeded
// with the configured SessionValue.
type State int

const (
	StateIdle State = iota
	StateRetrying
	StateFailed
	StateSucceeded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateSucceeded:
		return "succeeded"
	default:
		return "unknown"
	}
}

// CachedValue is a memoized value and when it was computed.
type CachedValue[V any] struct {
	Value      V
	ComputedAt time.Time
}

// Reasons carried by a Result when it is not a clean success.
const (
	ReasonSession      = "session"
	ReasonTimeout      = "timeout"
	ReasonLookupFailed = "lookup_failed"
	ReasonCanceled     = "canceled"
)

// Result is always renderable: on failure Value is the safe default (the zero
// value, or SessionValue for session errors) and Reason names the failure.
type Result[V any] struct {
	Value  V
	Cached bool // served without calling the lookup
	Reason string
	Kind   livecache.Kind
	Err    error
}

// OK reports a clean success (cached or fresh).
func (r Result[V]) OK() bool { return r.Reason == "" }

type keyStatus struct {
	state    State
	attempt  int
	notified bool
}
