package livecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for retry and caching decisions.
type Kind int

const (
	// KindUnknown is logged, surfaced as a generic failure, and never cached.
	KindUnknown Kind = iota
	// KindSession means the auth token or session is structurally broken.
	// It is cached as a definitive non-privileged result and never retried.
	KindSession
	// KindTimeout means an operation exceeded its suspension bound.
	KindTimeout
	// KindTransport is a channel-level disconnect handled by the reconnect controller.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

var (
	ErrSession   = errors.New("livecache: session rejected")
	ErrTimeout   = errors.New("livecache: operation timed out")
	ErrTransport = errors.New("livecache: transport failure")
	ErrClosed    = errors.New("livecache: closed")
)

// Error carries a Kind alongside the operation and key that failed.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Key != "" && e.Err != nil:
		return fmt.Sprintf("%s %q: %s: %v", e.Op, e.Key, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSession) and friends match on Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrSession:
		return e.Kind == KindSession
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrTransport:
		return e.Kind == KindTransport
	}
	return false
}

// sessionMarkers are substrings the backend puts in auth failures.
var sessionMarkers = []string{
	"JWT",
	"jwt expired",
	"invalid claim",
	"PGRST301",
	"PGRST302",
	"not authenticated",
	"refresh_token_not_found",
	"invalid refresh token",
}

// Classify maps an arbitrary error to a Kind. A nil error is KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	switch {
	case errors.Is(err, ErrSession):
		return KindSession
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrTransport):
		return KindTransport
	}
	msg := err.Error()
	for _, m := range sessionMarkers {
		if strings.Contains(msg, m) {
			return KindSession
		}
	}
	return KindUnknown
}

// Wrap attaches op/key context and the classified Kind to err.
func Wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), Op: op, Key: key, Err: err}
}
