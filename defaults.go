package livecache

import "time"

// Policy defaults. None of these were tuned against production traffic; every
// component takes them as overridable options.
const (
	DefaultDedupWindow      = 10 * time.Second
	DefaultDedupTTL         = 60 * time.Second
	DefaultDedupSweepAt     = 200
	DefaultDedupPrefixLen   = 100
	DefaultMemoTTL          = 300 * time.Second
	DefaultLookupAttempts   = 3
	DefaultLookupRetryStep  = time.Second
	DefaultRoleTimeout      = 5 * time.Second
	DefaultReconnectBase    = time.Second
	DefaultReconnectMax     = 30 * time.Second
	DefaultReconnectRetries = 5
)

// Coalesce returns def when v is the zero value of T - otherwise v.
func Coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
