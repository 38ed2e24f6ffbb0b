// Package promhooks exports livecache hook events as Prometheus metrics.
// Resource keys are not used as labels; they embed user IDs and would
// explode cardinality. Labels are the resource type (the key's prefix up to
// ':'), cache namespace, reason and kind.
package promhooks

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skybrasil/livecache"
)

type Hooks struct {
	registry *prometheus.Registry

	duplicates   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	backoff      *prometheus.HistogramVec
	exhausted    *prometheus.CounterVec
	retries      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	invalidated  *prometheus.CounterVec
	bumpFailures prometheus.Counter
}

var _ livecache.Hooks = (*Hooks)(nil)

// New registers the collectors on a fresh registry.
func New(namespace string) *Hooks {
	if namespace == "" {
		namespace = "livecache"
	}
	h := &Hooks{registry: prometheus.NewRegistry()}

	h.duplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "dropped_total",
			Help:      "Realtime notifications dropped as duplicates",
		},
		[]string{"resource", "reason"},
	)
	h.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "transitions_total",
			Help:      "Channel lifecycle transitions by target status",
		},
		[]string{"resource", "status"},
	)
	h.reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled",
		},
		[]string{"resource"},
	)
	h.backoff = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay before a reconnect attempt",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to 64s
		},
		[]string{"resource"},
	)
	h.exhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnects_exhausted_total",
			Help:      "Channels that ran out of automatic reconnect attempts",
		},
		[]string{"resource"},
	)
	h.retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memo",
			Name:      "lookup_retries_total",
			Help:      "Memoized lookups retried after a failure",
		},
		[]string{"namespace", "kind"},
	)
	h.failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memo",
			Name:      "lookup_failures_total",
			Help:      "Memoized lookups that failed terminally",
		},
		[]string{"namespace", "kind"},
	)
	h.invalidated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "queries_invalidated_total",
			Help:      "Dependent queries marked stale by resource type",
		},
		[]string{"resource_type"},
	)
	h.bumpFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "gen_bump_errors_total",
			Help:      "Generation bumps that failed",
		},
	)

	h.registry.MustRegister(
		h.duplicates,
		h.transitions,
		h.reconnects,
		h.backoff,
		h.exhausted,
		h.retries,
		h.failures,
		h.invalidated,
		h.bumpFailures,
	)
	return h
}

// Registry returns the registry for exposition.
func (h *Hooks) Registry() *prometheus.Registry {
	return h.registry
}

// resourceLabel trims a resource key ("messages:user-1") to its type.
func resourceLabel(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

func (h *Hooks) DuplicateDropped(resourceKey, reason string) {
	h.duplicates.WithLabelValues(resourceLabel(resourceKey), reason).Inc()
}

func (h *Hooks) ChannelStatus(resourceKey, _, to string) {
	h.transitions.WithLabelValues(resourceLabel(resourceKey), to).Inc()
}

func (h *Hooks) ReconnectScheduled(resourceKey string, _ int, delay time.Duration) {
	r := resourceLabel(resourceKey)
	h.reconnects.WithLabelValues(r).Inc()
	h.backoff.WithLabelValues(r).Observe(delay.Seconds())
}

func (h *Hooks) ReconnectExhausted(resourceKey string, _ int) {
	h.exhausted.WithLabelValues(resourceLabel(resourceKey)).Inc()
}

func (h *Hooks) LookupRetry(ns string, _ int, kind livecache.Kind) {
	h.retries.WithLabelValues(ns, kind.String()).Inc()
}

func (h *Hooks) LookupFailed(ns string, kind livecache.Kind) {
	h.failures.WithLabelValues(ns, kind.String()).Inc()
}

func (h *Hooks) QueriesInvalidated(resourceType string, count int) {
	h.invalidated.WithLabelValues(resourceType).Add(float64(count))
}

func (h *Hooks) GenBumpError(string, error) {
	h.bumpFailures.Inc()
}
