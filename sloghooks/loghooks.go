package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skybrasil/livecache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	DuplicateEvery uint64
	RetryEvery     uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	// Resource and query keys often embed user IDs.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	dupCtr   atomic.Uint64
	retryCtr atomic.Uint64
}

var _ livecache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) DuplicateDropped(resourceKey, reason string) {
	if h.l == nil || !sample(h.opts.DuplicateEvery, &h.dupCtr) {
		return
	}
	h.l.Debug("livecache.duplicate_dropped",
		"key", h.redact(resourceKey),
		"reason", reason)
}

func (h *Hooks) ChannelStatus(resourceKey, from, to string) {
	if h.l == nil {
		return
	}
	h.l.Info("livecache.channel_status",
		"key", h.redact(resourceKey),
		"from", from,
		"to", to)
}

func (h *Hooks) ReconnectScheduled(resourceKey string, attempt int, delay time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Info("livecache.reconnect_scheduled",
		"key", h.redact(resourceKey),
		"attempt", attempt,
		"delay_ms", delay.Milliseconds())
}

func (h *Hooks) ReconnectExhausted(resourceKey string, attempts int) {
	if h.l == nil {
		return
	}
	h.l.Error("livecache.reconnect_exhausted",
		"key", h.redact(resourceKey),
		"attempts", attempts)
}

func (h *Hooks) LookupRetry(ns string, attempt int, kind livecache.Kind) {
	if h.l == nil || !sample(h.opts.RetryEvery, &h.retryCtr) {
		return
	}
	h.l.Debug("livecache.lookup_retry",
		"ns", ns,
		"attempt", attempt,
		"kind", kind.String())
}

func (h *Hooks) LookupFailed(ns string, kind livecache.Kind) {
	if h.l == nil {
		return
	}
	h.l.Warn("livecache.lookup_failed",
		"ns", ns,
		"kind", kind.String())
}

func (h *Hooks) QueriesInvalidated(resourceType string, count int) {
	if h.l == nil {
		return
	}
	h.l.Debug("livecache.queries_invalidated",
		"resource_type", resourceType,
		"count", count)
}

func (h *Hooks) GenBumpError(queryKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("livecache.gen_bump_error",
		"key", h.redact(queryKey),
		"err", err)
}
