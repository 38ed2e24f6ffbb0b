// Package asynchook moves hook calls off the realtime path.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{DuplicateEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	mgr, _ := realtime.NewManager(realtime.Options{Feed: feed, Hooks: hooks})
//
// Events are dropped when the queue is full; Dropped reports how many.
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/skybrasil/livecache"
)

type Hooks struct {
	inner   livecache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

var _ livecache.Hooks = (*Hooks)(nil)

func New(inner livecache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Calls after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	defer func() {
		// send on closed queue
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) DuplicateDropped(k, reason string) {
	h.try(func() { h.inner.DuplicateDropped(k, reason) })
}
func (h *Hooks) ChannelStatus(k, from, to string) {
	h.try(func() { h.inner.ChannelStatus(k, from, to) })
}
func (h *Hooks) ReconnectScheduled(k string, attempt int, d time.Duration) {
	h.try(func() { h.inner.ReconnectScheduled(k, attempt, d) })
}
func (h *Hooks) ReconnectExhausted(k string, attempts int) {
	h.try(func() { h.inner.ReconnectExhausted(k, attempts) })
}
func (h *Hooks) LookupRetry(ns string, attempt int, kind livecache.Kind) {
	h.try(func() { h.inner.LookupRetry(ns, attempt, kind) })
}
func (h *Hooks) LookupFailed(ns string, kind livecache.Kind) {
	h.try(func() { h.inner.LookupFailed(ns, kind) })
}
func (h *Hooks) QueriesInvalidated(rt string, n int) {
	h.try(func() { h.inner.QueriesInvalidated(rt, n) })
}
func (h *Hooks) GenBumpError(k string, err error) { h.try(func() { h.inner.GenBumpError(k, err) }) }
