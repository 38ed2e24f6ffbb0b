package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skybrasil/livecache"
	"github.com/skybrasil/livecache/fanout"
)

type fakeSub struct {
	topic        Topic
	sink         Sink
	unsubscribed atomic.Bool
}

func (s *fakeSub) Unsubscribe(context.Context) error {
	s.unsubscribed.Store(true)
	return nil
}

// fakeFeed records subscriptions. With ack set, it reports SUBSCRIBED
// synchronously from Subscribe.
type fakeFeed struct {
	mu   sync.Mutex
	subs []*fakeSub
	err  error
	ack  bool
}

func (f *fakeFeed) Subscribe(_ context.Context, topic Topic, sink Sink) (FeedSubscription, error) {
	f.mu.Lock()
	if f.err != nil {
		err := f.err
		f.subs = append(f.subs, nil)
		f.mu.Unlock()
		return nil, err
	}
	s := &fakeSub{topic: topic, sink: sink}
	f.subs = append(f.subs, s)
	ack := f.ack
	f.mu.Unlock()
	if ack {
		sink.OnStatus(FeedSubscribed, nil)
	}
	return s, nil
}

func (f *fakeFeed) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeFeed) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

func (f *fakeFeed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFeed) setAck(ack bool) {
	f.mu.Lock()
	f.ack = ack
	f.mu.Unlock()
}

type recordingInvalidator struct {
	mu  sync.Mutex
	log *[]string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, rt fanout.ResourceType) error {
	r.mu.Lock()
	*r.log = append(*r.log, "invalidate:"+string(rt))
	r.mu.Unlock()
	return nil
}

type recordingHooks struct {
	livecache.NopHooks
	mu        sync.Mutex
	dups      []string
	delays    []time.Duration
	exhausted int
}

func (h *recordingHooks) DuplicateDropped(_ string, reason string) {
	h.mu.Lock()
	h.dups = append(h.dups, reason)
	h.mu.Unlock()
}

func (h *recordingHooks) ReconnectScheduled(_ string, _ int, d time.Duration) {
	h.mu.Lock()
	h.delays = append(h.delays, d)
	h.mu.Unlock()
}

func (h *recordingHooks) ReconnectExhausted(string, int) {
	h.mu.Lock()
	h.exhausted++
	h.mu.Unlock()
}

type noticeCounter struct{ n atomic.Int32 }

func (c *noticeCounter) Notify(livecache.Notice) { c.n.Add(1) }
