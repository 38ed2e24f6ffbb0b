package asynchook

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/skybrasil/livecache"
)

type recorder struct {
	livecache.NopHooks
	mu     sync.Mutex
	events []string
	block  chan struct{}
}

func (r *recorder) add(s string) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) DuplicateDropped(k, reason string)   { r.add("dup:" + k + ":" + reason) }
func (r *recorder) ChannelStatus(k, from, to string)    { r.add("status:" + k + ":" + from + "->" + to) }
func (r *recorder) ReconnectExhausted(k string, _ int)  { r.add("exhausted:" + k) }
func (r *recorder) QueriesInvalidated(rt string, _ int) { r.add("invalidated:" + rt) }

func TestDeliversInOrderWithOneWorker(t *testing.T) {
	rec := &recorder{}
	h := New(rec, 1, 16)
	h.DuplicateDropped("messages:u1", "id")
	h.ChannelStatus("messages:u1", "connecting", "connected")
	h.QueriesInvalidated("messages", 3)
	h.ReconnectExhausted("messages:u1", 5)
	h.Close()

	want := []string{
		"dup:messages:u1:id",
		"status:messages:u1:connecting->connected",
		"invalidated:messages",
		"exhausted:messages:u1",
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if h.Dropped() != 0 {
		t.Fatalf("dropped=%d", h.Dropped())
	}
}

func TestDropsWhenFull(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	h := New(rec, 1, 1)

	h.DuplicateDropped("a", "id")
	// wait for the worker to pick up the first event and block on it
	deadline := time.Now().Add(time.Second)
	for len(h.q) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.DuplicateDropped("b", "id") // queued
	h.DuplicateDropped("c", "id") // dropped

	close(rec.block)
	h.Close()

	if h.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", h.Dropped())
	}
	if len(rec.events) != 2 {
		t.Fatalf("events=%v", rec.events)
	}
}

func TestCallAfterCloseIsDropped(t *testing.T) {
	h := New(livecache.NopHooks{}, 2, 4)
	h.Close()
	h.Close()
	h.GenBumpError("k", nil)
	if h.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", h.Dropped())
	}
}
