// Package realtime owns one shared change-feed subscription per watched
// resource and reconciles it with local caches.
//
// For every change the manager drops duplicates of discrete events (dedup),
// invokes consumer callbacks in registration order, then marks the
// resource's dependent queries stale (fanout). A Controller reconnects
// channels that error or are closed by the server.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/skybrasil/livecache"
	"github.com/skybrasil/livecache/dedup"
	"github.com/skybrasil/livecache/fanout"
)

// Deduper is the slice of dedup.Cache the manager uses.
type Deduper interface {
	Check(e dedup.Event) (dup bool, reason string)
	MarkProcessed(e dedup.Event)
}

// Invalidator is the slice of fanout.Invalidator the manager uses.
type Invalidator interface {
	Invalidate(ctx context.Context, rt fanout.ResourceType) error
}

var (
	_ Deduper     = (*dedup.Cache)(nil)
	_ Invalidator = (*fanout.Invalidator)(nil)
)

var ErrUnknownResource = errors.New("realtime: resource is not subscribed")

type Options struct {
	// Required
	Feed Feed

	Dedup       Deduper     // nil => dedup.New with defaults
	Invalidator Invalidator // nil => no fan-out
	Reconnect   ReconnectPolicy

	Clock    livecache.Clock
	Logger   livecache.Logger
	Hooks    livecache.Hooks
	Notifier livecache.Notifier
}

type Manager struct {
	feed  Feed
	dedup Deduper
	inv   Invalidator
	ctrl  *Controller
	clock livecache.Clock
	log   livecache.Logger
	hooks livecache.Hooks

	dedupMu sync.Mutex // Check+MarkProcessed is one step

	mu       sync.Mutex
	channels map[string]*channel
	nextID   uint64
	closed   bool
}

// channel is the registry slot for one resource key.
type channel struct {
	res     Resource
	status  Status
	handles []*Handle // registration order
	sub     FeedSubscription
	conn    uint64 // bumped per connect; sink calls from older connections are ignored
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Feed == nil {
		return nil, fmt.Errorf("realtime: feed is required")
	}
	m := &Manager{
		feed:     opts.Feed,
		dedup:    opts.Dedup,
		inv:      opts.Invalidator,
		clock:    livecache.Coalesce[livecache.Clock](opts.Clock, livecache.SystemClock{}),
		log:      livecache.Coalesce[livecache.Logger](opts.Logger, livecache.NopLogger{}),
		hooks:    livecache.Coalesce[livecache.Hooks](opts.Hooks, livecache.NopHooks{}),
		channels: make(map[string]*channel),
	}
	if m.dedup == nil {
		m.dedup = dedup.New(dedup.Options{Clock: m.clock, Logger: m.log})
	}
	m.ctrl = NewController(m.reconnect, ControllerOptions{
		Policy:   opts.Reconnect,
		Clock:    m.clock,
		Logger:   m.log,
		Hooks:    m.hooks,
		Notifier: opts.Notifier,

		OnExhausted: m.exhausted,
	})
	return m, nil
}

// Controller exposes the reconnect controller (attempt counts, pending timers).
func (m *Manager) Controller() *Controller { return m.ctrl }

// Subscribe registers cb for res.Key. The first consumer opens the feed
// subscription; later consumers attach to it without another subscribe call.
// Transport failures are not returned: they surface as status changes and are
// retried by the controller.
func (m *Manager) Subscribe(ctx context.Context, res Resource, cb Callbacks) (*Handle, error) {
	if res.Key == "" {
		return nil, fmt.Errorf("realtime: resource key is required")
	}
	if res.Topic.Table == "" {
		return nil, fmt.Errorf("realtime: resource %q has no table", res.Key)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, livecache.ErrClosed
	}
	m.nextID++
	h := &Handle{key: res.Key, id: m.nextID, cb: cb}
	h.active.Store(true)

	ch, exists := m.channels[res.Key]
	if exists {
		ch.handles = append(ch.handles, h)
		status := ch.status
		m.mu.Unlock()

		m.log.Debug("consumer attached", livecache.Fields{"resource_key": res.Key, "status": status.String()})
		if cb.OnStatus != nil {
			cb.OnStatus(status)
		}
		return h, nil
	}

	ch = &channel{res: res, status: StatusConnecting, handles: []*Handle{h}}
	m.channels[res.Key] = ch
	m.mu.Unlock()

	m.hooks.ChannelStatus(res.Key, StatusIdle.String(), StatusConnecting.String())
	if cb.OnStatus != nil {
		cb.OnStatus(StatusConnecting)
	}
	m.connect(ctx, res.Key, ch)
	return h, nil
}

// Unsubscribe detaches h. Idempotent. The last consumer tears the channel
// down: the feed subscription is released and reconnect state forgotten.
func (m *Manager) Unsubscribe(h *Handle) {
	if h == nil || !h.active.CompareAndSwap(true, false) {
		return
	}

	m.mu.Lock()
	ch, ok := m.channels[h.key]
	if !ok {
		m.mu.Unlock()
		return
	}
	for i, x := range ch.handles {
		if x == h {
			ch.handles = append(ch.handles[:i], ch.handles[i+1:]...)
			break
		}
	}
	if len(ch.handles) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.channels, h.key)
	ch.conn++
	sub, prev := ch.sub, ch.status
	ch.sub, ch.status = nil, StatusIdle
	m.mu.Unlock()

	m.ctrl.Forget(h.key)
	m.release(h.key, sub)
	m.hooks.ChannelStatus(h.key, prev.String(), StatusIdle.String())
	m.log.Debug("channel torn down", livecache.Fields{"resource_key": h.key})
}

// Status returns the channel status for key (Idle when nobody watches it).
func (m *Manager) Status(key string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[key]; ok {
		return ch.status
	}
	return StatusIdle
}

// Info is a point-in-time view of one channel.
type Info struct {
	Key       string
	Status    Status
	Consumers int
	Attempts  int
	Exhausted bool
}

func (m *Manager) Info(key string) Info {
	m.mu.Lock()
	info := Info{Key: key, Status: StatusIdle}
	if ch, ok := m.channels[key]; ok {
		info.Status = ch.status
		info.Consumers = len(ch.handles)
	}
	m.mu.Unlock()
	info.Attempts = m.ctrl.Attempts(key)
	info.Exhausted = m.ctrl.Exhausted(key)
	return info
}

// ForceReconnect resets the retry budget for key and reconnects now.
func (m *Manager) ForceReconnect(ctx context.Context, key string) error {
	m.mu.Lock()
	_, ok := m.channels[key]
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return livecache.ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, key)
	}
	m.ctrl.ForceReconnect(ctx, key)
	return nil
}

// Close detaches every consumer and releases all feed subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	chans := m.channels
	m.channels = make(map[string]*channel)
	m.mu.Unlock()

	for key, ch := range chans {
		for _, h := range ch.handles {
			h.active.Store(false)
		}
		m.ctrl.Forget(key)
		m.release(key, ch.sub)
	}
}

func (m *Manager) connect(ctx context.Context, key string, ch *channel) {
	m.mu.Lock()
	ch.conn++
	conn := ch.conn
	topic := ch.res.Topic
	m.mu.Unlock()

	sink := Sink{
		OnChange: func(c Change) { m.deliver(key, conn, c) },
		OnStatus: func(s FeedStatus, err error) { m.feedStatus(key, conn, s, err) },
	}
	sub, err := m.feed.Subscribe(ctx, topic, sink)

	m.mu.Lock()
	if m.channels[key] != ch || ch.conn != conn {
		// torn down or reconnected while subscribing
		m.mu.Unlock()
		m.release(key, sub)
		return
	}
	if err == nil {
		ch.sub = sub
	}
	m.mu.Unlock()

	if err != nil {
		m.feedStatus(key, conn, FeedChannelError, err)
	}
}

// reconnect is the controller's ReconnectFunc.
func (m *Manager) reconnect(ctx context.Context, key string) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	old, prev := ch.sub, ch.status
	ch.sub, ch.status = nil, StatusConnecting
	handles := activeHandles(ch)
	m.mu.Unlock()

	m.release(key, old)
	m.emitStatus(key, prev, StatusConnecting, handles)
	m.connect(ctx, key, ch)
}

func (m *Manager) feedStatus(key string, conn uint64, fs FeedStatus, err error) {
	next := channelStatus(fs)

	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok || ch.conn != conn {
		m.mu.Unlock()
		return
	}
	prev := ch.status
	ch.status = next
	var dead FeedSubscription
	if next != StatusConnected {
		dead, ch.sub = ch.sub, nil
	}
	handles := activeHandles(ch)
	m.mu.Unlock()

	f := livecache.Fields{"resource_key": key, "feed_status": fs.String(), "status": next.String()}
	if err != nil {
		f["err"] = err.Error()
		f["kind"] = livecache.Classify(err).String()
	}
	if next == StatusConnected {
		m.log.Debug("channel status", f)
	} else {
		m.log.Warn("channel status", f)
	}

	m.release(key, dead)
	m.emitStatus(key, prev, next, handles)
	m.ctrl.OnStatusChange(key, next)
}

// exhausted parks key in StatusError once the retry budget is spent, also
// when the last failure was a server close.
func (m *Manager) exhausted(key string) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	prev := ch.status
	ch.status = StatusError
	handles := activeHandles(ch)
	m.mu.Unlock()

	m.emitStatus(key, prev, StatusError, handles)
}

func (m *Manager) deliver(key string, conn uint64, c Change) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok || ch.conn != conn {
		m.mu.Unlock()
		return
	}
	res := ch.res
	handles := activeHandles(ch)
	m.mu.Unlock()

	if res.Discrete != nil {
		if ev, discrete := res.Discrete(c); discrete {
			m.dedupMu.Lock()
			dup, reason := m.dedup.Check(ev)
			if !dup {
				m.dedup.MarkProcessed(ev)
			}
			m.dedupMu.Unlock()
			if dup {
				m.hooks.DuplicateDropped(key, reason)
				m.log.Debug("duplicate event dropped", livecache.Fields{"resource_key": key, "event_id": ev.ID, "reason": reason})
				return
			}
		}
	}

	ev := Event{ResourceKey: key, Change: c, ReceivedAt: m.clock.Now()}
	for _, h := range handles {
		if h.cb.OnEvent != nil && h.Active() {
			h.cb.OnEvent(ev)
		}
	}

	if m.inv != nil && res.Type != "" {
		if err := m.inv.Invalidate(context.Background(), res.Type); err != nil {
			m.log.Warn("fan-out failed", livecache.Fields{"resource_key": key, "resource_type": string(res.Type), "err": err.Error()})
		}
	}
}

func (m *Manager) emitStatus(key string, prev, next Status, handles []*Handle) {
	if prev == next {
		return
	}
	m.hooks.ChannelStatus(key, prev.String(), next.String())
	for _, h := range handles {
		if h.cb.OnStatus != nil && h.Active() {
			h.cb.OnStatus(next)
		}
	}
}

func (m *Manager) release(key string, sub FeedSubscription) {
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(context.Background()); err != nil {
		m.log.Debug("feed unsubscribe failed", livecache.Fields{"resource_key": key, "err": err.Error()})
	}
}

// activeHandles copies ch.handles; the caller holds m.mu.
func activeHandles(ch *channel) []*Handle {
	out := make([]*Handle, 0, len(ch.handles))
	for _, h := range ch.handles {
		if h.Active() {
			out = append(out, h)
		}
	}
	return out
}
