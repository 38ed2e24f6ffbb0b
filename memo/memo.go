// Package memo is a per-key TTL memoization cache for derived values such as
// "is this user an admin" or a profile snapshot.
//
// Reads within TTL of the computation return the cached value; older entries
// are logically absent (no eviction goroutine). Concurrent lookups for one key
// are collapsed with singleflight. Failures run through a bounded, linear
// backoff retry loop; session errors are cached as SessionValue and never retried.
//
// An optional Provider adds a shared tier (Redis, ristretto, bigcache). Frames
// carry the original computed-at stamp, so TTL is measured from the lookup on
// every replica.
package memo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/skybrasil/livecache"
	c "github.com/skybrasil/livecache/codec"
	"github.com/skybrasil/livecache/internal/wire"
	pr "github.com/skybrasil/livecache/provider"
)

// Lookup computes the value for key. ctx carries the per-attempt timeout.
type Lookup[V any] func(ctx context.Context, key string) (V, error)

type Options[V any] struct {
	// Required
	Namespace string // e.g. "admin-role", "profile"

	TTL          time.Duration // 0 => 300s
	MaxAttempts  int           // 0 => 3
	RetryStep    time.Duration // delay before retry n is n*RetryStep; 0 => 1s
	Timeout      time.Duration // per attempt; 0 => 5s
	SessionValue V             // cached when a lookup fails with a session error

	// Optional shared tier. Codec is required when Provider is set.
	Provider pr.Provider
	Codec    c.Codec[V]

	Clock    livecache.Clock
	Logger   livecache.Logger
	Hooks    livecache.Hooks
	Notifier livecache.Notifier
}

type Cache[V any] struct {
	ns           string
	ttl          time.Duration
	maxAttempts  int
	retryStep    time.Duration
	timeout      time.Duration
	sessionValue V

	provider pr.Provider
	codec    c.Codec[V]

	clock  livecache.Clock
	log    livecache.Logger
	hooks  livecache.Hooks
	notify livecache.Notifier

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]CachedValue[V]
	status  map[string]keyStatus
	last    string // last key that completed a successful lookup
	hasLast bool
	epoch   uint64    // bumped by Clear; results from an older epoch are discarded
	cleared time.Time // shared frames computed at or before this are ignored
}

var _ livecache.Clearer = (*Cache[bool])(nil)

func New[V any](opts Options[V]) (*Cache[V], error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("memo: namespace is required")
	}
	if opts.Provider != nil && opts.Codec == nil {
		return nil, fmt.Errorf("memo: codec is required with a provider")
	}
	return &Cache[V]{
		ns:           opts.Namespace,
		ttl:          livecache.Coalesce(opts.TTL, livecache.DefaultMemoTTL),
		maxAttempts:  livecache.Coalesce(opts.MaxAttempts, livecache.DefaultLookupAttempts),
		retryStep:    livecache.Coalesce(opts.RetryStep, livecache.DefaultLookupRetryStep),
		timeout:      livecache.Coalesce(opts.Timeout, livecache.DefaultRoleTimeout),
		sessionValue: opts.SessionValue,
		provider:     opts.Provider,
		codec:        opts.Codec,
		clock:        livecache.Coalesce[livecache.Clock](opts.Clock, livecache.SystemClock{}),
		log:          livecache.Coalesce[livecache.Logger](opts.Logger, livecache.NopLogger{}),
		hooks:        livecache.Coalesce[livecache.Hooks](opts.Hooks, livecache.NopHooks{}),
		notify:       livecache.Coalesce[livecache.Notifier](opts.Notifier, livecache.NopNotifier{}),
		entries:      make(map[string]CachedValue[V]),
		status:       make(map[string]keyStatus),
	}, nil
}

func (m *Cache[V]) Namespace() string { return m.ns }

// Get returns the value only if it was computed less than TTL ago.
func (m *Cache[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok || !m.fresh(e.ComputedAt) {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Set stores value as freshly computed and writes it through to the shared tier.
func (m *Cache[V]) Set(key string, value V) {
	m.mu.Lock()
	cv := m.storeLocked(key, value)
	m.mu.Unlock()
	m.writeShared(context.Background(), key, cv)
}

// LastChecked returns the marker left by the most recent successful lookup.
func (m *Cache[V]) LastChecked() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast
}

// State reports the lookup state of key and, while retrying, the retry number.
func (m *Cache[V]) State(key string) (State, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[key]
	if !ok {
		return StateIdle, 0
	}
	return st.state, st.attempt
}

// Invalidate drops key from both tiers so the next Do performs a lookup.
func (m *Cache[V]) Invalidate(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	delete(m.status, key)
	if m.hasLast && m.last == key {
		m.last, m.hasLast = "", false
	}
	m.mu.Unlock()
	if m.provider == nil {
		return nil
	}
	return m.provider.Del(ctx, m.storageKey(key))
}

// Clear resets the local tier (sign-out) and stops trusting shared frames
// computed up to now. In-flight lookups started before Clear complete for their
// callers but do not repopulate the cache.
func (m *Cache[V]) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]CachedValue[V])
	m.status = make(map[string]keyStatus)
	m.last, m.hasLast = "", false
	m.epoch++
	m.cleared = m.clock.Now()
	m.mu.Unlock()
}

// Do returns the cached value for key or computes it with fn. Concurrent calls
// for the same key share one lookup. Cancelling ctx abandons the wait (Reason
// "canceled", Kind timeout) without cancelling the shared lookup.
func (m *Cache[V]) Do(ctx context.Context, key string, fn Lookup[V]) Result[V] {
	if v, ok := m.cached(ctx, key); ok {
		return Result[V]{Value: v, Cached: true}
	}

	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	base := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		// another flight may have landed between our miss and this call
		if v, ok := m.Get(key); ok {
			return Result[V]{Value: v, Cached: true}, nil
		}
		return m.compute(base, key, fn, epoch), nil
	})

	select {
	case r := <-ch:
		return r.Val.(Result[V])
	case <-ctx.Done():
		var zero V
		return Result[V]{Value: zero, Reason: ReasonCanceled, Kind: livecache.KindTimeout, Err: ctx.Err()}
	}
}

func (m *Cache[V]) cached(ctx context.Context, key string) (V, bool) {
	m.mu.Lock()
	if m.hasLast && m.last == key {
		if e, ok := m.entries[key]; ok && m.fresh(e.ComputedAt) {
			m.mu.Unlock()
			return e.Value, true
		}
	}
	m.mu.Unlock()

	if v, ok := m.Get(key); ok {
		return v, true
	}
	return m.readShared(ctx, key)
}

func (m *Cache[V]) compute(base context.Context, key string, fn Lookup[V], epoch uint64) Result[V] {
	var (
		lastErr error
		kind    livecache.Kind
	)
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			m.hooks.LookupRetry(m.ns, attempt, kind)
			m.log.Debug("memo lookup retry", livecache.Fields{"ns": m.ns, "key": key, "attempt": attempt, "kind": kind.String()})
			if err := m.sleep(base, time.Duration(attempt)*m.retryStep); err != nil {
				break
			}
		}
		m.setState(key, epoch, StateRetrying, attempt)

		actx, cancel := context.WithTimeout(base, m.timeout)
		v, err := fn(actx, key)
		cancel()

		if err == nil {
			m.succeed(key, v, epoch)
			return Result[V]{Value: v}
		}
		lastErr, kind = err, livecache.Classify(err)
		if kind == livecache.KindSession {
			m.hooks.LookupFailed(m.ns, kind)
			m.log.Warn("memo lookup rejected by session; caching session value", livecache.Fields{"ns": m.ns, "key": key, "err": err.Error()})
			m.succeed(key, m.sessionValue, epoch)
			return Result[V]{Value: m.sessionValue, Reason: ReasonSession, Kind: kind, Err: err}
		}
	}

	reason := ReasonLookupFailed
	if kind == livecache.KindTimeout {
		reason = ReasonTimeout
	}
	m.fail(key, epoch, kind, lastErr)
	var zero V
	return Result[V]{Value: zero, Reason: reason, Kind: kind, Err: lastErr}
}

func (m *Cache[V]) succeed(key string, v V, epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.log.Debug("memo result dropped (cleared during lookup)", livecache.Fields{"ns": m.ns, "key": key})
		return
	}
	cv := m.storeLocked(key, v)
	m.mu.Unlock()
	m.writeShared(context.Background(), key, cv)
}

func (m *Cache[V]) fail(key string, epoch uint64, kind livecache.Kind, err error) {
	m.hooks.LookupFailed(m.ns, kind)
	m.log.Error("memo lookup failed", livecache.Fields{"ns": m.ns, "key": key, "kind": kind.String(), "attempts": m.maxAttempts, "err": errString(err)})

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	st := m.status[key]
	first := !st.notified
	m.status[key] = keyStatus{state: StateFailed, attempt: m.maxAttempts - 1, notified: true}
	m.mu.Unlock()

	if first {
		m.notify.Notify(livecache.Notice{
			Severity: livecache.SeverityError,
			Key:      key,
			Title:    "Lookup failed",
			Message:  fmt.Sprintf("%s check failed after %d attempts", m.ns, m.maxAttempts),
		})
	}
}

func (m *Cache[V]) setState(key string, epoch uint64, s State, attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	st := m.status[key]
	st.state, st.attempt = s, attempt
	m.status[key] = st
}

// storeLocked writes the local tier; the caller holds m.mu.
func (m *Cache[V]) storeLocked(key string, v V) CachedValue[V] {
	cv := CachedValue[V]{Value: v, ComputedAt: m.clock.Now()}
	m.entries[key] = cv
	m.status[key] = keyStatus{state: StateSucceeded}
	m.last, m.hasLast = key, true
	return cv
}

func (m *Cache[V]) fresh(computedAt time.Time) bool {
	return m.clock.Now().Sub(computedAt) < m.ttl
}

func (m *Cache[V]) storageKey(key string) string {
	return "memo:" + m.ns + ":" + key
}

func (m *Cache[V]) writeShared(ctx context.Context, key string, cv CachedValue[V]) {
	if m.provider == nil {
		return
	}
	payload, err := m.codec.Encode(cv.Value)
	if err != nil {
		m.log.Warn("memo encode failed", livecache.Fields{"ns": m.ns, "key": key, "codec": m.codec.Name(), "err": err.Error()})
		return
	}
	frame, err := wire.EncodeValue(cv.ComputedAt, m.codec.Name(), payload)
	if err != nil {
		m.log.Warn("memo frame failed", livecache.Fields{"ns": m.ns, "key": key, "err": err.Error()})
		return
	}
	sk := m.storageKey(key)
	ok, err := m.provider.Set(ctx, sk, frame, int64(len(frame)), m.ttl)
	if err != nil {
		m.log.Warn("memo shared write failed", livecache.Fields{"ns": m.ns, "key": key, "err": err.Error()})
		return
	}
	if !ok {
		m.log.Debug("memo shared write rejected by provider (pressure)", livecache.Fields{"ns": m.ns, "key": key})
	}
}

func (m *Cache[V]) readShared(ctx context.Context, key string) (V, bool) {
	var zero V
	if m.provider == nil {
		return zero, false
	}
	m.mu.Lock()
	epoch, cleared := m.epoch, m.cleared
	m.mu.Unlock()

	sk := m.storageKey(key)
	raw, ok, err := m.provider.Get(ctx, sk)
	if err != nil {
		m.log.Warn("memo shared read failed", livecache.Fields{"ns": m.ns, "key": key, "err": err.Error()})
		return zero, false
	}
	if !ok {
		return zero, false
	}
	fr, err := wire.DecodeValue(raw, m.codec.Name())
	if err != nil {
		_ = m.provider.Del(ctx, sk) // self-heal corrupt or foreign entry
		return zero, false
	}
	if !m.fresh(fr.ComputedAt) || !fr.ComputedAt.After(cleared) {
		return zero, false
	}
	v, err := m.codec.Decode(fr.Payload)
	if err != nil {
		_ = m.provider.Del(ctx, sk)
		return zero, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return zero, false
	}
	m.entries[key] = CachedValue[V]{Value: v, ComputedAt: fr.ComputedAt}
	return v, true
}

// sleep waits d on the cache's clock.
func (m *Cache[V]) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	t := m.clock.AfterFunc(d, func() { close(done) })
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsSession reports whether r was resolved by a session error.
func IsSession[V any](r Result[V]) bool {
	return r.Reason == ReasonSession || errors.Is(r.Err, livecache.ErrSession)
}
