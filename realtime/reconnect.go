package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/skybrasil/livecache"
)

// ReconnectFunc re-establishes the channel for key. It is called without any
// controller lock held.
type ReconnectFunc func(ctx context.Context, key string)

type ReconnectPolicy struct {
	Base        time.Duration // 0 => 1s
	Max         time.Duration // 0 => 30s
	MaxAttempts int           // 0 => 5
}

type ControllerOptions struct {
	Policy   ReconnectPolicy
	Clock    livecache.Clock
	Logger   livecache.Logger
	Hooks    livecache.Hooks
	Notifier livecache.Notifier

	// OnExhausted runs once when key spends its budget, without any
	// controller lock held.
	OnExhausted func(key string)
}

// Controller schedules reconnect attempts with exponential backoff
// (min(Base*2^attempt, Max)), at most one pending timer per key, and stops
// after MaxAttempts realized attempts until ForceReconnect.
type Controller struct {
	policy    ReconnectPolicy
	clock     livecache.Clock
	log       livecache.Logger
	hooks     livecache.Hooks
	notify    livecache.Notifier
	reconnect ReconnectFunc
	exhaust   func(key string)

	mu    sync.Mutex
	state map[string]*retryState
	seq   uint64 // last timer id handed out; never reused, even across Forget
}

type retryState struct {
	attempts  int
	exhausted bool
	timer     livecache.Timer
	seq       uint64 // id of the pending timer; stale fires are ignored
	bo        *backoff.ExponentialBackOff
}

func NewController(reconnect ReconnectFunc, opts ControllerOptions) *Controller {
	p := opts.Policy
	p.Base = livecache.Coalesce(p.Base, livecache.DefaultReconnectBase)
	p.Max = livecache.Coalesce(p.Max, livecache.DefaultReconnectMax)
	p.MaxAttempts = livecache.Coalesce(p.MaxAttempts, livecache.DefaultReconnectRetries)
	return &Controller{
		policy:    p,
		clock:     livecache.Coalesce[livecache.Clock](opts.Clock, livecache.SystemClock{}),
		log:       livecache.Coalesce[livecache.Logger](opts.Logger, livecache.NopLogger{}),
		hooks:     livecache.Coalesce[livecache.Hooks](opts.Hooks, livecache.NopHooks{}),
		notify:    livecache.Coalesce[livecache.Notifier](opts.Notifier, livecache.NopNotifier{}),
		reconnect: reconnect,
		exhaust:   opts.OnExhausted,
		state:     make(map[string]*retryState),
	}
}

func (c *Controller) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.policy.Base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = c.policy.Max
	bo.Reset()
	return bo
}

func (c *Controller) stateLocked(key string) *retryState {
	st, ok := c.state[key]
	if !ok {
		st = &retryState{bo: c.newBackOff()}
		c.state[key] = st
	}
	return st
}

// OnStatusChange feeds a channel transition into the controller.
// Connected resets the attempt counter silently. Error and Disconnected
// schedule a reconnect unless one is already pending or the budget is spent.
func (c *Controller) OnStatusChange(key string, s Status) {
	switch s {
	case StatusConnected:
		c.mu.Lock()
		st := c.stateLocked(key)
		c.resetLocked(st)
		c.mu.Unlock()
	case StatusError, StatusDisconnected:
		c.schedule(key)
	}
}

func (c *Controller) schedule(key string) {
	c.mu.Lock()
	st := c.stateLocked(key)
	if st.timer != nil || st.exhausted {
		c.mu.Unlock()
		return
	}
	if st.attempts >= c.policy.MaxAttempts {
		st.exhausted = true
		attempts := st.attempts
		c.mu.Unlock()

		c.hooks.ReconnectExhausted(key, attempts)
		c.log.Error("reconnect budget exhausted", livecache.Fields{"resource_key": key, "attempts": attempts})
		c.notify.Notify(livecache.Notice{
			Severity: livecache.SeverityError,
			Key:      key,
			Title:    "Connection lost",
			Message:  fmt.Sprintf("Live updates stopped after %d reconnect attempts", attempts),
		})
		if c.exhaust != nil {
			c.exhaust(key)
		}
		return
	}

	delay := st.bo.NextBackOff()
	c.seq++
	seq := c.seq
	st.seq = seq
	attempt := st.attempts + 1
	st.timer = c.clock.AfterFunc(delay, func() { c.fire(key, seq) })
	c.mu.Unlock()

	c.hooks.ReconnectScheduled(key, attempt, delay)
	c.log.Info("reconnect scheduled", livecache.Fields{"resource_key": key, "attempt": attempt, "delay_ms": delay.Milliseconds()})
}

func (c *Controller) fire(key string, seq uint64) {
	c.mu.Lock()
	st, ok := c.state[key]
	if !ok || st.timer == nil || st.seq != seq {
		c.mu.Unlock()
		return
	}
	st.timer = nil
	st.attempts++
	c.mu.Unlock()

	c.reconnect(context.Background(), key)
}

// ForceReconnect resets the attempt counter, cancels any pending timer and
// reconnects immediately, also after the budget was exhausted.
func (c *Controller) ForceReconnect(ctx context.Context, key string) {
	c.mu.Lock()
	st := c.stateLocked(key)
	c.resetLocked(st)
	c.mu.Unlock()

	c.log.Info("forced reconnect", livecache.Fields{"resource_key": key})
	c.reconnect(ctx, key)
}

// Forget drops all state for key (the channel went idle).
func (c *Controller) Forget(key string) {
	c.mu.Lock()
	if st, ok := c.state[key]; ok {
		c.stopLocked(st)
		delete(c.state, key)
	}
	c.mu.Unlock()
}

// Attempts returns the realized reconnect attempts since the last reset.
func (c *Controller) Attempts(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.state[key]; ok {
		return st.attempts
	}
	return 0
}

// Pending reports whether a reconnect timer is scheduled for key.
func (c *Controller) Pending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[key]
	return ok && st.timer != nil
}

// Exhausted reports whether key hit the retry budget.
func (c *Controller) Exhausted(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[key]
	return ok && st.exhausted
}

func (c *Controller) resetLocked(st *retryState) {
	c.stopLocked(st)
	st.attempts = 0
	st.exhausted = false
	st.bo.Reset()
}

func (c *Controller) stopLocked(st *retryState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.seq = 0
}
