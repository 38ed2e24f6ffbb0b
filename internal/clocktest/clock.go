// Package clocktest provides a manually advanced livecache.Clock.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/skybrasil/livecache"
)

// Clock only moves when Advance or Set is called. Timers due at or before the
// new instant fire synchronously, in deadline order, on the advancing goroutine.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*timer
}

var _ livecache.Clock = (*Clock)(nil)

type timer struct {
	c       *Clock
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// New returns a clock starting at start (Unix epoch when zero).
func New(start time.Time) *Clock {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) livecache.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{c: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers.
func (c *Clock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set moves the clock to at, firing due timers. Timers scheduled by fired
// callbacks are honored if they also fall due before at.
func (c *Clock) Set(at time.Time) {
	for {
		c.mu.Lock()
		next := c.nextDueLocked(at)
		if next == nil {
			c.now = at
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

// Pending is the number of timers neither fired nor stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// NextDeadline reports the earliest pending timer deadline.
func (c *Clock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := c.liveLocked()
	if len(live) == 0 {
		return time.Time{}, false
	}
	return live[0].at, true
}

func (c *Clock) liveLocked() []*timer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].at.Equal(live[j].at) {
			return live[i].seq < live[j].seq
		}
		return live[i].at.Before(live[j].at)
	})
	return live
}

func (c *Clock) nextDueLocked(at time.Time) *timer {
	live := c.liveLocked()
	if len(live) == 0 || live[0].at.After(at) {
		return nil
	}
	return live[0]
}

func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
