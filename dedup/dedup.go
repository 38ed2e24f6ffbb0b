// Package dedup suppresses duplicate realtime notifications.
//
// An event is a duplicate when its ID was already processed, or when an event
// with the same content hash (scope + bounded payload prefix) was processed
// within Window. Entries are swept lazily: once the store grows past
// SweepThreshold, MarkProcessed drops entries older than TTL before inserting.
package dedup

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/skybrasil/livecache"
)

// Event is the dedup view of a realtime notification.
type Event struct {
	ID      string // backend row/message identifier
	Scope   string // discriminating field, e.g. conversation ID
	Payload string // content used for near-duplicate detection
}

// Entry is a processed event as stored by the cache.
type Entry struct {
	EventID     string
	ContentHash uint64
	SeenAt      time.Time
}

type Options struct {
	Window         time.Duration // same-content window; 0 => 10s
	TTL            time.Duration // sweep age; 0 => 60s
	SweepThreshold int           // sweep when len exceeds; 0 => 200
	PrefixLen      int           // payload bytes hashed; 0 => 100
	Clock          livecache.Clock
	Logger         livecache.Logger
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry

	window    time.Duration
	ttl       time.Duration
	sweepAt   int
	prefixLen int
	clock     livecache.Clock
	log       livecache.Logger
}

var _ livecache.Clearer = (*Cache)(nil)

func New(opts Options) *Cache {
	return &Cache{
		entries:   make(map[string]Entry),
		window:    livecache.Coalesce(opts.Window, livecache.DefaultDedupWindow),
		ttl:       livecache.Coalesce(opts.TTL, livecache.DefaultDedupTTL),
		sweepAt:   livecache.Coalesce(opts.SweepThreshold, livecache.DefaultDedupSweepAt),
		prefixLen: livecache.Coalesce(opts.PrefixLen, livecache.DefaultDedupPrefixLen),
		clock:     livecache.Coalesce[livecache.Clock](opts.Clock, livecache.SystemClock{}),
		log:       livecache.Coalesce[livecache.Logger](opts.Logger, livecache.NopLogger{}),
	}
}

// IsDuplicate reports whether e was already processed. Events without an ID
// fail closed and are always duplicates.
func (c *Cache) IsDuplicate(e Event) bool {
	dup, _ := c.Check(e)
	return dup
}

// Check is IsDuplicate plus the reason: "no_id", "id" or "content".
func (c *Cache) Check(e Event) (bool, string) {
	if e.ID == "" {
		return true, "no_id"
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[e.ID]; ok {
		return true, "id"
	}
	h := c.hash(e)
	now := c.clock.Now()
	for _, en := range c.entries {
		if en.ContentHash == h && now.Sub(en.SeenAt) < c.window {
			return true, "content"
		}
	}
	return false, ""
}

// MarkProcessed records e (overwriting a previous entry with the same ID).
func (c *Cache) MarkProcessed(e Event) {
	if e.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if len(c.entries) > c.sweepAt {
		c.sweepLocked(now)
	}
	c.entries[e.ID] = Entry{EventID: e.ID, ContentHash: c.hash(e), SeenAt: now}
}

// Clear drops every entry (sign-out).
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) sweepLocked(now time.Time) {
	removed := 0
	for id, en := range c.entries {
		if now.Sub(en.SeenAt) > c.ttl {
			delete(c.entries, id)
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug("dedup sweep removed expired entries", livecache.Fields{"removed": removed, "kept": len(c.entries)})
	}
}

// hash covers Scope plus at most prefixLen bytes of Payload.
func (c *Cache) hash(e Event) uint64 {
	p := e.Payload
	if len(p) > c.prefixLen {
		p = p[:c.prefixLen]
	}
	d := xxhash.New()
	_, _ = d.WriteString(e.Scope)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(p)
	return d.Sum64()
}
