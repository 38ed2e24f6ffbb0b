// Package fanout marks downstream query results stale when a resource changes.
//
// Invalidation is a generation bump per query key in a genstore.Store; it
// never fetches anything. Readers remember the generation they fetched at and
// refetch lazily when Stale reports true. Listeners are notified
// synchronously with the affected keys so an in-process query cache can drop
// its entries.
package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/skybrasil/livecache"
	"github.com/skybrasil/livecache/genstore"
)

type Options struct {
	Table  Table          // nil => DefaultTable
	Store  genstore.Store // nil => in-process store
	Logger livecache.Logger
	Hooks  livecache.Hooks
}

type Invalidator struct {
	table Table
	store genstore.Store
	log   livecache.Logger
	hooks livecache.Hooks

	mu        sync.Mutex
	listeners map[int]func(ResourceType, []QueryKey)
	nextID    int
}

func New(opts Options) *Invalidator {
	table := opts.Table
	if table == nil {
		table = DefaultTable
	}
	store := opts.Store
	if store == nil {
		store = genstore.NewLocal(nil, 0, 0)
	}
	return &Invalidator{
		table:     table,
		store:     store,
		log:       livecache.Coalesce[livecache.Logger](opts.Logger, livecache.NopLogger{}),
		hooks:     livecache.Coalesce[livecache.Hooks](opts.Hooks, livecache.NopHooks{}),
		listeners: make(map[int]func(ResourceType, []QueryKey)),
	}
}

// Keys returns the query keys that depend on rt (nil for unknown types).
func (i *Invalidator) Keys(rt ResourceType) []QueryKey {
	keys := i.table[rt]
	if len(keys) == 0 {
		return nil
	}
	return append([]QueryKey(nil), keys...)
}

// Invalidate marks every query depending on rt stale. Unknown types are a no-op.
// A store failure is logged and reported through hooks; listeners still run so
// in-process consumers refetch.
func (i *Invalidator) Invalidate(ctx context.Context, rt ResourceType) error {
	keys := i.table[rt]
	if len(keys) == 0 {
		i.log.Debug("invalidate: no dependent queries", livecache.Fields{"resource_type": string(rt)})
		return nil
	}

	raw := make([]string, len(keys))
	for n, k := range keys {
		raw[n] = string(k)
	}
	var bumpErr error
	if _, err := i.store.BumpMany(ctx, raw); err != nil {
		for _, k := range raw {
			i.hooks.GenBumpError(k, err)
		}
		i.log.Warn("invalidate: generation bump failed", livecache.Fields{"resource_type": string(rt), "err": err.Error()})
		bumpErr = fmt.Errorf("fanout: bump %s: %w", rt, err)
	}

	i.hooks.QueriesInvalidated(string(rt), len(keys))
	i.log.Debug("queries invalidated", livecache.Fields{"resource_type": string(rt), "count": len(keys)})

	for _, fn := range i.snapshotListeners() {
		fn(rt, append([]QueryKey(nil), keys...))
	}
	return bumpErr
}

// Snapshot returns the current generation of key; remember it when fetching.
func (i *Invalidator) Snapshot(ctx context.Context, key QueryKey) (uint64, error) {
	return i.store.Snapshot(ctx, string(key))
}

// Stale reports whether key was invalidated since a fetch at generation observed.
// On store errors it reports stale so the caller refetches.
func (i *Invalidator) Stale(ctx context.Context, key QueryKey, observed uint64) bool {
	g, err := i.store.Snapshot(ctx, string(key))
	if err != nil {
		i.log.Warn("stale check failed; assuming stale", livecache.Fields{"query_key": string(key), "err": err.Error()})
		return true
	}
	return g != observed
}

// OnInvalidate registers fn to run after every invalidation. The returned
// func removes it.
func (i *Invalidator) OnInvalidate(fn func(ResourceType, []QueryKey)) (remove func()) {
	i.mu.Lock()
	id := i.nextID
	i.nextID++
	i.listeners[id] = fn
	i.mu.Unlock()
	return func() {
		i.mu.Lock()
		delete(i.listeners, id)
		i.mu.Unlock()
	}
}

// listeners run in registration order
func (i *Invalidator) snapshotListeners() []func(ResourceType, []QueryKey) {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]func(ResourceType, []QueryKey), 0, len(i.listeners))
	for id := 0; id < i.nextID; id++ {
		if fn, ok := i.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (i *Invalidator) Close(ctx context.Context) error { return i.store.Close(ctx) }
