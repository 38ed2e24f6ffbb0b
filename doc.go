// Package livecache holds the shared contracts of a realtime cache and subscription
// reconciliation layer: logging, hooks, user-facing notices, clocks and the error taxonomy.
//
// Components (leaves first):
//   - dedup:    suppresses duplicate realtime notifications by ID and content hash.
//   - memo:     per-key TTL memoization with single-flight lookups and bounded retries.
//   - fanout:   maps a changed resource type to dependent query keys and marks them stale.
//   - realtime: one shared, reference-counted channel per watched resource, plus the
//     reconnection/backoff controller driving it.
//
// Wiring:
//
//	dd := dedup.New(dedup.Options{})
//	inv := fanout.New(fanout.Options{Table: fanout.DefaultTable})
//	mgr, _ := realtime.NewManager(realtime.Options{Feed: feed, Dedup: dd, Invalidator: inv})
//	h, _ := mgr.Subscribe(ctx, realtime.Resource{Key: "conversation:42", ...}, realtime.Callbacks{
//	    OnEvent: func(e realtime.Event) { ... },
//	})
//	defer mgr.Unsubscribe(h)
//
// Caches are explicit objects; session.Tracker clears them (Clearer) on sign-out.
package livecache
