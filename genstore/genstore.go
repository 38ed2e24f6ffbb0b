// Package genstore keeps a monotonically increasing generation per query key.
//
// A bump marks every reader holding an older generation as stale; readers
// compare the generation they fetched at with the current one and refetch
// lazily. Missing keys are generation 0.
package genstore

import (
	"context"
	"time"
)

// Store abstracts where generations live.
// Use Local (default) for one process, or Redis to share staleness across replicas.
type Store interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// SnapshotMany returns gens for many keys; missing => 0.
	SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// BumpMany atomically increments each key and returns the new generations.
	BumpMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Prune drops metadata untouched for longer than retention (no-op for Redis).
	Prune(retention time.Duration)
	Close(context.Context) error
}
