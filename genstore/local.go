package genstore

import (
	"context"
	"sync"
	"time"

	"github.com/skybrasil/livecache"
)

type localEntry struct {
	gen       uint64
	updatedAt time.Time
}

// Local keeps generations in-process. When both interval and retention are
// set, a background loop prunes long-inactive keys.
type Local struct {
	clock livecache.Clock

	mu    sync.RWMutex
	gens  map[string]localEntry
	floor uint64 // highest generation dropped by Prune

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ Store = (*Local)(nil)

// NewLocal returns an in-process store. clock may be nil.
func NewLocal(clock livecache.Clock, pruneInterval, retention time.Duration) *Local {
	s := &Local{
		clock: livecache.Coalesce[livecache.Clock](clock, livecache.SystemClock{}),
		gens:  make(map[string]localEntry),
	}
	if pruneInterval > 0 && retention > 0 {
		s.ticker = time.NewTicker(pruneInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Prune(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Local) Snapshot(_ context.Context, k string) (uint64, error) {
	s.mu.RLock()
	e := s.gens[k]
	s.mu.RUnlock()
	return e.gen, nil
}

func (s *Local) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	s.mu.RLock()
	for _, k := range ks {
		out[k] = s.gens[k].gen
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) BumpMany(_ context.Context, ks []string) (map[string]uint64, error) {
	now := s.clock.Now()
	out := make(map[string]uint64, len(ks))
	s.mu.Lock()
	for _, k := range ks {
		e := s.gens[k]
		if e.gen < s.floor {
			e.gen = s.floor
		}
		e.gen++
		e.updatedAt = now
		s.gens[k] = e
		out[k] = e.gen
	}
	s.mu.Unlock()
	return out, nil
}

// Prune drops keys idle past retention. A dropped key reads as 0 until its
// next bump, which resumes above every generation handed out before.
func (s *Local) Prune(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-retention)

	s.mu.Lock()
	for k, e := range s.gens {
		if e.updatedAt.Before(cutoff) {
			if e.gen > s.floor {
				s.floor = e.gen
			}
			delete(s.gens, k)
		}
	}
	s.mu.Unlock()
}

func (s *Local) Close(_ context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
		s.ticker.Stop()
		s.wg.Wait()
		s.stopCh = nil
	}
	return nil
}
