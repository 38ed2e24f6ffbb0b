package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/skybrasil/livecache"
	"github.com/skybrasil/livecache/genstore"
	"github.com/skybrasil/livecache/internal/clocktest"
)

type failingStore struct{ err error }

func (s failingStore) Snapshot(context.Context, string) (uint64, error) { return 0, s.err }
func (s failingStore) SnapshotMany(context.Context, []string) (map[string]uint64, error) {
	return nil, s.err
}
func (s failingStore) BumpMany(context.Context, []string) (map[string]uint64, error) {
	return nil, s.err
}
func (failingStore) Prune(time.Duration)         {}
func (failingStore) Close(context.Context) error { return nil }

type hookRecorder struct {
	invalidated map[string]int
	bumpErrs    []string
}

func (h *hookRecorder) DuplicateDropped(string, string)               {}
func (h *hookRecorder) ChannelStatus(string, string, string)          {}
func (h *hookRecorder) ReconnectScheduled(string, int, time.Duration) {}
func (h *hookRecorder) ReconnectExhausted(string, int)                {}
func (h *hookRecorder) LookupRetry(string, int, livecache.Kind)       {}
func (h *hookRecorder) LookupFailed(string, livecache.Kind)           {}
func (h *hookRecorder) QueriesInvalidated(rt string, n int) {
	if h.invalidated == nil {
		h.invalidated = map[string]int{}
	}
	h.invalidated[rt] += n
}
func (h *hookRecorder) GenBumpError(k string, _ error) { h.bumpErrs = append(h.bumpErrs, k) }

func TestInvalidateMarksDependentQueriesStale(t *testing.T) {
	ctx := context.Background()
	inv := New(Options{})

	seen := map[QueryKey]uint64{}
	for _, k := range []QueryKey{"enrollments", "enrolled-products", "my-courses", "messages"} {
		g, err := inv.Snapshot(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		seen[k] = g
	}

	if err := inv.Invalidate(ctx, Enrollments); err != nil {
		t.Fatal(err)
	}

	for _, k := range []QueryKey{"enrollments", "enrolled-products", "my-courses"} {
		if !inv.Stale(ctx, k, seen[k]) {
			t.Fatalf("%s should be stale", k)
		}
	}
	if inv.Stale(ctx, "messages", seen["messages"]) {
		t.Fatal("messages should not be affected by enrollments")
	}
}

func TestInvalidateAfterPruneStillMarksStale(t *testing.T) {
	ctx := context.Background()
	clk := clocktest.New(time.Time{})
	store := genstore.NewLocal(clk, 0, 0)
	t.Cleanup(func() { _ = store.Close(ctx) })
	inv := New(Options{Store: store})

	if err := inv.Invalidate(ctx, Enrollments); err != nil {
		t.Fatal(err)
	}
	observed, err := inv.Snapshot(ctx, "my-courses")
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(25 * time.Hour)
	store.Prune(24 * time.Hour)
	if err := inv.Invalidate(ctx, Enrollments); err != nil {
		t.Fatal(err)
	}
	if !inv.Stale(ctx, "my-courses", observed) {
		t.Fatalf("my-courses at gen %d should be stale after a second invalidation", observed)
	}
}

func TestInvalidateUnknownTypeIsNoop(t *testing.T) {
	h := &hookRecorder{}
	inv := New(Options{Hooks: h})
	if err := inv.Invalidate(context.Background(), "certificates"); err != nil {
		t.Fatal(err)
	}
	if len(h.invalidated) != 0 {
		t.Fatalf("unexpected hooks: %v", h.invalidated)
	}
}

func TestInvalidateNotifiesListenersInOrder(t *testing.T) {
	inv := New(Options{})
	var got []string
	inv.OnInvalidate(func(rt ResourceType, keys []QueryKey) {
		got = append(got, "first:"+string(rt))
	})
	remove := inv.OnInvalidate(func(rt ResourceType, keys []QueryKey) {
		got = append(got, "second:"+string(rt))
	})
	inv.OnInvalidate(func(rt ResourceType, keys []QueryKey) {
		if diff := cmp.Diff([]QueryKey{"messages", "conversations", "unread-count"}, keys); diff != "" && rt == Messages {
			t.Errorf("keys mismatch (-want +got):\n%s", diff)
		}
	})

	_ = inv.Invalidate(context.Background(), Messages)
	remove()
	_ = inv.Invalidate(context.Background(), Roles)

	want := []string{"first:messages", "second:messages", "first:roles"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("listener calls mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidateStoreFailureStillFansOut(t *testing.T) {
	h := &hookRecorder{}
	boom := errors.New("redis down")
	inv := New(Options{Store: failingStore{err: boom}, Hooks: h})

	called := false
	inv.OnInvalidate(func(ResourceType, []QueryKey) { called = true })

	err := inv.Invalidate(context.Background(), Profiles)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if !called {
		t.Fatal("listeners should run despite store failure")
	}
	if diff := cmp.Diff([]string{"profile", "profiles"}, h.bumpErrs); diff != "" {
		t.Fatalf("bump error hooks mismatch (-want +got):\n%s", diff)
	}
	if !inv.Stale(context.Background(), "profile", 0) {
		t.Fatal("unreadable generation should count as stale")
	}
}

func TestMergeOverridesAndRemoves(t *testing.T) {
	got := Merge(DefaultTable, Table{
		Roles:    {"admin-role", "vip-role"},
		Products: nil,
		"certs":  {"certificates"},
	})
	if diff := cmp.Diff([]QueryKey{"admin-role", "vip-role"}, got[Roles]); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
	if _, ok := got[Products]; ok {
		t.Fatal("products should be removed")
	}
	if len(got["certs"]) != 1 {
		t.Fatalf("certs = %v", got["certs"])
	}
	if len(DefaultTable[Roles]) != 1 || len(DefaultTable[Products]) != 2 {
		t.Fatal("Merge must not mutate base")
	}
}

func TestKeysReturnsCopy(t *testing.T) {
	inv := New(Options{})
	k := inv.Keys(Messages)
	k[0] = "mutated"
	if inv.Keys(Messages)[0] != "messages" {
		t.Fatal("Keys must return a copy")
	}
	if inv.Keys("nope") != nil {
		t.Fatal("unknown type should have no keys")
	}
}
