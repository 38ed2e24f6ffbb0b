package bigcache

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{LifeWindow: 5 * time.Minute, CleanWindow: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(ctx)

	if _, ok, err := p.Get(ctx, "memo:admin-role:U1"); ok || err != nil {
		t.Fatalf("miss: ok=%v err=%v", ok, err)
	}
	if ok, err := p.Set(ctx, "memo:admin-role:U1", []byte{1, 2, 3}, 3, time.Minute); !ok || err != nil {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}
	b, ok, err := p.Get(ctx, "memo:admin-role:U1")
	if !ok || err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("hit: b=%v ok=%v err=%v", b, ok, err)
	}
	if err := p.Del(ctx, "memo:admin-role:U1"); err != nil {
		t.Fatal(err)
	}
	if err := p.Del(ctx, "memo:admin-role:U1"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, ok, _ := p.Get(ctx, "memo:admin-role:U1"); ok {
		t.Fatal("key survived Del")
	}
}
