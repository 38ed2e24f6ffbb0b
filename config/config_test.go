package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/skybrasil/livecache/fanout"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Dedup.Window.Std() != 10*time.Second || cfg.Memo.TTL.Std() != 300*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if p := cfg.ReconnectPolicy(); p.Base != time.Second || p.Max != 30*time.Second || p.MaxAttempts != 5 {
		t.Fatalf("policy=%+v", p)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeFile(t, "livecache.toml", `
[dedup]
window = "5s"
prefix_len = 64

[memo]
ttl = "2m"
tier = "bigcache"
role_codec = "protobuf"

[reconnect]
max_attempts = 7

[supabase]
url = "https://abc.supabase.co"
api_key = "anon"

[invalidation]
messages = ["messages", "inbox"]
roles = []
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dedup.Window.Std() != 5*time.Second || cfg.Dedup.PrefixLen != 64 {
		t.Fatalf("dedup=%+v", cfg.Dedup)
	}
	// untouched keys keep defaults
	if cfg.Dedup.TTL.Std() != 60*time.Second {
		t.Fatalf("dedup ttl=%s", cfg.Dedup.TTL)
	}
	if cfg.Memo.TTL.Std() != 2*time.Minute || cfg.Memo.Tier != "bigcache" || cfg.Memo.RoleCodec != "protobuf" || cfg.Memo.ProfileCodec != "msgpack" {
		t.Fatalf("memo=%+v", cfg.Memo)
	}
	if cfg.Reconnect.MaxAttempts != 7 || cfg.Supabase.URL != "https://abc.supabase.co" {
		t.Fatalf("cfg=%+v", cfg)
	}

	table := cfg.Table()
	if diff := cmp.Diff([]fanout.QueryKey{"messages", "inbox"}, table[fanout.Messages]); diff != "" {
		t.Fatalf("messages keys (-want +got):\n%s", diff)
	}
	if _, ok := table[fanout.Roles]; ok {
		t.Fatal("empty override should remove roles")
	}
	if diff := cmp.Diff(fanout.DefaultTable[fanout.Profiles], table[fanout.Profiles]); diff != "" {
		t.Fatalf("profiles keys (-want +got):\n%s", diff)
	}
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "livecache.yaml", `
reconnect:
  base: 500ms
  max: 10s
store:
  backend: redis
  redis_addr: localhost:6379
  ttl: 1h
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reconnect.Base.Std() != 500*time.Millisecond || cfg.Reconnect.Max.Std() != 10*time.Second {
		t.Fatalf("reconnect=%+v", cfg.Reconnect)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.TTL.Std() != time.Hour {
		t.Fatalf("store=%+v", cfg.Store)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeFile(t, "livecache.toml", "[memo]\nmax_attempts = 2\n")
	t.Setenv("LIVECACHE_MEMO_MAX_ATTEMPTS", "4")
	t.Setenv("LIVECACHE_DEDUP_WINDOW", "3s")
	t.Setenv("LIVECACHE_SUPABASE_API_KEY", "from-env")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memo.MaxAttempts != 4 || cfg.Dedup.Window.Std() != 3*time.Second || cfg.Supabase.APIKey != "from-env" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestEnvParseError(t *testing.T) {
	t.Setenv("LIVECACHE_RECONNECT_BASE", "soon")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected read error")
	}
	if _, err := Load(writeFile(t, "cfg.json", "{}")); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported format, got %v", err)
	}
	if _, err := Load(writeFile(t, "bad.toml", "[dedup\n")); err == nil {
		t.Fatal("expected toml syntax error")
	}
	if _, err := Load(writeFile(t, "bad.toml", "[dedup]\nwindow = \"fast\"\n")); err == nil {
		t.Fatal("expected duration error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Dedup.Window = 0
	cfg.Memo.MaxAttempts = 0
	cfg.Reconnect.Max = Duration(time.Millisecond)
	cfg.Store.Backend = "redis"
	cfg.Memo.Tier = "memcached"
	cfg.Memo.RoleCodec = "gob"
	cfg.Memo.ProfileCodec = "protobuf"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"dedup.window",
		"memo.max_attempts",
		"reconnect.max",
		"store.redis_addr",
		"memo.tier",
		"memo.role_codec",
		"memo.profile_codec",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
