// Package config loads livecache policy settings from a TOML or YAML file with
// LIVECACHE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/skybrasil/livecache"
	"github.com/skybrasil/livecache/codec"
	"github.com/skybrasil/livecache/dedup"
	"github.com/skybrasil/livecache/fanout"
	"github.com/skybrasil/livecache/realtime"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "LIVECACHE_"

// Duration decodes "10s"-style strings from TOML, YAML and the environment.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type DedupConfig struct {
	Window         Duration `toml:"window" yaml:"window" env:"WINDOW"`
	TTL            Duration `toml:"ttl" yaml:"ttl" env:"TTL"`
	SweepThreshold int      `toml:"sweep_threshold" yaml:"sweep_threshold" env:"SWEEP_THRESHOLD"`
	PrefixLen      int      `toml:"prefix_len" yaml:"prefix_len" env:"PREFIX_LEN"`
}

type MemoConfig struct {
	TTL            Duration `toml:"ttl" yaml:"ttl" env:"TTL"`
	MaxAttempts    int      `toml:"max_attempts" yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	RetryStep      Duration `toml:"retry_step" yaml:"retry_step" env:"RETRY_STEP"`
	RoleTimeout    Duration `toml:"role_timeout" yaml:"role_timeout" env:"ROLE_TIMEOUT"`
	ProfileTimeout Duration `toml:"profile_timeout" yaml:"profile_timeout" env:"PROFILE_TIMEOUT"`
	// Tier selects the shared memo tier: "", "bigcache", "ristretto" or "redis".
	Tier string `toml:"tier" yaml:"tier" env:"TIER"`
	// Shared tier formats. Roles take cbor, msgpack, json or protobuf;
	// profiles take cbor, msgpack or json.
	RoleCodec    string `toml:"role_codec" yaml:"role_codec" env:"ROLE_CODEC"`
	ProfileCodec string `toml:"profile_codec" yaml:"profile_codec" env:"PROFILE_CODEC"`
}

type ReconnectConfig struct {
	Base        Duration `toml:"base" yaml:"base" env:"BASE"`
	Max         Duration `toml:"max" yaml:"max" env:"MAX"`
	MaxAttempts int      `toml:"max_attempts" yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

type SupabaseConfig struct {
	URL         string   `toml:"url" yaml:"url" env:"URL"`
	APIKey      string   `toml:"api_key" yaml:"api_key" env:"API_KEY"`
	AccessToken string   `toml:"access_token" yaml:"access_token" env:"ACCESS_TOKEN"`
	DatabaseURL string   `toml:"database_url" yaml:"database_url" env:"DATABASE_URL"`
	Heartbeat   Duration `toml:"heartbeat" yaml:"heartbeat" env:"HEARTBEAT"`
	JoinTimeout Duration `toml:"join_timeout" yaml:"join_timeout" env:"JOIN_TIMEOUT"`
}

type StoreConfig struct {
	// Backend is "local" or "redis".
	Backend   string   `toml:"backend" yaml:"backend" env:"BACKEND"`
	RedisAddr string   `toml:"redis_addr" yaml:"redis_addr" env:"REDIS_ADDR"`
	Namespace string   `toml:"namespace" yaml:"namespace" env:"NAMESPACE"`
	TTL       Duration `toml:"ttl" yaml:"ttl" env:"TTL"`
}

type Config struct {
	Dedup     DedupConfig     `toml:"dedup" yaml:"dedup" envPrefix:"DEDUP_"`
	Memo      MemoConfig      `toml:"memo" yaml:"memo" envPrefix:"MEMO_"`
	Reconnect ReconnectConfig `toml:"reconnect" yaml:"reconnect" envPrefix:"RECONNECT_"`
	Supabase  SupabaseConfig  `toml:"supabase" yaml:"supabase" envPrefix:"SUPABASE_"`
	Store     StoreConfig     `toml:"store" yaml:"store" envPrefix:"STORE_"`
	// Invalidation overrides the default dependency table per resource type.
	// An empty list removes the type.
	Invalidation map[string][]string `toml:"invalidation" yaml:"invalidation"`
}

// Default returns the stock policy.
func Default() Config {
	return Config{
		Dedup: DedupConfig{
			Window:         Duration(livecache.DefaultDedupWindow),
			TTL:            Duration(livecache.DefaultDedupTTL),
			SweepThreshold: livecache.DefaultDedupSweepAt,
			PrefixLen:      livecache.DefaultDedupPrefixLen,
		},
		Memo: MemoConfig{
			TTL:            Duration(livecache.DefaultMemoTTL),
			MaxAttempts:    livecache.DefaultLookupAttempts,
			RetryStep:      Duration(livecache.DefaultLookupRetryStep),
			RoleTimeout:    Duration(livecache.DefaultRoleTimeout),
			ProfileTimeout: Duration(livecache.DefaultRoleTimeout),
			RoleCodec:      codec.FormatCBOR,
			ProfileCodec:   codec.FormatMsgpack,
		},
		Reconnect: ReconnectConfig{
			Base:        Duration(livecache.DefaultReconnectBase),
			Max:         Duration(livecache.DefaultReconnectMax),
			MaxAttempts: livecache.DefaultReconnectRetries,
		},
		Supabase: SupabaseConfig{
			Heartbeat:   Duration(25 * time.Second),
			JoinTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Backend:   "local",
			Namespace: "livecache",
		},
	}
}

// Load reads path over Default and applies environment overrides. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			err = toml.Unmarshal(data, &cfg)
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		default:
			return cfg, fmt.Errorf("%s: unsupported config format %q", path, filepath.Ext(path))
		}
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseEnv applies LIVECACHE_* overrides to target.
func ParseEnv(target *Config) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, d Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	atLeastOne := func(name string, n int) {
		if n < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", name, n))
		}
	}

	positive("dedup.window", c.Dedup.Window)
	positive("dedup.ttl", c.Dedup.TTL)
	atLeastOne("dedup.sweep_threshold", c.Dedup.SweepThreshold)
	atLeastOne("dedup.prefix_len", c.Dedup.PrefixLen)

	positive("memo.ttl", c.Memo.TTL)
	positive("memo.retry_step", c.Memo.RetryStep)
	positive("memo.role_timeout", c.Memo.RoleTimeout)
	positive("memo.profile_timeout", c.Memo.ProfileTimeout)
	atLeastOne("memo.max_attempts", c.Memo.MaxAttempts)
	switch c.Memo.Tier {
	case "", "bigcache", "ristretto", "redis":
	default:
		errs = append(errs, fmt.Errorf("memo.tier %q is not one of bigcache, ristretto, redis", c.Memo.Tier))
	}
	switch c.Memo.RoleCodec {
	case codec.FormatCBOR, codec.FormatMsgpack, codec.FormatJSON, codec.FormatProtobuf:
	default:
		errs = append(errs, fmt.Errorf("memo.role_codec %q is not one of cbor, msgpack, json, protobuf", c.Memo.RoleCodec))
	}
	switch c.Memo.ProfileCodec {
	case codec.FormatCBOR, codec.FormatMsgpack, codec.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("memo.profile_codec %q is not one of cbor, msgpack, json", c.Memo.ProfileCodec))
	}

	positive("reconnect.base", c.Reconnect.Base)
	positive("reconnect.max", c.Reconnect.Max)
	atLeastOne("reconnect.max_attempts", c.Reconnect.MaxAttempts)
	if c.Reconnect.Max < c.Reconnect.Base {
		errs = append(errs, fmt.Errorf("reconnect.max %s is below reconnect.base %s", c.Reconnect.Max, c.Reconnect.Base))
	}

	positive("supabase.heartbeat", c.Supabase.Heartbeat)
	positive("supabase.join_timeout", c.Supabase.JoinTimeout)

	switch c.Store.Backend {
	case "local":
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of local, redis", c.Store.Backend))
	}
	if (c.Memo.Tier == "redis") && c.Store.RedisAddr == "" {
		errs = append(errs, errors.New("store.redis_addr is required for the redis memo tier"))
	}
	if c.Store.TTL < 0 {
		errs = append(errs, fmt.Errorf("store.ttl must not be negative, got %s", c.Store.TTL))
	}
	return errors.Join(errs...)
}

func (c Config) DedupOptions() dedup.Options {
	return dedup.Options{
		Window:         c.Dedup.Window.Std(),
		TTL:            c.Dedup.TTL.Std(),
		SweepThreshold: c.Dedup.SweepThreshold,
		PrefixLen:      c.Dedup.PrefixLen,
	}
}

func (c Config) ReconnectPolicy() realtime.ReconnectPolicy {
	return realtime.ReconnectPolicy{
		Base:        c.Reconnect.Base.Std(),
		Max:         c.Reconnect.Max.Std(),
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

// Table merges the configured overrides into fanout.DefaultTable.
func (c Config) Table() fanout.Table {
	overrides := make(fanout.Table, len(c.Invalidation))
	for rt, keys := range c.Invalidation {
		qs := make([]fanout.QueryKey, len(keys))
		for i, k := range keys {
			qs[i] = fanout.QueryKey(k)
		}
		overrides[fanout.ResourceType(rt)] = qs
	}
	return fanout.Merge(fanout.DefaultTable, overrides)
}
