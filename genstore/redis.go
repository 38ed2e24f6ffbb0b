package genstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares query generations across processes. With a TTL, idle keys
// expire and readers observe gen=0, which at worst causes one extra refetch.
// Generations come from one counter per namespace, so an expired key never
// hands out a generation a reader may already hold.
type Redis struct {
	rdb redis.UniversalClient
	ns  string
	ttl time.Duration // 0 disables expiry
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, namespace string, ttl time.Duration) *Redis {
	return &Redis{rdb: client, ns: namespace, ttl: ttl}
}

// Keys share the {ns} hash tag so the bump script stays on one cluster slot.
func (s *Redis) key(k string) string { return "qgen:{" + s.ns + "}:" + k }

func (s *Redis) seqKey() string { return "qgen:{" + s.ns + "}#seq" }

// bumpScript sets each key to the next namespace sequence value.
// KEYS[1] is the sequence; ARGV[1] is the TTL in ms (0 = none).
var bumpScript = redis.NewScript(`
local ttl = tonumber(ARGV[1])
local out = {}
for i = 2, #KEYS do
	local g = redis.call('INCR', KEYS[1])
	if ttl > 0 then
		redis.call('SET', KEYS[i], g, 'PX', ttl)
	else
		redis.call('SET', KEYS[i], g)
	end
	out[i - 1] = g
end
return out
`)

func (s *Redis) Snapshot(ctx context.Context, k string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(k)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(k, res)
}

func (s *Redis) SnapshotMany(ctx context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	keys := make([]string, len(ks))
	for i, k := range ks {
		keys[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v == nil {
			out[ks[i]] = 0
			continue
		}
		g, err := parseGen(ks[i], fmt.Sprint(v))
		if err != nil {
			return nil, err
		}
		out[ks[i]] = g
	}
	return out, nil
}

// BumpMany runs one script for all keys, so the round-trip and the
// sequence increments are atomic.
func (s *Redis) BumpMany(ctx context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(ks)+1)
	keys = append(keys, s.seqKey())
	for _, k := range ks {
		keys = append(keys, s.key(k))
	}
	gens, err := bumpScript.Run(ctx, s.rdb, keys, s.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis gen bump: %w", err)
	}
	if len(gens) != len(ks) {
		return nil, fmt.Errorf("redis gen bump: got %d gens for %d keys", len(gens), len(ks))
	}
	for i, k := range ks {
		out[k] = uint64(gens[i])
	}
	return out, nil
}

// Prune is a no-op; Redis expires keys itself when a TTL is set.
func (s *Redis) Prune(time.Duration) {}

func (s *Redis) Close(context.Context) error { return s.rdb.Close() }

func parseGen(k, v string) (uint64, error) {
	u, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis gen parse at %s: %w", k, err)
	}
	return u, nil
}
