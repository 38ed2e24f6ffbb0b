// Package profiles memoizes user profile snapshots and keeps them current from
// the realtime profiles feed.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skybrasil/livecache"
	"github.com/skybrasil/livecache/codec"
	"github.com/skybrasil/livecache/fanout"
	"github.com/skybrasil/livecache/memo"
	pr "github.com/skybrasil/livecache/provider"
	"github.com/skybrasil/livecache/realtime"
)

// Columns is the select list lookups must return.
const Columns = "id,display_name,avatar_url,updated_at"

// maxFrame bounds decoded shared-tier payloads.
const maxFrame = 64 << 10

var ErrNotFound = errors.New("profiles: not found")

type Profile struct {
	ID          string    `json:"id" msgpack:"id"`
	DisplayName string    `json:"display_name" msgpack:"display_name"`
	AvatarURL   string    `json:"avatar_url" msgpack:"avatar_url"`
	UpdatedAt   time.Time `json:"updated_at" msgpack:"updated_at"`
}

// Lookup loads one profile. A missing row is ErrNotFound.
type Lookup interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

type LookupFunc func(ctx context.Context, userID string) (Profile, error)

func (f LookupFunc) Profile(ctx context.Context, userID string) (Profile, error) { return f(ctx, userID) }

// Subscriber is the part of realtime.Manager that Watch needs.
type Subscriber interface {
	Subscribe(ctx context.Context, res realtime.Resource, cb realtime.Callbacks) (*realtime.Handle, error)
}

var _ Subscriber = (*realtime.Manager)(nil)

// FromRecord maps a profiles row (REST body or realtime record) to a Profile.
func FromRecord(rec map[string]any) (Profile, bool) {
	id, _ := rec["id"].(string)
	if id == "" {
		return Profile{}, false
	}
	p := Profile{ID: id}
	p.DisplayName, _ = rec["display_name"].(string)
	p.AvatarURL, _ = rec["avatar_url"].(string)
	if s, ok := rec["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			p.UpdatedAt = t
		}
	}
	return p, true
}

type Options struct {
	// Required
	Lookup Lookup

	TTL         time.Duration // 0 => 300s
	MaxAttempts int           // 0 => 3
	RetryStep   time.Duration // 0 => 1s
	Timeout     time.Duration // per attempt; 0 => 5s

	// Optional shared tier.
	Provider pr.Provider
	Codec    string // cbor, msgpack or json; "" => msgpack

	Clock    livecache.Clock
	Logger   livecache.Logger
	Hooks    livecache.Hooks
	Notifier livecache.Notifier
}

type Store struct {
	lookup Lookup
	cache  *memo.Cache[Profile]
	log    livecache.Logger
}

var _ livecache.Clearer = (*Store)(nil)

func New(opts Options) (*Store, error) {
	if opts.Lookup == nil {
		return nil, fmt.Errorf("profiles: lookup is required")
	}
	mopts := memo.Options[Profile]{
		Namespace:   "profile",
		TTL:         opts.TTL,
		MaxAttempts: opts.MaxAttempts,
		RetryStep:   opts.RetryStep,
		Timeout:     opts.Timeout,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		Hooks:       opts.Hooks,
		Notifier:    opts.Notifier,
	}
	if opts.Provider != nil {
		inner, err := codec.Named[Profile](livecache.Coalesce(opts.Codec, codec.FormatMsgpack))
		if err != nil {
			return nil, fmt.Errorf("profiles: %w", err)
		}
		mopts.Provider = opts.Provider
		mopts.Codec = codec.Limit[Profile]{Inner: inner, MaxDecode: maxFrame}
	}
	cache, err := memo.New(mopts)
	if err != nil {
		return nil, err
	}
	return &Store{
		lookup: opts.Lookup,
		cache:  cache,
		log:    livecache.Coalesce[livecache.Logger](opts.Logger, livecache.NopLogger{}),
	}, nil
}

// Get returns the profile for userID. A missing row is cached as an empty
// profile carrying only the ID. An empty userID returns a zero result without
// a lookup.
func (s *Store) Get(ctx context.Context, userID string) memo.Result[Profile] {
	if userID == "" {
		return memo.Result[Profile]{}
	}
	return s.cache.Do(ctx, userID, func(ctx context.Context, key string) (Profile, error) {
		p, err := s.lookup.Profile(ctx, key)
		if errors.Is(err, ErrNotFound) {
			s.log.Debug("profile not found", livecache.Fields{"user_id": key})
			return Profile{ID: key}, nil
		}
		return p, err
	})
}

// Apply folds a realtime profiles change into the cache. It reports the new
// profile for inserts and updates.
func (s *Store) Apply(c realtime.Change) (Profile, bool) {
	switch c.Type {
	case "INSERT", "UPDATE":
		p, ok := FromRecord(c.Record)
		if !ok {
			return Profile{}, false
		}
		s.cache.Set(p.ID, p)
		return p, true
	case "DELETE":
		if p, ok := FromRecord(c.OldRecord); ok {
			if err := s.cache.Invalidate(context.Background(), p.ID); err != nil {
				s.log.Warn("profile invalidate failed", livecache.Fields{"user_id": p.ID, "err": err.Error()})
			}
		}
	}
	return Profile{}, false
}

// Watch subscribes to changes of userID's row. onChange, if set, sees every
// applied insert or update.
func (s *Store) Watch(ctx context.Context, sub Subscriber, userID string, onChange func(Profile)) (*realtime.Handle, error) {
	if userID == "" {
		return nil, fmt.Errorf("profiles: user id is required")
	}
	res := realtime.Resource{
		Key:   "profile:" + userID,
		Topic: realtime.Topic{Table: "profiles", Filter: "id=eq." + userID},
		Type:  fanout.Profiles,
	}
	return sub.Subscribe(ctx, res, realtime.Callbacks{
		OnEvent: func(e realtime.Event) {
			if p, ok := s.Apply(e.Change); ok && onChange != nil {
				onChange(p)
			}
		},
	})
}

func (s *Store) Invalidate(ctx context.Context, userID string) error {
	return s.cache.Invalidate(ctx, userID)
}

func (s *Store) Clear() { s.cache.Clear() }

func (s *Store) Cache() *memo.Cache[Profile] { return s.cache }
