// Package roles answers "is this user an admin" through a memoized,
// single-flight lookup that fails closed on session errors.
package roles

import (
	"context"
	"fmt"
	"time"

	"github.com/skybrasil/livecache"
	"github.com/skybrasil/livecache/codec"
	"github.com/skybrasil/livecache/memo"
	pr "github.com/skybrasil/livecache/provider"
)

const RoleAdmin = "admin"

// RoleCheckTimeout bounds a single role lookup attempt.
const RoleCheckTimeout = livecache.DefaultRoleTimeout

// Lookup queries the relational store for a role grant.
type Lookup interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, userID, role string) (bool, error)

func (f LookupFunc) HasRole(ctx context.Context, userID, role string) (bool, error) {
	return f(ctx, userID, role)
}

// Status is always renderable: on failure IsAdmin is false and Reason says why.
type Status struct {
	IsAdmin bool
	Cached  bool
	Reason  string // "" on success; see memo.Reason*
}

type Options struct {
	// Required
	Lookup Lookup

	Role        string        // "" => "admin"
	TTL         time.Duration // 0 => 300s
	MaxAttempts int           // 0 => 3
	RetryStep   time.Duration // 0 => 1s
	Timeout     time.Duration // per attempt; 0 => RoleCheckTimeout

	// Optional shared tier for role results.
	Provider pr.Provider
	Codec    string // shared tier format (codec.Format*); "" => cbor

	Clock    livecache.Clock
	Logger   livecache.Logger
	Hooks    livecache.Hooks
	Notifier livecache.Notifier
}

type Checker struct {
	role   string
	lookup Lookup
	cache  *memo.Cache[bool]
}

var _ livecache.Clearer = (*Checker)(nil)

func NewChecker(opts Options) (*Checker, error) {
	if opts.Lookup == nil {
		return nil, fmt.Errorf("roles: lookup is required")
	}
	role := livecache.Coalesce(opts.Role, RoleAdmin)
	mopts := memo.Options[bool]{
		Namespace:    role + "-role",
		TTL:          opts.TTL,
		MaxAttempts:  opts.MaxAttempts,
		RetryStep:    opts.RetryStep,
		Timeout:      livecache.Coalesce(opts.Timeout, RoleCheckTimeout),
		SessionValue: false,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		Hooks:        opts.Hooks,
		Notifier:     opts.Notifier,
	}
	if opts.Provider != nil {
		inner, err := codec.NamedBool(livecache.Coalesce(opts.Codec, codec.FormatCBOR))
		if err != nil {
			return nil, fmt.Errorf("roles: %w", err)
		}
		mopts.Provider = opts.Provider
		mopts.Codec = codec.Limit[bool]{Inner: inner, MaxDecode: 16}
	}
	cache, err := memo.New(mopts)
	if err != nil {
		return nil, err
	}
	return &Checker{role: role, lookup: opts.Lookup, cache: cache}, nil
}

// IsAdmin resolves the role for userID. An empty userID (signed out) is
// non-privileged without a lookup.
func (c *Checker) IsAdmin(ctx context.Context, userID string) Status {
	if userID == "" {
		return Status{}
	}
	r := c.cache.Do(ctx, userID, func(ctx context.Context, key string) (bool, error) {
		return c.lookup.HasRole(ctx, key, c.role)
	})
	return Status{IsAdmin: r.Value, Cached: r.Cached, Reason: r.Reason}
}

// Invalidate forgets userID's result, e.g. after a change on user_roles.
func (c *Checker) Invalidate(ctx context.Context, userID string) error {
	return c.cache.Invalidate(ctx, userID)
}

func (c *Checker) Clear() { c.cache.Clear() }

// Cache exposes the underlying memo for state inspection.
func (c *Checker) Cache() *memo.Cache[bool] { return c.cache }
