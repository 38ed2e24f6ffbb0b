// Package session follows the auth provider's state stream and keys the caches
// by the signed-in user. Sign-out, or a different user signing in, clears every
// registered cache.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/skybrasil/livecache"
)

type EventKind int

const (
	SignedIn EventKind = iota
	SignedOut
	TokenRefreshed
	UserUpdated
)

func (k EventKind) String() string {
	switch k {
	case SignedIn:
		return "SIGNED_IN"
	case SignedOut:
		return "SIGNED_OUT"
	case TokenRefreshed:
		return "TOKEN_REFRESHED"
	case UserUpdated:
		return "USER_UPDATED"
	default:
		return "UNKNOWN"
	}
}

// AuthEvent is one auth state change. AccessToken is empty for SignedOut.
type AuthEvent struct {
	Kind        EventKind
	AccessToken string
}

// Identity is what the caches need from an access token.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

var ErrNoSubject = errors.New("session: token has no subject")

// ParseIdentity reads the sub and exp claims without verifying the
// signature; the backend verifies every request the token is used for.
func ParseIdentity(token string) (Identity, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Identity{}, &livecache.Error{Kind: livecache.KindSession, Op: "parse token", Err: err}
	}
	if claims.Subject == "" {
		return Identity{}, &livecache.Error{Kind: livecache.KindSession, Op: "parse token", Err: ErrNoSubject}
	}
	id := Identity{UserID: claims.Subject}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

type Options struct {
	Logger livecache.Logger
	// OnToken receives every new access token ("" on sign-out), e.g. to
	// push it to the realtime socket.
	OnToken func(token string)
}

type Tracker struct {
	log     livecache.Logger
	onToken func(string)

	mu       sync.Mutex
	id       Identity
	token    string
	clearers []livecache.Clearer
}

func NewTracker(opts Options) *Tracker {
	return &Tracker{
		log:     livecache.Coalesce[livecache.Logger](opts.Logger, livecache.NopLogger{}),
		onToken: opts.OnToken,
	}
}

// Register adds caches cleared on sign-out or user switch.
func (t *Tracker) Register(cs ...livecache.Clearer) {
	t.mu.Lock()
	t.clearers = append(t.clearers, cs...)
	t.mu.Unlock()
}

func (t *Tracker) UserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id.UserID
}

func (t *Tracker) AccessToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// Handle applies one auth event. A token that cannot be parsed signs the
// tracker out and returns the parse error.
func (t *Tracker) Handle(ev AuthEvent) error {
	if ev.Kind == SignedOut {
		t.signOut("signed out")
		return nil
	}

	id, err := ParseIdentity(ev.AccessToken)
	if err != nil {
		t.log.Warn("auth event with unusable token", livecache.Fields{"event": ev.Kind.String(), "err": err.Error()})
		t.signOut("invalid token")
		return err
	}

	t.mu.Lock()
	prev := t.id.UserID
	changed := t.token != ev.AccessToken
	t.id, t.token = id, ev.AccessToken
	var clear []livecache.Clearer
	if prev != "" && prev != id.UserID {
		clear = append(clear, t.clearers...)
	}
	t.mu.Unlock()

	for _, c := range clear {
		c.Clear()
	}
	if len(clear) > 0 {
		t.log.Info("user switched; caches cleared", livecache.Fields{"caches": len(clear)})
	}
	if changed && t.onToken != nil {
		t.onToken(ev.AccessToken)
	}
	t.log.Debug("auth event", livecache.Fields{"event": ev.Kind.String(), "user_id": id.UserID})
	return nil
}

// Run applies events until ctx is done or events is closed.
func (t *Tracker) Run(ctx context.Context, events <-chan AuthEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := t.Handle(ev); err != nil {
				t.log.Debug("auth event rejected", livecache.Fields{"err": err.Error()})
			}
		}
	}
}

func (t *Tracker) signOut(reason string) {
	t.mu.Lock()
	had := t.id.UserID != "" || t.token != ""
	t.id, t.token = Identity{}, ""
	clear := append([]livecache.Clearer(nil), t.clearers...)
	t.mu.Unlock()

	for _, c := range clear {
		c.Clear()
	}
	if had && t.onToken != nil {
		t.onToken("")
	}
	t.log.Info("session cleared", livecache.Fields{"reason": reason, "caches": len(clear)})
}

func (id Identity) String() string {
	return fmt.Sprintf("user=%s exp=%s", id.UserID, id.ExpiresAt.Format(time.RFC3339))
}
