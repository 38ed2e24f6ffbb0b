package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skybrasil/livecache/profiles"
	"github.com/skybrasil/livecache/roles"
)

type RESTConfig struct {
	// Required
	URL    string
	APIKey string

	// Token returns the user's access token for row-level security; nil or
	// "" falls back to the API key.
	Token      func() string
	HTTPClient *http.Client // nil => 30s timeout client
}

// rest is a minimal PostgREST reader.
type rest struct {
	base   string
	apiKey string
	token  func() string
	http   *http.Client
}

func newREST(cfg RESTConfig) (rest, error) {
	if cfg.URL == "" || cfg.APIKey == "" {
		return rest{}, fmt.Errorf("supabase rest: url and api key are required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return rest{
		base:   strings.TrimRight(cfg.URL, "/") + "/rest/v1",
		apiKey: cfg.APIKey,
		token:  cfg.Token,
		http:   hc,
	}, nil
}

// postgrestError is the PostgREST error body.
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// get reads table rows matching q into out. Errors keep the PostgREST code
// and message so session failures ("JWT expired", PGRST301) classify as such.
func (r rest) get(ctx context.Context, op, table string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/"+table+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	bearer := r.apiKey
	if r.token != nil {
		if tok := r.token(); tok != "" {
			bearer = tok
		}
	}
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var pe postgrestError
		if json.Unmarshal(body, &pe) == nil && pe.Message != "" {
			return fmt.Errorf("%s: http %d %s: %s", op, resp.StatusCode, pe.Code, pe.Message)
		}
		return fmt.Errorf("%s: http %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}

// RoleLookup checks the user_roles table through PostgREST.
type RoleLookup struct{ rest }

var _ roles.Lookup = (*RoleLookup)(nil)

func NewRoleLookup(cfg RESTConfig) (*RoleLookup, error) {
	r, err := newREST(cfg)
	if err != nil {
		return nil, err
	}
	return &RoleLookup{r}, nil
}

// HasRole reports whether userID holds role.
func (l *RoleLookup) HasRole(ctx context.Context, userID, role string) (bool, error) {
	q := url.Values{}
	q.Set("select", "role")
	q.Set("user_id", "eq."+userID)
	q.Set("role", "eq."+role)
	q.Set("limit", "1")

	var rows []map[string]any
	if err := l.get(ctx, "role lookup", "user_roles", q, &rows); err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// ProfileLookup reads the profiles table through PostgREST.
type ProfileLookup struct{ rest }

var _ profiles.Lookup = (*ProfileLookup)(nil)

func NewProfileLookup(cfg RESTConfig) (*ProfileLookup, error) {
	r, err := newREST(cfg)
	if err != nil {
		return nil, err
	}
	return &ProfileLookup{r}, nil
}

// Profile returns the row for userID, or profiles.ErrNotFound.
func (l *ProfileLookup) Profile(ctx context.Context, userID string) (profiles.Profile, error) {
	q := url.Values{}
	q.Set("select", profiles.Columns)
	q.Set("id", "eq."+userID)
	q.Set("limit", "1")

	var rows []map[string]any
	if err := l.get(ctx, "profile lookup", "profiles", q, &rows); err != nil {
		return profiles.Profile{}, err
	}
	if len(rows) == 0 {
		return profiles.Profile{}, fmt.Errorf("profile %q: %w", userID, profiles.ErrNotFound)
	}
	p, ok := profiles.FromRecord(rows[0])
	if !ok {
		return profiles.Profile{}, fmt.Errorf("profile %q: row has no id", userID)
	}
	return p, nil
}
