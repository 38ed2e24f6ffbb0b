// Command livecache watches Supabase tables through the realtime layer and
// prints deduplicated change events and query invalidations as JSON lines.
//
//	livecache -config livecache.toml -watch messages:conversation_id=eq.42 -watch enrollments
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skybrasil/livecache"
	"github.com/skybrasil/livecache/config"
	"github.com/skybrasil/livecache/dedup"
	"github.com/skybrasil/livecache/fanout"
	"github.com/skybrasil/livecache/genstore"
	asynchook "github.com/skybrasil/livecache/hooks/async"
	promhooks "github.com/skybrasil/livecache/hooks/prom"
	lczap "github.com/skybrasil/livecache/log/zap"
	"github.com/skybrasil/livecache/profiles"
	"github.com/skybrasil/livecache/provider"
	"github.com/skybrasil/livecache/provider/bigcache"
	rprov "github.com/skybrasil/livecache/provider/redis"
	"github.com/skybrasil/livecache/provider/ristretto"
	"github.com/skybrasil/livecache/realtime"
	"github.com/skybrasil/livecache/roles"
	"github.com/skybrasil/livecache/session"
	"github.com/skybrasil/livecache/sloghooks"
	"github.com/skybrasil/livecache/supabase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "livecache: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	watches     watchList
	metricsAddr string
	checkAdmin  string
	logHooks    bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("livecache", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to a .toml or .yaml config file (LIVECACHE_* env vars override it)")
	fs.Var(&opts.watches, "watch", "table[:filter] to watch, e.g. messages:conversation_id=eq.42 (repeatable)")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (empty = off)")
	fs.StringVar(&opts.checkAdmin, "check-admin", "", "resolve the admin role for this user ID at startup")
	fs.BoolVar(&opts.logHooks, "log-hooks", false, "log hook events to stderr via slog")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if len(opts.watches) == 0 {
		return opts, errors.New("at least one -watch is required")
	}
	return opts, nil
}

// watch is one -watch value.
type watch struct {
	Table  string
	Filter string
}

type watchList []watch

func (w *watchList) String() string {
	parts := make([]string, len(*w))
	for i, x := range *w {
		parts[i] = x.key()
	}
	return strings.Join(parts, ",")
}

func (w *watchList) Set(v string) error {
	table, filter, _ := strings.Cut(strings.TrimSpace(v), ":")
	if table == "" {
		return fmt.Errorf("watch %q: table is required", v)
	}
	if filter != "" {
		f, err := supabase.ParseFilter(filter)
		if err != nil {
			return fmt.Errorf("watch %q: %w", v, err)
		}
		filter = f.String()
	}
	*w = append(*w, watch{Table: table, Filter: filter})
	return nil
}

func (w watch) key() string {
	if w.Filter == "" {
		return w.Table
	}
	return w.Table + ":" + w.Filter
}

// tableTypes maps watched tables to the resource types whose queries they feed.
var tableTypes = map[string]fanout.ResourceType{
	"enrollments":   fanout.Enrollments,
	"messages":      fanout.Messages,
	"conversations": fanout.Conversations,
	"profiles":      fanout.Profiles,
	"products":      fanout.Products,
	"user_roles":    fanout.Roles,
	"subscriptions": fanout.Subscriptions,
}

func resourceFor(w watch) realtime.Resource {
	res := realtime.Resource{
		Key:   w.key(),
		Topic: realtime.Topic{Table: w.Table, Filter: w.Filter},
		Type:  tableTypes[w.Table],
	}
	if w.Table == "messages" {
		res.Discrete = realtime.InsertsByColumns("id", "conversation_id", "content")
	}
	return res
}

// printer writes one JSON object per line.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer { return &printer{enc: json.NewEncoder(w)} }

func (p *printer) print(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(v)
}

type eventLine struct {
	Kind       string            `json:"kind"`
	Resource   string            `json:"resource,omitempty"`
	Type       string            `json:"type,omitempty"`
	Table      string            `json:"table,omitempty"`
	Record     map[string]any    `json:"record,omitempty"`
	OldRecord  map[string]any    `json:"old_record,omitempty"`
	Status     string            `json:"status,omitempty"`
	Queries    []string          `json:"queries,omitempty"`
	User       string            `json:"user,omitempty"`
	Profile    *profiles.Profile `json:"profile,omitempty"`
	IsAdmin    *bool             `json:"is_admin,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	ReceivedAt *time.Time        `json:"received_at,omitempty"`
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Supabase.URL == "" || cfg.Supabase.APIKey == "" {
		return errors.New("supabase.url and supabase.api_key are required")
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := lczap.New(zl, "livecache")
	notifier := lczap.Notifier{L: zl.Named("notice")}

	metrics := promhooks.New("livecache")
	sinks := livecache.MultiHooks{metrics}
	if opts.logHooks {
		sinks = append(sinks, sloghooks.New(slog.New(slog.NewJSONHandler(stderr, nil)), sloghooks.Options{DuplicateEvery: 10}))
	}
	hooks := asynchook.New(sinks, 1, 1024)
	defer hooks.Close()

	var rdb goredis.UniversalClient
	if cfg.Store.Backend == "redis" || cfg.Memo.Tier == "redis" {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.Store.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	var store genstore.Store
	if cfg.Store.Backend == "redis" {
		store = genstore.NewRedis(rdb, cfg.Store.Namespace, cfg.Store.TTL.Std())
	} else {
		store = genstore.NewLocal(livecache.SystemClock{}, time.Minute, 24*time.Hour)
	}
	inv := fanout.New(fanout.Options{Table: cfg.Table(), Store: store, Logger: logger, Hooks: hooks})
	defer func() { _ = inv.Close(context.Background()) }()

	out := newPrinter(stdout)

	var tracker *session.Tracker
	feed, err := supabase.NewRealtime(supabase.RealtimeConfig{
		URL:         cfg.Supabase.URL,
		APIKey:      cfg.Supabase.APIKey,
		Token:       func() string { return tracker.AccessToken() },
		Heartbeat:   cfg.Supabase.Heartbeat.Std(),
		JoinTimeout: cfg.Supabase.JoinTimeout.Std(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = feed.Close() }()
	tracker = session.NewTracker(session.Options{Logger: logger, OnToken: feed.SetAccessToken})

	dopts := cfg.DedupOptions()
	dopts.Logger = logger
	dd := dedup.New(dopts)

	mgr, err := realtime.NewManager(realtime.Options{
		Feed:        feed,
		Dedup:       dd,
		Invalidator: inv,
		Reconnect:   cfg.ReconnectPolicy(),
		Logger:      logger,
		Hooks:       hooks,
		Notifier:    notifier,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	tier, err := memoTier(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	if tier != nil {
		defer func() { _ = tier.Close(context.Background()) }()
	}
	lookup, closeLookup, err := roleLookup(ctx, cfg, tracker)
	if err != nil {
		return err
	}
	defer closeLookup()
	checker, err := roles.NewChecker(roles.Options{
		Lookup:      lookup,
		TTL:         cfg.Memo.TTL.Std(),
		MaxAttempts: cfg.Memo.MaxAttempts,
		RetryStep:   cfg.Memo.RetryStep.Std(),
		Timeout:     cfg.Memo.RoleTimeout.Std(),
		Provider:    tier,
		Codec:       cfg.Memo.RoleCodec,
		Logger:      logger,
		Hooks:       hooks,
		Notifier:    notifier,
	})
	if err != nil {
		return err
	}
	profileLookup, err := supabase.NewProfileLookup(supabase.RESTConfig{
		URL:    cfg.Supabase.URL,
		APIKey: cfg.Supabase.APIKey,
		Token:  tracker.AccessToken,
	})
	if err != nil {
		return err
	}
	profileStore, err := profiles.New(profiles.Options{
		Lookup:      profileLookup,
		TTL:         cfg.Memo.TTL.Std(),
		MaxAttempts: cfg.Memo.MaxAttempts,
		RetryStep:   cfg.Memo.RetryStep.Std(),
		Timeout:     cfg.Memo.ProfileTimeout.Std(),
		Provider:    tier,
		Codec:       cfg.Memo.ProfileCodec,
		Logger:      logger,
		Hooks:       hooks,
		Notifier:    notifier,
	})
	if err != nil {
		return err
	}
	tracker.Register(dd, checker, profileStore)

	remove := inv.OnInvalidate(func(rt fanout.ResourceType, keys []fanout.QueryKey) {
		if rt == fanout.Roles {
			checker.Clear()
		}
		qs := make([]string, len(keys))
		for i, k := range keys {
			qs[i] = string(k)
		}
		out.print(eventLine{Kind: "invalidate", Type: string(rt), Queries: qs})
	})
	defer remove()

	if cfg.Supabase.AccessToken != "" {
		if err := tracker.Handle(session.AuthEvent{Kind: session.SignedIn, AccessToken: cfg.Supabase.AccessToken}); err != nil {
			return fmt.Errorf("access token: %w", err)
		}
	}

	if uid := tracker.UserID(); uid != "" {
		if r := profileStore.Get(ctx, uid); r.OK() {
			out.print(eventLine{Kind: "profile", User: uid, Profile: &r.Value})
		}
		h, err := profileStore.Watch(ctx, mgr, uid, func(p profiles.Profile) {
			out.print(eventLine{Kind: "profile", User: p.ID, Profile: &p})
		})
		if err != nil {
			return fmt.Errorf("watch profile: %w", err)
		}
		defer mgr.Unsubscribe(h)
	}

	if opts.checkAdmin != "" {
		st := checker.IsAdmin(ctx, opts.checkAdmin)
		out.print(eventLine{Kind: "role", User: opts.checkAdmin, IsAdmin: &st.IsAdmin, Reason: st.Reason})
	}

	for _, w := range opts.watches {
		res := resourceFor(w)
		h, err := mgr.Subscribe(ctx, res, realtime.Callbacks{
			OnEvent: func(e realtime.Event) {
				at := e.ReceivedAt
				out.print(eventLine{
					Kind:       "change",
					Resource:   e.ResourceKey,
					Type:       e.Change.Type,
					Table:      e.Change.Table,
					Record:     e.Change.Record,
					OldRecord:  e.Change.OldRecord,
					ReceivedAt: &at,
				})
			},
			OnStatus: func(s realtime.Status) {
				out.print(eventLine{Kind: "status", Resource: res.Key, Status: s.String()})
			},
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", res.Key, err)
		}
		defer mgr.Unsubscribe(h)
	}

	var srv *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", livecache.Fields{"err": err.Error()})
			}
		}()
	}

	logger.Info("watching", livecache.Fields{"resources": opts.watches.String()})
	<-ctx.Done()
	logger.Info("shutting down", nil)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

// memoTier builds the configured shared tier for role results; nil when off.
func memoTier(ctx context.Context, cfg config.Config, rdb goredis.UniversalClient) (provider.Provider, error) {
	switch cfg.Memo.Tier {
	case "":
		return nil, nil
	case "bigcache":
		return bigcache.New(ctx, bigcache.Config{LifeWindow: cfg.Memo.TTL.Std()})
	case "ristretto":
		return ristretto.New(ristretto.Config{NumCounters: 1e5, MaxCost: 1 << 20, BufferItems: 64, SyncWrites: true})
	case "redis":
		return rprov.New(rprov.Config{Client: rdb, Prefix: cfg.Store.Namespace + ":"})
	default:
		return nil, fmt.Errorf("unknown memo tier %q", cfg.Memo.Tier)
	}
}

// roleLookup prefers a direct Postgres connection when one is configured.
func roleLookup(ctx context.Context, cfg config.Config, tracker *session.Tracker) (roles.Lookup, func(), error) {
	if cfg.Supabase.DatabaseURL != "" {
		db, err := roles.OpenPostgres(ctx, cfg.Supabase.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return roles.NewSQLLookup(db), func() { _ = db.Close() }, nil
	}
	l, err := supabase.NewRoleLookup(supabase.RESTConfig{
		URL:    cfg.Supabase.URL,
		APIKey: cfg.Supabase.APIKey,
		Token:  tracker.AccessToken,
	})
	if err != nil {
		return nil, nil, err
	}
	return l, func() {}, nil
}
