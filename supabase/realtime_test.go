package supabase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/skybrasil/livecache"
	"github.com/skybrasil/livecache/realtime"
)

// phxServer is a minimal Phoenix endpoint. Every write goes through out so
// the test and the read loop never write concurrently.
type phxServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	reply    string // "ok", "error" or "" (never reply to joins)

	answerHeartbeats atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn
	outs  []chan message

	joins  chan message
	leaves chan message
}

func newPhxServer(t *testing.T, reply string) (*phxServer, *httptest.Server) {
	s := &phxServer{
		t:      t,
		reply:  reply,
		joins:  make(chan message, 16),
		leaves: make(chan message, 16),
	}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *phxServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/realtime/v1/websocket" || r.URL.Query().Get("apikey") != "anon-key" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	out := make(chan message, 16)
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.outs = append(s.outs, out)
	s.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case m := <-out:
				if err := conn.WriteJSON(m); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		var m message
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		switch m.Event {
		case "phx_join":
			s.joins <- m
			switch s.reply {
			case "ok":
				out <- message{Topic: m.Topic, Event: "phx_reply", Ref: m.Ref, Payload: json.RawMessage(`{"status":"ok","response":{"postgres_changes":[{"id":1}]}}`)}
			case "error":
				out <- message{Topic: m.Topic, Event: "phx_reply", Ref: m.Ref, Payload: json.RawMessage(`{"status":"error","response":{"reason":"invalid filter"}}`)}
			}
		case "phx_leave":
			s.leaves <- m
		case "heartbeat":
			if s.answerHeartbeats.Load() {
				out <- message{Topic: "phoenix", Event: "phx_reply", Ref: m.Ref, Payload: json.RawMessage(`{"status":"ok","response":{}}`)}
			}
		}
	}
}

func (s *phxServer) push(m message) {
	s.mu.Lock()
	out := s.outs[len(s.outs)-1]
	s.mu.Unlock()
	out <- m
}

func (s *phxServer) dropConn() {
	s.mu.Lock()
	c := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	_ = c.Close()
}

func (s *phxServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

type sinkRecorder struct {
	statuses chan realtime.FeedStatus
	errs     chan error
	changes  chan realtime.Change
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{
		statuses: make(chan realtime.FeedStatus, 16),
		errs:     make(chan error, 16),
		changes:  make(chan realtime.Change, 16),
	}
}

func (r *sinkRecorder) sink() realtime.Sink {
	return realtime.Sink{
		OnChange: func(c realtime.Change) { r.changes <- c },
		OnStatus: func(s realtime.FeedStatus, err error) {
			r.errs <- err
			r.statuses <- s
		},
	}
}

func (r *sinkRecorder) wait(t *testing.T, want realtime.FeedStatus) error {
	t.Helper()
	select {
	case err := <-r.errs:
		got := <-r.statuses
		if got != want {
			t.Fatalf("status=%v want %v (err=%v)", got, want, err)
		}
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %v", want)
	}
	return nil
}

func newTestRealtime(t *testing.T, srv *httptest.Server, mut func(*RealtimeConfig)) *Realtime {
	t.Helper()
	cfg := RealtimeConfig{URL: srv.URL, APIKey: "anon-key", Token: func() string { return "user-jwt" }}
	if mut != nil {
		mut(&cfg)
	}
	rt, err := NewRealtime(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestRealtimeJoinAndDeliverChange(t *testing.T) {
	s, srv := newPhxServer(t, "ok")
	rt := newTestRealtime(t, srv, nil)
	rec := newSinkRecorder()

	topic := realtime.Topic{Table: "messages", Event: "INSERT", Filter: "conversation_id=eq.42"}
	if _, err := rt.Subscribe(context.Background(), topic, rec.sink()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, realtime.FeedSubscribed)

	join := <-s.joins
	var p struct {
		Config struct {
			PostgresChanges []map[string]string `json:"postgres_changes"`
		} `json:"config"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(join.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.AccessToken != "user-jwt" {
		t.Fatalf("access_token=%q", p.AccessToken)
	}
	want := map[string]string{"event": "INSERT", "schema": "public", "table": "messages", "filter": "conversation_id=eq.42"}
	if diff := cmp.Diff([]map[string]string{want}, p.Config.PostgresChanges); diff != "" {
		t.Fatalf("postgres_changes mismatch (-want +got):\n%s", diff)
	}

	s.push(message{Topic: join.Topic, Event: "postgres_changes", Payload: json.RawMessage(`{
		"ids":[1],
		"data":{"schema":"public","table":"messages","commit_timestamp":"2025-03-01T12:00:00.123Z",
		        "eventType":"INSERT","new":{"id":"m1","conversation_id":42,"content":"hi"},"old":{}}}`)})

	select {
	case c := <-rec.changes:
		if c.Type != "INSERT" || c.Table != "messages" || c.Record["id"] != "m1" {
			t.Fatalf("change=%+v", c)
		}
		if c.CommitTimestamp.IsZero() {
			t.Fatal("commit timestamp not parsed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
}

func TestRealtimeJoinRejected(t *testing.T) {
	_, srv := newPhxServer(t, "error")
	rt := newTestRealtime(t, srv, nil)
	rec := newSinkRecorder()

	if _, err := rt.Subscribe(context.Background(), realtime.Topic{Table: "messages"}, rec.sink()); err != nil {
		t.Fatal(err)
	}
	err := rec.wait(t, realtime.FeedChannelError)
	if err == nil || !strings.Contains(err.Error(), "invalid filter") {
		t.Fatalf("err=%v", err)
	}
}

func TestRealtimeJoinTimesOut(t *testing.T) {
	_, srv := newPhxServer(t, "")
	rt := newTestRealtime(t, srv, func(c *RealtimeConfig) { c.JoinTimeout = 50 * time.Millisecond })
	rec := newSinkRecorder()

	if _, err := rt.Subscribe(context.Background(), realtime.Topic{Table: "profiles"}, rec.sink()); err != nil {
		t.Fatal(err)
	}
	err := rec.wait(t, realtime.FeedTimedOut)
	if livecache.Classify(err) != livecache.KindTimeout {
		t.Fatalf("kind=%v want timeout", livecache.Classify(err))
	}
}

func TestRealtimeSocketFailureReportsErrorAndRedials(t *testing.T) {
	s, srv := newPhxServer(t, "ok")
	rt := newTestRealtime(t, srv, nil)
	rec := newSinkRecorder()

	if _, err := rt.Subscribe(context.Background(), realtime.Topic{Table: "enrollments"}, rec.sink()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, realtime.FeedSubscribed)

	s.dropConn()
	err := rec.wait(t, realtime.FeedChannelError)
	if livecache.Classify(err) != livecache.KindTransport {
		t.Fatalf("kind=%v want transport", livecache.Classify(err))
	}

	rec2 := newSinkRecorder()
	if _, err := rt.Subscribe(context.Background(), realtime.Topic{Table: "enrollments"}, rec2.sink()); err != nil {
		t.Fatal(err)
	}
	rec2.wait(t, realtime.FeedSubscribed)
	if s.connCount() != 2 {
		t.Fatalf("conns=%d want 2", s.connCount())
	}
}

func TestRealtimeMissedHeartbeatFailsSocket(t *testing.T) {
	_, srv := newPhxServer(t, "ok")
	rt := newTestRealtime(t, srv, func(c *RealtimeConfig) { c.Heartbeat = 30 * time.Millisecond })
	rec := newSinkRecorder()

	if _, err := rt.Subscribe(context.Background(), realtime.Topic{Table: "messages"}, rec.sink()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, realtime.FeedSubscribed)

	err := rec.wait(t, realtime.FeedChannelError)
	if livecache.Classify(err) != livecache.KindTransport || !strings.Contains(err.Error(), "heartbeat") {
		t.Fatalf("err=%v", err)
	}
}

func TestRealtimeAnsweredHeartbeatsKeepSocket(t *testing.T) {
	s, srv := newPhxServer(t, "ok")
	s.answerHeartbeats.Store(true)
	rt := newTestRealtime(t, srv, func(c *RealtimeConfig) { c.Heartbeat = 50 * time.Millisecond })
	rec := newSinkRecorder()

	if _, err := rt.Subscribe(context.Background(), realtime.Topic{Table: "messages"}, rec.sink()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, realtime.FeedSubscribed)

	time.Sleep(300 * time.Millisecond)
	select {
	case st := <-rec.statuses:
		t.Fatalf("unexpected status %v (err=%v)", st, <-rec.errs)
	default:
	}
	if s.connCount() != 1 {
		t.Fatalf("conns=%d want 1", s.connCount())
	}
}

func TestRealtimeServerCloseAndUnsubscribe(t *testing.T) {
	s, srv := newPhxServer(t, "ok")
	rt := newTestRealtime(t, srv, nil)

	rec := newSinkRecorder()
	if _, err := rt.Subscribe(context.Background(), realtime.Topic{Table: "products"}, rec.sink()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, realtime.FeedSubscribed)
	closed := <-s.joins
	s.push(message{Topic: closed.Topic, Event: "phx_close", Payload: json.RawMessage(`{}`)})
	rec.wait(t, realtime.FeedClosed)

	rec2 := newSinkRecorder()
	sub, err := rt.Subscribe(context.Background(), realtime.Topic{Table: "products"}, rec2.sink())
	if err != nil {
		t.Fatal(err)
	}
	rec2.wait(t, realtime.FeedSubscribed)
	join := <-s.joins
	if err := sub.Unsubscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case leave := <-s.leaves:
		if leave.Topic != join.Topic || leave.JoinRef != join.Ref {
			t.Fatalf("leave=%+v join=%+v", leave, join)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no phx_leave")
	}
	if err := sub.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
}

func TestRealtimeRejectsBadFilterBeforeDial(t *testing.T) {
	s, srv := newPhxServer(t, "ok")
	rt := newTestRealtime(t, srv, nil)
	_, err := rt.Subscribe(context.Background(), realtime.Topic{Table: "messages", Filter: "id=between.1"}, newSinkRecorder().sink())
	if err == nil {
		t.Fatal("expected filter error")
	}
	if s.connCount() != 0 {
		t.Fatal("should not dial for an invalid filter")
	}
}

func TestWebsocketURL(t *testing.T) {
	got, err := websocketURL("https://xyz.supabase.co/", "k")
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://xyz.supabase.co/realtime/v1/websocket?apikey=k&vsn=1.0.0" {
		t.Fatalf("url=%s", got)
	}
	if _, err := websocketURL("ftp://x", "k"); err == nil {
		t.Fatal("expected scheme error")
	}
	if red := redactURL(got); strings.Contains(red, "apikey=k") {
		t.Fatalf("apikey not redacted: %s", red)
	}
}
