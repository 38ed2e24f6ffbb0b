// Package supabase implements the backend collaborators over Supabase:
// the realtime change-feed (Phoenix channels over websocket) and a PostgREST
// role lookup.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skybrasil/livecache"
	"github.com/skybrasil/livecache/realtime"
)

const (
	DefaultHeartbeat   = 25 * time.Second
	DefaultJoinTimeout = 10 * time.Second
)

type RealtimeConfig struct {
	// Required
	URL    string // project URL, e.g. https://xyz.supabase.co
	APIKey string

	// Token returns the user's access token; nil or "" joins as anon.
	Token func() string

	Heartbeat   time.Duration // 0 => 25s
	JoinTimeout time.Duration // 0 => 10s
	Dialer      *websocket.Dialer
	Logger      livecache.Logger
}

// Realtime is a realtime.Feed over one shared websocket. The socket is dialed
// lazily on the first Subscribe and redialed after a failure. A heartbeat
// still unanswered when the next one is due, or a read silence longer than
// three heartbeats, fails the socket.
type Realtime struct {
	url         string
	token       func() string
	heartbeat   time.Duration
	joinTimeout time.Duration
	dialer      *websocket.Dialer
	log         livecache.Logger

	writeMu sync.Mutex
	dialMu  sync.Mutex // one dial at a time; r.mu is not held while dialing

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{}
	channels map[string]*channel // by Phoenix topic
	ref      uint64
	hbRef    string // ref of the heartbeat awaiting its reply
	closed   bool
}

var _ realtime.Feed = (*Realtime)(nil)

// message is a Phoenix v1 JSON frame.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type channel struct {
	rt      *Realtime
	topic   string
	joinRef string
	sink    realtime.Sink
	joined  bool
	timer   *time.Timer
}

func NewRealtime(cfg RealtimeConfig) (*Realtime, error) {
	if cfg.URL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase realtime: url and api key are required")
	}
	wsURL, err := websocketURL(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	d := cfg.Dialer
	if d == nil {
		d = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Realtime{
		url:         wsURL,
		token:       cfg.Token,
		heartbeat:   livecache.Coalesce(cfg.Heartbeat, DefaultHeartbeat),
		joinTimeout: livecache.Coalesce(cfg.JoinTimeout, DefaultJoinTimeout),
		dialer:      d,
		log:         livecache.Coalesce[livecache.Logger](cfg.Logger, livecache.NopLogger{}),
		channels:    make(map[string]*channel),
	}, nil
}

func websocketURL(base, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("supabase realtime: parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("supabase realtime: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe joins a postgres_changes channel for topic. The join outcome is
// reported through sink.OnStatus: SUBSCRIBED, CHANNEL_ERROR, or TIMED_OUT
// after JoinTimeout.
func (r *Realtime) Subscribe(ctx context.Context, topic realtime.Topic, sink realtime.Sink) (realtime.FeedSubscription, error) {
	filter := topic.Filter
	if filter != "" {
		f, err := ParseFilter(filter)
		if err != nil {
			return nil, err
		}
		filter = f.String()
	}

	if err := r.ensureConn(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.ref++
	ref := strconv.FormatUint(r.ref, 10)
	ch := &channel{
		rt:      r,
		topic:   "realtime:lc-" + ref,
		joinRef: ref,
		sink:    sink,
	}
	ch.timer = time.AfterFunc(r.joinTimeout, ch.joinTimedOut)
	r.channels[ch.topic] = ch
	r.mu.Unlock()

	change := map[string]string{
		"event":  topic.EventOrDefault(),
		"schema": topic.SchemaOrDefault(),
		"table":  topic.Table,
	}
	if filter != "" {
		change["filter"] = filter
	}
	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"ack": false, "self": false},
			"presence":         map[string]any{"key": ""},
			"postgres_changes": []map[string]string{change},
			"private":          false,
		},
	}
	if tok := r.accessToken(); tok != "" {
		payload["access_token"] = tok
	}

	if err := r.send(ch.topic, "phx_join", payload, ref, ref); err != nil {
		r.drop(ch)
		return nil, err
	}
	r.log.Debug("realtime join sent", livecache.Fields{"topic": ch.topic, "table": topic.Table, "filter": filter})
	return ch, nil
}

// SetAccessToken pushes a refreshed token to every joined channel.
func (r *Realtime) SetAccessToken(token string) {
	r.mu.Lock()
	r.token = func() string { return token }
	var topics []string
	for t, ch := range r.channels {
		if ch.joined {
			topics = append(topics, t)
		}
	}
	r.mu.Unlock()

	for _, t := range topics {
		if err := r.send(t, "access_token", map[string]string{"access_token": token}, r.nextRef(), ""); err != nil {
			r.log.Warn("realtime token push failed", livecache.Fields{"topic": t, "err": err.Error()})
		}
	}
}

// Close drops the socket without reporting channel status.
func (r *Realtime) Close() error {
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	r.conn = nil
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	for _, ch := range r.channels {
		ch.stopTimerLocked()
	}
	r.channels = make(map[string]*channel)
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	r.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	return conn.Close()
}

func (r *Realtime) accessToken() string {
	r.mu.Lock()
	tok := r.token
	r.mu.Unlock()
	if tok == nil {
		return ""
	}
	return tok()
}

func (r *Realtime) nextRef() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ref++
	return strconv.FormatUint(r.ref, 10)
}

func (r *Realtime) ensureConn(ctx context.Context) error {
	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	r.mu.Lock()
	closed, connected := r.closed, r.conn != nil
	r.mu.Unlock()
	if closed {
		return livecache.ErrClosed
	}
	if connected {
		return nil
	}

	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return &livecache.Error{Kind: livecache.KindTransport, Op: "realtime dial", Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return livecache.ErrClosed
	}
	r.conn = conn
	r.hbRef = ""
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	go r.readLoop(conn)
	go r.heartbeatLoop(conn, done)
	r.log.Info("realtime connected", livecache.Fields{"url": redactURL(r.url)})
	return nil
}

func (r *Realtime) send(topic, event string, payload any, ref, joinRef string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime encode %s: %w", event, err)
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return &livecache.Error{Kind: livecache.KindTransport, Op: "realtime " + event, Key: topic, Err: errors.New("not connected")}
	}

	r.writeMu.Lock()
	err = conn.WriteJSON(message{Topic: topic, Event: event, Payload: raw, Ref: ref, JoinRef: joinRef})
	r.writeMu.Unlock()
	if err != nil {
		r.fail(conn, err)
		return &livecache.Error{Kind: livecache.KindTransport, Op: "realtime " + event, Key: topic, Err: err}
	}
	return nil
}

func (r *Realtime) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	t := time.NewTicker(r.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			ref := r.nextRef()
			r.mu.Lock()
			missed := r.conn == conn && r.hbRef != ""
			if !missed {
				r.hbRef = ref
			}
			r.mu.Unlock()
			if missed {
				r.fail(conn, errors.New("heartbeat reply not received"))
				return
			}
			if err := r.send("phoenix", "heartbeat", struct{}{}, ref, ""); err != nil {
				return
			}
		}
	}
}

func (r *Realtime) readLoop(conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * r.heartbeat))
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.fail(conn, err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.Debug("realtime frame ignored", livecache.Fields{"err": err.Error()})
			continue
		}
		r.dispatch(msg)
	}
}

// fail tears down conn and reports CHANNEL_ERROR to every channel on it. The
// next Subscribe redials.
func (r *Realtime) fail(conn *websocket.Conn, cause error) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	chans := r.channels
	r.channels = make(map[string]*channel)
	closed := r.closed
	r.mu.Unlock()

	_ = conn.Close()
	if closed {
		return
	}
	r.log.Warn("realtime socket failed", livecache.Fields{"channels": len(chans), "err": cause.Error()})
	err := &livecache.Error{Kind: livecache.KindTransport, Op: "realtime read", Err: cause}
	for _, ch := range chans {
		ch.stopTimer()
		ch.status(realtime.FeedChannelError, err)
	}
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type systemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type changePayload struct {
	Data struct {
		Schema          string         `json:"schema"`
		Table           string         `json:"table"`
		CommitTimestamp string         `json:"commit_timestamp"`
		EventType       string         `json:"eventType"`
		Type            string         `json:"type"`
		New             map[string]any `json:"new"`
		Record          map[string]any `json:"record"`
		Old             map[string]any `json:"old"`
		OldRecord       map[string]any `json:"old_record"`
	} `json:"data"`
}

func (r *Realtime) dispatch(msg message) {
	r.mu.Lock()
	if msg.Topic == "phoenix" {
		if msg.Event == "phx_reply" && msg.Ref == r.hbRef {
			r.hbRef = ""
		}
		r.mu.Unlock()
		return
	}
	ch, ok := r.channels[msg.Topic]
	r.mu.Unlock()
	if !ok {
		return
	}

	switch msg.Event {
	case "phx_reply":
		if msg.Ref != ch.joinRef {
			return
		}
		var p replyPayload
		_ = json.Unmarshal(msg.Payload, &p)
		if p.Status == "ok" {
			if ch.markJoined() {
				ch.sink.OnStatus(realtime.FeedSubscribed, nil)
			}
			return
		}
		if r.drop(ch) {
			ch.status(realtime.FeedChannelError, fmt.Errorf("realtime join rejected: %s", strings.TrimSpace(string(p.Response))))
		}
	case "system":
		var p systemPayload
		_ = json.Unmarshal(msg.Payload, &p)
		if p.Status == "error" && r.drop(ch) {
			ch.status(realtime.FeedChannelError, fmt.Errorf("realtime system error: %s", p.Message))
		}
	case "phx_error":
		if r.drop(ch) {
			ch.status(realtime.FeedChannelError, errors.New("realtime channel crashed"))
		}
	case "phx_close":
		if r.drop(ch) {
			ch.status(realtime.FeedClosed, nil)
		}
	case "postgres_changes":
		var p changePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			r.log.Warn("realtime change ignored", livecache.Fields{"topic": msg.Topic, "err": err.Error()})
			return
		}
		if ch.sink.OnChange != nil {
			ch.sink.OnChange(toChange(p))
		}
	}
}

func toChange(p changePayload) realtime.Change {
	d := p.Data
	c := realtime.Change{
		Schema:    d.Schema,
		Table:     d.Table,
		Type:      d.EventType,
		Record:    d.New,
		OldRecord: d.Old,
	}
	if c.Type == "" {
		c.Type = d.Type
	}
	if c.Record == nil {
		c.Record = d.Record
	}
	if c.OldRecord == nil {
		c.OldRecord = d.OldRecord
	}
	if ts, err := time.Parse(time.RFC3339Nano, d.CommitTimestamp); err == nil {
		c.CommitTimestamp = ts
	}
	return c
}

// drop unregisters ch; false if it was already gone.
func (r *Realtime) drop(ch *channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[ch.topic] != ch {
		return false
	}
	delete(r.channels, ch.topic)
	ch.stopTimerLocked()
	return true
}

// Unsubscribe leaves the channel. Safe after the socket died.
func (ch *channel) Unsubscribe(ctx context.Context) error {
	if !ch.rt.drop(ch) {
		return nil
	}
	err := ch.rt.send(ch.topic, "phx_leave", struct{}{}, ch.rt.nextRef(), ch.joinRef)
	if err != nil && livecache.Classify(err) == livecache.KindTransport {
		return nil
	}
	return err
}

func (ch *channel) joinTimedOut() {
	if ch.rt.drop(ch) {
		ch.rt.log.Warn("realtime join timed out", livecache.Fields{"topic": ch.topic})
		ch.status(realtime.FeedTimedOut, &livecache.Error{Kind: livecache.KindTimeout, Op: "realtime join", Key: ch.topic, Err: livecache.ErrTimeout})
	}
}

func (ch *channel) markJoined() bool {
	ch.rt.mu.Lock()
	defer ch.rt.mu.Unlock()
	if ch.joined || ch.rt.channels[ch.topic] != ch {
		return false
	}
	ch.joined = true
	ch.stopTimerLocked()
	return true
}

func (ch *channel) status(s realtime.FeedStatus, err error) {
	if ch.sink.OnStatus != nil {
		ch.sink.OnStatus(s, err)
	}
}

func (ch *channel) stopTimer() {
	ch.rt.mu.Lock()
	ch.stopTimerLocked()
	ch.rt.mu.Unlock()
}

func (ch *channel) stopTimerLocked() {
	if ch.timer != nil {
		ch.timer.Stop()
	}
}

func redactURL(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	q := u.Query()
	if q.Has("apikey") {
		q.Set("apikey", "redacted")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
