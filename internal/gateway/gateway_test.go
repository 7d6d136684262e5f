package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/chat"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/store"
	"chatrelay/pkg/logx"
)

type fixture struct {
	gw    *Gateway
	store store.Store
	bus   eventbus.Bus
	srv   *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	bus := eventbus.New()
	gw := New(cfg, st, bus, logx.Nop())
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		gw.CloseAll()
		_ = st.Close()
	})
	return &fixture{gw: gw, store: st, bus: bus, srv: srv}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) waitForMessages(t *testing.T, n int) []chat.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := f.store.Query(context.Background(), store.Filter{})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(msgs) >= n {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d stored messages", n)
	return nil
}

func (f *fixture) waitViewers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if f.gw.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d viewers, got %d", n, f.gw.ClientCount())
}

func readMessage(t *testing.T, conn *websocket.Conn) chat.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m chat.Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestInboundMessagePipeline(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.dial(t)

	payload := map[string]any{
		"author": "user42",
		"body":   "42 test 123 *and some markdown too*",
		"id":     "msg-1",
		"type":   "CHAT",
	}
	if err := conn.WriteJSON(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	msgs := f.waitForMessages(t, 1)
	m := msgs[0]
	if m.ID != "msg-1" {
		t.Fatalf("id not preserved: %s", m.ID)
	}
	if m.Author != "user42" {
		t.Fatalf("author not preserved: %s", m.Author)
	}
	if m.Type != chat.MessageSent {
		t.Fatalf("type not preserved: %s", m.Type)
	}
	if want := "<p>42 test 123 <em>and some markdown too</em></p>"; m.Body != want {
		t.Fatalf("rendered body = %q, want %q", m.Body, want)
	}
	if !m.Visible {
		t.Fatalf("visible should default to true")
	}
	if m.Timestamp.IsZero() {
		t.Fatalf("timestamp not stamped")
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.dial(t)

	// Malformed JSON, then a missing author, then an unknown type: all dropped.
	_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	_ = conn.WriteJSON(map[string]any{"body": "no author"})
	_ = conn.WriteJSON(map[string]any{"author": "a", "body": "b", "type": "BOGUS"})

	// The connection survives and a valid frame still goes through.
	if err := conn.WriteJSON(map[string]any{"author": "a", "body": "hello"}); err != nil {
		t.Fatalf("write after bad frames: %v", err)
	}

	msgs := f.waitForMessages(t, 1)
	if len(msgs) != 1 {
		t.Fatalf("expected only the valid frame stored, got %d", len(msgs))
	}
	if msgs[0].Author != "a" {
		t.Fatalf("wrong message stored: %+v", msgs[0])
	}
}

func TestInboundRateLimit(t *testing.T) {
	// Burst of 2 and a refill rate too slow to matter within the test.
	f := newFixture(t, Config{MessageRate: 0.001, MessageBurst: 2})
	conn := f.dial(t)

	for i := 0; i < 6; i++ {
		if err := conn.WriteJSON(map[string]any{"author": "spammer", "body": "msg", "id": "flood-" + string(rune('a'+i))}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	f.waitForMessages(t, 2)
	time.Sleep(50 * time.Millisecond)
	msgs, _ := f.store.Query(context.Background(), store.Filter{})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages within burst, got %d", len(msgs))
	}

	// The connection itself survives throttling.
	if err := conn.WriteJSON(map[string]any{"author": "spammer", "body": "still here"}); err != nil {
		t.Fatalf("write after throttle: %v", err)
	}
}

func TestBroadcastReachesAllViewers(t *testing.T) {
	f := newFixture(t, Config{})
	sender := f.dial(t)
	viewer := f.dial(t)
	f.waitViewers(t, 2)

	if err := sender.WriteJSON(map[string]any{"author": "x", "body": "fan *out*"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readMessage(t, viewer)
	if got.Author != "x" || !strings.Contains(got.Body, "<em>out</em>") {
		t.Fatalf("viewer got %+v", got)
	}

	// The sender's own connection gets the echo too.
	echo := readMessage(t, sender)
	if echo.Author != "x" {
		t.Fatalf("sender echo got %+v", echo)
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.dial(t)

	for i := 0; i < 2; i++ {
		if err := conn.WriteJSON(map[string]any{"author": "a", "body": "b", "id": "same"}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	f.waitForMessages(t, 1)
	time.Sleep(50 * time.Millisecond)
	msgs, _ := f.store.Query(context.Background(), store.Filter{})
	if len(msgs) != 1 {
		t.Fatalf("duplicate id stored twice: %d messages", len(msgs))
	}
}

func TestInjectSystemMessage(t *testing.T) {
	f := newFixture(t, Config{ServerName: "relay"})
	viewer := f.dial(t)
	f.waitViewers(t, 1)

	events, unsub := f.bus.Subscribe(4, chat.SystemMessage)
	defer unsub()

	msg, err := f.gw.InjectSystemMessage(context.Background(), "maintenance in *5 minutes*")
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if msg.Type != chat.SystemMessage || msg.Author != "relay" {
		t.Fatalf("unexpected system message: %+v", msg)
	}
	if !strings.Contains(msg.Body, "<em>5 minutes</em>") {
		t.Fatalf("system body not rendered: %q", msg.Body)
	}

	// Stored, published and broadcast like any chat message.
	f.waitForMessages(t, 1)
	select {
	case e := <-events:
		if e.Type != chat.SystemMessage {
			t.Fatalf("bus event type %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no bus event for system message")
	}
	got := readMessage(t, viewer)
	if got.Type != chat.SystemMessage {
		t.Fatalf("viewer got %+v", got)
	}
}

func TestInjectSystemMessageRequiresBody(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.gw.InjectSystemMessage(context.Background(), "   "); err == nil {
		t.Fatalf("expected validation error for empty body")
	}
}

func TestWelcomeMessageOnConnect(t *testing.T) {
	f := newFixture(t, Config{ServerName: "relay", WelcomeMessage: "welcome to the *stream*"})
	conn := f.dial(t)

	got := readMessage(t, conn)
	if got.Type != chat.SystemMessage || got.Author != "relay" {
		t.Fatalf("unexpected welcome: %+v", got)
	}
	if !strings.Contains(got.Body, "<em>stream</em>") {
		t.Fatalf("welcome not rendered: %q", got.Body)
	}
}

func TestSetMessageVisibilityAnnounces(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.dial(t)
	f.waitViewers(t, 1)

	if err := conn.WriteJSON(map[string]any{"author": "a", "body": "hide me", "id": "target"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.waitForMessages(t, 1)
	readMessage(t, conn) // drain the chat echo

	changed, err := f.gw.SetMessageVisibility(context.Background(), []string{"target"}, false)
	if err != nil {
		t.Fatalf("set visibility: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected 1 change, got %d", changed)
	}

	update := readMessage(t, conn)
	if update.Type != chat.VisibilityUpdate || update.ID != "target" || update.Visible {
		t.Fatalf("unexpected visibility update: %+v", update)
	}

	m, _ := f.store.GetByID(context.Background(), "target")
	if m.Visible {
		t.Fatalf("store not updated")
	}
}

func TestClientCount(t *testing.T) {
	f := newFixture(t, Config{})
	if f.gw.ClientCount() != 0 {
		t.Fatalf("expected 0 viewers")
	}
	f.dial(t)
	f.dial(t)
	f.waitViewers(t, 2)
}
