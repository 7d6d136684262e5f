// Package gateway manages inbound chat connections and the viewer broadcast.
//
// Every accepted message runs the same pipeline: validate, stamp defaults,
// render markdown, append to the store, publish on the bus, broadcast to
// connected viewers. The integration surface injects system messages through
// the same path.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/internal/chat"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/render"
	"chatrelay/internal/store"
	"chatrelay/pkg/logx"
)

// Config controls per-connection behavior.
//
// Defaults (when fields are omitted/zero):
//   - send_buffer: 100 messages per viewer
//   - max_message_bytes: 16384
//   - ping_interval: 30s
//   - write_timeout: 5s
//   - message_rate: 0.6 messages/sec per viewer, burst 5
type Config struct {
	ServerName      string
	WelcomeMessage  string
	SendBuffer      int
	MaxMessageBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MessageRate     float64
	MessageBurst    int
}

func (c Config) withDefaults() Config {
	if c.ServerName == "" {
		c.ServerName = "server"
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 100
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 16 << 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MessageRate <= 0 {
		c.MessageRate = 0.6
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 5
	}
	return c
}

type Gateway struct {
	cfg      Config
	store    store.Store
	bus      eventbus.Bus
	log      logx.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

func New(cfg Config, st store.Store, bus eventbus.Bus, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		cfg:     cfg.withDefaults(),
		store:   st,
		bus:     bus,
		log:     log,
		clients: map[string]*client{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// inboundMessage is the wire shape clients send. Pointer fields distinguish
// "omitted" from zero values so the server can stamp defaults.
type inboundMessage struct {
	ID        string     `json:"id"`
	Author    string     `json:"author"`
	Body      string     `json:"body"`
	Type      string     `json:"type"`
	Visible   *bool      `json:"visible"`
	Timestamp *time.Time `json:"timestamp"`
}

// HandleWS upgrades the connection and serves it until disconnect.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("ws upgrade failed", logx.Err(err))
		return
	}

	c := newClient(uuid.NewString(), conn, g.cfg.SendBuffer, g.cfg.MessageRate, g.cfg.MessageBurst)

	g.mu.Lock()
	g.clients[c.id] = c
	count := len(g.clients)
	g.mu.Unlock()
	g.log.Info("viewer connected", logx.String("client", c.id), logx.Int("viewers", count))

	go c.writePump(g.cfg.PingInterval, g.cfg.WriteTimeout)

	if g.cfg.WelcomeMessage != "" {
		c.enqueue(chat.Message{
			ID:        uuid.NewString(),
			Author:    g.cfg.ServerName,
			Body:      render.Markdown(g.cfg.WelcomeMessage),
			Type:      chat.SystemMessage,
			Visible:   true,
			Timestamp: time.Now().UTC(),
		})
	}

	g.readLoop(r.Context(), c)

	g.removeClient(c)
}

func (g *Gateway) readLoop(ctx context.Context, c *client) {
	defer c.close()

	c.conn.SetReadLimit(g.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * g.cfg.PingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * g.cfg.PingInterval))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * g.cfg.PingInterval))

		// A viewer over the limit loses the frame, not the connection.
		if !c.passesRateLimit() {
			g.log.Debug("viewer exceeded message rate", logx.String("client", c.id))
			continue
		}

		msg, err := parseInbound(data)
		if err != nil {
			// Protocol error is per-frame: drop the frame, keep the connection.
			g.log.Debug("dropping malformed frame", logx.String("client", c.id), logx.Err(err))
			continue
		}
		c.messageCount++

		if _, err := g.Accept(ctx, msg); err != nil {
			g.log.Debug("message rejected", logx.String("client", c.id), logx.Err(err))
		}
	}
}

func parseInbound(data []byte) (chat.Message, error) {
	var in inboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return chat.Message{}, err
	}

	msg := chat.Message{
		ID:      in.ID,
		Author:  in.Author,
		RawBody: in.Body,
		Type:    chat.MessageSent,
		Visible: true,
	}
	if in.Type != "" {
		msg.Type = chat.EventType(in.Type)
	}
	if msg.Type != chat.MessageSent {
		// Viewers may only produce CHAT; SYSTEM comes from the integration surface.
		return chat.Message{}, chat.ErrUnknownType
	}
	if in.Visible != nil {
		msg.Visible = *in.Visible
	}
	if in.Timestamp != nil {
		msg.Timestamp = *in.Timestamp
	}
	if err := msg.Validate(); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// Accept runs a validated message through render/store/publish/broadcast.
func (g *Gateway) Accept(ctx context.Context, msg chat.Message) (chat.Message, error) {
	msg.SetDefaults()
	msg.Body = render.Markdown(msg.RawBody)

	if err := g.store.Append(ctx, msg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			g.log.Debug("duplicate message id", logx.String("id", msg.ID))
		} else {
			g.log.Error("message append failed", logx.String("id", msg.ID), logx.Err(err))
		}
		return chat.Message{}, err
	}

	g.bus.Publish(chat.Event{Type: msg.Type, Timestamp: msg.Timestamp, Payload: msg})
	g.Broadcast(msg)
	return msg, nil
}

// InjectSystemMessage posts a SYSTEM message through the normal pipeline.
// Scope checking happens at the integration boundary, not here.
func (g *Gateway) InjectSystemMessage(ctx context.Context, body string) (chat.Message, error) {
	msg := chat.Message{
		Author:  g.cfg.ServerName,
		RawBody: body,
		Type:    chat.SystemMessage,
		Visible: true,
	}
	if err := msg.Validate(); err != nil {
		return chat.Message{}, err
	}
	return g.Accept(ctx, msg)
}

// Broadcast fans the message out to every connected viewer, best-effort.
// A viewer whose outbound buffer is full is dropped rather than blocking
// everyone else.
func (g *Gateway) Broadcast(msg chat.Message) {
	g.mu.RLock()
	snapshot := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		snapshot = append(snapshot, c)
	}
	g.mu.RUnlock()

	for _, c := range snapshot {
		if !c.enqueue(msg) {
			g.log.Warn("viewer cannot keep up; dropping connection", logx.String("client", c.id))
			c.close()
			g.removeClient(c)
		}
	}
}

// SetMessageVisibility updates stored messages and re-announces each change
// to connected viewers so their UIs can react.
func (g *Gateway) SetMessageVisibility(ctx context.Context, ids []string, visible bool) (int, error) {
	changed, err := g.store.SetVisibility(ctx, ids, visible)
	if err != nil {
		return changed, err
	}
	for _, id := range ids {
		msg, err := g.store.GetByID(ctx, id)
		if err != nil {
			continue
		}
		msg.Type = chat.VisibilityUpdate
		g.Broadcast(msg)
	}
	return changed, nil
}

// ClientCount reports the number of connected viewers.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// CloseAll disconnects every viewer; used during shutdown.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	clients := g.clients
	g.clients = map[string]*client{}
	g.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (g *Gateway) removeClient(c *client) {
	g.mu.Lock()
	if _, ok := g.clients[c.id]; ok {
		delete(g.clients, c.id)
		g.log.Info("viewer disconnected",
			logx.String("client", c.id),
			logx.Duration("connected_for", time.Since(c.connectedAt)),
			logx.Int("messages", c.messageCount),
			logx.Int("viewers", len(g.clients)))
	}
	g.mu.Unlock()
}
