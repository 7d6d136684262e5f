package chat

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType tags both stored messages and bus/webhook events.
//
// Inbound connections may only produce CHAT. SYSTEM originates from the
// integration surface, VISIBILITY-UPDATE is outbound-only (re-announcing a
// moderation change to connected viewers).
type EventType string

const (
	MessageSent      EventType = "CHAT"
	SystemMessage    EventType = "SYSTEM"
	VisibilityUpdate EventType = "VISIBILITY-UPDATE"
)

// KnownEventTypes lists the event types a webhook may subscribe to.
var KnownEventTypes = []EventType{MessageSent, SystemMessage}

func (t EventType) Known() bool {
	for _, k := range KnownEventTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Scope is a named permission carried by an access token.
type Scope string

const ScopeSendSystemMessages Scope = "CAN_SEND_SYSTEM_MESSAGES"

// KnownScopes lists every scope a token can be granted.
var KnownScopes = []Scope{ScopeSendSystemMessages}

func (s Scope) Known() bool {
	for _, k := range KnownScopes {
		if s == k {
			return true
		}
	}
	return false
}

var (
	ErrMissingAuthor = errors.New("chat: message author is required")
	ErrMissingBody   = errors.New("chat: message body is required")
	ErrUnknownType   = errors.New("chat: unknown message type")
)

// Message is the canonical chat/system message.
//
// Body holds the rendered, sanitized HTML once the message has passed through
// the gateway pipeline; RawBody keeps the original untrusted text and is never
// sent back over the wire.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	RawBody   string    `json:"-"`
	Type      EventType `json:"type"`
	Visible   bool      `json:"visible"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks boundary requirements for an inbound message.
// It does not mutate; call SetDefaults afterwards to fill id/timestamp.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.Author) == "" {
		return ErrMissingAuthor
	}
	if strings.TrimSpace(m.RawBody) == "" && strings.TrimSpace(m.Body) == "" {
		return ErrMissingBody
	}
	if !m.Type.Known() {
		return ErrUnknownType
	}
	return nil
}

// SetDefaults stamps server-assigned fields that the client may omit.
func (m *Message) SetDefaults() {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
}

// Event is what travels on the bus and inside a webhook envelope.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}
