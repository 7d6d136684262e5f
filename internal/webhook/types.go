package webhook

import (
	"errors"
	"time"

	"chatrelay/internal/chat"
)

var (
	ErrInvalidURL   = errors.New("webhook: url must be an absolute http(s) url")
	ErrInvalidEvent = errors.New("webhook: unknown or empty event set")
	ErrNotFound     = errors.New("webhook: not found")
)

// Webhook is an externally registered subscriber endpoint.
type Webhook struct {
	ID        string           `json:"id"`
	URL       string           `json:"url"`
	Events    []chat.EventType `json:"events"`
	Timestamp time.Time        `json:"timestamp"`
}

func (w Webhook) wants(t chat.EventType) bool {
	for _, e := range w.Events {
		if e == t {
			return true
		}
	}
	return false
}

// DeliveryState tracks one outbound delivery through its lifecycle.
type DeliveryState string

const (
	StatePending   DeliveryState = "PENDING"
	StateRetrying  DeliveryState = "RETRYING"
	StateDelivered DeliveryState = "DELIVERED"
	StateDead      DeliveryState = "DEAD"
)

// DeadLetter records a delivery abandoned after exhausting retries.
// Kept bounded in memory; the maintenance job prunes old entries.
type DeadLetter struct {
	WebhookID string
	URL       string
	EventType chat.EventType
	Attempts  int
	LastError string
	At        time.Time
}

// Config controls outbound delivery behavior.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 64 per webhook
//   - retry_max: 5 attempts total
//   - retry_base: 1s, doubled per attempt
//   - retry_max_delay: 30s
//   - timeout: 10s per attempt
//   - rate_per_sec: 20 across all webhooks
type Config struct {
	QueueSize     int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Timeout       time.Duration
	RatePerSec    int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	return c
}

// envelope is the JSON body POSTed to subscriber endpoints.
type envelope struct {
	Type      chat.EventType `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   any            `json:"payload"`
}
