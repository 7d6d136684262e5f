package webhook

import (
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/chat"
)

// Registry owns the webhook subscription set.
//
// All mutations go through Create/Delete; concurrent readers never observe a
// partially-applied change.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Webhook
	order []string
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]Webhook{}}
}

// Create registers a subscriber endpoint for a non-empty set of known events.
func (r *Registry) Create(rawURL string, events []chat.EventType) (Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Webhook{}, ErrInvalidURL
	}
	if len(events) == 0 {
		return Webhook{}, ErrInvalidEvent
	}
	for _, e := range events {
		if !e.Known() {
			return Webhook{}, ErrInvalidEvent
		}
	}

	wh := Webhook{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Events:    append([]chat.EventType(nil), events...),
		Timestamp: time.Now().UTC(),
	}

	r.mu.Lock()
	r.byID[wh.ID] = wh
	r.order = append(r.order, wh.ID)
	r.mu.Unlock()
	return wh, nil
}

// List returns all webhooks in insertion order.
func (r *Registry) List() []Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Webhook, 0, len(r.order))
	for _, id := range r.order {
		if wh, ok := r.byID[id]; ok {
			out = append(out, wh)
		}
	}
	return out
}

// Delete removes a webhook. An unknown id is ErrNotFound, not a no-op.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Matching snapshots the webhooks subscribed to the given event type.
func (r *Registry) Matching(t chat.EventType) []Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Webhook
	for _, id := range r.order {
		if wh, ok := r.byID[id]; ok && wh.wants(t) {
			out = append(out, wh)
		}
	}
	return out
}
