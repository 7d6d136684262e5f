package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/chat"
)

// Bus is the in-memory signal used to decouple the gateway from the
// message store, the viewer broadcast and the webhook dispatcher.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//   - A subscription covering several event types receives them on ONE
//     channel, in publish order across all of its types.
//   - A publish racing a subscribe may miss that subscriber; a fully
//     unsubscribed channel never receives.
type Bus interface {
	Publish(e chat.Event)
	Subscribe(buffer int, types ...chat.EventType) (ch <-chan chat.Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[chat.EventType]map[uint64]chan chat.Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[chat.EventType]map[uint64]chan chat.Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e chat.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan chat.Event, 0, len(b.subs[e.Type]))
	for _, ch := range b.subs[e.Type] {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Subscribe registers one channel under every given event type. A single
// channel keeps delivery in publish order even across types; separate
// subscriptions would race each other.
func (b *memBus) Subscribe(buffer int, types ...chat.EventType) (<-chan chat.Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan chat.Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	for _, t := range types {
		byID, ok := b.subs[t]
		if !ok {
			byID = map[uint64]chan chat.Event{}
			b.subs[t] = byID
		}
		byID[id] = ch
	}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for _, t := range types {
				delete(b.subs[t], id)
			}
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
