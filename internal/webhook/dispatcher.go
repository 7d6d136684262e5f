package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatrelay/internal/chat"
	"chatrelay/internal/eventbus"
	"chatrelay/pkg/logx"
)

// Dispatcher consumes the event bus and delivers matching events to
// registered webhooks.
//
// Each webhook gets its own serial queue and goroutine, so deliveries to one
// subscriber stay in publish order while subscribers never block each other —
// and a stuck endpoint never backs up the bus or the viewer broadcast.
type Dispatcher struct {
	mu       sync.Mutex
	cfg      Config
	registry *Registry
	bus      eventbus.Bus
	log      logx.Logger
	client   *http.Client
	limiter  *rate.Limiter

	queuesMu sync.Mutex
	queues   map[string]chan delivery

	deadMu  sync.Mutex
	dead    []DeadLetter
	deadMax int

	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	unsubs    []func()
	wg        sync.WaitGroup
}

type delivery struct {
	webhook Webhook
	event   chat.Event
	state   DeliveryState
}

func NewDispatcher(cfg Config, registry *Registry, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		log:      log,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queues:   map[string]chan delivery{},
		deadMax:  200,
	}
}

// Apply updates the retry policy at runtime (config reload).
// Per-webhook queues and in-flight deliveries are not disturbed.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.client = &http.Client{Timeout: cfg.Timeout}
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.stopCh != nil {
		d.mu.Unlock()
		return
	}
	d.stopCh = make(chan struct{})
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	runCtx := d.runCtx
	stopCh := d.stopCh
	d.mu.Unlock()

	// A single subscription covering every known event type. One channel is
	// what keeps per-webhook delivery in publish order: with a channel per
	// type, a CHAT and a SYSTEM event race each other into the same queue.
	// The fan-in loop only routes to per-webhook queues, so it never blocks
	// on network I/O.
	ch, unsub := d.bus.Subscribe(256, chat.KnownEventTypes...)
	d.mu.Lock()
	d.unsubs = append(d.unsubs, unsub)
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("panic in webhook fan-in", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-stopCh:
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				d.route(e)
			}
		}
	}()

	d.log.Info("webhook dispatcher started", logx.Int("event_types", len(chat.KnownEventTypes)))
}

func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.stopCh == nil {
		d.mu.Unlock()
		return
	}
	stopCh := d.stopCh
	cancel := d.runCancel
	unsubs := d.unsubs
	d.stopCh = nil
	d.runCancel = nil
	d.unsubs = nil
	d.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	close(stopCh)
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("webhook dispatcher stopped")
	case <-ctx.Done():
		// stop continues in background
	}
}

// route enqueues the event onto the serial queue of every matching webhook.
func (d *Dispatcher) route(e chat.Event) {
	for _, wh := range d.registry.Matching(e.Type) {
		q := d.queueFor(wh.ID)
		select {
		case q <- delivery{webhook: wh, event: e, state: StatePending}:
		default:
			d.log.Warn("webhook queue full; dropping event",
				logx.String("webhook", wh.ID), logx.String("type", string(e.Type)))
		}
	}
}

func (d *Dispatcher) queueFor(id string) chan delivery {
	d.queuesMu.Lock()
	defer d.queuesMu.Unlock()
	q, ok := d.queues[id]
	if ok {
		return q
	}

	d.mu.Lock()
	size := d.cfg.QueueSize
	runCtx := d.runCtx
	stopCh := d.stopCh
	d.mu.Unlock()

	q = make(chan delivery, size)
	d.queues[id] = q

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("panic in webhook worker", logx.String("webhook", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-stopCh:
				return
			case job := <-q:
				d.deliver(runCtx, job)
			}
		}
	}()
	return q
}

// deliver runs one delivery through its state machine:
// PENDING -> DELIVERED, or PENDING -> RETRYING -> (DELIVERED | DEAD).
func (d *Dispatcher) deliver(ctx context.Context, job delivery) {
	d.mu.Lock()
	cfg := d.cfg
	client := d.client
	lim := d.limiter
	d.mu.Unlock()

	var last error
	for attempt := 1; attempt <= cfg.RetryMax; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		err := d.post(ctx, client, job)
		if err == nil {
			job.state = StateDelivered
			d.log.Debug("webhook delivered",
				logx.String("webhook", job.webhook.ID),
				logx.String("type", string(job.event.Type)),
				logx.Int("attempt", attempt))
			return
		}
		last = err
		if attempt == cfg.RetryMax {
			break
		}

		job.state = StateRetrying
		delay := backoff(cfg.RetryBase, cfg.RetryMaxDelay, attempt)
		d.log.Debug("webhook delivery retry scheduled",
			logx.String("webhook", job.webhook.ID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return
		case <-tmr.C:
		}
	}

	job.state = StateDead
	d.recordDead(job, cfg.RetryMax, last)
	d.log.Warn("webhook delivery dead-lettered",
		logx.String("webhook", job.webhook.ID),
		logx.String("url", job.webhook.URL),
		logx.String("type", string(job.event.Type)),
		logx.Int("attempts", cfg.RetryMax),
		logx.Err(last))
}

func (d *Dispatcher) post(ctx context.Context, client *http.Client, job delivery) error {
	body, err := json.Marshal(envelope{
		Type:      job.event.Type,
		Timestamp: job.event.Timestamp,
		Payload:   job.event.Payload,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.webhook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}

func (d *Dispatcher) recordDead(job delivery, attempts int, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	d.deadMu.Lock()
	defer d.deadMu.Unlock()
	d.dead = append(d.dead, DeadLetter{
		WebhookID: job.webhook.ID,
		URL:       job.webhook.URL,
		EventType: job.event.Type,
		Attempts:  attempts,
		LastError: msg,
		At:        time.Now().UTC(),
	})
	// Keep the list bounded even if nobody prunes.
	if len(d.dead) > d.deadMax {
		d.dead = append([]DeadLetter(nil), d.dead[len(d.dead)-d.deadMax:]...)
	}
}

// DeadLetters returns a copy of the recorded dead deliveries.
func (d *Dispatcher) DeadLetters() []DeadLetter {
	d.deadMu.Lock()
	defer d.deadMu.Unlock()
	return append([]DeadLetter(nil), d.dead...)
}

// PruneDeadLetters drops records older than the cutoff and reports how many.
func (d *Dispatcher) PruneDeadLetters(olderThan time.Time) int {
	d.deadMu.Lock()
	defer d.deadMu.Unlock()
	kept := d.dead[:0]
	removed := 0
	for _, dl := range d.dead {
		if dl.At.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, dl)
	}
	d.dead = kept
	return removed
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
