// Package webhook delivers durable subscription events to HTTP endpoints
// with bounded retries, per-URL circuit breaking and at-least-once offsets.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/memory-hub/internal/clock"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/mylog"
	"github.com/rcliao/memory-hub/internal/subscription"
)

const (
	HeaderAttempt      = "X-Delivery-Attempt"
	HeaderDeliveryID   = "X-Delivery-Id"
	HeaderSubscription = "X-Subscription-Id"
)

// Options configures a Dispatcher.
type Options struct {
	Workers          int
	Queue            int
	Timeout          time.Duration
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// Batch bounds how many events one drain reads at a time.
	Batch  int
	Client *http.Client
	Clock  clock.Clock
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Queue <= 0 {
		o.Queue = 256
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Minute
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = time.Minute
	}
	if o.Batch <= 0 {
		o.Batch = 50
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: o.Timeout}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	o.Logger = mylog.OrDiscard(o.Logger)
	return o
}

// Dispatcher drains webhook subscriptions on a bounded worker pool. Each
// subscription is drained by at most one worker at a time, in id order.
type Dispatcher struct {
	subs   *subscription.Manager
	opts   Options
	logger *slog.Logger
	queue  chan string

	mu       sync.Mutex
	pending  map[string]bool
	dirty    map[string]bool
	breakers map[string]*breaker
}

// New creates a Dispatcher and registers it with subs.
func New(subs *subscription.Manager, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		subs:     subs,
		opts:     opts,
		logger:   opts.Logger,
		queue:    make(chan string, opts.Queue),
		pending:  make(map[string]bool),
		dirty:    make(map[string]bool),
		breakers: make(map[string]*breaker),
	}
	subs.SetNotifier(d.Notify)
	return d
}

// Notify schedules a drain of subID. It never blocks.
func (d *Dispatcher) Notify(subID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[subID] {
		d.dirty[subID] = true
		return
	}
	d.enqueueLocked(subID)
}

func (d *Dispatcher) enqueueLocked(subID string) {
	select {
	case d.queue <- subID:
		d.pending[subID] = true
	default:
		d.logger.Warn("webhook queue full, deferring", "subscription", subID)
	}
}

func (d *Dispatcher) finish(subID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, subID)
	if d.dirty[subID] {
		delete(d.dirty, subID)
		d.enqueueLocked(subID)
	}
}

// Run starts the workers, resumes every active webhook subscription from
// its stored offset and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		t := d.opts.Clock.NewTicker(d.opts.BreakerCooldown)
		defer t.Stop()
		for {
			for _, id := range d.subs.Webhooks() {
				d.Notify(id)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-t.C():
			}
		}
	})
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.drain(ctx, id)
			d.finish(id)
		}
	}
}

func (d *Dispatcher) breakerFor(url string) *breaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[url]
	if !ok {
		b = &breaker{threshold: d.opts.BreakerThreshold, cooldown: d.opts.BreakerCooldown}
		d.breakers[url] = b
	}
	return b
}

// drain delivers every pending event of one subscription, in order, until
// it is caught up or a delivery gives up.
func (d *Dispatcher) drain(ctx context.Context, id string) {
	for ctx.Err() == nil {
		sub, err := d.subs.Get(id)
		if err != nil || sub.WebhookURL == "" || sub.Status != model.SubscriptionActive {
			return
		}
		f, err := d.subs.Filter(id)
		if err != nil {
			return
		}
		batch, err := d.subs.Scan(ctx, f, sub.LastDeliveredID, d.opts.Batch)
		if err != nil {
			d.logger.Warn("webhook scan failed", "subscription", id, mylog.Err(err))
			return
		}

		for _, ev := range batch.Events {
			if !d.deliver(ctx, sub, ev) {
				return
			}
			if err := d.subs.MarkDelivered(ctx, id, ev.ID); err != nil {
				d.logger.Warn("webhook offset not saved", "subscription", id, "event_id", ev.ID, mylog.Err(err))
				return
			}
			sub.LastDeliveredID = ev.ID
			sub.ConsecutiveFailures = 0
		}

		if batch.Cursor > sub.LastDeliveredID {
			if err := d.subs.MarkDelivered(ctx, id, batch.Cursor); err != nil {
				return
			}
		}
		if len(batch.Events) < d.opts.Batch {
			return
		}
	}
}

// deliver posts ev until it succeeds, the subscription degrades or the
// URL's breaker opens. Attempts continue from the subscription's stored
// failure count.
func (d *Dispatcher) deliver(ctx context.Context, sub *model.Subscription, ev model.Event) bool {
	br := d.breakerFor(sub.WebhookURL)
	body, err := json.Marshal(ev.Wire())
	if err != nil {
		d.logger.Error("webhook payload", "event_id", ev.ID, mylog.Err(err))
		return false
	}
	deliveryID := uuid.NewString()
	failures := sub.ConsecutiveFailures

	for {
		if wait := br.blockedFor(d.opts.Clock.Now()); wait > 0 {
			d.logger.Debug("webhook circuit open, skipping", "subscription", sub.ID, "url", sub.WebhookURL, "retry_in", wait)
			d.opts.Clock.AfterFunc(wait, func() { d.Notify(sub.ID) })
			return false
		}

		attempt := failures + 1
		err := d.post(ctx, sub, body, deliveryID, attempt)
		if err == nil {
			br.success()
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		failures++
		if br.failure(d.opts.Clock.Now()) {
			d.logger.Warn("webhook circuit opened", "url", sub.WebhookURL, "cooldown", d.opts.BreakerCooldown)
		}
		degrade := failures >= d.opts.MaxAttempts
		d.logger.Info("webhook delivery failed",
			"subscription", sub.ID, "event_id", ev.ID, "attempt", attempt, "url", sub.WebhookURL, mylog.Err(err))
		if rerr := d.subs.RecordFailure(ctx, sub.ID, failures, err.Error(), degrade); rerr != nil {
			d.logger.Warn("webhook status not saved", "subscription", sub.ID, mylog.Err(rerr))
		}
		if degrade {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-d.opts.Clock.After(Backoff(d.opts.BaseDelay, d.opts.MaxDelay, failures-1)):
		}
	}
}

// Backoff returns base * 2^retry, capped at max.
func Backoff(base, max time.Duration, retry int) time.Duration {
	d := base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}

func (d *Dispatcher) post(ctx context.Context, sub *model.Subscription, body []byte, deliveryID string, attempt int) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	req.Header.Set(HeaderDeliveryID, deliveryID)
	req.Header.Set(HeaderSubscription, sub.ID)

	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// BreakerState describes one URL's circuit.
type BreakerState struct {
	URL      string `json:"url"`
	Failures int    `json:"consecutive_failures"`
	Open     bool   `json:"open"`
}

// Breakers reports every known URL circuit.
func (d *Dispatcher) Breakers() []BreakerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.opts.Clock.Now()
	out := make([]BreakerState, 0, len(d.breakers))
	for url, b := range d.breakers {
		n, open := b.state(now)
		out = append(out, BreakerState{URL: url, Failures: n, Open: open})
	}
	return out
}
