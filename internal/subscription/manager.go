package subscription

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rcliao/memory-hub/internal/events"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/mylog"
	"github.com/rcliao/memory-hub/internal/store"
)

type durableSub struct {
	model.Subscription
	filter *Filter
}

// Manager owns durable subscriptions and live connections. Durable rows
// are cached in memory and written through the writer lane.
type Manager struct {
	store  *store.SQLiteStore
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	durable map[string]*durableSub
	conns   map[string]*Conn
	notify  func(subID string)
}

// NewManager loads persisted subscriptions and starts listening to the bus.
func NewManager(ctx context.Context, st *store.SQLiteStore, bus *events.Bus, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		store:   st,
		bus:     bus,
		logger:  mylog.OrDiscard(logger),
		durable: make(map[string]*durableSub),
		conns:   make(map[string]*Conn),
	}
	if err := m.load(ctx); err != nil {
		return nil, errors.Wrap(err, "load subscriptions")
	}
	bus.Listen(m.dispatch)
	return m, nil
}

const subColumns = `id, subscriber_id, channel, webhook_url, durable, last_delivered_event_id,
	status, last_error, consecutive_failures, created_at, updated_at`

func (m *Manager) load(ctx context.Context) error {
	rows, err := m.store.Reader().QueryContext(ctx, `SELECT `+subColumns+` FROM subscriptions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var s model.Subscription
		var hook, lastErr sql.NullString
		var status, created, updated string
		if err := rows.Scan(&s.ID, &s.SubscriberID, &s.Channel, &hook, &s.Durable, &s.LastDeliveredID,
			&status, &lastErr, &s.ConsecutiveFailures, &created, &updated); err != nil {
			return err
		}
		s.WebhookURL = hook.String
		s.LastError = lastErr.String
		s.Status = model.SubscriptionStatus(status)
		s.CreatedAt = store.ParseTime(created)
		s.UpdatedAt = store.ParseTime(updated)

		f, err := ParseFilter(s.Channel)
		if err != nil {
			m.logger.Warn("skipping subscription with bad filter", "subscription", s.ID, mylog.Err(err))
			continue
		}
		m.durable[s.ID] = &durableSub{Subscription: s, filter: f}
	}
	return rows.Err()
}

// SetNotifier installs the callback that wakes webhook delivery for a
// subscription. It is called on the writer lane and must not block.
func (m *Manager) SetNotifier(fn func(subID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// CreateParams describes a new durable subscription.
type CreateParams struct {
	SubscriberID string `json:"subscriber_id"`
	Channel      string `json:"channel"`
	WebhookURL   string `json:"webhook_url,omitempty"`
	// FromID is the offset to start after; nil starts at the current head.
	FromID *int64 `json:"from_id,omitempty"`
}

// Create persists a durable subscription.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*model.Subscription, error) {
	f, err := ParseFilter(p.Channel)
	if err != nil {
		return nil, err
	}
	if p.SubscriberID == "" {
		p.SubscriberID = store.OriginFrom(ctx).AgentID
	}
	if p.SubscriberID == "" {
		p.SubscriberID = model.DefaultAgent
	}
	if p.WebhookURL != "" {
		u, err := url.Parse(p.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, errors.Wrapf(store.ErrInvalidParams, "webhook url %q", p.WebhookURL)
		}
	}

	sub, err := store.Submit(ctx, m.store, func(ctx context.Context, tx *store.Txn) (*model.Subscription, error) {
		from := int64(0)
		if p.FromID != nil {
			from = max(*p.FromID, 0)
		} else {
			head, err := store.HeadEventID(ctx, tx)
			if err != nil {
				return nil, err
			}
			from = head
		}
		s := &model.Subscription{
			ID:              "sub_" + m.store.NewID(),
			SubscriberID:    p.SubscriberID,
			Channel:         f.String(),
			WebhookURL:      p.WebhookURL,
			Durable:         true,
			LastDeliveredID: from,
			Status:          model.SubscriptionActive,
			CreatedAt:       tx.Now,
			UpdatedAt:       tx.Now,
		}
		now := store.FormatTime(tx.Now)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions (id, subscriber_id, channel, webhook_url, durable, last_delivered_event_id,
			                            status, consecutive_failures, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?, 0, ?, ?)`,
			s.ID, s.SubscriberID, s.Channel, nullable(s.WebhookURL), s.LastDeliveredID, string(s.Status), now, now)
		return s, err
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.durable[sub.ID] = &durableSub{Subscription: *sub, filter: f}
	notify := m.notify
	m.mu.Unlock()

	m.logger.Info("subscription created", "subscription", sub.ID, "subscriber", sub.SubscriberID, "channel", sub.Channel)
	if notify != nil && sub.WebhookURL != "" {
		notify(sub.ID)
	}
	return sub, nil
}

// Get returns a copy of a durable subscription.
func (m *Manager) Get(id string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.durable[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "subscription %s", id)
	}
	s := d.Subscription
	return &s, nil
}

// Filter returns the parsed filter of a durable subscription.
func (m *Manager) Filter(id string) (*Filter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.durable[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "subscription %s", id)
	}
	return d.filter, nil
}

// List returns all durable subscriptions ordered by id.
func (m *Manager) List() []model.Subscription {
	m.mu.RLock()
	out := make([]model.Subscription, 0, len(m.durable))
	for _, d := range m.durable {
		out = append(out, d.Subscription)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Webhooks returns the ids of active webhook subscriptions.
func (m *Manager) Webhooks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, d := range m.durable {
		if d.WebhookURL != "" && d.Status == model.SubscriptionActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Delete removes a durable subscription. This is the only way one ends.
func (m *Manager) Delete(ctx context.Context, id string) error {
	_, err := store.Submit(ctx, m.store, func(ctx context.Context, tx *store.Txn) (int64, error) {
		r, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
		if err != nil {
			return 0, err
		}
		n, _ := r.RowsAffected()
		if n == 0 {
			return 0, errors.Wrapf(ErrNotFound, "subscription %s", id)
		}
		return n, nil
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.durable, id)
	m.mu.Unlock()
	m.logger.Info("subscription deleted", "subscription", id)
	return nil
}

// Batch is one poll result. Cursor is the id a client may acknowledge to
// skip past everything examined, matching or not.
type Batch struct {
	Events []model.Event `json:"events"`
	Cursor int64         `json:"cursor"`
}

// Poll returns up to limit matching events after the subscription's offset.
// It does not advance the offset.
func (m *Manager) Poll(ctx context.Context, id string, limit int) (*Batch, error) {
	sub, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	f, err := m.Filter(id)
	if err != nil {
		return nil, err
	}
	return m.Scan(ctx, f, sub.LastDeliveredID, limit)
}

// Scan reads matching events after since, paging through the log until
// limit matches are found or the head is reached.
func (m *Manager) Scan(ctx context.Context, f *Filter, since int64, limit int) (*Batch, error) {
	if limit <= 0 {
		limit = events.DefaultLimit
	}
	limit = min(limit, events.MaxLimit)

	head, err := m.bus.Head(ctx)
	if err != nil {
		return nil, err
	}

	b := &Batch{Cursor: since}
	query := events.Filter{SinceID: since, Limit: events.MaxLimit, Types: f.Types()}
	for {
		page, err := m.bus.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, ev := range page {
			if !f.Match(ev) {
				b.Cursor = ev.ID
				continue
			}
			b.Events = append(b.Events, ev)
			b.Cursor = ev.ID
			if len(b.Events) == limit {
				return b, nil
			}
		}
		if len(page) < query.Limit {
			if len(page) == 0 && head > b.Cursor {
				// nothing else of interest up to the head read before scanning
				b.Cursor = head
			}
			return b, nil
		}
		query.SinceID = page[len(page)-1].ID
	}
}

// Ack advances the subscription offset to eventID. Offsets never move
// backwards; acking an older id is a no-op.
func (m *Manager) Ack(ctx context.Context, id string, eventID int64) (*model.Subscription, error) {
	if _, err := m.Get(id); err != nil {
		return nil, err
	}
	sub, err := store.Submit(ctx, m.store, func(ctx context.Context, tx *store.Txn) (*model.Subscription, error) {
		head, err := store.HeadEventID(ctx, tx)
		if err != nil {
			return nil, err
		}
		if eventID > head {
			return nil, errors.Wrapf(store.ErrInvalidParams, "event %d is past the head %d", eventID, head)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET last_delivered_event_id = ?, updated_at = ?
			 WHERE id = ? AND last_delivered_event_id < ?`,
			eventID, store.FormatTime(tx.Now), id, eventID); err != nil {
			return nil, err
		}
		return m.advance(id, eventID, tx.Now), nil
	})
	return sub, err
}

// MarkDelivered acknowledges a webhook delivery and clears the failure count.
func (m *Manager) MarkDelivered(ctx context.Context, id string, eventID int64) error {
	_, err := store.Submit(store.SystemContext(ctx), m.store, func(ctx context.Context, tx *store.Txn) (struct{}, error) {
		_, err := tx.ExecContext(ctx,
			`UPDATE subscriptions
			 SET last_delivered_event_id = MAX(last_delivered_event_id, ?), consecutive_failures = 0,
			     last_error = NULL, updated_at = ?
			 WHERE id = ?`,
			eventID, store.FormatTime(tx.Now), id)
		if err != nil {
			return struct{}{}, err
		}
		m.mu.Lock()
		if d, ok := m.durable[id]; ok {
			d.ConsecutiveFailures = 0
			d.LastError = ""
		}
		m.mu.Unlock()
		m.advance(id, eventID, tx.Now)
		return struct{}{}, nil
	})
	return err
}

func (m *Manager) advance(id string, eventID int64, now time.Time) *model.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.durable[id]
	if !ok {
		return nil
	}
	if eventID > d.LastDeliveredID {
		d.LastDeliveredID = eventID
		d.UpdatedAt = now
	}
	s := d.Subscription
	return &s
}

// RecordFailure stores the latest delivery error. When degrade is set the
// subscription stops receiving deliveries but stays registered.
func (m *Manager) RecordFailure(ctx context.Context, id string, failures int, lastErr string, degrade bool) error {
	status := model.SubscriptionActive
	if degrade {
		status = model.SubscriptionDegraded
	}
	_, err := store.Submit(store.SystemContext(ctx), m.store, func(ctx context.Context, tx *store.Txn) (struct{}, error) {
		_, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET consecutive_failures = ?, last_error = ?, status = ?, updated_at = ? WHERE id = ?`,
			failures, lastErr, string(status), store.FormatTime(tx.Now), id)
		if err != nil {
			return struct{}{}, err
		}
		m.mu.Lock()
		if d, ok := m.durable[id]; ok {
			d.ConsecutiveFailures = failures
			d.LastError = lastErr
			d.Status = status
			d.UpdatedAt = tx.Now
		}
		m.mu.Unlock()
		return struct{}{}, nil
	})
	if err == nil && degrade {
		m.logger.Warn("subscription degraded", "subscription", id, "failures", failures, "err", lastErr)
	}
	return err
}

// Reactivate returns a degraded subscription to active delivery.
func (m *Manager) Reactivate(ctx context.Context, id string) (*model.Subscription, error) {
	if _, err := m.Get(id); err != nil {
		return nil, err
	}
	sub, err := store.Submit(ctx, m.store, func(ctx context.Context, tx *store.Txn) (*model.Subscription, error) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET status = ?, consecutive_failures = 0, last_error = NULL, updated_at = ? WHERE id = ?`,
			string(model.SubscriptionActive), store.FormatTime(tx.Now), id); err != nil {
			return nil, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		d, ok := m.durable[id]
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "subscription %s", id)
		}
		d.Status = model.SubscriptionActive
		d.ConsecutiveFailures = 0
		d.LastError = ""
		d.UpdatedAt = tx.Now
		s := d.Subscription
		return &s, nil
	})
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	notify := m.notify
	m.mu.RUnlock()
	if notify != nil && sub.WebhookURL != "" {
		notify(id)
	}
	return sub, nil
}

// Connect registers a live connection.
func (m *Manager) Connect(expr string, buffer int, transport string) (*Conn, error) {
	f, err := ParseFilter(expr)
	if err != nil {
		return nil, err
	}
	c := newConn(uuid.NewString(), f, buffer, m.release)
	c.Protocol = transport

	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()
	m.logger.Debug("live connection opened", "conn", c.ID, "transport", transport, "channel", f.String())
	return c, nil
}

func (m *Manager) release(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.ID)
	m.mu.Unlock()
	m.logger.Debug("live connection closed", "conn", c.ID, "dropped", c.Dropped())
}

// dispatch is the bus listener. It pushes to live connections and wakes
// webhook delivery; it never blocks.
func (m *Manager) dispatch(evs []model.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conns {
		for _, ev := range evs {
			if c.Filter.Match(ev) {
				c.offer(ev)
			}
		}
	}

	if m.notify == nil {
		return
	}
	for id, d := range m.durable {
		if d.WebhookURL == "" || d.Status != model.SubscriptionActive {
			continue
		}
		for _, ev := range evs {
			if d.filter.Match(ev) {
				m.notify(id)
				break
			}
		}
	}
}

// Stats summarizes subscriptions.
type Stats struct {
	Durable     int            `json:"durable"`
	Webhooks    int            `json:"webhooks"`
	Degraded    int            `json:"degraded"`
	Live        int            `json:"live"`
	LiveByProto map[string]int `json:"live_by_transport"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Durable: len(m.durable), Live: len(m.conns), LiveByProto: map[string]int{}}
	for _, d := range m.durable {
		if d.WebhookURL != "" {
			st.Webhooks++
		}
		if d.Status == model.SubscriptionDegraded {
			st.Degraded++
		}
	}
	for _, c := range m.conns {
		st.LiveByProto[c.Protocol]++
	}
	return st
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
