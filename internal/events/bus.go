// Package events is the durable, ordered event log: append inside the
// writer transaction, post-commit fan-out, queries, retention tiers and
// compaction.
package events

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/rcliao/memory-hub/internal/clock"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/mylog"
	"github.com/rcliao/memory-hub/internal/store"
)

// ErrInvalidEvent is returned for events rejected before they reach the log.
var ErrInvalidEvent = errors.New("memory-hub: invalid event")

// Listener receives committed events in commit order. It runs on the
// writer lane and must not block.
type Listener func(events []model.Event)

// Bus is the single source of truth for state changes.
type Bus struct {
	store     *store.SQLiteStore
	db        *sql.DB
	clock     clock.Clock
	logger    *slog.Logger
	retention Retention

	mu        sync.RWMutex
	listeners []Listener
	consumers map[*Consumer]struct{}

	lastMu   sync.Mutex
	lastPass *CompactResult
}

// NewBus creates a Bus over st and installs it as the store's event sink
// and post-commit hook.
func NewBus(st *store.SQLiteStore, r Retention, logger *slog.Logger) *Bus {
	b := &Bus{
		store:     st,
		db:        st.Reader(),
		clock:     st.Clock(),
		logger:    mylog.OrDiscard(logger),
		retention: r.withDefaults(),
		consumers: make(map[*Consumer]struct{}),
	}
	st.AttachBus(b)
	st.AddHook(b)
	return b
}

// Retention returns the bus retention windows.
func (b *Bus) Retention() Retention { return b.retention }

// Validate rejects malformed events.
func Validate(ev model.Event) error {
	if ev.Type == model.EventUnknown {
		return errors.Wrap(ErrInvalidEvent, "unknown event type")
	}
	if ev.Importance < 0 || ev.Importance > 10 {
		return errors.Wrapf(ErrInvalidEvent, "importance %d outside 0-10", ev.Importance)
	}
	if ev.SourceAgent == "" {
		return errors.Wrap(ErrInvalidEvent, "missing source agent")
	}
	if len(ev.Payload) > 0 {
		trimmed := bytes.TrimSpace(ev.Payload)
		if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
			return errors.Wrap(ErrInvalidEvent, "data must be a JSON object")
		}
	}
	return nil
}

// Append validates ev, classifies it and inserts it within tx. It is the
// store's EventSink.
func (b *Bus) Append(ctx context.Context, tx *sql.Tx, ev *model.Event) error {
	if err := Validate(*ev); err != nil {
		return err
	}
	ev.Tier = b.retention.Tier(ev.CreatedAt, b.clock.Now())
	return store.InsertEvent(ctx, tx, ev)
}

// Emit records a standalone event through the writer lane and returns it
// with its assigned id. The event is validated before any write starts.
func (b *Bus) Emit(ctx context.Context, ev model.Event) (model.Event, error) {
	check := ev
	if check.SourceAgent == "" {
		check.SourceAgent = model.DefaultAgent
	}
	if err := Validate(check); err != nil {
		return ev, err
	}
	return store.Submit(ctx, b.store, func(ctx context.Context, tx *store.Txn) (model.Event, error) {
		return tx.Emit(ctx, ev)
	})
}

// Listen registers l for every committed batch.
func (b *Bus) Listen(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// AfterCommit fans committed events out to listeners and wakes consumers.
func (b *Bus) AfterCommit(evs []model.Event) {
	b.mu.RLock()
	listeners := b.listeners
	consumers := make([]*Consumer, 0, len(b.consumers))
	for c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		l(evs)
	}
	for _, c := range consumers {
		c.Kick()
	}
}

// Kick wakes every consumer, for writes committed by another process.
func (b *Bus) Kick() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.consumers {
		c.Kick()
	}
}

// Head returns the highest event id.
func (b *Bus) Head(ctx context.Context) (int64, error) {
	return store.HeadEventID(ctx, b.db)
}
