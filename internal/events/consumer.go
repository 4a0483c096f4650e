package events

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/mylog"
	"github.com/rcliao/memory-hub/internal/store"
)

// Handler processes a batch of events in id order. Returning an error
// leaves the cursor in place; the batch is retried.
type Handler func(ctx context.Context, events []model.Event) error

// Consumer is an in-process reader of the event log. It follows a cursor
// instead of receiving pushes, so a slow handler delays only itself and
// never loses events. Its cursor holds back compaction.
type Consumer struct {
	name    string
	bus     *Bus
	handle  Handler
	cursor  atomic.Int64
	kick    chan struct{}
	batch   int
	backoff time.Duration
}

// NewConsumer registers a consumer that starts after event id from.
func (b *Bus) NewConsumer(name string, from int64, h Handler) *Consumer {
	c := &Consumer{
		name:    name,
		bus:     b,
		handle:  h,
		kick:    make(chan struct{}, 1),
		batch:   256,
		backoff: time.Second,
	}
	c.cursor.Store(from)

	b.mu.Lock()
	b.consumers[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// Name returns the consumer name.
func (c *Consumer) Name() string { return c.name }

// Cursor returns the id of the last handled event.
func (c *Consumer) Cursor() int64 { return c.cursor.Load() }

// Kick wakes the consumer without blocking.
func (c *Consumer) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run drains the log until ctx is done, then deregisters the consumer.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.Close()
	for {
		n, err := c.Drain(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.bus.logger.Warn("consumer batch failed", "consumer", c.name, "cursor", c.Cursor(), mylog.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-c.bus.clock.After(c.backoff):
			}
			continue
		}
		if n == c.batch {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.kick:
		}
	}
}

// Drain handles at most one batch and returns its size.
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	evs, err := c.bus.Query(ctx, Filter{SinceID: c.Cursor(), Limit: c.batch})
	if err != nil || len(evs) == 0 {
		return 0, err
	}
	if err := c.handle(ctx, evs); err != nil {
		return 0, err
	}
	c.cursor.Store(evs[len(evs)-1].ID)
	return len(evs), nil
}

// Close removes the consumer from the watermark computation.
func (c *Consumer) Close() {
	c.bus.mu.Lock()
	delete(c.bus.consumers, c)
	c.bus.mu.Unlock()
}

// LoadOffset returns the persisted offset of a named consumer, or 0.
func LoadOffset(ctx context.Context, db *sql.DB, name string) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `SELECT last_event_id FROM consumer_offsets WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, errors.Wrapf(err, "load offset %s", name)
}

// SaveOffset records a consumer's offset inside the handler's transaction,
// so the offset and the handler's writes commit together.
func SaveOffset(ctx context.Context, tx *store.Txn, name string, id int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO consumer_offsets (name, last_event_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET last_event_id = MAX(last_event_id, excluded.last_event_id),
		                                 updated_at = excluded.updated_at`,
		name, id, store.FormatTime(tx.Now))
	return errors.Wrapf(err, "save offset %s", name)
}
