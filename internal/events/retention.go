package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/rcliao/memory-hub/internal/clock"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/mylog"
	"github.com/rcliao/memory-hub/internal/store"
)

// Retention holds the tier windows, measured from event creation.
type Retention struct {
	Hot               time.Duration
	Warm              time.Duration
	Cold              time.Duration
	WarmMinImportance int
}

// DefaultRetention is 48h hot, 14d warm, 30d cold.
func DefaultRetention() Retention {
	return Retention{
		Hot:               48 * time.Hour,
		Warm:              14 * 24 * time.Hour,
		Cold:              30 * 24 * time.Hour,
		WarmMinImportance: 5,
	}
}

func (r Retention) withDefaults() Retention {
	d := DefaultRetention()
	if r.Hot <= 0 {
		r.Hot = d.Hot
	}
	if r.Warm <= 0 {
		r.Warm = d.Warm
	}
	if r.Cold <= 0 {
		r.Cold = d.Cold
	}
	// 0 keeps every warm event; only a negative bar means unset.
	if r.WarmMinImportance < 0 {
		r.WarmMinImportance = d.WarmMinImportance
	}
	return r
}

// Tier classifies an event by age alone.
func (r Retention) Tier(createdAt, now time.Time) model.Tier {
	age := now.Sub(createdAt)
	switch {
	case age < r.Hot:
		return model.TierHot
	case age < r.Warm:
		return model.TierWarm
	case age < r.Cold:
		return model.TierCold
	}
	return model.TierArchive
}

// Retained reports whether a full event of this tier and importance is kept.
func (r Retention) Retained(tier model.Tier, importance int) bool {
	switch tier {
	case model.TierHot:
		return true
	case model.TierWarm:
		return importance >= r.WarmMinImportance
	}
	return false
}

type cutoffs struct {
	hot, warm, cold string
}

func (r Retention) cutoffs(now time.Time) cutoffs {
	return cutoffs{
		hot:  store.FormatTime(now.Add(-r.Hot)),
		warm: store.FormatTime(now.Add(-r.Warm)),
		cold: store.FormatTime(now.Add(-r.Cold)),
	}
}

// tierExpr is the SQL rendering of Tier; it takes the hot, warm and cold
// cutoffs as parameters.
const tierExpr = `CASE
	WHEN created_at >= ? THEN 'hot'
	WHEN created_at >= ? THEN 'warm'
	WHEN created_at >= ? THEN 'cold'
	ELSE 'archive' END`

// CompactResult summarizes one compaction pass.
type CompactResult struct {
	Watermark        int64     `json:"watermark"`
	Retiered         int64     `json:"retiered"`
	Aggregated       int64     `json:"aggregated"`
	Deleted          int64     `json:"deleted"`
	AggregatesPruned int64     `json:"aggregates_pruned"`
	At               time.Time `json:"at"`
}

// Watermark returns the highest event id that every durable reader has
// consumed: the minimum over durable subscription offsets, persisted
// consumer offsets and live consumer cursors, or the head id when there
// are none.
func (b *Bus) Watermark(ctx context.Context) (int64, error) {
	return b.watermark(ctx, b.db)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *Bus) watermark(ctx context.Context, q queryRower) (int64, error) {
	head, err := store.HeadEventID(ctx, q)
	if err != nil {
		return 0, err
	}
	wm := head

	var minSub sql.NullInt64
	if err := q.QueryRowContext(ctx,
		`SELECT MIN(last_delivered_event_id) FROM subscriptions WHERE durable = 1`).Scan(&minSub); err != nil {
		return 0, errors.Wrap(err, "durable offsets")
	}
	if minSub.Valid && minSub.Int64 < wm {
		wm = minSub.Int64
	}

	var minOffset sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MIN(last_event_id) FROM consumer_offsets`).Scan(&minOffset); err != nil {
		return 0, errors.Wrap(err, "consumer offsets")
	}
	if minOffset.Valid && minOffset.Int64 < wm {
		wm = minOffset.Int64
	}

	b.mu.RLock()
	for c := range b.consumers {
		if cur := c.Cursor(); cur < wm {
			wm = cur
		}
	}
	b.mu.RUnlock()
	return wm, nil
}

// Compact re-tiers every event, folds events that left full retention
// into daily aggregates and deletes them, and prunes aggregates past the
// cold window. Nothing above the watermark is deleted.
func (b *Bus) Compact(ctx context.Context) (*CompactResult, error) {
	res, err := store.Submit(store.SystemContext(ctx), b.store, func(ctx context.Context, tx *store.Txn) (*CompactResult, error) {
		res := &CompactResult{At: tx.Now}
		wm, err := b.watermark(ctx, tx)
		if err != nil {
			return nil, err
		}
		res.Watermark = wm

		c := b.retention.cutoffs(tx.Now)
		minImp := b.retention.WarmMinImportance

		r, err := tx.ExecContext(ctx,
			`UPDATE events SET retention_tier = `+tierExpr+`
			 WHERE retention_tier != `+tierExpr,
			c.hot, c.warm, c.cold, c.hot, c.warm, c.cold)
		if err != nil {
			return nil, errors.Wrap(err, "retier")
		}
		res.Retiered, _ = r.RowsAffected()

		// events older than warm, or warm events below the importance bar
		dropped := `id <= ? AND (created_at < ? OR (created_at < ? AND importance < ?))`
		dropArgs := []any{wm, c.warm, c.hot, minImp}

		r, err = tx.ExecContext(ctx,
			`INSERT INTO event_aggregates (day, event_type, source_agent, count)
			 SELECT substr(created_at, 1, 10), type, source_agent, COUNT(*)
			 FROM events WHERE `+dropped+` AND created_at >= ?
			 GROUP BY 1, 2, 3
			 ON CONFLICT(day, event_type, source_agent)
			 DO UPDATE SET count = event_aggregates.count + excluded.count`,
			append(dropArgs, c.cold)...)
		if err != nil {
			return nil, errors.Wrap(err, "aggregate")
		}
		res.Aggregated, _ = r.RowsAffected()

		r, err = tx.ExecContext(ctx, `DELETE FROM events WHERE `+dropped, dropArgs...)
		if err != nil {
			return nil, errors.Wrap(err, "prune events")
		}
		res.Deleted, _ = r.RowsAffected()

		r, err = tx.ExecContext(ctx, `DELETE FROM event_aggregates WHERE day < ?`, c.cold[:10])
		if err != nil {
			return nil, errors.Wrap(err, "prune aggregates")
		}
		res.AggregatesPruned, _ = r.RowsAffected()
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	b.lastMu.Lock()
	b.lastPass = res
	b.lastMu.Unlock()
	return res, nil
}

// RunCompaction compacts every interval until ctx is done.
func (b *Bus) RunCompaction(ctx context.Context, clk clock.Clock, interval time.Duration) error {
	if clk == nil {
		clk = b.clock
	}
	t := clk.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			res, err := b.Compact(ctx)
			if err != nil {
				b.logger.Warn("compaction failed", mylog.Err(err))
				continue
			}
			b.logger.Info("compaction done",
				"watermark", res.Watermark,
				"deleted", res.Deleted,
				"aggregated", res.Aggregated,
				"retiered", res.Retiered)
		}
	}
}

func (r CompactResult) String() string {
	return fmt.Sprintf("watermark=%d retiered=%d aggregated=%d deleted=%d aggregates_pruned=%d",
		r.Watermark, r.Retiered, r.Aggregated, r.Deleted, r.AggregatesPruned)
}
