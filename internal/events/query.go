package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/store"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	Types   []model.EventType
	Agent   string
	Profile string
	Subject string
	// Tier restricts results to events that tier still retains in full,
	// judged by age and importance.
	Tier    model.Tier
	SinceID int64
	Limit   int
}

// Query returns events with id > SinceID matching f, oldest first.
func (b *Bus) Query(ctx context.Context, f Filter) ([]model.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	where := []string{"id > ?"}
	args := []any{f.SinceID}

	if len(f.Types) > 0 {
		names := lo.Map(f.Types, func(t model.EventType, _ int) any { return t.String() })
		where = append(where, "type IN ("+strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")+")")
		args = append(args, names...)
	}
	if f.Agent != "" {
		where = append(where, "source_agent = ?")
		args = append(args, f.Agent)
	}
	if f.Profile != "" {
		where = append(where, "profile = ?")
		args = append(args, f.Profile)
	}
	if f.Subject != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.Subject)
	}
	if f.Tier != "" {
		c := b.retention.cutoffs(b.clock.Now())
		switch f.Tier {
		case model.TierHot:
			where = append(where, "created_at >= ?")
			args = append(args, c.hot)
		case model.TierWarm:
			where = append(where, "created_at < ? AND created_at >= ? AND importance >= ?")
			args = append(args, c.hot, c.warm, b.retention.WarmMinImportance)
		case model.TierCold, model.TierArchive:
			// only aggregates survive past warm
			return nil, nil
		default:
			return nil, errors.Wrapf(ErrInvalidEvent, "unknown tier %q", f.Tier)
		}
	}

	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`,
		store.EventColumns, strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		ev, err := store.ScanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Aggregate is a daily count of compacted events.
type Aggregate struct {
	Day         string `json:"day"`
	EventType   string `json:"event_type"`
	SourceAgent string `json:"source_agent"`
	Count       int    `json:"count"`
}

// Aggregates returns the cold-tier daily counts, newest day first.
func (b *Bus) Aggregates(ctx context.Context, agent string) ([]Aggregate, error) {
	query := `SELECT day, event_type, source_agent, count FROM event_aggregates`
	var args []any
	if agent != "" {
		query += ` WHERE source_agent = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY day DESC, event_type, source_agent`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Aggregate
	for rows.Next() {
		var a Aggregate
		if err := rows.Scan(&a.Day, &a.EventType, &a.SourceAgent, &a.Count); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats describes the event log.
type Stats struct {
	HeadID         int64            `json:"head_id"`
	Total          int              `json:"total"`
	ByType         map[string]int   `json:"by_type"`
	ByTier         map[string]int   `json:"by_tier"`
	ByAgent        map[string]int   `json:"by_agent"`
	AggregateRows  int              `json:"aggregate_rows"`
	AggregateTotal int              `json:"aggregate_total"`
	Watermark      int64            `json:"watermark"`
	Consumers      map[string]int64 `json:"consumers,omitempty"`
	LastCompaction *CompactResult   `json:"last_compaction,omitempty"`
}

// Stats counts events per type, tier and agent.
func (b *Bus) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByType:  map[string]int{},
		ByTier:  map[string]int{},
		ByAgent: map[string]int{},
	}

	var err error
	if st.HeadID, err = b.Head(ctx); err != nil {
		return nil, err
	}
	if st.Watermark, err = b.Watermark(ctx); err != nil {
		return nil, err
	}

	if err := b.countInto(ctx, st.ByType, `SELECT type, COUNT(*) FROM events GROUP BY type`); err != nil {
		return nil, err
	}
	if err := b.countInto(ctx, st.ByAgent, `SELECT source_agent, COUNT(*) FROM events GROUP BY source_agent`); err != nil {
		return nil, err
	}
	c := b.retention.cutoffs(b.clock.Now())
	if err := b.countInto(ctx, st.ByTier,
		`SELECT `+tierExpr+` AS tier, COUNT(*) FROM events GROUP BY tier`,
		c.hot, c.warm, c.cold); err != nil {
		return nil, err
	}
	for _, n := range st.ByType {
		st.Total += n
	}

	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(count), 0) FROM event_aggregates`).Scan(&st.AggregateRows, &st.AggregateTotal); err != nil {
		return nil, err
	}

	b.mu.RLock()
	if len(b.consumers) > 0 {
		st.Consumers = make(map[string]int64, len(b.consumers))
		for c := range b.consumers {
			st.Consumers[c.name] = c.Cursor()
		}
	}
	b.mu.RUnlock()

	b.lastMu.Lock()
	st.LastCompaction = b.lastPass
	b.lastMu.Unlock()
	return st, nil
}

func (b *Bus) countInto(ctx context.Context, dst map[string]int, query string, args ...any) error {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		dst[k] = n
	}
	return rows.Err()
}

// ParseTypes parses comma separated wire names.
func ParseTypes(s string) ([]model.EventType, error) {
	var out []model.EventType
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t, ok := model.ParseEventType(name)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidEvent, "unknown event type %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}
