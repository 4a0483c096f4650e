// Package agents maintains the agent registry from the event stream.
package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/memory-hub/internal/clock"
	"github.com/rcliao/memory-hub/internal/events"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/mylog"
	"github.com/rcliao/memory-hub/internal/store"
)

// Options configures a Registry.
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// InitialTrust seeds the trust score of agents with no signals yet.
	// Nil means 1.0.
	InitialTrust *float64
	Logger       *slog.Logger
}

// Registry upserts one AgentRecord per source agent and synthesizes
// agent_connected / agent_disconnected events. It reads the log through an
// events.Consumer, so it never slows down writers.
type Registry struct {
	store    *store.SQLiteStore
	clock    clock.Clock
	logger   *slog.Logger
	idle     time.Duration
	sweep    time.Duration
	initial  float64
	consumer *events.Consumer

	mu     sync.Mutex
	online map[string]time.Time
}

const consumerName = "agents"

// New creates a Registry that resumes the log from its persisted offset.
// Agents seen within the idle timeout are treated as still connected.
func New(ctx context.Context, st *store.SQLiteStore, bus *events.Bus, opts Options) (*Registry, error) {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	initial := 1.0
	if opts.InitialTrust != nil {
		if v := *opts.InitialTrust; v < 0 || v > 1 {
			return nil, errors.Errorf("initial trust %v outside [0,1]", v)
		}
		initial = *opts.InitialTrust
	}
	r := &Registry{
		store:   st,
		clock:   st.Clock(),
		logger:  mylog.OrDiscard(opts.Logger),
		idle:    opts.IdleTimeout,
		sweep:   opts.SweepInterval,
		initial: initial,
		online:  make(map[string]time.Time),
	}

	from, err := events.LoadOffset(ctx, st.Reader(), consumerName)
	if err != nil {
		return nil, err
	}
	if err := r.loadOnline(ctx); err != nil {
		return nil, errors.Wrap(err, "load agents")
	}
	r.consumer = bus.NewConsumer(consumerName, from, r.handle)
	return r, nil
}

func (r *Registry) loadOnline(ctx context.Context) error {
	cutoff := store.FormatTime(r.clock.Now().Add(-r.idle))
	rows, err := r.store.Reader().QueryContext(ctx,
		`SELECT agent_id, last_seen FROM agent_registry WHERE last_seen >= ?`, cutoff)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, seen string
		if err := rows.Scan(&id, &seen); err != nil {
			return err
		}
		r.online[id] = store.ParseTime(seen)
	}
	return rows.Err()
}

// Consumer exposes the registry's log cursor.
func (r *Registry) Consumer() *events.Consumer { return r.consumer }

// Run follows the event log and sweeps idle agents until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.consumer.Run(ctx) })
	g.Go(func() error {
		t := r.clock.NewTicker(r.sweep)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C():
				if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("agent sweep failed", mylog.Err(err))
				}
			}
		}
	})
	return g.Wait()
}

type activity struct {
	protocol model.Protocol
	first    time.Time
	last     time.Time
	writes   int
	recalls  int
}

// handle folds a batch into per-agent deltas and applies them in one write.
func (r *Registry) handle(ctx context.Context, evs []model.Event) error {
	seen := make(map[string]*activity)
	var order []string
	for _, ev := range evs {
		if ev.SourceAgent == "" || ev.SourceAgent == store.SystemAgent || ev.Type.IsSystem() {
			continue
		}
		a, ok := seen[ev.SourceAgent]
		if !ok {
			a = &activity{first: ev.CreatedAt}
			seen[ev.SourceAgent] = a
			order = append(order, ev.SourceAgent)
		}
		a.protocol = ev.SourceProtocol
		if ev.CreatedAt.After(a.last) {
			a.last = ev.CreatedAt
		}
		switch {
		case ev.Type.IsWrite():
			a.writes++
		case ev.Type == model.EventMemoryRecalled:
			a.recalls++
		}
	}
	r.mu.Lock()
	var connected []string
	for _, id := range order {
		last, ok := r.online[id]
		if !ok || seen[id].first.Sub(last) > r.idle {
			connected = append(connected, id)
		}
	}
	r.mu.Unlock()

	_, err := store.Submit(store.SystemContext(ctx), r.store, func(ctx context.Context, tx *store.Txn) (struct{}, error) {
		for _, id := range order {
			a := seen[id]
			if err := upsert(ctx, tx.Tx, id, a, r.initial); err != nil {
				return struct{}{}, err
			}
		}
		for _, id := range connected {
			a := seen[id]
			payload, _ := json.Marshal(map[string]any{"agent_id": id, "protocol": a.protocol})
			if _, err := tx.Emit(ctx, model.Event{
				Type:       model.EventAgentConnected,
				SubjectID:  id,
				Payload:    payload,
				Importance: 3,
			}); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, events.SaveOffset(ctx, tx, consumerName, evs[len(evs)-1].ID)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, id := range order {
		if seen[id].last.After(r.online[id]) {
			r.online[id] = seen[id].last
		}
	}
	r.mu.Unlock()
	for _, id := range connected {
		r.logger.Info("agent connected", "agent", id, "protocol", seen[id].protocol)
	}
	return nil
}

// upsert applies one agent's activity. A new row takes its score from the
// agent's latest trust signal, which outlives an admin delete, and falls
// back to initial only for agents that were never scored.
func upsert(ctx context.Context, tx *sql.Tx, id string, a *activity, initial float64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO agent_registry (agent_id, name, protocol, first_seen, last_seen, writes_count, recalls_count, trust_score, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?,
		   COALESCE((SELECT new_score FROM trust_signals WHERE agent_id = ? ORDER BY id DESC LIMIT 1), ?),
		   '{}')
		 ON CONFLICT(agent_id) DO UPDATE SET
		   protocol      = excluded.protocol,
		   first_seen    = MIN(first_seen, excluded.first_seen),
		   last_seen     = MAX(last_seen, excluded.last_seen),
		   writes_count  = writes_count + excluded.writes_count,
		   recalls_count = recalls_count + excluded.recalls_count`,
		id, id, string(a.protocol), store.FormatTime(a.first), store.FormatTime(a.last), a.writes, a.recalls, id, initial)
	return errors.Wrapf(err, "upsert agent %s", id)
}

// Sweep emits agent_disconnected for every agent idle longer than the idle
// timeout and returns their ids.
func (r *Registry) Sweep(ctx context.Context) ([]string, error) {
	now := r.clock.Now()
	r.mu.Lock()
	idle := make(map[string]time.Time)
	for id, last := range r.online {
		if now.Sub(last) > r.idle {
			idle[id] = last
		}
	}
	r.mu.Unlock()
	if len(idle) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(idle))
	for id := range idle {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	_, err := store.Submit(store.SystemContext(ctx), r.store, func(ctx context.Context, tx *store.Txn) (struct{}, error) {
		for _, id := range ids {
			payload, _ := json.Marshal(map[string]any{
				"agent_id":  id,
				"last_seen": idle[id].UTC().Format(time.RFC3339),
				"idle_secs": int(now.Sub(idle[id]).Seconds()),
			})
			if _, err := tx.Emit(ctx, model.Event{
				Type:       model.EventAgentDisconnected,
				SubjectID:  id,
				Payload:    payload,
				Importance: 2,
			}); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	for _, id := range ids {
		// only forget agents that stayed idle while the write ran
		if r.online[id].Equal(idle[id]) {
			delete(r.online, id)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.logger.Info("agent disconnected", "agent", id, "last_seen", idle[id])
	}
	return ids, nil
}

// Online returns the ids of agents currently considered connected.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

const agentColumns = `agent_id, name, protocol, first_seen, last_seen, writes_count, recalls_count, trust_score, metadata`

func scanAgent(row interface{ Scan(...any) error }) (model.Agent, error) {
	var a model.Agent
	var name, proto, meta sql.NullString
	var first, last string
	if err := row.Scan(&a.ID, &name, &proto, &first, &last, &a.WritesCount, &a.RecallsCount, &a.TrustScore, &meta); err != nil {
		return a, err
	}
	a.Name = name.String
	a.Protocol = model.Protocol(proto.String)
	a.FirstSeen = store.ParseTime(first)
	a.LastSeen = store.ParseTime(last)
	if meta.Valid && meta.String != "" && meta.String != "{}" {
		json.Unmarshal([]byte(meta.String), &a.Metadata)
	}
	return a, nil
}

// List returns every registered agent, most recently seen first.
func (r *Registry) List(ctx context.Context) ([]model.Agent, error) {
	rows, err := r.store.Reader().QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agent_registry ORDER BY last_seen DESC, agent_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list agents")
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get returns one agent or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*model.Agent, error) {
	a, err := scanAgent(r.store.Reader().QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agent_registry WHERE agent_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(store.ErrNotFound, "agent %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SetMetadata replaces an agent's free-form metadata.
func (r *Registry) SetMetadata(ctx context.Context, id string, meta map[string]string) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = store.Submit(ctx, r.store, func(ctx context.Context, tx *store.Txn) (int64, error) {
		res, err := tx.ExecContext(ctx, `UPDATE agent_registry SET metadata = ? WHERE agent_id = ?`, string(b), id)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return 0, errors.Wrapf(store.ErrNotFound, "agent %s", id)
		}
		return n, nil
	})
	return err
}

// Delete removes an agent record. Its trust signals stay as audit history.
func (r *Registry) Delete(ctx context.Context, id string) error {
	_, err := store.Submit(ctx, r.store, func(ctx context.Context, tx *store.Txn) (int64, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM agent_registry WHERE agent_id = ?`, id)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return 0, errors.Wrapf(store.ErrNotFound, "agent %s", id)
		}
		return n, nil
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.online, id)
	r.mu.Unlock()
	r.logger.Info("agent deleted", "agent", id)
	return nil
}
