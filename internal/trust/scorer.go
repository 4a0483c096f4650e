package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rcliao/memory-hub/internal/config"
	"github.com/rcliao/memory-hub/internal/events"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/mylog"
	"github.com/rcliao/memory-hub/internal/store"
)

// agentState is the per-agent memory the heuristics need.
type agentState struct {
	score      float64
	lastSignal time.Time
	writes     []time.Time
	burstUntil time.Time
	lastAward  time.Time
	lastNeg    time.Time
}

func (a *agentState) clone() *agentState {
	c := *a
	c.writes = append([]time.Time(nil), a.writes...)
	return &c
}

// Scorer follows the event log and adjusts agent trust. It only observes;
// whether low scores block writes is up to the installed TrustPolicy.
type Scorer struct {
	store    *store.SQLiteStore
	rules    Rules
	logger   *slog.Logger
	consumer *events.Consumer

	mu     sync.RWMutex
	agents map[string]*agentState
}

const consumerName = "trust"

// NewScorer loads persisted scores and resumes the log from its persisted
// offset.
func NewScorer(ctx context.Context, st *store.SQLiteStore, bus *events.Bus, cfg config.TrustConfig, logger *slog.Logger) (*Scorer, error) {
	s := &Scorer{
		store:  st,
		rules:  Rules(cfg),
		logger: mylog.OrDiscard(logger),
		agents: make(map[string]*agentState),
	}
	if err := s.load(ctx); err != nil {
		return nil, errors.Wrap(err, "load trust scores")
	}
	from, err := events.LoadOffset(ctx, st.Reader(), consumerName)
	if err != nil {
		return nil, err
	}
	s.consumer = bus.NewConsumer(consumerName, from, s.handle)
	return s, nil
}

func (s *Scorer) load(ctx context.Context) error {
	rows, err := s.store.Reader().QueryContext(ctx,
		`SELECT r.agent_id, r.trust_score, (SELECT MAX(created_at) FROM trust_signals t WHERE t.agent_id = r.agent_id)
		 FROM agent_registry r`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var score float64
		var last sql.NullString
		if err := rows.Scan(&id, &score, &last); err != nil {
			return err
		}
		st := &agentState{score: score}
		if last.Valid {
			st.lastSignal = store.ParseTime(last.String)
		}
		s.agents[id] = st
	}
	return rows.Err()
}

// Consumer exposes the scorer's log cursor.
func (s *Scorer) Consumer() *events.Consumer { return s.consumer }

// Run follows the event log until ctx is done.
func (s *Scorer) Run(ctx context.Context) error { return s.consumer.Run(ctx) }

// Rules returns the scoring constants.
func (s *Scorer) Rules() Rules { return s.rules }

// TrustScore returns the agent's score decayed to now. Unknown agents get
// the initial score. It satisfies store.TrustSource.
func (s *Scorer) TrustScore(agentID string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return s.rules.Initial, true
	}
	if a.lastSignal.IsZero() {
		return a.score, true
	}
	return Clamp(s.rules.Decay(a.score, s.store.Clock().Now().Sub(a.lastSignal))), true
}

// handle evaluates one batch. State changes are applied to a copy and
// swapped in only after the signals commit, so a failed batch can be
// retried from scratch.
func (s *Scorer) handle(ctx context.Context, evs []model.Event) error {
	s.mu.RLock()
	work := make(map[string]*agentState, len(s.agents))
	for id, a := range s.agents {
		work[id] = a.clone()
	}
	s.mu.RUnlock()

	var out []model.TrustSignal
	for _, ev := range evs {
		if ev.SourceAgent == "" || ev.SourceAgent == store.SystemAgent || ev.Type.IsSystem() {
			continue
		}
		for _, c := range s.evaluate(ctx, work, ev) {
			out = append(out, s.apply(work, c, ev.CreatedAt))
		}
	}
	_, err := store.Submit(store.SystemContext(ctx), s.store, func(ctx context.Context, tx *store.Txn) (struct{}, error) {
		for _, sig := range out {
			if err := insertSignal(ctx, tx.Tx, sig); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, events.SaveOffset(ctx, tx, consumerName, evs[len(evs)-1].ID)
	})
	if err != nil {
		return err
	}
	s.swap(work)

	for _, sig := range out {
		s.logger.Info("trust signal",
			"agent", sig.AgentID, "signal", sig.Type, "delta", sig.Delta, "old", sig.OldScore, "new", sig.NewScore)
	}
	return nil
}

func (s *Scorer) swap(work map[string]*agentState) {
	s.mu.Lock()
	maps.Copy(s.agents, work)
	s.mu.Unlock()
}

// candidate is a signal before it has been scored.
type candidate struct {
	agent   string
	typ     model.SignalType
	context string
}

func state(work map[string]*agentState, id string, initial float64) *agentState {
	a, ok := work[id]
	if !ok {
		a = &agentState{score: initial}
		work[id] = a
	}
	return a
}

// evaluate runs the heuristics for one event against the working state.
func (s *Scorer) evaluate(ctx context.Context, work map[string]*agentState, ev model.Event) []candidate {
	r := s.rules
	agent := ev.SourceAgent
	a := state(work, agent, r.Initial)
	at := ev.CreatedAt
	var data map[string]any
	if len(ev.Payload) > 0 {
		json.Unmarshal(ev.Payload, &data)
	}

	var out []candidate
	switch ev.Type {
	case model.EventMemoryCreated, model.EventMemoryUpdated:
		if ev.Importance >= r.HighValueImportance {
			out = append(out, candidate{agent, model.SignalHighValueWrite, fmt.Sprintf("importance %d write %s", ev.Importance, ev.SubjectID)})
		}
	case model.EventMemoryDeleted:
		created, _ := data["created_at"].(string)
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil && at.Sub(t) >= 0 && at.Sub(t) <= r.QuickDeleteWindow {
			out = append(out, candidate{agent, model.SignalQuickDelete, fmt.Sprintf("deleted %s %s after create", ev.SubjectID, at.Sub(t))})
		}
	case model.EventMemoryRecalled:
		if author, _ := data["created_by"].(string); author != "" && author != agent && author != store.SystemAgent {
			out = append(out, candidate{author, model.SignalCrossAgentRecall, fmt.Sprintf("%s recalled %s", agent, ev.SubjectID)})
		}
	case model.EventGraphUpdated:
		if data["relation"] == store.RelContradicts && data["action"] == "added" {
			to, _ := data["to_id"].(string)
			if author := s.authorOf(ctx, to); author != "" && author != store.SystemAgent {
				out = append(out, candidate{author, model.SignalContradiction, fmt.Sprintf("%s contradicted by %s", to, agent)})
			}
		}
	}

	if ev.Type.IsWrite() && r.BurstThreshold > 0 {
		cutoff := at.Add(-r.BurstWindow)
		kept := a.writes[:0]
		for _, w := range a.writes {
			if w.After(cutoff) {
				kept = append(kept, w)
			}
		}
		a.writes = append(kept, at)
		if len(a.writes) > r.BurstThreshold && !at.Before(a.burstUntil) {
			a.burstUntil = at.Add(r.BurstWindow)
			out = append(out, candidate{agent, model.SignalWriteBurst, fmt.Sprintf("%d writes within %s", len(a.writes), r.BurstWindow)})
		}
	}

	negative := false
	for _, c := range out {
		if c.agent == agent && r.Delta(c.typ) < 0 {
			negative = true
		}
	}
	switch {
	case negative || a.lastAward.IsZero():
		a.lastAward = at
	case a.lastNeg.After(a.lastAward):
		a.lastAward = at
	case r.ConsistencyInterval > 0 && at.Sub(a.lastAward) >= r.ConsistencyInterval:
		a.lastAward = at
		out = append(out, candidate{agent, model.SignalConsistentBehavior, fmt.Sprintf("active since %s", r.ConsistencyInterval)})
	}
	return out
}

func (s *Scorer) authorOf(ctx context.Context, memoryID string) string {
	if memoryID == "" {
		return ""
	}
	var author string
	err := s.store.Reader().QueryRowContext(ctx, `SELECT created_by FROM memories WHERE id = ?`, memoryID).Scan(&author)
	if err != nil {
		return ""
	}
	return author
}

// apply scores one candidate against the working state.
func (s *Scorer) apply(work map[string]*agentState, c candidate, at time.Time) model.TrustSignal {
	a := state(work, c.agent, s.rules.Initial)
	var gap time.Duration
	if !a.lastSignal.IsZero() {
		gap = at.Sub(a.lastSignal)
	}
	delta := s.rules.Delta(c.typ)
	before, after, ok := s.rules.Apply(a.score, gap, delta)
	if !ok {
		s.logger.Warn("trust score not finite, reset to baseline", "agent", c.agent, "signal", c.typ)
	}
	a.score = after
	a.lastSignal = at
	if delta < 0 {
		a.lastNeg = at
	}
	return model.TrustSignal{
		AgentID:   c.agent,
		Type:      c.typ,
		Delta:     delta,
		OldScore:  before,
		NewScore:  after,
		Context:   c.context,
		CreatedAt: at,
	}
}

// insertSignal appends the audit record and then updates the agent row.
func insertSignal(ctx context.Context, tx *sql.Tx, sig model.TrustSignal) error {
	at := store.FormatTime(sig.CreatedAt)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trust_signals (agent_id, signal_type, delta, old_score, new_score, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig.AgentID, string(sig.Type), sig.Delta, sig.OldScore, sig.NewScore, sig.Context, at); err != nil {
		return errors.Wrap(err, "insert trust signal")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO agent_registry (agent_id, name, first_seen, last_seen, trust_score, metadata)
		 VALUES (?, ?, ?, ?, ?, '{}')
		 ON CONFLICT(agent_id) DO UPDATE SET trust_score = excluded.trust_score`,
		sig.AgentID, sig.AgentID, at, at, sig.NewScore)
	return errors.Wrap(err, "update trust score")
}
