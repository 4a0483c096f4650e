package trust

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/store"
)

// Signals returns an agent's trust signals, oldest first. limit <= 0
// returns all of them.
func (s *Scorer) Signals(ctx context.Context, agentID string, limit int) ([]model.TrustSignal, error) {
	q := `SELECT id, agent_id, signal_type, delta, old_score, new_score, context, created_at
	      FROM trust_signals WHERE agent_id = ? ORDER BY id`
	args := []any{agentID}
	if limit > 0 {
		q = `SELECT * FROM (` + q + ` DESC LIMIT ?) ORDER BY id`
		args = append(args, limit)
	}
	rows, err := s.store.Reader().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query trust signals")
	}
	defer rows.Close()

	var out []model.TrustSignal
	for rows.Next() {
		var sig model.TrustSignal
		var typ, at string
		var sctx sql.NullString
		if err := rows.Scan(&sig.ID, &sig.AgentID, &typ, &sig.Delta, &sig.OldScore, &sig.NewScore, &sctx, &at); err != nil {
			return nil, err
		}
		sig.Type = model.SignalType(typ)
		sig.Context = sctx.String
		sig.CreatedAt = store.ParseTime(at)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// Verify replays an agent's signal trail and returns it next to the stored
// score. The two are equal unless the tables were edited by hand.
func (s *Scorer) Verify(ctx context.Context, agentID string) (stored, folded float64, err error) {
	err = s.store.Reader().QueryRowContext(ctx,
		`SELECT trust_score FROM agent_registry WHERE agent_id = ?`, agentID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, errors.Wrapf(store.ErrNotFound, "agent %s", agentID)
	}
	if err != nil {
		return 0, 0, err
	}
	sigs, err := s.Signals(ctx, agentID, 0)
	if err != nil {
		return 0, 0, err
	}
	if len(sigs) == 0 {
		return stored, stored, nil
	}
	return stored, s.rules.Fold(sigs), nil
}

// Stats summarizes scores and signals.
type Stats struct {
	Agents    int            `json:"agents"`
	Signals   int            `json:"signals"`
	Average   float64        `json:"average_score"`
	Min       float64        `json:"min_score"`
	Max       float64        `json:"max_score"`
	Untrusted int            `json:"below_minimum"`
	MinScore  float64        `json:"minimum"`
	Enforcing bool           `json:"enforcing"`
	BySignal  map[string]int `json:"by_signal"`
}

func (s *Scorer) Stats(ctx context.Context) (*Stats, error) {
	db := s.store.Reader()
	st := &Stats{BySignal: map[string]int{}, MinScore: s.rules.MinScore, Enforcing: s.rules.Enforce}

	var avg, lo, hi sql.NullFloat64
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(trust_score), MIN(trust_score), MAX(trust_score),
		        COALESCE(SUM(trust_score < ?), 0)
		 FROM agent_registry`, s.rules.MinScore).Scan(&st.Agents, &avg, &lo, &hi, &st.Untrusted); err != nil {
		return nil, errors.Wrap(err, "trust score stats")
	}
	st.Average, st.Min, st.Max = avg.Float64, lo.Float64, hi.Float64

	rows, err := db.QueryContext(ctx, `SELECT signal_type, COUNT(*) FROM trust_signals GROUP BY signal_type`)
	if err != nil {
		return nil, errors.Wrap(err, "trust signal stats")
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		st.BySignal[typ] = n
		st.Signals += n
	}
	return st, rows.Err()
}
