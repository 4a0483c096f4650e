// Package trust scores agents from their behavior on the event stream.
//
// Every adjustment is written to trust_signals before the agent's score in
// agent_registry changes, and Fold replays that trail to the stored score.
package trust

import (
	"math"
	"time"

	"github.com/rcliao/memory-hub/internal/config"
	"github.com/rcliao/memory-hub/internal/model"
)

// Rules holds the scoring constants.
type Rules config.TrustConfig

// Delta returns the signed adjustment for a signal type.
func (r Rules) Delta(t model.SignalType) float64 {
	switch t {
	case model.SignalHighValueWrite:
		return r.HighValueWrite
	case model.SignalCrossAgentRecall:
		return r.CrossAgentRecall
	case model.SignalConsistentBehavior:
		return r.ConsistentBehavior
	case model.SignalQuickDelete:
		return r.QuickDelete
	case model.SignalWriteBurst:
		return r.WriteBurst
	case model.SignalContradiction:
		return r.Contradiction
	}
	return 0
}

// Decay pulls score toward the baseline by DecayRate per day of elapsed
// time, compounded.
func (r Rules) Decay(score float64, elapsed time.Duration) float64 {
	if elapsed <= 0 || r.DecayRate <= 0 {
		return score
	}
	days := elapsed.Hours() / 24
	keep := math.Pow(1-r.DecayRate, days)
	return r.Baseline + (score-r.Baseline)*keep
}

// Apply decays score over the gap since the previous signal and adds
// delta. It returns the decayed score before the delta and the result.
// ok is false when the arithmetic produced NaN or Inf and the result was
// reset to the baseline.
func (r Rules) Apply(score float64, elapsed time.Duration, delta float64) (before, after float64, ok bool) {
	before = r.Decay(score, elapsed)
	after = before + delta
	if math.IsNaN(after) || math.IsInf(after, 0) {
		return Clamp(before), r.Baseline, false
	}
	return Clamp(before), Clamp(after), true
}

// Clamp bounds v to [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Fold replays signals in order from the initial score and returns the
// score they produce.
func (r Rules) Fold(signals []model.TrustSignal) float64 {
	score := r.Initial
	var prev time.Time
	for i, s := range signals {
		var gap time.Duration
		if i > 0 {
			gap = s.CreatedAt.Sub(prev)
		}
		_, score, _ = r.Apply(score, gap, s.Delta)
		prev = s.CreatedAt
	}
	return score
}
