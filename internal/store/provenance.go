package store

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/rcliao/memory-hub/internal/model"
)

// TrustSource supplies the current trust snapshot for an agent.
type TrustSource interface {
	TrustScore(agentID string) (float64, bool)
}

// Stamper deterministically derives the provenance committed with a write.
type Stamper struct {
	trust atomic.Pointer[TrustSource]
}

// NewStamper returns a Stamper. src may be nil until the scorer exists.
func NewStamper(src TrustSource) *Stamper {
	s := &Stamper{}
	if src != nil {
		s.SetTrustSource(src)
	}
	return s
}

func (s *Stamper) SetTrustSource(src TrustSource) {
	s.trust.Store(&src)
}

// Stamp fills created_by, source_protocol and trust_score from the origin.
// Missing context defaults to ("user", "cli", 1.0).
func (s *Stamper) Stamp(o model.Origin) model.Provenance {
	p := model.Provenance{
		CreatedBy:      o.AgentID,
		SourceProtocol: o.Protocol,
		TrustScore:     1.0,
	}
	if p.CreatedBy == "" {
		p.CreatedBy = model.DefaultAgent
	}
	if p.SourceProtocol == "" {
		p.SourceProtocol = model.ProtocolCLI
	}

	switch {
	case o.Trust != nil:
		p.TrustScore = *o.Trust
	case o.AgentID != "":
		if src := s.trust.Load(); src != nil {
			if v, ok := (*src).TrustScore(o.AgentID); ok {
				p.TrustScore = v
			}
		}
	}
	if math.IsNaN(p.TrustScore) {
		p.TrustScore = 1.0
	}
	p.TrustScore = math.Max(0, math.Min(1, p.TrustScore))
	return p
}

// Derive returns the provenance chain for a record derived from a source
// record: the source's chain followed by one step naming the source.
func (s *Stamper) Derive(p model.Provenance, sourceChain []model.ProvenanceStep, op, sourceID string, at time.Time) model.Provenance {
	chain := make([]model.ProvenanceStep, 0, len(sourceChain)+1)
	chain = append(chain, sourceChain...)
	chain = append(chain, model.ProvenanceStep{
		Operation: op,
		SourceID:  sourceID,
		Agent:     p.CreatedBy,
		At:        at.UTC(),
	})
	p.Chain = chain
	return p
}
