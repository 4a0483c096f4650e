package trust

import (
	"context"

	"github.com/pkg/errors"

	"github.com/rcliao/memory-hub/internal/config"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/store"
)

var ErrUntrusted = errors.New("memory-hub: agent trust below minimum")

// ObservePolicy admits every write. Scores are still collected.
type ObservePolicy struct{}

func (ObservePolicy) Admit(context.Context, model.Provenance) error { return nil }

// EnforcePolicy rejects writes whose stamped trust is below MinScore.
type EnforcePolicy struct {
	MinScore float64
}

func (p EnforcePolicy) Admit(_ context.Context, prov model.Provenance) error {
	if prov.TrustScore < p.MinScore {
		return errors.Wrapf(ErrUntrusted, "agent %s has trust %.2f, minimum %.2f", prov.CreatedBy, prov.TrustScore, p.MinScore)
	}
	return nil
}

// PolicyFor picks the policy the configuration asks for.
func PolicyFor(cfg config.TrustConfig) store.TrustPolicy {
	if cfg.Enforce {
		return EnforcePolicy{MinScore: cfg.MinScore}
	}
	return ObservePolicy{}
}
