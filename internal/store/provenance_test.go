package store

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rcliao/memory-hub/internal/model"
)

func TestStampClampsTrust(t *testing.T) {
	st := NewStamper(fixedTrust{"hot": 1.7, "neg": -0.2, "nan": math.NaN()})

	assert.Equal(t, 1.0, st.Stamp(model.Origin{AgentID: "hot"}).TrustScore)
	assert.Equal(t, 0.0, st.Stamp(model.Origin{AgentID: "neg"}).TrustScore)
	assert.Equal(t, 1.0, st.Stamp(model.Origin{AgentID: "nan"}).TrustScore)
	assert.Equal(t, 1.0, st.Stamp(model.Origin{AgentID: "unknown"}).TrustScore)

	snap := 0.25
	p := st.Stamp(model.Origin{AgentID: "hot", Protocol: model.ProtocolAgent, Trust: &snap})
	assert.Equal(t, 0.25, p.TrustScore, "caller snapshot wins")
	assert.Equal(t, model.ProtocolAgent, p.SourceProtocol)
	assert.Equal(t, "user", st.Stamp(model.Origin{}).CreatedBy)
}
