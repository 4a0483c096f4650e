package hub

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-hub/internal/clock"
	"github.com/rcliao/memory-hub/internal/config"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/store"
	"github.com/rcliao/memory-hub/internal/trust"
)

var t0 = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func openHub(t *testing.T, mutate func(*config.Config)) (*Hub, *clock.FakeClock) {
	t.Helper()
	cfg := config.Default()
	cfg.DB = filepath.Join(t.TempDir(), "hub.db")
	if mutate != nil {
		mutate(&cfg)
	}
	fake := clock.Fake(t0)
	h, err := Open(context.Background(), &cfg, nil, WithClock(fake))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h, fake
}

func as(agent string) context.Context {
	return store.WithOrigin(context.Background(), model.Origin{AgentID: agent, Protocol: model.ProtocolMCP})
}

func TestOpenWiresComponents(t *testing.T) {
	h, _ := openHub(t, nil)
	assert.NotNil(t, h.Bus)
	assert.NotNil(t, h.Subs)
	assert.NotNil(t, h.Webhooks)
	assert.NotNil(t, h.Agents)
	assert.NotNil(t, h.Trust)
	assert.Equal(t, "ok", h.Store.Health())
}

func TestCatchUpFeedsRegistryAndScorer(t *testing.T) {
	h, fake := openHub(t, nil)
	ctx := context.Background()

	_, err := h.Store.Put(as("cursor"), store.PutParams{NS: "p", Key: "k", Content: "v"})
	require.NoError(t, err)
	fake.Advance(10 * time.Second)
	require.NoError(t, h.Store.Rm(as("cursor"), store.RmParams{NS: "p", Key: "k"}))
	require.NoError(t, h.CatchUp(ctx))

	agent, err := h.Agents.Get(ctx, "cursor")
	require.NoError(t, err)
	assert.Equal(t, 2, agent.WritesCount)
	assert.InDelta(t, 0.85, agent.TrustScore, 1e-3)

	score, ok := h.Trust.TrustScore("cursor")
	assert.True(t, ok)
	assert.InDelta(t, 0.85, score, 1e-3)
}

func TestDeletedAgentKeepsScoreWhenItReturns(t *testing.T) {
	h, fake := openHub(t, nil)
	ctx := context.Background()

	_, err := h.Store.Put(as("cursor"), store.PutParams{NS: "p", Key: "k", Content: "v"})
	require.NoError(t, err)
	fake.Advance(time.Second)
	require.NoError(t, h.Store.Rm(as("cursor"), store.RmParams{NS: "p", Key: "k"}))
	require.NoError(t, h.CatchUp(ctx))
	require.NoError(t, h.Agents.Delete(ctx, "cursor"))

	m, err := h.Store.Put(as("cursor"), store.PutParams{NS: "p", Key: "back", Content: "v"})
	require.NoError(t, err)
	require.NoError(t, h.CatchUp(ctx))

	stored, folded, err := h.Trust.Verify(ctx, "cursor")
	require.NoError(t, err)
	assert.InDelta(t, folded, stored, 1e-9)
	assert.InDelta(t, 0.85, stored, 1e-3)
	assert.InDelta(t, stored, m.TrustScore, 1e-3)
}

func TestEnforcedTrustBlocksWrites(t *testing.T) {
	h, _ := openHub(t, func(c *config.Config) {
		c.Trust.Enforce = true
		c.Trust.MinScore = 0.9
	})
	ctx := context.Background()

	_, err := h.Store.Put(as("cursor"), store.PutParams{NS: "p", Key: "k", Content: "v"})
	require.NoError(t, err)
	require.NoError(t, h.Store.Rm(as("cursor"), store.RmParams{NS: "p", Key: "k"}))
	require.NoError(t, h.CatchUp(ctx))

	_, err = h.Store.Put(as("cursor"), store.PutParams{NS: "p", Key: "again", Content: "v"})
	assert.ErrorIs(t, err, trust.ErrUntrusted)

	_, err = h.Store.Put(as("claude"), store.PutParams{NS: "p", Key: "other", Content: "v"})
	assert.NoError(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	h, _ := openHub(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
