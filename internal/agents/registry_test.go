package agents

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-hub/internal/clock"
	"github.com/rcliao/memory-hub/internal/events"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/store"
)

var t0 = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.SQLiteStore
	bus   *events.Bus
	reg   *Registry
	clock *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	fake := clock.Fake(t0)
	st, err := store.Open(filepath.Join(t.TempDir(), "hub.db"), store.Options{Clock: fake})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus(st, events.DefaultRetention(), nil)
	reg, err := New(context.Background(), st, bus, Options{IdleTimeout: 30 * time.Minute})
	require.NoError(t, err)
	return fixture{store: st, bus: bus, reg: reg, clock: fake}
}

func as(agent string, proto model.Protocol) context.Context {
	return store.WithOrigin(context.Background(), model.Origin{AgentID: agent, Protocol: proto})
}

func (fx fixture) drain(t *testing.T) {
	t.Helper()
	for {
		n, err := fx.reg.Consumer().Drain(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func (fx fixture) count(t *testing.T, typ model.EventType, agent string) int {
	t.Helper()
	evs, err := fx.bus.Query(context.Background(), events.Filter{Types: []model.EventType{typ}, Subject: agent})
	require.NoError(t, err)
	return len(evs)
}

func TestUpsertCountsWritesAndRecalls(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.store.Put(as("cursor", model.ProtocolMCP), store.PutParams{NS: "p", Key: "a", Content: "1"})
	require.NoError(t, err)
	_, err = fx.store.Put(as("cursor", model.ProtocolMCP), store.PutParams{NS: "p", Key: "a", Content: "2"})
	require.NoError(t, err)
	fx.clock.Advance(time.Minute)
	_, err = fx.store.Recall(as("claude", model.ProtocolREST), "p", "a")
	require.NoError(t, err)
	require.NoError(t, fx.store.Rm(as("cursor", model.ProtocolMCP), store.RmParams{NS: "p", Key: "a"}))
	fx.drain(t)

	cursor, err := fx.reg.Get(ctx, "cursor")
	require.NoError(t, err)
	assert.Equal(t, 3, cursor.WritesCount)
	assert.Equal(t, 0, cursor.RecallsCount)
	assert.Equal(t, model.ProtocolMCP, cursor.Protocol)
	assert.Equal(t, t0, cursor.FirstSeen)
	assert.Equal(t, t0.Add(time.Minute), cursor.LastSeen)

	claude, err := fx.reg.Get(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, 0, claude.WritesCount)
	assert.Equal(t, 1, claude.RecallsCount)

	list, err := fx.reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []string{"claude", "cursor"}, fx.reg.Online())

	// the system agent never registers itself
	_, err = fx.reg.Get(ctx, store.SystemAgent)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConnectedOnFirstSightOnly(t *testing.T) {
	fx := newFixture(t)
	for _, k := range []string{"a", "b", "c"} {
		_, err := fx.store.Put(as("cursor", model.ProtocolMCP), store.PutParams{NS: "p", Key: k, Content: k})
		require.NoError(t, err)
		fx.drain(t)
	}
	assert.Equal(t, 1, fx.count(t, model.EventAgentConnected, "cursor"))

	evs, err := fx.bus.Query(context.Background(), events.Filter{Types: []model.EventType{model.EventAgentConnected}})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, store.SystemAgent, evs[0].SourceAgent)
	assert.JSONEq(t, `{"agent_id":"cursor","protocol":"mcp"}`, string(evs[0].Payload))
}

func TestIdleSweepDisconnects(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.store.Put(as("cursor", model.ProtocolMCP), store.PutParams{NS: "p", Key: "a", Content: "1"})
	require.NoError(t, err)
	fx.drain(t)

	fx.clock.Advance(10 * time.Minute)
	ids, err := fx.reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	fx.clock.Advance(25 * time.Minute)
	ids, err = fx.reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cursor"}, ids)
	assert.Empty(t, fx.reg.Online())
	assert.Equal(t, 1, fx.count(t, model.EventAgentDisconnected, "cursor"))

	// the record survives disconnection; a new write reconnects
	_, err = fx.reg.Get(ctx, "cursor")
	require.NoError(t, err)
	_, err = fx.store.Put(as("cursor", model.ProtocolMCP), store.PutParams{NS: "p", Key: "b", Content: "2"})
	require.NoError(t, err)
	fx.drain(t)
	assert.Equal(t, 2, fx.count(t, model.EventAgentConnected, "cursor"))
}

func TestDeleteAgent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.store.Put(as("cursor", model.ProtocolMCP), store.PutParams{NS: "p", Key: "a", Content: "1"})
	require.NoError(t, err)
	fx.drain(t)

	require.NoError(t, fx.reg.SetMetadata(ctx, "cursor", map[string]string{"team": "infra"}))
	got, err := fx.reg.Get(ctx, "cursor")
	require.NoError(t, err)
	assert.Equal(t, "infra", got.Metadata["team"])

	require.NoError(t, fx.reg.Delete(ctx, "cursor"))
	_, err = fx.reg.Get(ctx, "cursor")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, fx.reg.Delete(ctx, "cursor"), store.ErrNotFound)
	assert.Empty(t, fx.reg.Online())
}

func TestOnlineRestoredOnRestart(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.store.Put(as("cursor", model.ProtocolMCP), store.PutParams{NS: "p", Key: "a", Content: "1"})
	require.NoError(t, err)
	fx.drain(t)

	reg, err := New(context.Background(), fx.store, fx.bus, Options{IdleTimeout: 30 * time.Minute})
	require.NoError(t, err)
	defer reg.Consumer().Close()
	assert.Equal(t, []string{"cursor"}, reg.Online())
}

func TestConfiguredInitialTrustSeedsNewAgents(t *testing.T) {
	fx := newFixture(t)
	fx.reg.Consumer().Close()
	zero := 0.0
	reg, err := New(context.Background(), fx.store, fx.bus, Options{InitialTrust: &zero})
	require.NoError(t, err)
	defer reg.Consumer().Close()

	_, err = fx.store.Put(as("cursor", model.ProtocolMCP), store.PutParams{NS: "p", Key: "a", Content: "1"})
	require.NoError(t, err)
	_, err = reg.Consumer().Drain(context.Background())
	require.NoError(t, err)

	cursor, err := reg.Get(context.Background(), "cursor")
	require.NoError(t, err)
	assert.Equal(t, 0.0, cursor.TrustScore)

	bad := 1.5
	_, err = New(context.Background(), fx.store, fx.bus, Options{InitialTrust: &bad})
	assert.Error(t, err)
}
