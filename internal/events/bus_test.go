package events

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-hub/internal/clock"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/store"
)

var t0 = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestBus(t *testing.T) (*Bus, *store.SQLiteStore, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(t0)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{Clock: fake})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewBus(st, DefaultRetention(), nil), st, fake
}

func as(agent string) context.Context {
	return store.WithOrigin(context.Background(), model.Origin{AgentID: agent, Protocol: model.ProtocolMCP})
}

func emit(t *testing.T, b *Bus, agent string, typ model.EventType, importance int) model.Event {
	t.Helper()
	ev, err := b.Emit(as(agent), model.Event{Type: typ, Importance: importance, Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	return ev
}

func TestValidate(t *testing.T) {
	ok := model.Event{Type: model.EventPatternLearned, SourceAgent: "a", Importance: 5}
	assert.NoError(t, Validate(ok))

	cases := map[string]model.Event{
		"unknown type":   {Type: model.EventUnknown, SourceAgent: "a"},
		"importance":     {Type: model.EventPatternLearned, SourceAgent: "a", Importance: 11},
		"negative":       {Type: model.EventPatternLearned, SourceAgent: "a", Importance: -1},
		"missing agent":  {Type: model.EventPatternLearned},
		"array payload":  {Type: model.EventPatternLearned, SourceAgent: "a", Payload: json.RawMessage(`[1,2]`)},
		"broken payload": {Type: model.EventPatternLearned, SourceAgent: "a", Payload: json.RawMessage(`{"a":`)},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(ev), ErrInvalidEvent)
		})
	}
}

func TestEmitAssignsMonotonicIDs(t *testing.T) {
	b, _, _ := newTestBus(t)

	var last int64
	for i := 0; i < 5; i++ {
		ev := emit(t, b, "a", model.EventPatternLearned, 5)
		assert.Greater(t, ev.ID, last)
		assert.Equal(t, "a", ev.SourceAgent)
		assert.Equal(t, model.ProtocolMCP, ev.SourceProtocol)
		assert.Equal(t, model.TierHot, ev.Tier)
		assert.Equal(t, t0, ev.CreatedAt)
		last = ev.ID
	}
	head, err := b.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, last, head)
}

func TestEmitRejectsMalformedBeforeWrite(t *testing.T) {
	b, _, _ := newTestBus(t)

	_, err := b.Emit(as("a"), model.Event{Type: model.EventPatternLearned, Payload: json.RawMessage(`"str"`)})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	head, err := b.Head(context.Background())
	require.NoError(t, err)
	assert.Zero(t, head)
}

func TestQueryFilters(t *testing.T) {
	b, st, _ := newTestBus(t)
	ctx := context.Background()

	m, err := st.Put(as("alice"), store.PutParams{NS: "work", Key: "k", Content: "x"})
	require.NoError(t, err)
	_, err = st.Put(as("bob"), store.PutParams{NS: "home", Key: "k", Content: "y"})
	require.NoError(t, err)
	_, err = st.Recall(as("bob"), "work", "k")
	require.NoError(t, err)

	all, err := b.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Less(t, all[0].ID, all[1].ID)

	byAgent, _ := b.Query(ctx, Filter{Agent: "bob"})
	assert.Len(t, byAgent, 2)

	byProfile, _ := b.Query(ctx, Filter{Profile: "work"})
	assert.Len(t, byProfile, 2)

	byType, _ := b.Query(ctx, Filter{Types: []model.EventType{model.EventMemoryRecalled}})
	require.Len(t, byType, 1)
	assert.Equal(t, m.ID, byType[0].SubjectID)

	bySubject, _ := b.Query(ctx, Filter{Subject: m.ID})
	assert.Len(t, bySubject, 2)

	since, _ := b.Query(ctx, Filter{SinceID: all[0].ID, Limit: 1})
	require.Len(t, since, 1)
	assert.Equal(t, all[1].ID, since[0].ID)
}

func TestListenersSeeCommitOrder(t *testing.T) {
	b, st, _ := newTestBus(t)

	var mu sync.Mutex
	var seen []int64
	b.Listen(func(evs []model.Event) {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range evs {
			seen = append(seen, ev.ID)
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.Put(context.Background(), store.PutParams{NS: "ns", Key: string(rune('a' + i)), Content: "x"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 20)
	assert.IsIncreasing(t, seen)
}

func TestParseTypes(t *testing.T) {
	types, err := ParseTypes("memory_stored, memory_deleted")
	require.NoError(t, err)
	assert.Equal(t, []model.EventType{model.EventMemoryCreated, model.EventMemoryDeleted}, types)

	_, err = ParseTypes("memory_exploded")
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestStats(t *testing.T) {
	b, _, fake := newTestBus(t)
	ctx := context.Background()

	emit(t, b, "a", model.EventPatternLearned, 5)
	emit(t, b, "b", model.EventPatternLearned, 5)
	fake.Advance(50 * time.Hour)
	emit(t, b, "a", model.EventGraphUpdated, 5)

	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.EqualValues(t, 3, st.HeadID)
	assert.Equal(t, map[string]int{"pattern_learned": 2, "graph_updated": 1}, st.ByType)
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, st.ByAgent)
	assert.Equal(t, map[string]int{"hot": 1, "warm": 2}, st.ByTier)
	assert.EqualValues(t, 3, st.Watermark)
}
