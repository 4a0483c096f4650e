package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-hub/internal/model"
)

func TestLinkCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, PutParams{NS: "test", Key: "a", Content: "memory a"})
	s.Put(ctx, PutParams{NS: "test", Key: "b", Content: "memory b"})

	link, err := s.Link(ctx, LinkParams{
		FromNS: "test", FromKey: "a",
		ToNS: "test", ToKey: "b",
		Rel: "relates_to",
	})
	require.NoError(t, err)
	assert.Equal(t, "relates_to", link.Rel)

	links, err := s.GetLinks(ctx, link.FromID)
	require.NoError(t, err)
	require.Len(t, links, 1)
}

func TestLinkEmitsGraphUpdated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, PutParams{NS: "test", Key: "a", Content: "the sky is blue"})
	s.Put(ctx, PutParams{NS: "test", Key: "b", Content: "the sky is green"})

	link, err := s.Link(agentCtx("critic", model.ProtocolMCP), LinkParams{
		FromNS: "test", FromKey: "b", ToNS: "test", ToKey: "a", Rel: RelContradicts,
	})
	require.NoError(t, err)

	evs := eventsFor(t, s, link.FromID)
	require.Len(t, evs, 2)
	ev := evs[1]
	assert.Equal(t, model.EventGraphUpdated, ev.Type)
	assert.Equal(t, "critic", ev.SourceAgent)

	var data map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &data))
	assert.Equal(t, RelContradicts, data["relation"])
	assert.Equal(t, link.ToID, data["to_id"])
	assert.Equal(t, "added", data["action"])
	assert.Equal(t, ev.ID, link.EventID)
	assert.Equal(t, "added", link.Action)
	assert.Equal(t, model.DefaultAgent, link.ToAuthor)
}

func TestLinkToSelfRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Put(ctx, PutParams{NS: "test", Key: "a", Content: "memory a"})

	_, err := s.Link(ctx, LinkParams{FromNS: "test", FromKey: "a", ToNS: "test", ToKey: "a", Rel: "refines"})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestLinkRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, PutParams{NS: "test", Key: "a", Content: "memory a"})
	s.Put(ctx, PutParams{NS: "test", Key: "b", Content: "memory b"})

	link, err := s.Link(ctx, LinkParams{
		FromNS: "test", FromKey: "a",
		ToNS: "test", ToKey: "b",
		Rel: "depends_on",
	})
	require.NoError(t, err)

	// Remove it
	_, err = s.Link(ctx, LinkParams{
		FromNS: "test", FromKey: "a",
		ToNS: "test", ToKey: "b",
		Rel: "depends_on", Remove: true,
	})
	require.NoError(t, err)

	links, _ := s.GetLinks(ctx, link.FromID)
	assert.Empty(t, links)
}

func TestLinkInvalidRel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, PutParams{NS: "test", Key: "a", Content: "memory a"})
	s.Put(ctx, PutParams{NS: "test", Key: "b", Content: "memory b"})

	_, err := s.Link(ctx, LinkParams{
		FromNS: "test", FromKey: "a",
		ToNS: "test", ToKey: "b",
		Rel: "invalid",
	})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = s.Link(ctx, LinkParams{
		FromNS: "test", FromKey: "a",
		ToNS: "test", ToKey: "missing",
		Rel: "refines",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
