package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-hub/internal/model"
)

func TestSearch_Basic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Store some memories
	s.Put(ctx, PutParams{NS: "test", Key: "golang", Content: "Go is a compiled language with goroutines"})
	s.Put(ctx, PutParams{NS: "test", Key: "python", Content: "Python is an interpreted language"})
	s.Put(ctx, PutParams{NS: "other", Key: "rust", Content: "Rust has a borrow checker"})

	results, err := s.Search(ctx, SearchParams{Query: "language"})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = s.Search(ctx, SearchParams{NS: "test", Query: "language"})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// Search by key
	results, err = s.Search(ctx, SearchParams{Query: "golang"})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = s.Search(ctx, SearchParams{Query: "javascript"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_ByAuthor(t *testing.T) {
	s := newTestStore(t)

	s.Put(agentCtx("claude", model.ProtocolMCP), PutParams{NS: "test", Key: "a", Content: "shared note"})
	s.Put(agentCtx("cursor", model.ProtocolMCP), PutParams{NS: "test", Key: "b", Content: "shared note"})

	results, err := s.Search(context.Background(), SearchParams{Query: "shared", CreatedBy: "cursor"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].Key)
}

func TestSearch_DeletedExcluded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, PutParams{NS: "test", Key: "deleted", Content: "this should not appear"})
	require.NoError(t, s.Rm(ctx, RmParams{NS: "test", Key: "deleted"}))

	results, err := s.Search(ctx, SearchParams{Query: "should not appear"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, PutParams{NS: "ns1", Key: "a", Content: "hello"})
	s.Put(ctx, PutParams{NS: "ns1", Key: "b", Content: "world"})
	s.Put(agentCtx("bot", model.ProtocolREST), PutParams{NS: "ns2", Key: "c", Content: "test"})

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ActiveMemories)
	assert.Len(t, stats.Namespaces, 2)
	assert.Len(t, stats.Authors, 2)
	assert.Equal(t, "ok", stats.Health)
	assert.NotZero(t, stats.DBSizeBytes)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	s1 := newTestStore(t)

	s1.Put(agentCtx("claude", model.ProtocolMCP), PutParams{NS: "test", Key: "a", Content: "alpha", Priority: "high"})
	s1.Put(agentCtx("cursor", model.ProtocolMCP), PutParams{NS: "test", Key: "b", Content: "beta"})

	exported, err := s1.ExportAll(ctx, ExportParams{})
	require.NoError(t, err)
	require.Len(t, exported, 2)

	byClaude, err := s1.ExportAll(ctx, ExportParams{CreatedBy: "claude"})
	require.NoError(t, err)
	require.Len(t, byClaude, 1)
	assert.Equal(t, "a", byClaude[0].Key)

	_, err = s1.ExportAll(ctx, ExportParams{MinTrust: 2})
	assert.ErrorIs(t, err, ErrInvalidParams)

	s2 := newTestStore(t)
	imported, err := s2.Import(agentCtx("importer", model.ProtocolCLI), exported)
	require.NoError(t, err)
	require.Len(t, imported, 2)

	mems, _ := s2.List(ctx, ListParams{NS: "test"})
	require.Len(t, mems, 2)
	for _, m := range mems {
		assert.Equal(t, "importer", m.CreatedBy)
		require.Len(t, m.Provenance, 1)
		assert.Equal(t, ImportOperation, m.Provenance[0].Operation)
		assert.Equal(t, "importer", m.Provenance[0].Agent)
		if m.Key == "a" {
			assert.Equal(t, 7, m.Importance)
			assert.Equal(t, exported[0].ID, m.Provenance[0].SourceID)
		}
	}
}

func TestImportIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Import(ctx, []model.Memory{
		{ID: "x1", NS: "test", Key: "ok", Content: "fine"},
		{ID: "x2", NS: "test", Key: "bad", Content: "nope", Kind: "bogus"},
	})
	assert.ErrorIs(t, err, ErrInvalidParams)

	mems, err := s.List(ctx, ListParams{NS: "test"})
	require.NoError(t, err)
	assert.Empty(t, mems)
}
