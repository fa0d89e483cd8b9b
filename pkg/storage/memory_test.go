package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetMissingIsNilNil(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	thing, err := store.Get(ctx, "Post", "nope")
	assert.NoError(t, err)
	assert.Nil(t, thing)

	ok, err := store.Delete(ctx, "Post", "nope")
	assert.NoError(t, err)
	assert.False(t, ok)

	art, err := store.GetArtifact(ctx, "Post", "nope", "embedding")
	assert.NoError(t, err)
	assert.Nil(t, art)
}

func TestMemoryStore_FaultDistinctFromNotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Close())

	thing, err := store.Get(ctx, "Post", "some-id")
	assert.Nil(t, thing)
	require.Error(t, err)
	assert.True(t, IsFault(err))
	assert.ErrorIs(t, err, ErrClosed)

	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "get", fault.Op)
	assert.Equal(t, "Post", fault.Type)
	assert.Equal(t, "some-id", fault.ID)
}

func TestMemoryStore_IdentifierAllowList(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "Post;DROP TABLE", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = store.Create(ctx, "Post", "../../etc/passwd", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidID)

	// UUIDs pass: ids allow '-' on top of the identifier grammar.
	thing, err := store.Create(ctx, "Post", NewID(), map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.NotNil(t, thing)
}

func TestMemoryStore_CreateGetUpdateDelete(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	created, err := store.Create(ctx, "Post", "", map[string]any{
		"title": "Hello",
		"views": 10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "Post", created.Type)

	got, err := store.Get(ctx, "Post", created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Hello", got.Field("title"))

	// Ids are store-wide unique, not per type.
	wrongType, err := store.Get(ctx, "Blog", created.ID)
	assert.NoError(t, err)
	assert.Nil(t, wrongType)

	updated, err := store.Update(ctx, "Post", created.ID, map[string]any{"views": 11})
	require.NoError(t, err)
	assert.Equal(t, 11, updated.Field("views"))
	assert.Equal(t, "Hello", updated.Field("title"), "patch is a shallow merge")

	missing, err := store.Update(ctx, "Post", "absent", map[string]any{"x": 1})
	assert.NoError(t, err)
	assert.Nil(t, missing)

	ok, err := store.Delete(ctx, "Post", created.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = store.Get(ctx, "Post", created.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_CreateExplicitIDCollision(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "Post", "p1", nil)
	require.NoError(t, err)

	_, err = store.Create(ctx, "Post", "p1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStore_ResultsAreCopies(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	created, err := store.Create(ctx, "Post", "p1", map[string]any{"title": "a"})
	require.NoError(t, err)
	created.Fields["title"] = "mutated"

	got, err := store.Get(ctx, "Post", "p1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Field("title"))
}

func TestMemoryStore_GetManyOrderAndDedup(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Create(ctx, "Post", id, map[string]any{"title": id})
		require.NoError(t, err)
	}

	things, err := store.GetMany(ctx, "Post", []string{"c", "missing", "a", "c", "b"})
	require.NoError(t, err)
	require.Len(t, things, 3)
	assert.Equal(t, "c", things[0].ID)
	assert.Equal(t, "a", things[1].ID)
	assert.Equal(t, "b", things[2].ID)
}

func TestMemoryStore_ListPaginationAndWhere(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		_, err := store.Create(ctx, "Post", id, map[string]any{
			"title": id,
			"even":  i%2 == 0,
		})
		require.NoError(t, err)
	}

	all, err := store.List(ctx, "Post", nil)
	require.NoError(t, err)
	require.Len(t, all, 4)

	page, err := store.List(ctx, "Post", &ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID)
	assert.Equal(t, "c", page[1].ID)

	evens, err := store.Find(ctx, "Post", map[string]any{"even": true})
	require.NoError(t, err)
	assert.Len(t, evens, 2)

	past, err := store.List(ctx, "Post", &ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestMemoryStore_WhereIsEqualityOnly(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "Post", "p1", map[string]any{
		"views": 10,
		"meta":  map[string]any{"$gt": 5},
	})
	require.NoError(t, err)

	// A nested map in the filter is an opaque value, never an operator: it
	// only matches a stored value that is structurally identical.
	hits, err := store.Find(ctx, "Post", map[string]any{
		"views": map[string]any{"$gt": 5},
	})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.Find(ctx, "Post", map[string]any{
		"meta": map[string]any{"$gt": 5},
	})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	// Numeric types normalize, so int and float64 views of the same number
	// compare equal after a JSON round-trip.
	hits, err = store.Find(ctx, "Post", map[string]any{"views": float64(10)})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestMemoryStore_RelateIdempotent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "Post", "p1", nil)
	require.NoError(t, err)
	_, err = store.Create(ctx, "Blog", "b1", nil)
	require.NoError(t, err)

	edge := &Edge{
		FromType: "Post", FromID: "p1",
		ToType: "Blog", ToID: "b1",
		Name:        "blog",
		Direction:   Forward,
		MatchMode:   Exact,
		Cardinality: ManyToOne,
	}
	first, err := store.Relate(ctx, edge)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := store.Relate(ctx, edge)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same identity triple reuses the edge")

	edges, err := store.Related(ctx, "Post", "p1", "blog")
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	// The edge creation was journaled exactly once.
	entries, err := store.ActionEntries(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionEdge, entries[0].Kind)
}

func TestMemoryStore_RelateMissingEndpoint(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "Post", "p1", nil)
	require.NoError(t, err)

	_, err = store.Relate(ctx, &Edge{
		FromType: "Post", FromID: "p1",
		ToType: "Blog", ToID: "ghost",
		Name: "blog",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEdge)
}

func TestMemoryStore_DeleteCascadesEdgesAndArtifacts(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "Post", "p1", nil)
	require.NoError(t, err)
	_, err = store.Create(ctx, "Blog", "b1", nil)
	require.NoError(t, err)

	_, err = store.Relate(ctx, &Edge{
		FromType: "Post", FromID: "p1",
		ToType: "Blog", ToID: "b1",
		Name: "blog", Direction: Forward,
	})
	require.NoError(t, err)

	require.NoError(t, store.PutArtifact(ctx, &Artifact{
		ThingType: "Post", ThingID: "p1", Kind: "embedding",
		Content: []float32{1, 2, 3},
	}))

	ok, err := store.Delete(ctx, "Post", "p1")
	require.NoError(t, err)
	require.True(t, ok)

	edges, err := store.Related(ctx, "Blog", "b1", "")
	require.NoError(t, err)
	assert.Empty(t, edges, "edges touching the deleted entity are gone")

	art, err := store.GetArtifact(ctx, "Post", "p1", "embedding")
	require.NoError(t, err)
	assert.Nil(t, art)
}

func TestMemoryStore_Unrelate(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "Post", "p1", nil)
	require.NoError(t, err)
	_, err = store.Create(ctx, "Blog", "b1", nil)
	require.NoError(t, err)
	_, err = store.Relate(ctx, &Edge{
		FromType: "Post", FromID: "p1",
		ToType: "Blog", ToID: "b1",
		Name: "blog",
	})
	require.NoError(t, err)

	ok, err := store.Unrelate(ctx, "p1", "b1", "blog")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Unrelate(ctx, "p1", "b1", "blog")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ArtifactStaleness(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	fields := map[string]any{"title": "Hello"}
	_, err := store.Create(ctx, "Post", "p1", fields)
	require.NoError(t, err)

	require.NoError(t, store.PutArtifact(ctx, &Artifact{
		ThingType: "Post", ThingID: "p1", Kind: "embedding",
		Content:    []float32{0.1, 0.2},
		SourceHash: HashFields(fields),
	}))

	art, err := store.GetArtifact(ctx, "Post", "p1", "embedding")
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.False(t, art.Stale(fields))
	assert.True(t, art.Stale(map[string]any{"title": "Changed"}))
	assert.Equal(t, []float32{0.1, 0.2}, art.FloatContent())

	// Replacing keeps the original creation time.
	created := art.CreatedAt
	require.NoError(t, store.PutArtifact(ctx, &Artifact{
		ThingType: "Post", ThingID: "p1", Kind: "embedding",
		Content: []float32{0.3},
	}))
	art, err = store.GetArtifact(ctx, "Post", "p1", "embedding")
	require.NoError(t, err)
	assert.Equal(t, created, art.CreatedAt)

	ok, err := store.DeleteArtifact(ctx, "Post", "p1", "embedding")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_ActionLedger(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	seq1, err := store.AppendAction(ctx, &ActionEntry{
		ActionID: "act-1", Kind: ActionCheckpoint,
		Payload: map[string]any{"index": 3},
	})
	require.NoError(t, err)
	seq2, err := store.AppendAction(ctx, &ActionEntry{
		ActionID: "act-1", Kind: ActionComplete,
	})
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	_, err = store.AppendAction(ctx, &ActionEntry{Kind: ActionCheckpoint})
	assert.Error(t, err, "entries need an action id")

	entries, err := store.ActionEntries(ctx, "act-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionCheckpoint, entries[0].Kind)
	assert.Equal(t, ActionComplete, entries[1].Kind)
	assert.False(t, entries[0].Timestamp.IsZero())

	other, err := store.ActionEntries(ctx, "act-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStore_Search(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "Post", "p1", map[string]any{
		"title": "Go concurrency patterns",
		"body":  "channels and goroutines",
	})
	require.NoError(t, err)
	_, err = store.Create(ctx, "Post", "p2", map[string]any{
		"title": "Cooking with garlic",
	})
	require.NoError(t, err)
	_, err = store.Create(ctx, "Post", "p3", map[string]any{
		"title": "Concurrency in databases",
		"body":  "locks, not channels",
	})
	require.NoError(t, err)

	hits, err := store.Search(ctx, "Post", "concurrency goroutines", &SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "p1", hits[0].ID, "two distinct term hits outrank one")

	none, err := store.Search(ctx, "Post", "", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInferCardinality(t *testing.T) {
	assert.Equal(t, ManyToOne, InferCardinality(false, false))
	assert.Equal(t, ManyToMany, InferCardinality(false, true))
	assert.Equal(t, OneToMany, InferCardinality(true, true))
	assert.Equal(t, OneToOne, InferCardinality(true, false))
}
