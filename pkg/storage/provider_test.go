package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newProviderFuncs enumerates every backend so the conformance suite below
// runs against all of them. Behavioral differences between backends are
// bugs: upstream code only ever sees the Provider interface.
func newProviderFuncs(t *testing.T) map[string]func(t *testing.T) Provider {
	return map[string]func(t *testing.T) Provider{
		"memory": func(t *testing.T) Provider {
			return NewMemoryStore()
		},
		"badger": func(t *testing.T) Provider {
			store, err := NewBadgerStoreInMemory()
			require.NoError(t, err)
			return store
		},
		"sqlite": func(t *testing.T) Provider {
			store, err := NewSQLiteStore(":memory:")
			require.NoError(t, err)
			return store
		},
	}
}

func TestProviderConformance(t *testing.T) {
	for name, newStore := range newProviderFuncs(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("crud", func(t *testing.T) { testProviderCRUD(t, newStore(t)) })
			t.Run("missing", func(t *testing.T) { testProviderMissing(t, newStore(t)) })
			t.Run("getMany", func(t *testing.T) { testProviderGetMany(t, newStore(t)) })
			t.Run("edges", func(t *testing.T) { testProviderEdges(t, newStore(t)) })
			t.Run("cascade", func(t *testing.T) { testProviderCascade(t, newStore(t)) })
			t.Run("artifacts", func(t *testing.T) { testProviderArtifacts(t, newStore(t)) })
			t.Run("ledger", func(t *testing.T) { testProviderLedger(t, newStore(t)) })
			t.Run("identifiers", func(t *testing.T) { testProviderIdentifiers(t, newStore(t)) })
		})
	}
}

func testProviderCRUD(t *testing.T, store Provider) {
	defer store.Close()
	ctx := context.Background()

	created, err := store.Create(ctx, "Post", "p1", map[string]any{
		"title": "Hello",
		"views": float64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", created.ID)

	_, err = store.Create(ctx, "Post", "p1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := store.Get(ctx, "Post", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Hello", got.Field("title"))

	updated, err := store.Update(ctx, "Post", "p1", map[string]any{"views": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, "Hello", updated.Field("title"))

	got, err = store.Get(ctx, "Post", "p1")
	require.NoError(t, err)
	views, _ := asFloat(got.Field("views"))
	assert.Equal(t, float64(4), views)

	list, err := store.List(ctx, "Post", nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	found, err := store.Find(ctx, "Post", map[string]any{"title": "Hello"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	ok, err := store.Delete(ctx, "Post", "p1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testProviderMissing(t *testing.T, store Provider) {
	defer store.Close()
	ctx := context.Background()

	thing, err := store.Get(ctx, "Post", "nope")
	assert.NoError(t, err)
	assert.Nil(t, thing)

	thing, err = store.Update(ctx, "Post", "nope", map[string]any{"x": 1})
	assert.NoError(t, err)
	assert.Nil(t, thing)

	ok, err := store.Delete(ctx, "Post", "nope")
	assert.NoError(t, err)
	assert.False(t, ok)

	// An id stored under a different type is also "missing".
	_, err = store.Create(ctx, "Blog", "b1", nil)
	require.NoError(t, err)
	thing, err = store.Get(ctx, "Post", "b1")
	assert.NoError(t, err)
	assert.Nil(t, thing)
}

func testProviderGetMany(t *testing.T, store Provider) {
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Create(ctx, "Post", id, nil)
		require.NoError(t, err)
	}

	things, err := store.GetMany(ctx, "Post", []string{"b", "ghost", "a", "b"})
	require.NoError(t, err)
	require.Len(t, things, 2)
	assert.Equal(t, "b", things[0].ID)
	assert.Equal(t, "a", things[1].ID)

	empty, err := store.GetMany(ctx, "Post", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testProviderEdges(t *testing.T, store Provider) {
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
	assert.Equal(t, first.ID, second.ID)

	fromSide, err := store.Related(ctx, "Post", "p1", "blog")
	require.NoError(t, err)
	require.Len(t, fromSide, 1)
	assert.Equal(t, Forward, fromSide[0].Direction)

	toSide, err := store.Related(ctx, "Blog", "b1", "")
	require.NoError(t, err)
	assert.Len(t, toSide, 1)

	_, err = store.Relate(ctx, &Edge{
		FromType: "Post", FromID: "p1",
		ToType: "Blog", ToID: "ghost",
		Name: "blog",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEdge)

	ok, err := store.Unrelate(ctx, "p1", "b1", "blog")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Unrelate(ctx, "p1", "b1", "blog")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testProviderCascade(t *testing.T, store Provider) {
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
		Content: []float64{1, 2},
	}))

	ok, err := store.Delete(ctx, "Post", "p1")
	require.NoError(t, err)
	require.True(t, ok)

	edges, err := store.Related(ctx, "Blog", "b1", "")
	require.NoError(t, err)
	assert.Empty(t, edges)

	art, err := store.GetArtifact(ctx, "Post", "p1", "embedding")
	require.NoError(t, err)
	assert.Nil(t, art)
}

func testProviderArtifacts(t *testing.T, store Provider) {
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "Post", "p1", map[string]any{"title": "x"})
	require.NoError(t, err)

	require.NoError(t, store.PutArtifact(ctx, &Artifact{
		ThingType: "Post", ThingID: "p1", Kind: "embedding",
		Content:    []float64{0.5, 0.25},
		Metadata:   map[string]any{"model": "test"},
		SourceHash: "abc",
	}))

	art, err := store.GetArtifact(ctx, "Post", "p1", "embedding")
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Equal(t, "abc", art.SourceHash)
	assert.Equal(t, []float32{0.5, 0.25}, art.FloatContent())
	assert.Equal(t, "test", art.Metadata["model"])

	require.NoError(t, store.PutArtifact(ctx, &Artifact{
		ThingType: "Post", ThingID: "p1", Kind: "embedding",
		Content:    []float64{1},
		SourceHash: "def",
	}))
	art, err = store.GetArtifact(ctx, "Post", "p1", "embedding")
	require.NoError(t, err)
	assert.Equal(t, "def", art.SourceHash)
	assert.Equal(t, []float32{1}, art.FloatContent())

	ok, err := store.DeleteArtifact(ctx, "Post", "p1", "embedding")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.DeleteArtifact(ctx, "Post", "p1", "embedding")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testProviderLedger(t *testing.T, store Provider) {
	defer store.Close()
	ctx := context.Background()

	seq1, err := store.AppendAction(ctx, &ActionEntry{
		ActionID: "act-1", Kind: ActionCheckpoint,
		Payload: map[string]any{"index": float64(2)},
	})
	require.NoError(t, err)
	seq2, err := store.AppendAction(ctx, &ActionEntry{
		ActionID: "act-1", Kind: ActionComplete,
	})
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	entries, err := store.ActionEntries(ctx, "act-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionCheckpoint, entries[0].Kind)
	idx, _ := asFloat(entries[0].Payload["index"])
	assert.Equal(t, float64(2), idx)
	assert.Equal(t, ActionComplete, entries[1].Kind)

	none, err := store.ActionEntries(ctx, "act-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testProviderIdentifiers(t *testing.T, store Provider) {
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "Post'; --", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidType)
	assert.True(t, IsFault(err))

	_, err = store.Create(ctx, "Post", "id with spaces", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = store.Get(ctx, "Post", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidID)
}
