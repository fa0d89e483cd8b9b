package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/pkg/storage"
)

// stubEmbedder returns fixed vectors per text so similarity is exact.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := s.vectors[text]; ok {
		return vec, nil
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, _ := s.Embed(ctx, t)
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return 3 }
func (s *stubEmbedder) Model() string   { return "stub" }

func seedPosts(t *testing.T, store storage.Provider) {
	ctx := context.Background()
	for _, p := range []struct {
		id, title string
	}{
		{"exact", "alpha"},
		{"close", "beta"},
		{"far", "gamma"},
	} {
		_, err := store.Create(ctx, "Post", p.id, map[string]any{"title": p.title})
		require.NoError(t, err)
	}
}

func postsEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{
		"query": {1, 0, 0},
		"alpha": {1, 0, 0},     // similarity 1.0
		"beta":  {1, 1, 0},     // similarity ~0.707
		"gamma": {0, 1, 0},     // similarity 0.0
	}}
}

func TestSemantic_OrderingAndInclusiveFloor(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedPosts(t, store)
	svc := NewService(store, postsEmbedder(), nil)
	ctx := context.Background()

	results, err := svc.Semantic(ctx, "Post", "query", nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "exact", results[0].Thing.ID)
	assert.Equal(t, "close", results[1].Thing.ID)
	assert.Equal(t, "far", results[2].Thing.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
	assert.Equal(t, 1, results[0].SemanticRank)

	// The floor is inclusive: exactly 1.0 stays at MinScore 1.0.
	results, err = svc.Semantic(ctx, "Post", "query", &Params{MinScore: 1.0})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "exact", results[0].Thing.ID)

	results, err = svc.Semantic(ctx, "Post", "query", &Params{MinScore: 0.5, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "close", results[0].Thing.ID)
}

func TestSemantic_EmbeddingArtifactLifecycle(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "Post", "p1", map[string]any{"title": "alpha"})
	require.NoError(t, err)

	svc := NewService(store, postsEmbedder(), nil)
	_, err = svc.Semantic(ctx, "Post", "query", nil)
	require.NoError(t, err)

	art, err := store.GetArtifact(ctx, "Post", "p1", ArtifactEmbedding)
	require.NoError(t, err)
	require.NotNil(t, art, "embedding materialized as artifact")
	assert.Equal(t, []float32{1, 0, 0}, art.FloatContent())
	firstHash := art.SourceHash

	// Unchanged fields reuse the artifact; changed fields regenerate it.
	_, err = svc.Semantic(ctx, "Post", "query", nil)
	require.NoError(t, err)
	art, _ = store.GetArtifact(ctx, "Post", "p1", ArtifactEmbedding)
	assert.Equal(t, firstHash, art.SourceHash)

	_, err = store.Update(ctx, "Post", "p1", map[string]any{"title": "gamma"})
	require.NoError(t, err)
	_, err = svc.Semantic(ctx, "Post", "query", nil)
	require.NoError(t, err)
	art, _ = store.GetArtifact(ctx, "Post", "p1", ArtifactEmbedding)
	assert.NotEqual(t, firstHash, art.SourceHash)
	assert.Equal(t, []float32{0, 1, 0}, art.FloatContent())
}

func TestHybrid_RRFFusion(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	// "both" matches both query terms and ranks #2 semantically;
	// "semonly" ranks #1 semantically but contains no query terms;
	// "ftsonly" matches one keyword but is semantically unrelated.
	// Keys are the flattened document text (fields in sorted key order).
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"database engines":                   {1, 0, 0},
		"database engines compared doc-both": {1, 0.5, 0},
		"storage internals doc-sem":          {1, 0, 0},
		"database maintenance logs doc-fts":  {0, 1, 0},
	}}
	for _, p := range []struct{ id, title, body string }{
		{"both", "doc-both", "database engines compared"},
		{"semonly", "doc-sem", "storage internals"},
		{"ftsonly", "doc-fts", "database maintenance logs"},
	} {
		_, err := store.Create(ctx, "Doc", p.id, map[string]any{
			"title": p.title,
			"body":  p.body,
		})
		require.NoError(t, err)
	}

	svc := NewService(store, embedder, nil)
	results, err := svc.Hybrid(ctx, "Doc", "database engines", nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Present in both rankings beats present in only one.
	assert.Equal(t, "both", results[0].Thing.ID)
	assert.NotZero(t, results[0].FTSRank)
	assert.NotZero(t, results[0].SemanticRank)
	assert.Greater(t, results[0].RRFScore, results[1].RRFScore)

	// RRF components: weight/(k+rank) with defaults 0.5 and k=60.
	for _, r := range results {
		expected := 0.5 / (60 + float64(r.SemanticRank))
		if r.FTSRank > 0 {
			expected += 0.5 / (60 + float64(r.FTSRank))
		}
		assert.InDelta(t, expected, r.RRFScore, 1e-12)
	}

	// Semantic-only hit still appears, with a zero FTS rank.
	var semOnly *Result
	for i := range results {
		if results[i].Thing.ID == "semonly" {
			semOnly = &results[i]
		}
	}
	require.NotNil(t, semOnly)
	assert.Zero(t, semOnly.FTSRank)
}

func TestHybrid_IndexFollowsMutations(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	embedder := &stubEmbedder{vectors: map[string][]float32{}}
	svc := NewService(store, embedder, nil)

	// Build the (empty) index first, then notify mutations.
	_, err := svc.Hybrid(ctx, "Doc", "orcas", nil)
	require.NoError(t, err)

	thing, err := store.Create(ctx, "Doc", "d1", map[string]any{"title": "orcas of the fjord"})
	require.NoError(t, err)
	svc.IndexThing(thing)

	results, err := svc.Hybrid(ctx, "Doc", "orcas", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].FTSRank)

	svc.RemoveThing("Doc", "d1")
	_, err = store.Delete(ctx, "Doc", "d1")
	require.NoError(t, err)
	results, err = svc.Hybrid(ctx, "Doc", "orcas", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestTopMatch_ThresholdAndTieBreak(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	// One candidate per type, identical similarity to the hint.
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"the hint": {1, 0, 0},
		"tag one":  {1, 0, 0},
		"cat one":  {1, 0, 0},
	}}
	_, err := store.Create(ctx, "Tag", "t1", map[string]any{"name": "tag one"})
	require.NoError(t, err)
	_, err = store.Create(ctx, "Category", "c1", map[string]any{"name": "cat one"})
	require.NoError(t, err)

	svc := NewService(store, embedder, nil)

	best, err := svc.TopMatch(ctx, []string{"Tag", "Category"}, "the hint", 0.7)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "Tag", best.Type, "first-listed type wins ties")
	assert.Equal(t, "t1", best.Thing.ID)

	// Inclusive threshold.
	best, err = svc.TopMatch(ctx, []string{"Tag"}, "the hint", 1.0)
	require.NoError(t, err)
	require.NotNil(t, best)

	// Nothing above threshold is a nil result, not an error.
	embedder.vectors["odd hint"] = []float32{0, 1, 0}
	best, err = svc.TopMatch(ctx, []string{"Tag"}, "odd hint", 0.7)
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestParams_WeightsDefaultIndependently(t *testing.T) {
	fts, semantic := (*Params)(nil).weights()
	assert.Equal(t, DefaultFTSWeight, fts)
	assert.Equal(t, DefaultSemanticWeight, semantic)

	fts, semantic = (&Params{FTSWeight: 0.9}).weights()
	assert.Equal(t, 0.9, fts)
	assert.Equal(t, DefaultSemanticWeight, semantic, "unset weight keeps its default")

	fts, semantic = (&Params{SemanticWeight: 0.2}).weights()
	assert.Equal(t, DefaultFTSWeight, fts)
	assert.Equal(t, 0.2, semantic)

	fts, semantic = (&Params{FTSWeight: 0.7, SemanticWeight: 0.3}).weights()
	assert.Equal(t, 0.7, fts)
	assert.Equal(t, 0.3, semantic)
}

func TestFulltextIndex_BM25(t *testing.T) {
	idx := NewFulltextIndex()
	idx.Index("a", "graph database with vector search")
	idx.Index("b", "cooking pasta with garlic")
	idx.Index("c", "database indexes and database pages")

	hits := idx.Search("database", 10)
	require.Len(t, hits, 2)
	assert.Equal(t, "c", hits[0].ID, "higher term frequency ranks first")

	// Prefix matching still finds documents.
	hits = idx.Search("databa", 10)
	assert.Len(t, hits, 2)

	// Stop words and short tokens never match.
	assert.Empty(t, idx.Search("the", 10))

	idx.Remove("c")
	hits = idx.Search("database", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, 2, idx.Count())
}

func TestSemanticAll_TagsTypes(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	embedder := &stubEmbedder{vectors: map[string][]float32{
		"q":        {1, 0, 0},
		"good tag": {1, 0, 0},
		"meh cat":  {1, 1, 0},
	}}
	_, err := store.Create(ctx, "Tag", "t1", map[string]any{"name": "good tag"})
	require.NoError(t, err)
	_, err = store.Create(ctx, "Category", "c1", map[string]any{"name": "meh cat"})
	require.NoError(t, err)

	svc := NewService(store, embedder, nil)
	results, err := svc.SemanticAll(ctx, []string{"Category", "Tag"}, "q", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Tag", results[0].Type)
	assert.Equal(t, "Category", results[1].Type)
}
