package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/pkg/math/vector"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHash(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "machine learning")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "machine learning")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Shared tokens pull texts together relative to disjoint ones.
	c, err := e.Embed(ctx, "machine vision")
	require.NoError(t, err)
	d, err := e.Embed(ctx, "garlic bread recipe")
	require.NoError(t, err)
	assert.Greater(t, vector.CosineSimilarity(a, c), vector.CosineSimilarity(a, d))

	// Case-insensitive tokenization.
	upper, err := e.Embed(ctx, "MACHINE LEARNING")
	require.NoError(t, err)
	assert.Equal(t, a, upper)
}

func TestHashEmbedder_Batch(t *testing.T) {
	e := NewHash(0)
	assert.Equal(t, DefaultHashDimensions, e.Dimensions())
	assert.Equal(t, "hash-local", e.Model())

	vecs, err := e.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	single, err := e.Embed(context.Background(), "one")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[0])
}

func TestCachedEmbedder(t *testing.T) {
	e := NewCachedEmbedder(NewHash(32), 2)
	ctx := context.Background()

	v1, err := e.Embed(ctx, "alpha")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	hits, misses := e.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)

	// LRU eviction: cap 2, third distinct entry evicts the oldest.
	_, err = e.Embed(ctx, "beta")
	require.NoError(t, err)
	_, err = e.Embed(ctx, "gamma")
	require.NoError(t, err)
	_, err = e.Embed(ctx, "alpha")
	require.NoError(t, err)
	_, misses = e.Stats()
	assert.Equal(t, uint64(4), misses, "evicted entry re-embeds")

	assert.Equal(t, 32, e.Dimensions())
}

func TestCachedEmbedder_BatchMixesHitsAndMisses(t *testing.T) {
	e := NewCachedEmbedder(NewHash(32), 10)
	ctx := context.Background()

	warm, err := e.Embed(ctx, "warm")
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(ctx, []string{"cold", "warm", "cold2"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, warm, vecs[1])

	hits, misses := e.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(3), misses)
}

func TestOpenAIEmbedder_BatchOrdering(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openaiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Answer in reverse order; the client must reassemble by index.
		resp := openaiResponse{}
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(i)}, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e := NewOpenAI(&Config{
		APIURL: server.URL,
		APIPath: "/v1/embeddings",
		APIKey:  "test-key",
		Model:   "test-model",
	})

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{0}, vecs[0])
	assert.Equal(t, []float32{2}, vecs[2])
}

func TestOllamaEmbedder_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	e := NewOllama(&Config{APIURL: server.URL, APIPath: "/api/embeddings", Model: "missing"})
	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestNew(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, "hash-local", e.Model())

	e, err = New(&Config{Provider: "ollama"})
	require.NoError(t, err)
	assert.IsType(t, &OllamaEmbedder{}, e)

	_, err = New(&Config{Provider: "quantum"})
	assert.Error(t, err)
}
