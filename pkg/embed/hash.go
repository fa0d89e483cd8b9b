package embed

import (
	"context"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/loomdb/loom/pkg/math/vector"
)

// DefaultHashDimensions is the vector size of the local hash embedder.
const DefaultHashDimensions = 64

// HashEmbedder is a deterministic, offline Embedder. It hashes each token
// of the input into a fixed number of buckets and normalizes the result,
// so texts sharing tokens land near each other while unrelated texts stay
// apart. Quality is nowhere near a learned model; determinism is the point:
// the same text always produces the same vector, with no external service.
//
// Intended for tests and for running without an embedding backend.
type HashEmbedder struct {
	dims int
}

// NewHash creates a hash embedder. dims <= 0 uses DefaultHashDimensions.
func NewHash(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Embed generates a deterministic embedding for the text.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		sum := blake2b.Sum256([]byte(token))
		// Two buckets per token keeps single-token texts off the axes.
		for i := 0; i < 2; i++ {
			bucket := int(sum[i*2])<<8 | int(sum[i*2+1])
			sign := float32(1)
			if sum[16+i]&1 == 1 {
				sign = -1
			}
			vec[bucket%h.dims] += sign
		}
	}
	return vector.Normalize(vec), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := h.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the embedding vector dimension.
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Model returns the model name.
func (h *HashEmbedder) Model() string { return "hash-local" }
