package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	assert.InDelta(t, 0.974631846, CosineSimilarity(a, b), 1e-6)

	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	assert.Zero(t, CosineSimilarity(a, []float32{1, 2}), "length mismatch")
	assert.Zero(t, CosineSimilarity(nil, nil), "empty inputs")
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, a), "zero vector")
}

func TestDotProduct(t *testing.T) {
	assert.Equal(t, 32.0, DotProduct([]float32{1, 2, 3}, []float32{4, 5, 6}))
	assert.Zero(t, DotProduct([]float32{1}, []float32{1, 2}))
}

func TestNormalize(t *testing.T) {
	original := []float32{3, 4}
	normalized := Normalize(original)
	assert.InDelta(t, 0.6, float64(normalized[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(normalized[1]), 1e-6)
	assert.Equal(t, []float32{3, 4}, original, "input not modified")

	zero := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, zero)
}
