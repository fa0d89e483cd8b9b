package storage

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// HashFields returns the content hash of an entity's serialized fields,
// used as Artifact.SourceHash. encoding/json sorts map keys, so the
// serialization is canonical for any field map with JSON-compatible values.
func HashFields(fields map[string]any) string {
	data, err := json.Marshal(fields)
	if err != nil {
		// Non-serializable values still need a stable, non-colliding hash
		// input; fall back to the error text, which names the offending type.
		data = []byte(err.Error())
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Stale reports whether the artifact was derived from an older revision of
// the given fields.
func (a *Artifact) Stale(fields map[string]any) bool {
	return a == nil || a.SourceHash != HashFields(fields)
}

// FloatContent interprets the artifact content as a float32 vector. It
// accepts both the in-memory []float32 form and the []any form that JSON
// decoding produces. Returns nil when the content is not a vector.
func (a *Artifact) FloatContent() []float32 {
	if a == nil {
		return nil
	}
	switch v := a.Content.(type) {
	case []float32:
		return v
	case []float64:
		out := make([]float32, len(v))
		for i, f := range v {
			out[i] = float32(f)
		}
		return out
	case []any:
		out := make([]float32, 0, len(v))
		for _, item := range v {
			f, ok := asFloat(item)
			if !ok {
				return nil
			}
			out = append(out, float32(f))
		}
		return out
	}
	return nil
}
