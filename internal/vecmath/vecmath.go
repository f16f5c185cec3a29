// Package vecmath holds the small amount of vector arithmetic the engine
// needs. Embeddings are []float32 throughout; similarity is cosine.
package vecmath

import "math"

// Cosine returns the cosine similarity of a and b in [-1, 1].
// Mismatched lengths or zero vectors score 0.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Normalize scales vec to unit length in place and returns it.
// The zero vector is returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Clone returns a copy of vec. Callers that hand embeddings across
// component boundaries use this to keep ownership clear.
func Clone(vec []float32) []float32 {
	if vec == nil {
		return nil
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}
