// Package mock provides deterministic embedders for testing.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/engramdb/engram/embedder"
	"github.com/engramdb/engram/internal/vecmath"
)

// Embedder generates deterministic unit vectors from a text hash.
// Identical text always embeds identically; different texts land far
// apart, which is enough for exercising storage and graph plumbing.
type Embedder struct {
	dims int

	mu    sync.RWMutex
	fixed map[string][]float32
	fail  bool
}

// New creates a hash-based mock with 384 dimensions, matching
// all-MiniLM-L6-v2.
func New() *Embedder { return NewWithDims(384) }

// NewWithDims creates a hash-based mock of the given dimensionality.
func NewWithDims(dims int) *Embedder {
	return &Embedder{dims: dims, fixed: make(map[string][]float32)}
}

// Set pins an exact vector for text, letting tests construct corpora
// with precise pairwise similarities. The vector is normalized.
func (m *Embedder) Set(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[text] = vecmath.Normalize(vecmath.Clone(vec))
}

// SetUnavailable toggles transient failure for every Embed call.
func (m *Embedder) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = down
}

// Embed returns the pinned vector for text when one was Set, otherwise
// a hash-derived pseudo-random unit vector.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	fail := m.fail
	pinned, ok := m.fixed[text]
	m.mu.RUnlock()
	if fail {
		return nil, embedder.ErrUnavailable
	}
	if ok {
		return vecmath.Clone(pinned), nil
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dims)
	for i := range vec {
		// LCG keeps generation deterministic per text.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return vecmath.Normalize(vec), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int { return m.dims }
