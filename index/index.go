// Package index maintains the in-process vector index used for
// similarity search over the live corpus.
//
// The index is fully derived state: it can be rebuilt from the
// fragment store at any time, and retrieval treats its results as
// advisory (ids are re-resolved against the store before use).
package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/engramdb/engram/internal/vecmath"
)

// Match is one similarity-search hit. Similarity is exact cosine,
// re-scored from the stored embedding (the ANN graph only orders
// candidates).
type Match struct {
	ID         string
	Similarity float32
}

// Index is a thread-safe ANN index over fragment embeddings.
type Index struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[string]
	vectors map[string][]float32
	dims    int
}

// New creates an empty index for vectors of the given dimensionality.
func New(dims int) *Index {
	return &Index{
		graph:   newGraph(),
		vectors: make(map[string][]float32),
		dims:    dims,
	}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	return g
}

// Add inserts or replaces the vector for id.
func (ix *Index) Add(id string, vec []float32) error {
	if len(vec) != ix.dims {
		return fmt.Errorf("index: embedding dimension %d, want %d", len(vec), ix.dims)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.vectors[id]; ok {
		ix.graph.Delete(id)
		delete(ix.vectors, id)
	}
	// hnsw cannot re-seed layers a Delete emptied; start it over.
	if len(ix.vectors) == 0 {
		ix.graph = newGraph()
	}
	vec = vecmath.Clone(vec)
	ix.graph.Add(hnsw.MakeNode(id, vec))
	ix.vectors[id] = vec
	return nil
}

// Delete removes id. Removing an absent id is a no-op.
func (ix *Index) Delete(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.vectors[id]; !ok {
		return
	}
	ix.graph.Delete(id)
	delete(ix.vectors, id)
	if len(ix.vectors) == 0 {
		ix.graph = newGraph()
	}
}

// Search returns up to k matches ordered by descending exact cosine
// similarity. An empty index returns an empty slice.
func (ix *Index) Search(query []float32, k int) []Match {
	if k <= 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.vectors) == 0 {
		return nil
	}
	neighbors := ix.graph.Search(query, k)
	matches := make([]Match, 0, len(neighbors))
	for _, node := range neighbors {
		vec, ok := ix.vectors[node.Key]
		if !ok {
			continue
		}
		matches = append(matches, Match{ID: node.Key, Similarity: vecmath.Cosine(query, vec)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	return matches
}

// Vector returns the stored embedding for id.
func (ix *Index) Vector(id string) ([]float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	vec, ok := ix.vectors[id]
	if !ok {
		return nil, false
	}
	return vecmath.Clone(vec), true
}

// Len returns the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}
