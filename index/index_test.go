package index_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/index"
)

func TestAddAndSearchOrdering(t *testing.T) {
	ix := index.New(3)
	require.NoError(t, ix.Add("x", []float32{1, 0, 0}))
	require.NoError(t, ix.Add("y", []float32{0.9, 0.1, 0}))
	require.NoError(t, ix.Add("z", []float32{0, 0, 1}))

	matches := ix.Search([]float32{1, 0, 0}, 3)
	require.Len(t, matches, 3)
	require.Equal(t, "x", matches[0].ID)
	require.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
	require.Equal(t, "y", matches[1].ID)
	require.Equal(t, "z", matches[2].ID)
	require.InDelta(t, 0.0, matches[2].Similarity, 1e-6)
}

func TestSearchLimitsK(t *testing.T) {
	ix := index.New(2)
	require.NoError(t, ix.Add("a", []float32{1, 0}))
	require.NoError(t, ix.Add("b", []float32{0, 1}))

	require.Len(t, ix.Search([]float32{1, 0}, 1), 1)
	require.Empty(t, ix.Search([]float32{1, 0}, 0))
}

func TestSearchEmptyIndex(t *testing.T) {
	ix := index.New(2)
	require.Empty(t, ix.Search([]float32{1, 0}, 5))
}

func TestDimensionMismatch(t *testing.T) {
	ix := index.New(3)
	require.Error(t, ix.Add("a", []float32{1, 0}))
}

func TestReplaceVector(t *testing.T) {
	ix := index.New(2)
	require.NoError(t, ix.Add("a", []float32{1, 0}))
	require.NoError(t, ix.Add("a", []float32{0, 1}))
	require.Equal(t, 1, ix.Len())

	matches := ix.Search([]float32{0, 1}, 1)
	require.Equal(t, "a", matches[0].ID)
	require.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
}

func TestDelete(t *testing.T) {
	ix := index.New(2)
	require.NoError(t, ix.Add("a", []float32{1, 0}))
	ix.Delete("a")
	ix.Delete("a") // absent id is a no-op
	require.Equal(t, 0, ix.Len())
	require.Empty(t, ix.Search([]float32{1, 0}, 1))
}

func TestAddAfterEmptying(t *testing.T) {
	ix := index.New(2)
	require.NoError(t, ix.Add("a", []float32{1, 0}))
	require.NoError(t, ix.Add("b", []float32{0, 1}))
	ix.Delete("a")
	ix.Delete("b")
	require.Equal(t, 0, ix.Len())

	// Inserting into an index that deletes emptied must work; this is
	// what consolidation does when a cycle replaces the whole corpus.
	require.NoError(t, ix.Add("merged", []float32{1, 0}))
	matches := ix.Search([]float32{1, 0}, 1)
	require.Len(t, matches, 1)
	require.Equal(t, "merged", matches[0].ID)
}

func TestVectorReturnsCopy(t *testing.T) {
	ix := index.New(2)
	require.NoError(t, ix.Add("a", []float32{1, 0}))
	vec, ok := ix.Vector("a")
	require.True(t, ok)
	vec[0] = 0

	again, _ := ix.Vector("a")
	require.Equal(t, float32(1), again[0])

	_, ok = ix.Vector("missing")
	require.False(t, ok)
}
