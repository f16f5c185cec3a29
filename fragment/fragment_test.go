package fragment_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/fragment"
)

func TestNormalizeConcepts(t *testing.T) {
	got := fragment.NormalizeConcepts([]string{" Deploy ", "deploy", "SCHEDULE", "", "backups"})
	require.Equal(t, []string{"backups", "deploy", "schedule"}, got)
}

func TestCloneIsDeep(t *testing.T) {
	orig := &fragment.Fragment{
		ID:        "a",
		Content:   "text",
		Embedding: []float32{1, 2},
		Concepts:  []string{"x"},
		SourceIDs: []string{"s1"},
		CreatedAt: time.Now(),
	}
	dup := orig.Clone()
	dup.Embedding[0] = 9
	dup.Concepts[0] = "y"
	dup.SourceIDs[0] = "s2"

	require.Equal(t, float32(1), orig.Embedding[0])
	require.Equal(t, "x", orig.Concepts[0])
	require.Equal(t, "s1", orig.SourceIDs[0])
}

func TestContentHash(t *testing.T) {
	a := &fragment.Fragment{Content: "same", Concepts: []string{"c1", "c2"}}
	b := &fragment.Fragment{Content: "same", Concepts: []string{"c1", "c2"}}
	require.Equal(t, a.ContentHash(), b.ContentHash())

	b.Concepts = []string{"c1"}
	require.NotEqual(t, a.ContentHash(), b.ContentHash())

	b.Concepts = []string{"c1", "c2"}
	b.Content = "different"
	require.NotEqual(t, a.ContentHash(), b.ContentHash())
}

func TestStorageErrorUnwrap(t *testing.T) {
	inner := fragment.ErrNotFound
	err := &fragment.StorageError{Op: "get", Err: inner}
	require.ErrorIs(t, err, fragment.ErrNotFound)
	require.Contains(t, err.Error(), "get")
}
