package graph_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/graph"
)

func TestConnectThresholdBoundary(t *testing.T) {
	g := graph.New(0.65)
	g.Connect("a", "b", 0.65)
	g.Connect("a", "c", 0.649)

	require.Len(t, g.Neighbors("a"), 1, "an edge exactly at the threshold must be kept")
	require.Equal(t, "b", g.Neighbors("a")[0].To)
}

func TestConnectKeepsHigherWeight(t *testing.T) {
	g := graph.New(0.5)
	g.Connect("a", "b", 0.9)
	g.Connect("a", "b", 0.7)
	require.Equal(t, float32(0.9), g.Neighbors("a")[0].Weight)

	g.Connect("b", "a", 0.95)
	require.Equal(t, float32(0.95), g.Neighbors("a")[0].Weight)
	require.Equal(t, 1, g.EdgeCount())
}

func TestConnectRejectsSelfAndEmpty(t *testing.T) {
	g := graph.New(0.1)
	g.Connect("a", "a", 0.9)
	g.Connect("", "b", 0.9)
	require.Equal(t, 0, g.EdgeCount())
}

func TestFindRelatedBottleneckScoring(t *testing.T) {
	// a -0.9- b -0.8- c: path similarity to c is min(0.9, 0.8).
	// a -0.7- d: direct but weaker.
	g := graph.New(0.1)
	g.Connect("a", "b", 0.9)
	g.Connect("b", "c", 0.8)
	g.Connect("a", "d", 0.7)

	related := g.FindRelated("a", 0.1, 2)
	require.Len(t, related, 3)
	require.Equal(t, "b", related[0].ID)
	require.Equal(t, float32(0.9), related[0].Similarity)
	require.Equal(t, "c", related[1].ID)
	require.Equal(t, float32(0.8), related[1].Similarity)
	require.Equal(t, 2, related[1].Hops)
	require.Equal(t, "d", related[2].ID)
	require.Equal(t, float32(0.7), related[2].Similarity)
}

func TestFindRelatedPrefersStrongerPath(t *testing.T) {
	// Two routes to c: direct weak edge 0.5 and a two-hop route with
	// bottleneck 0.8. The stronger path must win even with more hops.
	g := graph.New(0.1)
	g.Connect("a", "c", 0.5)
	g.Connect("a", "b", 0.9)
	g.Connect("b", "c", 0.8)

	related := g.FindRelated("a", 0.1, 2)
	for _, r := range related {
		if r.ID == "c" {
			require.Equal(t, float32(0.8), r.Similarity)
			require.Equal(t, 2, r.Hops)
			return
		}
	}
	t.Fatal("c not reached")
}

func TestFindRelatedHopBound(t *testing.T) {
	g := graph.New(0.1)
	g.Connect("a", "b", 0.9)
	g.Connect("b", "c", 0.9)
	g.Connect("c", "d", 0.9)

	related := g.FindRelated("a", 0.1, 2)
	ids := make([]string, len(related))
	for i, r := range related {
		ids[i] = r.ID
	}
	require.ElementsMatch(t, []string{"b", "c"}, ids, "d is three hops out")
}

func TestFindRelatedMinSimilarityFloor(t *testing.T) {
	g := graph.New(0.1)
	g.Connect("a", "b", 0.9)
	g.Connect("b", "c", 0.3)

	related := g.FindRelated("a", 0.5, 3)
	require.Len(t, related, 1)
	require.Equal(t, "b", related[0].ID)
}

func TestFindRelatedIsolatedNode(t *testing.T) {
	g := graph.New(0.1)
	g.AddFragment("lonely")
	require.Empty(t, g.FindRelated("lonely", 0.1, 2))
	require.Empty(t, g.FindRelated("unknown", 0.1, 2))
}

func TestRemoveFragmentCascades(t *testing.T) {
	g := graph.New(0.1)
	g.Connect("a", "b", 0.9)
	g.Connect("b", "c", 0.9)
	g.RemoveFragment("b")

	require.False(t, g.Contains("b"))
	require.Empty(t, g.Neighbors("a"))
	require.Empty(t, g.Neighbors("c"))
	require.Equal(t, 0, g.EdgeCount())
}

func TestRewire(t *testing.T) {
	// x and y merge into m. Their edges to n must re-point to m with
	// the max weight; the x-y edge must vanish, not become m-m.
	g := graph.New(0.1)
	g.Connect("x", "n", 0.7)
	g.Connect("y", "n", 0.9)
	g.Connect("x", "y", 0.95)

	g.Rewire(map[string]string{"x": "m", "y": "m"})

	require.False(t, g.Contains("x"))
	require.False(t, g.Contains("y"))
	edges := g.Neighbors("m")
	require.Len(t, edges, 1)
	require.Equal(t, "n", edges[0].To)
	require.Equal(t, float32(0.9), edges[0].Weight)
}

func TestSnapshotRestore(t *testing.T) {
	g := graph.New(0.1)
	g.Connect("a", "b", 0.9)
	snap := g.Snapshot()

	g.Connect("a", "c", 0.8)
	g.RemoveFragment("b")
	g.Restore(snap)

	require.True(t, g.Contains("b"))
	require.False(t, g.Contains("c"))
	require.Equal(t, float32(0.9), g.Neighbors("a")[0].Weight)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.snap.lz4")

	g := graph.New(0.1)
	g.Connect("a", "b", 0.9)
	g.Connect("b", "c", 0.8)
	g.AddFragment("isolated")
	require.NoError(t, g.Save(path))

	loaded := graph.New(0.1)
	require.NoError(t, loaded.Load(path))
	require.Equal(t, 4, loaded.Len())
	require.Equal(t, 2, loaded.EdgeCount())
	require.True(t, loaded.Contains("isolated"))
	require.Equal(t, float32(0.9), loaded.Neighbors("a")[0].Weight)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	g := graph.New(0.1)
	require.NoError(t, g.Load(filepath.Join(t.TempDir(), "absent")))
	require.Equal(t, 0, g.Len())
}
