package engram_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram"
	"github.com/engramdb/engram/config"
	"github.com/engramdb/engram/fragment"
)

// e2eEmbedder maps known texts to fixed unit vectors so the test
// controls every similarity. Unpinned text, which in practice is only
// the synthesized merge of the deploy facts, lands on the axis those
// facts share.
type e2eEmbedder struct {
	pins map[string][]float32
}

func (e *e2eEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if vec, ok := e.pins[text]; ok {
		return vec, nil
	}
	return []float32{0, 0, 0, 1, 0}, nil
}

func (e *e2eEmbedder) Dimensions() int { return 5 }

// newE2EEmbedder pins three near-duplicate statements at pairwise
// cosine 0.9, one unrelated fact, and a query aimed at the duplicates.
func newE2EEmbedder() *e2eEmbedder {
	alpha := float32(math.Sqrt(0.9))
	beta := float32(math.Sqrt(0.1))
	return &e2eEmbedder{pins: map[string][]float32{
		"deploys go out every tuesday":    {beta, 0, 0, alpha, 0},
		"tuesday is when we deploy":       {0, beta, 0, alpha, 0},
		"the deploy train leaves tuesday": {0, 0, beta, alpha, 0},
		"postgres backups run nightly":    {0, 0, 0, 0, 1},
		"when do deploys happen":          {0, 0, 0, 1, 0},
	}}
}

func newEngine(t *testing.T, dir string) *engram.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = dir
	eng, err := engram.New(cfg, engram.WithEmbedder(newE2EEmbedder()))
	require.NoError(t, err)
	return eng
}

func TestIngestQueryConsolidate(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, t.TempDir())
	defer eng.Close()

	texts := []string{
		"deploys go out every tuesday",
		"tuesday is when we deploy",
		"the deploy train leaves tuesday",
		"postgres backups run nightly",
	}
	var ids []string
	for _, text := range texts {
		frag, err := eng.Ingest(ctx, text, []string{"ops"})
		require.NoError(t, err)
		ids = append(ids, frag.ID)
	}

	// Near-duplicates link up during ingestion; the outlier stays
	// isolated.
	require.NotEmpty(t, eng.Related(ids[0]))
	require.Empty(t, eng.Related(ids[3]))

	results, err := eng.Query(ctx, "when do deploys happen", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.Direct)
		require.InDelta(t, math.Sqrt(0.9), float64(r.Score), 1e-5)
	}

	require.NoError(t, eng.Consolidate(ctx))

	stats, err := eng.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Fragments, "three duplicates merge into one")
	require.Equal(t, uint64(1), stats.Scheduler.Consolidated)

	// The originals are gone; the merged fragment answers the query.
	for _, id := range ids[:3] {
		_, err := eng.Get(ctx, id)
		require.ErrorIs(t, err, fragment.ErrNotFound)
	}
	results, err = eng.Query(ctx, "when do deploys happen", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	merged := results[0].Fragment
	require.ElementsMatch(t, ids[:3], merged.SourceIDs)
	require.Contains(t, merged.Concepts, "ops")
}

func TestEngineSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	eng := newEngine(t, dir)
	a, err := eng.Ingest(ctx, "deploys go out every tuesday", nil)
	require.NoError(t, err)
	b, err := eng.Ingest(ctx, "tuesday is when we deploy", nil)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	reopened := newEngine(t, dir)
	defer reopened.Close()

	// Index is rebuilt from the store, graph from its snapshot.
	results, err := reopened.Query(ctx, "when do deploys happen", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)

	related := reopened.Related(a.ID)
	require.Len(t, related, 1)
	require.Equal(t, b.ID, related[0].ID)

	got, err := reopened.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "deploys go out every tuesday", got.Content)
}

func TestRelatedFragmentsLinkButNeverMerge(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	// Pairwise cosine 0.7: above the edge minimum of 0.65, below the
	// consolidation threshold of 0.85.
	alpha := float32(math.Sqrt(0.7))
	beta := float32(math.Sqrt(0.3))
	emb := &e2eEmbedder{pins: map[string][]float32{
		"retries use exponential backoff": {beta, 0, 0, alpha, 0},
		"backoff caps at thirty seconds":  {0, beta, 0, alpha, 0},
	}}
	eng, err := engram.New(cfg, engram.WithEmbedder(emb))
	require.NoError(t, err)
	defer eng.Close()

	a, err := eng.Ingest(ctx, "retries use exponential backoff", nil)
	require.NoError(t, err)
	_, err = eng.Ingest(ctx, "backoff caps at thirty seconds", nil)
	require.NoError(t, err)

	related := eng.Related(a.ID)
	require.Len(t, related, 1)
	require.InDelta(t, 0.7, float64(related[0].Similarity), 1e-5)

	require.NoError(t, eng.Consolidate(ctx))
	stats, err := eng.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Fragments, "related fragments are linked, not merged")
	require.Equal(t, 1, stats.GraphEdges)
}

func TestIngestRejectsEmptyContent(t *testing.T) {
	eng := newEngine(t, t.TempDir())
	defer eng.Close()

	_, err := eng.Ingest(context.Background(), "", nil)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	eng := newEngine(t, t.TempDir())
	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())
}

func TestStartStopConsolidation(t *testing.T) {
	eng := newEngine(t, t.TempDir())
	defer eng.Close()

	eng.StartConsolidation()
	eng.StartConsolidation() // second start is a no-op
	eng.StopConsolidation()
	eng.StopConsolidation() // second stop is a no-op
}

func TestStatsReflectIngestion(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, t.TempDir())
	defer eng.Close()

	_, err := eng.Ingest(ctx, "deploys go out every tuesday", nil)
	require.NoError(t, err)
	_, err = eng.Ingest(ctx, "tuesday is when we deploy", nil)
	require.NoError(t, err)

	stats, err := eng.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Fragments)
	require.Equal(t, 2, stats.GraphNodes)
	require.Equal(t, 1, stats.GraphEdges)
	require.Equal(t, int64(2), stats.Scheduler.PendingIngests)
}
