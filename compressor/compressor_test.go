package compressor_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/compressor"
	"github.com/engramdb/engram/fragment"
)

// trio returns three unit vectors with pairwise cosine sim, plus an
// outlier orthogonal to all of them. Construction: v_i = α·shared +
// β·axis_i with α² = sim.
func trio(sim float64) (a, b, c, outlier []float32) {
	alpha := float32(math.Sqrt(sim))
	beta := float32(math.Sqrt(1 - sim))
	a = []float32{beta, 0, 0, alpha, 0}
	b = []float32{0, beta, 0, alpha, 0}
	c = []float32{0, 0, beta, alpha, 0}
	outlier = []float32{0, 0, 0, 0, 1}
	return
}

func frag(id, content string, concepts []string, vec []float32) *fragment.Fragment {
	return &fragment.Fragment{ID: id, Content: content, Concepts: concepts, Embedding: vec}
}

func TestProposeClustersGroupsNearDuplicates(t *testing.T) {
	a, b, c, outlier := trio(0.9)
	frags := []*fragment.Fragment{
		frag("f1", "one", []string{"x"}, a),
		frag("f2", "two", []string{"y"}, b),
		frag("f3", "three", []string{"z"}, c),
		frag("f4", "far away", []string{"w"}, outlier),
	}

	clusters := compressor.ProposeClusters(frags, 0.85)
	require.Len(t, clusters, 1)
	require.ElementsMatch(t, []string{"f1", "f2", "f3"}, clusters[0].IDs())
	require.InDelta(t, 0.9, float64(clusters[0].AvgSimilarity), 1e-3)
}

func TestProposeClustersExcludesSingletons(t *testing.T) {
	_, _, _, outlier := trio(0.9)
	frags := []*fragment.Fragment{
		frag("f1", "alone", nil, outlier),
		frag("f2", "also alone", nil, []float32{1, 0, 0, 0, 0}),
	}
	require.Empty(t, compressor.ProposeClusters(frags, 0.85))
	require.Empty(t, compressor.ProposeClusters(frags[:1], 0.85))
	require.Empty(t, compressor.ProposeClusters(nil, 0.85))
}

func TestProposeClustersRequiresPairwiseSimilarity(t *testing.T) {
	// cos(a,b)=0.9, cos(b,c)=0.9, cos(a,c)=0.7: c is close to b but
	// not to a, so it must not join their cluster. Vectors are the
	// Cholesky factor rows of the Gram matrix.
	a := []float32{1, 0, 0}
	b := []float32{0.9, 0.4358899, 0}
	c := []float32{0.7, 0.6194301, 0.3553961}
	frags := []*fragment.Fragment{
		frag("a", "one", nil, a),
		frag("b", "two", nil, b),
		frag("c", "three", nil, c),
	}

	clusters := compressor.ProposeClusters(frags, 0.85)
	require.Len(t, clusters, 1)
	require.Len(t, clusters[0].Members, 2)
	require.NotContains(t, clusters[0].IDs(), "c",
		"a fragment below threshold to any member must stay out")
}

func TestProposeClustersInputOrderInvariant(t *testing.T) {
	a, b, c, outlier := trio(0.9)
	forward := []*fragment.Fragment{
		frag("f1", "one", nil, a),
		frag("f2", "two", nil, b),
		frag("f3", "three", nil, c),
		frag("f4", "other", nil, outlier),
	}
	reversed := []*fragment.Fragment{forward[3], forward[2], forward[1], forward[0]}

	c1 := compressor.ProposeClusters(forward, 0.85)
	c2 := compressor.ProposeClusters(reversed, 0.85)
	require.Equal(t, len(c1), len(c2))
	require.Equal(t, c1[0].IDs(), c2[0].IDs())
}

// scripted is a Synthesizer that fails n times then returns output.
type scripted struct {
	failures int
	err      error
	output   string
	calls    int
}

func (s *scripted) Synthesize(_ context.Context, _ string) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", s.err
	}
	return s.output, nil
}

func twoFragmentCluster() compressor.Cluster {
	a, b, _, _ := trio(0.9)
	return compressor.Cluster{
		Members: []*fragment.Fragment{
			frag("f1", "deploys run tuesday", []string{"deploy", "schedule"}, a),
			frag("f2", "tuesday is deploy day", []string{"deploy"}, b),
		},
		AvgSimilarity: 0.9,
	}
}

func TestSynthesizeProducesProposal(t *testing.T) {
	synth := &scripted{output: "Deploy happens on the schedule: Tuesday."}
	comp := compressor.New(synth, compressor.Options{})

	proposal, err := comp.Synthesize(context.Background(), twoFragmentCluster())
	require.NoError(t, err)
	require.Equal(t, []string{"deploy", "schedule"}, proposal.Concepts)
	require.Equal(t, []string{"f1", "f2"}, proposal.SourceIDs)
	require.Contains(t, proposal.Content, "Deploy")
}

func TestSynthesizeRejectsMissingConcepts(t *testing.T) {
	synth := &scripted{output: "Something happens on Tuesday."}
	comp := compressor.New(synth, compressor.Options{})

	_, err := comp.Synthesize(context.Background(), twoFragmentCluster())
	require.ErrorIs(t, err, compressor.ErrCoverage)
}

func TestSynthesizeAcceptsSynonyms(t *testing.T) {
	synth := &scripted{output: "The release cadence is Tuesday."}
	comp := compressor.New(synth, compressor.Options{
		Synonyms: map[string][]string{
			"deploy":   {"release"},
			"schedule": {"cadence"},
		},
	})

	proposal, err := comp.Synthesize(context.Background(), twoFragmentCluster())
	require.NoError(t, err)
	require.NotNil(t, proposal)
}

func TestSynthesizeRetriesTransientFailures(t *testing.T) {
	synth := &scripted{
		failures: 2,
		err:      compressor.ErrUnavailable,
		output:   "deploy schedule recap",
	}
	comp := compressor.New(synth, compressor.Options{Attempts: 3})

	_, err := comp.Synthesize(context.Background(), twoFragmentCluster())
	require.NoError(t, err)
	require.Equal(t, 3, synth.calls)
}

func TestSynthesizeGivesUpOnPersistentFailure(t *testing.T) {
	synth := &scripted{failures: 100, err: compressor.ErrUnavailable}
	comp := compressor.New(synth, compressor.Options{Attempts: 2})

	_, err := comp.Synthesize(context.Background(), twoFragmentCluster())
	require.ErrorIs(t, err, compressor.ErrUnavailable)
	require.Equal(t, 2, synth.calls)
}

func TestSynthesizeTerminalErrorPassesThrough(t *testing.T) {
	terminal := errors.New("invalid request")
	synth := &scripted{failures: 100, err: terminal}
	comp := compressor.New(synth, compressor.Options{Attempts: 3})

	_, err := comp.Synthesize(context.Background(), twoFragmentCluster())
	require.ErrorIs(t, err, terminal)
	require.Equal(t, 1, synth.calls, "terminal failures are not retried")
}

func TestRuleBasedCoversAllConcepts(t *testing.T) {
	comp := compressor.New(compressor.RuleBased{}, compressor.Options{})

	proposal, err := comp.Synthesize(context.Background(), twoFragmentCluster())
	require.NoError(t, err)
	lowered := strings.ToLower(proposal.Content)
	require.Contains(t, lowered, "deploy")
	require.Contains(t, lowered, "schedule")
	require.Contains(t, lowered, "deploys run tuesday")
}
