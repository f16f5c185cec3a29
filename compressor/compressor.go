// Package compressor turns groups of near-duplicate fragments into
// single consolidated fragments. Clustering is local and deterministic;
// synthesis of the merged content is delegated to a Synthesizer
// collaborator, usually an LLM.
package compressor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/engramdb/engram/fragment"
	"github.com/engramdb/engram/internal/vecmath"
)

// ErrUnavailable marks a transient synthesizer failure; the caller may
// retry the cluster on a later cycle.
var ErrUnavailable = errors.New("compressor: synthesizer unavailable")

// ErrCoverage is returned when synthesized content drops one of the
// cluster's concepts. The cluster stays unconsolidated.
var ErrCoverage = errors.New("compressor: synthesized content lost concepts")

// Synthesizer produces merged content from a consolidation prompt.
// Implementations return ErrUnavailable (wrapped or bare) for failures
// worth retrying.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt string) (string, error)
}

// Cluster is a group of fragments similar enough to merge.
type Cluster struct {
	Members       []*fragment.Fragment
	AvgSimilarity float32
}

// IDs returns the member fragment IDs in cluster order.
func (c Cluster) IDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.ID
	}
	return ids
}

// Proposal is the consolidated replacement for a cluster, ready to be
// stored. Concepts are the full union of the members' concepts.
type Proposal struct {
	Content   string
	Concepts  []string
	SourceIDs []string
}

// Options configures a Compressor.
type Options struct {
	// Synonyms maps a concept to alternative phrasings that satisfy
	// the coverage check when the concept itself is absent.
	Synonyms map[string][]string

	// RequestInterval paces synthesizer calls. Zero disables pacing.
	RequestInterval time.Duration

	// Attempts bounds synthesis retries on transient failure.
	Attempts int

	Logger *slog.Logger
}

// Compressor proposes clusters and synthesizes their replacements.
type Compressor struct {
	synth    Synthesizer
	synonyms map[string][]string
	limiter  *rate.Limiter
	attempts int
	logger   *slog.Logger
}

// New creates a Compressor around synth.
func New(synth Synthesizer, opts Options) *Compressor {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var limiter *rate.Limiter
	if opts.RequestInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.RequestInterval), 1)
	}
	return &Compressor{
		synth:    synth,
		synonyms: opts.Synonyms,
		limiter:  limiter,
		attempts: opts.Attempts,
		logger:   opts.Logger,
	}
}

// simEpsilon is the float32 noise floor below which two similarities
// are ordered as equal.
const simEpsilon = 1e-6

// ProposeClusters partitions frags into clusters whose members are all
// pairwise at least threshold similar. Seeds are picked by descending
// neighbor count so dense regions consolidate first; when a fragment
// could join several clusters it goes to the one where its average
// similarity is highest. Singletons are not clusters. The result is
// deterministic for a given input ordering by ID.
func ProposeClusters(frags []*fragment.Fragment, threshold float32) []Cluster {
	if len(frags) < 2 {
		return nil
	}
	ordered := make([]*fragment.Fragment, len(frags))
	copy(ordered, frags)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	n := len(ordered)
	sims := make([][]float32, n)
	neighbors := make([]int, n)
	for i := range ordered {
		sims[i] = make([]float32, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := vecmath.Cosine(ordered[i].Embedding, ordered[j].Embedding)
			sims[i][j], sims[j][i] = s, s
			if s >= threshold {
				neighbors[i]++
				neighbors[j]++
			}
		}
	}

	seeds := make([]int, n)
	for i := range seeds {
		seeds[i] = i
	}
	sort.Slice(seeds, func(a, b int) bool {
		if neighbors[seeds[a]] != neighbors[seeds[b]] {
			return neighbors[seeds[a]] > neighbors[seeds[b]]
		}
		return seeds[a] < seeds[b]
	})

	assigned := make([]bool, n)
	var clusters []Cluster
	for _, seed := range seeds {
		if assigned[seed] || neighbors[seed] == 0 {
			continue
		}
		members := []int{seed}
		// Candidates close to the seed, best first; each must be at
		// least threshold similar to every member already admitted.
		candidates := make([]int, 0, neighbors[seed])
		for j := 0; j < n; j++ {
			if j != seed && !assigned[j] && sims[seed][j] >= threshold {
				candidates = append(candidates, j)
			}
		}
		// Float32 rounding can split similarities meant to be equal;
		// near-ties fall back to ID order so admission stays
		// deterministic regardless of how the products round.
		sort.Slice(candidates, func(a, b int) bool {
			sa, sb := sims[seed][candidates[a]], sims[seed][candidates[b]]
			if diff := sa - sb; diff > simEpsilon || diff < -simEpsilon {
				return sa > sb
			}
			return candidates[a] < candidates[b]
		})
		for _, cand := range candidates {
			ok := true
			for _, m := range members {
				if sims[cand][m] < threshold {
					ok = false
					break
				}
			}
			if ok {
				members = append(members, cand)
			}
		}
		if len(members) < 2 {
			continue
		}
		cluster := Cluster{Members: make([]*fragment.Fragment, len(members))}
		var total float32
		var pairs int
		for i, m := range members {
			cluster.Members[i] = ordered[m]
			for _, other := range members[i+1:] {
				total += sims[m][other]
				pairs++
			}
		}
		cluster.AvgSimilarity = total / float32(pairs)
		for _, m := range members {
			assigned[m] = true
		}
		clusters = append(clusters, cluster)
	}

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].AvgSimilarity != clusters[j].AvgSimilarity {
			return clusters[i].AvgSimilarity > clusters[j].AvgSimilarity
		}
		return clusters[i].Members[0].ID < clusters[j].Members[0].ID
	})
	return clusters
}

// Synthesize produces the consolidated replacement for cluster. The
// synthesizer call is paced and retried with backoff; the output must
// mention every concept from the members' union or ErrCoverage is
// returned and the cluster is left for a later cycle.
func (c *Compressor) Synthesize(ctx context.Context, cluster Cluster) (*Proposal, error) {
	if len(cluster.Members) < 2 {
		return nil, fmt.Errorf("compressor: cluster needs at least two members, got %d", len(cluster.Members))
	}
	concepts := conceptUnion(cluster.Members)
	prompt := buildPrompt(cluster.Members, concepts)

	content, err := c.call(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if missing := c.uncovered(content, concepts); len(missing) > 0 {
		c.logger.Warn("consolidation rejected, concepts missing from synthesis",
			"missing", missing, "cluster_size", len(cluster.Members))
		return nil, fmt.Errorf("%w: %s", ErrCoverage, strings.Join(missing, ", "))
	}
	return &Proposal{
		Content:   content,
		Concepts:  concepts,
		SourceIDs: cluster.IDs(),
	}, nil
}

func (c *Compressor) call(ctx context.Context, prompt string) (string, error) {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}
		content, err := c.synth.Synthesize(ctx, prompt)
		if err == nil {
			return strings.TrimSpace(content), nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return "", err
		}
		lastErr = err
		c.logger.Warn("synthesizer unavailable, backing off",
			"attempt", attempt+1, "backoff", backoff)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff)))):
		}
		backoff *= 2
	}
	return "", fmt.Errorf("synthesize after %d attempts: %w", c.attempts, lastErr)
}

// uncovered returns the concepts absent from content, accounting for
// configured synonyms. Matching is case-insensitive substring.
func (c *Compressor) uncovered(content string, concepts []string) []string {
	lowered := strings.ToLower(content)
	var missing []string
	for _, concept := range concepts {
		if strings.Contains(lowered, concept) {
			continue
		}
		found := false
		for _, alias := range c.synonyms[concept] {
			if strings.Contains(lowered, strings.ToLower(alias)) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, concept)
		}
	}
	return missing
}

func conceptUnion(members []*fragment.Fragment) []string {
	var all []string
	for _, m := range members {
		all = append(all, m.Concepts...)
	}
	return fragment.NormalizeConcepts(all)
}

func buildPrompt(members []*fragment.Fragment, concepts []string) string {
	var b strings.Builder
	b.WriteString("Merge the following memory fragments into a single concise fragment.\n")
	b.WriteString("Preserve every fact. The merged text MUST mention each of these concepts: ")
	b.WriteString(strings.Join(concepts, ", "))
	b.WriteString("\n\n")
	for i, m := range members {
		fmt.Fprintf(&b, "Fragment %d:\n%s\n\n", i+1, m.Content)
	}
	b.WriteString("Respond with the merged fragment text only.")
	return b.String()
}
