// Package retrieval answers similarity queries by combining direct
// vector matches with associations from the concept graph.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/engramdb/engram/cache"
	"github.com/engramdb/engram/embedder"
	"github.com/engramdb/engram/fragment"
	"github.com/engramdb/engram/graph"
	"github.com/engramdb/engram/index"
)

// ErrTemporarilyUnavailable means the query could not run because the
// embedder was unreachable after retries. It is distinct from an empty
// result: nothing was searched.
var ErrTemporarilyUnavailable = errors.New("retrieval temporarily unavailable")

// searchSlack widens the ANN lookup beyond topK. The index's graph
// search is randomized and can skip a true nearest neighbor when asked
// for exactly k; extra candidates cost one cosine each and the exact
// re-scoring keeps the order honest.
const searchSlack = 16

// Result is one retrieved fragment with its blended relevance score.
// Direct marks fragments found by vector search; the rest arrived
// through graph expansion.
type Result struct {
	Fragment *fragment.Fragment
	Score    float32
	Direct   bool
}

// Options configures an Engine.
type Options struct {
	// MaxHops bounds graph expansion from each direct match.
	MaxHops int
	// GraphWeight scales graph-expansion scores against direct ones.
	GraphWeight float32
	// MinSimilarity floors path similarity during expansion; usually
	// the graph's edge threshold.
	MinSimilarity float32
	// Activity, when set, is invoked once per query. The scheduler
	// uses it to track idle periods.
	Activity func()

	Logger *slog.Logger
}

// Engine is the read path. It never mutates anything beyond cache
// promotion and access counters.
type Engine struct {
	emb   embedder.Embedder
	idx   *index.Index
	graph *graph.Graph
	cache *cache.Tiered
	store fragment.Store
	opts  Options
	log   *slog.Logger
}

// New wires a retrieval engine. The embedder should already carry
// retry behavior.
func New(emb embedder.Embedder, idx *index.Index, g *graph.Graph,
	tiers *cache.Tiered, store fragment.Store, opts Options) *Engine {
	if opts.MaxHops <= 0 {
		opts.MaxHops = 2
	}
	if opts.GraphWeight <= 0 {
		opts.GraphWeight = 0.5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		emb:   emb,
		idx:   idx,
		graph: g,
		cache: tiers,
		store: store,
		opts:  opts,
		log:   opts.Logger,
	}
}

// Query returns up to topK fragments relevant to text, best first.
// Direct vector matches score at full cosine similarity; fragments
// reached through the graph score at path similarity times
// GraphWeight, and a fragment reached both ways keeps its higher
// score. An empty corpus or topK of zero yields an empty result with
// no error.
func (e *Engine) Query(ctx context.Context, text string, topK int) ([]Result, error) {
	if e.opts.Activity != nil {
		e.opts.Activity()
	}
	if topK <= 0 || e.idx.Len() == 0 {
		return nil, nil
	}

	vec, err := e.emb.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, embedder.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, err)
		}
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Over-fetch to absorb hnsw's approximate recall; the exact
	// re-scored order decides what survives, and ranking truncates to
	// topK at the end. Matches with no positive similarity are noise,
	// not results.
	direct := e.idx.Search(vec, topK+searchSlack)
	scores := make(map[string]float32, len(direct)*2)
	isDirect := make(map[string]bool, len(direct))
	for _, m := range direct {
		if m.Similarity <= 0 {
			continue
		}
		scores[m.ID] = m.Similarity
		isDirect[m.ID] = true
	}
	for _, m := range direct {
		if !isDirect[m.ID] {
			continue
		}
		for _, rel := range e.graph.FindRelated(m.ID, e.opts.MinSimilarity, e.opts.MaxHops) {
			score := rel.Similarity * e.opts.GraphWeight
			if prev, ok := scores[rel.ID]; !ok || score > prev {
				scores[rel.ID] = score
			}
		}
	}

	ranked := make([]string, 0, len(scores))
	for id := range scores {
		ranked = append(ranked, id)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})

	results := make([]Result, 0, topK)
	for _, id := range ranked {
		if len(results) == topK {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frag, err := e.cache.Get(ctx, id)
		if errors.Is(err, fragment.ErrNotFound) {
			// Consolidated away between index lookup and resolution.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", id, err)
		}
		if err := e.store.Touch(ctx, id); err != nil {
			e.log.Debug("hit counter update failed", "id", id, "error", err)
		}
		results = append(results, Result{
			Fragment: frag,
			Score:    scores[id],
			Direct:   isDirect[id],
		})
	}
	return results, nil
}
