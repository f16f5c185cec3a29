// Package engram is a self-contained semantic memory engine. It stores
// text fragments with embeddings and concept tags, links related
// fragments in a weighted concept graph, serves queries through a
// three-tier cache, and consolidates near-duplicate fragments in the
// background.
//
// Typical use:
//
//	eng, err := engram.New(nil, engram.WithEmbedder(myEmbedder))
//	if err != nil { ... }
//	defer eng.Close()
//
//	frag, err := eng.Ingest(ctx, "the deploy runs at 02:00 UTC", []string{"deploy", "schedule"})
//	results, err := eng.Query(ctx, "when do we ship?", 5)
package engram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/engramdb/engram/cache"
	"github.com/engramdb/engram/compressor"
	"github.com/engramdb/engram/config"
	"github.com/engramdb/engram/embedder"
	"github.com/engramdb/engram/embedder/mock"
	"github.com/engramdb/engram/fragment"
	"github.com/engramdb/engram/fragment/store/badgerstore"
	"github.com/engramdb/engram/graph"
	"github.com/engramdb/engram/index"
	"github.com/engramdb/engram/internal/vecmath"
	"github.com/engramdb/engram/retrieval"
	"github.com/engramdb/engram/scheduler"
)

const graphSnapshotFile = "graph.snap.lz4"

// Engine owns every component of the memory system. All methods are
// safe for concurrent use.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store *badgerstore.Store
	tiers *cache.Tiered
	graph *graph.Graph
	idx   *index.Index
	sched *scheduler.Scheduler
	retr  *retrieval.Engine
	emb   embedder.Embedder

	graphPath string

	mu     sync.Mutex
	recent []string
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// New opens or creates an engine rooted at cfg.DataDir. A nil cfg uses
// defaults. Without WithEmbedder the engine falls back to the
// deterministic hash embedder, which is fine for tests and local
// development but carries no real semantics.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engram: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	emb := o.embedder
	if emb == nil {
		logger.Warn("no embedder configured, using deterministic hash embedder")
		emb = mock.New()
	}
	emb = embedder.NewRetrying(emb, 0, 0, 0, logger)

	store, err := badgerstore.Open(badgerstore.Options{
		Path:     filepath.Join(cfg.DataDir, "store"),
		InMemory: o.inMemory,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engram: open store: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		emb:       emb,
		graphPath: filepath.Join(cfg.DataDir, graphSnapshotFile),
	}
	if err := e.assemble(o); err != nil {
		store.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) assemble(o options) error {
	cfg := e.cfg

	hot, err := cache.NewHot(cfg.HotCacheCapacity)
	if err != nil {
		return fmt.Errorf("engram: %w", err)
	}
	warm, err := cache.NewWarm(filepath.Join(cfg.DataDir, "warm"), cfg.WarmCacheCapacity)
	if err != nil {
		hot.Close()
		return fmt.Errorf("engram: %w", err)
	}
	e.tiers = cache.NewTiered(hot, warm, e.store, e.logger)

	e.graph = graph.New(cfg.MinEdgeSimilarity)
	if !o.inMemory {
		if err := e.graph.Load(e.graphPath); err != nil {
			e.logger.Warn("graph snapshot unreadable, starting empty", "error", err)
		}
	}

	e.idx = index.New(e.emb.Dimensions())
	frags, err := e.store.ListSince(context.Background(), time.Time{})
	if err != nil {
		return fmt.Errorf("engram: rebuild index: %w", err)
	}
	for _, frag := range frags {
		if err := e.idx.Add(frag.ID, frag.Embedding); err != nil {
			e.logger.Warn("fragment skipped during index rebuild", "id", frag.ID, "error", err)
			continue
		}
		e.graph.AddFragment(frag.ID)
	}

	synth := o.synthesizer
	if synth == nil {
		synth = compressor.RuleBased{}
		e.logger.Info("no synthesizer configured, consolidation uses rule-based merging")
	}
	comp := compressor.New(synth, compressor.Options{
		Synonyms:        cfg.Synonyms,
		RequestInterval: time.Second,
		Logger:          e.logger,
	})

	e.sched = scheduler.New(e.store, e.tiers, e.graph, e.idx, comp, e.emb, scheduler.Options{
		FragmentThreshold:  cfg.ConsolidationFragmentThreshold,
		Interval:           cfg.ConsolidationInterval.Std(),
		CacheSizeThreshold: cfg.ConsolidationCacheSizeThreshold,
		IdleThreshold:      cfg.ConsolidationIdleThreshold.Std(),
		MaxDuration:        cfg.ConsolidationMaxDuration.Std(),
		Similarity:         cfg.ConsolidationSimilarity,
		OnCycleEnd: func() {
			if err := e.saveGraph(); err != nil {
				e.logger.Error("graph snapshot write failed", "error", err)
			}
		},
		Logger: e.logger,
	})

	e.retr = retrieval.New(e.emb, e.idx, e.graph, e.tiers, e.store, retrieval.Options{
		MaxHops:       cfg.MaxTraversalHops,
		GraphWeight:   0.5,
		MinSimilarity: cfg.MinEdgeSimilarity,
		Activity:      e.sched.MarkActivity,
		Logger:        e.logger,
	})
	return nil
}

// Ingest embeds content, stores it as a new fragment, and links it
// into the concept graph. Edge candidates come from the vector index
// plus the most recently ingested fragments; an edge is recorded for
// every candidate whose similarity reaches the configured minimum.
func (e *Engine) Ingest(ctx context.Context, content string, concepts []string) (*fragment.Fragment, error) {
	if content == "" {
		return nil, errors.New("engram: empty content")
	}
	vec, err := e.emb.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("engram: embed: %w", err)
	}

	frag, err := e.store.Put(ctx, content, concepts, vec)
	if err != nil {
		return nil, fmt.Errorf("engram: store: %w", err)
	}
	if err := e.idx.Add(frag.ID, frag.Embedding); err != nil {
		return nil, fmt.Errorf("engram: index: %w", err)
	}
	e.graph.AddFragment(frag.ID)
	e.discoverEdges(frag)
	e.tiers.Put(ctx, frag)
	e.sched.MarkIngest()

	e.logger.Debug("fragment ingested", "id", frag.ID, "concepts", len(frag.Concepts))
	return frag, nil
}

// discoverEdges connects frag to similar fragments. Candidates are the
// nearest index neighbors plus a ring of recent ingests, which catches
// bursts that arrive faster than the index settles.
func (e *Engine) discoverEdges(frag *fragment.Fragment) {
	seen := map[string]struct{}{frag.ID: {}}
	consider := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		other, ok := e.idx.Vector(id)
		if !ok {
			return
		}
		e.graph.Connect(frag.ID, id, vecmath.Cosine(frag.Embedding, other))
	}

	for _, m := range e.idx.Search(frag.Embedding, e.cfg.EdgeCandidates+1) {
		consider(m.ID)
	}

	e.mu.Lock()
	recent := append([]string(nil), e.recent...)
	e.recent = append(e.recent, frag.ID)
	if len(e.recent) > e.cfg.EdgeCandidates {
		e.recent = e.recent[len(e.recent)-e.cfg.EdgeCandidates:]
	}
	e.mu.Unlock()
	for _, id := range recent {
		consider(id)
	}
}

// Query returns up to topK fragments relevant to text, best first.
// See retrieval.Engine.Query for scoring.
func (e *Engine) Query(ctx context.Context, text string, topK int) ([]retrieval.Result, error) {
	return e.retr.Query(ctx, text, topK)
}

// Get fetches one fragment by ID through the cache tiers.
func (e *Engine) Get(ctx context.Context, id string) (*fragment.Fragment, error) {
	return e.tiers.Get(ctx, id)
}

// Related returns fragments associated with id through the concept
// graph, ordered by path similarity.
func (e *Engine) Related(id string) []graph.Related {
	return e.graph.FindRelated(id, e.cfg.MinEdgeSimilarity, e.cfg.MaxTraversalHops)
}

// StartConsolidation launches the background consolidation loop. It
// runs until Close (or an explicit StopConsolidation).
func (e *Engine) StartConsolidation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil || e.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	// Close the captured channel, not the field: StopConsolidation nils
	// the field before the loop exits.
	go func() {
		defer close(done)
		_ = e.sched.Run(ctx)
	}()
}

// StopConsolidation halts the background loop, waiting for an
// in-flight cycle to finish or roll back.
func (e *Engine) StopConsolidation() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Consolidate runs one consolidation cycle synchronously. Useful when
// the caller controls timing, e.g. before a snapshot or in tests.
func (e *Engine) Consolidate(ctx context.Context) error {
	return e.sched.RunCycle(ctx)
}

// Stats describes the engine's current shape.
type Stats struct {
	Fragments  int
	GraphNodes int
	GraphEdges int
	Cache      cache.Stats
	CacheBytes int64
	Scheduler  scheduler.Stats
}

// Stats collects counters from every component.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	count, err := e.store.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("engram: count: %w", err)
	}
	return Stats{
		Fragments:  count,
		GraphNodes: e.graph.Len(),
		GraphEdges: e.graph.EdgeCount(),
		Cache:      e.tiers.Stats(),
		CacheBytes: e.tiers.SizeBytes(),
		Scheduler:  e.sched.Stats(),
	}, nil
}

// Close stops consolidation, persists the graph snapshot, and releases
// cache and store resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.StopConsolidation()

	var errs []error
	if err := e.saveGraph(); err != nil {
		errs = append(errs, err)
	}
	if err := e.tiers.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) saveGraph() error {
	if err := os.MkdirAll(filepath.Dir(e.graphPath), 0o755); err != nil {
		return fmt.Errorf("engram: save graph: %w", err)
	}
	if err := e.graph.Save(e.graphPath); err != nil {
		return fmt.Errorf("engram: save graph: %w", err)
	}
	return nil
}
