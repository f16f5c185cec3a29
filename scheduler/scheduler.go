// Package scheduler runs background consolidation: it watches for
// accumulation triggers, asks the compressor for clusters of
// near-duplicate fragments, and replaces each cluster with its
// synthesized merger while keeping store, cache, vector index and
// concept graph consistent.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/compressor"
	"github.com/engramdb/engram/embedder"
	"github.com/engramdb/engram/fragment"
	"github.com/engramdb/engram/graph"
	"github.com/engramdb/engram/index"
)

// State is the scheduler's phase. Transitions are
// Idle → CandidateScan → Consolidating → GraphRewire → Idle, with
// RollingBack reachable from the two working phases.
type State int32

const (
	StateIdle State = iota
	StateCandidateScan
	StateConsolidating
	StateGraphRewire
	StateRollingBack
)

func (s State) String() string {
	switch s {
	case StateCandidateScan:
		return "candidate_scan"
	case StateConsolidating:
		return "consolidating"
	case StateGraphRewire:
		return "graph_rewire"
	case StateRollingBack:
		return "rolling_back"
	default:
		return "idle"
	}
}

// Store is what the scheduler needs from the fragment store: the full
// store contract plus the crash-recovery journal.
type Store interface {
	fragment.Store

	JournalPut(ctx context.Context, key string, payload []byte) error
	JournalGet(ctx context.Context, key string) ([]byte, error)
	JournalDelete(ctx context.Context, key string) error
}

// Cache is what the scheduler needs from the tiered cache: eviction of
// doomed ids and the size trigger.
type Cache interface {
	Invalidate(ctx context.Context, id string) error
	SizeBytes() int64
}

// Options tunes triggers and the per-cycle budget.
type Options struct {
	// FragmentThreshold triggers a cycle after this many ingests.
	FragmentThreshold int
	// Interval triggers a cycle on wall clock regardless of load.
	Interval time.Duration
	// CacheSizeThreshold triggers a cycle when the tiered cache grows
	// past this many bytes.
	CacheSizeThreshold int64
	// IdleThreshold triggers a cycle after a quiet period with
	// unconsolidated ingests pending.
	IdleThreshold time.Duration
	// MaxDuration bounds one cycle; exceeding it aborts and rolls back.
	MaxDuration time.Duration
	// Similarity is the clustering threshold.
	Similarity float32
	// PollInterval is how often triggers are checked.
	PollInterval time.Duration
	// OnCycleEnd, when set, runs after any cycle that rewired the
	// graph. The engine persists the graph snapshot here.
	OnCycleEnd func()

	Logger *slog.Logger
}

const journalKey = "consolidation"

// journalRecord marks a cluster application in flight. It is written
// before the merged fragment becomes visible and cleared after the
// sources are deleted, so a crash anywhere in between leaves enough to
// finish the undo on restart. The merged id may not exist yet when the
// record is replayed.
type journalRecord struct {
	ConsolidatedID string   `json:"consolidated_id"`
	Sources        []string `json:"sources"`
}

// Scheduler owns the consolidation lifecycle. It is the only component
// that deletes fragments.
type Scheduler struct {
	store Store
	cache Cache
	graph *graph.Graph
	index *index.Index
	comp  *compressor.Compressor
	emb   embedder.Embedder
	opts  Options
	log   *slog.Logger

	cycleMu      sync.Mutex
	state        atomic.Int32
	ingests      atomic.Int64
	lastCycle    atomic.Int64
	lastActivity atomic.Int64

	cycles       atomic.Uint64
	consolidated atomic.Uint64
	skipped      atomic.Uint64
	rollbacks    atomic.Uint64
}

// New wires a scheduler. The embedder should already carry retry
// behavior; a transient embedding failure only skips the cluster.
func New(store Store, tiers Cache, g *graph.Graph, idx *index.Index,
	comp *compressor.Compressor, emb embedder.Embedder, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Scheduler{
		store: store,
		cache: tiers,
		graph: g,
		index: idx,
		comp:  comp,
		emb:   emb,
		opts:  opts,
		log:   opts.Logger,
	}
	now := time.Now().UnixNano()
	s.lastCycle.Store(now)
	s.lastActivity.Store(now)
	return s
}

// State returns the current phase.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// MarkIngest tells the scheduler a fragment was written.
func (s *Scheduler) MarkIngest() {
	s.ingests.Add(1)
	s.lastActivity.Store(time.Now().UnixNano())
}

// MarkActivity resets the idle timer; the retrieval path calls it per
// query.
func (s *Scheduler) MarkActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	State          string
	Cycles         uint64
	Consolidated   uint64
	SkippedCluster uint64
	Rollbacks      uint64
	PendingIngests int64
}

// Stats returns the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		State:          s.State().String(),
		Cycles:         s.cycles.Load(),
		Consolidated:   s.consolidated.Load(),
		SkippedCluster: s.skipped.Load(),
		Rollbacks:      s.rollbacks.Load(),
		PendingIngests: s.ingests.Load(),
	}
}

// Run polls triggers until ctx is cancelled. Cycle failures are logged
// and absorbed; the loop keeps going.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		s.log.Error("consolidation journal recovery failed", "error", err)
	}
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if reason := s.due(now); reason != "" {
				s.log.Info("consolidation cycle starting", "trigger", reason)
				if err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.log.Error("consolidation cycle failed", "error", err)
				}
			}
		}
	}
}

// due returns the name of the first satisfied trigger, or "".
func (s *Scheduler) due(now time.Time) string {
	pending := s.ingests.Load()
	if s.opts.FragmentThreshold > 0 && pending >= int64(s.opts.FragmentThreshold) {
		return "fragment_threshold"
	}
	if s.opts.Interval > 0 && now.Sub(time.Unix(0, s.lastCycle.Load())) >= s.opts.Interval {
		return "interval"
	}
	if s.opts.CacheSizeThreshold > 0 && s.cache.SizeBytes() >= s.opts.CacheSizeThreshold {
		return "cache_size"
	}
	if s.opts.IdleThreshold > 0 && pending > 0 &&
		now.Sub(time.Unix(0, s.lastActivity.Load())) >= s.opts.IdleThreshold {
		return "idle"
	}
	return ""
}

// RunCycle executes one full consolidation cycle. It serializes with
// itself, so concurrent callers queue rather than interleave.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	defer s.state.Store(int32(StateIdle))

	started := time.Now()
	if s.opts.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, started.Add(s.opts.MaxDuration))
		defer cancel()
	}

	s.state.Store(int32(StateCandidateScan))
	frags, err := s.store.ListSince(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("candidate scan: %w", err)
	}
	clusters := compressor.ProposeClusters(frags, s.opts.Similarity)

	s.cycles.Add(1)
	s.lastCycle.Store(started.UnixNano())
	s.ingests.Store(0)

	if len(clusters) == 0 {
		s.log.Debug("consolidation cycle found no clusters", "fragments", len(frags))
		return nil
	}
	s.log.Info("consolidation cycle scanned candidates",
		"fragments", len(frags), "clusters", len(clusters))

	applied := make([]journalRecord, 0, len(clusters))
	replacements := make(map[string]string)

	s.state.Store(int32(StateConsolidating))
	for _, cluster := range clusters {
		rec, err := s.applyCluster(ctx, cluster)
		if err == nil {
			applied = append(applied, rec)
			for _, src := range rec.Sources {
				replacements[src] = rec.ConsolidatedID
			}
			s.consolidated.Add(1)
			continue
		}
		if errors.Is(err, compressor.ErrCoverage) || errors.Is(err, compressor.ErrUnavailable) ||
			errors.Is(err, embedder.ErrUnavailable) {
			s.skipped.Add(1)
			s.log.Warn("cluster skipped this cycle", "size", len(cluster.Members), "reason", err)
			continue
		}
		// Deadline or storage failure: undo the whole cycle,
		// including whatever the failing cluster half-applied.
		if rec.ConsolidatedID != "" {
			applied = append(applied, rec)
		}
		s.rollback(applied)
		return fmt.Errorf("apply cluster: %w", err)
	}

	if len(applied) == 0 {
		return nil
	}

	s.state.Store(int32(StateGraphRewire))
	s.graph.Rewire(replacements)
	if s.opts.OnCycleEnd != nil {
		s.opts.OnCycleEnd()
	}
	s.log.Info("consolidation cycle finished",
		"applied", len(applied), "duration", time.Since(started))
	return nil
}

// applyCluster replaces one cluster: synthesize, journal, store the
// merged fragment, then invalidate and delete each source. Cache
// entries are removed before the store delete so no reader can refill
// a doomed id. A non-zero record comes back once the journal is
// durable; from that point the caller must roll back on error.
func (s *Scheduler) applyCluster(ctx context.Context, cluster compressor.Cluster) (journalRecord, error) {
	var rec journalRecord

	proposal, err := s.comp.Synthesize(ctx, cluster)
	if err != nil {
		return rec, err
	}
	vec, err := s.emb.Embed(ctx, proposal.Content)
	if err != nil {
		return rec, err
	}

	merged := &fragment.Fragment{
		ID:        uuid.NewString(),
		Content:   proposal.Content,
		Concepts:  fragment.NormalizeConcepts(proposal.Concepts),
		Embedding: vec,
		CreatedAt: time.Now().UTC(),
		SourceIDs: proposal.SourceIDs,
	}

	// Journal first. A crash after the merged fragment is visible but
	// before the journal would otherwise leave a duplicate nothing can
	// find and clean up.
	payload, err := json.Marshal(journalRecord{ConsolidatedID: merged.ID, Sources: proposal.SourceIDs})
	if err != nil {
		return rec, err
	}
	if err := s.store.JournalPut(ctx, journalKey, payload); err != nil {
		return rec, err
	}

	rec = journalRecord{ConsolidatedID: merged.ID, Sources: proposal.SourceIDs}
	if err := s.store.PutFragment(ctx, merged); err != nil {
		return rec, err
	}

	for _, src := range rec.Sources {
		if err := s.cache.Invalidate(ctx, src); err != nil {
			return rec, fmt.Errorf("invalidate %s: %w", src, err)
		}
	}
	for _, src := range rec.Sources {
		if err := s.store.Delete(ctx, src); err != nil && !errors.Is(err, fragment.ErrNotFound) {
			return rec, fmt.Errorf("delete source %s: %w", src, err)
		}
		s.index.Delete(src)
	}
	if err := s.index.Add(merged.ID, merged.Embedding); err != nil {
		return rec, err
	}

	if err := s.store.JournalDelete(ctx, journalKey); err != nil {
		return rec, err
	}
	return rec, nil
}

// rollback undoes every cluster applied in the aborted cycle: deletes
// the merged fragments and restores their sources from the durable
// log. The graph needs no undo; edges move only in Rewire, which runs
// after every cluster has landed, so an aborted cycle never touched
// them and any nodes ingested mid-cycle are left alone. Failures here
// are logged; the store log still holds everything needed for a later
// manual replay.
func (s *Scheduler) rollback(applied []journalRecord) {
	s.state.Store(int32(StateRollingBack))
	s.rollbacks.Add(1)
	// The cycle context may already be past its deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := len(applied) - 1; i >= 0; i-- {
		rec := applied[i]
		if err := s.cache.Invalidate(ctx, rec.ConsolidatedID); err != nil {
			s.log.Error("rollback: invalidate merged fragment", "id", rec.ConsolidatedID, "error", err)
		}
		if err := s.store.Delete(ctx, rec.ConsolidatedID); err != nil && !errors.Is(err, fragment.ErrNotFound) {
			s.log.Error("rollback: delete merged fragment", "id", rec.ConsolidatedID, "error", err)
		}
		s.index.Delete(rec.ConsolidatedID)
		for _, src := range rec.Sources {
			frag, err := s.store.Restore(ctx, src)
			if err != nil {
				s.log.Error("rollback: restore source", "id", src, "error", err)
				continue
			}
			if err := s.index.Add(frag.ID, frag.Embedding); err != nil {
				s.log.Error("rollback: reindex source", "id", src, "error", err)
			}
		}
	}
	if err := s.store.JournalDelete(ctx, journalKey); err != nil {
		s.log.Error("rollback: clear journal", "error", err)
	}
	s.log.Warn("consolidation rolled back", "clusters", len(applied))
}

// Recover finishes the undo of a cluster application that a crash
// interrupted. Run calls it on startup; it is exported for callers
// that want recovery before serving reads. The journal record exists
// from just before the merged fragment is written until after the last
// source delete, so dropping the merged fragment (which may never have
// landed) and restoring the sources always reaches the pre-apply
// state.
func (s *Scheduler) Recover(ctx context.Context) error {
	payload, err := s.store.JournalGet(ctx, journalKey)
	if errors.Is(err, fragment.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var rec journalRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("decode journal: %w", err)
	}
	s.log.Warn("recovering interrupted consolidation",
		"consolidated", rec.ConsolidatedID, "sources", len(rec.Sources))

	if err := s.store.Delete(ctx, rec.ConsolidatedID); err != nil && !errors.Is(err, fragment.ErrNotFound) {
		return err
	}
	s.index.Delete(rec.ConsolidatedID)
	for _, src := range rec.Sources {
		frag, err := s.store.Restore(ctx, src)
		if err != nil {
			s.log.Error("recovery: restore source", "id", src, "error", err)
			continue
		}
		if err := s.index.Add(frag.ID, frag.Embedding); err != nil {
			s.log.Error("recovery: reindex source", "id", src, "error", err)
		}
	}
	return s.store.JournalDelete(ctx, journalKey)
}
