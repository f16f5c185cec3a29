// Package cache implements the three-level cache fronting the fragment
// store: a bounded in-process hot tier, a larger shared warm tier and
// the store itself as the cold, authoritative tier.
//
// Every cached value is a disposable copy. A tier-read failure is a
// cache miss, logged and absorbed; it never reaches the caller.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/engramdb/engram/fragment"
)

// Tier is one cache level. Implementations must be safe for
// concurrent use.
type Tier interface {
	// Get returns a copy of the cached fragment or
	// fragment.ErrNotFound on a miss.
	Get(ctx context.Context, id string) (*fragment.Fragment, error)

	// Put caches a copy of frag, evicting under capacity pressure.
	Put(ctx context.Context, frag *fragment.Fragment) error

	// Remove drops id from the tier. Absent ids are a no-op.
	Remove(ctx context.Context, id string) error

	// Len returns the number of cached entries.
	Len() int

	// SizeBytes returns the approximate cached payload size.
	SizeBytes() int64

	// Close flushes and releases the tier.
	Close() error
}

// Stats counts cache traffic per tier.
type Stats struct {
	HotHits  uint64
	WarmHits uint64
	ColdHits uint64
	Misses   uint64
}

// Tiered is the hot/warm/cold read-through cache.
type Tiered struct {
	hot    Tier
	warm   Tier
	cold   fragment.Store
	group  singleflight.Group
	logger *slog.Logger

	// epochs counts invalidations per id. A reader snapshots the epoch
	// before walking the tiers and refuses to promote if it moved, so a
	// cold read that overlaps Invalidate cannot re-cache a fragment the
	// scheduler is deleting.
	epochMu sync.Mutex
	epochs  map[string]uint64

	hotHits  atomic.Uint64
	warmHits atomic.Uint64
	coldHits atomic.Uint64
	misses   atomic.Uint64
}

// NewTiered assembles the cache. The cold store is authoritative;
// hot and warm only ever hold copies.
func NewTiered(hot, warm Tier, cold fragment.Store, logger *slog.Logger) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{
		hot:    hot,
		warm:   warm,
		cold:   cold,
		epochs: make(map[string]uint64),
		logger: logger.With("component", "cache"),
	}
}

// Get checks hot, then warm (promoting to hot on hit), then the store
// (promoting to warm and hot on hit). Concurrent misses for the same
// id collapse to one store read.
func (t *Tiered) Get(ctx context.Context, id string) (*fragment.Fragment, error) {
	epoch := t.epoch(id)

	if frag, err := t.hot.Get(ctx, id); err == nil {
		t.hotHits.Add(1)
		frag.Tier = fragment.TierHot
		return frag, nil
	} else if !errors.Is(err, fragment.ErrNotFound) {
		t.logger.Warn("hot tier read failed, treating as miss", "id", id, "error", err)
	}

	if frag, err := t.warm.Get(ctx, id); err == nil {
		t.warmHits.Add(1)
		if t.epoch(id) == epoch {
			t.promote(ctx, t.hot, frag)
		}
		frag.Tier = fragment.TierWarm
		return frag, nil
	} else if !errors.Is(err, fragment.ErrNotFound) {
		t.logger.Warn("warm tier read failed, treating as miss", "id", id, "error", err)
	}

	v, err, _ := t.group.Do(id, func() (any, error) {
		return t.cold.Get(ctx, id)
	})
	if err != nil {
		if errors.Is(err, fragment.ErrNotFound) {
			t.misses.Add(1)
		}
		return nil, err
	}
	frag := v.(*fragment.Fragment).Clone()
	t.coldHits.Add(1)
	if t.epoch(id) == epoch {
		t.promote(ctx, t.warm, frag)
		t.promote(ctx, t.hot, frag)
	}
	frag.Tier = fragment.TierCold
	return frag, nil
}

// Put inserts a freshly written fragment into the hot and warm tiers.
// Called on the ingestion write path; the store write has already
// happened.
func (t *Tiered) Put(ctx context.Context, frag *fragment.Fragment) {
	t.promote(ctx, t.warm, frag)
	t.promote(ctx, t.hot, frag)
}

// Invalidate removes id from the hot and warm tiers. The removal is
// visible to all readers once Invalidate returns, which is what lets
// the scheduler order invalidation before the store delete. A tier
// removal failure is returned so the caller can abort the delete.
func (t *Tiered) Invalidate(ctx context.Context, id string) error {
	t.epochMu.Lock()
	t.epochs[id]++
	t.epochMu.Unlock()
	if err := t.hot.Remove(ctx, id); err != nil {
		return err
	}
	return t.warm.Remove(ctx, id)
}

func (t *Tiered) epoch(id string) uint64 {
	t.epochMu.Lock()
	defer t.epochMu.Unlock()
	return t.epochs[id]
}

// SizeBytes returns the approximate cached payload across hot and
// warm tiers, used by the consolidation size trigger.
func (t *Tiered) SizeBytes() int64 {
	return t.hot.SizeBytes() + t.warm.SizeBytes()
}

// Stats returns a snapshot of hit counters.
func (t *Tiered) Stats() Stats {
	return Stats{
		HotHits:  t.hotHits.Load(),
		WarmHits: t.warmHits.Load(),
		ColdHits: t.coldHits.Load(),
		Misses:   t.misses.Load(),
	}
}

// Close releases the hot and warm tiers. The cold store is owned by
// the caller.
func (t *Tiered) Close() error {
	hErr := t.hot.Close()
	wErr := t.warm.Close()
	if hErr != nil {
		return hErr
	}
	return wErr
}

func (t *Tiered) promote(ctx context.Context, tier Tier, frag *fragment.Fragment) {
	if err := tier.Put(ctx, frag); err != nil {
		t.logger.Warn("tier promotion failed", "id", frag.ID, "error", err)
	}
}

func fragSize(frag *fragment.Fragment) int64 {
	size := int64(len(frag.Content)) + int64(4*len(frag.Embedding))
	for _, c := range frag.Concepts {
		size += int64(len(c))
	}
	return size
}
