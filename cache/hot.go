package cache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"

	"github.com/engramdb/engram/fragment"
)

// Hot is the bounded in-process tier, backed by ristretto. Capacity is
// an item count; ristretto's TinyLFU admission stands in for strict
// LRU. Eviction here is only a cache-miss risk, never data loss.
type Hot struct {
	cache *ristretto.Cache
	bytes atomic.Int64
	count atomic.Int64
}

var _ Tier = (*Hot)(nil)

// NewHot creates the hot tier with the given item capacity.
func NewHot(capacity int) (*Hot, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("hot cache capacity must be positive, got %d", capacity)
	}
	h := &Hot{}
	// OnEvict fires for capacity evictions, OnReject for admissions the
	// policy drops after Set returned true. Del never triggers either,
	// so explicit removals adjust the counters inline.
	drop := func(item *ristretto.Item) {
		if frag, ok := item.Value.(*fragment.Fragment); ok {
			h.bytes.Add(-fragSize(frag))
			h.count.Add(-1)
		}
	}
	// Capacity is an item count: every item costs 1 and ristretto must
	// not add its internal per-entry overhead to that cost, or a small
	// MaxCost fills up with metadata before admitting anything.
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(capacity) * 10,
		MaxCost:            int64(capacity),
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict:            drop,
		OnReject:           drop,
	})
	if err != nil {
		return nil, fmt.Errorf("create hot cache: %w", err)
	}
	h.cache = cache
	return h, nil
}

// Get returns a copy of the cached fragment or fragment.ErrNotFound.
func (h *Hot) Get(ctx context.Context, id string) (*fragment.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := h.cache.Get(id)
	if !ok {
		return nil, fragment.ErrNotFound
	}
	frag, ok := v.(*fragment.Fragment)
	if !ok {
		return nil, fragment.ErrNotFound
	}
	return frag.Clone(), nil
}

// Put caches a copy of frag. Sets are buffered in ristretto, so Wait
// makes the write visible before returning; without it readers race
// the removal guarantee Invalidate depends on.
func (h *Hot) Put(ctx context.Context, frag *fragment.Fragment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.discard(frag.ID)
	clone := frag.Clone()
	clone.Tier = fragment.TierHot
	if h.cache.Set(frag.ID, clone, 1) {
		h.bytes.Add(fragSize(clone))
		h.count.Add(1)
	}
	h.cache.Wait()
	return nil
}

// Remove drops id, blocking until the removal is applied.
func (h *Hot) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.discard(id)
	return nil
}

func (h *Hot) discard(id string) {
	if v, ok := h.cache.Get(id); ok {
		if frag, ok := v.(*fragment.Fragment); ok {
			h.bytes.Add(-fragSize(frag))
			h.count.Add(-1)
		}
		h.cache.Del(id)
		h.cache.Wait()
	}
}

// Len returns the number of cached entries.
func (h *Hot) Len() int { return int(h.count.Load()) }

// SizeBytes returns the approximate cached payload size.
func (h *Hot) SizeBytes() int64 { return h.bytes.Load() }

// Close releases the ristretto cache.
func (h *Hot) Close() error {
	h.cache.Close()
	return nil
}
