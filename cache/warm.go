package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/engramdb/engram/fragment"
)

// Warm is the second cache level, backed by a chromem-go collection
// persisted under the engine's data directory. chromem has no built-in
// eviction, so Warm tracks last access per entry and drops the stalest
// one when it passes capacity. The collection is reset on open: the
// store below the cache is authoritative, and a cold-started warm tier
// only costs refills.
type Warm struct {
	db         *chromem.DB
	collection *chromem.Collection
	capacity   int

	mu         sync.Mutex
	lastAccess map[string]time.Time
	sizes      map[string]int64
	bytes      int64
}

var _ Tier = (*Warm)(nil)

// NewWarm opens (or creates) the warm tier under dir.
func NewWarm(dir string, capacity int) (*Warm, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("warm cache capacity must be positive, got %d", capacity)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open warm cache: %w", err)
	}
	// Drop any leftover collection from a previous run; the access
	// times needed for eviction do not survive a restart.
	_ = db.DeleteCollection("fragments")
	collection, err := db.CreateCollection("fragments", nil, stubEmbedding)
	if err != nil {
		return nil, fmt.Errorf("create warm collection: %w", err)
	}
	return &Warm{
		db:         db,
		collection: collection,
		capacity:   capacity,
		lastAccess: make(map[string]time.Time),
		sizes:      make(map[string]int64),
	}, nil
}

// stubEmbedding exists to satisfy the collection constructor; every
// document is stored with its fragment's own embedding, so chromem
// never calls it.
func stubEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("warm cache documents carry their own embeddings")
}

// Get returns a copy of the cached fragment or fragment.ErrNotFound.
func (w *Warm) Get(ctx context.Context, id string) (*fragment.Fragment, error) {
	doc, err := w.collection.GetByID(ctx, id)
	if err != nil {
		return nil, fragment.ErrNotFound
	}
	var frag fragment.Fragment
	if err := json.Unmarshal([]byte(doc.Content), &frag); err != nil {
		return nil, fmt.Errorf("decode warm cache entry %s: %w", id, err)
	}
	w.mu.Lock()
	w.lastAccess[id] = time.Now()
	w.mu.Unlock()
	return &frag, nil
}

// Put caches frag, evicting the least recently accessed entry when
// the tier is full.
func (w *Warm) Put(ctx context.Context, frag *fragment.Fragment) error {
	clone := frag.Clone()
	clone.Tier = fragment.TierWarm
	payload, err := json.Marshal(clone)
	if err != nil {
		return fmt.Errorf("encode warm cache entry %s: %w", frag.ID, err)
	}

	w.mu.Lock()
	_, replacing := w.lastAccess[frag.ID]
	if !replacing && len(w.lastAccess) >= w.capacity {
		victim := w.oldestLocked()
		if victim != "" {
			w.forgetLocked(victim)
			w.mu.Unlock()
			if err := w.collection.Delete(ctx, nil, nil, victim); err != nil {
				return fmt.Errorf("evict warm cache entry %s: %w", victim, err)
			}
			w.mu.Lock()
		}
	}
	size := int64(len(payload)) + int64(4*len(clone.Embedding))
	w.bytes += size - w.sizes[frag.ID]
	w.sizes[frag.ID] = size
	w.lastAccess[frag.ID] = time.Now()
	w.mu.Unlock()

	err = w.collection.AddDocument(ctx, chromem.Document{
		ID:        frag.ID,
		Embedding: clone.Embedding,
		Content:   string(payload),
	})
	if err != nil {
		w.mu.Lock()
		w.forgetLocked(frag.ID)
		w.mu.Unlock()
		return fmt.Errorf("write warm cache entry %s: %w", frag.ID, err)
	}
	return nil
}

// Remove drops id. Removing an absent entry is not an error.
func (w *Warm) Remove(ctx context.Context, id string) error {
	w.mu.Lock()
	_, present := w.lastAccess[id]
	w.forgetLocked(id)
	w.mu.Unlock()
	if !present {
		return nil
	}
	if err := w.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("remove warm cache entry %s: %w", id, err)
	}
	return nil
}

// Len returns the number of cached entries.
func (w *Warm) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lastAccess)
}

// SizeBytes returns the approximate cached payload size.
func (w *Warm) SizeBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes
}

// Close is a no-op; chromem persists writes as they happen.
func (w *Warm) Close() error { return nil }

func (w *Warm) oldestLocked() string {
	var victim string
	var oldest time.Time
	for id, at := range w.lastAccess {
		if victim == "" || at.Before(oldest) {
			victim = id
			oldest = at
		}
	}
	return victim
}

func (w *Warm) forgetLocked(id string) {
	w.bytes -= w.sizes[id]
	delete(w.sizes, id)
	delete(w.lastAccess, id)
}
