// Package fragment defines the stored unit of semantic content and the
// contract of its durable store.
//
// A Fragment is created on ingestion and mutated only by consolidation,
// which replaces N fragments with one rather than editing in place. The
// store is the sole owner of fragment content; the graph references
// fragments by id and the cache holds disposable copies.
package fragment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tier identifies where a cached copy of a fragment lives. The cold
// tier is the store itself and is always authoritative.
type Tier int

const (
	TierCold Tier = iota
	TierWarm
	TierHot
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	default:
		return "cold"
	}
}

// Fragment is a stored unit of semantic content with an embedding and
// concept tags.
//
// SourceIDs lists the fragments this one was consolidated from; it is
// empty for originals and acyclic by construction (source fragments are
// deleted in the same cycle that creates their replacement, so a
// fragment can never transitively list itself).
type Fragment struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
	Concepts  []string  `json:"concepts"`
	CreatedAt time.Time `json:"created_at"`
	SourceIDs []string  `json:"source_ids,omitempty"`
	Tier      Tier      `json:"tier"`
}

// Clone returns a deep copy. Cache tiers hand out clones so callers
// can never mutate a cached entry in place.
func (f *Fragment) Clone() *Fragment {
	if f == nil {
		return nil
	}
	out := *f
	out.Embedding = append([]float32(nil), f.Embedding...)
	out.Concepts = append([]string(nil), f.Concepts...)
	out.SourceIDs = append([]string(nil), f.SourceIDs...)
	return &out
}

// ContentHash returns a stable hash of the fragment's content and
// concept set, used by consolidation snapshots to verify rollback.
func (f *Fragment) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(f.Content))
	h.Write([]byte{0})
	for _, c := range f.Concepts {
		h.Write([]byte(c))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeConcepts lowercases, trims and dedupes a concept list,
// returning it sorted for stable comparison.
func NormalizeConcepts(concepts []string) []string {
	seen := make(map[string]struct{}, len(concepts))
	out := make([]string, 0, len(concepts))
	for _, c := range concepts {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ErrNotFound marks an absent fragment. It is a normal, expected
// outcome, not an error condition; callers branch on it with errors.Is.
var ErrNotFound = errors.New("fragment not found")

// StorageError wraps a durable-medium failure. It is fatal for the
// write in progress: the store guarantees no partial fragment became
// visible.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// LogOp is the kind of an append-only log record.
type LogOp string

const (
	LogPut    LogOp = "put"
	LogDelete LogOp = "delete"
)

// LogRecord is one entry of the store's durable log. Put records carry
// the full fragment so deleted sources can be restored during rollback.
type LogRecord struct {
	Seq      uint64    `json:"seq"`
	Op       LogOp     `json:"op"`
	ID       string    `json:"id"`
	Hash     string    `json:"hash,omitempty"`
	Fragment *Fragment `json:"fragment,omitempty"`
	At       time.Time `json:"at"`
}

// Store is the durable record of every fragment. All writes are
// atomic: a fragment is either fully visible or not visible at all.
type Store interface {
	// Put persists a new fragment built from the arguments and returns
	// it with a fresh id. Concepts are normalized before storage.
	Put(ctx context.Context, content string, concepts []string, embedding []float32) (*Fragment, error)

	// PutFragment persists frag verbatim, keeping its id. Used when
	// applying a consolidated fragment and when restoring during
	// rollback.
	PutFragment(ctx context.Context, frag *Fragment) error

	// Get returns the fragment or ErrNotFound.
	Get(ctx context.Context, id string) (*Fragment, error)

	// Delete removes the fragment, appending a tombstone to the log.
	// Returns ErrNotFound when absent.
	Delete(ctx context.Context, id string) error

	// ListSince returns fragments created at or after t, ordered by
	// creation time. The zero time lists the whole corpus.
	ListSince(ctx context.Context, t time.Time) ([]*Fragment, error)

	// Restore reinserts the most recent logged version of a deleted
	// fragment. Returns ErrNotFound when the log never saw the id.
	Restore(ctx context.Context, id string) (*Fragment, error)

	// Touch records an access for trigger accounting and analytics.
	Touch(ctx context.Context, id string) error

	// Hits returns the recorded access count for id.
	Hits(ctx context.Context, id string) (uint64, error)

	// Count returns the number of live fragments.
	Count(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}
