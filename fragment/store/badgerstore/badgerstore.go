// Package badgerstore implements fragment.Store on BadgerDB.
//
// Layout: `f/<id>` holds the current JSON-encoded fragment, `l/<seq>`
// the append-only log, `h/<id>` an access counter. A Put writes the
// fragment and its log record in one transaction, so a fragment is
// either fully visible or not visible at all.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/engramdb/engram/fragment"
	"github.com/engramdb/engram/internal/vecmath"
)

const (
	prefixFragment = "f/"
	prefixLog      = "l/"
	prefixHits     = "h/"
	prefixJournal  = "j/"
	seqKey         = "seq/log"
)

// Options configures a Store.
type Options struct {
	// Path is the directory for the database. Ignored when InMemory.
	Path string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// SyncWrites makes every commit durable before returning.
	SyncWrites bool

	// Logger receives store events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a fragment.Store backed by BadgerDB.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
}

var _ fragment.Store = (*Store)(nil)

// Open opens or creates the store.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("badgerstore: path is required for a persistent store")
		}
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites).WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, &fragment.StorageError{Op: "open", Err: err}
	}
	seq, err := db.GetSequence([]byte(seqKey), 64)
	if err != nil {
		_ = db.Close()
		return nil, &fragment.StorageError{Op: "open", Err: err}
	}
	return &Store{db: db, seq: seq, logger: opts.Logger.With("component", "store")}, nil
}

// Put persists a new fragment. The embedding is copied so callers keep
// ownership of their slice.
func (s *Store) Put(ctx context.Context, content string, concepts []string, embedding []float32) (*fragment.Fragment, error) {
	frag := &fragment.Fragment{
		ID:        uuid.New().String(),
		Content:   content,
		Embedding: vecmath.Clone(embedding),
		Concepts:  fragment.NormalizeConcepts(concepts),
		CreatedAt: time.Now().UTC(),
		Tier:      fragment.TierCold,
	}
	if err := s.PutFragment(ctx, frag); err != nil {
		return nil, err
	}
	return frag, nil
}

// PutFragment persists frag verbatim, keeping its id.
func (s *Store) PutFragment(ctx context.Context, frag *fragment.Fragment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(frag)
	if err != nil {
		return &fragment.StorageError{Op: "put", Err: err}
	}
	rec, err := s.logRecord(fragment.LogPut, frag.ID, frag)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixFragment+frag.ID), data); err != nil {
			return err
		}
		return txn.Set(logKey(rec.Seq), mustJSON(rec))
	})
	if err != nil {
		return &fragment.StorageError{Op: "put", Err: err}
	}
	s.logger.Debug("fragment stored", "id", frag.ID, "concepts", len(frag.Concepts))
	return nil
}

// Get returns the fragment or fragment.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*fragment.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var frag fragment.Fragment
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixFragment + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &frag)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fragment.ErrNotFound
	}
	if err != nil {
		return nil, &fragment.StorageError{Op: "get", Err: err}
	}
	return &frag, nil
}

// Delete removes the fragment and appends a tombstone. The tombstone
// keeps the store's log replayable during rollback.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := s.logRecord(fragment.LogDelete, id, nil)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixFragment + id)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixFragment + id)); err != nil {
			return err
		}
		return txn.Set(logKey(rec.Seq), mustJSON(rec))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fragment.ErrNotFound
	}
	if err != nil {
		return &fragment.StorageError{Op: "delete", Err: err}
	}
	return nil
}

// ListSince returns fragments created at or after t, oldest first.
func (s *Store) ListSince(ctx context.Context, t time.Time) ([]*fragment.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*fragment.Fragment
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixFragment)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var frag fragment.Fragment
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &frag)
			})
			if err != nil {
				return err
			}
			if frag.CreatedAt.Before(t) {
				continue
			}
			out = append(out, &frag)
		}
		return nil
	})
	if err != nil {
		return nil, &fragment.StorageError{Op: "list", Err: err}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Restore reinserts the most recent logged version of id. The log is
// scanned newest-first so a delete/put/delete history resolves to the
// last content the fragment had.
func (s *Store) Restore(ctx context.Context, id string) (*fragment.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var found *fragment.Fragment
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// Reverse iteration starts past the last log key.
		for it.Seek([]byte(prefixLog + "\xff")); it.ValidForPrefix([]byte(prefixLog)); it.Next() {
			var rec fragment.LogRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			if rec.ID == id && rec.Op == fragment.LogPut && rec.Fragment != nil {
				found = rec.Fragment
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, &fragment.StorageError{Op: "restore", Err: err}
	}
	if found == nil {
		return nil, fragment.ErrNotFound
	}
	if err := s.PutFragment(ctx, found); err != nil {
		return nil, err
	}
	s.logger.Info("fragment restored from log", "id", id)
	return found, nil
}

// Touch bumps the access counter for id.
func (s *Store) Touch(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		var n uint64
		item, err := txn.Get([]byte(prefixHits + id))
		if err == nil {
			err = item.Value(func(val []byte) error {
				if len(val) == 8 {
					n = binary.BigEndian.Uint64(val)
				}
				return nil
			})
			if err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, n+1)
		return txn.Set([]byte(prefixHits+id), buf)
	})
	if err != nil {
		return &fragment.StorageError{Op: "touch", Err: err}
	}
	return nil
}

// Hits returns the access count for id, zero when never touched.
func (s *Store) Hits(ctx context.Context, id string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixHits + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				n = binary.BigEndian.Uint64(val)
			}
			return nil
		})
	})
	if err != nil {
		return 0, &fragment.StorageError{Op: "hits", Err: err}
	}
	return n, nil
}

// Count returns the number of live fragments.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(prefixFragment)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, &fragment.StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// JournalPut persists a crash-recovery record under key. Consolidation
// uses it to journal in-flight jobs; records never outlive a cycle.
func (s *Store) JournalPut(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixJournal+key), payload)
	})
	if err != nil {
		return &fragment.StorageError{Op: "journal", Err: err}
	}
	return nil
}

// JournalGet returns a crash-recovery record, or fragment.ErrNotFound.
func (s *Store) JournalGet(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixJournal + key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fragment.ErrNotFound
	}
	if err != nil {
		return nil, &fragment.StorageError{Op: "journal", Err: err}
	}
	return out, nil
}

// JournalDelete clears a crash-recovery record.
func (s *Store) JournalDelete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixJournal + key))
	})
	if err != nil {
		return &fragment.StorageError{Op: "journal", Err: err}
	}
	return nil
}

// Close releases the sequence lease and the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("release sequence", "error", err)
	}
	return s.db.Close()
}

func (s *Store) logRecord(op fragment.LogOp, id string, frag *fragment.Fragment) (*fragment.LogRecord, error) {
	n, err := s.seq.Next()
	if err != nil {
		return nil, &fragment.StorageError{Op: "sequence", Err: err}
	}
	rec := &fragment.LogRecord{
		Seq: n,
		Op:  op,
		ID:  id,
		At:  time.Now().UTC(),
	}
	if frag != nil {
		rec.Fragment = frag
		rec.Hash = frag.ContentHash()
	}
	return rec, nil
}

func logKey(seq uint64) []byte {
	key := make([]byte, len(prefixLog)+8)
	copy(key, prefixLog)
	binary.BigEndian.PutUint64(key[len(prefixLog):], seq)
	return key
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// LogRecord and Fragment contain only marshalable fields.
		panic(err)
	}
	return data
}
