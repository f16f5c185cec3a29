// Package embedder defines the engine's boundary with the embedding
// collaborator: text in, fixed-length vector out.
//
// Implementations: mock (testing), onnx (local model, build tag
// `onnx`), or any API-backed embedder supplied by the caller.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Embedder converts text to vector embeddings.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// ErrUnavailable marks a transient collaborator failure: the embedder
// is unreachable. Callers retry with backoff rather than treating it
// as fatal. Implementations wrap it so errors.Is matches.
var ErrUnavailable = errors.New("embedder unavailable")

// Retrying wraps an Embedder with exponential backoff on transient
// failure. Errors other than ErrUnavailable pass through untouched.
type Retrying struct {
	inner    Embedder
	attempts int
	base     time.Duration
	max      time.Duration
	logger   *slog.Logger
}

// NewRetrying builds the wrapper. attempts <= 0 defaults to 4, base
// and max default to 100ms and 5s.
func NewRetrying(inner Embedder, attempts int, base, max time.Duration, logger *slog.Logger) *Retrying {
	if attempts <= 0 {
		attempts = 4
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{
		inner:    inner,
		attempts: attempts,
		base:     base,
		max:      max,
		logger:   logger.With("component", "embedder"),
	}
}

// Embed retries transient failures with jittered exponential backoff.
func (r *Retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	delay := r.base
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		vec, err := r.inner.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		lastErr = err
		if attempt == r.attempts {
			break
		}
		r.logger.Warn("embed failed, backing off",
			"attempt", attempt, "delay", delay, "error", err)
		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > r.max {
			delay = r.max
		}
	}
	return nil, fmt.Errorf("embed after %d attempts: %w", r.attempts, lastErr)
}

// Dimensions returns the wrapped embedder's vector size.
func (r *Retrying) Dimensions() int { return r.inner.Dimensions() }
