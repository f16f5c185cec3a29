package engram

import (
	"log/slog"

	"github.com/engramdb/engram/compressor"
	"github.com/engramdb/engram/embedder"
)

type options struct {
	embedder    embedder.Embedder
	synthesizer compressor.Synthesizer
	logger      *slog.Logger
	inMemory    bool
}

// Option customizes engine construction.
type Option func(*options)

// WithEmbedder sets the embedder used for ingestion and queries. The
// engine wraps it with retry behavior; implementations only need to
// return embedder.ErrUnavailable for failures worth retrying.
func WithEmbedder(e embedder.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithSynthesizer sets the collaborator that merges fragment clusters
// during consolidation, e.g. compressor.NewAnthropicSynthesizer.
// Without it consolidation falls back to rule-based merging.
func WithSynthesizer(s compressor.Synthesizer) Option {
	return func(o *options) { o.synthesizer = s }
}

// WithLogger sets the structured logger for every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithInMemoryStore keeps the fragment store off disk. Intended for
// tests; durability and crash recovery are gone with it.
func WithInMemoryStore() Option {
	return func(o *options) { o.inMemory = true }
}
