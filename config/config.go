// Package config defines the tunable surface of the engine.
//
// All thresholds are product-specific defaults rather than derived
// constants; operators are expected to validate them empirically.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that additionally unmarshals from YAML
// strings like "10m" or "1h30m".
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or raw nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// MarshalYAML renders the duration in the usual string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds every recognized engine option. The zero value of any
// field is replaced by its default in ApplyDefaults, so partial YAML
// files and partially populated structs both work.
type Config struct {
	// DataDir is the root directory for all persisted state: the
	// fragment store, the warm cache and the graph snapshot.
	DataDir string `yaml:"data_dir"`

	// MinEdgeSimilarity is the minimum cosine similarity for a graph
	// edge. A pair scoring exactly this value gets an edge; strictly
	// below does not.
	MinEdgeSimilarity float32 `yaml:"min_edge_similarity"`

	// ConsolidationSimilarity is the minimum pairwise similarity for
	// fragments to be merged. Must stay above MinEdgeSimilarity so only
	// near-duplicates are merged, not merely related fragments.
	ConsolidationSimilarity float32 `yaml:"consolidation_similarity"`

	// HotCacheCapacity and WarmCacheCapacity are item counts.
	HotCacheCapacity  int `yaml:"hot_cache_capacity"`
	WarmCacheCapacity int `yaml:"warm_cache_capacity"`

	// Consolidation triggers. Any one firing starts a cycle.
	ConsolidationFragmentThreshold  int      `yaml:"consolidation_fragment_threshold"`
	ConsolidationInterval           Duration `yaml:"consolidation_interval"`
	ConsolidationCacheSizeThreshold int64    `yaml:"consolidation_cache_size_threshold"`
	ConsolidationIdleThreshold      Duration `yaml:"consolidation_idle_threshold"`

	// ConsolidationMaxDuration bounds a single cycle. Exceeding it
	// aborts the cycle cleanly via rollback.
	ConsolidationMaxDuration Duration `yaml:"consolidation_max_duration"`

	// MaxTraversalHops bounds graph expansion during retrieval.
	MaxTraversalHops int `yaml:"max_traversal_hops"`

	// EdgeCandidates bounds the candidate set consulted during edge
	// discovery at ingestion.
	EdgeCandidates int `yaml:"edge_candidates"`

	// Synonyms maps a concept to accepted aliases for the concept
	// coverage check on consolidated output.
	Synonyms map[string][]string `yaml:"synonyms"`
}

// Default returns the engine defaults.
func Default() *Config {
	return &Config{
		DataDir:                         "data",
		MinEdgeSimilarity:               0.65,
		ConsolidationSimilarity:         0.85,
		HotCacheCapacity:                512,
		WarmCacheCapacity:               4096,
		ConsolidationFragmentThreshold:  256,
		ConsolidationInterval:           Duration(10 * time.Minute),
		ConsolidationCacheSizeThreshold: 64 << 20,
		ConsolidationIdleThreshold:      Duration(2 * time.Minute),
		ConsolidationMaxDuration:        Duration(5 * time.Minute),
		MaxTraversalHops:                2,
		EdgeCandidates:                  16,
	}
}

// ApplyDefaults fills zero-valued fields from Default.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.MinEdgeSimilarity == 0 {
		c.MinEdgeSimilarity = d.MinEdgeSimilarity
	}
	if c.ConsolidationSimilarity == 0 {
		c.ConsolidationSimilarity = d.ConsolidationSimilarity
	}
	if c.HotCacheCapacity == 0 {
		c.HotCacheCapacity = d.HotCacheCapacity
	}
	if c.WarmCacheCapacity == 0 {
		c.WarmCacheCapacity = d.WarmCacheCapacity
	}
	if c.ConsolidationFragmentThreshold == 0 {
		c.ConsolidationFragmentThreshold = d.ConsolidationFragmentThreshold
	}
	if c.ConsolidationInterval == 0 {
		c.ConsolidationInterval = d.ConsolidationInterval
	}
	if c.ConsolidationCacheSizeThreshold == 0 {
		c.ConsolidationCacheSizeThreshold = d.ConsolidationCacheSizeThreshold
	}
	if c.ConsolidationIdleThreshold == 0 {
		c.ConsolidationIdleThreshold = d.ConsolidationIdleThreshold
	}
	if c.ConsolidationMaxDuration == 0 {
		c.ConsolidationMaxDuration = d.ConsolidationMaxDuration
	}
	if c.MaxTraversalHops == 0 {
		c.MaxTraversalHops = d.MaxTraversalHops
	}
	if c.EdgeCandidates == 0 {
		c.EdgeCandidates = d.EdgeCandidates
	}
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.MinEdgeSimilarity < 0 || c.MinEdgeSimilarity > 1 {
		return fmt.Errorf("min_edge_similarity %v out of [0,1]", c.MinEdgeSimilarity)
	}
	if c.ConsolidationSimilarity < 0 || c.ConsolidationSimilarity > 1 {
		return fmt.Errorf("consolidation_similarity %v out of [0,1]", c.ConsolidationSimilarity)
	}
	if c.ConsolidationSimilarity <= c.MinEdgeSimilarity {
		return fmt.Errorf("consolidation_similarity (%v) must exceed min_edge_similarity (%v)",
			c.ConsolidationSimilarity, c.MinEdgeSimilarity)
	}
	if c.HotCacheCapacity < 0 || c.WarmCacheCapacity < 0 {
		return fmt.Errorf("cache capacities must be non-negative")
	}
	if c.MaxTraversalHops < 0 {
		return fmt.Errorf("max_traversal_hops must be non-negative")
	}
	return nil
}

// Load reads a YAML config file, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
