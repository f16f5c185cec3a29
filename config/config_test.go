package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/config"
)

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := &config.Config{MinEdgeSimilarity: 0.5}
	cfg.ApplyDefaults()

	require.Equal(t, float32(0.5), cfg.MinEdgeSimilarity)
	require.Equal(t, float32(0.85), cfg.ConsolidationSimilarity)
	require.Equal(t, 512, cfg.HotCacheCapacity)
	require.Equal(t, config.Duration(10*time.Minute), cfg.ConsolidationInterval)
	require.Equal(t, 2, cfg.MaxTraversalHops)
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	cfg.MinEdgeSimilarity = 1.5
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.ConsolidationSimilarity = cfg.MinEdgeSimilarity
	require.Error(t, cfg.Validate(),
		"consolidation threshold equal to edge threshold must be rejected")

	cfg = config.Default()
	cfg.HotCacheCapacity = -1
	require.Error(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	body := `
data_dir: /tmp/engram
min_edge_similarity: 0.7
consolidation_interval: 30s
synonyms:
  deploy: ["release", "ship"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/engram", cfg.DataDir)
	require.Equal(t, float32(0.7), cfg.MinEdgeSimilarity)
	require.Equal(t, 30*time.Second, cfg.ConsolidationInterval.Std())
	require.Equal(t, []string{"release", "ship"}, cfg.Synonyms["deploy"])
	// Unspecified keys fall back to defaults.
	require.Equal(t, float32(0.85), cfg.ConsolidationSimilarity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
