package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pierrec/lz4/v4"
)

// snapshotFile is the serialized form of the graph. Nodes are listed
// separately so isolated fragments survive a reload.
type snapshotFile struct {
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

// Save writes the adjacency to path as lz4-compressed JSON. The write
// goes through a temp file and rename so a crash mid-write leaves the
// previous snapshot intact.
func (g *Graph) Save(path string) error {
	g.mu.RLock()
	file := snapshotFile{Nodes: make([]string, 0, len(g.adj))}
	for id, neighbors := range g.adj {
		file.Nodes = append(file.Nodes, id)
		for neighbor, weight := range neighbors {
			if id < neighbor {
				file.Edges = append(file.Edges, Edge{From: id, To: neighbor, Weight: weight})
			}
		}
	}
	g.mu.RUnlock()

	sort.Strings(file.Nodes)
	sort.Slice(file.Edges, func(i, j int) bool {
		if file.Edges[i].From != file.Edges[j].From {
			return file.Edges[i].From < file.Edges[j].From
		}
		return file.Edges[i].To < file.Edges[j].To
	})

	tmp, err := os.CreateTemp(filepath.Dir(path), ".graph-*.tmp")
	if err != nil {
		return fmt.Errorf("create graph snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := lz4.NewWriter(tmp)
	if err := json.NewEncoder(zw).Encode(file); err != nil {
		tmp.Close()
		return fmt.Errorf("encode graph snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("compress graph snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flush graph snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace graph snapshot: %w", err)
	}
	return nil
}

// Load replaces the adjacency with the snapshot at path. A missing
// file leaves the graph empty; that is the normal first-run case.
func (g *Graph) Load(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open graph snapshot: %w", err)
	}
	defer f.Close()

	var file snapshotFile
	if err := json.NewDecoder(lz4.NewReader(f)).Decode(&file); err != nil {
		return fmt.Errorf("decode graph snapshot: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.adj = make(map[string]map[string]float32, len(file.Nodes))
	for _, id := range file.Nodes {
		g.adj[id] = make(map[string]float32)
	}
	for _, e := range file.Edges {
		g.ensureLocked(e.From)
		g.ensureLocked(e.To)
		g.adj[e.From][e.To] = e.Weight
		g.adj[e.To][e.From] = e.Weight
	}
	return nil
}
