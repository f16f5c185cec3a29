// Package graph maintains the weighted association graph between
// fragments. Nodes are fragment IDs, edges carry the cosine similarity
// measured when the association was formed, and traversal scores paths
// by their weakest edge so one strong link cannot mask a tenuous chain.
package graph

import (
	"container/heap"
	"sort"
	"sync"
)

// Edge is one undirected association between two fragments.
type Edge struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float32 `json:"weight"`
}

// Related is a fragment reached by traversal from some origin.
// Similarity is the path similarity: the minimum edge weight along the
// best path found.
type Related struct {
	ID         string
	Similarity float32
	Hops       int
}

// Graph is a thread-safe undirected weighted graph over fragment IDs.
type Graph struct {
	minWeight float32

	mu  sync.RWMutex
	adj map[string]map[string]float32
}

// New creates an empty graph. Edges below minWeight are rejected at
// Connect; the boundary itself is accepted.
func New(minWeight float32) *Graph {
	return &Graph{
		minWeight: minWeight,
		adj:       make(map[string]map[string]float32),
	}
}

// AddFragment registers id as a node. Adding an existing node is a
// no-op; its edges are untouched.
func (g *Graph) AddFragment(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureLocked(id)
}

// Connect records an association between two fragments. Weights below
// the graph's minimum, self-edges, and empty IDs are ignored.
// Reconnecting an existing pair keeps the higher weight, so repeated
// discovery of the same association never weakens it.
func (g *Graph) Connect(from, to string, weight float32) {
	if from == "" || to == "" || from == to || weight < g.minWeight {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureLocked(from)
	g.ensureLocked(to)
	if prev, ok := g.adj[from][to]; ok && prev >= weight {
		return
	}
	g.adj[from][to] = weight
	g.adj[to][from] = weight
}

// RemoveFragment deletes id and every edge incident to it. Removing an
// unknown id is a no-op.
func (g *Graph) RemoveFragment(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for neighbor := range g.adj[id] {
		delete(g.adj[neighbor], id)
	}
	delete(g.adj, id)
}

// Contains reports whether id is a node.
func (g *Graph) Contains(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.adj[id]
	return ok
}

// Neighbors returns the direct edges of id, strongest first.
func (g *Graph) Neighbors(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := make([]Edge, 0, len(g.adj[id]))
	for neighbor, weight := range g.adj[id] {
		edges = append(edges, Edge{From: id, To: neighbor, Weight: weight})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Weight != edges[j].Weight {
			return edges[i].Weight > edges[j].Weight
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adj)
}

// EdgeCount returns the number of undirected edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, neighbors := range g.adj {
		n += len(neighbors)
	}
	return n / 2
}

// FindRelated traverses outward from id up to maxHops, scoring each
// reachable fragment by the minimum edge weight along its best path
// and dropping anything below minSimilarity. Results are ordered by
// descending path similarity, then ascending hops, then ID. An unknown
// or isolated origin yields an empty result.
func (g *Graph) FindRelated(id string, minSimilarity float32, maxHops int) []Related {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if maxHops <= 0 {
		return nil
	}
	if _, ok := g.adj[id]; !ok {
		return nil
	}

	// Best-first over path similarity. With a hop bound, a weaker but
	// shorter path can still reach nodes a stronger long path cannot,
	// so per-node state keeps every non-dominated (similarity, hops)
	// pair instead of a single best value.
	best := map[string][]pathState{id: {{similarity: 1, hops: 0}}}
	frontier := &stateQueue{{id: id, similarity: 1, hops: 0}}
	reached := make(map[string]Related)

	for frontier.Len() > 0 {
		cur := heap.Pop(frontier).(nodeState)
		if cur.hops >= maxHops {
			continue
		}
		for neighbor, weight := range g.adj[cur.id] {
			sim := cur.similarity
			if weight < sim {
				sim = weight
			}
			if sim < minSimilarity {
				continue
			}
			next := nodeState{id: neighbor, similarity: sim, hops: cur.hops + 1}
			if neighbor != id {
				prev, seen := reached[neighbor]
				if !seen || sim > prev.Similarity ||
					(sim == prev.Similarity && next.hops < prev.Hops) {
					reached[neighbor] = Related{ID: neighbor, Similarity: sim, Hops: next.hops}
				}
			}
			if dominated(best[neighbor], next) {
				continue
			}
			best[neighbor] = append(best[neighbor], pathState{similarity: sim, hops: next.hops})
			heap.Push(frontier, next)
		}
	}

	results := make([]Related, 0, len(reached))
	for _, r := range reached {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if results[i].Hops != results[j].Hops {
			return results[i].Hops < results[j].Hops
		}
		return results[i].ID < results[j].ID
	})
	return results
}

// Rewire re-points the edges of consolidated source fragments onto
// their replacement. For each neighbor the maximum prior weight wins;
// edges that would connect a replacement to itself (or to another
// replaced source) are dropped along with the source nodes.
func (g *Graph) Rewire(replacements map[string]string) {
	if len(replacements) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for old, next := range replacements {
		g.ensureLocked(next)
		for neighbor, weight := range g.adj[old] {
			target := neighbor
			if repl, ok := replacements[neighbor]; ok {
				target = repl
			}
			if target == next {
				continue
			}
			g.ensureLocked(target)
			if prev, ok := g.adj[next][target]; !ok || weight > prev {
				g.adj[next][target] = weight
				g.adj[target][next] = weight
			}
		}
	}
	for old := range replacements {
		for neighbor := range g.adj[old] {
			delete(g.adj[neighbor], old)
		}
		delete(g.adj, old)
	}
}

// Snapshot returns a deep copy of the adjacency for later Restore.
func (g *Graph) Snapshot() map[string]map[string]float32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap := make(map[string]map[string]float32, len(g.adj))
	for id, neighbors := range g.adj {
		copied := make(map[string]float32, len(neighbors))
		for n, w := range neighbors {
			copied[n] = w
		}
		snap[id] = copied
	}
	return snap
}

// Restore replaces the adjacency with a snapshot taken earlier. The
// snapshot is copied, so the caller may reuse it.
func (g *Graph) Restore(snap map[string]map[string]float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adj = make(map[string]map[string]float32, len(snap))
	for id, neighbors := range snap {
		copied := make(map[string]float32, len(neighbors))
		for n, w := range neighbors {
			copied[n] = w
		}
		g.adj[id] = copied
	}
}

func (g *Graph) ensureLocked(id string) {
	if _, ok := g.adj[id]; !ok {
		g.adj[id] = make(map[string]float32)
	}
}

func dominated(states []pathState, next nodeState) bool {
	for _, s := range states {
		if s.similarity >= next.similarity && s.hops <= next.hops {
			return true
		}
	}
	return false
}

type pathState struct {
	similarity float32
	hops       int
}

type nodeState struct {
	id         string
	similarity float32
	hops       int
}

type stateQueue []nodeState

func (q stateQueue) Len() int { return len(q) }
func (q stateQueue) Less(i, j int) bool {
	if q[i].similarity != q[j].similarity {
		return q[i].similarity > q[j].similarity
	}
	return q[i].hops < q[j].hops
}
func (q stateQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *stateQueue) Push(x interface{}) { *q = append(*q, x.(nodeState)) }
func (q *stateQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
