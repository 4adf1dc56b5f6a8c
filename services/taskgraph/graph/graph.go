// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph holds pure dependency-graph algorithms over an explicit
// edge set. Nothing here touches a store: callers assemble the combined
// durable, staged, and candidate edges once and pass them in.
package graph

import (
	"container/heap"
	"slices"
	"sort"
)

// Edges maps a node to the nodes it depends on, in declaration order.
type Edges map[string][]string

// Clone returns a copy whose adjacency slices are independent of e.
func (e Edges) Clone() Edges {
	out := make(Edges, len(e))
	for k, v := range e {
		out[k] = slices.Clone(v)
	}
	return out
}

// Set replaces the dependencies of node.
func (e Edges) Set(node string, deps []string) {
	e[node] = slices.Clone(deps)
}

// Nodes returns every node that appears as a key or as a dependency,
// sorted for determinism.
func (e Edges) Nodes() []string {
	seen := make(map[string]struct{}, len(e))
	for k, deps := range e {
		seen[k] = struct{}{}
		for _, d := range deps {
			seen[d] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FindCycleFrom runs a depth-first search from start and returns the first
// cycle reachable from it as [n0, n1, ..., n0], or nil.
//
// # Description
//
// Tracks a visiting set (nodes on the current DFS stack) and a visited set
// (nodes fully explored). An edge into the visiting set is a back-edge and
// closes a cycle. Neighbors are explored in declaration order, so the
// reported cycle is stable for a given input.
//
// # Thread Safety
//
// Pure function; safe for concurrent use as long as edges is not mutated.
func FindCycleFrom(edges Edges, start string) []string {
	d := newDFS(edges)
	return d.run(start)
}

// FindCycle searches every node, in sorted order, and returns the first
// cycle found or nil.
func FindCycle(edges Edges) []string {
	d := newDFS(edges)
	for _, n := range edges.Nodes() {
		if _, done := d.visited[n]; done {
			continue
		}
		if c := d.run(n); c != nil {
			return c
		}
	}
	return nil
}

// HasCycle reports whether edges contain any cycle.
func HasCycle(edges Edges) bool {
	return FindCycle(edges) != nil
}

type dfs struct {
	edges    Edges
	visiting map[string]struct{}
	visited  map[string]struct{}
	stack    []string
}

func newDFS(edges Edges) *dfs {
	return &dfs{
		edges:    edges,
		visiting: make(map[string]struct{}),
		visited:  make(map[string]struct{}),
	}
}

func (d *dfs) run(node string) []string {
	if _, ok := d.visiting[node]; ok {
		i := slices.Index(d.stack, node)
		cycle := slices.Clone(d.stack[i:])
		return append(cycle, node)
	}
	if _, ok := d.visited[node]; ok {
		return nil
	}

	d.visiting[node] = struct{}{}
	d.stack = append(d.stack, node)
	for _, dep := range d.edges[node] {
		if c := d.run(dep); c != nil {
			return c
		}
	}
	d.stack = d.stack[:len(d.stack)-1]
	delete(d.visiting, node)
	d.visited[node] = struct{}{}
	return nil
}

// TopoSort orders nodes so every node follows all of its dependencies.
//
// # Description
//
// Kahn's algorithm. Edges point from dependency to dependent; only edges
// between members of nodes are considered, so references to items outside
// the set impose no ordering. Among ready nodes the earliest in the input
// wins, so the result is deterministic.
//
// # Outputs
//
//   - []string: Emitted order. Shorter than nodes when a cycle exists.
//   - []string: Nodes left unemitted (on or behind a cycle), in input order.
func TopoSort(nodes []string, edges Edges) ([]string, []string) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, dup := index[n]; !dup {
			index[n] = i
		}
	}

	indeg := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i, n := range nodes {
		if index[n] != i {
			continue
		}
		seen := make(map[int]struct{})
		for _, dep := range edges[n] {
			j, ok := index[dep]
			if !ok {
				continue
			}
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			indeg[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ready := &indexHeap{}
	for i, n := range nodes {
		if index[n] == i && indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]string, 0, len(index))
	emitted := make([]bool, len(nodes))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		emitted[i] = true
		order = append(order, nodes[i])
		for _, j := range dependents[i] {
			indeg[j]--
			if indeg[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}

	var remaining []string
	for i, n := range nodes {
		if index[n] == i && !emitted[i] {
			remaining = append(remaining, n)
		}
	}
	return order, remaining
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
