// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/taskgraph/services/taskgraph/graph"
	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
)

// Mode controls how unresolved dependency paths are treated.
type Mode string

const (
	// ModeStrict fails on any unresolved path.
	ModeStrict Mode = "STRICT"

	// ModeDeferred reports unresolved paths without failing. Used for bulk
	// creation where forward references resolve later in the same batch.
	ModeDeferred Mode = "DEFERRED"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeStrict || m == ModeDeferred
}

// DependencyReport lists how each declared path resolved.
type DependencyReport struct {
	Resolved []string
	Missing  []string
}

// ValidateDependencies resolves every path through lookup.
//
// # Outputs
//
//   - DependencyReport: Always populated, even on failure.
//   - error: MISSING_DEPENDENCIES carrying every unresolved path under
//     ModeStrict; nil under ModeDeferred. Lookup failures are wrapped.
func ValidateDependencies(ctx context.Context, paths []string, lookup model.Lookup, mode Mode) (DependencyReport, error) {
	var report DependencyReport
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		it, err := lookup.GetItemByPath(ctx, p)
		if err != nil {
			return report, fmt.Errorf("resolving dependency %s: %w", p, err)
		}
		if it == nil {
			report.Missing = append(report.Missing, p)
			continue
		}
		report.Resolved = append(report.Resolved, p)
	}
	if len(report.Missing) > 0 && mode != ModeDeferred {
		return report, model.NewError(model.CodeMissingDependencies,
			fmt.Sprintf("%d dependencies do not exist", len(report.Missing)),
			report.Missing...)
	}
	return report, nil
}

// CollectEdges builds the explicit edge set reachable from roots.
//
// # Description
//
// overrides supplies dependency lists that take precedence over lookup,
// typically the candidate list of the item being validated. Every other
// node's dependencies are read once through lookup, which already merges
// durable and staged state. Unresolved nodes contribute no edges.
func CollectEdges(ctx context.Context, roots []string, lookup model.Lookup, overrides graph.Edges) (graph.Edges, error) {
	edges := overrides.Clone()
	queue := make([]string, 0, len(roots))
	seen := make(map[string]struct{})
	for _, r := range roots {
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			queue = append(queue, r)
		}
	}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := queue[0]
		queue = queue[1:]

		deps, ok := edges[node]
		if !ok {
			it, err := lookup.GetItemByPath(ctx, node)
			if err != nil {
				return nil, fmt.Errorf("resolving %s: %w", node, err)
			}
			if it != nil {
				deps = it.Dependencies
				edges.Set(node, deps)
			}
		}
		for _, d := range deps {
			if _, ok := seen[d]; !ok {
				seen[d] = struct{}{}
				queue = append(queue, d)
			}
		}
	}
	return edges, nil
}

// DetectCycle reports whether giving item the candidate dependency list
// would close a cycle.
//
// # Description
//
// Collects the combined edge set once, with candidate replacing whatever
// lookup holds for item, then runs a depth-first search from item.
//
// # Outputs
//
//   - error: CYCLE_DETECTED whose Paths are the offending cycle, which
//     starts and ends at item when item is on it; nil if acyclic.
func DetectCycle(ctx context.Context, item string, candidate []string, lookup model.Lookup) error {
	edges, err := CollectEdges(ctx, []string{item}, lookup, graph.Edges{item: candidate})
	if err != nil {
		return err
	}
	if cycle := graph.FindCycleFrom(edges, item); cycle != nil {
		return cycleError(item, candidate, cycle)
	}
	return nil
}

// SortByDependencies orders items so each follows every dependency that
// is also in the set. Ties keep input order.
//
// # Outputs
//
//   - []*model.Item: Ordered items.
//   - error: CYCLE_DETECTED listing the items that could not be ordered.
func SortByDependencies(items []*model.Item) ([]*model.Item, error) {
	nodes := make([]string, 0, len(items))
	byPath := make(map[string]*model.Item, len(items))
	edges := make(graph.Edges, len(items))
	for _, it := range items {
		if _, dup := byPath[it.Path]; dup {
			continue
		}
		nodes = append(nodes, it.Path)
		byPath[it.Path] = it
		edges[it.Path] = it.Dependencies
	}

	order, remaining := graph.TopoSort(nodes, edges)
	if len(remaining) > 0 {
		msg := "dependency cycle among batch items"
		if cycle := graph.FindCycle(restrict(edges, remaining)); cycle != nil {
			msg = "dependency cycle: " + strings.Join(cycle, " -> ")
		}
		return nil, model.NewError(model.CodeCycleDetected, msg, remaining...)
	}

	out := make([]*model.Item, 0, len(order))
	for _, p := range order {
		out = append(out, byPath[p])
	}
	return out, nil
}

// SortPaths is SortByDependencies returning paths only.
func SortPaths(items []*model.Item) ([]string, error) {
	sorted, err := SortByDependencies(items)
	if err != nil {
		return nil, err
	}
	return model.ChildPaths(sorted), nil
}

func restrict(edges graph.Edges, nodes []string) graph.Edges {
	keep := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		keep[n] = struct{}{}
	}
	out := make(graph.Edges, len(nodes))
	for _, n := range nodes {
		for _, d := range edges[n] {
			if _, ok := keep[d]; ok {
				out[n] = append(out[n], d)
			}
		}
	}
	return out
}

func cycleError(item string, candidate []string, cycle []string) *model.Error {
	return model.NewError(model.CodeCycleDetected,
		fmt.Sprintf("dependencies [%s] of %s close cycle %s",
			strings.Join(candidate, ", "), item, strings.Join(cycle, " -> ")),
		cycle...)
}
