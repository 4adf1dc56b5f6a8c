// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package batch

import (
	"context"
	"fmt"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/validation"
)

// DependencyAwareProcessor turns a flat status batch into a settling
// pass over the dependency graph.
//
// # Description
//
// Items are ordered with validation.SortByDependencies, then each item's
// target status is computed with validation.ComputeStatus. Computed
// statuses are visible to later items in the same pass, so a FAILED item
// blocks its whole downstream chain at once. Only items whose computed
// status differs from their current one are forwarded to the operation,
// with Status set to the target.
//
// # Thread Safety
//
// Safe for concurrent use if the graph is.
type DependencyAwareProcessor struct {
	base  *Processor
	graph model.Graph
}

// NewDependencyAware wraps base. Statuses are computed against g.
func NewDependencyAware(base *Processor, g model.Graph) *DependencyAwareProcessor {
	return &DependencyAwareProcessor{base: base, graph: g}
}

// Plan returns the items that would be forwarded, in dependency order,
// with their target status set.
//
// # Outputs
//
//   - []*model.Item: Changed items.
//   - int: Items left unchanged.
//   - error: CYCLE_DETECTED if items cannot be ordered, or a graph
//     read failure.
func (d *DependencyAwareProcessor) Plan(ctx context.Context, items []*model.Item) ([]*model.Item, int, error) {
	sorted, err := validation.SortByDependencies(items)
	if err != nil {
		return nil, 0, err
	}
	view := newOverlay(d.graph)
	var changed []*model.Item
	for _, it := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		res, err := validation.ComputeStatus(ctx, it, view)
		if err != nil {
			return nil, 0, fmt.Errorf("computing status of %s: %w", it.Path, err)
		}
		if res.Status == it.Status {
			view.set(it)
			continue
		}
		next := it.Clone()
		next.Status = res.Status
		view.set(next)
		changed = append(changed, next)
	}
	return changed, len(sorted) - len(changed), nil
}

// ProcessInBatches plans, then forwards the changed items to the base
// processor.
func (d *DependencyAwareProcessor) ProcessInBatches(ctx context.Context, items []*model.Item, batchSize int, op Operation) (*Result, error) {
	changed, unchanged, err := d.Plan(ctx, items)
	if err != nil {
		return nil, err
	}
	d.base.logger.Debug("settling plan",
		"items", len(items),
		"changed", len(changed),
		"unchanged", unchanged)

	if len(changed) == 0 {
		return &Result{UnchangedCount: unchanged}, nil
	}
	res, err := d.base.ProcessInBatches(ctx, changed, batchSize, op)
	if res != nil {
		res.UnchangedCount = unchanged
	}
	return res, err
}

// overlay is a graph with locally recomputed items on top.
type overlay struct {
	base  model.Graph
	items map[string]*model.Item
}

func newOverlay(base model.Graph) *overlay {
	return &overlay{base: base, items: make(map[string]*model.Item)}
}

func (o *overlay) set(it *model.Item) {
	o.items[it.Path] = it
}

func (o *overlay) GetItemByPath(ctx context.Context, path string) (*model.Item, error) {
	if it, ok := o.items[path]; ok {
		return it, nil
	}
	return o.base.GetItemByPath(ctx, path)
}

func (o *overlay) ChildrenOf(ctx context.Context, path string) ([]*model.Item, error) {
	children, err := o.base.ChildrenOf(ctx, path)
	if err != nil {
		return nil, err
	}
	for i, c := range children {
		if it, ok := o.items[c.Path]; ok {
			children[i] = it
		}
	}
	return children, nil
}
