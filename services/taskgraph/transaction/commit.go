// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/AleutianAI/taskgraph/services/taskgraph/graph"
	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/validation"
)

// commitSafely runs commit, converting a panic into TRANSACTION_ERROR.
func (m *Manager) commitSafely(ctx context.Context, intents []*Intent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic during commit", "panic", r)
			err = model.NewError(model.CodeTransactionError, fmt.Sprintf("commit panicked: %v", r))
		}
	}()
	return m.commit(ctx, intents)
}

// commit is the two-phase apply. Phase one re-validates intents against
// the durable state read under the commit lock. Phase two writes.
func (m *Manager) commit(ctx context.Context, intents []*Intent) error {
	if len(intents) == 0 {
		return nil
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	durable, err := m.store.ListItems(ctx)
	if err != nil {
		return model.NewError(model.CodeTransactionError, "reading durable state").WithCause(err)
	}
	final := model.NewMapGraph(durable...)
	prior := make(map[string]*model.Item, len(intents))
	for _, in := range intents {
		prior[in.Item.Path] = final[in.Item.Path]
	}

	if err := checkVersions(intents, final); err != nil {
		return err
	}
	for _, in := range intents {
		if in.Op == OpDelete {
			delete(final, in.Item.Path)
		} else {
			final[in.Item.Path] = in.Item
		}
	}
	if err := verifyGraph(ctx, intents, final); err != nil {
		return err
	}

	return m.apply(ctx, applyOrder(intents), prior)
}

// checkVersions fails with STALE_VERSION listing every intent whose
// durable target moved since it was staged.
func checkVersions(intents []*Intent, durable model.MapGraph) error {
	var stale, details []string
	for _, in := range intents {
		path := in.Item.Path
		cur := durable[path]
		switch {
		case in.Op == OpCreate && cur != nil:
			stale = append(stale, path)
			details = append(details, path+" was created by another scope")
		case in.Op != OpCreate && cur == nil:
			stale = append(stale, path)
			details = append(details, path+" was deleted by another scope")
		case in.Op != OpCreate && cur.Version != in.Base.Version:
			stale = append(stale, path)
			details = append(details, fmt.Sprintf("%s staged at version %d, durable is %d",
				path, in.Base.Version, cur.Version))
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return model.NewError(model.CodeStaleVersion, strings.Join(details, "; "), stale...)
}

// verifyGraph re-checks structural rules over the post-commit graph.
// Dependencies are always STRICT here, whatever mode they were staged in.
func verifyGraph(ctx context.Context, intents []*Intent, final model.MapGraph) error {
	for _, in := range intents {
		it := in.Item
		if in.Op == OpDelete {
			if refs := referrers(final, it.Path); len(refs) > 0 {
				return model.NewError(model.CodeInvalidOperation,
					"deleted item is still referenced",
					append([]string{it.Path}, refs...)...)
			}
			continue
		}
		if err := validation.ValidateParentChild(ctx, it, it.ParentPath, final); err != nil {
			return err
		}
		if _, err := validation.ValidateDependencies(ctx, it.Dependencies, final, validation.ModeStrict); err != nil {
			return err
		}
	}

	edges := make(graph.Edges, len(final))
	for p, it := range final {
		edges.Set(p, it.Dependencies)
	}
	for _, in := range intents {
		if in.Op == OpDelete {
			continue
		}
		if cycle := graph.FindCycleFrom(edges, in.Item.Path); cycle != nil {
			return model.NewError(model.CodeCycleDetected,
				"dependency cycle: "+strings.Join(cycle, " -> "), cycle...)
		}
	}

	return verifyStatuses(ctx, intents, final)
}

// verifyStatuses keeps COMPLETED items consistent: every child and
// dependency of a newly COMPLETED item is COMPLETED, no touched item is
// left open under a COMPLETED parent, and no reopened item has COMPLETED
// dependents.
func verifyStatuses(ctx context.Context, intents []*Intent, final model.MapGraph) error {
	for _, in := range intents {
		if in.Op == OpDelete {
			continue
		}
		it := in.Item
		if p := final[it.ParentPath]; p != nil && p.Status == model.StatusCompleted &&
			it.Status != model.StatusCompleted && (in.Base == nil || in.Base.Status != it.Status) {
			return model.NewError(model.CodeSubtaskStatusConflict,
				"item is not COMPLETED but its parent is", it.Path, p.Path)
		}
		if in.Base != nil && in.Base.Status == model.StatusCompleted && it.Status != model.StatusCompleted {
			var all []*model.Item
			for _, other := range final {
				all = append(all, other)
			}
			if deps := completedDependents(all, it.Path); len(deps) > 0 {
				return model.NewError(model.CodeDependencyStatusConflict,
					"item was reopened but COMPLETED items depend on it",
					append([]string{it.Path}, deps...)...)
			}
		}
		if it.Status != model.StatusCompleted || (in.Base != nil && in.Base.Status == model.StatusCompleted) {
			continue
		}
		sc, err := validation.GatherStatusContext(ctx, it, final)
		if err != nil {
			return err
		}
		if err := validation.CheckPropagation(it, model.StatusCompleted, sc); err != nil {
			return err
		}
	}
	return nil
}

// completedDependents returns the sorted paths of COMPLETED items that
// depend on path.
func completedDependents(items []*model.Item, path string) []string {
	var out []string
	for _, it := range items {
		if it.Status == model.StatusCompleted && it.DependsOn(path) {
			out = append(out, it.Path)
		}
	}
	sort.Strings(out)
	return out
}

func referrers(g model.MapGraph, path string) []string {
	var out []string
	for p, it := range g {
		if it.ParentPath == path || it.DependsOn(path) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// applyOrder puts creates and updates first, parents and dependencies
// before the items that need them, then deletes with dependents and
// children first.
func applyOrder(intents []*Intent) []*Intent {
	var writes, deletes []string
	byPath := make(map[string]*Intent, len(intents))
	edges := make(graph.Edges, len(intents))
	for _, in := range intents {
		p := in.Item.Path
		byPath[p] = in
		needs := slices.Clone(in.Item.Dependencies)
		if in.Item.ParentPath != "" {
			needs = append(needs, in.Item.ParentPath)
		}
		edges[p] = needs
		if in.Op == OpDelete {
			deletes = append(deletes, p)
		} else {
			writes = append(writes, p)
		}
	}

	order, rest := graph.TopoSort(writes, edges)
	order = append(order, rest...)
	delOrder, delRest := graph.TopoSort(deletes, edges)
	delOrder = append(delOrder, delRest...)
	slices.Reverse(delOrder)

	out := make([]*Intent, 0, len(intents))
	for _, p := range append(order, delOrder...) {
		out = append(out, byPath[p])
	}
	return out
}

// apply performs the writes. On the first failure it compensates what
// was already applied and reports the paths it could not restore.
func (m *Manager) apply(ctx context.Context, ordered []*Intent, prior map[string]*model.Item) error {
	applied := make([]*Intent, 0, len(ordered))
	for _, in := range ordered {
		path := in.Item.Path
		opCtx, span := m.tracer.StartApply(ctx, in.Op, path)
		var err error
		if in.Op == OpDelete {
			err = m.store.DeleteItem(opCtx, path)
		} else {
			err = m.store.WriteItem(opCtx, in.Item)
		}
		m.tracer.End(span, err)
		m.reader.Forget(path)

		if err != nil {
			lost := m.compensate(ctx, applied, prior)
			msg := fmt.Sprintf("%s of %s failed; reverted %d of %d applied changes",
				in.Op, path, len(applied)-len(lost), len(applied))
			m.logger.Error("commit write failed",
				"op", in.Op,
				"path", path,
				"applied", len(applied),
				"indeterminate", lost,
				"error", err)
			return model.NewError(model.CodeTransactionError, msg, lost...).WithCause(err)
		}
		applied = append(applied, in)
	}
	return nil
}

// compensate undoes applied in reverse order: created items are deleted,
// updated and deleted items are rewritten from their prior snapshot.
// Returns the paths that could not be restored.
func (m *Manager) compensate(ctx context.Context, applied []*Intent, prior map[string]*model.Item) []string {
	ctx = context.WithoutCancel(ctx)
	var lost []string
	for i := len(applied) - 1; i >= 0; i-- {
		path := applied[i].Item.Path
		var err error
		if p := prior[path]; p == nil {
			err = m.store.DeleteItem(ctx, path)
		} else {
			err = m.store.WriteItem(ctx, p)
		}
		m.reader.Forget(path)
		recordCompensation(ctx, err == nil)
		if err != nil {
			m.logger.Error("compensation failed", "path", path, "error", err)
			lost = append(lost, path)
		}
	}
	sort.Strings(lost)
	return lost
}
