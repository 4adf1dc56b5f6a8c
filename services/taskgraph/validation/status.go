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
	"slices"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
)

// transitions is the status state machine. CANCELLED is handled
// separately: reachable from every non-COMPLETED state, no way out.
var transitions = map[model.Status][]model.Status{
	model.StatusPending:    {model.StatusInProgress, model.StatusBlocked},
	model.StatusInProgress: {model.StatusCompleted, model.StatusFailed, model.StatusBlocked},
	model.StatusBlocked:    {model.StatusInProgress, model.StatusFailed},
	model.StatusFailed:     {model.StatusInProgress},
	model.StatusCompleted:  {model.StatusInProgress},
	model.StatusCancelled:  nil,
}

// CanTransition reports whether from → to is an edge of the state machine.
// A status is not an edge to itself.
func CanTransition(from, to model.Status) bool {
	if !from.IsValid() || !to.IsValid() || from == to {
		return false
	}
	if to == model.StatusCancelled {
		return from != model.StatusCompleted
	}
	return slices.Contains(transitions[from], to)
}

// ValidateTransition returns INVALID_TRANSITION unless from → to is an edge.
func ValidateTransition(from, to model.Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return model.NewError(model.CodeInvalidTransition,
		fmt.Sprintf("cannot move from %s to %s", from, to))
}

// StatusContext is the neighborhood the propagation rules look at.
type StatusContext struct {
	// Parent is nil for root items.
	Parent *model.Item

	// Children are the current direct children.
	Children []*model.Item

	// Dependencies are the resolved dependency items.
	Dependencies []*model.Item

	// MissingDependencies are declared paths that did not resolve.
	MissingDependencies []string
}

// GatherStatusContext resolves item's parent, children, and dependencies
// through g.
func GatherStatusContext(ctx context.Context, item *model.Item, g model.Graph) (StatusContext, error) {
	var sc StatusContext
	if item.ParentPath != "" {
		parent, err := g.GetItemByPath(ctx, item.ParentPath)
		if err != nil {
			return sc, fmt.Errorf("resolving parent %s: %w", item.ParentPath, err)
		}
		sc.Parent = parent
	}
	children, err := g.ChildrenOf(ctx, item.Path)
	if err != nil {
		return sc, fmt.Errorf("listing children of %s: %w", item.Path, err)
	}
	sc.Children = children
	for _, p := range item.Dependencies {
		dep, err := g.GetItemByPath(ctx, p)
		if err != nil {
			return sc, fmt.Errorf("resolving dependency %s: %w", p, err)
		}
		if dep == nil {
			sc.MissingDependencies = append(sc.MissingDependencies, p)
			continue
		}
		sc.Dependencies = append(sc.Dependencies, dep)
	}
	return sc, nil
}

// CheckPropagation applies the parent, child, and dependency rules to
// item moving to status to.
//
// # Outputs
//
//   - error: PARENT_STATUS_CONFLICT, SUBTASK_STATUS_CONFLICT or
//     DEPENDENCY_STATUS_CONFLICT, nil if every rule holds.
func CheckPropagation(item *model.Item, to model.Status, sc StatusContext) error {
	if p := sc.Parent; p != nil {
		if p.Status == model.StatusFailed && to != model.StatusFailed {
			return model.NewError(model.CodeParentStatusConflict,
				fmt.Sprintf("parent is FAILED; child may only move to FAILED, not %s", to),
				item.Path, p.Path)
		}
		if p.Status == model.StatusBlocked && to == model.StatusInProgress {
			return model.NewError(model.CodeParentStatusConflict,
				"parent is BLOCKED; child may not start",
				item.Path, p.Path)
		}
	}

	if to != model.StatusCompleted {
		return nil
	}

	var open []string
	for _, c := range sc.Children {
		if c.Status != model.StatusCompleted {
			open = append(open, c.Path)
		}
	}
	if len(open) > 0 {
		return model.NewError(model.CodeSubtaskStatusConflict,
			fmt.Sprintf("%d children are not COMPLETED", len(open)),
			append([]string{item.Path}, open...)...)
	}

	open = slices.Clone(sc.MissingDependencies)
	for _, d := range sc.Dependencies {
		if d.Status != model.StatusCompleted {
			open = append(open, d.Path)
		}
	}
	if len(open) > 0 {
		return model.NewError(model.CodeDependencyStatusConflict,
			fmt.Sprintf("%d dependencies are not COMPLETED", len(open)),
			append([]string{item.Path}, open...)...)
	}
	return nil
}

// Resolution is the outcome of status resolution.
type Resolution struct {
	Status model.Status

	// AutoDerived is true when Status came from the dependency graph
	// rather than from the caller's request.
	AutoDerived bool
}

// ResolveStatus computes the status an item should take.
//
// # Description
//
// requested is the caller's requested status, or "" when the caller
// made no explicit request (a settling pass).
//
//   - Any BLOCKED or FAILED dependency forces BLOCKED, unless the request
//     is CANCELLED. When the current status has no edge to BLOCKED
//     (COMPLETED, CANCELLED) the current status is kept.
//   - A BLOCKED item with no explicit request whose dependencies are all
//     present and COMPLETED moves to IN_PROGRESS, the only unblocking edge.
//   - Otherwise the request, or the current status if there is none.
func ResolveStatus(current, requested model.Status, sc StatusContext) Resolution {
	if hasBlockingDependency(sc) && requested != model.StatusCancelled {
		target := model.StatusBlocked
		if current != model.StatusBlocked && !CanTransition(current, model.StatusBlocked) {
			target = current
		}
		return Resolution{
			Status:      target,
			AutoDerived: target != requested && (requested != "" || target != current),
		}
	}

	if requested == "" {
		if current == model.StatusBlocked && dependenciesSatisfied(sc) {
			return Resolution{Status: model.StatusInProgress, AutoDerived: true}
		}
		return Resolution{Status: current}
	}
	return Resolution{Status: requested}
}

// ComputeStatus resolves item's target status from its current graph
// neighborhood with no caller request.
func ComputeStatus(ctx context.Context, item *model.Item, g model.Graph) (Resolution, error) {
	sc, err := GatherStatusContext(ctx, item, g)
	if err != nil {
		return Resolution{}, err
	}
	return ResolveStatus(item.Status, "", sc), nil
}

// ValidateStatusChange runs resolution, the transition table, and the
// propagation rules for item moving from its current status toward
// requested. It returns the resolved status to store.
func ValidateStatusChange(item *model.Item, requested model.Status, sc StatusContext) (Resolution, error) {
	res := ResolveStatus(item.Status, requested, sc)
	if res.Status == item.Status {
		return res, nil
	}
	if !CanTransition(item.Status, res.Status) {
		return res, model.NewError(model.CodeInvalidTransition,
			fmt.Sprintf("cannot move from %s to %s", item.Status, res.Status), item.Path)
	}
	if err := CheckPropagation(item, res.Status, sc); err != nil {
		return res, err
	}
	return res, nil
}

func hasBlockingDependency(sc StatusContext) bool {
	for _, d := range sc.Dependencies {
		if d.Status == model.StatusBlocked || d.Status == model.StatusFailed {
			return true
		}
	}
	return false
}

func dependenciesSatisfied(sc StatusContext) bool {
	if len(sc.Dependencies) == 0 || len(sc.MissingDependencies) > 0 {
		return false
	}
	for _, d := range sc.Dependencies {
		if d.Status != model.StatusCompleted {
			return false
		}
	}
	return true
}
