// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation enforces the graph-level rules over items: the
// hierarchy legality table, dependency existence and acyclicity, and the
// status state machine with its parent, child, and dependency
// propagation rules.
//
// Validators are stateless functions. Every read goes through a
// model.Lookup or model.Graph supplied by the caller, so the same code
// validates against durable state, a transaction's combined view, or a
// fixed in-memory map.
package validation

import (
	"context"
	"fmt"
	"slices"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
)

// allowedChildren is the hierarchy legality table.
var allowedChildren = map[model.ItemType][]model.ItemType{
	model.TypeMilestone: {model.TypeTask, model.TypeGroup},
	model.TypeGroup:     {model.TypeTask},
	model.TypeTask:      nil,
}

// Admits reports whether a parent of type parent may hold a child of type child.
func Admits(parent, child model.ItemType) bool {
	return slices.Contains(allowedChildren[parent], child)
}

// ValidateTypes checks the legality table.
//
// # Outputs
//
//   - error: INVALID_HIERARCHY if parent does not admit child.
func ValidateTypes(parent, child model.ItemType) error {
	if Admits(parent, child) {
		return nil
	}
	return model.NewError(model.CodeInvalidHierarchy,
		fmt.Sprintf("%s cannot contain %s", parent, child))
}

// ValidateParentChild checks item against the parent at parentPath.
//
// # Description
//
// Resolves the parent through lookup, then applies the legality table,
// then requires item.Path to be parentPath plus exactly one segment.
// An empty parentPath means a root item and always passes.
//
// # Outputs
//
//   - error: PARENT_NOT_FOUND, INVALID_HIERARCHY, INVALID_PATH_HIERARCHY,
//     or a wrapped lookup failure.
func ValidateParentChild(ctx context.Context, item *model.Item, parentPath string, lookup model.Lookup) error {
	if parentPath == "" {
		return nil
	}
	parent, err := lookup.GetItemByPath(ctx, parentPath)
	if err != nil {
		return fmt.Errorf("resolving parent %s: %w", parentPath, err)
	}
	if parent == nil {
		return model.NewError(model.CodeParentNotFound, "parent does not exist", item.Path, parentPath)
	}
	if !Admits(parent.Type, item.Type) {
		return model.NewError(model.CodeInvalidHierarchy,
			fmt.Sprintf("%s parent cannot contain %s", parent.Type, item.Type),
			item.Path, parentPath)
	}
	if !model.IsDirectChild(parentPath, item.Path) {
		return model.NewError(model.CodeInvalidPathHierarchy,
			"child path must be parent path plus one segment",
			item.Path, parentPath)
	}
	return nil
}

// ValidateTypeChange rejects changing item to newType when newType does
// not admit every one of its existing children.
func ValidateTypeChange(item *model.Item, newType model.ItemType, children []*model.Item) error {
	if item.Type == newType {
		return nil
	}
	var orphaned []string
	for _, c := range children {
		if !Admits(newType, c.Type) {
			orphaned = append(orphaned, c.Path)
		}
	}
	if len(orphaned) == 0 {
		return nil
	}
	return model.NewError(model.CodeInvalidTypeChange,
		fmt.Sprintf("%s cannot become %s while holding %d incompatible children", item.Path, newType, len(orphaned)),
		append([]string{item.Path}, orphaned...)...)
}
