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

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage"
)

// view is durable state with one scope's intents layered on top. It is
// only used while the scope's mutex is held.
type view struct {
	s *Scope
}

func (s *Scope) view() view {
	return view{s: s}
}

var _ model.Graph = view{}

// GetItemByPath returns the staged item, nil for a staged delete, or the
// durable item.
func (v view) GetItemByPath(ctx context.Context, path string) (*model.Item, error) {
	if in, ok := v.s.intents[path]; ok {
		if in.Op == OpDelete {
			return nil, nil
		}
		return in.Item.Clone(), nil
	}
	return v.s.mgr.reader.GetItemByPath(ctx, path)
}

// ChildrenOf merges durable children with staged creates, updates, and
// deletes under path.
func (v view) ChildrenOf(ctx context.Context, path string) ([]*model.Item, error) {
	durable, err := v.s.mgr.reader.ChildrenOf(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", path, err)
	}
	return v.overlay(durable, func(it *model.Item) bool { return it.ParentPath == path }), nil
}

// ListItems returns every item visible to the scope, sorted by path.
func (v view) ListItems(ctx context.Context) ([]*model.Item, error) {
	durable, err := v.s.mgr.store.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return v.overlay(durable, func(*model.Item) bool { return true }), nil
}

// overlay applies the scope's intents to durable, keeping staged items
// that satisfy keep.
func (v view) overlay(durable []*model.Item, keep func(*model.Item) bool) []*model.Item {
	out := make([]*model.Item, 0, len(durable))
	seen := make(map[string]struct{}, len(durable))
	for _, it := range durable {
		seen[it.Path] = struct{}{}
		in, ok := v.s.intents[it.Path]
		switch {
		case !ok:
			out = append(out, it)
		case in.Op != OpDelete && keep(in.Item):
			out = append(out, in.Item.Clone())
		}
	}
	for _, p := range v.s.order {
		in := v.s.intents[p]
		if _, ok := seen[p]; ok || in.Op == OpDelete || !keep(in.Item) {
			continue
		}
		out = append(out, in.Item.Clone())
	}
	storage.SortByPath(out)
	return out
}
