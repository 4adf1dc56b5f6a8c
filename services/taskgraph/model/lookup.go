// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"context"
	"slices"
	"sort"
)

// Lookup resolves an item by path.
//
// Implementations return (nil, nil) when the path is absent; a non-nil
// error means the lookup itself failed.
type Lookup interface {
	GetItemByPath(ctx context.Context, path string) (*Item, error)
}

// ChildLister returns the direct children of a path.
type ChildLister interface {
	ChildrenOf(ctx context.Context, path string) ([]*Item, error)
}

// Graph is the read view validators need: point lookups plus children.
type Graph interface {
	Lookup
	ChildLister
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, path string) (*Item, error)

// GetItemByPath calls f.
func (f LookupFunc) GetItemByPath(ctx context.Context, path string) (*Item, error) {
	return f(ctx, path)
}

// MapGraph is a Graph over a fixed set of items, keyed by path.
// It is used for pure in-process views and in tests.
type MapGraph map[string]*Item

// NewMapGraph indexes items by path.
func NewMapGraph(items ...*Item) MapGraph {
	g := make(MapGraph, len(items))
	for _, it := range items {
		g[it.Path] = it
	}
	return g
}

// GetItemByPath returns the item or (nil, nil).
func (g MapGraph) GetItemByPath(_ context.Context, path string) (*Item, error) {
	return g[path], nil
}

// ChildrenOf returns items whose ParentPath is path, sorted by path.
func (g MapGraph) ChildrenOf(_ context.Context, path string) ([]*Item, error) {
	var out []*Item
	for _, it := range g {
		if it.ParentPath == path {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ChildPaths returns the paths of items, in order.
func ChildPaths(items []*Item) []string {
	paths := make([]string, 0, len(items))
	for _, it := range items {
		paths = append(paths, it.Path)
	}
	return slices.Clip(paths)
}
