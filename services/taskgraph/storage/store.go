// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the durable store contract consumed by the
// transaction layer. Adapters live in subpackages: memory (pure
// in-process), jsonl (file-backed), and badger (embedded KV).
package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
)

// Sentinel errors for store adapters.
var (
	// ErrClosed is returned by any operation on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrNilItem is returned when writing a nil item.
	ErrNilItem = errors.New("item must not be nil")
)

// Store is the durable item store.
//
// # Description
//
// GetItemByPath returns (nil, nil) for absent paths. Items returned are
// copies owned by the caller; WriteItem stores a copy of its argument.
// WriteItem is an upsert. DeleteItem of an absent path succeeds, so
// compensation after a partial commit can be replayed safely.
//
// WriteItem and DeleteItem are called only from a transaction commit.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	model.Graph

	// ListItems returns every item, sorted by path.
	ListItems(ctx context.Context) ([]*model.Item, error)

	// WriteItem inserts or replaces the item at item.Path.
	WriteItem(ctx context.Context, item *model.Item) error

	// DeleteItem removes the item at path.
	DeleteItem(ctx context.Context, path string) error

	// Close releases resources held by the store.
	Close() error
}

// SortByPath sorts items in place by path.
func SortByPath(items []*model.Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
}

// FilterChildren returns the members of items whose ParentPath is path,
// in the order given.
func FilterChildren(items []*model.Item, path string) []*model.Item {
	var out []*model.Item
	for _, it := range items {
		if it.ParentPath == path {
			out = append(out, it)
		}
	}
	return out
}
