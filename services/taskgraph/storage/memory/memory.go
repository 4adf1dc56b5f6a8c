// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory provides a pure in-process storage.Store.
package memory

import (
	"context"
	"sync"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage"
)

// Store keeps items in a map guarded by a RWMutex.
type Store struct {
	mu     sync.RWMutex
	items  map[string]*model.Item
	closed bool
}

// New creates an empty store, optionally seeded with items.
func New(seed ...*model.Item) *Store {
	s := &Store{items: make(map[string]*model.Item, len(seed))}
	for _, it := range seed {
		s.items[it.Path] = it.Clone()
	}
	return s
}

// GetItemByPath implements storage.Store.
func (s *Store) GetItemByPath(ctx context.Context, path string) (*model.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return s.items[path].Clone(), nil
}

// ChildrenOf implements storage.Store.
func (s *Store) ChildrenOf(ctx context.Context, path string) ([]*model.Item, error) {
	all, err := s.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	return storage.FilterChildren(all, path), nil
}

// ListItems implements storage.Store.
func (s *Store) ListItems(ctx context.Context) ([]*model.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := make([]*model.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.Clone())
	}
	storage.SortByPath(out)
	return out, nil
}

// WriteItem implements storage.Store.
func (s *Store) WriteItem(ctx context.Context, item *model.Item) error {
	if item == nil {
		return storage.ErrNilItem
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.items[item.Path] = item.Clone()
	return nil
}

// DeleteItem implements storage.Store.
func (s *Store) DeleteItem(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	delete(s.items, path)
	return nil
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close implements storage.Store. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ storage.Store = (*Store)(nil)
