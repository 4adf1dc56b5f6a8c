// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
)

// SharedLookup deduplicates concurrent lookups of the same path.
//
// # Description
//
// Many scopes validating at once tend to resolve the same parents and
// dependencies. Concurrent calls for one path share a single store read;
// each caller receives its own copy of the result. The shared read runs
// detached from any one caller's cancellation; a caller whose context
// ends stops waiting without failing the others.
//
// # Thread Safety
//
// Safe for concurrent use.
type SharedLookup struct {
	inner model.Graph
	group singleflight.Group
}

// NewSharedLookup wraps inner.
func NewSharedLookup(inner model.Graph) *SharedLookup {
	return &SharedLookup{inner: inner}
}

// GetItemByPath resolves path through the shared flight.
func (s *SharedLookup) GetItemByPath(ctx context.Context, path string) (*model.Item, error) {
	v, err := s.do(ctx, "item:"+path, func(ctx context.Context) (any, error) {
		return s.inner.GetItemByPath(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	it, _ := v.(*model.Item)
	return it.Clone(), nil
}

// ChildrenOf lists children through the shared flight.
func (s *SharedLookup) ChildrenOf(ctx context.Context, path string) ([]*model.Item, error) {
	v, err := s.do(ctx, "children:"+path, func(ctx context.Context) (any, error) {
		return s.inner.ChildrenOf(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	items, _ := v.([]*model.Item)
	out := make([]*model.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out, nil
}

func (s *SharedLookup) do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	flight := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return fn(flight)
	})
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops any in-flight entry for path so the next read goes to the
// store. Commit calls this for every path it writes.
func (s *SharedLookup) Forget(path string) {
	s.group.Forget("item:" + path)
	s.group.Forget("children:" + model.ParentOf(path))
}
