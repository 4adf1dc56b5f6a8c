// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storagetest holds the contract tests every storage.Store adapter
// must pass, plus a fault-injecting wrapper for commit failure tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

// Item builds a minimal valid item.
func Item(path string, typ model.ItemType, parent string, deps ...string) *model.Item {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &model.Item{
		Path:         path,
		Name:         path,
		Type:         typ,
		Status:       model.StatusPending,
		ParentPath:   parent,
		Dependencies: deps,
		Version:      1,
		Created:      now,
		Updated:      now,
	}
}

// Run executes the contract suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	ctx := context.Background()

	t.Run("absent path returns nil without error", func(t *testing.T) {
		s := open(t)
		it, err := s.GetItemByPath(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, it)
	})

	t.Run("write then read round trips", func(t *testing.T) {
		s := open(t)
		in := Item("proj/a", model.TypeMilestone, "")
		in.Metadata = map[string]any{"owner": "ops"}
		in.Description = "first milestone"
		require.NoError(t, s.WriteItem(ctx, in))

		out, err := s.GetItemByPath(ctx, "proj/a")
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, in.Path, out.Path)
		assert.Equal(t, in.Type, out.Type)
		assert.Equal(t, in.Description, out.Description)
		assert.Equal(t, "ops", out.Metadata["owner"])
		assert.Equal(t, int64(1), out.Version)
		assert.True(t, in.Created.Equal(out.Created))
	})

	t.Run("write is an upsert", func(t *testing.T) {
		s := open(t)
		it := Item("a", model.TypeTask, "")
		require.NoError(t, s.WriteItem(ctx, it))
		it.Version = 2
		it.Status = model.StatusInProgress
		require.NoError(t, s.WriteItem(ctx, it))

		out, err := s.GetItemByPath(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), out.Version)
		assert.Equal(t, model.StatusInProgress, out.Status)
	})

	t.Run("returned items are copies", func(t *testing.T) {
		s := open(t)
		it := Item("a", model.TypeTask, "", "b")
		require.NoError(t, s.WriteItem(ctx, it))
		it.Dependencies[0] = "mutated"

		out, err := s.GetItemByPath(ctx, "a")
		require.NoError(t, err)
		out.Dependencies[0] = "also-mutated"

		again, err := s.GetItemByPath(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, again.Dependencies)
	})

	t.Run("delete removes and is idempotent", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.WriteItem(ctx, Item("a", model.TypeTask, "")))
		require.NoError(t, s.DeleteItem(ctx, "a"))
		require.NoError(t, s.DeleteItem(ctx, "a"))
		it, err := s.GetItemByPath(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, it)
	})

	t.Run("list and children are sorted", func(t *testing.T) {
		s := open(t)
		for _, it := range []*model.Item{
			Item("p", model.TypeMilestone, ""),
			Item("p/z", model.TypeTask, "p"),
			Item("p/a", model.TypeGroup, "p"),
			Item("p/a/t", model.TypeTask, "p/a"),
			Item("q", model.TypeTask, ""),
		} {
			require.NoError(t, s.WriteItem(ctx, it))
		}

		all, err := s.ListItems(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"p", "p/a", "p/a/t", "p/z", "q"}, model.ChildPaths(all))

		children, err := s.ChildrenOf(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, []string{"p/a", "p/z"}, model.ChildPaths(children))

		none, err := s.ChildrenOf(ctx, "q")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("nil item rejected", func(t *testing.T) {
		s := open(t)
		assert.ErrorIs(t, s.WriteItem(ctx, nil), storage.ErrNilItem)
	})

	t.Run("closed store rejects operations", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Close())
		_, err := s.GetItemByPath(ctx, "a")
		assert.ErrorIs(t, err, storage.ErrClosed)
		assert.ErrorIs(t, s.WriteItem(ctx, Item("a", model.TypeTask, "")), storage.ErrClosed)
	})
}

// FlakyStore wraps a Store and fails selected writes and deletes.
//
// Used to drive the partial-commit compensation path.
type FlakyStore struct {
	storage.Store

	mu sync.Mutex

	// FailWrite reports whether the write of path should fail.
	FailWrite func(path string) bool

	// FailDelete reports whether the delete of path should fail.
	FailDelete func(path string) bool

	// Writes records every attempted write path in order.
	Writes []string

	// Deletes records every attempted delete path in order.
	Deletes []string
}

// ErrInjected is the error FlakyStore returns for injected failures.
var ErrInjected = errors.New("injected store failure")

// WriteItem fails when FailWrite says so.
func (f *FlakyStore) WriteItem(ctx context.Context, item *model.Item) error {
	f.mu.Lock()
	f.Writes = append(f.Writes, item.Path)
	fail := f.FailWrite != nil && f.FailWrite(item.Path)
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Store.WriteItem(ctx, item)
}

// DeleteItem fails when FailDelete says so.
func (f *FlakyStore) DeleteItem(ctx context.Context, path string) error {
	f.mu.Lock()
	f.Deletes = append(f.Deletes, path)
	fail := f.FailDelete != nil && f.FailDelete(path)
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Store.DeleteItem(ctx, path)
}
