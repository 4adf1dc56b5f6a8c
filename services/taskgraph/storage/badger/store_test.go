// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage/storagetest"
)

func TestStoreContract_InMemory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := OpenInMemory()
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStoreContract_Persistent(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		cfg := DefaultConfig(t.TempDir())
		cfg.SyncWrites = false
		cfg.GCInterval = 0
		s, err := Open(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestConfigFunctions(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		cfg := DefaultConfig("/tmp/x")
		assert.Equal(t, "/tmp/x", cfg.Path)
		assert.True(t, cfg.SyncWrites)
		assert.False(t, cfg.InMemory)
		assert.Equal(t, 5*time.Minute, cfg.GCInterval)
		assert.Equal(t, 0.5, cfg.GCDiscardRatio)
	})

	t.Run("InMemoryConfig", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.Equal(t, time.Duration(0), cfg.GCInterval)
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0
	s1, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s1.WriteItem(ctx, storagetest.Item("p", model.TypeMilestone, "")))
	require.NoError(t, s1.WriteItem(ctx, storagetest.Item("p/t", model.TypeTask, "p")))
	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	children, err := s2.ChildrenOf(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/t"}, model.ChildPaths(children))
}

func TestStore_ChildrenPrefixIsSegmentBounded(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.WriteItem(ctx, storagetest.Item("p", model.TypeMilestone, "")))
	require.NoError(t, s.WriteItem(ctx, storagetest.Item("pq", model.TypeMilestone, "")))
	require.NoError(t, s.WriteItem(ctx, storagetest.Item("pq/t", model.TypeTask, "pq")))

	children, err := s.ChildrenOf(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestGCRunner(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = 10 * time.Millisecond
	cfg.Logger = slog.Default()
	s, err := Open(cfg)
	require.NoError(t, err)
	require.NotNil(t, s.gc)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Close())

	_, err = newGCRunner(s.db, 0, 0.5, slog.Default())
	assert.Error(t, err)
	_, err = newGCRunner(s.db, time.Second, 1.5, slog.Default())
	assert.Error(t, err)
}
