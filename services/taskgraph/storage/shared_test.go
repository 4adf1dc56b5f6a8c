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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
)

// gatedGraph blocks every lookup until release is closed.
type gatedGraph struct {
	model.MapGraph
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedGraph) GetItemByPath(ctx context.Context, path string) (*model.Item, error) {
	g.calls.Add(1)
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.MapGraph.GetItemByPath(ctx, path)
}

func TestSharedLookup_Deduplicates(t *testing.T) {
	inner := &gatedGraph{
		MapGraph: model.NewMapGraph(&model.Item{Path: "a", Dependencies: []string{"x"}}),
		release:  make(chan struct{}),
	}
	shared := NewSharedLookup(inner)

	const callers = 8
	results := make([]*model.Item, callers)
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := range callers {
		go func() {
			defer done.Done()
			started.Done()
			it, err := shared.GetItemByPath(context.Background(), "a")
			assert.NoError(t, err)
			results[i] = it
		}()
	}
	started.Wait()
	close(inner.release)
	done.Wait()

	assert.LessOrEqual(t, inner.calls.Load(), int32(callers))
	for _, it := range results {
		require.NotNil(t, it)
		assert.Equal(t, "a", it.Path)
	}
	results[0].Dependencies[0] = "mutated"
	assert.Equal(t, "x", results[1].Dependencies[0])
}

func TestSharedLookup_CancelledCallerDoesNotFailOthers(t *testing.T) {
	inner := &gatedGraph{
		MapGraph: model.NewMapGraph(&model.Item{Path: "a"}),
		release:  make(chan struct{}),
	}
	shared := NewSharedLookup(inner)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := shared.GetItemByPath(ctx, "a")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		it  *model.Item
		err error
	}
	second := make(chan result, 1)
	go func() {
		it, err := shared.GetItemByPath(context.Background(), "a")
		second <- result{it, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the shared read")
	}

	close(inner.release)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		require.NotNil(t, r.it)
		assert.Equal(t, "a", r.it.Path)
	case <-time.After(time.Second):
		t.Fatal("second caller never returned")
	}
}

func TestSharedLookup_ChildrenAndAbsent(t *testing.T) {
	g := model.NewMapGraph(
		&model.Item{Path: "p"},
		&model.Item{Path: "p/c", ParentPath: "p"},
	)
	shared := NewSharedLookup(g)
	ctx := context.Background()

	it, err := shared.GetItemByPath(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, it)

	children, err := shared.ChildrenOf(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/c"}, model.ChildPaths(children))

	shared.Forget("p/c")
}

func TestFilterChildren(t *testing.T) {
	items := []*model.Item{
		{Path: "p/a", ParentPath: "p"},
		{Path: "q/b", ParentPath: "q"},
		{Path: "p/c", ParentPath: "p"},
	}
	assert.Equal(t, []string{"p/a", "p/c"}, model.ChildPaths(FilterChildren(items, "p")))
	SortByPath(items)
	assert.Equal(t, []string{"p/a", "p/c", "q/b"}, model.ChildPaths(items))
}
