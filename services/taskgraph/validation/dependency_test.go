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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
)

func TestValidateDependencies(t *testing.T) {
	ctx := context.Background()
	g := model.NewMapGraph(&model.Item{Path: "a"}, &model.Item{Path: "b"})

	t.Run("all resolve", func(t *testing.T) {
		report, err := ValidateDependencies(ctx, []string{"a", "b"}, g, ModeStrict)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, report.Resolved)
		assert.Empty(t, report.Missing)
	})

	t.Run("strict lists every missing path", func(t *testing.T) {
		report, err := ValidateDependencies(ctx, []string{"a", "x", "y"}, g, ModeStrict)
		require.ErrorIs(t, err, model.ErrMissingDependencies)
		assert.True(t, model.IsCritical(err))
		assert.Equal(t, []string{"x", "y"}, model.PathsOf(err))
		assert.Equal(t, []string{"x", "y"}, report.Missing)
	})

	t.Run("deferred reports without failing", func(t *testing.T) {
		report, err := ValidateDependencies(ctx, []string{"x", "a"}, g, ModeDeferred)
		require.NoError(t, err)
		assert.Equal(t, []string{"x"}, report.Missing)
		assert.Equal(t, []string{"a"}, report.Resolved)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := ValidateDependencies(cctx, []string{"a"}, g, ModeStrict)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDetectCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("direct back edge", func(t *testing.T) {
		g := model.NewMapGraph(&model.Item{Path: "x", Dependencies: []string{"y"}})
		err := DetectCycle(ctx, "y", []string{"x"}, g)
		require.ErrorIs(t, err, model.ErrCycleDetected)
		assert.Equal(t, []string{"y", "x", "y"}, model.PathsOf(err))
	})

	t.Run("transitive", func(t *testing.T) {
		g := model.NewMapGraph(
			&model.Item{Path: "a", Dependencies: []string{"b"}},
			&model.Item{Path: "b", Dependencies: []string{"c"}},
			&model.Item{Path: "c"},
		)
		err := DetectCycle(ctx, "c", []string{"a"}, g)
		require.ErrorIs(t, err, model.ErrCycleDetected)
		assert.Equal(t, []string{"c", "a", "b", "c"}, model.PathsOf(err))
	})

	t.Run("candidate replaces existing edges", func(t *testing.T) {
		g := model.NewMapGraph(
			&model.Item{Path: "a", Dependencies: []string{"b"}},
			&model.Item{Path: "b", Dependencies: []string{"a"}},
		)
		assert.NoError(t, DetectCycle(ctx, "b", nil, g))
	})

	t.Run("self dependency", func(t *testing.T) {
		err := DetectCycle(ctx, "a", []string{"a"}, model.NewMapGraph())
		assert.ErrorIs(t, err, model.ErrCycleDetected)
	})

	t.Run("missing nodes contribute no edges", func(t *testing.T) {
		assert.NoError(t, DetectCycle(ctx, "a", []string{"ghost"}, model.NewMapGraph()))
	})
}

func TestSortByDependencies(t *testing.T) {
	t.Run("orders dependencies first", func(t *testing.T) {
		items := []*model.Item{
			{Path: "app", Dependencies: []string{"lib", "cfg"}},
			{Path: "lib", Dependencies: []string{"cfg"}},
			{Path: "cfg"},
			{Path: "docs"},
		}
		paths, err := SortPaths(items)
		require.NoError(t, err)
		assert.Equal(t, []string{"cfg", "lib", "app", "docs"}, paths)
	})

	t.Run("cycle across the batch", func(t *testing.T) {
		items := []*model.Item{
			{Path: "ok"},
			{Path: "a", Dependencies: []string{"b"}},
			{Path: "b", Dependencies: []string{"c"}},
			{Path: "c", Dependencies: []string{"a"}},
		}
		_, err := SortByDependencies(items)
		require.ErrorIs(t, err, model.ErrCycleDetected)
		assert.Equal(t, []string{"a", "b", "c"}, model.PathsOf(err))
		assert.Contains(t, err.Error(), "a -> b -> c -> a")
	})
}

func genItems(t *rapid.T) []*model.Item {
	n := rapid.IntRange(1, 25).Draw(t, "n")
	items := make([]*model.Item, n)
	for i := range items {
		items[i] = &model.Item{Path: fmt.Sprintf("t%02d", i)}
		if i == 0 {
			continue
		}
		k := rapid.IntRange(0, min(i, 3)).Draw(t, "k")
		seen := map[int]bool{}
		for range k {
			j := rapid.IntRange(0, i-1).Draw(t, "j")
			if !seen[j] {
				seen[j] = true
				items[i].Dependencies = append(items[i].Dependencies, items[j].Path)
			}
		}
	}
	return rapid.Permutation(items).Draw(t, "order")
}

func TestProperty_SortAndDetectAgree(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		items := genItems(t)
		g := model.NewMapGraph(items...)
		ctx := context.Background()

		for _, it := range items {
			require.NoError(t, DetectCycle(ctx, it.Path, it.Dependencies, g))
		}
		sorted, err := SortByDependencies(items)
		require.NoError(t, err)
		require.Len(t, sorted, len(items))

		pos := map[string]int{}
		for i, it := range sorted {
			pos[it.Path] = i
		}
		for _, it := range items {
			for _, d := range it.Dependencies {
				assert.Less(t, pos[d], pos[it.Path])
			}
		}

		// Making the earliest item depend on the latest closes a cycle.
		first, last := sorted[0], sorted[len(sorted)-1]
		if first.Path == last.Path || !reaches(g, last.Path, first.Path) {
			return
		}
		candidate := append(append([]string{}, first.Dependencies...), last.Path)
		err1 := DetectCycle(ctx, first.Path, candidate, g)
		err2 := DetectCycle(ctx, first.Path, candidate, g)
		assert.ErrorIs(t, err1, model.ErrCycleDetected)
		assert.Equal(t, model.PathsOf(err1), model.PathsOf(err2))
	})
}

func reaches(g model.MapGraph, from, to string) bool {
	stack := []string{from}
	seen := map[string]bool{}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		if it := g[n]; it != nil {
			stack = append(stack, it.Dependencies...)
		}
	}
	return false
}
