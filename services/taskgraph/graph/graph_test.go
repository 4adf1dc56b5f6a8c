// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFindCycleFrom(t *testing.T) {
	t.Run("no cycle", func(t *testing.T) {
		e := Edges{"a": {"b"}, "b": {"c"}}
		assert.Nil(t, FindCycleFrom(e, "a"))
	})

	t.Run("two node cycle", func(t *testing.T) {
		e := Edges{"x": {"y"}, "y": {"x"}}
		assert.Equal(t, []string{"x", "y", "x"}, FindCycleFrom(e, "x"))
	})

	t.Run("self loop", func(t *testing.T) {
		e := Edges{"a": {"a"}}
		assert.Equal(t, []string{"a", "a"}, FindCycleFrom(e, "a"))
	})

	t.Run("cycle reachable but not through start", func(t *testing.T) {
		e := Edges{"s": {"a"}, "a": {"b"}, "b": {"a"}}
		assert.Equal(t, []string{"a", "b", "a"}, FindCycleFrom(e, "s"))
	})

	t.Run("diamond is not a cycle", func(t *testing.T) {
		e := Edges{"a": {"b", "c"}, "b": {"d"}, "c": {"d"}}
		assert.Nil(t, FindCycleFrom(e, "a"))
		assert.False(t, HasCycle(e))
	})
}

func TestTopoSort(t *testing.T) {
	t.Run("dependencies first", func(t *testing.T) {
		e := Edges{"a": {"b"}, "b": {"c"}}
		order, rest := TopoSort([]string{"a", "b", "c"}, e)
		assert.Equal(t, []string{"c", "b", "a"}, order)
		assert.Empty(t, rest)
	})

	t.Run("ties keep insertion order", func(t *testing.T) {
		order, rest := TopoSort([]string{"z", "m", "a"}, Edges{})
		assert.Equal(t, []string{"z", "m", "a"}, order)
		assert.Empty(t, rest)
	})

	t.Run("outside references ignored", func(t *testing.T) {
		order, _ := TopoSort([]string{"a"}, Edges{"a": {"durable"}})
		assert.Equal(t, []string{"a"}, order)
	})

	t.Run("cycle leaves remainder", func(t *testing.T) {
		e := Edges{"x": {"y"}, "y": {"x"}, "z": {}}
		order, rest := TopoSort([]string{"x", "y", "z"}, e)
		assert.Equal(t, []string{"z"}, order)
		assert.Equal(t, []string{"x", "y"}, rest)
	})

	t.Run("duplicate nodes emitted once", func(t *testing.T) {
		order, rest := TopoSort([]string{"a", "a", "b"}, Edges{"b": {"a"}})
		assert.Equal(t, []string{"a", "b"}, order)
		assert.Empty(t, rest)
	})
}

func TestEdges(t *testing.T) {
	e := Edges{"a": {"b"}}
	c := e.Clone()
	c.Set("a", []string{"c"})
	assert.Equal(t, []string{"b"}, e["a"])
	assert.Equal(t, []string{"a", "b"}, e.Nodes())
}

// genAcyclic draws a DAG where node i may only depend on nodes j < i.
func genAcyclic(t *rapid.T) ([]string, Edges) {
	n := rapid.IntRange(1, 30).Draw(t, "n")
	nodes := make([]string, n)
	for i := range nodes {
		nodes[i] = fmt.Sprintf("n%02d", i)
	}
	edges := Edges{}
	for i := 1; i < n; i++ {
		k := rapid.IntRange(0, min(i, 4)).Draw(t, fmt.Sprintf("deg%d", i))
		for range k {
			j := rapid.IntRange(0, i-1).Draw(t, fmt.Sprintf("dep%d", i))
			edges[nodes[i]] = append(edges[nodes[i]], nodes[j])
		}
	}
	return nodes, edges
}

func TestProperty_AcyclicSortsAndHasNoCycle(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nodes, edges := genAcyclic(t)
		input := rapid.Permutation(nodes).Draw(t, "input")

		assert.False(t, HasCycle(edges))
		for _, n := range nodes {
			assert.Nil(t, FindCycleFrom(edges, n))
		}

		order, rest := TopoSort(input, edges)
		require.Empty(t, rest)
		require.ElementsMatch(t, nodes, order)

		pos := make(map[string]int, len(order))
		for i, n := range order {
			pos[n] = i
		}
		for node, deps := range edges {
			for _, d := range deps {
				assert.Less(t, pos[d], pos[node], "%s must follow %s", node, d)
			}
		}
	})
}

func TestProperty_CycleReportedIdempotently(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nodes, edges := genAcyclic(t)
		if len(nodes) < 2 {
			edges[nodes[0]] = append(edges[nodes[0]], nodes[0])
		} else {
			i := rapid.IntRange(0, len(nodes)-2).Draw(t, "i")
			j := rapid.IntRange(i+1, len(nodes)-1).Draw(t, "j")
			edges[nodes[i]] = append(edges[nodes[i]], nodes[j])
			edges[nodes[j]] = append(edges[nodes[j]], nodes[i])
		}

		first := FindCycle(edges)
		require.NotNil(t, first)
		assert.Equal(t, first[0], first[len(first)-1])
		assert.Equal(t, first, FindCycle(edges))

		_, rest1 := TopoSort(nodes, edges)
		_, rest2 := TopoSort(nodes, edges)
		assert.NotEmpty(t, rest1)
		assert.Equal(t, rest1, rest2)
	})
}
