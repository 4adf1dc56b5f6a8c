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
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validItem() *Item {
	return &Item{
		Path:   "proj/a",
		Name:   "A",
		Type:   TypeMilestone,
		Status: StatusPending,
	}
}

func TestValidPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"a", true},
		{"a/b/c", true},
		{"", false},
		{"/a", false},
		{"a/", false},
		{"a//b", false},
		{"a/../b", false},
		{"a/ b", false},
		{strings.Repeat("x", MaxPathLength+1), false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.path), func(t *testing.T) {
			assert.Equal(t, tt.want, ValidPath(tt.path))
		})
	}
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "a/b", ParentOf("a/b/c"))
	assert.Equal(t, "", ParentOf("a"))
	assert.True(t, IsDirectChild("a", "a/b"))
	assert.False(t, IsDirectChild("a", "a/b/c"))
	assert.False(t, IsDirectChild("a", "ab"))
	assert.False(t, IsDirectChild("", "a"))
	assert.Equal(t, 3, Depth("a/b/c"))
	assert.Equal(t, 0, Depth(""))
}

func TestItem_Validate(t *testing.T) {
	t.Run("valid item passes", func(t *testing.T) {
		assert.NoError(t, validItem().Validate())
	})

	t.Run("empty status is allowed", func(t *testing.T) {
		it := validItem()
		it.Status = ""
		assert.NoError(t, it.Validate())
	})

	t.Run("bounds count bytes", func(t *testing.T) {
		it := validItem()
		it.Name = strings.Repeat("é", MaxNameLength/2)
		it.Description = strings.Repeat("d", MaxDescriptionBytes)
		assert.NoError(t, it.Validate())
	})

	cases := map[string]func(*Item){
		"missing name":        func(it *Item) { it.Name = "" },
		"long name":           func(it *Item) { it.Name = strings.Repeat("n", MaxNameLength+1) },
		"long description":    func(it *Item) { it.Description = strings.Repeat("d", MaxDescriptionBytes+1) },
		"multibyte name":      func(it *Item) { it.Name = strings.Repeat("é", MaxNameLength/2+1) },
		"multibyte description": func(it *Item) {
			it.Description = strings.Repeat("界", MaxDescriptionBytes/3+1)
		},
		"unknown type":        func(it *Item) { it.Type = "EPIC" },
		"unknown status":      func(it *Item) { it.Status = "DONE" },
		"bad path":            func(it *Item) { it.Path = "a//b" },
		"bad parent path":     func(it *Item) { it.ParentPath = "/x" },
		"bad dependency path": func(it *Item) { it.Dependencies = []string{"ok", "bad/"} },
		"duplicate deps":      func(it *Item) { it.Dependencies = []string{"x", "x"} },
		"negative version":    func(it *Item) { it.Version = -1 },
		"oversized metadata": func(it *Item) {
			it.Metadata = map[string]any{"blob": strings.Repeat("m", MaxMetadataBytes)}
		},
		"too many metadata keys": func(it *Item) {
			it.Metadata = map[string]any{}
			for i := 0; i <= MaxMetadataKeys; i++ {
				it.Metadata[fmt.Sprintf("k%d", i)] = i
			}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			it := validItem()
			mutate(it)
			err := it.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidField))
			assert.Equal(t, CodeInvalidField, CodeOf(err))
		})
	}

	t.Run("nil item", func(t *testing.T) {
		var it *Item
		assert.ErrorIs(t, it.Validate(), ErrInvalidField)
	})
}

func TestItem_Clone(t *testing.T) {
	it := validItem()
	it.Dependencies = []string{"x"}
	it.Metadata = map[string]any{"k": "v"}

	c := it.Clone()
	c.Dependencies[0] = "y"
	c.Metadata["k"] = "w"

	assert.Equal(t, "x", it.Dependencies[0])
	assert.Equal(t, "v", it.Metadata["k"])
	assert.True(t, it.DependsOn("x"))
	assert.Nil(t, (*Item)(nil).Clone())
}

func TestError(t *testing.T) {
	t.Run("message carries code and paths", func(t *testing.T) {
		err := NewError(CodeCycleDetected, "cycle", "x", "y", "x")
		assert.Equal(t, "[CYCLE_DETECTED] cycle (x, y, x)", err.Error())
	})

	t.Run("unwraps to sentinel and cause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := fmt.Errorf("commit: %w", NewError(CodeTransactionError, "write failed", "a").WithCause(cause))
		assert.ErrorIs(t, err, ErrTransactionError)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, CodeTransactionError, CodeOf(err))
		assert.Equal(t, []string{"a"}, PathsOf(err))
	})

	t.Run("timeout inside invalid state", func(t *testing.T) {
		err := Errorf(CodeInvalidTransactionState, "scope %s expired", "s1").WithCause(ErrTimeout)
		assert.ErrorIs(t, err, ErrInvalidTransactionState)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("code of plain error is empty", func(t *testing.T) {
		assert.Equal(t, Code(""), CodeOf(errors.New("x")))
		assert.Nil(t, PathsOf(errors.New("x")))
	})
}

func TestClassification(t *testing.T) {
	tests := []struct {
		err       error
		critical  bool
		retryable bool
	}{
		{NewError(CodeCycleDetected, "c"), true, false},
		{NewError(CodeMissingDependencies, "m"), true, false},
		{NewError(CodeInvalidTransition, "t"), false, false},
		{NewError(CodeNotFound, "n"), false, false},
		{NewError(CodeStaleVersion, "s"), false, true},
		{NewError(CodeTransactionError, "x"), false, true},
		{errors.New("transient"), false, true},
		{nil, false, false},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.critical, IsCritical(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestMapGraph(t *testing.T) {
	g := NewMapGraph(
		&Item{Path: "p", Type: TypeMilestone},
		&Item{Path: "p/b", ParentPath: "p", Type: TypeTask},
		&Item{Path: "p/a", ParentPath: "p", Type: TypeTask},
	)
	ctx := context.Background()

	it, err := g.GetItemByPath(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, TypeMilestone, it.Type)

	missing, err := g.GetItemByPath(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	children, err := g.ChildrenOf(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a", "p/b"}, ChildPaths(children))
}

func TestEnums(t *testing.T) {
	for _, s := range AllStatuses {
		assert.True(t, s.IsValid())
	}
	assert.False(t, Status("DONE").IsValid())
	assert.True(t, TypeGroup.IsValid())
	assert.False(t, ItemType("EPIC").IsValid())
}
