// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage/memory"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage/storagetest"
	"github.com/AleutianAI/taskgraph/services/taskgraph/validation"
)

func TestCommit_FirstCommitWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seeded("t", model.TypeTask, "", model.StatusPending))
	s1 := f.begin(t)
	s2 := f.begin(t)

	one := f.get(t, "t")
	one.Name = "first"
	_, err := s1.StageUpdate(ctx, one)
	require.NoError(t, err)

	two := f.get(t, "t")
	two.Name = "second"
	_, err = s2.StageUpdate(ctx, two)
	require.NoError(t, err)

	require.NoError(t, s1.Commit(ctx))
	err = s2.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStaleVersion)
	assert.Equal(t, []string{"t"}, model.PathsOf(err))
	assert.Equal(t, StateRolledBack, s2.State())

	got := f.get(t, "t")
	assert.Equal(t, "first", got.Name)
	assert.Equal(t, int64(2), got.Version)

	stats := f.mgr.Stats()
	assert.Equal(t, int64(1), stats.Committed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestCommit_ConcurrentCreateIsStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s1 := f.begin(t)
	s2 := f.begin(t)
	_, err := s1.StageCreate(ctx, newItem("n", model.TypeTask, ""))
	require.NoError(t, err)
	_, err = s2.StageCreate(ctx, newItem("n", model.TypeTask, ""))
	require.NoError(t, err)

	require.NoError(t, s1.Commit(ctx))
	assert.ErrorIs(t, s2.Commit(ctx), model.ErrStaleVersion)
}

func TestCommit_ConcurrentDeleteIsStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seeded("t", model.TypeTask, "", model.StatusPending))
	s1 := f.begin(t)
	s2 := f.begin(t)
	require.NoError(t, s1.StageDelete(ctx, "t", 0))
	it := f.get(t, "t")
	it.Name = "late"
	_, err := s2.StageUpdate(ctx, it)
	require.NoError(t, err)

	require.NoError(t, s1.Commit(ctx))
	err = s2.Commit(ctx)
	assert.ErrorIs(t, err, model.ErrStaleVersion)
	assert.Contains(t, err.Error(), "deleted by another scope")
	assert.Nil(t, f.get(t, "t"))
}

func TestCommit_CycleAcrossScopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		seeded("a", model.TypeTask, "", model.StatusPending),
		seeded("b", model.TypeTask, "", model.StatusPending),
	)
	s1 := f.begin(t)
	s2 := f.begin(t)

	a := f.get(t, "a")
	a.Dependencies = []string{"b"}
	_, err := s1.StageUpdate(ctx, a)
	require.NoError(t, err)

	b := f.get(t, "b")
	b.Dependencies = []string{"a"}
	_, err = s2.StageUpdate(ctx, b)
	require.NoError(t, err)

	require.NoError(t, s1.Commit(ctx))
	err = s2.Commit(ctx)
	assert.ErrorIs(t, err, model.ErrCycleDetected)
	assert.True(t, model.IsCritical(err))
	assert.Empty(t, f.get(t, "b").Dependencies)
}

func TestCommit_CompletionRaceAcrossScopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		seeded("p", model.TypeMilestone, "", model.StatusInProgress),
		seeded("p/c", model.TypeTask, "p", model.StatusCompleted),
	)
	s1 := f.begin(t)
	s2 := f.begin(t)

	p := f.get(t, "p")
	p.Status = model.StatusCompleted
	_, err := s1.StageUpdate(ctx, p)
	require.NoError(t, err)

	c := f.get(t, "p/c")
	c.Status = model.StatusInProgress
	_, err = s2.StageUpdate(ctx, c)
	require.NoError(t, err)

	require.NoError(t, s2.Commit(ctx))
	err = s1.Commit(ctx)
	assert.ErrorIs(t, err, model.ErrSubtaskStatusConflict)
	assert.Equal(t, model.StatusInProgress, f.get(t, "p").Status)
}

func TestCommit_ReopenRacesDependentCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		seeded("b", model.TypeTask, "", model.StatusCompleted),
		seeded("a", model.TypeTask, "", model.StatusInProgress, "b"),
	)
	s1 := f.begin(t)
	s2 := f.begin(t)

	b := f.get(t, "b")
	b.Status = model.StatusInProgress
	_, err := s1.StageUpdate(ctx, b)
	require.NoError(t, err)

	a := f.get(t, "a")
	a.Status = model.StatusCompleted
	_, err = s2.StageUpdate(ctx, a)
	require.NoError(t, err)

	require.NoError(t, s2.Commit(ctx))
	err = s1.Commit(ctx)
	assert.ErrorIs(t, err, model.ErrDependencyStatusConflict)
	assert.Equal(t, []string{"b", "a"}, model.PathsOf(err))
	assert.Equal(t, model.StatusCompleted, f.get(t, "b").Status)
	assert.Equal(t, StateRolledBack, s1.State())
}

func TestCommit_DeferredDependencyMissingAtCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.begin(t, WithMode(validation.ModeDeferred))
	_, err := s.StageCreate(ctx, newItem("x", model.TypeTask, "", "y"))
	require.NoError(t, err)

	err = s.Commit(ctx)
	assert.ErrorIs(t, err, model.ErrMissingDependencies)
	assert.Equal(t, []string{"y"}, model.PathsOf(err))
	assert.Equal(t, StateRolledBack, s.State())
	assert.Nil(t, f.get(t, "x"))
}

func TestCommit_WritesDependenciesFirst(t *testing.T) {
	ctx := context.Background()
	flaky := &storagetest.FlakyStore{Store: memory.New()}
	f := newFixtureOn(t, flaky)
	s := f.begin(t, WithMode(validation.ModeDeferred))

	_, err := s.StageCreate(ctx, newItem("m/b", model.TypeTask, "m", "m/a"))
	assert.ErrorIs(t, err, model.ErrParentNotFound)

	_, err = s.StageCreate(ctx, newItem("b", model.TypeTask, "", "a"))
	require.NoError(t, err)
	_, err = s.StageCreate(ctx, newItem("m", model.TypeMilestone, ""))
	require.NoError(t, err)
	_, err = s.StageCreate(ctx, newItem("m/c", model.TypeTask, "m", "b"))
	require.NoError(t, err)
	_, err = s.StageCreate(ctx, newItem("a", model.TypeTask, ""))
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []string{"m", "a", "b", "m/c"}, flaky.Writes)
}

func compensationSeed() []*model.Item {
	return []*model.Item{
		seeded("m", model.TypeMilestone, "", model.StatusPending),
		seeded("m/a", model.TypeTask, "m", model.StatusPending),
	}
}

func stageCompensationScope(t *testing.T, f *fixture) *Scope {
	t.Helper()
	ctx := context.Background()
	s := f.begin(t)
	a := f.get(t, "m/a")
	a.Name = "renamed"
	_, err := s.StageUpdate(ctx, a)
	require.NoError(t, err)
	_, err = s.StageCreate(ctx, newItem("m/b", model.TypeTask, "m"))
	require.NoError(t, err)
	_, err = s.StageCreate(ctx, newItem("m/c", model.TypeTask, "m"))
	require.NoError(t, err)
	return s
}

func TestCommit_FailedWriteIsCompensated(t *testing.T) {
	ctx := context.Background()
	flaky := &storagetest.FlakyStore{
		Store:     memory.New(compensationSeed()...),
		FailWrite: func(p string) bool { return p == "m/c" },
	}
	f := newFixtureOn(t, flaky)
	s := stageCompensationScope(t, f)

	err := s.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTransactionError)
	assert.ErrorIs(t, err, storagetest.ErrInjected)
	assert.Empty(t, model.PathsOf(err))
	assert.Contains(t, err.Error(), "reverted 2 of 2")
	assert.Equal(t, StateRolledBack, s.State())

	assert.Equal(t, []string{"m/a", "m/b", "m/c", "m/a"}, flaky.Writes)
	assert.Equal(t, []string{"m/b"}, flaky.Deletes)
	a := f.get(t, "m/a")
	assert.Equal(t, "m/a", a.Name)
	assert.Equal(t, int64(1), a.Version)
	assert.Nil(t, f.get(t, "m/b"))
	assert.Nil(t, f.get(t, "m/c"))
}

func TestCommit_CompensationFailureNamesIndeterminatePaths(t *testing.T) {
	ctx := context.Background()
	flaky := &storagetest.FlakyStore{
		Store:      memory.New(compensationSeed()...),
		FailWrite:  func(p string) bool { return p == "m/c" },
		FailDelete: func(p string) bool { return p == "m/b" },
	}
	f := newFixtureOn(t, flaky)
	s := stageCompensationScope(t, f)

	err := s.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTransactionError)
	assert.Equal(t, []string{"m/b"}, model.PathsOf(err))
	assert.Equal(t, model.CategoryInfrastructure, model.CodeOf(err).Category())

	assert.NotNil(t, f.get(t, "m/b"))
	assert.Equal(t, "m/a", f.get(t, "m/a").Name)
}

func TestApplyOrder(t *testing.T) {
	intents := []*Intent{
		{Op: OpDelete, Item: newItem("old/x", model.TypeTask, "old")},
		{Op: OpCreate, Item: newItem("b", model.TypeTask, "", "a")},
		{Op: OpDelete, Item: newItem("old", model.TypeMilestone, "")},
		{Op: OpUpdate, Item: newItem("a", model.TypeTask, "")},
	}
	var got []string
	for _, in := range applyOrder(intents) {
		got = append(got, string(in.Op)+":"+in.Item.Path)
	}
	assert.Equal(t, []string{"update:a", "create:b", "delete:old/x", "delete:old"}, got)
}
