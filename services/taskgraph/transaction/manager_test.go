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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage/memory"
	"github.com/AleutianAI/taskgraph/services/taskgraph/timeout"
	"github.com/AleutianAI/taskgraph/services/taskgraph/validation"
)

func TestNewManager_Errors(t *testing.T) {
	tm := timeout.NewManager(timeout.Config{})
	defer tm.Close()

	_, err := NewManager(nil, tm, Config{})
	assert.ErrorIs(t, err, ErrNilStore)

	_, err = NewManager(memory.New(), nil, Config{})
	assert.Error(t, err)

	_, err = NewManager(memory.New(), tm, Config{DefaultMode: "LOOSE"})
	assert.Error(t, err)

	m, err := NewManager(memory.New(), tm, Config{})
	require.NoError(t, err)
	_, err = m.Begin(context.Background(), WithMode("LOOSE"))
	assert.Error(t, err)
}

func TestScopeExpiresAfterTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.begin(t)
	_, err := s.StageCreate(ctx, newItem("a", model.TypeTask, ""))
	require.NoError(t, err)

	f.clock.Advance(59 * time.Second)
	assert.Equal(t, StateActive, s.State())

	f.clock.Advance(time.Second)
	assert.Equal(t, StateRolledBack, s.State())
	assert.ErrorIs(t, s.Err(), model.ErrTimeout)
	assert.Empty(t, f.mgr.Open())
	assert.Empty(t, f.timeouts.Active())

	_, err = s.StageCreate(ctx, newItem("b", model.TypeTask, ""))
	assert.ErrorIs(t, err, model.ErrInvalidTransactionState)
	assert.ErrorIs(t, err, model.ErrTimeout)
	assert.ErrorIs(t, s.Commit(ctx), model.ErrTimeout)
	assert.Nil(t, f.get(t, "a"))

	f.clock.Advance(10 * time.Minute)
	stats := f.mgr.Stats()
	assert.Equal(t, int64(1), stats.Expired)
	assert.Equal(t, int64(1), stats.RolledBack)
}

func TestCommitDisarmsTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.begin(t)
	_, err := s.StageCreate(ctx, newItem("a", model.TypeTask, ""))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))

	f.clock.Advance(time.Hour)
	assert.Equal(t, StateCommitted, s.State())
	assert.Zero(t, f.mgr.Stats().Expired)
	assert.NotNil(t, f.get(t, "a"))
}

func TestManagerClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s1 := f.begin(t)
	s2 := f.begin(t)
	got, ok := f.mgr.Get(s1.ID())
	require.True(t, ok)
	assert.Same(t, s1, got)

	require.NoError(t, f.mgr.Close(ctx))
	for _, s := range []*Scope{s1, s2} {
		assert.Equal(t, StateRolledBack, s.State())
		assert.ErrorIs(t, s.Err(), ErrManagerClosed)
	}
	_, ok = f.mgr.Get(s1.ID())
	assert.False(t, ok)

	_, err := f.mgr.Begin(ctx)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestConcurrentScopesOnDistinctPaths(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seeded("m", model.TypeMilestone, "", model.StatusPending))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.mgr.Begin(ctx, WithMode(validation.ModeStrict))
			if err != nil {
				errs <- err
				return
			}
			path := fmt.Sprintf("m/t%02d", i)
			if _, err := s.StageCreate(ctx, newItem(path, model.TypeTask, "m")); err != nil {
				errs <- err
				return
			}
			errs <- s.Commit(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	children, err := f.store.ChildrenOf(ctx, "m")
	require.NoError(t, err)
	assert.Len(t, children, n)
	assert.Equal(t, int64(n), f.mgr.Stats().Committed)
}

func TestTruncateForTrace(t *testing.T) {
	assert.Equal(t, "abc", truncateForTrace("abc", 10))
	assert.Equal(t, "abcd...", truncateForTrace("abcdefghij", 7))
	assert.Equal(t, "ab", truncateForTrace("abcdef", 2))
	assert.Equal(t, "", truncateForTrace("abcdef", 0))
}

func TestLoggerWithTrace_NoSpan(t *testing.T) {
	logger := NewTracer(nil, false).logger
	assert.Same(t, logger, LoggerWithTrace(context.Background(), logger))
}
