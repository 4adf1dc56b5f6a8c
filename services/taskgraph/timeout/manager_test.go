// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timeout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(clock Clock, retries int) *Manager {
	return NewManager(Config{
		Timeout:    time.Minute,
		MaxRetries: retries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   4 * time.Millisecond,
		Clock:      clock,
	})
}

func TestDefaults(t *testing.T) {
	m := NewManager(Config{})
	assert.Equal(t, DefaultTimeout, m.Timeout())
	assert.Equal(t, DefaultMaxRetries, m.cfg.MaxRetries)
	assert.Equal(t, DefaultBaseDelay, m.cfg.BaseDelay)
	assert.Equal(t, DefaultConfig().MaxDelay, m.cfg.MaxDelay)
}

func TestStartTimeout_FiresOnceAfterDeadline(t *testing.T) {
	clock := NewManualClock(epoch)
	m := newTestManager(clock, 3)
	defer m.Close()

	var calls atomic.Int32
	deadline, err := m.StartTimeout("s1", func(_ context.Context, id string) error {
		assert.Equal(t, "s1", id)
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Minute), deadline)
	assert.Equal(t, []string{"s1"}, m.Active())

	clock.Advance(59 * time.Second)
	assert.Equal(t, int32(0), calls.Load())

	clock.Advance(time.Second)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(10 * time.Minute)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, m.Active())
}

func TestClearTimeout_PreventsFire(t *testing.T) {
	clock := NewManualClock(epoch)
	m := newTestManager(clock, 3)
	defer m.Close()

	var calls atomic.Int32
	_, err := m.StartTimeout("s1", func(context.Context, string) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	assert.True(t, m.ClearTimeout("s1"))
	assert.False(t, m.ClearTimeout("s1"))
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(time.Hour)
	assert.Equal(t, int32(0), calls.Load())
}

func TestStartTimeout_RearmReplaces(t *testing.T) {
	clock := NewManualClock(epoch)
	m := newTestManager(clock, 3)
	defer m.Close()

	var first, second atomic.Int32
	_, err := m.StartTimeout("s1", func(context.Context, string) error { first.Add(1); return nil })
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = m.StartTimeout("s1", func(context.Context, string) error { second.Add(1); return nil })
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(0), second.Load())

	clock.Advance(30 * time.Second)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestRetry_CappedAtMaxRetries(t *testing.T) {
	clock := NewManualClock(epoch)
	m := newTestManager(clock, 2)
	defer m.Close()

	var calls atomic.Int32
	_, err := m.StartTimeout("s1", func(context.Context, string) error {
		calls.Add(1)
		return errors.New("rollback failed")
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, m.Active())
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	clock := NewManualClock(epoch)
	m := newTestManager(clock, 5)
	defer m.Close()

	var calls atomic.Int32
	_, err := m.StartTimeout("s1", func(context.Context, string) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetry_PanicIsRetried(t *testing.T) {
	clock := NewManualClock(epoch)
	m := newTestManager(clock, 1)
	defer m.Close()

	var calls atomic.Int32
	_, err := m.StartTimeout("s1", func(context.Context, string) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClearTimeout_CancelsRetryLoop(t *testing.T) {
	m := NewManager(Config{
		Timeout:    time.Millisecond,
		MaxRetries: 100,
		BaseDelay:  20 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
	})
	defer m.Close()

	started := make(chan struct{}, 1)
	var calls atomic.Int32
	_, err := m.StartTimeout("s1", func(ctx context.Context, _ string) error {
		if calls.Add(1) == 1 {
			started <- struct{}{}
		}
		return errors.New("still failing")
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout never fired")
	}
	assert.True(t, m.ClearTimeout("s1"))
	m.Wait()
	assert.Less(t, calls.Load(), int32(100))
}

func TestClose(t *testing.T) {
	clock := NewManualClock(epoch)
	m := newTestManager(clock, 3)

	_, err := m.StartTimeout("a", func(context.Context, string) error { return nil })
	require.NoError(t, err)
	_, err = m.StartTimeout("b", func(context.Context, string) error { return nil })
	require.NoError(t, err)

	m.Close()
	assert.Empty(t, m.Active())
	assert.Equal(t, 0, clock.Pending())

	_, err = m.StartTimeout("c", func(context.Context, string) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStartTimeout_NilCallback(t *testing.T) {
	m := newTestManager(NewManualClock(epoch), 1)
	defer m.Close()
	_, err := m.StartTimeout("s1", nil)
	assert.Error(t, err)
}
