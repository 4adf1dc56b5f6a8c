// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package timeout supervises the lifetime of open transaction scopes.
//
// One timer is armed per scope. When it fires, a caller-supplied cleanup
// (typically a rollback) runs, and is retried with exponential backoff if
// it fails. Validation and batch code never block on wall-clock time;
// everything time-based lives here.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Defaults for Config.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// ErrClosed is returned by StartTimeout after Close.
var ErrClosed = errors.New("timeout manager is closed")

// Callback is the cleanup run when a timeout fires. ctx is cancelled if
// the timeout is cleared while the cleanup is still retrying.
type Callback func(ctx context.Context, id string) error

// Config configures a Manager.
type Config struct {
	// Timeout is how long a scope may stay open. Default: 30s.
	Timeout time.Duration

	// MaxRetries is how many times a failed cleanup is retried.
	// Total attempts are MaxRetries+1. Default: 3. Negative means none.
	MaxRetries int

	// BaseDelay is the first retry delay; each retry doubles it.
	// Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps a single retry delay. Default: 30s.
	MaxDelay time.Duration

	// Clock defaults to RealClock().
	Clock Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(DefaultMaxDelay, c.BaseDelay)
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type entry struct {
	gen     uint64
	timer   Timer
	cancel  context.CancelFunc
	firedAt time.Time
}

// Manager tracks one timer per scope id.
//
// # Description
//
// StartTimeout arms a one-shot timer; arming an id that is already armed
// replaces the previous timer. When the timer fires, the callback runs
// with up to MaxRetries retries and exponential backoff between them.
// ClearTimeout stops the timer and cancels any in-flight retry loop.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	nextGen uint64
	closed  bool

	running sync.WaitGroup
}

// NewManager creates a manager. Zero fields in cfg take defaults.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "timeout.Manager"),
		entries: make(map[string]*entry),
	}
}

// Timeout returns the configured scope timeout.
func (m *Manager) Timeout() time.Duration {
	return m.cfg.Timeout
}

// StartTimeout arms the timer for id.
//
// # Inputs
//
//   - id: Scope identifier.
//   - onTimeout: Cleanup to run when the timer fires. Must not be nil.
//
// # Outputs
//
//   - time.Time: The deadline.
//   - error: ErrClosed after Close.
func (m *Manager) StartTimeout(id string, onTimeout Callback) (time.Time, error) {
	if onTimeout == nil {
		return time.Time{}, fmt.Errorf("timeout callback for %s must not be nil", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, ErrClosed
	}

	if old, ok := m.entries[id]; ok {
		m.stopLocked(old)
	} else {
		timeoutsArmed.Inc()
	}

	m.nextGen++
	e := &entry{gen: m.nextGen}
	gen := e.gen
	e.timer = m.cfg.Clock.AfterFunc(m.cfg.Timeout, func() {
		m.fire(id, gen, onTimeout)
	})
	m.entries[id] = e
	return m.cfg.Clock.Now().Add(m.cfg.Timeout), nil
}

// ClearTimeout disarms id. Returns false if id was not armed.
func (m *Manager) ClearTimeout(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	m.stopLocked(e)
	delete(m.entries, id)
	timeoutsArmed.Dec()
	return true
}

func (m *Manager) stopLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// Active returns the armed ids, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close disarms every timer and waits for running cleanups to return.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, e := range m.entries {
		m.stopLocked(e)
		delete(m.entries, id)
		timeoutsArmed.Dec()
	}
	m.mu.Unlock()
	m.running.Wait()
}

// Wait blocks until no cleanup is running.
func (m *Manager) Wait() {
	m.running.Wait()
}

func (m *Manager) fire(id string, gen uint64, onTimeout Callback) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.firedAt = m.cfg.Clock.Now()
	m.running.Add(1)
	m.mu.Unlock()

	defer m.running.Done()
	defer cancel()

	timeoutsFired.Inc()
	m.logger.Warn("scope timed out, running cleanup",
		"scope_id", id,
		"timeout", m.cfg.Timeout)

	attempts, err := m.runWithRetry(ctx, id, onTimeout)

	m.mu.Lock()
	if cur, ok := m.entries[id]; ok && cur.gen == gen {
		delete(m.entries, id)
		timeoutsArmed.Dec()
	}
	m.mu.Unlock()

	switch {
	case err == nil:
		m.logger.Info("scope cleanup completed", "scope_id", id, "attempts", attempts)
	case errors.Is(err, context.Canceled):
		m.logger.Debug("scope cleanup cancelled", "scope_id", id, "attempts", attempts)
	default:
		cleanupExhausted.Inc()
		m.logger.Error("scope cleanup failed after retries",
			"scope_id", id,
			"attempts", attempts,
			"error", err)
	}
}

// runWithRetry runs onTimeout until it succeeds, attempts run out, or
// ctx is cancelled. Returns the number of attempts made.
func (m *Manager) runWithRetry(ctx context.Context, id string, onTimeout Callback) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.cfg.MaxDelay

	attempts := 0
	op := func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		attempts++
		err := m.callSafely(ctx, id, onTimeout)
		if err != nil {
			cleanupAttempts.WithLabelValues("error").Inc()
			return struct{}{}, err
		}
		cleanupAttempts.WithLabelValues("ok").Inc()
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("scope cleanup failed, retrying",
				"scope_id", id,
				"attempt", attempts,
				"next_delay", next,
				"error", err)
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return attempts, err
}

// callSafely converts a panicking callback into an error.
func (m *Manager) callSafely(ctx context.Context, id string, onTimeout Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup for %s panicked: %v", id, r)
		}
	}()
	return onTimeout(ctx, id)
}
