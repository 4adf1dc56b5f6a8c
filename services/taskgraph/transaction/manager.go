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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage"
	"github.com/AleutianAI/taskgraph/services/taskgraph/timeout"
	"github.com/AleutianAI/taskgraph/services/taskgraph/validation"
)

// Sentinel errors for the manager.
var (
	// ErrManagerClosed is returned by Begin after Close.
	ErrManagerClosed = errors.New("transaction manager is closed")

	// ErrNilStore is returned by NewManager when no store is given.
	ErrNilStore = errors.New("store must not be nil")
)

// Config configures a Manager.
type Config struct {
	// DefaultMode is the dependency mode of scopes begun without
	// WithMode. Default: STRICT.
	DefaultMode validation.Mode

	// Tracing enables OpenTelemetry spans.
	Tracing bool

	// Clock stamps Created and Updated. Default: timeout.RealClock().
	Clock timeout.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Option configures a single scope.
type Option func(*beginOptions)

type beginOptions struct {
	mode validation.Mode
}

// WithMode sets the dependency mode for the scope.
func WithMode(mode validation.Mode) Option {
	return func(o *beginOptions) { o.mode = mode }
}

// Stats counts scope outcomes since the manager was created.
type Stats struct {
	Open       int
	Committed  int64
	RolledBack int64
	Expired    int64
	Failed     int64
}

// Manager owns the open scopes over one store.
//
// # Description
//
// Begin creates a scope and arms its timeout; when the timeout fires the
// scope is rolled back with a TIMEOUT cause. Commits of all scopes are
// serialized by one commit lock per manager, so one Manager must own each
// store.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Manager struct {
	store    storage.Store
	reader   *storage.SharedLookup
	timeouts *timeout.Manager
	clock    timeout.Clock
	mode     validation.Mode
	logger   *slog.Logger
	tracer   *Tracer

	commitMu sync.Mutex

	mu     sync.Mutex
	scopes map[string]*Scope
	closed bool

	committed  atomic.Int64
	rolledBack atomic.Int64
	expired    atomic.Int64
	failed     atomic.Int64
}

// NewManager creates a manager over store. Scope timeouts are armed on
// timeouts.
//
// # Outputs
//
//   - *Manager: Ready manager.
//   - error: ErrNilStore, or an invalid DefaultMode.
func NewManager(store storage.Store, timeouts *timeout.Manager, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if timeouts == nil {
		return nil, errors.New("timeout manager must not be nil")
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = validation.ModeStrict
	}
	if !cfg.DefaultMode.IsValid() {
		return nil, fmt.Errorf("unknown dependency mode %q", cfg.DefaultMode)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeout.RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "transaction.Manager")
	return &Manager{
		store:    store,
		reader:   storage.NewSharedLookup(store),
		timeouts: timeouts,
		clock:    cfg.Clock,
		mode:     cfg.DefaultMode,
		logger:   logger,
		tracer:   NewTracer(logger, cfg.Tracing),
		scopes:   make(map[string]*Scope),
	}, nil
}

// Begin opens a new ACTIVE scope.
//
// # Outputs
//
//   - *Scope: The scope. Its timeout is already armed.
//   - error: ErrManagerClosed, or an invalid mode.
func (m *Manager) Begin(ctx context.Context, opts ...Option) (*Scope, error) {
	o := beginOptions{mode: m.mode}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.mode.IsValid() {
		return nil, fmt.Errorf("unknown dependency mode %q", o.mode)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	s := newScope(uuid.NewString(), m, o.mode)
	m.scopes[s.id] = s
	m.mu.Unlock()

	deadline, err := m.timeouts.StartTimeout(s.id, m.expire)
	if err != nil {
		m.forget(s.id)
		return nil, fmt.Errorf("arming timeout for scope %s: %w", s.id, err)
	}
	if err := s.begin(ctx, deadline); err != nil {
		return nil, err
	}

	recordBegin(ctx, string(o.mode))
	s.logger.Debug("scope begun", "mode", o.mode, "deadline", deadline)
	return s, nil
}

// Get returns the open scope with id.
func (m *Manager) Get(id string) (*Scope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[id]
	return s, ok
}

// Open returns the ids of open scopes, sorted.
func (m *Manager) Open() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.scopes))
	for id := range m.scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns outcome counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	open := len(m.scopes)
	m.mu.Unlock()
	return Stats{
		Open:       open,
		Committed:  m.committed.Load(),
		RolledBack: m.rolledBack.Load(),
		Expired:    m.expired.Load(),
		Failed:     m.failed.Load(),
	}
}

// Close rolls back every open scope. Begin fails afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	open := make([]*Scope, 0, len(m.scopes))
	for _, s := range m.scopes {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.abortWith(ctx, reasonClose, ErrManagerClosed)
	}
	if len(open) > 0 {
		m.logger.Info("rolled back open scopes on close", "count", len(open))
	}
	return nil
}

// expire is the timeout callback. A scope that already finished is not
// an error.
func (m *Manager) expire(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return nil
	}
	cause := model.NewError(model.CodeTimeout,
		fmt.Sprintf("scope %s exceeded %s", id, m.timeouts.Timeout()))
	if s.abortWith(ctx, reasonTimeout, cause) {
		s.logger.Warn("scope expired", "timeout", m.timeouts.Timeout())
	}
	return nil
}

// release drops a finished scope and disarms its timeout.
func (m *Manager) release(id string) {
	m.forget(id)
	m.timeouts.ClearTimeout(id)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.scopes, id)
	m.mu.Unlock()
}
