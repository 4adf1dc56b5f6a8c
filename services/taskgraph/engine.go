// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taskgraph wires the task-graph engine: validators, transaction
// scopes, the timeout manager, and the batch processor over one store.
//
// # Description
//
// An Engine owns exactly one store. Mutations are staged in scopes and
// become durable only on Commit. Bulk work goes through ProcessBatch,
// which stages every item in a single DEFERRED scope and commits once.
// Nothing here is process-global; create one Engine per store.
package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/taskgraph/services/taskgraph/batch"
	"github.com/AleutianAI/taskgraph/services/taskgraph/config"
	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/storage"
	"github.com/AleutianAI/taskgraph/services/taskgraph/timeout"
	"github.com/AleutianAI/taskgraph/services/taskgraph/transaction"
	"github.com/AleutianAI/taskgraph/services/taskgraph/validation"
)

// ErrClosed is returned by Engine methods after Close.
var ErrClosed = errors.New("engine is closed")

// Option configures New.
type Option func(*engineOptions)

type engineOptions struct {
	store  storage.Store
	clock  timeout.Clock
	logger *slog.Logger
}

// WithStore injects a store instead of opening cfg.Store. The caller
// keeps ownership; Close does not close it.
func WithStore(s storage.Store) Option {
	return func(o *engineOptions) { o.store = s }
}

// WithClock replaces the wall clock used for timeouts and timestamps.
func WithClock(c timeout.Clock) Option {
	return func(o *engineOptions) { o.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// Engine is the task-graph engine.
//
// # Thread Safety
//
// Safe for concurrent use. Individual scopes serialize their own calls.
type Engine struct {
	cfg        config.Config
	store      storage.Store
	ownsStore  bool
	timeouts   *timeout.Manager
	txns       *transaction.Manager
	processor  *batch.Processor
	sequential *batch.Processor
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New builds an engine from cfg.
//
// # Inputs
//
//   - cfg: Validated with cfg.Validate.
//   - opts: WithStore, WithClock, WithLogger.
//
// # Outputs
//
//   - *Engine: Caller must Close.
//   - error: Invalid configuration or a store that failed to open.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := engineOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = timeout.RealClock()
	}

	store, owns := o.store, false
	if store == nil {
		s, err := OpenStore(cfg.Store, o.logger)
		if err != nil {
			return nil, err
		}
		store, owns = s, true
	}

	tcfg := cfg.TimeoutManagerConfig()
	tcfg.Clock = o.clock
	tcfg.Logger = o.logger
	timeouts := timeout.NewManager(tcfg)

	transaction.SetMetricsEnabled(cfg.Observability.MetricsEnabled)
	txns, err := transaction.NewManager(store, timeouts, transaction.Config{
		DefaultMode: validation.Mode(cfg.Transaction.DefaultMode),
		Tracing:     cfg.Observability.TracingEnabled,
		Clock:       o.clock,
		Logger:      o.logger,
	})
	if err != nil {
		timeouts.Close()
		if owns {
			_ = store.Close()
		}
		return nil, err
	}

	bopts := cfg.BatchOptions()
	bopts.Logger = o.logger
	seq := bopts
	seq.Concurrency = 1

	e := &Engine{
		cfg:        cfg,
		store:      store,
		ownsStore:  owns,
		timeouts:   timeouts,
		txns:       txns,
		processor:  batch.NewProcessor(bopts),
		sequential: batch.NewProcessor(seq),
		logger:     o.logger.With("component", "taskgraph.Engine"),
	}
	e.logger.Info("engine started",
		"backend", cfg.Store.Backend,
		"default_mode", cfg.Transaction.DefaultMode,
		"scope_timeout", timeouts.Timeout())
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Stats returns scope counters.
func (e *Engine) Stats() transaction.Stats {
	return e.txns.Stats()
}

// BeginTransaction opens a scope. An empty mode uses the configured
// default.
func (e *Engine) BeginTransaction(ctx context.Context, mode validation.Mode) (*transaction.Scope, error) {
	var opts []transaction.Option
	if mode != "" {
		opts = append(opts, transaction.WithMode(mode))
	}
	s, err := e.txns.Begin(ctx, opts...)
	if errors.Is(err, transaction.ErrManagerClosed) {
		return nil, ErrClosed
	}
	return s, err
}

// StageCreate stages item in scope. See transaction.Scope.StageCreate.
func (e *Engine) StageCreate(ctx context.Context, scope *transaction.Scope, item *model.Item) (*model.Item, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	return scope.StageCreate(ctx, item)
}

// StageUpdate stages a change in scope. See transaction.Scope.StageUpdate.
func (e *Engine) StageUpdate(ctx context.Context, scope *transaction.Scope, item *model.Item) (*model.Item, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	return scope.StageUpdate(ctx, item)
}

// StageDelete stages removal of path. A zero version skips the version
// check.
func (e *Engine) StageDelete(ctx context.Context, scope *transaction.Scope, path string, version int64) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	return scope.StageDelete(ctx, path, version)
}

// Commit commits scope.
func (e *Engine) Commit(ctx context.Context, scope *transaction.Scope) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	return scope.Commit(ctx)
}

// Rollback discards scope.
func (e *Engine) Rollback(ctx context.Context, scope *transaction.Scope) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	return scope.Rollback(ctx)
}

func checkScope(scope *transaction.Scope) error {
	if scope == nil {
		return model.NewError(model.CodeInvalidTransactionState, "scope is nil")
	}
	return nil
}

// SortByDependencies orders items so every dependency precedes its
// dependents.
func (e *Engine) SortByDependencies(items []*model.Item) ([]*model.Item, error) {
	return validation.SortByDependencies(items)
}

// Get returns the durable item at path with Subtasks filled from its
// current children.
//
// # Outputs
//
//   - *model.Item: Caller-owned copy.
//   - error: NOT_FOUND, or a store failure.
func (e *Engine) Get(ctx context.Context, path string) (*model.Item, error) {
	it, err := e.store.GetItemByPath(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if it == nil {
		return nil, model.NewError(model.CodeNotFound, "item does not exist", path)
	}
	children, err := e.store.ChildrenOf(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", path, err)
	}
	it.Subtasks = sortedPaths(children)
	return it, nil
}

// Children returns the durable children of path, sorted by path.
func (e *Engine) Children(ctx context.Context, path string) ([]*model.Item, error) {
	children, err := e.store.ChildrenOf(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", path, err)
	}
	storage.SortByPath(children)
	return children, nil
}

// List returns every durable item, sorted by path, with Subtasks filled.
func (e *Engine) List(ctx context.Context) ([]*model.Item, error) {
	items, err := e.store.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	kids := make(map[string][]string)
	for _, it := range items {
		if it.ParentPath != "" {
			kids[it.ParentPath] = append(kids[it.ParentPath], it.Path)
		}
	}
	for _, it := range items {
		it.Subtasks = kids[it.Path]
		sort.Strings(it.Subtasks)
	}
	return items, nil
}

// Close rolls back open scopes, stops timers, and closes an owned store.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		err := e.txns.Close(ctx)
		e.timeouts.Close()
		if e.ownsStore {
			err = errors.Join(err, e.store.Close())
		}
		e.closeErr = err
		e.logger.Info("engine closed", "stats", fmt.Sprintf("%+v", e.txns.Stats()))
	})
	return e.closeErr
}

func sortedPaths(items []*model.Item) []string {
	if len(items) == 0 {
		return nil
	}
	out := model.ChildPaths(items)
	sort.Strings(out)
	return out
}
