// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction stages item mutations in private scopes and
// applies them to the store atomically.
//
// A Scope collects create, update, and delete intents. Every intent is
// validated when it is staged, against durable state overlaid with the
// scope's own earlier intents. Commit re-validates the whole set under a
// per-store lock and writes it; a failed write is compensated so the
// store is left as it was. Scopes are armed with a timeout and rolled
// back automatically when it fires.
package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/validation"
)

// State is the lifecycle state of a scope.
type State string

const (
	// StatePending is a scope that has been created but not begun.
	StatePending State = "PENDING"

	// StateActive accepts intents.
	StateActive State = "ACTIVE"

	// StateCommitted is terminal: intents were applied.
	StateCommitted State = "COMMITTED"

	// StateRolledBack is terminal: intents were discarded.
	StateRolledBack State = "ROLLED_BACK"
)

// IsTerminal reports whether no further operation is accepted.
func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// Op is the kind of a staged intent.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Rollback reasons, used as metric attributes.
const (
	reasonUser    = "user"
	reasonTimeout = "timeout"
	reasonClose   = "manager_close"
)

// Intent is one staged mutation.
type Intent struct {
	Op Op

	// Item is the value to write for creates and updates, and the item
	// as last seen for deletes.
	Item *model.Item

	// Base is the durable item the intent was staged against. Nil for
	// creates. Commit compares its version with the durable version.
	Base *model.Item

	// AutoDerived is true when Item.Status was computed from the graph
	// rather than taken from the request.
	AutoDerived bool
}

func (in *Intent) clone() Intent {
	return Intent{Op: in.Op, Item: in.Item.Clone(), Base: in.Base.Clone(), AutoDerived: in.AutoDerived}
}

// Scope is a private set of staged mutations.
//
// # Description
//
// Reads through a scope see durable state with the scope's own intents
// applied on top; other scopes' intents are invisible. A rejected intent
// leaves staged state untouched. Once committed or rolled back, every
// operation fails with INVALID_TRANSACTION_STATE, wrapping TIMEOUT when
// the scope was aborted by its timeout.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Operations on one scope are
// serialized.
type Scope struct {
	id     string
	mode   validation.Mode
	mgr    *Manager
	logger *slog.Logger
	begun  time.Time

	mu       sync.Mutex
	state    State
	deadline time.Time
	intents  map[string]*Intent
	order    []string
	abort    error
}

func newScope(id string, mgr *Manager, mode validation.Mode) *Scope {
	return &Scope{
		id:      id,
		mode:    mode,
		mgr:     mgr,
		logger:  mgr.logger.With("scope_id", id),
		begun:   mgr.clock.Now(),
		state:   StatePending,
		intents: make(map[string]*Intent),
	}
}

// ID returns the scope identifier.
func (s *Scope) ID() string {
	return s.id
}

// Mode returns the dependency mode intents are staged under.
func (s *Scope) Mode() validation.Mode {
	return s.mode
}

// State returns the current lifecycle state.
func (s *Scope) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Deadline returns when the scope's timeout fires.
func (s *Scope) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// Err returns the reason the scope was aborted, or nil.
func (s *Scope) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

// Intents returns copies of the staged intents in staging order.
func (s *Scope) Intents() []Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Intent, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, s.intents[p].clone())
	}
	return out
}

// GetItemByPath reads path through the scope's view.
func (s *Scope) GetItemByPath(ctx context.Context, path string) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetItemByPath(ctx, path)
}

// ChildrenOf lists children through the scope's view.
func (s *Scope) ChildrenOf(ctx context.Context, path string) ([]*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ChildrenOf(ctx, path)
}

func (s *Scope) begin(ctx context.Context, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return s.stateErrorLocked()
	}
	s.state = StateActive
	s.deadline = deadline
	s.mgr.tracer.RecordStateTransition(ctx, s.id, StatePending, StateActive)
	return nil
}

func (s *Scope) checkActiveLocked() error {
	if s.state == StateActive {
		return nil
	}
	return s.stateErrorLocked()
}

func (s *Scope) stateErrorLocked() error {
	e := model.NewError(model.CodeInvalidTransactionState,
		fmt.Sprintf("scope %s is %s", s.id, s.state))
	if s.abort != nil {
		e = e.WithCause(s.abort)
	}
	return e
}

func (s *Scope) put(in *Intent) {
	if _, ok := s.intents[in.Item.Path]; !ok {
		s.order = append(s.order, in.Item.Path)
	}
	s.intents[in.Item.Path] = in
}

func (s *Scope) drop(path string) {
	delete(s.intents, path)
	if i := slices.Index(s.order, path); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
}

// StageCreate stages a new item.
//
// # Description
//
// The item starts PENDING (an empty status means PENDING; anything else
// is INVALID_TRANSITION). Its parent must exist in the scope's view and
// admit its type; dependencies are checked under the scope's mode, and
// the candidate edge set must stay acyclic. If a dependency is BLOCKED
// or FAILED the item is staged BLOCKED. Version becomes 1.
//
// # Outputs
//
//   - *model.Item: Copy of the staged item.
//   - error: INVALID_TRANSACTION_STATE, INVALID_FIELD, INVALID_TRANSITION,
//     ALREADY_EXISTS, PARENT_NOT_FOUND, INVALID_HIERARCHY,
//     INVALID_PATH_HIERARCHY, MISSING_DEPENDENCIES, CYCLE_DETECTED,
//     SUBTASK_STATUS_CONFLICT.
func (s *Scope) StageCreate(ctx context.Context, item *model.Item) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActiveLocked(); err != nil {
		return nil, err
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	if item.Status != "" && item.Status != model.StatusPending {
		return nil, model.NewError(model.CodeInvalidTransition,
			fmt.Sprintf("new items start PENDING, not %s", item.Status), item.Path)
	}

	v := s.view()
	if in, ok := s.intents[item.Path]; ok {
		if in.Op == OpDelete {
			return nil, model.NewError(model.CodeAlreadyExists,
				"path exists and is staged for deletion in this scope", item.Path)
		}
		return nil, model.NewError(model.CodeAlreadyExists, "path is already staged", item.Path)
	}
	existing, err := v.GetItemByPath(ctx, item.Path)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", item.Path, err)
	}
	if existing != nil {
		return nil, model.NewError(model.CodeAlreadyExists, "path already exists", item.Path)
	}

	if err := validation.ValidateParentChild(ctx, item, item.ParentPath, v); err != nil {
		return nil, err
	}
	if _, err := validation.ValidateDependencies(ctx, item.Dependencies, v, s.mode); err != nil {
		return nil, err
	}
	if err := validation.DetectCycle(ctx, item.Path, item.Dependencies, v); err != nil {
		return nil, err
	}

	staged := item.Clone()
	staged.Status = model.StatusPending
	staged.Subtasks = nil
	sc, err := validation.GatherStatusContext(ctx, staged, v)
	if err != nil {
		return nil, err
	}
	if p := sc.Parent; p != nil && p.Status == model.StatusCompleted {
		return nil, model.NewError(model.CodeSubtaskStatusConflict,
			"cannot add a child under a COMPLETED parent", item.Path, p.Path)
	}
	res := validation.ResolveStatus(model.StatusPending, "", sc)

	now := s.mgr.clock.Now()
	staged.Status = res.Status
	staged.Version = 1
	staged.Created = now
	staged.Updated = now
	s.put(&Intent{Op: OpCreate, Item: staged, AutoDerived: res.AutoDerived})

	s.logger.Debug("staged create", "path", staged.Path, "status", staged.Status)
	return staged.Clone(), nil
}

// StageUpdate stages a change to an existing item.
//
// # Description
//
// item.Path selects the target. A non-zero item.Version must equal the
// version in the scope's view. ParentPath cannot change. A type change
// must still admit every child and still be admitted by the parent.
// An empty Status keeps the current status; otherwise the requested
// status goes through resolution, the transition table, and the
// propagation rules. The staged version is the durable version plus one
// no matter how often the item is re-staged in one scope.
//
// # Outputs
//
//   - *model.Item: Copy of the staged item.
//   - error: INVALID_TRANSACTION_STATE, INVALID_FIELD, NOT_FOUND,
//     STALE_VERSION, INVALID_OPERATION,
//     INVALID_TYPE_CHANGE, INVALID_HIERARCHY, MISSING_DEPENDENCIES,
//     CYCLE_DETECTED, INVALID_TRANSITION, or a status conflict.
func (s *Scope) StageUpdate(ctx context.Context, item *model.Item) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActiveLocked(); err != nil {
		return nil, err
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	v := s.view()
	prior, staged := s.intents[item.Path]
	if staged && prior.Op == OpDelete {
		return nil, model.NewError(model.CodeInvalidOperation, "path is staged for deletion", item.Path)
	}
	current, err := v.GetItemByPath(ctx, item.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", item.Path, err)
	}
	if current == nil {
		return nil, model.NewError(model.CodeNotFound, "item does not exist", item.Path)
	}
	if item.Version != 0 && item.Version != current.Version {
		return nil, model.NewError(model.CodeStaleVersion,
			fmt.Sprintf("version %d is stale, current is %d", item.Version, current.Version), item.Path)
	}
	if item.ParentPath != current.ParentPath {
		return nil, model.NewError(model.CodeInvalidOperation,
			fmt.Sprintf("parent cannot change from %q to %q", current.ParentPath, item.ParentPath), item.Path)
	}

	next := item.Clone()
	next.Subtasks = nil
	if next.Type != current.Type {
		children, err := v.ChildrenOf(ctx, item.Path)
		if err != nil {
			return nil, fmt.Errorf("listing children of %s: %w", item.Path, err)
		}
		if err := validation.ValidateTypeChange(current, next.Type, children); err != nil {
			return nil, err
		}
		if err := validation.ValidateParentChild(ctx, next, next.ParentPath, v); err != nil {
			return nil, err
		}
	}
	if !slices.Equal(next.Dependencies, current.Dependencies) {
		if _, err := validation.ValidateDependencies(ctx, next.Dependencies, v, s.mode); err != nil {
			return nil, err
		}
		if err := validation.DetectCycle(ctx, next.Path, next.Dependencies, v); err != nil {
			return nil, err
		}
	}

	requested := next.Status
	if requested == "" {
		requested = current.Status
	}
	probe := current.Clone()
	probe.Dependencies = next.Dependencies
	sc, err := validation.GatherStatusContext(ctx, probe, v)
	if err != nil {
		return nil, err
	}
	res, err := validation.ValidateStatusChange(probe, requested, sc)
	if err != nil {
		return nil, err
	}
	if p := sc.Parent; p != nil && p.Status == model.StatusCompleted &&
		current.Status == model.StatusCompleted && res.Status != model.StatusCompleted {
		return nil, model.NewError(model.CodeSubtaskStatusConflict,
			"cannot reopen a child of a COMPLETED parent", item.Path, p.Path)
	}
	if current.Status == model.StatusCompleted && res.Status != model.StatusCompleted {
		all, err := v.ListItems(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing dependents of %s: %w", item.Path, err)
		}
		if deps := completedDependents(all, item.Path); len(deps) > 0 {
			return nil, model.NewError(model.CodeDependencyStatusConflict,
				"cannot reopen an item that COMPLETED items depend on",
				append([]string{item.Path}, deps...)...)
		}
	}

	in := &Intent{Op: OpUpdate, Base: current, AutoDerived: res.AutoDerived}
	if staged {
		in.Op, in.Base = prior.Op, prior.Base
	}
	next.Status = res.Status
	next.Created = current.Created
	next.Updated = s.mgr.clock.Now()
	if in.Op == OpCreate {
		next.Version = 1
	} else {
		next.Version = in.Base.Version + 1
	}
	in.Item = next
	s.put(in)

	s.logger.Debug("staged update", "path", next.Path, "status", next.Status, "version", next.Version)
	return next.Clone(), nil
}

// StageDelete stages removal of path.
//
// # Description
//
// The item must exist in the scope's view and nothing in the view may
// still name it as parent or dependency. A non-zero version must match.
// Deleting an item created in this same scope just discards the create.
//
// # Outputs
//
//   - error: INVALID_TRANSACTION_STATE, NOT_FOUND, ALREADY_DELETED,
//     STALE_VERSION, INVALID_OPERATION listing the items still
//     referring to path.
func (s *Scope) StageDelete(ctx context.Context, path string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActiveLocked(); err != nil {
		return err
	}
	if !model.ValidPath(path) {
		return model.NewError(model.CodeInvalidField, "malformed path", path)
	}

	v := s.view()
	prior, staged := s.intents[path]
	if staged && prior.Op == OpDelete {
		return model.NewError(model.CodeAlreadyDeleted, "path is already staged for deletion", path)
	}
	current, err := v.GetItemByPath(ctx, path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if current == nil {
		return model.NewError(model.CodeNotFound, "item does not exist", path)
	}
	if version != 0 && version != current.Version {
		return model.NewError(model.CodeStaleVersion,
			fmt.Sprintf("version %d is stale, current is %d", version, current.Version), path)
	}

	items, err := v.ListItems(ctx)
	if err != nil {
		return err
	}
	var refs []string
	for _, it := range items {
		if it.Path != path && (it.ParentPath == path || it.DependsOn(path)) {
			refs = append(refs, it.Path)
		}
	}
	if len(refs) > 0 {
		return model.NewError(model.CodeInvalidOperation,
			fmt.Sprintf("%d items still refer to this item", len(refs)),
			append([]string{path}, refs...)...)
	}

	if staged && prior.Op == OpCreate {
		s.drop(path)
		s.logger.Debug("discarded staged create", "path", path)
		return nil
	}
	base := current
	if staged {
		base = prior.Base
	}
	s.put(&Intent{Op: OpDelete, Item: current, Base: base})
	s.logger.Debug("staged delete", "path", path)
	return nil
}

// Commit applies every staged intent to the store.
//
// # Description
//
// Re-validates the full intent set against current durable state under
// the store's commit lock, then writes creates and updates in
// dependency-and-hierarchy order and deletes last. If a store write
// fails, writes already applied are compensated in reverse. Success
// leaves the scope COMMITTED; any failure leaves it ROLLED_BACK.
//
// # Outputs
//
//   - error: INVALID_TRANSACTION_STATE, STALE_VERSION, a re-validation
//     error, or TRANSACTION_ERROR whose Paths are the items compensation
//     could not restore.
func (s *Scope) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActiveLocked(); err != nil {
		return err
	}

	intents := make([]*Intent, 0, len(s.order))
	for _, p := range s.order {
		intents = append(intents, s.intents[p])
	}
	ctx, span := s.mgr.tracer.StartCommit(ctx, s.id, len(intents))
	err := s.mgr.commitSafely(ctx, intents)
	s.mgr.tracer.End(span, err)

	duration := s.mgr.clock.Now().Sub(s.begun)
	if err != nil {
		s.finishLocked(ctx, StateRolledBack)
		s.mgr.failed.Add(1)
		recordCommit(ctx, duration, len(intents), false)
		LoggerWithTrace(ctx, s.logger).Warn("commit failed", "intents", len(intents), "error", err)
		return err
	}
	s.finishLocked(ctx, StateCommitted)
	s.mgr.committed.Add(1)
	recordCommit(ctx, duration, len(intents), true)
	LoggerWithTrace(ctx, s.logger).Info("scope committed", "intents", len(intents), "duration", duration)
	return nil
}

// Rollback discards every staged intent. Durable state is untouched.
//
// # Outputs
//
//   - error: INVALID_TRANSACTION_STATE if the scope is already terminal.
func (s *Scope) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActiveLocked(); err != nil {
		return err
	}
	s.rollbackLocked(ctx, reasonUser, nil)
	return nil
}

// abortWith rolls back a non-terminal scope with cause. Returns false if
// the scope had already finished.
func (s *Scope) abortWith(ctx context.Context, reason string, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return false
	}
	s.rollbackLocked(ctx, reason, cause)
	return true
}

func (s *Scope) rollbackLocked(ctx context.Context, reason string, cause error) {
	ctx, span := s.mgr.tracer.StartRollback(ctx, s.id, reason)
	n := len(s.intents)
	s.abort = cause
	s.finishLocked(ctx, StateRolledBack)
	s.mgr.tracer.End(span, nil)

	s.mgr.rolledBack.Add(1)
	if reason == reasonTimeout {
		s.mgr.expired.Add(1)
	}
	recordRollback(ctx, s.mgr.clock.Now().Sub(s.begun), n, reason)
	s.logger.Info("scope rolled back", "reason", reason, "intents", n)
}

func (s *Scope) finishLocked(ctx context.Context, to State) {
	from := s.state
	s.state = to
	s.intents = nil
	s.order = nil
	s.mgr.tracer.RecordStateTransition(ctx, s.id, from, to)
	s.mgr.release(s.id)
}
