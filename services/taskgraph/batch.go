// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taskgraph

import (
	"context"
	"fmt"
	"sort"

	"github.com/AleutianAI/taskgraph/services/taskgraph/batch"
	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/transaction"
	"github.com/AleutianAI/taskgraph/services/taskgraph/validation"
)

// BatchResult is the outcome of ProcessBatch or SettleStatuses.
type BatchResult struct {
	batch.Result

	// ScopeID is the scope every item was staged in.
	ScopeID string

	// Committed is true if the scope committed.
	Committed bool
}

// BatchOption configures ProcessBatch.
type BatchOption func(*batchOptions)

type batchOptions struct {
	size         int
	allOrNothing bool
	dryRun       bool
}

// WithBatchSize overrides the configured group size.
func WithBatchSize(n int) BatchOption {
	return func(o *batchOptions) { o.size = n }
}

// WithAllOrNothing rolls back if any item failed. By default the items
// that staged cleanly are committed and failures are reported.
func WithAllOrNothing() BatchOption {
	return func(o *batchOptions) { o.allOrNothing = true }
}

// WithDryRun stages and validates everything, then rolls back.
func WithDryRun() BatchOption {
	return func(o *batchOptions) { o.dryRun = true }
}

// ProcessBatch applies op to every item inside one scope.
//
// # Description
//
// The scope runs in the configured batch mode (DEFERRED by default), so
// dependencies may point forward within the batch; they are checked
// strictly at commit. Creates and updates are first ordered with
// SortByDependencies, which is where a cycle spanning the whole batch
// surfaces. Items are then split into waves by path depth: parents
// before children for creates and updates, children before parents for
// deletes. Each wave goes through the batch processor. Updates run their
// groups one at a time so every staged status is visible to its
// dependents. For deletes only Path and Version are read.
//
// The scope commits unless processing halted, nothing succeeded, the
// run was a dry run, or WithAllOrNothing was given and an item failed.
//
// # Outputs
//
//   - *BatchResult: Counts and per-item errors; Errors[i].Index is the
//     position in items. Non-nil whenever a scope was opened.
//   - error: INVALID_OPERATION, INVALID_FIELD, CYCLE_DETECTED, a context
//     error, or the commit error.
func (e *Engine) ProcessBatch(ctx context.Context, op transaction.Op, items []*model.Item, opts ...BatchOption) (*BatchResult, error) {
	o := batchOptions{size: e.cfg.Batch.Size}
	for _, opt := range opts {
		opt(&o)
	}
	for i, it := range items {
		if it == nil {
			return nil, model.Errorf(model.CodeInvalidField, "item %d is nil", i)
		}
	}
	waves, err := planWaves(op, items)
	if err != nil {
		return nil, err
	}

	scope, err := e.BeginTransaction(ctx, validation.Mode(e.cfg.Transaction.BatchMode))
	if err != nil {
		return nil, err
	}
	res := &BatchResult{ScopeID: scope.ID()}
	logger := e.logger.With("scope_id", scope.ID(), "op", op)

	stage := stager(scope, op)
	proc := e.processor
	if op == transaction.OpUpdate {
		proc = e.sequential
	}
	threshold := proc.Options().FailureThreshold

	for w, idx := range waves {
		if res.Halted {
			res.SkippedCount += len(idx)
			continue
		}
		if w > 0 {
			if cause, halt := haltBetweenWaves(res, threshold); halt != "" {
				res.Halted, res.HaltReason, res.HaltCause = true, halt, cause
				res.SkippedCount += len(idx)
				continue
			}
		}
		wave := make([]*model.Item, len(idx))
		for j, i := range idx {
			wave[j] = items[i]
		}
		r, err := proc.ProcessInBatches(ctx, wave, o.size, stage)
		if r != nil {
			res.merge(r, idx)
		}
		if err != nil {
			for _, rest := range waves[w+1:] {
				res.SkippedCount += len(rest)
			}
			sortErrors(res)
			_ = scope.Rollback(context.WithoutCancel(ctx))
			return res, err
		}
	}
	sortErrors(res)

	reason := ""
	switch {
	case o.dryRun:
		reason = "dry run"
	case res.Halted:
		reason = "halted: " + res.HaltReason
	case res.SucceededCount == 0:
		reason = "nothing staged"
	case o.allOrNothing && res.FailedCount > 0:
		reason = "all-or-nothing with failures"
	}
	if reason != "" {
		logger.Info("batch rolled back", "reason", reason, "failed", res.FailedCount)
		if err := scope.Rollback(ctx); err != nil {
			return res, err
		}
		return res, nil
	}

	if err := scope.Commit(ctx); err != nil {
		return res, err
	}
	res.Committed = true
	logger.Info("batch committed",
		"succeeded", res.SucceededCount,
		"failed", res.FailedCount)
	return res, nil
}

// haltBetweenWaves applies the circuit breaker rules across waves:
// an earlier critical error halts, and so does a failure ratio over
// threshold.
func haltBetweenWaves(res *BatchResult, threshold float64) (string, string) {
	for _, ie := range res.Errors {
		if ie.Critical {
			return fmt.Sprintf("critical error on %s: %v", ie.Path, ie.Err), batch.HaltCritical
		}
	}
	if ratio := res.FailureRatio(); ratio > threshold {
		return fmt.Sprintf("failure ratio %.2f exceeds %.2f after %d items",
			ratio, threshold, res.ProcessedCount), batch.HaltThreshold
	}
	return "", ""
}

// SettleStatuses recomputes every durable item's status from its
// dependencies and stages the changed ones in one scope.
//
// # Description
//
// Items are ordered with SortByDependencies and computed against the
// scope's view with each computed status visible to later items, so a
// FAILED item blocks its whole downstream chain in one pass. Groups run
// one at a time. The scope commits if anything changed and processing
// did not halt.
//
// # Outputs
//
//   - *BatchResult: UnchangedCount is items already settled.
//   - error: CYCLE_DETECTED, a store failure, or the commit error.
func (e *Engine) SettleStatuses(ctx context.Context) (*BatchResult, error) {
	items, err := e.store.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	scope, err := e.BeginTransaction(ctx, validation.ModeStrict)
	if err != nil {
		return nil, err
	}
	res := &BatchResult{ScopeID: scope.ID()}

	dep := batch.NewDependencyAware(e.sequential, scope)
	r, err := dep.ProcessInBatches(ctx, items, e.cfg.Batch.Size, stager(scope, transaction.OpUpdate))
	if r != nil {
		res.Result = *r
	}
	if err != nil {
		_ = scope.Rollback(context.WithoutCancel(ctx))
		return res, err
	}
	if res.SucceededCount == 0 || res.Halted {
		if err := scope.Rollback(ctx); err != nil {
			return res, err
		}
		return res, nil
	}
	if err := scope.Commit(ctx); err != nil {
		return res, err
	}
	res.Committed = true
	e.logger.Info("statuses settled",
		"changed", res.SucceededCount,
		"unchanged", res.UnchangedCount,
		"failed", res.FailedCount)
	return res, nil
}

func stager(scope *transaction.Scope, op transaction.Op) batch.Operation {
	switch op {
	case transaction.OpCreate:
		return func(ctx context.Context, it *model.Item) error {
			_, err := scope.StageCreate(ctx, it)
			return err
		}
	case transaction.OpUpdate:
		return func(ctx context.Context, it *model.Item) error {
			_, err := scope.StageUpdate(ctx, it)
			return err
		}
	default:
		return func(ctx context.Context, it *model.Item) error {
			return scope.StageDelete(ctx, it.Path, it.Version)
		}
	}
}

// planWaves returns item indices grouped into waves by path depth.
func planWaves(op transaction.Op, items []*model.Item) ([][]int, error) {
	rank := make(map[string]int, len(items))
	switch op {
	case transaction.OpCreate, transaction.OpUpdate:
		sorted, err := validation.SortByDependencies(items)
		if err != nil {
			return nil, err
		}
		for i, it := range sorted {
			rank[it.Path] = i
		}
	case transaction.OpDelete:
	default:
		return nil, model.Errorf(model.CodeInvalidOperation, "unknown batch operation %q", op)
	}

	byDepth := make(map[int][]int)
	var depths []int
	for i, it := range items {
		d := model.Depth(it.Path)
		if _, ok := byDepth[d]; !ok {
			depths = append(depths, d)
		}
		byDepth[d] = append(byDepth[d], i)
	}
	if op == transaction.OpDelete {
		sort.Sort(sort.Reverse(sort.IntSlice(depths)))
	} else {
		sort.Ints(depths)
	}

	waves := make([][]int, 0, len(depths))
	for _, d := range depths {
		idx := byDepth[d]
		sort.SliceStable(idx, func(a, b int) bool {
			return rank[items[idx[a]].Path] < rank[items[idx[b]].Path]
		})
		waves = append(waves, idx)
	}
	return waves, nil
}

func (r *BatchResult) merge(w *batch.Result, idx []int) {
	r.ProcessedCount += w.ProcessedCount
	r.SucceededCount += w.SucceededCount
	r.FailedCount += w.FailedCount
	r.SkippedCount += w.SkippedCount
	r.UnchangedCount += w.UnchangedCount
	for _, ie := range w.Errors {
		ie.Index = idx[ie.Index]
		r.Errors = append(r.Errors, ie)
	}
	if w.Halted && !r.Halted {
		r.Halted, r.HaltReason, r.HaltCause = true, w.HaltReason, w.HaltCause
	}
}

func sortErrors(r *BatchResult) {
	sort.SliceStable(r.Errors, func(i, j int) bool { return r.Errors[i].Index < r.Errors[j].Index })
}
