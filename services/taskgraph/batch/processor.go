// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package batch applies an operation to many items in fixed-size groups
// with per-item retry and a failure-ratio circuit breaker.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
)

// Defaults for Options.
const (
	DefaultConcurrency      = 3
	DefaultMaxAttempts      = 3
	DefaultBaseDelay        = 100 * time.Millisecond
	DefaultMaxDelay         = 2 * time.Second
	DefaultFailureThreshold = 0.5
)

// Halt reasons.
const (
	HaltCritical  = "critical"
	HaltThreshold = "threshold"
)

// Operation is applied to each item.
type Operation func(ctx context.Context, item *model.Item) error

// Options configures a Processor. Zero fields take defaults.
type Options struct {
	// Concurrency is the number of groups in flight. Items within a
	// group run sequentially. Default: 3.
	Concurrency int `yaml:"concurrency" json:"concurrency" toml:"concurrency"`

	// MaxAttempts is the total tries per item. Default: 3.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`

	// BaseDelay is the first retry delay; each retry doubles it.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" toml:"base_delay"`

	// MaxDelay caps a single retry delay.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay" toml:"max_delay"`

	// FailureThreshold halts processing when failed/processed is strictly
	// greater than it, checked before each group starts. Default: 0.5.
	FailureThreshold float64 `yaml:"failure_threshold" json:"failure_threshold" toml:"failure_threshold"`

	// RateLimit caps attempts per second across all groups, retries
	// included. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" toml:"rate_limit"`

	// RateBurst is the limiter's burst size. Default: 1.
	RateBurst int `yaml:"rate_burst" json:"rate_burst" toml:"rate_burst"`

	// Retryable decides whether a failed attempt is retried.
	// Default: model.IsRetryable.
	Retryable func(error) bool `yaml:"-" json:"-" toml:"-"`

	// Critical decides whether an error halts all remaining processing.
	// Default: model.IsCritical.
	Critical func(error) bool `yaml:"-" json:"-" toml:"-"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `yaml:"-" json:"-" toml:"-"`
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Concurrency:      DefaultConcurrency,
		MaxAttempts:      DefaultMaxAttempts,
		BaseDelay:        DefaultBaseDelay,
		MaxDelay:         DefaultMaxDelay,
		FailureThreshold: DefaultFailureThreshold,
	}
}

// Validate checks option ranges. Zero values are allowed and mean the
// default.
func (o Options) Validate() error {
	if o.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", o.Concurrency)
	}
	if o.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative, got %d", o.MaxAttempts)
	}
	if o.BaseDelay < 0 || o.MaxDelay < 0 {
		return errors.New("retry delays must be non-negative")
	}
	if o.FailureThreshold < 0 || o.FailureThreshold > 1 {
		return fmt.Errorf("failure_threshold must be in [0, 1], got %v", o.FailureThreshold)
	}
	if o.RateLimit < 0 || o.RateBurst < 0 {
		return errors.New("rate limit and burst must be non-negative")
	}
	return nil
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = max(DefaultMaxDelay, o.BaseDelay)
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	if o.Retryable == nil {
		o.Retryable = model.IsRetryable
	}
	if o.Critical == nil {
		o.Critical = model.IsCritical
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ItemError is one failed item.
type ItemError struct {
	// Index is the item's position in the input.
	Index int

	Path string
	Err  error

	// Context locates the failure, e.g. "group 2 item 4".
	Context string

	Attempts int
	Critical bool
}

// Error implements error.
func (e ItemError) Error() string {
	return fmt.Sprintf("%s (%s, %d attempts): %v", e.Path, e.Context, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e ItemError) Unwrap() error {
	return e.Err
}

// Result summarizes a run.
type Result struct {
	ProcessedCount int
	SucceededCount int
	FailedCount    int

	// SkippedCount is items never attempted because processing halted
	// or the context was cancelled.
	SkippedCount int

	// UnchangedCount is items a dependency-aware run did not forward
	// because their computed status equalled their current status.
	UnchangedCount int

	// Errors are ordered by input position.
	Errors []ItemError

	// Halted is true when processing stopped with items remaining.
	Halted     bool
	HaltReason string
	HaltCause  string
}

// FailureRatio returns FailedCount / ProcessedCount, 0 when nothing ran.
func (r *Result) FailureRatio() float64 {
	if r.ProcessedCount == 0 {
		return 0
	}
	return float64(r.FailedCount) / float64(r.ProcessedCount)
}

// Processor runs operations over item groups.
//
// # Description
//
// Items are split into groups of batchSize. Up to Concurrency groups run
// at once; a group's items run one after another. Each item is retried
// with exponential backoff unless its error is critical or not
// retryable. A critical error halts every group at its next item.
// Before each group starts, the failure ratio so far is compared with
// FailureThreshold; strictly greater halts, so exactly half failing
// keeps going.
//
// # Thread Safety
//
// A Processor is immutable and safe for concurrent use. The operation
// must be safe to call from Concurrency goroutines.
type Processor struct {
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewProcessor creates a processor.
func NewProcessor(opts Options) *Processor {
	opts.applyDefaults()
	p := &Processor{
		opts:   opts,
		logger: opts.Logger.With("component", "batch.Processor"),
	}
	if opts.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	return p
}

// Options returns the effective options.
func (p *Processor) Options() Options {
	return p.opts
}

// ProcessInBatches is NewProcessor(opts).ProcessInBatches.
func ProcessInBatches(ctx context.Context, items []*model.Item, batchSize int, op Operation, opts Options) (*Result, error) {
	return NewProcessor(opts).ProcessInBatches(ctx, items, batchSize, op)
}

// ProcessInBatches applies op to every item.
//
// # Inputs
//
//   - ctx: Cancellation stops new items; unstarted items are skipped.
//   - items: Items to process, in order.
//   - batchSize: Group size. Must be positive.
//   - op: The operation. Must not be nil.
//
// # Outputs
//
//   - *Result: Always non-nil when err is a context error.
//   - error: Invalid arguments, or ctx.Err() if cancelled. Item
//     failures are reported in Result, never here.
func (p *Processor) ProcessInBatches(ctx context.Context, items []*model.Item, batchSize int, op Operation) (*Result, error) {
	if op == nil {
		return nil, errors.New("batch operation must not be nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	start := time.Now()

	r := &run{p: p, op: op, res: &Result{}}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for gi, lo := 0, 0; lo < len(items); gi, lo = gi+1, lo+batchSize {
		hi := min(lo+batchSize, len(items))
		group := items[lo:hi]
		offset := lo
		g.Go(func() error {
			r.runGroup(gctx, gi, offset, group)
			return nil
		})
	}
	_ = g.Wait()

	res := r.finish()
	runDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("batch finished",
		"processed", res.ProcessedCount,
		"succeeded", res.SucceededCount,
		"failed", res.FailedCount,
		"skipped", res.SkippedCount,
		"halted", res.Halted,
		"duration", time.Since(start))

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// run is the shared state of one ProcessInBatches call.
type run struct {
	p  *Processor
	op Operation

	mu    sync.Mutex
	res   *Result
	halt  string
	cause string
}

func (r *run) runGroup(ctx context.Context, gi, offset int, group []*model.Item) {
	if r.checkBreaker() {
		r.skip(len(group))
		return
	}
	for j, it := range group {
		if r.halted() || ctx.Err() != nil {
			r.skip(len(group) - j)
			return
		}
		attempts, err := r.p.runItem(ctx, it, r.op)
		r.record(offset+j, fmt.Sprintf("group %d item %d", gi, j), it, attempts, err)
	}
}

// checkBreaker trips the threshold breaker if the ratio so far is over it.
func (r *run) checkBreaker() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halt != "" {
		return true
	}
	ratio := r.res.FailureRatio()
	if ratio > r.p.opts.FailureThreshold {
		r.halt = HaltThreshold
		r.cause = fmt.Sprintf("failure ratio %.2f exceeds %.2f after %d items",
			ratio, r.p.opts.FailureThreshold, r.res.ProcessedCount)
		r.p.logger.Warn("batch circuit breaker tripped",
			"failed", r.res.FailedCount,
			"processed", r.res.ProcessedCount,
			"threshold", r.p.opts.FailureThreshold)
		return true
	}
	return false
}

func (r *run) halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halt != ""
}

func (r *run) skip(n int) {
	r.mu.Lock()
	r.res.SkippedCount += n
	r.mu.Unlock()
	itemsTotal.WithLabelValues("skipped").Add(float64(n))
}

func (r *run) record(index int, where string, it *model.Item, attempts int, err error) {
	itemAttempts.Observe(float64(attempts))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.ProcessedCount++
	if err == nil {
		r.res.SucceededCount++
		itemsTotal.WithLabelValues("succeeded").Inc()
		return
	}
	critical := r.p.opts.Critical(err)
	r.res.FailedCount++
	r.res.Errors = append(r.res.Errors, ItemError{
		Index:    index,
		Path:     it.Path,
		Err:      err,
		Context:  where,
		Attempts: attempts,
		Critical: critical,
	})
	itemsTotal.WithLabelValues("failed").Inc()
	if critical && r.halt == "" {
		r.halt = HaltCritical
		r.cause = fmt.Sprintf("critical error on %s: %v", it.Path, err)
		r.p.logger.Error("critical error, halting batch", "path", it.Path, "error", err)
	}
}

func (r *run) finish() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.res
	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].Index < res.Errors[j].Index })
	if r.halt != "" && res.SkippedCount > 0 {
		res.Halted = true
		res.HaltReason = r.halt
		res.HaltCause = r.cause
		haltsTotal.WithLabelValues(r.halt).Inc()
	}
	return res
}

// runItem applies op with retry. Returns the number of attempts.
func (p *Processor) runItem(ctx context.Context, item *model.Item, op Operation) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.opts.MaxDelay

	attempts := 0
	attempt := func() (struct{}, error) {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("rate limit: %w", err))
			}
		}
		attempts++
		err := callSafely(ctx, op, item)
		if err == nil {
			return struct{}{}, nil
		}
		if p.opts.Critical(err) || !p.opts.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Debug("batch item failed, retrying",
				"path", item.Path,
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

// callSafely converts a panicking operation into an error.
func callSafely(ctx context.Context, op Operation, item *model.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation on %s panicked: %v", item.Path, r)
		}
	}()
	return op(ctx, item)
}
