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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("taskgraph.transaction")

var (
	beginTotal     metric.Int64Counter
	commitTotal    metric.Int64Counter
	rollbackTotal  metric.Int64Counter
	expiredTotal   metric.Int64Counter
	scopeDuration  metric.Float64Histogram
	intentsApplied metric.Int64Histogram
	activeGauge    metric.Int64UpDownCounter
	compensations  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics creates the instruments once.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if beginTotal, err = meter.Int64Counter("taskgraph_scope_begin_total",
			metric.WithDescription("Scopes opened")); err != nil {
			metricsErr = err
			return
		}
		if commitTotal, err = meter.Int64Counter("taskgraph_scope_commit_total",
			metric.WithDescription("Commit attempts by outcome")); err != nil {
			metricsErr = err
			return
		}
		if rollbackTotal, err = meter.Int64Counter("taskgraph_scope_rollback_total",
			metric.WithDescription("Rollbacks by reason")); err != nil {
			metricsErr = err
			return
		}
		if expiredTotal, err = meter.Int64Counter("taskgraph_scope_expired_total",
			metric.WithDescription("Scopes aborted by their timeout")); err != nil {
			metricsErr = err
			return
		}
		if scopeDuration, err = meter.Float64Histogram("taskgraph_scope_duration_seconds",
			metric.WithDescription("Time from begin to commit or rollback"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if intentsApplied, err = meter.Int64Histogram("taskgraph_scope_intents",
			metric.WithDescription("Staged intents per finished scope")); err != nil {
			metricsErr = err
			return
		}
		if activeGauge, err = meter.Int64UpDownCounter("taskgraph_scope_active",
			metric.WithDescription("Scopes currently open")); err != nil {
			metricsErr = err
			return
		}
		if compensations, err = meter.Int64Counter("taskgraph_commit_compensations_total",
			metric.WithDescription("Compensating writes after a partial commit, by outcome")); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func metricsReady() bool {
	return metricsEnabled.Load() && initMetrics() == nil
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func recordBegin(ctx context.Context, mode string) {
	if !metricsReady() {
		return
	}
	beginTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	activeGauge.Add(ctx, 1)
}

func recordCommit(ctx context.Context, duration time.Duration, intents int, success bool) {
	if !metricsReady() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", outcome(success)))
	commitTotal.Add(ctx, 1, attrs)
	scopeDuration.Record(ctx, duration.Seconds(), attrs)
	intentsApplied.Record(ctx, int64(intents), attrs)
	activeGauge.Add(ctx, -1)
}

// recordRollback records a rollback. reason is one of "user", "timeout",
// "manager_close".
func recordRollback(ctx context.Context, duration time.Duration, intents int, reason string) {
	if !metricsReady() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", "rolled_back"),
		attribute.String("reason", reason),
	)
	rollbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	scopeDuration.Record(ctx, duration.Seconds(), attrs)
	intentsApplied.Record(ctx, int64(intents), attrs)
	activeGauge.Add(ctx, -1)
	if reason == reasonTimeout {
		expiredTotal.Add(ctx, 1)
	}
}

func recordCompensation(ctx context.Context, success bool) {
	if !metricsReady() {
		return
	}
	compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", outcome(success))))
}
