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
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "taskgraph.transaction"

// Tracer provides OpenTelemetry spans for scope operations.
//
// # Description
//
// When disabled, every Start method returns a noop span so callers never
// branch on whether tracing is on.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer. A nil logger uses slog.Default().
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartCommit starts a span for committing scope.
func (t *Tracer) StartCommit(ctx context.Context, scopeID string, intents int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	ctx, span := t.tracer.Start(ctx, "transaction.commit",
		trace.WithAttributes(
			attribute.String("scope.id", scopeID),
			attribute.Int("scope.intents", intents),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	t.logger.DebugContext(ctx, "committing scope",
		slog.String("scope_id", scopeID),
		slog.Int("intents", intents),
	)
	return ctx, span
}

// StartRollback starts a span for rolling back scope.
func (t *Tracer) StartRollback(ctx context.Context, scopeID, reason string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	ctx, span := t.tracer.Start(ctx, "transaction.rollback",
		trace.WithAttributes(
			attribute.String("scope.id", scopeID),
			attribute.String("scope.reason", reason),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	t.logger.DebugContext(ctx, "rolling back scope",
		slog.String("scope_id", scopeID),
		slog.String("reason", reason),
	)
	return ctx, span
}

// StartApply starts a child span for one store write or delete.
func (t *Tracer) StartApply(ctx context.Context, op Op, path string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "transaction.apply."+string(op),
		trace.WithAttributes(attribute.String("item.path", truncateForTrace(path, 128))),
	)
}

// End completes span, recording err if non-nil.
func (t *Tracer) End(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RecordStateTransition adds a state-change event to the span in ctx.
func (t *Tracer) RecordStateTransition(ctx context.Context, scopeID string, from, to State) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("state_transition", trace.WithAttributes(
			attribute.String("scope.id", scopeID),
			attribute.String("scope.from_state", string(from)),
			attribute.String("scope.to_state", string(to)),
		))
	}
	t.logger.DebugContext(ctx, "scope state transition",
		slog.String("scope_id", scopeID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

// truncateForTrace bounds attribute length.
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// LoggerWithTrace adds trace_id and span_id from ctx to logger.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
