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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
)

var (
	spanRecorder  *tracetest.SpanRecorder
	metricsReader *sdkmetric.ManualReader
)

// TestMain installs recording providers once. The global meter only
// delegates to the first provider it is given.
func TestMain(m *testing.M) {
	spanRecorder = tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	metricsReader = sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(metricsReader))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	code := m.Run()

	_ = tp.Shutdown(context.Background())
	_ = mp.Shutdown(context.Background())
	os.Exit(code)
}

func endedSpans(scopeID string) map[string]sdktrace.ReadOnlySpan {
	out := make(map[string]sdktrace.ReadOnlySpan)
	for _, span := range spanRecorder.Ended() {
		for _, kv := range span.Attributes() {
			if kv.Key == "scope.id" && kv.Value.AsString() == scopeID {
				out[span.Name()] = span
			}
		}
	}
	return out
}

func counterTotal(t *testing.T, name string, match attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, metricsReader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(match.Key); ok && v.Emit() == match.Value.Emit() {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestTracing_CommitSpanParentsApplySpans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.begin(t)
	_, err := s.StageCreate(ctx, newItem("a", model.TypeTask, ""))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))

	spans := endedSpans(s.ID())
	commit, ok := spans["transaction.commit"]
	require.True(t, ok, "commit span not recorded")
	assert.Equal(t, codes.Ok, commit.Status().Code)

	var apply sdktrace.ReadOnlySpan
	for _, span := range spanRecorder.Ended() {
		if span.Name() == "transaction.apply.create" && span.Parent().SpanID() == commit.SpanContext().SpanID() {
			apply = span
		}
	}
	require.NotNil(t, apply, "apply span not parented by commit span")
	assert.Contains(t, apply.Attributes(), attribute.String("item.path", "a"))
}

func TestTracing_RollbackSpan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.begin(t)
	require.NoError(t, s.Rollback(ctx))

	span, ok := endedSpans(s.ID())["transaction.rollback"]
	require.True(t, ok, "rollback span not recorded")
	assert.Contains(t, span.Attributes(), attribute.String("scope.reason", reasonUser))
}

func TestMetrics_CommitOutcomes(t *testing.T) {
	ctx := context.Background()
	success := attribute.String("status", "success")
	failure := attribute.String("status", "error")
	beforeOK := counterTotal(t, "taskgraph_scope_commit_total", success)
	beforeErr := counterTotal(t, "taskgraph_scope_commit_total", failure)

	f := newFixture(t)
	first := f.begin(t)
	second := f.begin(t)
	_, err := first.StageCreate(ctx, newItem("a", model.TypeTask, ""))
	require.NoError(t, err)
	_, err = second.StageCreate(ctx, newItem("a", model.TypeTask, ""))
	require.NoError(t, err)
	require.NoError(t, first.Commit(ctx))
	require.Error(t, second.Commit(ctx))

	assert.Equal(t, beforeOK+1, counterTotal(t, "taskgraph_scope_commit_total", success))
	assert.Equal(t, beforeErr+1, counterTotal(t, "taskgraph_scope_commit_total", failure))
}
