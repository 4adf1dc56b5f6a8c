// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty names", func(c *Config) { c.TraceExporter, c.MetricExporter = "", "" }, ""},
		{"stdout both", func(c *Config) { c.TraceExporter, c.MetricExporter = ExporterStdout, ExporterStdout }, ""},
		{"otlp", func(c *Config) { c.TraceExporter = ExporterOTLP }, ""},
		{"otlp without endpoint", func(c *Config) {
			c.TraceExporter = ExporterOTLP
			c.OTLPEndpoint = ""
		}, "endpoint"},
		{"prometheus traces", func(c *Config) { c.TraceExporter = ExporterPrometheus }, "trace exporter"},
		{"unknown metrics", func(c *Config) { c.MetricExporter = "statsd" }, "metric exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestInit_NilContext(t *testing.T) {
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_NoneWritesMetricsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.prom")
	cfg := DefaultConfig()
	cfg.MetricsFile = path

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "go_goroutines")
}

func TestInit_StdoutExporters(t *testing.T) {
	var out bytes.Buffer
	cfg := DefaultConfig()
	cfg.TraceExporter = ExporterStdout
	cfg.MetricExporter = ExporterStdout
	cfg.Output = &out

	ctx := context.Background()
	shutdown, err := Init(ctx, cfg)
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry_test").Start(ctx, "telemetry.test_span")
	span.End()
	counter, err := otel.Meter("telemetry_test").Int64Counter("telemetry_test_total")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	require.NoError(t, shutdown(ctx))
	assert.Contains(t, out.String(), "telemetry.test_span")
	assert.Contains(t, out.String(), "telemetry_test_total")
}
