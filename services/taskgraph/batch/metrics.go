// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// itemsTotal counts items by final result.
	// Labels: result (succeeded, failed, skipped)
	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgraph",
		Subsystem: "batch",
		Name:      "items_total",
		Help:      "Batch items by final result",
	}, []string{"result"})

	// itemAttempts is the number of attempts an item took.
	itemAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskgraph",
		Subsystem: "batch",
		Name:      "item_attempts",
		Help:      "Attempts per batch item",
		Buckets:   []float64{1, 2, 3, 4, 5, 8},
	})

	// haltsTotal counts halted runs.
	// Labels: reason (critical, threshold)
	haltsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgraph",
		Subsystem: "batch",
		Name:      "halts_total",
		Help:      "Batch runs halted before every item was attempted",
	}, []string{"reason"})

	// runDuration measures whole runs.
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskgraph",
		Subsystem: "batch",
		Name:      "run_duration_seconds",
		Help:      "Duration of ProcessInBatches runs",
		Buckets:   prometheus.DefBuckets,
	})
)
