// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timeout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	timeoutsArmed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskgraph_timeouts_armed",
		Help: "Scope timeouts currently armed",
	})

	timeoutsFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskgraph_timeouts_fired_total",
		Help: "Scope timeouts that reached their deadline",
	})

	cleanupAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgraph_timeout_cleanup_attempts_total",
		Help: "Cleanup callback attempts by result",
	}, []string{"result"})

	cleanupExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskgraph_timeout_cleanup_exhausted_total",
		Help: "Cleanups that failed after every retry",
	})
)
