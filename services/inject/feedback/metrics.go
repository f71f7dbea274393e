// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feedback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("faultline.feedback")

var (
	// calcDuration measures allow-set computation.
	// Labels: mode (count, time), path (walk, all)
	calcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "faultline",
		Subsystem: "feedback",
		Name:      "calc_duration_seconds",
		Help:      "Allow-set computation latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"mode", "path"})

	// allowSetSize tracks the number of ids allowed per computation.
	allowSetSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "faultline",
		Subsystem: "feedback",
		Name:      "allow_set_size",
		Help:      "Number of injection ids in computed allow-sets",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
	})

	// signalsTotal counts applied feedback signals.
	// Labels: signal (activate, deactivate)
	signalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faultline",
		Subsystem: "feedback",
		Name:      "signals_total",
		Help:      "Feedback signals applied to start event biases",
	}, []string{"signal"})
)
