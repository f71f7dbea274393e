// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package distributed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("faultline.distributed")

var (
	// rpcDuration measures coordinator RPC handling.
	// Labels: method, code
	rpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "faultline",
		Subsystem: "distributed",
		Name:      "rpc_duration_seconds",
		Help:      "Coordinator RPC latency in seconds",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "code"})

	// clientFailures counts client calls that failed closed.
	// Labels: method
	clientFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faultline",
		Subsystem: "distributed",
		Name:      "client_failures_total",
		Help:      "Client RPCs that failed and were treated as not allowed",
	}, []string{"method"})
)
