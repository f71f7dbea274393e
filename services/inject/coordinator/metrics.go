// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("faultline.coordinator")
	meter  = otel.Meter("faultline.coordinator")
)

var (
	// decisionsTotal counts Inject decisions.
	// Labels: mode (local, distributed), outcome
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faultline",
		Subsystem: "coordinator",
		Name:      "decisions_total",
		Help:      "Inject decisions by outcome",
	}, []string{"mode", "outcome"})

	// trialInfo exposes the current trial id and window.
	// Labels: field (trial_id, window)
	trialInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "faultline",
		Subsystem: "coordinator",
		Name:      "trial",
		Help:      "Current trial id and window",
	}, []string{"field"})

	// dumpsTotal counts trial record writes.
	// Labels: result (fired, exhausted, error)
	dumpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faultline",
		Subsystem: "coordinator",
		Name:      "dumps_total",
		Help:      "Trial record dumps by result",
	}, []string{"result"})

	// bootstrapDuration measures Bootstrap.
	bootstrapDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "faultline",
		Subsystem: "coordinator",
		Name:      "bootstrap_duration_seconds",
		Help:      "Time to load the graph and history and compute the allow-set",
		Buckets:   prometheus.DefBuckets,
	})
)

// OTel instruments, exported through pkg/telemetry when a metric exporter
// is configured.
var (
	firedCounter metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		firedCounter, metricsErr = meter.Int64Counter(
			"faultline_injections_fired_total",
			metric.WithDescription("Faults injected, one per trial at most"),
		)
	})
	return metricsErr
}

func recordDecision(ctx context.Context, mode string, d Decision) {
	decisionsTotal.WithLabelValues(mode, d.Outcome.String()).Inc()
	if d.Outcome != OutcomeFired {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	firedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Int("injection_id", d.Index.ID),
	))
}
