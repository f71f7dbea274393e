// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feedback folds activation signals into Start event biases and
// turns the resulting priority ordering into per-trial allow-sets.
//
// An activated Start event had its log line appear in a trial that fired an
// injection. Activation lowers the event's bias by delta so injections near
// it are tried earlier; deactivation raises it.
//
// Two allow-set flavours exist:
//
//   - Manager.Calc returns a CountAllowSet: the first W ids of the ordering,
//     every occurrence eligible.
//   - TimedManager.Calc returns a TimedAllowSet: each id additionally limited
//     to the occurrences closest in wall-clock time to its source event.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/faultline/services/inject/graph"
)

// Manager accumulates feedback and computes count-based allow-sets.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	graph  *graph.PriorityGraph
	delta  int
	logger *slog.Logger

	mu     sync.Mutex
	biases map[int]int
}

// NewManager creates a Manager over g.
//
// Inputs:
//
//	g - The priority graph. The Manager owns its biases from now on.
//	delta - Bias step per signal. Values < 1 are treated as 1.
//	logger - Logger; nil uses slog.Default().
func NewManager(g *graph.PriorityGraph, delta int, logger *slog.Logger) *Manager {
	if delta < 1 {
		delta = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		graph:  g,
		delta:  delta,
		logger: logger,
		biases: make(map[int]int),
	}
}

// Graph returns the underlying priority graph.
func (m *Manager) Graph() *graph.PriorityGraph { return m.graph }

// Activate pulls a Start event earlier by delta.
func (m *Manager) Activate(eventID int) error {
	return m.adjust(eventID, -m.delta, "activate")
}

// Deactivate pushes a Start event later by delta.
func (m *Manager) Deactivate(eventID int) error {
	return m.adjust(eventID, m.delta, "deactivate")
}

func (m *Manager) adjust(eventID, by int, signal string) error {
	if !m.graph.IsStart(eventID) {
		return fmt.Errorf("%s %d: %w", signal, eventID, graph.ErrNotStartNode)
	}
	m.mu.Lock()
	m.biases[eventID] += by
	m.mu.Unlock()
	signalsTotal.WithLabelValues(signal).Inc()
	return nil
}

// Bias returns the accumulated bias of a Start event.
func (m *Manager) Bias(eventID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.biases[eventID]
}

// Biases returns a copy of the non-zero biases.
func (m *Manager) Biases() map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := maps.Clone(m.biases)
	for id, b := range out {
		if b == 0 {
			delete(out, id)
		}
	}
	return out
}

// applyBiases resets every Start event of the graph from the accumulated
// map. Events without a signal get bias 0.
func (m *Manager) applyBiases() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := 0; s < m.graph.StartCount(); s++ {
		if err := m.graph.SetStartValue(s, m.biases[s]); err != nil {
			return err
		}
	}
	return nil
}

// prefix applies biases and collects the first window priorities.
func (m *Manager) prefix(window int) ([]graph.Priority, error) {
	if err := m.applyBiases(); err != nil {
		return nil, err
	}
	out := make([]graph.Priority, 0, min(window, m.graph.CandidateCount()))
	if window <= 0 {
		return out, nil
	}
	m.graph.CalculatePriorities(func(p graph.Priority) bool {
		out = append(out, p)
		return len(out) >= window
	})
	return out, nil
}

// Calc computes the count-based allow-set for a trial.
//
// Description:
//
//	Resets every Start bias from the accumulated signals and collects ids
//	from the priority walk until window ids are gathered or the ordering
//	is exhausted. When the candidate count does not exceed window the walk
//	is skipped and every candidate is allowed.
//
// Inputs:
//
//	ctx - Context for tracing.
//	window - Maximum number of ids. Values <= 0 produce an empty set.
//
// Outputs:
//
//	*CountAllowSet - The allow-set.
//	error - Non-nil only if a bias could not be applied.
func (m *Manager) Calc(ctx context.Context, window int) (*CountAllowSet, error) {
	_, span := tracer.Start(ctx, "feedback.Manager.Calc")
	defer span.End()
	span.SetAttributes(attribute.Int("window", window))

	start := time.Now()
	if window > 0 && m.graph.CandidateCount() <= window {
		if err := m.applyBiases(); err != nil {
			return nil, err
		}
		set := newCountAllowSetFromIDs(m.graph.InjectionIDs())
		calcDuration.WithLabelValues("count", "all").Observe(time.Since(start).Seconds())
		allowSetSize.Observe(float64(set.Len()))
		span.SetAttributes(attribute.Int("allowed", set.Len()), attribute.Bool("walk", false))
		m.logger.Debug("allow-set covers every candidate", slog.Int("window", window), slog.Int("candidates", set.Len()))
		return set, nil
	}

	priorities, err := m.prefix(window)
	if err != nil {
		return nil, err
	}
	set := NewCountAllowSet(priorities)
	calcDuration.WithLabelValues("count", "walk").Observe(time.Since(start).Seconds())
	allowSetSize.Observe(float64(set.Len()))
	span.SetAttributes(attribute.Int("allowed", set.Len()), attribute.Bool("walk", true))
	m.logger.Debug("allow-set computed", slog.Int("window", window), slog.Int("allowed", set.Len()))
	return set, nil
}
