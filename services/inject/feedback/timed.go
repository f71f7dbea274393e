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
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/faultline/services/inject/history"
)

// =============================================================================
// Time Priority Table
// =============================================================================

type tableKey struct {
	source     int
	id         int
	occurrence int
}

// TimePriorityTable ranks the occurrences of each injection point by their
// wall-clock distance to each Start event.
//
// A nil table answers every lookup with the default rank.
type TimePriorityTable struct {
	ranks map[tableKey]int
}

// BuildTimePriorityTable ranks recorded occurrences against event times.
//
// Description:
//
//	For every Start event with a timestamp and every injection id, the
//	recorded occurrences are sorted by |t_occurrence - t_event| (lower
//	occurrence first on ties) and numbered from 0. When several processes
//	recorded the same occurrence number the closest one counts.
//
// Inputs:
//
//	eventTimes - Start event id -> time the event was observed.
//	records - Recorded injection times.
//
// Outputs:
//
//	*TimePriorityTable - The ranking. Never nil.
func BuildTimePriorityTable(eventTimes map[int]time.Time, records []history.TimeRecord) *TimePriorityTable {
	t := &TimePriorityTable{ranks: make(map[tableKey]int)}

	type occ struct {
		n    int
		dist time.Duration
	}

	for source, at := range eventTimes {
		byID := make(map[int]map[int]time.Duration)
		for _, r := range records {
			d := r.At.Sub(at)
			if d < 0 {
				d = -d
			}
			occs, ok := byID[r.InjectionID]
			if !ok {
				occs = make(map[int]time.Duration)
				byID[r.InjectionID] = occs
			}
			if prev, seen := occs[r.Occurrence]; !seen || d < prev {
				occs[r.Occurrence] = d
			}
		}
		for id, occs := range byID {
			list := make([]occ, 0, len(occs))
			for n, d := range occs {
				list = append(list, occ{n: n, dist: d})
			}
			slices.SortFunc(list, func(a, b occ) int {
				if c := cmp.Compare(a.dist, b.dist); c != 0 {
					return c
				}
				return cmp.Compare(a.n, b.n)
			})
			for rank, o := range list {
				t.ranks[tableKey{source: source, id: id, occurrence: o.n}] = rank
			}
		}
	}
	return t
}

// Rank returns the time rank of an occurrence. Occurrences the table has
// not seen rank as occurrence-1.
func (t *TimePriorityTable) Rank(source, id, occurrence int) int {
	if t != nil {
		if r, ok := t.ranks[tableKey{source: source, id: id, occurrence: occurrence}]; ok {
			return r
		}
	}
	return occurrence - 1
}

// Len returns the number of ranked occurrences.
func (t *TimePriorityTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.ranks)
}

// =============================================================================
// Timed Manager
// =============================================================================

// TimedManager computes time-bounded allow-sets.
type TimedManager struct {
	*Manager
	table *TimePriorityTable
}

// NewTimedManager wraps m. A nil table ranks occurrences in call order.
func NewTimedManager(m *Manager, table *TimePriorityTable) *TimedManager {
	return &TimedManager{Manager: m, table: table}
}

// Table returns the time priority table.
func (t *TimedManager) Table() *TimePriorityTable { return t.table }

// Calc computes the time-bounded allow-set for a trial.
//
// Description:
//
//	Always walks the graph, since each id needs the Start event it was
//	ranked against. The id at rank r (0-based) gets MaxPriority window-r:
//	the first id may fire at its window closest occurrences, the last at
//	one.
func (t *TimedManager) Calc(ctx context.Context, window int) (*TimedAllowSet, error) {
	_, span := tracer.Start(ctx, "feedback.TimedManager.Calc")
	defer span.End()
	span.SetAttributes(attribute.Int("window", window))

	start := time.Now()
	priorities, err := t.prefix(window)
	if err != nil {
		return nil, err
	}

	set := &TimedAllowSet{
		allow:      make(map[int]Allowance, len(priorities)),
		order:      make([]int, 0, len(priorities)),
		priorities: priorities,
		table:      t.table,
	}
	for rank, p := range priorities {
		set.allow[p.InjectionID] = Allowance{Source: p.Source, MaxPriority: window - rank}
		set.order = append(set.order, p.InjectionID)
	}

	calcDuration.WithLabelValues("time", "walk").Observe(time.Since(start).Seconds())
	allowSetSize.Observe(float64(set.Len()))
	span.SetAttributes(attribute.Int("allowed", set.Len()))
	t.logger.Debug("time-bounded allow-set computed",
		slog.Int("window", window),
		slog.Int("allowed", set.Len()),
		slog.Int("ranked_occurrences", t.table.Len()))
	return set, nil
}
