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
	"slices"

	"github.com/AleutianAI/faultline/services/inject/graph"
)

// AllowSet decides which injection occurrences are eligible this trial.
type AllowSet interface {
	// Allows reports whether the given occurrence (1-based) of id may fire.
	Allows(id, occurrence int) bool
	// Contains reports whether id is in the set at all.
	Contains(id int) bool
	// Len returns the number of distinct ids.
	Len() int
	// IDs returns the ids in priority order.
	IDs() []int
}

// CountAllowSet allows every occurrence of its ids.
type CountAllowSet struct {
	ids        map[int]struct{}
	order      []int
	priorities []graph.Priority
}

// NewCountAllowSet builds a set from a priority prefix.
func NewCountAllowSet(priorities []graph.Priority) *CountAllowSet {
	s := &CountAllowSet{
		ids:        make(map[int]struct{}, len(priorities)),
		order:      make([]int, 0, len(priorities)),
		priorities: priorities,
	}
	for _, p := range priorities {
		if _, ok := s.ids[p.InjectionID]; ok {
			continue
		}
		s.ids[p.InjectionID] = struct{}{}
		s.order = append(s.order, p.InjectionID)
	}
	return s
}

// newCountAllowSetFromIDs builds a set without a ranking.
func newCountAllowSetFromIDs(ids []int) *CountAllowSet {
	s := &CountAllowSet{ids: make(map[int]struct{}, len(ids)), order: slices.Clone(ids)}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

func (s *CountAllowSet) Allows(id, _ int) bool { return s.Contains(id) }

func (s *CountAllowSet) Contains(id int) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *CountAllowSet) Len() int { return len(s.ids) }

func (s *CountAllowSet) IDs() []int { return slices.Clone(s.order) }

// Priorities returns the ranked prefix the set was built from. It is empty
// when the window covered every candidate and no walk was needed.
func (s *CountAllowSet) Priorities() []graph.Priority {
	return slices.Clone(s.priorities)
}

// Allowance bounds the occurrences of one id in time-bounded mode.
type Allowance struct {
	// Source is the Start event the id was ranked against.
	Source int `json:"source"`
	// MaxPriority is window minus the id's rank; occurrences whose time
	// rank is below it are eligible.
	MaxPriority int `json:"max_priority"`
}

// TimedAllowSet allows only occurrences close in time to the id's source
// event.
type TimedAllowSet struct {
	allow      map[int]Allowance
	order      []int
	priorities []graph.Priority
	table      *TimePriorityTable
}

func (s *TimedAllowSet) Allows(id, occurrence int) bool {
	a, ok := s.allow[id]
	if !ok {
		return false
	}
	return s.table.Rank(a.Source, id, occurrence) < a.MaxPriority
}

func (s *TimedAllowSet) Contains(id int) bool {
	_, ok := s.allow[id]
	return ok
}

func (s *TimedAllowSet) Len() int { return len(s.allow) }

func (s *TimedAllowSet) IDs() []int { return slices.Clone(s.order) }

// Allowance returns the bound for id.
func (s *TimedAllowSet) Allowance(id int) (Allowance, bool) {
	a, ok := s.allow[id]
	return a, ok
}

// Priorities returns the ranked prefix the set was built from.
func (s *TimedAllowSet) Priorities() []graph.Priority {
	return slices.Clone(s.priorities)
}
