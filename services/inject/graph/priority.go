// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"container/heap"
	"fmt"
	"math"
	"slices"
	"sync"
)

// Unreachable is the weight of a node no Start event reaches, and of an
// injection whose caller is unreachable.
const Unreachable = math.MaxInt

// NoSource marks a Priority that no Start event reaches.
const NoSource = -1

// Priority is one entry of the priority ordering.
type Priority struct {
	InjectionID int `json:"injection_id"`
	// Source is the Start event whose distance wave reached the caller
	// first, or NoSource.
	Source int `json:"source"`
	// Weight is weight(caller)+1, or Unreachable.
	Weight int `json:"weight"`
}

// Reachable reports whether a Start event reaches the injection.
func (p Priority) Reachable() bool {
	return p.Weight != Unreachable
}

// Visitor receives priorities in order. Returning true stops the walk.
type Visitor func(Priority) bool

// PriorityGraph ranks injection candidates by causal distance from the
// Start events.
//
// Thread Safety: safe for concurrent use.
type PriorityGraph struct {
	mu sync.Mutex

	nodeCount  int
	startCount int

	// causes[v] lists the causes of v, ascending, deduplicated. Injection
	// edges are merged in so every callee is reachable from its caller.
	causes [][]int

	// outInjections[u] lists injection ids whose caller is u, ascending.
	outInjections [][]int

	injections   map[int]Injection
	injectionIDs []int

	bias    []int
	weights []int
}

// NewPriorityGraph builds a graph from a validated spec. All biases start
// at zero.
func NewPriorityGraph(spec *Spec) *PriorityGraph {
	n := len(spec.Nodes)
	g := &PriorityGraph{
		nodeCount:     n,
		startCount:    spec.Start,
		causes:        make([][]int, n),
		outInjections: make([][]int, n),
		injections:    make(map[int]Injection, len(spec.Injections)),
		injectionIDs:  make([]int, 0, len(spec.Injections)),
		bias:          make([]int, spec.Start),
		weights:       make([]int, n),
	}
	for _, entry := range spec.Tree {
		g.causes[entry.ID] = append(g.causes[entry.ID], entry.Children...)
	}
	for _, inj := range spec.Injections {
		g.injections[inj.ID] = inj
		g.injectionIDs = append(g.injectionIDs, inj.ID)
		g.outInjections[inj.Caller] = append(g.outInjections[inj.Caller], inj.ID)
		g.causes[inj.Caller] = append(g.causes[inj.Caller], inj.Callee)
	}
	for v := range g.causes {
		slices.Sort(g.causes[v])
		g.causes[v] = slices.Compact(g.causes[v])
		slices.Sort(g.outInjections[v])
	}
	slices.Sort(g.injectionIDs)
	for i := range g.weights {
		g.weights[i] = Unreachable
	}
	return g
}

// StartCount returns the number of Start events.
func (g *PriorityGraph) StartCount() int { return g.startCount }

// NodeCount returns the number of events.
func (g *PriorityGraph) NodeCount() int { return g.nodeCount }

// CandidateCount returns the number of distinct injection ids.
func (g *PriorityGraph) CandidateCount() int { return len(g.injectionIDs) }

// InjectionIDs returns every injection id in ascending order.
func (g *PriorityGraph) InjectionIDs() []int {
	return slices.Clone(g.injectionIDs)
}

// Injection returns the candidate with the given id.
func (g *PriorityGraph) Injection(id int) (Injection, bool) {
	inj, ok := g.injections[id]
	return inj, ok
}

// IsStart reports whether id is a Start event.
func (g *PriorityGraph) IsStart(id int) bool {
	return id >= 0 && id < g.startCount
}

// SetStartValue sets the initial distance of a Start event.
//
// Inputs:
//
//	startID - Start event id.
//	bias - Initial distance. Negative values pull the neighbourhood earlier.
//
// Outputs:
//
//	error - ErrNotStartNode if startID is not a Start event.
func (g *PriorityGraph) SetStartValue(startID, bias int) error {
	if !g.IsStart(startID) {
		return fmt.Errorf("%w: %d", ErrNotStartNode, startID)
	}
	g.mu.Lock()
	g.bias[startID] = bias
	g.mu.Unlock()
	return nil
}

// StartValue returns the current bias of a Start event.
func (g *PriorityGraph) StartValue(startID int) (int, error) {
	if !g.IsStart(startID) {
		return 0, fmt.Errorf("%w: %d", ErrNotStartNode, startID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bias[startID], nil
}

// CalculatePriorities walks the graph and emits injections in priority
// order.
//
// Description:
//
//	Runs a multi-source shortest-path search where every Start event
//	begins at its bias and every edge costs 1. When a node u is finalized
//	at weight w, each injection on an out-edge of u is queued at w+1.
//	Items of equal weight are drained injections first, then by ascending
//	id. Each injection is emitted once. After the reachable part is
//	exhausted, injections with an unreachable caller are emitted in
//	ascending id order with Weight = Unreachable.
//
// Inputs:
//
//	visit - Called for each priority in order; return true to stop.
//
// Thread Safety: holds the graph mutex for the whole walk. visit must not
// call back into the graph.
func (g *PriorityGraph) CalculatePriorities(visit Visitor) {
	g.mu.Lock()
	defer g.mu.Unlock()

	dist := make([]int, g.nodeCount)
	source := make([]int, g.nodeCount)
	done := make([]bool, g.nodeCount)
	for i := range dist {
		dist[i] = Unreachable
		source[i] = NoSource
	}
	defer func() { g.weights = dist }()

	q := make(walkQueue, 0, g.startCount+len(g.injectionIDs))
	for s := 0; s < g.startCount; s++ {
		dist[s] = g.bias[s]
		source[s] = s
		q = append(q, walkItem{weight: g.bias[s], typ: itemNode, id: s, source: s})
	}
	heap.Init(&q)

	emitted := make(map[int]struct{}, len(g.injectionIDs))
	for q.Len() > 0 {
		item := heap.Pop(&q).(walkItem)

		if item.typ == itemInjection {
			if _, ok := emitted[item.id]; ok {
				continue
			}
			emitted[item.id] = struct{}{}
			if visit(Priority{InjectionID: item.id, Source: item.source, Weight: item.weight}) {
				return
			}
			continue
		}

		u := item.id
		if done[u] || item.weight != dist[u] {
			continue
		}
		done[u] = true
		w := dist[u]

		for _, injID := range g.outInjections[u] {
			heap.Push(&q, walkItem{weight: w + 1, typ: itemInjection, id: injID, source: source[u]})
		}
		for _, v := range g.causes[u] {
			if done[v] {
				continue
			}
			switch {
			case w+1 < dist[v]:
				dist[v] = w + 1
				source[v] = source[u]
				heap.Push(&q, walkItem{weight: w + 1, typ: itemNode, id: v, source: source[u]})
			case w+1 == dist[v] && source[u] < source[v]:
				source[v] = source[u]
			}
		}
	}

	for _, id := range g.injectionIDs {
		if _, ok := emitted[id]; ok {
			continue
		}
		if visit(Priority{InjectionID: id, Source: NoSource, Weight: Unreachable}) {
			return
		}
	}
}

// Ordering returns the full priority ordering.
func (g *PriorityGraph) Ordering() []Priority {
	out := make([]Priority, 0, len(g.injectionIDs))
	g.CalculatePriorities(func(p Priority) bool {
		out = append(out, p)
		return false
	})
	return out
}

// Weights returns the node weights computed by the last walk. They are
// final only for a walk that ran to exhaustion; never-reached nodes hold
// Unreachable.
func (g *PriorityGraph) Weights() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.weights)
}
