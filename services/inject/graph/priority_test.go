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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamondSpec has two Start events converging on node 4, plus node 6 that
// nothing reaches.
//
//	0 -> 2 -> 4 -> 5
//	1 -> 3 -> 4
//	6 -> 5
func diamondSpec() *Spec {
	return &Spec{
		Start: 2,
		Nodes: []Node{
			{ID: 0, Kind: KindStart}, {ID: 1, Kind: KindStart},
			{ID: 2, Kind: KindLocation}, {ID: 3, Kind: KindLocation},
			{ID: 4, Kind: KindInvocation}, {ID: 5, Kind: KindInternalInjection},
			{ID: 6, Kind: KindExternalInjection},
		},
		Tree: []TreeEntry{
			{ID: 0, Children: []int{2}},
			{ID: 1, Children: []int{3}},
			{ID: 2, Children: []int{4}},
			{ID: 3, Children: []int{4}},
			{ID: 4, Children: []int{5}},
		},
		Injections: []Injection{
			{ID: 10, Caller: 0, Callee: 2, Exception: "java.io.IOException"},
			{ID: 11, Caller: 1, Callee: 3, Exception: "java.io.IOException"},
			{ID: 5, Caller: 2, Callee: 4, Exception: "java.net.SocketTimeoutException"},
			{ID: 7, Caller: 3, Callee: 4, Exception: "java.io.IOException"},
			{ID: 3, Caller: 4, Callee: 5, Exception: "java.net.ConnectException"},
			{ID: 1, Caller: 6, Callee: 5, Exception: "java.io.IOException"},
		},
	}
}

func ids(ps []Priority) []int {
	out := make([]int, len(ps))
	for i, p := range ps {
		out[i] = p.InjectionID
	}
	return out
}

func TestCalculatePriorities_ZeroBias(t *testing.T) {
	g := NewPriorityGraph(diamondSpec())

	order := g.Ordering()

	assert.Equal(t, []int{10, 11, 5, 7, 3, 1}, ids(order))
	assert.Equal(t, []Priority{
		{InjectionID: 10, Source: 0, Weight: 1},
		{InjectionID: 11, Source: 1, Weight: 1},
		{InjectionID: 5, Source: 0, Weight: 2},
		{InjectionID: 7, Source: 1, Weight: 2},
		{InjectionID: 3, Source: 0, Weight: 3},
		{InjectionID: 1, Source: NoSource, Weight: Unreachable},
	}, order)
	assert.False(t, order[5].Reachable())
}

func TestCalculatePriorities_NegativeBiasPullsEarlier(t *testing.T) {
	g := NewPriorityGraph(diamondSpec())
	require.NoError(t, g.SetStartValue(1, -2))

	order := g.Ordering()

	assert.Equal(t, []int{11, 7, 3, 10, 5, 1}, ids(order))
	assert.Equal(t, Priority{InjectionID: 3, Source: 1, Weight: 1}, order[2])

	weights := g.Weights()
	assert.Equal(t, -2, weights[1])
	assert.Equal(t, 0, weights[4])
	assert.Equal(t, Unreachable, weights[6])
}

func TestCalculatePriorities_VisitorStops(t *testing.T) {
	g := NewPriorityGraph(diamondSpec())

	var seen []int
	g.CalculatePriorities(func(p Priority) bool {
		seen = append(seen, p.InjectionID)
		return len(seen) == 2
	})

	assert.Equal(t, []int{10, 11}, seen)
}

func TestCalculatePriorities_EqualWeightAscendingID(t *testing.T) {
	spec := &Spec{
		Start: 1,
		Nodes: []Node{{ID: 0}, {ID: 1}},
		Tree:  []TreeEntry{{ID: 0, Children: []int{1}}},
		Injections: []Injection{
			{ID: 9, Caller: 0, Callee: 1, Exception: "E"},
			{ID: 4, Caller: 0, Callee: 1, Exception: "E"},
			{ID: 6, Caller: 0, Callee: 1, Exception: "E"},
		},
	}
	g := NewPriorityGraph(spec)

	assert.Equal(t, []int{4, 6, 9}, ids(g.Ordering()))
}

func TestSetStartValue_NonStart(t *testing.T) {
	g := NewPriorityGraph(diamondSpec())

	assert.ErrorIs(t, g.SetStartValue(2, -1), ErrNotStartNode)
	assert.ErrorIs(t, g.SetStartValue(-1, 0), ErrNotStartNode)

	require.NoError(t, g.SetStartValue(0, 3))
	v, err := g.StartValue(0)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestPriorityGraph_Accessors(t *testing.T) {
	g := NewPriorityGraph(diamondSpec())

	assert.Equal(t, 2, g.StartCount())
	assert.Equal(t, 7, g.NodeCount())
	assert.Equal(t, 6, g.CandidateCount())
	assert.Equal(t, []int{1, 3, 5, 7, 10, 11}, g.InjectionIDs())

	inj, ok := g.Injection(5)
	require.True(t, ok)
	assert.Equal(t, "java.net.SocketTimeoutException", inj.Exception)
	_, ok = g.Injection(99)
	assert.False(t, ok)
}

// randomSpec builds a graph with random causes and injections on random
// edges. Some nodes stay unreachable.
func randomSpec(rng *rand.Rand) *Spec {
	n := 3 + rng.Intn(30)
	start := 1 + rng.Intn(3)
	if start > n {
		start = n
	}
	spec := &Spec{Start: start}
	for i := 0; i < n; i++ {
		spec.Nodes = append(spec.Nodes, Node{ID: i})
	}
	for i := 0; i < n; i++ {
		var children []int
		for k := rng.Intn(3); k > 0; k-- {
			children = append(children, rng.Intn(n))
		}
		spec.Tree = append(spec.Tree, TreeEntry{ID: i, Children: children})
	}
	for id := 0; id < 1+rng.Intn(40); id++ {
		spec.Injections = append(spec.Injections, Injection{
			ID:        id * 3,
			Caller:    rng.Intn(n),
			Callee:    rng.Intn(n),
			Exception: "java.io.IOException",
		})
	}
	return spec
}

func TestCalculatePriorities_WeightInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		spec := randomSpec(rng)
		require.NoError(t, spec.Validate())
		g := NewPriorityGraph(spec)
		for s := 0; s < spec.Start; s++ {
			require.NoError(t, g.SetStartValue(s, rng.Intn(7)-3))
		}

		order := g.Ordering()
		weights := g.Weights()

		require.Len(t, order, len(spec.Injections), "round %d: every candidate appears", round)
		seen := make(map[int]bool)
		last := -1 << 62
		for _, p := range order {
			require.False(t, seen[p.InjectionID], "round %d: id %d emitted twice", round, p.InjectionID)
			seen[p.InjectionID] = true
			require.GreaterOrEqual(t, p.Weight, last, "round %d: weights must be non-decreasing", round)
			last = p.Weight

			inj, _ := g.Injection(p.InjectionID)
			if weights[inj.Caller] == Unreachable {
				assert.Equal(t, Unreachable, p.Weight)
				continue
			}
			assert.Equal(t, weights[inj.Caller]+1, p.Weight, "round %d: id %d", round, p.InjectionID)
			assert.LessOrEqual(t, weights[inj.Callee], p.Weight, "round %d: id %d", round, p.InjectionID)
			assert.True(t, g.IsStart(p.Source))
		}
	}
}
