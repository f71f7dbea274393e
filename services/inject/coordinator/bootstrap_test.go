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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/faultline/services/inject/fault"
	"github.com/AleutianAI/faultline/services/inject/feedback"
	"github.com/AleutianAI/faultline/services/inject/graph"
	"github.com/AleutianAI/faultline/services/inject/history"
)

func snapshotOf(recs ...*history.Record) *history.Snapshot {
	snap := &history.Snapshot{}
	for _, r := range recs {
		snap.Records = append(snap.Records, *r)
	}
	return snap
}

func TestNextWindow(t *testing.T) {
	tests := []struct {
		name string
		snap *history.Snapshot
		want int
	}{
		{"empty history uses default", snapshotOf(), 10},
		{"fired keeps largest", snapshotOf(fired(1, 10, 0, 1, 1, 0, 0)), 10},
		{"inconclusive at largest doubles", snapshotOf(history.NewRecord(1, 10)), 20},
		{"inconclusive below largest keeps largest", snapshotOf(
			history.NewRecord(1, 20),
			history.NewRecord(2, 10),
		), 20},
		{"doubling capped", snapshotOf(history.NewRecord(1, 600)), 1000},
		{"zero window history falls back to default", snapshotOf(fired(1, 0, 0, 1, 1, 0, 0)), 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextWindow(tt.snap, 10, 1000))
		})
	}
}

// Trial 3 has window 10 and fires nothing, so trial 4 runs at 20. Trial 4
// fires, so trial 5 stays at 20.
func TestNextWindow_Schedule(t *testing.T) {
	snap := snapshotOf(
		fired(1, 10, 0, 10, 1, 0, 0),
		fired(2, 10, 0, 11, 1, 0, 1),
		history.NewRecord(3, 10),
	)
	w4 := NextWindow(snap, 10, 1<<20)
	assert.Equal(t, 20, w4)

	snap.Records = append(snap.Records, *fired(4, w4, 0, 5, 1, 0, 0))
	assert.Equal(t, 20, NextWindow(snap, 10, 1<<20))

	snap.Records = append(snap.Records, *history.NewRecord(5, 20))
	assert.Equal(t, 40, NextWindow(snap, 10, 1<<20))
}

func TestReplayFeedback(t *testing.T) {
	spec, err := graph.LoadSpec(replayGraph)
	require.NoError(t, err)
	m := feedback.NewManager(graph.NewPriorityGraph(spec), 2, nil)

	stats := ReplayFeedback(m, []history.Record{
		*fired(1, 2, 0, 11, 1, 0, 1, 1),
		// No feedback: ignored.
		*fired(2, 2, 0, 11, 2, 0, 1),
		// Did not fire: ignored even with feedback.
		{TrialID: 3, Window: 2, Feedback: []int{0}},
		// Source 0 missing from the feedback; 5 is not a Start event.
		*fired(4, 4, 0, 10, 1, 0, 0, 1, 5),
	}, nil)

	assert.Equal(t, ReplayStats{Activated: 2, Deactivated: 1, Skipped: 1}, stats)
	assert.Equal(t, map[int]int{0: 2, 1: -4}, m.Biases())
}

// A feedback id past the Start boundary is skipped, not treated as a
// deactivation signal; only a source missing from the feedback demotes.
func TestReplayFeedback_OnlySourceDeactivates(t *testing.T) {
	spec, err := graph.LoadSpec(replayGraph)
	require.NoError(t, err)
	m := feedback.NewManager(graph.NewPriorityGraph(spec), 2, nil)

	stats := ReplayFeedback(m, []history.Record{
		*fired(1, 2, 0, 11, 1, 0, 1, 1, 5),
	}, nil)

	assert.Equal(t, ReplayStats{Activated: 1, Skipped: 1}, stats)
	assert.Equal(t, -2, m.Biases()[1])
	assert.Zero(t, m.Biases()[0])
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	store := openStore(t, cfg.HistoryDir)
	appendRecords(t, store,
		fired(1, 2, 0, 11, 1, 11, 1, 1),
		history.NewRecord(2, 2),
	)

	plan, err := Bootstrap(ctx, cfg, Deps{Store: store})
	require.NoError(t, err)

	assert.Equal(t, 3, plan.TrialID)
	assert.Equal(t, 4, plan.Window)
	assert.Equal(t, []int{11, 7, 10, 3}, plan.Allow.IDs())
	assert.Len(t, plan.Priorities, 4)
	assert.Equal(t, map[history.InjectionIndex]struct{}{{PID: 0, ID: 11, Occurrence: 1}: {}}, plan.Exclusions)
	assert.Equal(t, map[int]struct{}{11: {}}, plan.FiredBlocks)
	assert.Equal(t, ReplayStats{Activated: 1}, plan.Replay)
	assert.Equal(t, fault.KindTimeout, plan.Faults[11].Kind)
	assert.Equal(t, fault.KindIllegalState, plan.Faults[1].Kind)
	assert.Len(t, plan.Faults, 6)
}

func TestBootstrap_WindowCoversAll(t *testing.T) {
	cfg := testConfig(t)
	cfg.DefaultWindow = 6

	plan, err := Bootstrap(context.Background(), cfg, Deps{Store: openStore(t, cfg.HistoryDir)})
	require.NoError(t, err)

	assert.Equal(t, 1, plan.TrialID)
	assert.Equal(t, 6, plan.Allow.Len())
	assert.Empty(t, plan.Priorities)
	assert.Equal(t, 0, plan.SourceOf(10), "source found by walking")
	assert.Equal(t, graph.NoSource, plan.SourceOf(1))
	assert.Equal(t, graph.NoSource, plan.SourceOf(99))
}

func TestBootstrap_Errors(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t)
	_, err := Bootstrap(ctx, cfg, Deps{})
	assert.ErrorIs(t, err, ErrNilStore)

	cfg.TimeFeedback = true
	_, err = Bootstrap(ctx, cfg, Deps{Store: openStore(t, cfg.HistoryDir)})
	assert.ErrorIs(t, err, ErrTimeStoreRequired)

	cfg = testConfig(t)
	cfg.GraphSpecPath = "testdata/missing.json"
	_, err = Bootstrap(ctx, cfg, Deps{Store: openStore(t, cfg.HistoryDir)})
	assert.Error(t, err)
}

func TestBootstrap_TimeFeedback(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.TimeFeedback = true
	store := openStore(t, cfg.HistoryDir)
	times, err := history.OpenTimeStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = times.Close() })

	// Trial 1 hit id 10 three times; the second hit was closest to the
	// moment Start event 0 was logged.
	event := int64(1_000_000_000_000)
	for i, offset := range []int64{-5e9, 1e8, 3e9} {
		occ, err := times.Record(ctx, 1, 0, 10, unixNano(event+offset))
		require.NoError(t, err)
		require.Equal(t, i+1, occ)
	}
	appendRecords(t, store, history.NewRecord(1, 2))
	annotate(t, store, 1, nil, map[int]int64{0: event})

	plan, err := Bootstrap(ctx, cfg, Deps{Store: store, Times: times})
	require.NoError(t, err)

	set, ok := plan.Allow.(*feedback.TimedAllowSet)
	require.True(t, ok)
	assert.Equal(t, 4, plan.Window)
	a, ok := set.Allowance(10)
	require.True(t, ok)
	assert.Equal(t, feedback.Allowance{Source: 0, MaxPriority: 4}, a)

	// Ranks for id 10: occ2=0, occ3=1, occ1=2.
	assert.True(t, set.Allows(10, 2))
	assert.True(t, set.Allows(10, 3))
	assert.True(t, set.Allows(10, 4), "unranked occurrence 4 ranks 3")
	assert.False(t, set.Allows(10, 5))
}

func unixNano(ns int64) time.Time { return time.Unix(0, ns) }
