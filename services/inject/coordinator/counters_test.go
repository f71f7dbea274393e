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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/faultline/services/inject/history"
)

func TestCounters(t *testing.T) {
	var c Counters[history.InjectionIndex]
	a := history.InjectionIndex{PID: 1, ID: 4}
	b := history.InjectionIndex{PID: 2, ID: 4}

	var wg sync.WaitGroup
	seen := make([]bool, 101)
	var mu sync.Mutex
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			n := c.Next(a)
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
		go func() {
			defer wg.Done()
			c.Next(b)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, c.Get(a))
	assert.Equal(t, 100, c.Get(b))
	assert.Equal(t, 0, c.Get(history.InjectionIndex{ID: 9}))
	for n := 1; n <= 100; n++ {
		assert.True(t, seen[n], "occurrence %d handed out", n)
	}
	assert.Equal(t, map[history.InjectionIndex]int{a: 100, b: 100}, c.Snapshot())
}

func TestDecisionLog_Wraps(t *testing.T) {
	l := newDecisionLog(3)
	assert.Nil(t, l.slice())

	for i := 1; i <= 5; i++ {
		l.push(Decision{Block: i})
	}
	got := l.slice()
	assert.Equal(t, []int{3, 4, 5}, []int{got[0].Block, got[1].Block, got[2].Block})

	l = newDecisionLog(0)
	l.push(Decision{Block: 1})
	l.push(Decision{Block: 2})
	assert.Len(t, l.slice(), 2)
}

func TestDecisionLog_ConcurrentPush(t *testing.T) {
	l := newDecisionLog(64)
	const writers, perWriter = 8, 1000

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				l.push(Decision{Index: history.InjectionIndex{PID: w, Occurrence: i}})
				if i%100 == 0 {
					assert.LessOrEqual(t, len(l.slice()), 64)
				}
			}
		}(w)
	}
	wg.Wait()

	got := l.slice()
	require.Len(t, got, 64)
	last := map[int]int{}
	for _, d := range got {
		prev, seen := last[d.Index.PID]
		if seen {
			assert.Greater(t, d.Index.Occurrence, prev, "writer %d out of order", d.Index.PID)
		}
		last[d.Index.PID] = d.Index.Occurrence
	}
}

func TestStateAndOutcomeNames(t *testing.T) {
	assert.Equal(t, "ARMED", StateArmed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
	assert.Equal(t, "block_fired", OutcomeBlockFired.String())
	assert.Equal(t, "unknown", Outcome(-1).String())
}
