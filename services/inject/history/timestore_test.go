// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeStore_RecordAndList(t *testing.T) {
	ctx := context.Background()
	ts, err := OpenTimeStore("", nil)
	require.NoError(t, err)
	defer ts.Close()

	base := time.Unix(1_700_000_000, 0)
	occ, err := ts.Record(ctx, 3, 0, 12, base)
	require.NoError(t, err)
	assert.Equal(t, 1, occ)
	occ, err = ts.Record(ctx, 3, 0, 12, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, occ)
	occ, err = ts.Record(ctx, 3, 1, 12, base.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, occ, "occurrences are numbered per process")
	_, err = ts.Record(ctx, 4, 0, 12, base)
	require.NoError(t, err)

	records, err := ts.Records(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, TimeRecord{TrialID: 3, PID: 0, InjectionID: 12, Occurrence: 1, At: base}, records[0])
	assert.Equal(t, 2, records[1].Occurrence)
	assert.Equal(t, 1, records[2].PID)
	assert.True(t, records[2].At.Equal(base.Add(2*time.Second)))
}

func TestTimeStore_ConcurrentOccurrences(t *testing.T) {
	ctx := context.Background()
	ts, err := OpenTimeStore("", nil)
	require.NoError(t, err)
	defer ts.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			occ, err := ts.Record(ctx, 1, 0, 5, time.Now())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[occ] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	for occ := 1; occ <= 10; occ++ {
		assert.True(t, seen[occ], "occurrence %d", occ)
	}
}

func TestTimeStore_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ts, err := OpenTimeStore(dir, nil)
	require.NoError(t, err)
	_, err = ts.Record(ctx, 1, 0, 5, time.Unix(10, 0))
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	ts, err = OpenTimeStore(dir, nil)
	require.NoError(t, err)
	defer ts.Close()
	occ, err := ts.Record(ctx, 1, 0, 5, time.Unix(11, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, occ)
}
