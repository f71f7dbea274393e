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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	return s
}

func firedRecord(trialID, window int, idx InjectionIndex, block int) *Record {
	rec := NewRecord(trialID, window)
	rec.SetFired(idx, "java.io.IOException", block, 0)
	return rec
}

func TestStore_RoundTripExclusion(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Options{})

	idx := InjectionIndex{PID: 2, ID: 17, Occurrence: 3}
	require.NoError(t, s.Append(ctx, firedRecord(1, 10, idx, 40)))
	require.NoError(t, s.Append(ctx, NewRecord(2, 10)))

	snap, err := s.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Len())
	assert.Equal(t, map[InjectionIndex]struct{}{idx: {}}, snap.Exclusions())
	assert.Equal(t, map[int]struct{}{40: {}}, snap.FiredBlocks())
	assert.Equal(t, 3, snap.NextTrialID())

	got, ok := snap.Records[0].Index()
	require.True(t, ok)
	assert.Equal(t, idx, got)
	assert.Equal(t, "java.io.IOException", snap.Records[0].Exception)
	_, ok = snap.Records[1].Index()
	assert.False(t, ok)
}

func TestStore_AppendRefusesExisting(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Options{})

	require.NoError(t, s.Append(ctx, NewRecord(1, 10)))
	err := s.Append(ctx, NewRecord(1, 20))
	assert.ErrorIs(t, err, ErrRecordExists)

	rec, err := ReadRecord(s.Path(1))
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Window, "first record is kept")
}

func TestStore_AppendConcurrentSameTrial(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Options{})

	var ok, exists atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			err := s.Append(ctx, NewRecord(5, w+1))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrRecordExists):
				exists.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), exists.Load())

	leftovers, err := filepath.Glob(filepath.Join(s.Dir(), ".trial-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestStore_AppendValidates(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Options{})

	assert.ErrorIs(t, s.Append(ctx, NewRecord(0, 10)), ErrInvalidTrialID)

	rec := NewRecord(1, -1)
	assert.ErrorIs(t, s.Append(ctx, rec), ErrMalformedRecord)
}

func TestStore_LoadSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Options{})
	require.NoError(t, s.Append(ctx, NewRecord(1, 10)))

	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), name), []byte(content), 0o644))
	}
	// truncated
	write(RecordFileName(2), `{"trial_id": 2`)
	// wrong type
	write(RecordFileName(3), `{"trial_id": 3, "window": "ten"}`)
	// id without occurrence
	write(RecordFileName(4), `{"trial_id": 4, "window": 10, "id": 7}`)
	// file name disagrees with trial_id
	write(RecordFileName(5), `{"trial_id": 9, "window": 10}`)
	// not a record
	write("notes.txt", `ignored`)
	// unpadded name and an unknown field are accepted
	write("trial-6.json", `{"trial_id": 6, "window": 20, "extra": true}`)

	snap, err := s.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.Skipped)
	require.Equal(t, 2, snap.Len())
	assert.Equal(t, 1, snap.Records[0].TrialID)
	assert.Equal(t, 6, snap.Records[1].TrialID)
	assert.Equal(t, 7, snap.NextTrialID())
}

func TestStore_LoadEmpty(t *testing.T) {
	s := openStore(t, Options{})

	snap, err := s.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, snap.Len())
	assert.Equal(t, 1, snap.NextTrialID())
	_, ok := snap.Latest()
	assert.False(t, ok)
	_, ok = snap.MaxWindow()
	assert.False(t, ok)
}

type stubMirror struct {
	mu     sync.Mutex
	trials []int
	fail   bool
	closed bool
}

func (m *stubMirror) Publish(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("mirror down")
	}
	m.trials = append(m.trials, rec.TrialID)
	return nil
}

func (m *stubMirror) Close() error {
	m.closed = true
	return nil
}

func TestStore_Mirrors(t *testing.T) {
	ctx := context.Background()
	good := &stubMirror{}
	bad := &stubMirror{fail: true}
	s := openStore(t, Options{Mirrors: []Mirror{good, bad}})

	require.NoError(t, s.Append(ctx, NewRecord(1, 10)), "mirror failures do not fail the append")
	require.NoError(t, s.Append(ctx, NewRecord(2, 10)))

	assert.Equal(t, []int{1, 2}, good.trials)
	require.NoError(t, s.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open("", Options{})
	assert.Error(t, err)
}
