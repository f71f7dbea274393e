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
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/faultline/services/inject/fault"
	"github.com/AleutianAI/faultline/services/inject/history"
)

func startRuntime(t *testing.T, mutate func(*RuntimeOptions), recs ...*history.Record) (*Runtime, *history.Store) {
	t.Helper()
	cfg := testConfig(t)
	cfg.DefaultWindow = 6
	store := openStore(t, cfg.HistoryDir)
	appendRecords(t, store, recs...)

	plan, err := Bootstrap(context.Background(), cfg, Deps{Store: store})
	require.NoError(t, err)
	opts := RuntimeOptions{Arbiter: ArbiterConfig{Store: store, RunID: "test-run"}}
	if mutate != nil {
		mutate(&opts)
	}
	return NewRuntime(plan, opts), store
}

func loadRecord(t *testing.T, s *history.Store, trialID int) *history.Record {
	t.Helper()
	rec, err := history.ReadRecord(s.Path(trialID))
	require.NoError(t, err)
	return rec
}

func TestRuntime_ExactlyOnce(t *testing.T) {
	rt, store := startRuntime(t, nil)
	ctx := context.Background()

	const k = 64
	var (
		wg     sync.WaitGroup
		faults atomic.Int32
		start  = make(chan struct{})
	)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(block int) {
			defer wg.Done()
			<-start
			if err := rt.Inject(ctx, 10, block); err != nil {
				f, ok := fault.As(err)
				assert.True(t, ok)
				assert.Equal(t, 10, f.InjectionID)
				faults.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), faults.Load())
	assert.Equal(t, k, rt.Occurrences(10))
	assert.Equal(t, StateFired, rt.State())

	require.NoError(t, rt.Dump(ctx))
	assert.Equal(t, StateDumped, rt.State())
	rec := loadRecord(t, store, 1)
	require.True(t, rec.Fired())
	assert.Equal(t, 10, *rec.ID)
	assert.Equal(t, 0, *rec.Source)
	assert.Equal(t, "test-run", rec.RunID)
	assert.Equal(t, history.ModeLocal, rec.Mode)
	assert.NotNil(t, rec.FinishedAt)
}

func TestRuntime_ManyPointsConcurrently(t *testing.T) {
	rt, _ := startRuntime(t, nil)
	ctx := context.Background()
	ids := []int{10, 11, 5, 7, 3, 1}

	var (
		wg     sync.WaitGroup
		faults atomic.Int32
	)
	for _, id := range ids {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				if rt.Inject(ctx, id, id) != nil {
					faults.Add(1)
				}
			}(id)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(1), faults.Load())
	for _, id := range ids {
		assert.Equal(t, 20, rt.Occurrences(id), "id %d", id)
	}
}

func TestRuntime_HistoryExclusionRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.DefaultWindow = 6
	store := openStore(t, cfg.HistoryDir)

	rt, err := Start(ctx, cfg, Deps{Store: store}, "run-1")
	require.NoError(t, err)
	require.Error(t, rt.Inject(ctx, 10, 1))
	require.NoError(t, rt.Close(ctx))

	rt, err = Start(ctx, cfg, Deps{Store: store}, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 2, rt.Status().TrialID)
	assert.NoError(t, rt.Inject(ctx, 10, 1), "(0,10,1) is excluded")
	err = rt.Inject(ctx, 10, 1)
	require.Error(t, err)
	f, _ := fault.As(err)
	assert.Equal(t, 2, f.Occurrence)
	require.NoError(t, rt.Close(ctx))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[history.InjectionIndex]struct{}{
		{PID: 0, ID: 10, Occurrence: 1}: {},
		{PID: 0, ID: 10, Occurrence: 2}: {},
	}, snap.Exclusions())
}

func TestRuntime_Skips(t *testing.T) {
	ctx := context.Background()

	t.Run("not allowed", func(t *testing.T) {
		rt, _ := startRuntime(t, nil)
		assert.NoError(t, rt.Inject(ctx, 99, 0))
		assert.Equal(t, 1, rt.Occurrences(99))
		assert.Equal(t, OutcomeNotAllowed, rt.Status().Decisions[0].Outcome)
	})

	t.Run("block guard", func(t *testing.T) {
		rt, _ := startRuntime(t, func(o *RuntimeOptions) { o.Arbiter.BlockGuard = true },
			fired(1, 6, 0, 11, 1, 42, 1))
		assert.NoError(t, rt.Inject(ctx, 7, 42))
		assert.Error(t, rt.Inject(ctx, 7, 43))
		d := rt.Status().Decisions
		require.Len(t, d, 2)
		assert.Equal(t, OutcomeBlockFired, d[0].Outcome)
		assert.Equal(t, OutcomeFired, d[1].Outcome)
	})

	t.Run("block guard off", func(t *testing.T) {
		rt, _ := startRuntime(t, nil, fired(1, 6, 0, 11, 1, 42, 1))
		assert.Error(t, rt.Inject(ctx, 7, 42))
	})

	t.Run("occurrence limit", func(t *testing.T) {
		rt, _ := startRuntime(t, func(o *RuntimeOptions) { o.Arbiter.OccurrenceLimit = 1 },
			fired(1, 6, 0, 10, 1, 0, 0))
		assert.NoError(t, rt.Inject(ctx, 10, 0))
		assert.NoError(t, rt.Inject(ctx, 10, 0))
		d := rt.Status().Decisions
		require.Len(t, d, 2)
		assert.Equal(t, OutcomeExcluded, d[0].Outcome)
		assert.Equal(t, OutcomeOccurrenceLimit, d[1].Outcome)
	})

	t.Run("after fire", func(t *testing.T) {
		rt, _ := startRuntime(t, nil)
		require.Error(t, rt.Inject(ctx, 3, 0))
		assert.NoError(t, rt.Inject(ctx, 5, 0))
		assert.Equal(t, OutcomeAlreadyFired, rt.Status().Decisions[1].Outcome)
	})

	t.Run("after dump", func(t *testing.T) {
		rt, store := startRuntime(t, nil)
		require.NoError(t, rt.Dump(ctx))
		assert.NoError(t, rt.Inject(ctx, 3, 0))
		assert.Equal(t, 0, rt.Occurrences(3), "no counting after dump")
		assert.Equal(t, StateDumped, rt.State())
		assert.False(t, loadRecord(t, store, 1).Fired())
	})
}

func TestRuntime_DumpIdempotent(t *testing.T) {
	rt, store := startRuntime(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = rt.Dump(ctx)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, 6, snap.Records[0].Window)
	assert.NotNil(t, rt.Arbiter().DumpedRecord())
}

func TestRuntime_DumpErrorIsReturnedEveryTime(t *testing.T) {
	rt, store := startRuntime(t, nil)
	ctx := context.Background()
	appendRecords(t, store, history.NewRecord(1, 6))

	err := rt.Dump(ctx)
	assert.ErrorIs(t, err, history.ErrRecordExists)
	assert.ErrorIs(t, rt.Dump(ctx), history.ErrRecordExists)
	assert.Equal(t, StateDumped, rt.State())
}

func TestRuntime_Guard(t *testing.T) {
	ctx := context.Background()

	t.Run("returns fault and dumps", func(t *testing.T) {
		rt, store := startRuntime(t, nil)
		err := rt.Guard(ctx, func() error {
			if err := rt.Inject(ctx, 5, 9); err != nil {
				return err
			}
			return nil
		})
		assert.ErrorIs(t, err, fault.ErrIO)
		rec := loadRecord(t, store, 1)
		assert.Equal(t, 5, *rec.ID)
		assert.Equal(t, 9, *rec.Block)
	})

	t.Run("panic dumps then re-panics", func(t *testing.T) {
		rt, store := startRuntime(t, nil)
		assert.PanicsWithValue(t, "boom", func() {
			_ = rt.Guard(ctx, func() error { panic("boom") })
		})
		assert.True(t, history.RecordExists(store.Dir(), 1))
	})
}

func TestRuntime_Watchdog(t *testing.T) {
	codes := make(chan int, 1)
	rt, store := startRuntime(t, func(o *RuntimeOptions) {
		o.Timeout = 20 * time.Millisecond
		o.Exit = func(code int) { codes <- code }
	})

	select {
	case code := <-codes:
		assert.Equal(t, ExitCodeTimeout, code)
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	assert.Equal(t, StateDumped, rt.State())
	assert.True(t, history.RecordExists(store.Dir(), 1))
	assert.NoError(t, rt.Inject(context.Background(), 10, 0))
}

func TestRuntime_WatchdogStoppedByDump(t *testing.T) {
	codes := make(chan int, 1)
	rt, _ := startRuntime(t, func(o *RuntimeOptions) {
		o.Timeout = 50 * time.Millisecond
		o.Exit = func(code int) { codes <- code }
	})
	require.NoError(t, rt.Dump(context.Background()))

	select {
	case <-codes:
		t.Fatal("watchdog fired after dump")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRuntime_RecordInjectionTime(t *testing.T) {
	ctx := context.Background()
	times, err := history.OpenTimeStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = times.Close() })

	rt, _ := startRuntime(t, func(o *RuntimeOptions) {
		o.PID = 3
		o.Times = times
	})
	require.NoError(t, rt.RecordInjectionTime(ctx, 10))
	require.NoError(t, rt.RecordInjectionTime(ctx, 10))

	recs, err := times.Records(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 3, recs[1].PID)
	assert.Equal(t, 2, recs[1].Occurrence)

	noTimes, _ := startRuntime(t, nil)
	assert.NoError(t, noTimes.RecordInjectionTime(ctx, 10))
}

func TestRuntime_StatusJSON(t *testing.T) {
	rt, _ := startRuntime(t, nil)
	require.Error(t, rt.Inject(context.Background(), 11, 4))

	data, err := json.Marshal(rt.Status())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "FIRED", doc["state"])
	assert.Equal(t, "local", doc["mode"])
	decisions := doc["decisions"].([]any)
	require.Len(t, decisions, 1)
	assert.Equal(t, "fired", decisions[0].(map[string]any)["outcome"])
}

func TestRuntime_ImplementsInjector(t *testing.T) {
	var _ Injector = (*Runtime)(nil)
}
