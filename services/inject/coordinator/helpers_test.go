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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/faultline/services/inject/config"
	"github.com/AleutianAI/faultline/services/inject/history"
)

const replayGraph = "testdata/replay/graph.json"

// testConfig points at the replay graph and a fresh history directory.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.GraphSpecPath = replayGraph
	cfg.HistoryDir = t.TempDir()
	cfg.DefaultWindow = 2
	cfg.MaxWindow = 8
	return cfg
}

func openStore(t *testing.T, dir string) *history.Store {
	t.Helper()
	s, err := history.Open(dir, history.Options{})
	require.NoError(t, err)
	return s
}

func appendRecords(t *testing.T, s *history.Store, recs ...*history.Record) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, s.Append(context.Background(), rec))
	}
}

func fired(trialID, window, pid, id, occ, block, source int, feedback ...int) *history.Record {
	rec := history.NewRecord(trialID, window)
	rec.SetFired(history.InjectionIndex{PID: pid, ID: id, Occurrence: occ}, "java.io.IOException", block, source)
	rec.Feedback = feedback
	return rec
}

// annotate rewrites a record the way the log differ does after a trial.
func annotate(t *testing.T, s *history.Store, trialID int, feedback []int, eventTimes map[int]int64) {
	t.Helper()
	rec, err := history.ReadRecord(s.Path(trialID))
	require.NoError(t, err)
	rec.Feedback = feedback
	rec.EventTimes = eventTimes
	data, err := history.EncodeRecord(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), history.RecordFileName(trialID)), data, 0o644))
}
