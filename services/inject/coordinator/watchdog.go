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
	"log/slog"
	"os"
	"sync"
	"time"
)

// ExitCodeTimeout is the status the watchdog exits with.
const ExitCodeTimeout = 124

// watchdogDumpTimeout bounds the dump attempted before a hard exit.
const watchdogDumpTimeout = 5 * time.Second

// Watchdog hard-stops a hung trial after a best-effort dump.
type Watchdog struct {
	timer    *time.Timer
	fired    chan struct{}
	stopOnce sync.Once
}

// StartWatchdog arms a watchdog.
//
// Description:
//
//	After timeout, dump runs with a bounded context and exit is called with
//	ExitCodeTimeout whether or not the dump succeeded. A nil exit uses
//	os.Exit, which skips deferred functions.
//
// Inputs:
//
//	timeout - Trial budget. Must be positive.
//	dump - Persists the trial record.
//	exit - Process exit; tests pass a recorder.
//	logger - Logger; nil uses slog.Default().
func StartWatchdog(timeout time.Duration, dump func(context.Context) error, exit func(int), logger *slog.Logger) *Watchdog {
	if exit == nil {
		exit = os.Exit
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watchdog{fired: make(chan struct{})}
	w.timer = time.AfterFunc(timeout, func() {
		defer close(w.fired)
		logger.Error("trial timed out, dumping and exiting",
			slog.Duration("timeout", timeout),
			slog.String("error", ErrWatchdogFired.Error()))
		ctx, cancel := context.WithTimeout(context.Background(), watchdogDumpTimeout)
		if err := dump(ctx); err != nil {
			logger.Error("watchdog dump failed", slog.String("error", err.Error()))
		}
		cancel()
		exit(ExitCodeTimeout)
	})
	return w
}

// Stop disarms the watchdog. It reports false if the watchdog already
// fired.
func (w *Watchdog) Stop() bool {
	if w == nil {
		return true
	}
	stopped := false
	w.stopOnce.Do(func() { stopped = w.timer.Stop() })
	return stopped
}

// Fired is closed once the watchdog has run its dump and exit path.
func (w *Watchdog) Fired() <-chan struct{} { return w.fired }
