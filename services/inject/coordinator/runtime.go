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
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/faultline/services/inject/config"
	"github.com/AleutianAI/faultline/services/inject/history"
)

// Injector is the decision point instrumented code calls. Runtime and the
// distributed Client implement it.
type Injector interface {
	// Inject counts one hit of injection point id in basic block blockID and
	// returns a *fault.Fault when this hit is the one that fires.
	Inject(ctx context.Context, id, blockID int) error

	// RecordInjectionTime timestamps one hit of id in time-feedback mode.
	RecordInjectionTime(ctx context.Context, id int) error

	// Close ends the trial for this process.
	Close(ctx context.Context) error
}

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	// PID tags this process's injection indices.
	PID int

	// Times stores occurrence timestamps. Nil disables RecordInjectionTime.
	Times *history.TimeStore

	// Timeout arms the watchdog when positive.
	Timeout time.Duration

	// Exit replaces os.Exit for the watchdog.
	Exit func(int)

	Arbiter ArbiterConfig
}

// Runtime is the in-process coordinator.
//
// Thread Safety: safe for concurrent use.
type Runtime struct {
	arbiter  *Arbiter
	pid      int
	counters Counters[int]
	times    *history.TimeStore
	watchdog *Watchdog
	logger   *slog.Logger
}

// NewRuntime arms plan in this process and starts the watchdog.
func NewRuntime(plan *Plan, opts RuntimeOptions) *Runtime {
	if opts.Arbiter.Logger == nil {
		opts.Arbiter.Logger = slog.Default()
	}
	opts.Arbiter.Mode = history.ModeLocal
	r := &Runtime{
		arbiter: NewArbiter(plan, opts.Arbiter),
		pid:     opts.PID,
		times:   opts.Times,
		logger:  opts.Arbiter.Logger,
	}
	if opts.Timeout > 0 {
		r.watchdog = StartWatchdog(opts.Timeout, r.arbiter.Dump, opts.Exit, r.logger)
	}
	return r
}

// Start bootstraps the next trial from cfg and arms a Runtime for it.
func Start(ctx context.Context, cfg config.Config, deps Deps, runID string) (*Runtime, error) {
	plan, err := Bootstrap(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	return NewRuntime(plan, RuntimeOptions{
		PID:     cfg.PID,
		Times:   deps.Times,
		Timeout: cfg.Timeout(),
		Arbiter: ArbiterConfig{
			Store:           deps.Store,
			RunID:           runID,
			BlockGuard:      cfg.BlockGuard,
			OccurrenceLimit: cfg.OccurrenceLimit,
			Logger:          deps.Logger,
		},
	}), nil
}

// Inject decides one hit of injection point id.
//
// Description:
//
//	After Dump this is a no-op. Otherwise the occurrence counter for id is
//	incremented under id's own lock, whatever the outcome, and the Arbiter
//	rules on (pid, id, occurrence). Only the single winning call per trial
//	gets a non-nil error, a *fault.Fault for the id's exception.
func (r *Runtime) Inject(ctx context.Context, id, blockID int) error {
	if r.arbiter.Dumped() {
		return nil
	}
	tmpl := r.arbiter.plan.Faults[id]
	occ := r.counters.Next(id)
	d := r.arbiter.Decide(ctx, history.InjectionIndex{PID: r.pid, ID: id, Occurrence: occ}, blockID)
	if d.Outcome != OutcomeFired {
		return nil
	}
	return tmpl.Fault(r.pid, id, occ, blockID)
}

// RecordInjectionTime stores the time of the next occurrence of id.
func (r *Runtime) RecordInjectionTime(ctx context.Context, id int) error {
	if r.times == nil {
		return nil
	}
	_, err := r.times.Record(ctx, r.arbiter.plan.TrialID, r.pid, id, time.Now())
	return err
}

// Occurrences returns the number of hits of id so far.
func (r *Runtime) Occurrences(id int) int { return r.counters.Get(id) }

// Dump writes the trial record once and disarms the watchdog.
func (r *Runtime) Dump(ctx context.Context) error {
	r.watchdog.Stop()
	return r.arbiter.Dump(ctx)
}

// Close implements Injector.
func (r *Runtime) Close(ctx context.Context) error { return r.Dump(ctx) }

// Guard runs fn and dumps the trial record when fn returns or panics. A
// panic is re-raised after the dump.
func (r *Runtime) Guard(ctx context.Context, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if derr := r.Dump(ctx); derr != nil {
				r.logger.Error("dump after panic failed", slog.String("error", derr.Error()))
			}
			panic(p)
		}
	}()
	err = fn()
	if derr := r.Dump(ctx); derr != nil {
		return errors.Join(err, derr)
	}
	return err
}

// State returns the lifecycle state.
func (r *Runtime) State() State { return r.arbiter.State() }

// Status reports trial progress.
func (r *Runtime) Status() Status { return r.arbiter.Status() }

// Arbiter exposes the decision core.
func (r *Runtime) Arbiter() *Arbiter { return r.arbiter }
