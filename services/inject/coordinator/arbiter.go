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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/faultline/pkg/telemetry"
	"github.com/AleutianAI/faultline/services/inject/graph"
	"github.com/AleutianAI/faultline/services/inject/history"
)

// ArbiterConfig configures an Arbiter.
type ArbiterConfig struct {
	// Store receives the trial record. Required for Dump.
	Store *history.Store

	// Mode is recorded in the trial record and used as a metric label.
	Mode string

	// RunID is recorded in the trial record.
	RunID string

	// BlockGuard allows at most one fired injection per basic block across
	// the whole history: blocks in Plan.FiredBlocks, fired by earlier
	// trials, are skipped as well as this trial's.
	BlockGuard bool

	// OccurrenceLimit skips occurrences above it. 0 means unlimited.
	OccurrenceLimit int

	// DecisionLogSize bounds the decisions kept for Status.
	DecisionLogSize int

	Logger *slog.Logger
}

// Fired describes the winning occurrence.
type Fired struct {
	Index     history.InjectionIndex `json:"index"`
	Exception string                 `json:"exception"`
	Block     int                    `json:"block"`
	At        time.Time              `json:"at"`
}

// Arbiter applies the allow-set, exclusion and block rules to injection
// occurrences and lets exactly one of them fire per trial.
//
// Thread Safety: safe for concurrent use.
type Arbiter struct {
	plan   *Plan
	cfg    ArbiterConfig
	logger *slog.Logger

	state    atomic.Int32
	injected atomic.Bool
	dumping  atomic.Bool

	// mu pairs the winning compare-and-set with the start of Dump, so a
	// firing is either recorded or refused.
	mu    sync.Mutex
	fired *Fired

	dumpDone chan struct{}
	dumpErr  error
	record   *history.Record

	decisions *decisionLog
}

// NewArbiter arms plan.
func NewArbiter(plan *Plan, cfg ArbiterConfig) *Arbiter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = history.ModeLocal
	}
	a := &Arbiter{
		plan:      plan,
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.Int("trial_id", plan.TrialID)),
		dumpDone:  make(chan struct{}),
		decisions: newDecisionLog(cfg.DecisionLogSize),
	}
	a.state.Store(int32(StateArmed))
	return a
}

// Plan returns the armed plan.
func (a *Arbiter) Plan() *Plan { return a.plan }

// State returns the lifecycle state.
func (a *Arbiter) State() State { return State(a.state.Load()) }

// Dumped reports whether Dump has started.
func (a *Arbiter) Dumped() bool { return a.dumping.Load() }

// Fired returns the winning occurrence, if any.
func (a *Arbiter) Fired() (Fired, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fired == nil {
		return Fired{}, false
	}
	return *a.fired, true
}

// Decide rules on one occurrence.
//
// Description:
//
//	Checks, in order: dump started, already fired this trial, allow-set
//	membership (including the occurrence bound in time mode), recorded
//	exclusions, the occurrence limit and the block guard. An occurrence
//	passing every check competes on a single compare-and-set; only the
//	winner gets OutcomeFired.
//
// Inputs:
//
//	idx - The occurrence; idx.Occurrence was already counted by the caller.
//	block - Basic block id of the call site.
func (a *Arbiter) Decide(ctx context.Context, idx history.InjectionIndex, block int) Decision {
	d := Decision{At: time.Now(), Index: idx, Block: block, Outcome: a.check(idx, block)}
	if d.Outcome == OutcomeFired {
		d.Outcome = a.tryFire(idx, block, d.At)
	}
	a.decisions.push(d)
	recordDecision(ctx, a.cfg.Mode, d)
	if d.Outcome == OutcomeFired {
		a.logger.Info("injecting fault",
			slog.Int("pid", idx.PID),
			slog.Int("id", idx.ID),
			slog.Int("occurrence", idx.Occurrence),
			slog.Int("block", block),
			slog.String("exception", a.plan.Faults[idx.ID].Exception))
	}
	return d
}

func (a *Arbiter) check(idx history.InjectionIndex, block int) Outcome {
	switch {
	case a.dumping.Load():
		return OutcomeDumped
	case a.injected.Load():
		return OutcomeAlreadyFired
	case !a.plan.Allow.Allows(idx.ID, idx.Occurrence):
		return OutcomeNotAllowed
	}
	if _, ok := a.plan.Exclusions[idx]; ok {
		return OutcomeExcluded
	}
	if a.cfg.OccurrenceLimit > 0 && idx.Occurrence > a.cfg.OccurrenceLimit {
		return OutcomeOccurrenceLimit
	}
	if a.cfg.BlockGuard {
		if _, ok := a.plan.FiredBlocks[block]; ok {
			return OutcomeBlockFired
		}
	}
	return OutcomeFired
}

func (a *Arbiter) tryFire(idx history.InjectionIndex, block int, at time.Time) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dumping.Load() {
		return OutcomeDumped
	}
	if !a.injected.CompareAndSwap(false, true) {
		return OutcomeAlreadyFired
	}
	a.fired = &Fired{
		Index:     idx,
		Exception: a.plan.Faults[idx.ID].Exception,
		Block:     block,
		At:        at,
	}
	a.state.Store(int32(StateFired))
	return OutcomeFired
}

// Decisions returns recent decisions, oldest first.
func (a *Arbiter) Decisions() []Decision { return a.decisions.slice() }

// Record builds the trial record from the current state.
func (a *Arbiter) Record() *history.Record {
	rec := history.NewRecord(a.plan.TrialID, a.plan.Window)
	rec.RunID = a.cfg.RunID
	rec.Mode = a.cfg.Mode
	if f, ok := a.Fired(); ok {
		source := a.plan.SourceOf(f.Index.ID)
		rec.SetFired(f.Index, f.Exception, f.Block, source)
		if source == graph.NoSource {
			rec.Source = nil
		}
	}
	return rec
}

// Dump writes the trial record exactly once.
//
// Description:
//
//	The first call stops further firing, builds the record and appends it
//	to the store. Concurrent and later calls wait for that write and
//	return its result. Errors are logged and returned; Dump never panics.
func (a *Arbiter) Dump(ctx context.Context) error {
	a.mu.Lock()
	first := a.dumping.CompareAndSwap(false, true)
	a.mu.Unlock()
	if !first {
		select {
		case <-a.dumpDone:
			return a.dumpErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer close(a.dumpDone)

	ctx, span := tracer.Start(ctx, "coordinator.Arbiter.Dump")
	defer span.End()

	a.state.CompareAndSwap(int32(StateArmed), int32(StateExhausted))
	rec := a.Record()
	now := time.Now().UTC()
	rec.FinishedAt = &now
	a.record = rec

	result := "exhausted"
	if rec.Fired() {
		result = "fired"
	}
	span.SetAttributes(attribute.Int("trial_id", rec.TrialID), attribute.String("result", result))

	if a.cfg.Store == nil {
		a.dumpErr = errors.New("dump: no history store")
	} else if err := a.cfg.Store.Append(ctx, rec); err != nil {
		a.dumpErr = fmt.Errorf("dump trial %d: %w", rec.TrialID, err)
	}
	a.state.Store(int32(StateDumped))

	if a.dumpErr != nil {
		dumpsTotal.WithLabelValues("error").Inc()
		telemetry.RecordError(span, a.dumpErr)
		a.logger.Error("trial record not written", slog.String("error", a.dumpErr.Error()))
		return a.dumpErr
	}
	dumpsTotal.WithLabelValues(result).Inc()
	a.logger.Info("trial record written",
		slog.Int("window", rec.Window),
		slog.String("result", result),
		slog.String("path", a.cfg.Store.Path(rec.TrialID)))
	return nil
}

// DumpedRecord returns the record written by Dump, or nil before it.
func (a *Arbiter) DumpedRecord() *history.Record {
	select {
	case <-a.dumpDone:
		return a.record
	default:
		return nil
	}
}

// Status is a point-in-time view of an Arbiter.
type Status struct {
	TrialID   int         `json:"trial_id"`
	Window    int         `json:"window"`
	Mode      string      `json:"mode"`
	RunID     string      `json:"run_id,omitempty"`
	State     State       `json:"state"`
	Allowed   []int       `json:"allowed"`
	Fired     *Fired      `json:"fired,omitempty"`
	Replay    ReplayStats `json:"replay"`
	Decisions []Decision  `json:"decisions"`
}

// Status reports the current state.
func (a *Arbiter) Status() Status {
	s := Status{
		TrialID:   a.plan.TrialID,
		Window:    a.plan.Window,
		Mode:      a.cfg.Mode,
		RunID:     a.cfg.RunID,
		State:     a.State(),
		Allowed:   a.plan.Allow.IDs(),
		Replay:    a.plan.Replay,
		Decisions: a.Decisions(),
	}
	if f, ok := a.Fired(); ok {
		s.Fired = &f
	}
	return s
}
