// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/AleutianAI/faultline/services/inject/config"
	"github.com/AleutianAI/faultline/services/inject/coordinator"
	"github.com/AleutianAI/faultline/services/inject/history"
)

// Variables the driver adds to the target's environment on top of
// config.Environ.
const (
	EnvRunID   = "FAULTLINE_RUN_ID"
	EnvTrialID = "FAULTLINE_TRIAL_ID"
	EnvRecord  = "FAULTLINE_RECORD"
)

const (
	// DefaultGrace is how long the driver waits past the trial timeout
	// before killing the target, and past its exit for the record.
	DefaultGrace = 5 * time.Second

	killWaitDelay = 2 * time.Second
)

// driver runs one target command per trial.
type driver struct {
	cfg    config.Config
	target []string
	check  string
	grace  time.Duration
	runID  string
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

// trialResult is the outcome of one driven trial.
type trialResult struct {
	Record   *history.Record
	ExitCode int
	TimedOut bool
	// Synthesized is set when the target exited without writing a record
	// and the driver wrote an empty one in its place.
	Synthesized bool
	// Reproduced is set when the check command exited 0.
	Reproduced bool
	// Exhausted is set when the window covered every candidate and the
	// trial still fired nothing.
	Exhausted bool
}

// runTrial runs one trial end to end.
//
// Description:
//
//	In distributed mode a coordinator is armed in-process on
//	CoordinatorAddr and the target is pointed at its bound address; the
//	record is written when the coordinator stops after the target exits.
//	In local mode the target arms itself from the inherited environment and
//	the driver waits for its record, writing an empty one if none appears
//	within the grace period so the next trial gets a fresh id.
//
//	The target runs in its own process group, killed as a whole when the
//	trial timeout plus grace expires.
//
// Outputs:
//
//	*trialResult - The trial's record and how the target ended.
//	error - Bootstrap, launch or history failures. A non-zero target exit
//	is not an error.
func (d *driver) runTrial(ctx context.Context) (*trialResult, error) {
	c := d.cfg
	var trial *coordinatorTrial
	var plan *coordinator.Plan
	var err error

	if c.Distributed {
		trial, err = startCoordinator(ctx, c, d.runID, d.logger, func(code int) {
			d.logger.Warn("trial watchdog fired", slog.Int("exit_code", code))
		})
		if err != nil {
			return nil, err
		}
		plan = trial.plan
		c.CoordinatorAddr = trial.addr
	} else if plan, err = previewPlan(ctx, c, d.runID, d.logger); err != nil {
		return nil, err
	}

	res := &trialResult{}
	res.ExitCode, res.TimedOut, err = d.runTarget(ctx, c, plan.TrialID)
	if trial != nil {
		stopErr := trial.stop()
		if err == nil {
			err = stopErr
		}
		res.Record = trial.server.Arbiter().DumpedRecord()
	}
	if err != nil {
		return nil, err
	}

	if res.Record == nil {
		res.Record, res.Synthesized, err = d.awaitRecord(ctx, plan)
		if err != nil {
			return nil, err
		}
	}

	if d.check != "" {
		res.Reproduced, err = d.runCheck(ctx, res.Record)
		if err != nil {
			return nil, err
		}
	}
	res.Exhausted = !res.Record.Fired() && res.Record.Window >= plan.Graph.CandidateCount()

	d.logger.Info("trial finished",
		slog.Int("trial_id", res.Record.TrialID),
		slog.Bool("fired", res.Record.Fired()),
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut),
		slog.Bool("synthesized", res.Synthesized),
		slog.Bool("reproduced", res.Reproduced))
	return res, nil
}

func (d *driver) env(c config.Config, trialID int) []string {
	env := append(os.Environ(), c.Environ()...)
	return append(env,
		EnvRunID+"="+d.runID,
		EnvTrialID+"="+strconv.Itoa(trialID))
}

// runTarget runs the target to completion and reports its exit code.
func (d *driver) runTarget(ctx context.Context, c config.Config, trialID int) (code int, timedOut bool, err error) {
	tctx := ctx
	if timeout := c.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, timeout+d.grace)
		defer cancel()
	}

	cmd := exec.CommandContext(tctx, d.target[0], d.target[1:]...)
	cmd.Env = d.env(c, trialID)
	cmd.Stdout = d.stdout
	cmd.Stderr = d.stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = killWaitDelay

	err = cmd.Run()
	timedOut = errors.Is(tctx.Err(), context.DeadlineExceeded)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, timedOut, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), timedOut, nil
	case timedOut || ctx.Err() != nil:
		return -1, timedOut, nil
	default:
		return 0, false, fmt.Errorf("run target: %w", err)
	}
}

// awaitRecord waits for the target's record, writing an empty one when
// none appears within the grace period.
func (d *driver) awaitRecord(ctx context.Context, plan *coordinator.Plan) (*history.Record, bool, error) {
	wctx, cancel := context.WithTimeout(ctx, d.grace)
	defer cancel()
	rec, err := history.WaitForRecord(wctx, d.cfg.HistoryDir, plan.TrialID)
	if err == nil {
		return rec, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	d.logger.Warn("target exited without a trial record",
		slog.Int("trial_id", plan.TrialID),
		slog.String("error", err.Error()))

	store, err := history.Open(d.cfg.HistoryDir, history.Options{Logger: d.logger, RunID: d.runID})
	if err != nil {
		return nil, false, err
	}
	defer store.Close()

	rec = history.NewRecord(plan.TrialID, plan.Window)
	rec.Mode = history.ModeLocal
	rec.RunID = d.runID
	now := time.Now().UTC()
	rec.FinishedAt = &now
	if err := store.Append(ctx, rec); err != nil {
		if errors.Is(err, history.ErrRecordExists) {
			existing, rerr := history.ReadRecord(store.Path(plan.TrialID))
			return existing, false, rerr
		}
		return nil, false, err
	}
	return rec, true, nil
}

// runCheck runs the check command against a finished trial.
func (d *driver) runCheck(ctx context.Context, rec *history.Record) (bool, error) {
	args := shellCommand(d.check)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(d.env(d.cfg, rec.TrialID),
		EnvRecord+"="+filepath.Join(d.cfg.HistoryDir, history.RecordFileName(rec.TrialID)))
	cmd.Stdout = d.stdout
	cmd.Stderr = d.stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exitErr):
		return false, nil
	default:
		return false, fmt.Errorf("run check: %w", err)
	}
}
