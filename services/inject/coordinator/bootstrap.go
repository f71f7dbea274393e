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
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/faultline/pkg/telemetry"
	"github.com/AleutianAI/faultline/services/inject/config"
	"github.com/AleutianAI/faultline/services/inject/fault"
	"github.com/AleutianAI/faultline/services/inject/feedback"
	"github.com/AleutianAI/faultline/services/inject/graph"
	"github.com/AleutianAI/faultline/services/inject/history"
)

// Plan is everything a trial needs before the first Inject call.
type Plan struct {
	TrialID int
	Window  int

	Graph   *graph.PriorityGraph
	Manager *feedback.Manager

	// Allow is a *feedback.CountAllowSet, or a *feedback.TimedAllowSet in
	// time-feedback mode.
	Allow feedback.AllowSet

	// Priorities is the ranked prefix behind Allow. Empty when the window
	// covered every candidate.
	Priorities []graph.Priority

	Exclusions  map[history.InjectionIndex]struct{}
	FiredBlocks map[int]struct{}

	// Faults maps every injection id to its resolved exception.
	Faults map[int]fault.Template

	TimeFeedback bool
	History      *history.Snapshot
	Replay       ReplayStats
}

// ReplayStats summarises feedback replay.
type ReplayStats struct {
	Activated   int `json:"activated"`
	Deactivated int `json:"deactivated"`
	Skipped     int `json:"skipped"`
}

// Deps are the collaborators Bootstrap reads from.
type Deps struct {
	Store *history.Store
	// Times is required when Config.TimeFeedback is set.
	Times  *history.TimeStore
	Logger *slog.Logger
}

// Bootstrap prepares the next trial.
//
// Description:
//
//	Loads the graph spec and the history directory, derives the trial id
//	and window, replays every recorded feedback signal into a fresh
//	Manager, and computes the allow-set. In time-feedback mode the time
//	priority table is rebuilt from the most recent record carrying event
//	times and the occurrence times stored for that trial.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	cfg - Validated configuration.
//	deps - History store (required), time store and logger.
//
// Outputs:
//
//	*Plan - The armed plan.
//	error - Graph spec, history directory or time store failures.
func Bootstrap(ctx context.Context, cfg config.Config, deps Deps) (*Plan, error) {
	ctx, span := tracer.Start(ctx, "coordinator.Bootstrap")
	defer span.End()
	start := time.Now()

	if deps.Store == nil {
		return nil, ErrNilStore
	}
	if cfg.TimeFeedback && deps.Times == nil {
		return nil, ErrTimeStoreRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	spec, err := graph.LoadSpec(cfg.GraphSpecPath)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	g := graph.NewPriorityGraph(spec)

	snap, err := deps.Store.Load(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	plan := &Plan{
		TrialID:      snap.NextTrialID(),
		Window:       NextWindow(snap, cfg.DefaultWindow, cfg.MaxWindow),
		Graph:        g,
		Manager:      feedback.NewManager(g, cfg.ActivationDelta, logger),
		Exclusions:   snap.Exclusions(),
		FiredBlocks:  snap.FiredBlocks(),
		Faults:       make(map[int]fault.Template, g.CandidateCount()),
		TimeFeedback: cfg.TimeFeedback,
		History:      snap,
	}
	for _, id := range g.InjectionIDs() {
		inj, _ := g.Injection(id)
		plan.Faults[id] = fault.Resolve(inj.Exception)
	}
	plan.Replay = ReplayFeedback(plan.Manager, snap.Records, logger)

	if cfg.TimeFeedback {
		table, err := buildTimeTable(ctx, snap, deps.Times)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		set, err := feedback.NewTimedManager(plan.Manager, table).Calc(ctx, plan.Window)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		plan.Allow, plan.Priorities = set, set.Priorities()
	} else {
		set, err := plan.Manager.Calc(ctx, plan.Window)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		plan.Allow, plan.Priorities = set, set.Priorities()
	}

	bootstrapDuration.Observe(time.Since(start).Seconds())
	trialInfo.WithLabelValues("trial_id").Set(float64(plan.TrialID))
	trialInfo.WithLabelValues("window").Set(float64(plan.Window))
	span.SetAttributes(
		attribute.Int("trial_id", plan.TrialID),
		attribute.Int("window", plan.Window),
		attribute.Int("allowed", plan.Allow.Len()),
		attribute.Int("history", snap.Len()),
	)
	logger.Info("trial armed",
		slog.Int("trial_id", plan.TrialID),
		slog.Int("window", plan.Window),
		slog.Int("allowed", plan.Allow.Len()),
		slog.Int("candidates", g.CandidateCount()),
		slog.Int("history_records", snap.Len()),
		slog.Int("history_skipped", snap.Skipped),
		slog.Int("exclusions", len(plan.Exclusions)),
		slog.Bool("time_feedback", cfg.TimeFeedback))
	return plan, nil
}

// NextWindow computes the window of the next trial.
//
// Description:
//
//	maxW is the largest recorded window, or defaultWindow for an empty
//	history. When the most recent trial fired nothing although it already
//	ran with maxW (or more), the window doubles, capped at maxWindow.
//	Otherwise maxW is kept.
func NextWindow(snap *history.Snapshot, defaultWindow, maxWindow int) int {
	maxW, ok := snap.MaxWindow()
	if !ok || maxW < 1 {
		maxW = defaultWindow
	}
	latest, ok := snap.Latest()
	if ok && !latest.Fired() && latest.Window >= maxW {
		return min(2*maxW, maxWindow)
	}
	return maxW
}

// ReplayFeedback folds the feedback of every record into m.
//
// Description:
//
//	Only records that fired and carry feedback count. Every listed Start
//	event is activated. The record's source event is deactivated when the
//	feedback does not list it. Ids that are not Start events are skipped.
//
//	Deactivation is keyed on the engine-written Source field alone; the
//	position of a feedback id relative to the Start boundary never
//	deactivates anything. Fixtures that want an event demoted must fire
//	an injection sourced from it and leave it out of the feedback.
func ReplayFeedback(m *feedback.Manager, records []history.Record, logger *slog.Logger) ReplayStats {
	if logger == nil {
		logger = slog.Default()
	}
	var stats ReplayStats
	g := m.Graph()
	for _, rec := range records {
		if !rec.Fired() || !rec.HasFeedback() {
			continue
		}
		for _, ev := range rec.Feedback {
			if !g.IsStart(ev) {
				logger.Debug("ignoring feedback for non-start event",
					slog.Int("trial_id", rec.TrialID), slog.Int("event", ev))
				stats.Skipped++
				continue
			}
			_ = m.Activate(ev)
			stats.Activated++
		}
		if rec.Source != nil && !slices.Contains(rec.Feedback, *rec.Source) && g.IsStart(*rec.Source) {
			_ = m.Deactivate(*rec.Source)
			stats.Deactivated++
		}
	}
	return stats
}

func buildTimeTable(ctx context.Context, snap *history.Snapshot, times *history.TimeStore) (*feedback.TimePriorityTable, error) {
	rec, ok := snap.LatestWithEventTimes()
	if !ok {
		return nil, nil
	}
	records, err := times.Records(ctx, rec.TrialID)
	if err != nil {
		return nil, err
	}
	return feedback.BuildTimePriorityTable(rec.EventTimesAsTime(), records), nil
}

// SourceOf returns the Start event id was ranked against. When the window
// covered every candidate no walk was done, so the graph is walked until
// id shows up.
func (p *Plan) SourceOf(id int) int {
	for _, pr := range p.Priorities {
		if pr.InjectionID == id {
			return pr.Source
		}
	}
	source := graph.NoSource
	p.Graph.CalculatePriorities(func(pr graph.Priority) bool {
		if pr.InjectionID == id {
			source = pr.Source
			return true
		}
		return false
	})
	return source
}
