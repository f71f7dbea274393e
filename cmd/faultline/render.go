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
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/faultline/pkg/ux"
	"github.com/AleutianAI/faultline/services/inject/coordinator"
	"github.com/AleutianAI/faultline/services/inject/feedback"
	"github.com/AleutianAI/faultline/services/inject/graph"
	"github.com/AleutianAI/faultline/services/inject/history"
)

// =============================================================================
// Plan
// =============================================================================

type allowedView struct {
	Rank        int    `json:"rank"`
	ID          int    `json:"id"`
	Source      *int   `json:"source,omitempty"`
	Weight      *int   `json:"weight,omitempty"`
	MaxPriority *int   `json:"max_priority,omitempty"`
	Exception   string `json:"exception"`
	CallSite    string `json:"call_site,omitempty"`
}

type planView struct {
	TrialID      int                     `json:"trial_id"`
	Window       int                     `json:"window"`
	Candidates   int                     `json:"candidates"`
	TimeFeedback bool                    `json:"time_feedback"`
	Records      int                     `json:"records"`
	Exclusions   int                     `json:"exclusions"`
	Biases       map[int]int             `json:"biases,omitempty"`
	Replay       coordinator.ReplayStats `json:"replay"`
	Allowed      []allowedView           `json:"allowed"`
}

func newPlanView(p *coordinator.Plan) planView {
	v := planView{
		TrialID:      p.TrialID,
		Window:       p.Window,
		Candidates:   p.Graph.CandidateCount(),
		TimeFeedback: p.TimeFeedback,
		Exclusions:   len(p.Exclusions),
		Biases:       p.Manager.Biases(),
		Replay:       p.Replay,
	}
	if p.History != nil {
		v.Records = p.History.Len()
	}

	ranked := make(map[int]graph.Priority, len(p.Priorities))
	for _, pr := range p.Priorities {
		ranked[pr.InjectionID] = pr
	}
	timed, _ := p.Allow.(*feedback.TimedAllowSet)

	for rank, id := range p.Allow.IDs() {
		a := allowedView{Rank: rank, ID: id, Exception: p.Faults[id].Exception}
		if pr, ok := ranked[id]; ok {
			if pr.Source != graph.NoSource {
				a.Source = &pr.Source
			}
			if pr.Reachable() {
				a.Weight = &pr.Weight
			}
		} else if src := p.SourceOf(id); src != graph.NoSource {
			a.Source = &src
		}
		if timed != nil {
			if al, ok := timed.Allowance(id); ok {
				a.MaxPriority = &al.MaxPriority
			}
		}
		if inj, ok := p.Graph.Injection(id); ok {
			a.CallSite = callSite(inj)
		}
		v.Allowed = append(v.Allowed, a)
	}
	return v
}

func callSite(inj graph.Injection) string {
	if inj.Class == "" && inj.Method == "" {
		return ""
	}
	site := inj.Class
	if inj.Method != "" {
		site += "." + inj.Method
	}
	if inj.Invocation != "" {
		site += " " + ux.IconArrow.Render() + " " + inj.Invocation
	}
	if inj.Line > 0 {
		site += ":" + strconv.Itoa(inj.Line)
	}
	return site
}

func renderPlan(p *ux.Printer, v planView) {
	p.Title(fmt.Sprintf("Trial %d", v.TrialID))
	p.Summary(
		ux.KV("trial", v.TrialID),
		ux.KV("window", v.Window),
		ux.KV("candidates", v.Candidates),
		ux.KV("allowed", len(v.Allowed)),
		ux.KV("records", v.Records),
		ux.KV("exclusions", v.Exclusions),
		ux.KV("time_feedback", v.TimeFeedback),
		ux.KV("biases", formatBiases(v.Biases)),
	)

	headers := []string{"RANK", "ID", "SOURCE", "WEIGHT", "EXCEPTION", "CALL SITE"}
	if v.TimeFeedback {
		headers = append(headers, "MAX PRIORITY")
	}
	rows := make([][]string, 0, len(v.Allowed))
	for _, a := range v.Allowed {
		row := []string{
			strconv.Itoa(a.Rank),
			strconv.Itoa(a.ID),
			optInt(a.Source),
			optInt(a.Weight),
			a.Exception,
			a.CallSite,
		}
		if v.TimeFeedback {
			row = append(row, optInt(a.MaxPriority))
		}
		rows = append(rows, row)
	}
	p.Table(headers, rows)
}

func formatBiases(b map[int]int) string {
	if len(b) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(b))
	for _, id := range slices.Sorted(maps.Keys(b)) {
		parts = append(parts, fmt.Sprintf("%d:%+d", id, b[id]))
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// History
// =============================================================================

var historyHeaders = []string{"TRIAL", "WINDOW", "FIRED", "PID", "ID", "OCC", "EXCEPTION", "BLOCK", "SOURCE", "FEEDBACK", "MODE"}

func historyRows(records []history.Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		fired := "no"
		if r.Fired() {
			fired = "yes"
		}
		feedback := "-"
		if len(r.Feedback) > 0 {
			ids := make([]string, len(r.Feedback))
			for i, id := range r.Feedback {
				ids[i] = strconv.Itoa(id)
			}
			feedback = strings.Join(ids, ",")
		}
		mode := r.Mode
		if mode == "" {
			mode = "-"
		}
		exception := r.Exception
		if exception == "" {
			exception = "-"
		}
		rows = append(rows, []string{
			strconv.Itoa(r.TrialID),
			strconv.Itoa(r.Window),
			fired,
			optInt(r.PID),
			optInt(r.ID),
			optInt(r.Occurrence),
			exception,
			optInt(r.Block),
			optInt(r.Source),
			feedback,
			mode,
		})
	}
	return rows
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
