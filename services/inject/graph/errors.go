// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the causal graph and the priority walk that ranks
// injection candidates by their distance from failure-indicating events.
//
// # Model
//
// Nodes are causal events identified by dense integer ids. The first
// Spec.Start ids are Start events (the symptom plus every known log line);
// the remaining nodes were discovered by walking backwards from them, so
// edges point from an effect towards the events that could have caused it.
// Every edge costs 1.
//
// An injection candidate sits on exactly one (caller, callee) edge. The
// candidate's priority is the weight the callee attains through that edge,
// weight(caller) + 1.
//
// # Ownership Model
//
// The Spec is immutable after LoadSpec returns. A PriorityGraph copies what
// it needs; the only mutable state is the per-Start bias vector.
//
// # Thread Safety
//
// PriorityGraph methods are safe for concurrent use; a priority walk holds
// the graph's mutex for its whole duration.
package graph

import "errors"

// Sentinel errors for graph operations.
var (
	// ErrInvalidSpec is returned when a graph spec fails schema validation
	// or referential integrity checks.
	ErrInvalidSpec = errors.New("invalid graph spec")

	// ErrNotStartNode is returned when a bias is applied to a node that is
	// not a Start event.
	ErrNotStartNode = errors.New("node is not a start event")

	// ErrUnknownInjection is returned when an injection id is not part of
	// the graph.
	ErrUnknownInjection = errors.New("unknown injection id")
)
