// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator decides, trial by trial, which single injection
// occurrence fires.
//
// # Lifecycle
//
//	INIT      Bootstrap reads the graph spec and the trial history, derives
//	          the trial id and window and replays feedback into the biases.
//	ARMED     The Arbiter holds the allow-set and exclusions; Inject calls
//	          are decided.
//	FIRED     One occurrence won the compare-and-set.
//	EXHAUSTED Dump started without anything having fired.
//	DUMPED    The trial record was written (or the attempt failed).
//
// Runtime is the in-process coordinator. The distributed package hosts the
// same Arbiter behind an RPC surface.
//
// # Thread Safety
//
// Runtime and Arbiter are safe for concurrent use. The only global decision
// point is the compare-and-set on the injected flag; occurrence counters are
// locked per injection point.
package coordinator

import "errors"

var (
	// ErrNilStore is returned by Bootstrap without a history store.
	ErrNilStore = errors.New("history store is required")

	// ErrTimeStoreRequired is returned when time feedback is enabled but no
	// time store was supplied.
	ErrTimeStoreRequired = errors.New("time feedback requires a time store")

	// ErrWatchdogFired is passed to the exit path when the trial timed out.
	ErrWatchdogFired = errors.New("trial timeout exceeded")
)
