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
	"sync/atomic"
	"time"

	"github.com/AleutianAI/faultline/services/inject/history"
)

// Outcome is the result of one Inject decision.
type Outcome int

const (
	OutcomeFired Outcome = iota
	OutcomeAlreadyFired
	OutcomeNotAllowed
	OutcomeExcluded
	OutcomeOccurrenceLimit
	OutcomeBlockFired
	OutcomeDumped
	// OutcomeRejected is a distributed-client decision that did not reach
	// the coordinator.
	OutcomeRejected
)

var outcomeNames = [...]string{
	OutcomeFired:           "fired",
	OutcomeAlreadyFired:    "already_fired",
	OutcomeNotAllowed:      "not_allowed",
	OutcomeExcluded:        "excluded",
	OutcomeOccurrenceLimit: "occurrence_limit",
	OutcomeBlockFired:      "block_fired",
	OutcomeDumped:          "dumped",
	OutcomeRejected:        "rejected",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

// MarshalText renders the outcome name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Decision records one Inject call.
type Decision struct {
	At      time.Time              `json:"at"`
	Index   history.InjectionIndex `json:"index"`
	Block   int                    `json:"block"`
	Outcome Outcome                `json:"outcome"`
}

// DefaultDecisionLogSize is the number of decisions kept for Status.
const DefaultDecisionLogSize = 256

// decisionLog is a fixed-size circular buffer of recent decisions. When
// full, the oldest decision is overwritten. Writers claim a slot with one
// atomic add and never wait on each other or on readers.
//
// Thread Safety: safe for concurrent use. A reader racing with writers may
// miss entries whose slot is still being filled.
type decisionLog struct {
	slots []atomic.Pointer[loggedDecision]
	next  atomic.Uint64
}

type loggedDecision struct {
	seq uint64
	d   Decision
}

func newDecisionLog(capacity int) *decisionLog {
	if capacity <= 0 {
		capacity = DefaultDecisionLogSize
	}
	return &decisionLog{slots: make([]atomic.Pointer[loggedDecision], capacity)}
}

func (l *decisionLog) push(d Decision) {
	seq := l.next.Add(1) - 1
	l.slots[seq%uint64(len(l.slots))].Store(&loggedDecision{seq: seq, d: d})
}

// slice returns the decisions from oldest to newest.
func (l *decisionLog) slice() []Decision {
	end := l.next.Load()
	size := uint64(len(l.slots))
	start := end - min(end, size)
	var out []Decision
	for seq := start; seq < end; seq++ {
		e := l.slots[seq%size].Load()
		if e == nil || e.seq != seq {
			continue
		}
		out = append(out, e.d)
	}
	return out
}
