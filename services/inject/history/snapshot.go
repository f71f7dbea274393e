// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

// Snapshot is the history as read at the start of a trial.
type Snapshot struct {
	// Records sorted by ascending trial id.
	Records []Record

	// Skipped counts malformed files.
	Skipped int
}

// Len returns the number of valid records.
func (s *Snapshot) Len() int { return len(s.Records) }

// MaxTrialID returns the largest trial id, or 0 for an empty history.
func (s *Snapshot) MaxTrialID() int {
	if len(s.Records) == 0 {
		return 0
	}
	return s.Records[len(s.Records)-1].TrialID
}

// NextTrialID returns MaxTrialID()+1.
func (s *Snapshot) NextTrialID() int { return s.MaxTrialID() + 1 }

// Latest returns the record with the largest trial id.
func (s *Snapshot) Latest() (Record, bool) {
	if len(s.Records) == 0 {
		return Record{}, false
	}
	return s.Records[len(s.Records)-1], true
}

// MaxWindow returns the largest recorded window.
func (s *Snapshot) MaxWindow() (int, bool) {
	if len(s.Records) == 0 {
		return 0, false
	}
	best := s.Records[0].Window
	for _, r := range s.Records[1:] {
		best = max(best, r.Window)
	}
	return best, true
}

// Exclusions returns every recorded InjectionIndex.
func (s *Snapshot) Exclusions() map[InjectionIndex]struct{} {
	out := make(map[InjectionIndex]struct{})
	for i := range s.Records {
		if idx, ok := s.Records[i].Index(); ok {
			out[idx] = struct{}{}
		}
	}
	return out
}

// FiredBlocks returns the block ids of every recorded firing.
func (s *Snapshot) FiredBlocks() map[int]struct{} {
	out := make(map[int]struct{})
	for _, r := range s.Records {
		if r.Fired() && r.Block != nil {
			out[*r.Block] = struct{}{}
		}
	}
	return out
}

// Fired returns the records that fired, in trial order.
func (s *Snapshot) Fired() []Record {
	var out []Record
	for i := range s.Records {
		if s.Records[i].Fired() {
			out = append(out, s.Records[i])
		}
	}
	return out
}

// LatestWithEventTimes returns the most recent record carrying event times.
func (s *Snapshot) LatestWithEventTimes() (Record, bool) {
	for i := len(s.Records) - 1; i >= 0; i-- {
		if len(s.Records[i].EventTimes) > 0 {
			return s.Records[i], true
		}
	}
	return Record{}, false
}
