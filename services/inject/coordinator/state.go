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

// State is the coordinator lifecycle state.
type State int32

const (
	StateInit State = iota
	StateArmed
	StateFired
	StateExhausted
	StateDumped
)

var stateNames = [...]string{
	StateInit:      "INIT",
	StateArmed:     "ARMED",
	StateFired:     "FIRED",
	StateExhausted: "EXHAUSTED",
	StateDumped:    "DUMPED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
