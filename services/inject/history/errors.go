// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history stores one JSON record per trial and reconstructs, at the
// start of every trial, everything the engine learned from earlier ones:
// the next trial id, the window, the exclusion set and the feedback to
// replay.
//
// # Layout
//
//	<dir>/trial-000001.json
//	<dir>/trial-000002.json
//	<dir>/.faultline.lock
//
// Records are written once, via a temporary file and a rename, under the
// directory lock. The log-diff collaborator may later add feedback and
// event_times to a record; the engine never rewrites one.
package history

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordExists is returned by Append when the trial id is taken.
	ErrRecordExists = errors.New("trial record already exists")

	// ErrMalformedRecord marks a record that failed decoding or schema
	// validation.
	ErrMalformedRecord = errors.New("malformed trial record")

	// ErrInvalidTrialID is returned for trial ids below 1.
	ErrInvalidTrialID = errors.New("invalid trial id")
)

// RecordError ties a record failure to its file.
type RecordError struct {
	Path string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("trial record %s: %v", e.Path, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
