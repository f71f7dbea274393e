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

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Mode values recorded in Record.Mode.
const (
	ModeLocal       = "local"
	ModeDistributed = "distributed"
)

// InjectionIndex identifies one concrete firing: the occurrence-th hit of
// injection ID in process PID. Comparable; used directly as a map key.
type InjectionIndex struct {
	PID        int `json:"pid"`
	ID         int `json:"id"`
	Occurrence int `json:"occurrence"`
}

func (i InjectionIndex) String() string {
	return fmt.Sprintf("(pid=%d id=%d occ=%d)", i.PID, i.ID, i.Occurrence)
}

// Record is the outcome of one trial.
//
// The fired fields (PID, ID, Exception, Occurrence, Block, Source) are set
// only when a fault fired. Feedback and EventTimes are added by the log-diff
// collaborator after the trial.
type Record struct {
	TrialID int `json:"trial_id"`
	Window  int `json:"window"`

	PID        *int   `json:"pid,omitempty"`
	ID         *int   `json:"id,omitempty"`
	Exception  string `json:"exception,omitempty"`
	Occurrence *int   `json:"occurrence,omitempty"`
	Block      *int   `json:"block,omitempty"`

	// Source is the Start event the fired id was ranked against.
	Source *int `json:"source,omitempty"`

	// Feedback lists the Start events whose log lines showed up.
	Feedback []int `json:"feedback,omitempty"`

	// EventTimes maps Start event id to the unix-nano time it was logged.
	EventTimes map[int]int64 `json:"event_times,omitempty"`

	RunID      string     `json:"run_id,omitempty"`
	Mode       string     `json:"mode,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func ptr[T any](v T) *T { return &v }

// NewRecord creates a record for a trial that fired nothing.
func NewRecord(trialID, window int) *Record {
	return &Record{TrialID: trialID, Window: window}
}

// SetFired fills the fired fields.
func (r *Record) SetFired(idx InjectionIndex, exception string, block, source int) {
	r.PID = ptr(idx.PID)
	r.ID = ptr(idx.ID)
	r.Occurrence = ptr(idx.Occurrence)
	r.Exception = exception
	r.Block = ptr(block)
	r.Source = ptr(source)
}

// Fired reports whether a fault fired in this trial.
func (r *Record) Fired() bool {
	return r.ID != nil && r.Occurrence != nil
}

// Index returns the fired InjectionIndex. A missing pid means 0.
func (r *Record) Index() (InjectionIndex, bool) {
	if !r.Fired() {
		return InjectionIndex{}, false
	}
	idx := InjectionIndex{ID: *r.ID, Occurrence: *r.Occurrence}
	if r.PID != nil {
		idx.PID = *r.PID
	}
	return idx, true
}

// HasFeedback reports whether the collaborator attached any feedback.
func (r *Record) HasFeedback() bool {
	return len(r.Feedback) > 0
}

// EventTimesAsTime converts EventTimes.
func (r *Record) EventTimesAsTime() map[int]time.Time {
	out := make(map[int]time.Time, len(r.EventTimes))
	for id, ns := range r.EventTimes {
		out[id] = time.Unix(0, ns)
	}
	return out
}

// =============================================================================
// Schema
// =============================================================================

//go:embed record.schema.json
var recordSchemaJSON []byte

const recordSchemaURL = "https://aleutian.ai/schemas/faultline/trial_record.json"

var (
	recordSchemaOnce sync.Once
	recordSchema     *jsonschema.Schema
	recordSchemaErr  error
)

func compiledRecordSchema() (*jsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(recordSchemaURL, bytes.NewReader(recordSchemaJSON)); err != nil {
			recordSchemaErr = fmt.Errorf("add record schema: %w", err)
			return
		}
		recordSchema, recordSchemaErr = compiler.Compile(recordSchemaURL)
	})
	return recordSchema, recordSchemaErr
}

// DecodeRecord validates raw against the record schema and decodes it.
func DecodeRecord(raw []byte) (*Record, error) {
	schema, err := compiledRecordSchema()
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return &rec, nil
}

// EncodeRecord encodes and validates a record.
func EncodeRecord(rec *Record) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode trial record: %w", err)
	}
	if _, err := DecodeRecord(data); err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ReadRecord reads and decodes one record file.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		return nil, &RecordError{Path: path, Err: err}
	}
	return rec, nil
}
