// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// =============================================================================
// Node Kinds
// =============================================================================

// NodeKind classifies a causal event.
type NodeKind int

const (
	KindUnknown NodeKind = iota
	KindStart
	KindLocation
	KindCondition
	KindInvocation
	KindHandler
	KindInternalInjection
	KindExternalInjection
	KindUncaughtThrowInjection
)

var nodeKindNames = map[NodeKind]string{
	KindUnknown:                "unknown",
	KindStart:                  "start",
	KindLocation:               "location",
	KindCondition:              "condition",
	KindInvocation:             "invocation",
	KindHandler:                "handler",
	KindInternalInjection:      "internal_injection",
	KindExternalInjection:      "external_injection",
	KindUncaughtThrowInjection: "uncaught_throw_injection",
}

func (k NodeKind) String() string {
	if name, ok := nodeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseNodeKind accepts snake_case or CamelCase kind names.
func ParseNodeKind(s string) NodeKind {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for kind, name := range nodeKindNames {
		if strings.ReplaceAll(name, "_", "") == norm {
			return kind
		}
	}
	return KindUnknown
}

// MarshalJSON encodes the kind as its snake_case name.
func (k NodeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind name. Unrecognised names become KindUnknown.
func (k *NodeKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = ParseNodeKind(s)
	return nil
}

// =============================================================================
// Spec Types
// =============================================================================

// Spec is the causal graph description produced by static analysis.
type Spec struct {
	// Start is the number of Start events; they occupy ids [0, Start).
	Start      int         `json:"start"`
	Nodes      []Node      `json:"nodes"`
	Tree       []TreeEntry `json:"tree"`
	Injections []Injection `json:"injections"`
}

// Node is a causal event.
type Node struct {
	ID    int      `json:"id"`
	Kind  NodeKind `json:"kind,omitempty"`
	Label string   `json:"label,omitempty"`
}

// TreeEntry lists the causes of one event.
type TreeEntry struct {
	ID       int   `json:"id"`
	Children []int `json:"children"`
}

// Injection is a candidate point where a fault can be thrown.
//
// Class, Method, Invocation and Line describe the call site and are only
// used by instrumentation and display.
type Injection struct {
	ID         int    `json:"id"`
	Caller     int    `json:"caller"`
	Callee     int    `json:"callee"`
	Exception  string `json:"exception"`
	Class      string `json:"class,omitempty"`
	Method     string `json:"method,omitempty"`
	Invocation string `json:"invocation,omitempty"`
	Line       int    `json:"line,omitempty"`
}

// =============================================================================
// Loading
// =============================================================================

//go:embed graph_spec.schema.json
var specSchemaJSON []byte

const specSchemaURL = "https://aleutian.ai/schemas/faultline/graph_spec.json"

var (
	specSchemaOnce sync.Once
	specSchema     *jsonschema.Schema
	specSchemaErr  error
)

func compiledSpecSchema() (*jsonschema.Schema, error) {
	specSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(specSchemaURL, bytes.NewReader(specSchemaJSON)); err != nil {
			specSchemaErr = fmt.Errorf("add graph spec schema: %w", err)
			return
		}
		specSchema, specSchemaErr = compiler.Compile(specSchemaURL)
	})
	return specSchema, specSchemaErr
}

// LoadSpec reads and validates a graph spec file.
//
// Description:
//
//	Reads the file, validates it against the embedded JSON schema, decodes
//	it and checks referential integrity (see ParseSpec).
//
// Inputs:
//
//	path - Path to the graph spec JSON file.
//
// Outputs:
//
//	*Spec - The validated spec.
//	error - Read errors, or ErrInvalidSpec wrapped with the first problem.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph spec %s: %w", path, err)
	}
	spec, err := ParseSpec(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// ParseSpec validates and decodes a graph spec document.
//
// Integrity rules: node ids are dense and equal to their position, the
// first Start nodes (and only those) may carry kind "start", tree and
// injection references point at existing nodes, and injection ids are
// unique.
func ParseSpec(data []byte) (*Spec, error) {
	schema, err := compiledSpecSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks referential integrity.
func (s *Spec) Validate() error {
	n := len(s.Nodes)
	if s.Start < 0 || s.Start > n {
		return fmt.Errorf("%w: start %d out of range [0, %d]", ErrInvalidSpec, s.Start, n)
	}
	for i, node := range s.Nodes {
		if node.ID != i {
			return fmt.Errorf("%w: node at position %d has id %d", ErrInvalidSpec, i, node.ID)
		}
		if i < s.Start && node.Kind != KindUnknown && node.Kind != KindStart {
			return fmt.Errorf("%w: node %d is in the start range but has kind %s", ErrInvalidSpec, i, node.Kind)
		}
		if i >= s.Start && node.Kind == KindStart {
			return fmt.Errorf("%w: node %d has kind start outside the start range", ErrInvalidSpec, i)
		}
	}
	for _, entry := range s.Tree {
		if entry.ID >= n {
			return fmt.Errorf("%w: tree entry references node %d", ErrInvalidSpec, entry.ID)
		}
		for _, child := range entry.Children {
			if child >= n {
				return fmt.Errorf("%w: node %d lists unknown cause %d", ErrInvalidSpec, entry.ID, child)
			}
		}
	}
	seen := make(map[int]struct{}, len(s.Injections))
	for _, inj := range s.Injections {
		if _, dup := seen[inj.ID]; dup {
			return fmt.Errorf("%w: duplicate injection id %d", ErrInvalidSpec, inj.ID)
		}
		seen[inj.ID] = struct{}{}
		if inj.Caller >= n || inj.Callee >= n {
			return fmt.Errorf("%w: injection %d references node outside [0, %d)", ErrInvalidSpec, inj.ID, n)
		}
		if inj.Exception == "" {
			return fmt.Errorf("%w: injection %d has no exception", ErrInvalidSpec, inj.ID)
		}
	}
	return nil
}

// IsStart reports whether id is a Start event.
func (s *Spec) IsStart(id int) bool {
	return id >= 0 && id < s.Start
}
