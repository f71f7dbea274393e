// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	if got := LevelDebug.toSlogLevel(); got != slog.LevelDebug {
		t.Errorf("debug = %v", got)
	}
	if got := Level(42).toSlogLevel(); got != slog.LevelInfo {
		t.Errorf("unknown level should default to info, got %v", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownLevel) {
					t.Fatalf("expected ErrUnknownLevel, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatAuto, "auto": FormatAuto, "Text": FormatText, "json": FormatJSON} {
		got, err := ParseFormat(in)
		if err != nil {
			t.Fatalf("ParseFormat(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseFormat(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseFormat("xml"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_TextOutputWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Service: "coordinator", Format: FormatText, Output: &buf})
	defer logger.Close()

	logger.Debug("decision", "injection_id", 7)

	out := buf.String()
	if !strings.Contains(out, "service=coordinator") {
		t.Errorf("missing service attribute: %s", out)
	}
	if !strings.Contains(out, "injection_id=7") {
		t.Errorf("missing attribute: %s", out)
	}
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})
	defer logger.Close()

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message should be written")
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: FormatJSON, Output: &buf})
	logger.Info("armed", "window", 20)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "armed" {
		t.Errorf("msg = %v", rec["msg"])
	}
}

func TestNew_FileLoggingQuiet(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{LogDir: dir, Service: "target", Quiet: true, Output: &buf})

	logger.Info("written to file only", "trial_id", 3)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote to output: %s", buf.String())
	}

	matches, err := filepath.Glob(filepath.Join(dir, "target_*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one log file, got %v (err=%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file only") {
		t.Errorf("log file missing message: %s", data)
	}
}

func TestLogger_WithSharesFile(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	child := logger.With("pid", 12)

	child.Info("child message")
	if err := child.Close(); err != nil {
		t.Fatalf("child Close: %v", err)
	}
	// Parent still usable after child close.
	logger.Info("parent message")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one log file, got %v", matches)
	}
	data, _ := os.ReadFile(matches[0])
	if !strings.Contains(string(data), `"pid":12`) || !strings.Contains(string(data), "parent message") {
		t.Errorf("unexpected log file content: %s", data)
	}
}

func TestUseJSON_NonFileWriterIsText(t *testing.T) {
	if useJSON(FormatAuto, &bytes.Buffer{}) {
		t.Error("auto format on a buffer should be text")
	}
	if !useJSON(FormatJSON, &bytes.Buffer{}) {
		t.Error("forced JSON should be JSON")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("absolute path changed: %q", got)
	}
}
