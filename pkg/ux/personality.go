// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Level selects how much styling the CLI applies to its output.
type Level string

const (
	// LevelRich renders colors, icons and bordered tables.
	LevelRich Level = "rich"

	// LevelMinimal renders icons and tables without colors.
	LevelMinimal Level = "minimal"

	// LevelMachine renders tab-separated text suitable for scripts.
	LevelMachine Level = "machine"
)

// EnvOutput overrides terminal detection.
const EnvOutput = "FAULTLINE_OUTPUT"

// ParseLevel converts a string to a Level. Unknown values map to
// LevelMinimal.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full", "r":
		return LevelRich
	case "machine", "plain", "quiet", "q":
		return LevelMachine
	default:
		return LevelMinimal
	}
}

// DetectLevel picks the level for w.
//
// Description:
//
//	FAULTLINE_OUTPUT wins when set. Otherwise a terminal gets LevelRich and
//	anything else (pipes, files, buffers) gets LevelMachine.
func DetectLevel(w io.Writer) Level {
	if v, ok := os.LookupEnv(EnvOutput); ok && v != "" {
		return ParseLevel(v)
	}
	if isTerminal(w) {
		return LevelRich
	}
	return LevelMachine
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
