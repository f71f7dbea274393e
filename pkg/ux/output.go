// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders faultline CLI output: status lines, key/value
// summaries and tables, styled for terminals and flattened for scripts.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Color palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#6B8A94")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box         lipgloss.Style
	TableBorder lipgloss.Style
	TableHeader lipgloss.Style
	TableCell   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	TableBorder: lipgloss.NewStyle().Foreground(ColorTealDeep),
	TableHeader: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	TableCell:   lipgloss.NewStyle().Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// machinePrefix maps icons to the keyword printed at LevelMachine.
var machinePrefix = map[Icon]string{
	IconSuccess: "OK",
	IconWarning: "WARN",
	IconError:   "ERROR",
	IconPending: "PENDING",
}

// Printer writes styled output to one writer.
//
// Thread Safety: not safe for concurrent use; each command owns one.
type Printer struct {
	w     io.Writer
	level Level
}

// NewPrinter creates a Printer. An empty level is detected from w.
func NewPrinter(w io.Writer, level Level) *Printer {
	if level == "" {
		level = DetectLevel(w)
	}
	return &Printer{w: w, level: level}
}

// Level returns the printer's output level.
func (p *Printer) Level() Level { return p.level }

func (p *Printer) styled(s lipgloss.Style, text string) string {
	if p.level != LevelRich {
		return text
	}
	return s.Render(text)
}

// Title prints a heading. Machine output omits it.
func (p *Printer) Title(text string) {
	if p.level == LevelMachine {
		return
	}
	fmt.Fprintln(p.w, p.styled(Styles.Title, text))
}

// Status prints one line prefixed by icon.
func (p *Printer) Status(icon Icon, text string) {
	switch p.level {
	case LevelMachine:
		if prefix, ok := machinePrefix[icon]; ok {
			fmt.Fprintf(p.w, "%s: %s\n", prefix, text)
			return
		}
		fmt.Fprintln(p.w, text)
	case LevelMinimal:
		fmt.Fprintf(p.w, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", icon.Render(), text)
	}
}

// Success prints a success line.
func (p *Printer) Success(text string) { p.Status(IconSuccess, text) }

// Warning prints a warning line.
func (p *Printer) Warning(text string) { p.Status(IconWarning, text) }

// Error prints an error line.
func (p *Printer) Error(text string) { p.Status(IconError, text) }

// KeyValue is one row of a summary block.
type KeyValue struct {
	Key   string
	Value string
}

// KV builds a KeyValue, formatting v with %v.
func KV(key string, v any) KeyValue {
	return KeyValue{Key: key, Value: fmt.Sprint(v)}
}

// Summary prints aligned key/value pairs.
//
// Machine output is "key=value" per line so scripts can grep it.
func (p *Printer) Summary(pairs ...KeyValue) {
	if p.level == LevelMachine {
		for _, kv := range pairs {
			fmt.Fprintf(p.w, "%s=%s\n", kv.Key, kv.Value)
		}
		return
	}
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv.Key))
	}
	lines := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		key := kv.Key + strings.Repeat(" ", width-len(kv.Key))
		lines = append(lines, p.styled(Styles.Muted, key)+"  "+kv.Value)
	}
	body := strings.Join(lines, "\n")
	if p.level == LevelRich {
		body = Styles.Box.Render(body)
	}
	fmt.Fprintln(p.w, body)
}

// Table prints rows under headers.
//
// Description:
//
//	LevelRich and LevelMinimal draw a bordered lipgloss table (colored
//	only when rich). LevelMachine prints a tab-separated header line
//	followed by one tab-separated line per row.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.level == LevelMachine {
		fmt.Fprintln(p.w, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(p.w, strings.Join(r, "\t"))
		}
		return
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		Rows(rows...)
	if p.level == LevelRich {
		t = t.BorderStyle(Styles.TableBorder).StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.TableHeader
			}
			return Styles.TableCell
		})
	} else {
		t = t.StyleFunc(func(_, _ int) lipgloss.Style {
			return lipgloss.NewStyle().Padding(0, 1)
		})
	}
	fmt.Fprintln(p.w, t.Render())
}
