// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the aggtree CLI.
//
// A Printer writes plain, stable text unless its writer is a terminal, in
// which case status words and headings are colored with lipgloss.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle: lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:     lipgloss.NewStyle().Bold(true),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError).Bold(true),
}

// Mode selects how a Printer renders.
type Mode int

const (
	// ModePlain writes unstyled text suitable for pipes, files, and tests.
	ModePlain Mode = iota

	// ModeStyled colors output for a terminal.
	ModeStyled
)

// DetectMode returns ModeStyled when w is a terminal.
func DetectMode(w io.Writer) Mode {
	f, ok := w.(*os.File)
	if !ok {
		return ModePlain
	}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return ModeStyled
	}
	return ModePlain
}

// Printer writes CLI output in one Mode.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter returns a printer whose mode is detected from w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, mode: DetectMode(w)}
}

// NewPrinterMode returns a printer with an explicit mode.
func NewPrinterMode(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode {
	return p.mode
}

func (p *Printer) render(s lipgloss.Style, text string) string {
	if p.mode == ModePlain {
		return text
	}
	return s.Render(text)
}

// Title prints a heading line.
func (p *Printer) Title(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(Styles.Title, fmt.Sprintf(format, args...)))
}

// Info prints a secondary line.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(Styles.Muted, fmt.Sprintf(format, args...)))
}

// Warning prints a warning line.
func (p *Printer) Warning(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(Styles.Warning, fmt.Sprintf(format, args...)))
}

// Step prints one numbered step result. A nil err prints "ok" followed by
// detail; otherwise "FAIL" followed by the error.
//
// Plain output is column aligned:
//
//	3 connect    ok   a -> [b c]
//	4 query      FAIL unfinished want 2, got 1
func (p *Printer) Step(n int, op string, detail string, err error) {
	prefix := fmt.Sprintf("%3d %-10s ", n, op)
	if err != nil {
		fmt.Fprintf(p.w, "%s%s %s\n", prefix, p.render(Styles.Error, "FAIL"), err)
		return
	}
	fmt.Fprintf(p.w, "%s%s   %s\n", prefix, p.render(Styles.Success, "ok"), p.render(Styles.Muted, detail))
}

// KeyValue prints an aligned "key: value" line.
func (p *Printer) KeyValue(key string, value any) {
	fmt.Fprintf(p.w, "%s %v\n", p.render(Styles.Subtitle, fmt.Sprintf("%-14s", key+":")), value)
}
