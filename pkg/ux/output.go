// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the chainforge CLI.
//
// A Printer writes either styled output (colors, icons, boxes) for a
// terminal or plain tab-separated text for pipes and tests.
package ux

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

// Palette - deep ocean teals and arctic waters
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
	Key      lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
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

// Row is one key/value line of a table.
type Row struct {
	Key   string
	Value string
	// Indent nests the row under the previous one.
	Indent bool
}

// Printer writes CLI output.
//
// Thread Safety: NOT safe for concurrent use.
type Printer struct {
	w      io.Writer
	styled bool
}

// NewPrinter creates a Printer. styled enables colors and boxes; pass
// whether w is a terminal.
func NewPrinter(w io.Writer, styled bool) *Printer {
	return &Printer{w: w, styled: styled}
}

// Styled reports whether output is styled.
func (p *Printer) Styled() bool {
	return p.styled
}

// Title prints a heading.
func (p *Printer) Title(text string) {
	if !p.styled {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Status prints a line prefixed by an icon. Plain output uses OK, WARN,
// ERROR or "-" prefixes.
func (p *Printer) Status(icon Icon, text string) {
	if !p.styled {
		fmt.Fprintf(p.w, "%s: %s\n", plainIcon(icon), text)
		return
	}
	style := Styles.Bold
	switch icon {
	case IconSuccess:
		style = Styles.Success
	case IconWarning:
		style = Styles.Warning
	case IconError:
		style = Styles.Error
	}
	fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style.Render(text))
}

func plainIcon(icon Icon) string {
	switch icon {
	case IconSuccess:
		return "OK"
	case IconWarning:
		return "WARN"
	case IconError:
		return "ERROR"
	default:
		return "-"
	}
}

// Table prints aligned key/value rows.
func (p *Printer) Table(rows []Row) error {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for _, r := range rows {
		key := r.Key
		if r.Indent {
			key = "  " + key
		}
		if p.styled {
			key = Styles.Key.Render(key)
		}
		fmt.Fprintf(tw, "%s\t%s\n", key, r.Value)
	}
	return tw.Flush()
}

// Box prints text in a rounded box. Plain output prints "title: content".
func (p *Printer) Box(title, content string, failed bool) {
	if !p.styled {
		fmt.Fprintf(p.w, "%s: %s\n", title, content)
		return
	}
	box, head := Styles.Box, Styles.Title
	if failed {
		box, head = Styles.ErrorBox, Styles.Error.Bold(true)
	}
	fmt.Fprintln(p.w, box.Width(60).Render(head.Render(title)+"\n"+content))
}

// RunSummary prints a summary line with counts
func (p *Printer) RunSummary(built, skipped, failed int) {
	if !p.styled {
		fmt.Fprintf(p.w, "SUMMARY: built=%d skipped=%d failed=%d\n", built, skipped, failed)
		return
	}
	fmt.Fprintf(p.w, "\n%s %s  %s %s  %s %s\n",
		Styles.Success.Render(fmt.Sprintf("%d", built)), Styles.Muted.Render("built"),
		Styles.Warning.Render(fmt.Sprintf("%d", skipped)), Styles.Muted.Render("skipped"),
		Styles.Error.Render(fmt.Sprintf("%d", failed)), Styles.Muted.Render("failed"),
	)
}

// ProgressBar renders a simple progress bar
func (p *Printer) ProgressBar(current, total, width int) string {
	if !p.styled || total <= 0 {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := float64(current) / float64(total)
	if pct > 1 {
		pct = 1
	}
	filled := int(pct * float64(width))
	empty := width - filled

	bar := Styles.Success.Render(strings.Repeat("█", filled)) +
		Styles.Muted.Render(strings.Repeat("░", empty))

	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}
