// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
)

// Printer writes human-facing command output. Styling degrades to plain
// text when the writer is not a color terminal.
type Printer struct {
	out *termenv.Output
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer, options ...termenv.OutputOption) *Printer {
	return &Printer{out: termenv.NewOutput(w, options...)}
}

// Printf writes unstyled text.
func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

// SAS prints the short authentication string the two users compare
// out of band.
func (p *Printer) SAS(code string) {
	styled := p.out.String(code).Bold().Foreground(p.out.Color("11"))
	fmt.Fprintf(p.out, "Verify with your peer: %s\n", styled)
}

// Success prints a one-line confirmation.
func (p *Printer) Success(format string, args ...any) {
	marker := p.out.String("✓").Foreground(p.out.Color("2"))
	fmt.Fprintf(p.out, "%s %s\n", marker, fmt.Sprintf(format, args...))
}

// Warn prints a one-line warning.
func (p *Printer) Warn(format string, args ...any) {
	marker := p.out.String("!").Bold().Foreground(p.out.Color("3"))
	fmt.Fprintf(p.out, "%s %s\n", marker, fmt.Sprintf(format, args...))
}

// Faint returns text rendered dim.
func (p *Printer) Faint(text string) string {
	return p.out.String(text).Faint().String()
}

// Progress redraws a single progress line. Call Done to end it.
func (p *Printer) Progress(done, total int64, elapsed time.Duration) {
	fmt.Fprintf(p.out, "\r%s", FormatProgress(done, total, elapsed))
}

// Done terminates a progress line.
func (p *Printer) Done() {
	fmt.Fprintln(p.out)
}

// FormatProgress renders "3.0 MiB / 10 MiB  30%  1.2 MiB/s".
func FormatProgress(done, total int64, elapsed time.Duration) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s / %s", humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
	if total > 0 {
		fmt.Fprintf(&builder, "  %3d%%", done*100/total)
	}
	if seconds := elapsed.Seconds(); seconds > 0 {
		fmt.Fprintf(&builder, "  %s/s", humanize.IBytes(uint64(float64(done)/seconds)))
	}
	return builder.String()
}
