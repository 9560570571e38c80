package fold

import (
	"fmt"
	"strings"
)

// Formatter produces the summary shown for a collapsed fold.
type Formatter interface {
	Format(Range) (string, error)
}

// FormatterFunc adapts a function to the Formatter interface.
type FormatterFunc func(Range) (string, error)

// Format calls f.
func (f FormatterFunc) Format(r Range) (string, error) {
	return f(r)
}

// Text returns the default summary of a fold, for example "data (8 lines)"
// or "keyword NODE x3 (12 lines)". It depends only on the fold.
func Text(r Range) string {
	var sb strings.Builder
	sb.WriteString(r.Kind.String())
	if r.Label != "" {
		sb.WriteByte(' ')
		sb.WriteString(r.Label)
	}
	if r.Cards > 1 {
		fmt.Fprintf(&sb, " x%d", r.Cards)
	}
	n := r.Len()
	if n == 1 {
		sb.WriteString(" (1 line)")
	} else {
		fmt.Fprintf(&sb, " (%d lines)", n)
	}
	return sb.String()
}

// TextWith formats r with f and falls back to Text when f is nil, fails or
// returns a multi-line result.
func TextWith(f Formatter, r Range) string {
	if f == nil {
		return Text(r)
	}
	s, err := f.Format(r)
	if err != nil || s == "" || strings.ContainsAny(s, "\r\n") {
		return Text(r)
	}
	return s
}

// Print writes one line per fold, for debugging.
func Print(seq []Range, f Formatter) string {
	if len(seq) == 0 {
		return "no folds\n"
	}
	var sb strings.Builder
	for i, r := range seq {
		fmt.Fprintf(&sb, "%3d %-10s level=%d blocks=%d %q\n", i, r.Lines(), r.Level, r.Blocks, TextWith(f, r))
	}
	return sb.String()
}
