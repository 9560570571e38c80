package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dshills/deckfold/internal/classify"
	"github.com/dshills/deckfold/internal/fold"
	"github.com/dshills/deckfold/internal/session"
)

type foldsOptions struct {
	format    string
	inProcess bool
	timeout   time.Duration
}

func newFoldsCmd(flags *rootFlags) *cobra.Command {
	opts := foldsOptions{}
	cmd := &cobra.Command{
		Use:   "folds FILE",
		Short: "Print the folds and highlights of a deck",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFolds(cmd.Context(), flags, opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "output format (text, yaml or json)")
	cmd.Flags().BoolVar(&opts.inProcess, "in-process", false, "run the reference analyzer in-process")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "how long to wait for the analyzer")
	return cmd
}

// report is what folds prints.
type report struct {
	session.Snapshot `yaml:",inline"`

	File   string   `json:"file" yaml:"file"`
	Stderr []string `json:"stderr,omitempty" yaml:"stderr,omitempty"`
}

func runFolds(ctx context.Context, flags *rootFlags, opts foldsOptions, path string, stdout, stderr io.Writer) error {
	switch opts.format {
	case "text", "yaml", "json":
	default:
		return fmt.Errorf("unknown format %q", opts.format)
	}
	lines, err := readDeck(path)
	if err != nil {
		return err
	}

	rt, err := newRuntime(flags, stderr)
	if err != nil {
		return err
	}
	defer rt.close()

	reg, err := rt.newRegistry(session.NopView{}, opts.inProcess)
	if err != nil {
		return err
	}
	defer reg.DetachAll(context.Background())

	s, err := reg.Attach(ctx, 0, lines)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		if msg := s.PrintStderr(); msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		return fmt.Errorf("analyze %s: %w", path, err)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}

	r := report{File: path, Snapshot: snap}
	if lines := s.StderrLines(); len(lines) > 0 {
		r.Stderr = lines
	}

	switch opts.format {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return printText(stdout, r, rt.format)
	}
}

// readDeck reads a file as editor lines: no line terminators, and no empty
// last line for a trailing newline.
func readDeck(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.ReplaceAll(string(b), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n"), nil
}

var kindColors = map[classify.Kind]lipgloss.Color{
	classify.KindComment:      lipgloss.Color("8"),
	classify.KindKeyword:      lipgloss.Color("3"),
	classify.KindData:         lipgloss.Color("7"),
	classify.KindContinuation: lipgloss.Color("6"),
}

func printText(w io.Writer, r report, format fold.Formatter) error {
	re := lipgloss.NewRenderer(w)
	title := re.NewStyle().Bold(true)
	span := re.NewStyle().Faint(true).Width(12)
	warn := re.NewStyle().Foreground(lipgloss.Color("1"))

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", title.Render(fmt.Sprintf("%s: %d lines, %d folds", r.File, len(r.Lines), len(r.Folds))))
	for _, f := range r.Folds {
		indent := strings.Repeat("  ", max(f.Level-1, 0))
		text := re.NewStyle().Foreground(kindColors[f.Kind]).Render(fold.TextWith(format, f))
		fmt.Fprintf(&sb, "  %s%s%s\n", span.Render(fmt.Sprintf("%d-%d", f.Start+1, f.End)), indent, text)
	}
	for _, f := range r.Nested {
		text := re.NewStyle().Foreground(kindColors[f.Kind]).Render(fold.TextWith(format, f))
		fmt.Fprintf(&sb, "  %sgroup %s\n", span.Render(fmt.Sprintf("%d-%d", f.Start+1, f.End)), text)
	}
	for _, st := range r.Stale {
		fmt.Fprintf(&sb, "  %s\n", warn.Render("stale "+st.String()))
	}
	for _, line := range r.Stderr {
		fmt.Fprintf(&sb, "  %s\n", warn.Render(line))
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
