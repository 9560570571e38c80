package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gdamore/tcell/v2"
	"github.com/spf13/cobra"

	"github.com/dshills/deckfold/internal/viewer"
)

func newViewCmd(flags *rootFlags) *cobra.Command {
	var inProcess bool
	cmd := &cobra.Command{
		Use:   "view FILE",
		Short: "Browse a deck with its folds in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runView(cmd.Context(), flags, args[0], inProcess)
		},
	}
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run the reference analyzer in-process")
	return cmd
}

func runView(ctx context.Context, flags *rootFlags, path string, inProcess bool) error {
	lines, err := readDeck(path)
	if err != nil {
		return err
	}
	// The screen owns the terminal, so logs only go to log.file.
	rt, err := newRuntime(flags, io.Discard)
	if err != nil {
		return err
	}
	defer rt.close()

	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("create screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("init screen: %w", err)
	}
	defer screen.Fini()

	v := viewer.New(screen, filepath.Base(path), lines, rt.format)
	reg, err := rt.newRegistry(v, inProcess)
	if err != nil {
		return err
	}
	defer reg.DetachAll(context.Background())
	if _, err := reg.Attach(ctx, 0, lines); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := v.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
