package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/neovim/go-client/nvim"
	"github.com/neovim/go-client/nvim/plugin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/deckfold/internal/nvimhost"
)

func newHostCmd(flags *rootFlags) *cobra.Command {
	var inProcess bool
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run as a Neovim remote plugin on stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(cmd.Context(), flags, inProcess)
		},
	}
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run the reference analyzer in-process")
	return cmd
}

func runHost(ctx context.Context, flags *rootFlags, inProcess bool) error {
	// stdout carries msgpack-rpc. Anything printed by mistake goes to stderr.
	stdout := os.Stdout
	os.Stdout = os.Stderr

	rt, err := newRuntime(flags, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := nvim.New(os.Stdin, stdout, stdout, rt.logger.Printf)
	if err != nil {
		return fmt.Errorf("connect to nvim: %w", err)
	}
	defer v.Close()

	view := nvimhost.NewView(v, -1, rt.format, rt.logger)
	defer view.Close()

	reg, err := rt.newRegistry(view, inProcess)
	if err != nil {
		return err
	}
	host := nvimhost.NewHost(v, reg, rt.logger)
	defer host.DetachAll()

	host.Register(plugin.New(v))
	if err := v.RegisterHandler("poll", func() (string, error) { return "ok", nil }); err != nil {
		return err
	}

	unwatch, err := rt.watch(reg)
	if err != nil {
		return err
	}
	defer unwatch()
	rt.serveMetrics(ctx)

	go func() {
		if err := nvimhost.LinkGroups(v); err != nil {
			rt.logger.Warn("highlight links not set", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = v.Close()
	}()

	rt.logger.Info("host started", zap.Int("pid", os.Getpid()), zap.Bool("in_process", inProcess))
	if err := v.Serve(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	rt.logger.Info("host stopped")
	return nil
}
