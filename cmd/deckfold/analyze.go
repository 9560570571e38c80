package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/deckfold/internal/analyzer"
	"github.com/dshills/deckfold/internal/protocol"
)

func newAnalyzeCmd() *cobra.Command {
	var codecName string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the reference deck analyzer on stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			codec, err := protocol.Lookup(codecName)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := analyzer.NewServer(codec, cmd.ErrOrStderr())
			err = srv.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&codecName, "codec", protocol.Msgpack.Name(), "wire codec (msgpack or json)")
	return cmd
}
