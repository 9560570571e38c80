package main

import (
	"github.com/neovim/go-client/nvim/plugin"
	"github.com/spf13/cobra"

	"github.com/dshills/deckfold/internal/nvimhost"
)

func newManifestCmd() *cobra.Command {
	var hostName string
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Print the remote plugin manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := plugin.New(nil)
			nvimhost.NewHost(nil, nil, nil).Register(p)
			_, err := cmd.OutOrStdout().Write(p.Manifest(hostName))
			return err
		},
	}
	cmd.Flags().StringVar(&hostName, "host", "deckfold", "remote plugin host name")
	return cmd
}
