// Command deckfold keeps the folds and highlights of Pamcrash-style input
// decks in sync with a deck analyzer.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/deckfold/internal/config"
)

// Set via ldflags during build.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	config   string
	logLevel string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "deckfold",
		Short:        "Fold and highlight Pamcrash-style input decks",
		Long:         "deckfold runs a deck analyzer next to an editor buffer and turns its\nclassification into folds and highlights.",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "configuration file (default "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newHostCmd(flags),
		newManifestCmd(),
		newAnalyzeCmd(),
		newFoldsCmd(flags),
		newViewCmd(flags),
	)
	return root
}
