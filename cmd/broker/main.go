// Command broker runs the realtime subscription broker and publishes events to it.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "broker",
		Short:        "Realtime subscription broker",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "config", "Directory holding broker.yml and broker.local.yml")
	root.AddCommand(newServeCommand())
	root.AddCommand(newPublishCommand())
	return root
}
