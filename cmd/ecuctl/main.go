package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/calibworks/ecud/internal/config"
)

// rootOptions holds global flags shared by every subcommand.
type rootOptions struct {
	SocketPath string
	JSON       bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ecuctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ecuctl",
		Short:         "Inspect a running ecud daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaults := config.DefaultConfig()
	cmd.PersistentFlags().StringVar(&opts.SocketPath, "socket", defaults.SocketPath, "ecud UDS path")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "emit raw JSON instead of a table")

	cmd.AddCommand(newHealthCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))
	cmd.AddCommand(newSessionsCommand(opts))

	return cmd
}
