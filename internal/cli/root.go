// Package cli builds the dedupd command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	ConfigPath string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dedupd",
		Short: "dedupd - idempotent stream record consumer",
		Long: `dedupd consumes batches of stream records, persists each record once per
identity key and runs its side effect exactly once per successful insert.
Failed records are reported back to the transport for redelivery.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "dedupd.yaml", "path to config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))

	return cmd
}
