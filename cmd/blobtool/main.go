// Package main provides blobtool, an offline inspector for chunk, merged
// and manifest files.
package main

import (
	"os"

	"github.com/danmuck/sensorsync/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "blobtool",
		Short:         "Inspect sensor chunk and merged blobs",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(newSummaryCmd())
	rootCmd.AddCommand(newDiagCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newMergeCmd())
	return rootCmd
}
