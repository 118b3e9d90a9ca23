package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "netrender",
	Short: "netrender hosts scripted widgets controlled over WebSocket",
	Long: `netrender runs many independent Lua widgets in one process. Each widget's
render and compute entry points can be replaced at runtime over a WebSocket
control channel while a fixed-cadence tick invokes every render entry.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "netrender.yaml", "Path to config file (.yaml, .yml or .toml)")
}
